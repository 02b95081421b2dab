package dnsutils

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/resilientdns/resilientdns/pkg/pool"
)

// WriteMsgToUDP packs m and writes it to conn in a single datagram. It
// returns the number of bytes written.
func WriteMsgToUDP(conn net.Conn, m *dns.Msg) (int, error) {
	wire, buf, err := pool.PackBuffer(m)
	if err != nil {
		return 0, err
	}
	defer buf.Release()
	return conn.Write(wire)
}

// WriteRawMsgToTCP writes a length-prefixed (RFC 7766) raw wire message to a
// stream connection.
func WriteRawMsgToTCP(conn net.Conn, raw []byte) (int, error) {
	if len(raw) > 65535 {
		return 0, fmt.Errorf("message too large for tcp framing: %d bytes", len(raw))
	}
	buf := pool.GetBuf(len(raw) + 2)
	defer buf.Release()
	b := buf.Bytes()
	binary.BigEndian.PutUint16(b[:2], uint16(len(raw)))
	copy(b[2:], raw)
	return conn.Write(b)
}

// WriteMsgToTCP packs m and writes it with RFC 7766 length-prefix framing.
func WriteMsgToTCP(conn net.Conn, m *dns.Msg) (int, error) {
	wire, buf, err := pool.PackBuffer(m)
	if err != nil {
		return 0, err
	}
	defer buf.Release()
	return WriteRawMsgToTCP(conn, wire)
}

// ReadMsgFromTCP reads one length-prefixed wire message from conn, unpacks
// it, and also returns the raw bytes read (including payload, excluding the
// 2-byte length prefix). The caller owns the returned raw slice.
func ReadMsgFromTCP(conn net.Conn) (*dns.Msg, []byte, error) {
	var lenBuf [2]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n < 12 {
		return nil, nil, ErrInvalidDNSMsg
	}
	raw := make([]byte, n)
	if _, err := readFull(conn, raw); err != nil {
		return nil, nil, err
	}
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		return nil, raw, err
	}
	return m, raw, nil
}

// ReadRawMsgFromUDP reads a single datagram into a freshly sliced buffer
// bounded by max bytes.
func ReadRawMsgFromUDP(conn net.Conn, max int) ([]byte, error) {
	buf := pool.GetBuf(max)
	defer buf.Release()
	n, err := conn.Read(buf.Bytes())
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf.Bytes()[:n])
	return out, nil
}

func readFull(conn net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := conn.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
