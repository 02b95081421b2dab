package tcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T) (addr string, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					var lenBuf [2]byte
					if _, err := io.ReadFull(c, lenBuf[:]); err != nil {
						return
					}
					n := binary.BigEndian.Uint16(lenBuf[:])
					body := make([]byte, n)
					if _, err := io.ReadFull(c, body); err != nil {
						return
					}
					frame := make([]byte, 2+n)
					binary.BigEndian.PutUint16(frame[:2], n)
					copy(frame[2:], body)
					if _, err := c.Write(frame); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), func() { _ = ln.Close() }
}

func TestTCPResolveAndReuse(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	dial := func(ctx context.Context) (net.Conn, error) {
		return net.Dial("tcp", addr)
	}
	u := New(dial, time.Second, 4096)
	defer u.Close()

	var reuses int
	u.SetReuseHook(func() { reuses++ })

	query := make([]byte, 12)
	binary.BigEndian.PutUint16(query[:2], 0x1234)

	reply, err := u.Resolve(context.Background(), query, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, query, reply)

	_, err = u.Resolve(context.Background(), query, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, reuses)
}

// TestTCPResolveDialRespectsDeadline checks that a dial to a host that
// never accepts is bounded by Resolve's deadline instead of hanging
// until the caller's own context is canceled.
func TestTCPResolveDialRespectsDeadline(t *testing.T) {
	dial := func(ctx context.Context) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	u := New(dial, time.Second, 4096)
	defer u.Close()

	query := make([]byte, 12)
	start := time.Now()
	_, err := u.Resolve(context.Background(), query, time.Now().Add(100*time.Millisecond))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "dial must be bounded by the call deadline, not hang indefinitely")
}
