package udp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilientdns/resilientdns/pkg/upstream"
)

// startShufflingServer answers every received datagram with the same
// transaction id, but replies to queries in reverse arrival order so a
// naive one-in-flight assumption would misroute the reply to the wrong
// waiter. It exercises the demultiplexing-by-transaction-id contract.
func startShufflingServer(t *testing.T) (addr *net.UDPAddr, stop func()) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	type pending struct {
		from *net.UDPAddr
		data []byte
	}
	queries := make(chan pending, 16)

	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			queries <- pending{from: from, data: data}
		}
	}()

	go func() {
		var batch []pending
		timer := time.NewTimer(50 * time.Millisecond)
		defer timer.Stop()
		for {
			select {
			case p, ok := <-queries:
				if !ok {
					return
				}
				batch = append(batch, p)
				if len(batch) < 2 {
					continue
				}
				// Reply in reverse order of arrival.
				for i := len(batch) - 1; i >= 0; i-- {
					_, _ = conn.WriteToUDP(batch[i].data, batch[i].from)
				}
				batch = nil
			case <-timer.C:
				for _, p := range batch {
					_, _ = conn.WriteToUDP(p.data, p.from)
				}
				batch = nil
				timer.Reset(50 * time.Millisecond)
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr), func() { _ = conn.Close() }
}

func makeQuery(id uint16) []byte {
	q := make([]byte, 12)
	binary.BigEndian.PutUint16(q[:2], id)
	return q
}

func TestUDPResolveDemultiplexesByTransactionID(t *testing.T) {
	addr, stop := startShufflingServer(t)
	defer stop()

	dial := func(ctx context.Context) (net.Conn, error) {
		return net.DialUDP("udp", nil, addr)
	}
	u, err := NewUpstream(dial)
	require.NoError(t, err)
	defer u.Close()

	type result struct {
		clientID uint16
		reply    []byte
		err      error
	}
	results := make(chan result, 2)

	for _, id := range []uint16{0xAAAA, 0xBBBB} {
		go func(id uint16) {
			reply, err := u.Resolve(context.Background(), makeQuery(id), time.Now().Add(2*time.Second))
			results <- result{clientID: id, reply: reply, err: err}
		}(id)
	}

	seen := map[uint16]bool{}
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		gotID := binary.BigEndian.Uint16(r.reply[:2])
		assert.Equal(t, r.clientID, gotID, "reply must carry back the caller's original transaction id")
		seen[r.clientID] = true
	}
	assert.Len(t, seen, 2)
}

func TestUDPResolveTimeout(t *testing.T) {
	// A server that never replies.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	go func() {
		buf := make([]byte, 512)
		for {
			if _, _, err := conn.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	dial := func(ctx context.Context) (net.Conn, error) {
		return net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	}
	u, err := NewUpstream(dial)
	require.NoError(t, err)
	defer u.Close()

	_, err = u.Resolve(context.Background(), makeQuery(1), time.Now().Add(50*time.Millisecond))
	require.Error(t, err)
	uerr, ok := err.(*upstream.Error)
	require.True(t, ok)
	assert.Equal(t, upstream.UdpTimeout, uerr.Kind)
}

func TestPoolRoundRobinsAcrossConnections(t *testing.T) {
	addr, stop := startShufflingServer(t)
	defer stop()

	dial := func(ctx context.Context) (net.Conn, error) {
		return net.DialUDP("udp", nil, addr)
	}
	p, err := NewPool(dial, 3)
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 3; i++ {
		reply, err := p.Resolve(context.Background(), makeQuery(0x0102), time.Now().Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, uint16(0x0102), binary.BigEndian.Uint16(reply[:2]))
	}
	// Each connection is dialed on its first query, so three round-robined
	// queries leave all three connected.
	for i, u := range p.upstreams {
		u.mu.Lock()
		connected := u.conn != nil
		u.mu.Unlock()
		assert.Truef(t, connected, "upstream %d never received a query", i)
	}
}
