package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilientdns/resilientdns/pkg/cache"
	"github.com/resilientdns/resilientdns/pkg/dnsutils"
	"github.com/resilientdns/resilientdns/pkg/metrics"
)

type fakeRunner struct {
	calls  atomic.Int64
	fail   bool
	wg     *sync.WaitGroup
}

func (f *fakeRunner) RefreshOne(_ context.Context, _ dnsutils.CacheKey) error {
	f.calls.Add(1)
	if f.wg != nil {
		defer f.wg.Done()
	}
	if f.fail {
		return errors.New("boom")
	}
	return nil
}

func key(name string) dnsutils.CacheKey {
	return dnsutils.CacheKey{Name: name, Qtype: 1, Qclass: 1}
}

func TestEnqueueDedupRejectsSecondCall(t *testing.T) {
	m := metrics.New()
	c := cache.New(10, m)
	var wg sync.WaitGroup
	wg.Add(1)
	runner := &fakeRunner{wg: &wg}
	s := New(c, runner, Config{Enabled: true, QueueMax: 1, Concurrency: 1}, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	k := key("dup.example.")
	require.True(t, s.Enqueue(k))
	assert.False(t, s.Enqueue(k))

	wg.Wait()
	assert.Equal(t, int64(1), runner.calls.Load())
}

func TestEnqueueQueueFullDrops(t *testing.T) {
	m := metrics.New()
	c := cache.New(10, m)
	block := make(chan struct{})
	runner := blockingRunner{block: block}
	s := New(c, runner, Config{Enabled: true, QueueMax: 1, Concurrency: 1}, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		close(block)
		s.Stop()
	}()

	require.True(t, s.Enqueue(key("a.example.")))
	time.Sleep(20 * time.Millisecond) // let the worker pick it up, freeing the queue slot
	require.True(t, s.Enqueue(key("b.example.")))
	assert.False(t, s.Enqueue(key("c.example.")))
}

type blockingRunner struct {
	block chan struct{}
}

func (b blockingRunner) RefreshOne(_ context.Context, _ dnsutils.CacheKey) error {
	<-b.block
	return nil
}

func TestEligibilityGate(t *testing.T) {
	m := metrics.New()
	c := cache.New(10, m)
	s := New(c, &fakeRunner{}, Config{
		Enabled:             true,
		Ahead:               30 * time.Second,
		PopularityThreshold: 3,
		PopularityDecay:     time.Minute,
	}, m, nil)

	e := c.Put(key("popular.example."), []byte{1, 2, 3}, nil, false, 5*time.Second, time.Minute)
	assert.False(t, s.ShouldRefresh(e), "fresh but unpopular entry should not be eligible")

	e2, _ := c.Get(key("popular.example."))
	_ = e2

	// Bump hits past the threshold via repeated Gets.
	for i := 0; i < 5; i++ {
		c.Get(key("popular.example."))
	}
	e3, _ := c.Get(key("popular.example."))
	assert.True(t, s.ShouldRefresh(e3))
}

func TestShouldRefreshDisabledWhenSchedulerDisabled(t *testing.T) {
	m := metrics.New()
	c := cache.New(10, m)
	s := New(c, &fakeRunner{}, Config{Enabled: false, Ahead: time.Minute, PopularityThreshold: 0}, m, nil)
	e := c.Put(key("off.example."), []byte{1}, nil, false, time.Second, time.Minute)
	assert.False(t, s.ShouldRefresh(e))
}
