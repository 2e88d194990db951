package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/common"
	"github.com/certlab/ecmlink/internal/ecmerr"
)

// fakeLauncher hands out handles backed by plain cancellable contexts.
type fakeLauncher struct {
	launches int32
	failNext int32
}

func (f *fakeLauncher) Launch(ctx context.Context) (*Handle, error) {
	if atomic.LoadInt32(&f.failNext) > 0 {
		atomic.AddInt32(&f.failNext, -1)
		return nil, errors.New("launch failure")
	}
	atomic.AddInt32(&f.launches, 1)
	hctx, cancel := context.WithCancel(context.Background())
	return newHandle(hctx, cancel, func() {}, nil), nil
}

func (f *fakeLauncher) launchCount() int {
	return int(atomic.LoadInt32(&f.launches))
}

func poolConfig(size, maxJobs int, maxAge time.Duration) *common.PoolConfig {
	return &common.PoolConfig{
		Size:    size,
		MaxAge:  maxAge,
		MaxJobs: maxJobs,
	}
}

func TestPool_InitFillsCapacity(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewPool(launcher, poolConfig(3, 200, time.Hour), arbor.NewLogger())
	require.NoError(t, p.Init(context.Background()))
	defer p.Shutdown()

	available, capacity := p.Stats()
	assert.Equal(t, 3, available)
	assert.Equal(t, 3, capacity)
	assert.Equal(t, 3, launcher.launchCount())
}

func TestPool_CheckoutAndReturn(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewPool(launcher, poolConfig(1, 200, time.Hour), arbor.NewLogger())
	require.NoError(t, p.Init(context.Background()))
	defer p.Shutdown()

	h, err := p.Checkout(context.Background())
	require.NoError(t, err)

	available, _ := p.Stats()
	assert.Equal(t, 0, available)

	p.Return(h)
	available, _ = p.Stats()
	assert.Equal(t, 1, available)
}

func TestPool_CheckoutBlocksUntilReturn(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewPool(launcher, poolConfig(1, 200, time.Hour), arbor.NewLogger())
	require.NoError(t, p.Init(context.Background()))
	defer p.Shutdown()

	h, err := p.Checkout(context.Background())
	require.NoError(t, err)

	done := make(chan *Handle, 1)
	go func() {
		h2, err := p.Checkout(context.Background())
		if err == nil {
			done <- h2
		}
	}()

	select {
	case <-done:
		t.Fatal("checkout should block while the only handle is out")
	case <-time.After(50 * time.Millisecond):
	}

	p.Return(h)
	select {
	case h2 := <-done:
		p.Return(h2)
	case <-time.After(time.Second):
		t.Fatal("checkout did not unblock after return")
	}
}

func TestPool_CheckoutRespectsContext(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewPool(launcher, poolConfig(1, 200, time.Hour), arbor.NewLogger())
	require.NoError(t, p.Init(context.Background()))
	defer p.Shutdown()

	_, err := p.Checkout(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(ctx)
	assert.True(t, ecmerr.Is(err, ecmerr.PoolUnavailable))
}

func TestPool_JobCapForcesReplacement(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewPool(launcher, poolConfig(1, 2, time.Hour), arbor.NewLogger())
	require.NoError(t, p.Init(context.Background()))
	defer p.Shutdown()

	// Two jobs on the same handle
	for i := 0; i < 2; i++ {
		h, err := p.Checkout(context.Background())
		require.NoError(t, err)
		h.RecordJob()
		p.Return(h)
	}

	// Handle hit the cap; unhealthy return triggers disposal. The third
	// checkout must see a fresh handle.
	require.Eventually(t, func() bool {
		available, _ := p.Stats()
		return available == 1
	}, time.Second, 10*time.Millisecond)

	h, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.JobsDone())
	assert.True(t, launcher.launchCount() >= 2)
	p.Return(h)
}

func TestPool_UnhealthyCheckoutReplacesInline(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewPool(launcher, poolConfig(1, 200, time.Hour), arbor.NewLogger())
	require.NoError(t, p.Init(context.Background()))
	defer p.Shutdown()

	h, err := p.Checkout(context.Background())
	require.NoError(t, err)
	h.browserCancel() // Simulate a browser crash
	p.Return(h)

	h2, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.NoError(t, h2.Context().Err())
	p.Return(h2)
}

func TestPool_ReplacementFailureSurfacesPoolUnavailable(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewPool(launcher, poolConfig(1, 1, time.Hour), arbor.NewLogger())
	require.NoError(t, p.Init(context.Background()))
	defer p.Shutdown()

	h, err := p.Checkout(context.Background())
	require.NoError(t, err)
	h.RecordJob() // At cap now
	atomic.StoreInt32(&launcher.failNext, 2)

	// Put the capped handle back; refill will fail, then the next
	// checkout's inline replacement also fails.
	p.handles <- h

	_, err = p.Checkout(context.Background())
	assert.True(t, ecmerr.Is(err, ecmerr.PoolUnavailable))
}

func TestPool_ShutdownDisposesAll(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewPool(launcher, poolConfig(2, 200, time.Hour), arbor.NewLogger())
	require.NoError(t, p.Init(context.Background()))

	h, err := p.Checkout(context.Background())
	require.NoError(t, err)

	p.Shutdown()

	// Handles returned after shutdown are disposed, not re-enqueued
	p.Return(h)
	assert.Error(t, h.Context().Err())

	_, err = p.Checkout(context.Background())
	assert.True(t, ecmerr.Is(err, ecmerr.PoolUnavailable))
}

func TestHandle_HealthBounds(t *testing.T) {
	hctx, cancel := context.WithCancel(context.Background())
	h := newHandle(hctx, cancel, func() {}, nil)

	assert.True(t, h.Healthy(time.Hour, 10))

	h.RecordJob()
	assert.True(t, h.Healthy(time.Hour, 2))
	h.RecordJob()
	assert.False(t, h.Healthy(time.Hour, 2))

	assert.False(t, h.Healthy(time.Nanosecond, 10))

	h.Dispose()
	assert.False(t, h.Healthy(time.Hour, 10))
}
