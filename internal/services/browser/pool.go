package browser

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/common"
	"github.com/certlab/ecmlink/internal/ecmerr"
)

const shutdownDrainTimeout = 30 * time.Second

// Pool is a bounded holder of browser handles. The buffered channel doubles
// as a FIFO semaphore: Checkout blocks without spinning until a handle is
// free, and capacity never exceeds the configured size.
type Pool struct {
	launcher Launcher
	config   *common.PoolConfig
	logger   arbor.ILogger

	handles  chan *Handle
	refillCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool of the configured size. Call Init before Checkout.
func NewPool(launcher Launcher, config *common.PoolConfig, logger arbor.ILogger) *Pool {
	size := config.Size
	if size <= 0 {
		size = 5
	}
	return &Pool{
		launcher: launcher,
		config:   config,
		logger:   logger,
		handles:  make(chan *Handle, size),
		refillCh: make(chan struct{}, size),
		stopCh:   make(chan struct{}),
	}
}

// Init eagerly launches handles up to capacity and starts the background
// refill task. Launch failures at startup are tolerated as long as at least
// one browser comes up; the refiller restores the rest.
func (p *Pool) Init(ctx context.Context) error {
	size := cap(p.handles)
	launched := 0
	var lastErr error

	for i := 0; i < size; i++ {
		h, err := p.launcher.Launch(ctx)
		if err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Int("index", i).Msg("Browser launch failed during pool init")
			p.requestRefill()
			continue
		}
		p.handles <- h
		launched++
	}

	if launched == 0 {
		return ecmerr.Wrap(ecmerr.PoolUnavailable, "no browser instance could be launched", lastErr)
	}

	p.wg.Add(1)
	go p.refillLoop()

	p.logger.Info().Int("launched", launched).Int("capacity", size).Msg("Browser pool initialized")
	return nil
}

// Checkout blocks until a handle is free, verifies its health, and replaces
// it inline when it has aged out. A failed replacement launch surfaces as
// PoolUnavailable for this checkout; the refiller restores capacity later.
func (p *Pool) Checkout(ctx context.Context) (*Handle, error) {
	select {
	case h := <-p.handles:
		if h.Healthy(p.config.MaxAge, p.config.MaxJobs) {
			return h, nil
		}

		p.logger.Info().
			Int("jobs_done", h.JobsDone()).
			Dur("age", h.Age()).
			Msg("Disposing unhealthy browser handle")
		h.Dispose()

		fresh, err := p.launcher.Launch(ctx)
		if err != nil {
			p.requestRefill()
			return nil, ecmerr.Wrap(ecmerr.PoolUnavailable, "replacement browser launch failed", err)
		}
		return fresh, nil

	case <-p.stopCh:
		return nil, ecmerr.New(ecmerr.PoolUnavailable, "pool is shut down")

	case <-ctx.Done():
		return nil, ecmerr.Wrap(ecmerr.PoolUnavailable, "checkout cancelled", ctx.Err())
	}
}

// Return gives a handle back. Healthy handles are re-enqueued; unhealthy
// ones are disposed and replaced in the background so capacity is preserved.
func (p *Pool) Return(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		h.Dispose()
		return
	}

	if h.Healthy(p.config.MaxAge, p.config.MaxJobs) {
		select {
		case p.handles <- h:
			return
		default:
			// Capacity already full (a refill won the race)
			h.Dispose()
			return
		}
	}

	h.Dispose()
	p.requestRefill()
}

// Shutdown disposes all pooled handles with a bounded wait. Handles still
// checked out are disposed on Return.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	deadline := time.After(shutdownDrainTimeout)
	for {
		select {
		case h := <-p.handles:
			h.Dispose()
		case <-deadline:
			p.logger.Warn().Msg("Browser pool drain timed out")
			return
		default:
			p.logger.Info().Msg("Browser pool shut down")
			return
		}
	}
}

// Stats reports pool occupancy for the health endpoint.
func (p *Pool) Stats() (available, capacity int) {
	return len(p.handles), cap(p.handles)
}

// requestRefill schedules a single background replacement launch. The
// channel is buffered to capacity so requests never block and never exceed
// the number of missing handles.
func (p *Pool) requestRefill() {
	select {
	case p.refillCh <- struct{}{}:
	default:
	}
}

// refillLoop restores capacity after disposals. It retries with backoff so a
// transient launch failure does not leave the pool permanently short.
func (p *Pool) refillLoop() {
	defer p.wg.Done()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.refillCh:
		}

		for {
			h, err := p.launcher.Launch(context.Background())
			if err == nil {
				backoff = time.Second
				select {
				case p.handles <- h:
				default:
					h.Dispose()
				}
				break
			}

			p.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Pool refill launch failed")
			select {
			case <-p.stopCh:
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
		}
	}
}
