package browser

import (
	"context"
	"sync/atomic"
	"time"
)

const probeTimeout = 5 * time.Second

// Handle is one long-lived headless browser in the pool. Jobs derive fresh
// tab contexts from Context(); the browser itself outlives any single job.
type Handle struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	launchedAt    time.Time
	jobsDone      int64
	probe         func(context.Context) error
}

func newHandle(browserCtx context.Context, browserCancel, allocCancel context.CancelFunc, probe func(context.Context) error) *Handle {
	return &Handle{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		launchedAt:    time.Now(),
		probe:         probe,
	}
}

// Context returns the shared browser context. Derive per-job tab contexts
// from it; never run jobs directly on it.
func (h *Handle) Context() context.Context {
	return h.browserCtx
}

// RecordJob increments the completed-job count used by the use cap.
func (h *Handle) RecordJob() {
	atomic.AddInt64(&h.jobsDone, 1)
}

// JobsDone returns the number of jobs completed on this browser.
func (h *Handle) JobsDone() int {
	return int(atomic.LoadInt64(&h.jobsDone))
}

// Age returns the time since launch.
func (h *Handle) Age() time.Duration {
	return time.Since(h.launchedAt)
}

// Healthy reports whether the handle may serve another job: still connected,
// within the age TTL, and under the job cap.
func (h *Handle) Healthy(maxAge time.Duration, maxJobs int) bool {
	if h.browserCtx.Err() != nil {
		return false
	}
	if maxJobs > 0 && h.JobsDone() >= maxJobs {
		return false
	}
	if maxAge > 0 && h.Age() > maxAge {
		return false
	}
	if h.probe != nil {
		ctx, cancel := context.WithTimeout(h.browserCtx, probeTimeout)
		defer cancel()
		if err := h.probe(ctx); err != nil {
			return false
		}
	}
	return true
}

// Dispose tears down the browser process and its allocator.
func (h *Handle) Dispose() {
	if h.browserCancel != nil {
		h.browserCancel()
	}
	if h.allocCancel != nil {
		h.allocCancel()
	}
}
