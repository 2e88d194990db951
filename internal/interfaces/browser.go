package interfaces

import (
	"context"
)

// BrowserPool is a bounded holder of long-lived headless browsers.
type BrowserPool interface {
	// Init eagerly launches the pool to capacity.
	Init(ctx context.Context) error

	// Checkout blocks until a healthy handle is available. Unhealthy handles
	// encountered on the way out are disposed and replaced before return.
	Checkout(ctx context.Context) (BrowserHandle, error)

	// Return re-enqueues a healthy handle, or disposes it and schedules a
	// replacement so capacity is preserved.
	Return(h BrowserHandle)

	// Shutdown disposes every handle.
	Shutdown()
}

// BrowserHandle is one long-lived browser within the pool.
type BrowserHandle interface {
	// Context returns the chromedp browser context. New per-job contexts
	// (tabs) are derived from it; the browser itself is shared.
	Context() context.Context

	// RecordJob increments the handle's completed-job counter.
	RecordJob()
}
