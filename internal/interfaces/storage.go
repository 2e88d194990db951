package interfaces

import (
	"context"

	"github.com/certlab/ecmlink/internal/models"
)

// JobStorage persists retrieval jobs.
type JobStorage interface {
	// CreateJob inserts a new job row.
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob retrieves a job by ID. Returns (nil, nil) when unknown.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// UpdateStatus transitions a job with compare-and-set semantics: the
	// update applies only when the stored status equals expected, enforcing
	// the monotonic lifecycle. Returns ErrStatusConflict otherwise.
	UpdateStatus(ctx context.Context, jobID string, expected, next models.JobStatus, finalLink, errMsg string) error

	// ListByStatus returns all jobs currently in the given status.
	ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
}

// URLCacheStorage persists the test-number to URL mapping.
type URLCacheStorage interface {
	// Lookup returns the cached URL for a test number, with a hit flag.
	Lookup(ctx context.Context, testNo string) (string, bool, error)

	// Upsert inserts or replaces the URL for a test number.
	Upsert(ctx context.Context, testNo, url string) error
}

// QueueManager is a durable FIFO work queue with visibility-timeout
// redelivery.
type QueueManager interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) error

	// Receive pulls the next visible message. The returned func acknowledges
	// (deletes) the message. Returns ErrNoMessage when the queue is empty.
	Receive(ctx context.Context) (*models.QueueMessage, func() error, error)

	Close() error
}
