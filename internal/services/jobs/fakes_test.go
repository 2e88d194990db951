package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/certlab/ecmlink/internal/interfaces"
	"github.com/certlab/ecmlink/internal/models"
	"github.com/certlab/ecmlink/internal/queue"
)

// In-memory doubles for the worker and dispatcher tests.

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]*models.Job)}
}

func (m *memJobs) CreateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.CreatedAt == 0 {
		job.CreatedAt = time.Now().Unix()
	}
	job.UpdatedAt = time.Now().Unix()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobs) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) UpdateStatus(ctx context.Context, jobID string, expected, next models.JobStatus, finalLink, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != expected {
		return fmt.Errorf("status conflict for %s", jobID)
	}
	if !expected.CanTransitionTo(next) {
		return fmt.Errorf("invalid transition %s -> %s", expected, next)
	}
	job.Status = next
	job.FinalLink = finalLink
	job.Error = errMsg
	job.UpdatedAt = time.Now().Unix()
	return nil
}

func (m *memJobs) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, job := range m.jobs {
		if job.Status == status {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemCache() *memCache {
	return &memCache{m: make(map[string]string)}
}

func (c *memCache) Lookup(ctx context.Context, testNo string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url, ok := c.m[testNo]
	return url, ok, nil
}

func (c *memCache) Upsert(ctx context.Context, testNo, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[testNo] = url
	return nil
}

type memQueue struct {
	ch chan models.QueueMessage
}

func newMemQueue() *memQueue {
	return &memQueue{ch: make(chan models.QueueMessage, 32)}
}

func (q *memQueue) Enqueue(ctx context.Context, msg models.QueueMessage) error {
	q.ch <- msg
	return nil
}

func (q *memQueue) Receive(ctx context.Context) (*models.QueueMessage, func() error, error) {
	select {
	case msg := <-q.ch:
		return &msg, func() error { return nil }, nil
	default:
		return nil, nil, queue.ErrNoMessage
	}
}

func (q *memQueue) Close() error { return nil }

type memEvents struct {
	mu       sync.Mutex
	payloads []*interfaces.JobStatusPayload
}

func (e *memEvents) Subscribe(t interfaces.EventType, h interfaces.EventHandler) error { return nil }

func (e *memEvents) Publish(ctx context.Context, ev interfaces.Event) error {
	return e.PublishSync(ctx, ev)
}

func (e *memEvents) PublishSync(ctx context.Context, ev interfaces.Event) error {
	if p, ok := ev.Payload.(*interfaces.JobStatusPayload); ok {
		e.mu.Lock()
		e.payloads = append(e.payloads, p)
		e.mu.Unlock()
	}
	return nil
}

func (e *memEvents) Close() error { return nil }

func (e *memEvents) statuses(jobID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, p := range e.payloads {
		if p.JobID == jobID && !p.Milestone {
			out = append(out, p.Status)
		}
	}
	return out
}

type fakeHandle struct {
	jobsDone int32
}

func (h *fakeHandle) Context() context.Context { return context.Background() }
func (h *fakeHandle) RecordJob()               { atomic.AddInt32(&h.jobsDone, 1) }

type fakePool struct {
	checkouts int32
	returns   int32
	failNext  int32
}

func (p *fakePool) Init(ctx context.Context) error { return nil }

func (p *fakePool) Checkout(ctx context.Context) (interfaces.BrowserHandle, error) {
	if atomic.LoadInt32(&p.failNext) > 0 {
		atomic.AddInt32(&p.failNext, -1)
		return nil, fmt.Errorf("no browser available")
	}
	atomic.AddInt32(&p.checkouts, 1)
	return &fakeHandle{}, nil
}

func (p *fakePool) Return(h interfaces.BrowserHandle) { atomic.AddInt32(&p.returns, 1) }
func (p *fakePool) Shutdown()                         {}

type noopSession struct{}

func (noopSession) Apply(ctx context.Context) error { return nil }
