package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/interfaces"
	"github.com/certlab/ecmlink/internal/models"
	"github.com/certlab/ecmlink/internal/queue"
	"github.com/certlab/ecmlink/internal/services/jobs"
)

// In-memory doubles for handler tests.

type stubJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newStubJobs() *stubJobs {
	return &stubJobs{jobs: make(map[string]*models.Job)}
}

func (s *stubJobs) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *stubJobs) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *stubJobs) UpdateStatus(ctx context.Context, jobID string, expected, next models.JobStatus, finalLink, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != expected {
		return fmt.Errorf("status conflict")
	}
	job.Status = next
	job.FinalLink = finalLink
	job.Error = errMsg
	return nil
}

func (s *stubJobs) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	return nil, nil
}

type stubCache struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *stubCache) Lookup(ctx context.Context, testNo string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url, ok := c.m[testNo]
	return url, ok, nil
}

func (c *stubCache) Upsert(ctx context.Context, testNo, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]string)
	}
	c.m[testNo] = url
	return nil
}

type stubQueue struct {
	mu   sync.Mutex
	msgs []models.QueueMessage
}

func (q *stubQueue) Enqueue(ctx context.Context, msg models.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *stubQueue) Receive(ctx context.Context) (*models.QueueMessage, func() error, error) {
	return nil, nil, queue.ErrNoMessage
}

func (q *stubQueue) Close() error { return nil }

type stubEvents struct {
	mu       sync.Mutex
	handlers []interfaces.EventHandler
}

func (e *stubEvents) Subscribe(t interfaces.EventType, h interfaces.EventHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
	return nil
}

func (e *stubEvents) Publish(ctx context.Context, ev interfaces.Event) error {
	return e.PublishSync(ctx, ev)
}

func (e *stubEvents) PublishSync(ctx context.Context, ev interfaces.Event) error {
	e.mu.Lock()
	handlers := append([]interfaces.EventHandler(nil), e.handlers...)
	e.mu.Unlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

func (e *stubEvents) Close() error { return nil }

func newTestJobHandler(t *testing.T) (*JobHandler, *stubJobs, *stubCache) {
	t.Helper()
	storage := newStubJobs()
	cache := &stubCache{m: make(map[string]string)}
	dispatcher := jobs.NewDispatcher(storage, cache, &stubQueue{}, &stubEvents{}, arbor.NewLogger())
	return NewJobHandler(dispatcher, storage, arbor.NewLogger()), storage, cache
}

func TestHandleSubmit_Accepted(t *testing.T) {
	h, _, _ := newTestJobHandler(t)

	body := strings.NewReader(`{"test_no":"25-0094","cert_date":"2025.08.25"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	rec := httptest.NewRecorder()

	h.HandleSubmit(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var result jobs.SubmitResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.True(t, strings.HasPrefix(result.JobID, "job_"))
	assert.Equal(t, models.JobStatusPending, result.Status)
}

func TestHandleSubmit_CacheHitReturnsDone(t *testing.T) {
	h, _, cache := newTestJobHandler(t)
	require.NoError(t, cache.Upsert(context.Background(), "25-0094", "https://ecm.example/doc/42"))

	body := strings.NewReader(`{"test_no":"25-0094","cert_date":"2025.08.25"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	rec := httptest.NewRecorder()

	h.HandleSubmit(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var result jobs.SubmitResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, models.JobStatusDone, result.Status)
	assert.Equal(t, "https://ecm.example/doc/42", result.FinalLink)
}

func TestHandleSubmit_BadInput(t *testing.T) {
	h, _, _ := newTestJobHandler(t)

	cases := []string{
		`{"test_no":"25-0094","cert_date":"2025.08"}`,
		`{"test_no":"","cert_date":"20250825"}`,
		`not json`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.HandleSubmit(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestHandleGet_FoundAndNotFound(t *testing.T) {
	h, storage, _ := newTestJobHandler(t)
	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:        "job_known",
		Status:    models.JobStatusDone,
		FinalLink: "https://ecm.example/doc/42",
		CreatedAt: time.Now().Unix(),
		UpdatedAt: time.Now().Unix(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job_known", nil)
	rec := httptest.NewRecorder()
	h.HandleGet(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var job models.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, "job_known", job.ID)
	assert.Equal(t, models.JobStatusDone, job.Status)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/job_missing", nil)
	rec = httptest.NewRecorder()
	h.HandleGet(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
