package jobs

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/common"
	"github.com/certlab/ecmlink/internal/ecmerr"
	"github.com/certlab/ecmlink/internal/interfaces"
	"github.com/certlab/ecmlink/internal/models"
)

// SubmitRequest is the inbound job submission.
type SubmitRequest struct {
	TestNo   string `json:"test_no" validate:"required"`
	CertDate string `json:"cert_date" validate:"required"`
}

// SubmitResult is what the submitter gets back. FinalLink is populated only
// on a cache hit, where the job is born DONE.
type SubmitResult struct {
	JobID     string           `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	FinalLink string           `json:"final_link,omitempty"`
}

// Dispatcher validates submissions, short-circuits through the URL cache,
// and enqueues the rest as durable work. It is side-effect-free on invalid
// input.
type Dispatcher struct {
	jobs     interfaces.JobStorage
	cache    interfaces.URLCacheStorage
	queue    interfaces.QueueManager
	events   interfaces.EventService
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(jobs interfaces.JobStorage, cache interfaces.URLCacheStorage, queue interfaces.QueueManager, events interfaces.EventService, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		jobs:     jobs,
		cache:    cache,
		queue:    queue,
		events:   events,
		validate: validator.New(),
		logger:   logger,
	}
}

// Submit accepts a retrieval request. A cache hit returns a synthetic DONE
// job with zero browser work; otherwise a PENDING job is created and
// enqueued. Duplicate submissions create duplicate jobs; idempotence exists
// only at the cache level.
func (d *Dispatcher) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, ecmerr.Wrap(ecmerr.BadInput, "test_no and cert_date are required", err)
	}

	year, date8, err := ParseCertDate(req.CertDate)
	if err != nil {
		return nil, err
	}

	if url, found, err := d.cache.Lookup(ctx, req.TestNo); err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	} else if found {
		job := &models.Job{
			ID:        common.NewJobID(),
			Status:    models.JobStatusDone,
			FinalLink: url,
		}
		if err := d.jobs.CreateJob(ctx, job); err != nil {
			return nil, err
		}

		d.publishStatus(ctx, job.ID, models.JobStatusDone, url)
		d.logger.Info().Str("job_id", job.ID).Str("test_no", req.TestNo).Msg("Cache hit, job resolved without browser work")

		return &SubmitResult{JobID: job.ID, Status: models.JobStatusDone, FinalLink: url}, nil
	}

	job := &models.Job{
		ID:     common.NewJobID(),
		Status: models.JobStatusPending,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	d.publishStatus(ctx, job.ID, models.JobStatusPending, "queued")

	msg := models.QueueMessage{
		JobID:       job.ID,
		TestNo:      req.TestNo,
		CertDateRaw: req.CertDate,
		Year:        year,
		Date8:       date8,
	}
	if err := d.queue.Enqueue(ctx, msg); err != nil {
		// The job row exists but no worker will ever see it; close it out
		uerr := d.jobs.UpdateStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusError, "", "enqueue failed: "+err.Error())
		if uerr != nil {
			d.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("Failed to mark unenqueued job as error")
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	d.logger.Info().Str("job_id", job.ID).Str("test_no", req.TestNo).Str("date8", date8).Msg("Job enqueued")
	return &SubmitResult{JobID: job.ID, Status: models.JobStatusPending}, nil
}

func (d *Dispatcher) publishStatus(ctx context.Context, jobID string, status models.JobStatus, message string) {
	err := d.events.PublishSync(ctx, interfaces.Event{
		Type: interfaces.EventJobStatus,
		Payload: &interfaces.JobStatusPayload{
			JobID:   jobID,
			Status:  string(status),
			Message: message,
		},
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish status event")
	}
}
