package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/common"
	"github.com/certlab/ecmlink/internal/ecmerr"
	"github.com/certlab/ecmlink/internal/interfaces"
	"github.com/certlab/ecmlink/internal/models"
	"github.com/certlab/ecmlink/internal/queue"
	"github.com/certlab/ecmlink/internal/services/ecm"
)

const (
	pollMinBackoff = 100 * time.Millisecond
	pollMaxBackoff = 5 * time.Second
)

// SessionApplier loads authentication state into a browser context.
type SessionApplier interface {
	Apply(ctx context.Context) error
}

// retrieveFunc runs the browser portion of one job. Swappable in tests.
type retrieveFunc func(ctx context.Context, handle interfaces.BrowserHandle, input *models.JobInput, milestone ecm.MilestoneFunc) (string, error)

// Worker consumes the durable queue and drives retrieval jobs end to end.
// N goroutines (one per pool slot) poll the queue with backoff; each job
// runs on a fresh tab context derived from a pooled browser.
type Worker struct {
	queue   interfaces.QueueManager
	jobs    interfaces.JobStorage
	cache   interfaces.URLCacheStorage
	events  interfaces.EventService
	pool    interfaces.BrowserPool
	session SessionApplier
	sniffer *ecm.Sniffer
	portal  *common.PortalConfig
	logger  arbor.ILogger

	count    int
	retrieve retrieveFunc

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewWorker creates a worker pool of the given concurrency.
func NewWorker(q interfaces.QueueManager, jobs interfaces.JobStorage, cache interfaces.URLCacheStorage, events interfaces.EventService, pool interfaces.BrowserPool, session SessionApplier, sniffer *ecm.Sniffer, portal *common.PortalConfig, count int, logger arbor.ILogger) *Worker {
	if count <= 0 {
		count = 5
	}
	w := &Worker{
		queue:   q,
		jobs:    jobs,
		cache:   cache,
		events:  events,
		pool:    pool,
		session: session,
		sniffer: sniffer,
		portal:  portal,
		count:   count,
		logger:  logger,
	}
	w.retrieve = w.browserRetrieve
	return w
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.runCtx, w.runCancel = context.WithCancel(ctx)

	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go w.loop(i)
	}
	w.logger.Info().Int("workers", w.count).Msg("Retrieval workers started")
}

// Stop cancels in-flight work and waits for the goroutines to exit. Jobs
// caught mid-retrieval fail with a terminal ERROR; queued jobs stay PENDING
// for the next run.
func (w *Worker) Stop() {
	if w.runCancel != nil {
		w.runCancel()
	}
	w.wg.Wait()
	w.logger.Info().Msg("Retrieval workers stopped")
}

func (w *Worker) loop(id int) {
	defer w.wg.Done()

	backoff := pollMinBackoff
	for {
		select {
		case <-w.runCtx.Done():
			return
		default:
		}

		msg, ack, err := w.queue.Receive(w.runCtx)
		if err != nil {
			if !errors.Is(err, queue.ErrNoMessage) {
				w.logger.Warn().Err(err).Int("worker", id).Msg("Queue receive failed")
			}
			select {
			case <-w.runCtx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < pollMaxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = pollMinBackoff

		w.process(msg)
		if err := ack(); err != nil {
			w.logger.Warn().Err(err).Str("job_id", msg.JobID).Msg("Failed to ack queue message")
		}
	}
}

// process runs one job to a terminal status. Panics in the browser layer are
// contained here so a single bad page cannot take a worker down.
func (w *Worker) process(msg *models.QueueMessage) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Str("job_id", msg.JobID).Msgf("Worker panic: %v", r)
			w.finish(msg.JobID, "", ecmerr.Newf(ecmerr.PoolUnavailable, "worker panic: %v", r))
		}
	}()

	ctx := w.runCtx

	err := w.jobs.UpdateStatus(ctx, msg.JobID, models.JobStatusPending, models.JobStatusRunning, "", "")
	if err != nil {
		// Already running or terminal; a redelivered message for a job
		// another worker finished. Drop it.
		w.logger.Debug().Err(err).Str("job_id", msg.JobID).Msg("Skipping redelivered job")
		return
	}
	w.publish(msg.JobID, models.JobStatusRunning, "picked up by worker", false)

	handle, err := w.pool.Checkout(ctx)
	if err != nil {
		w.finish(msg.JobID, "", err)
		return
	}
	// Deferred so the handle goes back even when the retrieval path panics;
	// a leaked handle would shrink pool capacity permanently.
	defer func() {
		handle.RecordJob()
		w.pool.Return(handle)
	}()
	w.publish(msg.JobID, models.JobStatusRunning, "browser checked out", true)

	input := &models.JobInput{
		TestNo:      msg.TestNo,
		CertDateRaw: msg.CertDateRaw,
		Year:        msg.Year,
		Date8:       msg.Date8,
	}
	milestone := func(state ecm.State) {
		w.publish(msg.JobID, models.JobStatusRunning, string(state), true)
	}

	url, err := w.retrieve(ctx, handle, input, milestone)
	if err != nil {
		w.finish(msg.JobID, "", err)
		return
	}

	if cerr := w.cache.Upsert(ctx, msg.TestNo, url); cerr != nil {
		w.logger.Warn().Err(cerr).Str("job_id", msg.JobID).Msg("URL cache upsert failed")
	}
	w.finish(msg.JobID, url, nil)
}

// browserRetrieve is the production retrieval path: fresh tab context,
// session applied, sniffer armed, navigator run. The context is always
// closed; the browser survives for the next job.
func (w *Worker) browserRetrieve(ctx context.Context, handle interfaces.BrowserHandle, input *models.JobInput, milestone ecm.MilestoneFunc) (string, error) {
	tabCtx, cancel := chromedp.NewContext(handle.Context())
	defer cancel()

	// The tab context descends from the shared browser, not from the run
	// context; propagate run-context cancellation so Stop interrupts an
	// in-flight navigation instead of waiting out its state budgets.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := w.session.Apply(tabCtx); err != nil {
		return "", err
	}
	if err := w.sniffer.Install(tabCtx); err != nil {
		return "", err
	}

	nav := ecm.NewNavigator(w.sniffer, w.logger, milestone)
	return nav.Retrieve(tabCtx, w.portal.BaseURL, input)
}

// finish writes the terminal status with CAS and emits exactly one terminal
// event. A conflicting terminal status already in place wins.
func (w *Worker) finish(jobID, url string, jobErr error) {
	// Terminal writes must survive run-context cancellation during shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if jobErr == nil {
		if err := w.jobs.UpdateStatus(ctx, jobID, models.JobStatusRunning, models.JobStatusDone, url, ""); err != nil {
			w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Terminal DONE transition rejected")
			return
		}
		w.publish(jobID, models.JobStatusDone, url, false)
		w.logger.Info().Str("job_id", jobID).Str("final_link", url).Msg("Job completed")
		return
	}

	errMsg := jobErr.Error()
	if err := w.jobs.UpdateStatus(ctx, jobID, models.JobStatusRunning, models.JobStatusError, "", errMsg); err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Terminal ERROR transition rejected")
		return
	}
	w.publish(jobID, models.JobStatusError, errMsg, false)
	w.logger.Warn().Str("job_id", jobID).Str("kind", string(ecmerr.KindOf(jobErr))).Str("error", errMsg).Msg("Job failed")
}

func (w *Worker) publish(jobID string, status models.JobStatus, message string, milestone bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := w.events.PublishSync(ctx, interfaces.Event{
		Type: interfaces.EventJobStatus,
		Payload: &interfaces.JobStatusPayload{
			JobID:     jobID,
			Status:    string(status),
			Message:   message,
			Milestone: milestone,
		},
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish status event")
	}
}
