package app

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/common"
	"github.com/certlab/ecmlink/internal/handlers"
	"github.com/certlab/ecmlink/internal/interfaces"
	"github.com/certlab/ecmlink/internal/models"
	"github.com/certlab/ecmlink/internal/queue"
	"github.com/certlab/ecmlink/internal/services/browser"
	"github.com/certlab/ecmlink/internal/services/ecm"
	"github.com/certlab/ecmlink/internal/services/events"
	"github.com/certlab/ecmlink/internal/services/jobs"
	"github.com/certlab/ecmlink/internal/services/session"
	"github.com/certlab/ecmlink/internal/storage/sqlite"
)

// App wires the service together and owns component lifecycle.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB         *sqlite.SQLiteDB
	JobStorage *sqlite.JobStorage
	URLCache   *sqlite.URLCacheStorage
	Queue      *queue.BadgerManager
	Events     *events.EventService
	Session    *session.Manager
	Pool       *browser.Pool
	Dispatcher *jobs.Dispatcher
	Worker     *jobs.Worker

	Hub        *handlers.StatusHub
	JobHandler *handlers.JobHandler
	WSHandler  *handlers.WebSocketHandler
	APIHandler *handlers.APIHandler

	cron *cron.Cron
}

// poolAdapter narrows the concrete pool to the worker-facing interface.
type poolAdapter struct {
	pool *browser.Pool
}

func (p poolAdapter) Init(ctx context.Context) error { return p.pool.Init(ctx) }

func (p poolAdapter) Checkout(ctx context.Context) (interfaces.BrowserHandle, error) {
	h, err := p.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p poolAdapter) Return(h interfaces.BrowserHandle) {
	if bh, ok := h.(*browser.Handle); ok {
		p.pool.Return(bh)
	}
}

func (p poolAdapter) Shutdown() { p.pool.Shutdown() }

// New builds the dependency graph. Nothing is started yet; Start owns that.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: config,
		Logger: logger,
	}

	db, err := sqlite.NewSQLiteDB(logger, &config.Storage.SQLite)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.DB = db
	a.JobStorage = sqlite.NewJobStorage(db, logger)
	a.URLCache = sqlite.NewURLCacheStorage(db, logger)

	q, err := queue.NewBadgerManager(config.Queue.Path, config.Queue.Name, config.Queue.VisibilityTimeoutDuration(), config.Queue.MaxReceive, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize work queue: %w", err)
	}
	a.Queue = q

	a.Events = events.NewEventService(logger)

	var throttle time.Duration
	if config.Events.MilestoneThrottle != "" {
		if d, perr := time.ParseDuration(config.Events.MilestoneThrottle); perr == nil {
			throttle = d
		}
	}
	hub, err := handlers.NewStatusHub(a.Events, throttle, logger)
	if err != nil {
		a.closePartial()
		return nil, err
	}
	a.Hub = hub

	sess, err := session.NewManager(&config.Portal, &config.Session, logger)
	if err != nil {
		a.closePartial()
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}
	a.Session = sess

	launcher := browser.NewChromedpLauncher(&config.Pool, logger)
	a.Pool = browser.NewPool(launcher, &config.Pool, logger)

	a.Dispatcher = jobs.NewDispatcher(a.JobStorage, a.URLCache, a.Queue, a.Events, logger)
	a.Worker = jobs.NewWorker(a.Queue, a.JobStorage, a.URLCache, a.Events, poolAdapter{a.Pool}, a.Session, ecm.NewSniffer(logger), &config.Portal, config.Pool.Size, logger)

	a.JobHandler = handlers.NewJobHandler(a.Dispatcher, a.JobStorage, logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Hub, a.JobStorage, logger)
	a.APIHandler = handlers.NewAPIHandler(a.Pool, logger)

	return a, nil
}

// Start brings the service up: browser pool, session, crash recovery,
// workers, and the session revalidation schedule.
func (a *App) Start(ctx context.Context) error {
	if err := a.Pool.Init(ctx); err != nil {
		return err
	}

	a.recoverInterruptedJobs(ctx)

	if err := a.ensureSession(ctx); err != nil {
		return err
	}

	a.Worker.Start(ctx)

	if a.Config.Session.RevalidateSchedule != "" {
		a.cron = cron.New()
		_, err := a.cron.AddFunc(a.Config.Session.RevalidateSchedule, a.revalidateSession)
		if err != nil {
			a.Logger.Warn().Err(err).Str("schedule", a.Config.Session.RevalidateSchedule).Msg("Invalid revalidation schedule, periodic session checks disabled")
		} else {
			a.cron.Start()
		}
	}

	a.Logger.Info().Msg("Application started")
	return nil
}

// recoverInterruptedJobs closes out jobs that were mid-flight when the
// previous process died. Their queue messages were acked or will redeliver;
// the RUNNING row would otherwise be stuck forever.
func (a *App) recoverInterruptedJobs(ctx context.Context) {
	stale, err := a.JobStorage.ListByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to scan for interrupted jobs")
		return
	}

	for _, job := range stale {
		err := a.JobStorage.UpdateStatus(ctx, job.ID, models.JobStatusRunning, models.JobStatusError, "", "interrupted by restart")
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to close interrupted job")
			continue
		}
		a.Logger.Info().Str("job_id", job.ID).Msg("Closed job interrupted by restart")
	}
}

// ensureSession validates (or bootstraps) the portal session on a borrowed
// browser before any worker needs it.
func (a *App) ensureSession(ctx context.Context) error {
	if a.Config.Portal.BaseURL == "" {
		a.Logger.Warn().Msg("No portal base URL configured, skipping session bootstrap")
		return nil
	}

	handle, err := a.Pool.Checkout(ctx)
	if err != nil {
		return err
	}
	defer a.Pool.Return(handle)

	tabCtx, cancel := chromedp.NewContext(handle.Context())
	defer cancel()

	if err := a.Session.Ensure(tabCtx); err != nil {
		return fmt.Errorf("session bootstrap failed: %w", err)
	}
	return nil
}

// revalidateSession runs on the cron schedule so long-lived deployments
// reissue the session before workers hit an expired one.
func (a *App) revalidateSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := a.ensureSession(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Periodic session revalidation failed")
	}
}

// Close shuts everything down in reverse dependency order. Workers stop
// first so in-flight jobs reach a terminal status before the pool goes away.
func (a *App) Close() {
	if a.cron != nil {
		a.cron.Stop()
	}
	if a.Worker != nil {
		a.Worker.Stop()
	}
	if a.Pool != nil {
		a.Pool.Shutdown()
	}
	a.closePartial()
	a.Logger.Info().Msg("Application stopped")
}

func (a *App) closePartial() {
	if a.Events != nil {
		a.Events.Close()
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close work queue")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
