package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/certlab/ecmlink/internal/interfaces"
	"github.com/certlab/ecmlink/internal/models"
)

// wsClient is one WebSocket subscriber. The mutex serializes writes; gorilla
// connections do not allow concurrent writers.
type wsClient struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	limiter *rate.Limiter
}

func (c *wsClient) send(evt models.StatusEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(evt)
}

// sendLocked writes with c.mu already held.
func (c *wsClient) sendLocked(evt models.StatusEvent) error {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(evt)
}

// StatusHub fans job status events out to per-job WebSocket subscribers. It
// keeps the full ordered event log per job so a late subscriber replays
// history including the terminal event. Milestone events may be throttled
// per client; lifecycle and terminal events never are.
// logRetention is how long a job's event history survives its terminal
// event. Subscribers arriving later are served from the job store seed.
const logRetention = 10 * time.Minute

type StatusHub struct {
	logger   arbor.ILogger
	throttle time.Duration

	// retention overrides logRetention; tests shrink it.
	retention time.Duration

	mu      sync.RWMutex
	log     map[string][]models.StatusEvent
	clients map[string]map[*wsClient]struct{}
}

// NewStatusHub creates the hub and subscribes it to job status events.
func NewStatusHub(events interfaces.EventService, throttle time.Duration, logger arbor.ILogger) (*StatusHub, error) {
	hub := &StatusHub{
		logger:    logger,
		throttle:  throttle,
		retention: logRetention,
		log:       make(map[string][]models.StatusEvent),
		clients:   make(map[string]map[*wsClient]struct{}),
	}

	err := events.Subscribe(interfaces.EventJobStatus, func(ctx context.Context, event interfaces.Event) error {
		payload, ok := event.Payload.(*interfaces.JobStatusPayload)
		if !ok {
			return nil
		}
		hub.dispatch(payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hub, nil
}

func (h *StatusHub) dispatch(payload *interfaces.JobStatusPayload) {
	evt := models.StatusEvent{
		Status:  models.JobStatus(payload.Status),
		Message: payload.Message,
	}

	h.mu.Lock()
	h.log[payload.JobID] = append(h.log[payload.JobID], evt)
	subscribers := make([]*wsClient, 0, len(h.clients[payload.JobID]))
	for c := range h.clients[payload.JobID] {
		subscribers = append(subscribers, c)
	}
	h.mu.Unlock()

	// Terminal event: the history has served its purpose once in-flight
	// subscribers have replayed it. Evict after the retention window so the
	// log does not grow without bound; later subscribers replay from the
	// store seed.
	if evt.Status.IsTerminal() {
		jobID := payload.JobID
		time.AfterFunc(h.retention, func() {
			h.mu.Lock()
			delete(h.log, jobID)
			h.mu.Unlock()
		})
	}

	for _, c := range subscribers {
		if payload.Milestone && c.limiter != nil && !c.limiter.Allow() {
			continue
		}
		if err := c.send(evt); err != nil {
			h.logger.Debug().Err(err).Str("job_id", payload.JobID).Msg("Dropping WebSocket subscriber")
			h.remove(payload.JobID, c)
		}
	}
}

// Subscribe registers a connection for a job and replays the event history.
// seed is used when the hub has no log for the job (a restart ate the
// in-memory history but the store still knows the terminal state).
func (h *StatusHub) Subscribe(jobID string, conn *websocket.Conn, seed []models.StatusEvent) *wsClient {
	client := &wsClient{conn: conn}
	if h.throttle > 0 {
		client.limiter = rate.NewLimiter(rate.Every(h.throttle), 1)
	}

	h.mu.Lock()
	history := h.log[jobID]
	if len(history) == 0 && len(seed) > 0 {
		h.log[jobID] = append(h.log[jobID], seed...)
		history = h.log[jobID]
	}
	replay := make([]models.StatusEvent, len(history))
	copy(replay, history)

	if h.clients[jobID] == nil {
		h.clients[jobID] = make(map[*wsClient]struct{})
	}
	h.clients[jobID][client] = struct{}{}

	// Take the client's write mutex before releasing the hub lock. A
	// concurrent dispatch published after our history snapshot then blocks
	// behind the full replay, so the subscriber sees history first and live
	// events after, never interleaved.
	client.mu.Lock()
	h.mu.Unlock()

	var replayErr error
	for _, evt := range replay {
		if replayErr = client.sendLocked(evt); replayErr != nil {
			break
		}
	}
	client.mu.Unlock()

	if replayErr != nil {
		h.remove(jobID, client)
	}

	return client
}

// Unsubscribe removes a connection.
func (h *StatusHub) Unsubscribe(jobID string, client *wsClient) {
	h.remove(jobID, client)
}

func (h *StatusHub) remove(jobID string, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[jobID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, jobID)
		}
	}
}

// WebSocketHandler upgrades /ws/jobs/{id} subscriptions.
type WebSocketHandler struct {
	hub      *StatusHub
	jobs     interfaces.JobStorage
	upgrader websocket.Upgrader
	logger   arbor.ILogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(hub *StatusHub, storage interfaces.JobStorage, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		jobs:   storage,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleJobSocket handles GET /ws/jobs/{id}
func (h *WebSocketHandler) HandleJobSocket(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/ws/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("WebSocket upgrade failed")
		return
	}

	client := h.hub.Subscribe(jobID, conn, seedFromJob(job))
	h.logger.Debug().Str("job_id", jobID).Msg("WebSocket subscriber connected")

	// Reader loop: the client sends nothing meaningful, but reading is how
	// we learn about disconnects.
	go func() {
		defer func() {
			h.hub.Unsubscribe(jobID, client)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// seedFromJob reconstructs a replayable history from the stored job row.
func seedFromJob(job *models.Job) []models.StatusEvent {
	switch job.Status {
	case models.JobStatusDone:
		return []models.StatusEvent{{Status: models.JobStatusDone, Message: job.FinalLink}}
	case models.JobStatusError:
		return []models.StatusEvent{{Status: models.JobStatusError, Message: job.Error}}
	default:
		return nil
	}
}
