package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/interfaces"
)

// EventService is an in-process publish/subscribe hub for job status events.
type EventService struct {
	handlers map[interfaces.EventType][]interfaces.EventHandler
	mu       sync.RWMutex
	logger   arbor.ILogger
	closed   bool
}

// NewEventService creates a new event service
func NewEventService(logger arbor.ILogger) *EventService {
	return &EventService{
		handlers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type
func (s *EventService) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("event service is closed")
	}
	s.handlers[eventType] = append(s.handlers[eventType], handler)
	return nil
}

// Publish delivers an event to all handlers asynchronously
func (s *EventService) Publish(ctx context.Context, event interfaces.Event) error {
	handlers, closed := s.snapshot(event.Type)
	if closed {
		return fmt.Errorf("event service is closed")
	}

	for _, handler := range handlers {
		go s.invoke(ctx, handler, event)
	}
	return nil
}

// PublishSync delivers an event to all handlers and waits for them to finish.
// Status events use this path so delivery order matches transition order.
func (s *EventService) PublishSync(ctx context.Context, event interfaces.Event) error {
	handlers, closed := s.snapshot(event.Type)
	if closed {
		return fmt.Errorf("event service is closed")
	}

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h interfaces.EventHandler) {
			defer wg.Done()
			s.invoke(ctx, h, event)
		}(handler)
	}
	wg.Wait()
	return nil
}

// Close stops delivery of further events
func (s *EventService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.handlers = make(map[interfaces.EventType][]interfaces.EventHandler)
	return nil
}

func (s *EventService) snapshot(eventType interfaces.EventType) ([]interfaces.EventHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handlers := make([]interfaces.EventHandler, len(s.handlers[eventType]))
	copy(handlers, s.handlers[eventType])
	return handlers, s.closed
}

func (s *EventService) invoke(ctx context.Context, handler interfaces.EventHandler, event interfaces.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("event_type", string(event.Type)).Msgf("Event handler panic: %v", r)
		}
	}()
	if err := handler(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Event handler failed")
	}
}
