// Package alert defines structured alert events and the
// consecutive-failure escalation policy.
//
// The engine only emits events; delivery (email, chat, webhooks) is an
// external concern behind the Sink interface.
package alert

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level classifies an event's severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Event is one structured alert.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// Sink receives alert events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(Event)
}

// NewEvent builds an event with a fresh UUIDv7 id and the current
// time.
func NewEvent(level Level, title, message string, context map[string]any) Event {
	return Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Title:     title,
		Message:   message,
		Context:   context,
	}
}

// LogSink writes events to the structured log. It is the default sink
// when no external delivery is wired.
type LogSink struct {
	Logger *slog.Logger
}

// Send logs the event at a level matching its severity.
func (s LogSink) Send(e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"alert_id", e.ID, "title", e.Title, "context", e.Context}
	switch e.Level {
	case LevelWarning:
		logger.Warn(e.Message, attrs...)
	case LevelError, LevelCritical:
		logger.Error(e.Message, attrs...)
	default:
		logger.Info(e.Message, attrs...)
	}
}

// CollectSink buffers events in memory. Used by tests and by embedders
// that drain events into their own transport.
type CollectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *CollectSink) Send(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of everything collected so far.
func (s *CollectSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Tee fans an event out to multiple sinks.
type Tee []Sink

func (t Tee) Send(e Event) {
	for _, s := range t {
		s.Send(e)
	}
}
