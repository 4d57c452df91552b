// Package events carries structured lifecycle and circuit notifications to
// observability sinks.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
)

const (
	TypeCircuitOpen     = "circuit.open"
	TypeCircuitHalfOpen = "circuit.half_open"
	TypeCircuitReset    = "circuit.reset"
	TypeJobSubmitted    = "job.submitted"
	TypeJobCompleted    = "job.completed"
	TypeJobFailed       = "job.failed"
	TypeJobDeadLettered = "job.dead_lettered"
	TypeCallbackStored  = "callback.recorded"
	TypeSweepCompleted  = "sweep.completed"
)

// Event is one notification. Fields holds event specific attributes.
type Event struct {
	Type       string         `json:"type"`
	JobID      string         `json:"jobId,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Message    string         `json:"message,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	At         time.Time      `json:"at"`
}

// Sink receives events. Implementations must not block callers for long and
// must not fail them: delivery problems are logged, not returned.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// LogSink writes events through zerolog.
type LogSink struct {
	logger *infra.Logger
}

func NewLogSink(logger *infra.Logger) *LogSink {
	return &LogSink{logger: infra.OrDiscard(logger)}
}

func (s *LogSink) Emit(_ context.Context, e Event) {
	evt := s.logger.Info()
	if e.Type == TypeCircuitOpen || e.Type == TypeJobFailed || e.Type == TypeJobDeadLettered {
		evt = s.logger.Warn()
	}
	evt = evt.Str("event", e.Type)
	if e.JobID != "" {
		evt = evt.Str("job_id", e.JobID)
	}
	if e.Provider != "" {
		evt = evt.Str("provider", e.Provider)
	}
	if e.Capability != "" {
		evt = evt.Str("capability", e.Capability)
	}
	if len(e.Fields) > 0 {
		evt = evt.Fields(e.Fields)
	}
	evt.Msg("events: " + firstNonEmpty(e.Message, e.Type))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Stamp fills At when the emitter left it empty.
func Stamp(e Event) Event {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return e
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, Stamp(e))
	r.mu.Unlock()
}

// Events returns a copy of what was recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
