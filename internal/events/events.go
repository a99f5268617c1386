// Package events emits structured observability events for every resilience
// decision: breaker transitions, rate-limit denials, budget enforcement,
// fallbacks, and cache hits. Events carry identifiers only — never prompt
// or response content.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names. These are stable identifiers consumed by dashboards and
// alerting; renaming one is a breaking change.
const (
	BreakerOpened     = "breaker_opened"
	BreakerHalfOpen   = "breaker_half_open"
	BreakerClosed     = "breaker_closed"
	RateLimitExceeded = "rate_limit_exceeded"
	BudgetExceeded    = "budget_exceeded"
	BudgetWarning     = "budget_warning"
	DriftAlert        = "drift_alert"
	FallbackServed    = "fallback_served"
	CacheHit          = "cache_hit"
)

// Event is one structured observability record.
type Event struct {
	Name      string
	Timestamp time.Time
	Fields    map[string]any
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller; event emission sits on the request hot path.
type Sink interface {
	Emit(e Event)
}

// ZapSink writes events through a zap logger, one log line per event.
type ZapSink struct {
	log *zap.Logger
}

// NewZapSink wraps the given logger. A nil logger falls back to zap's no-op.
func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapSink{log: log}
}

// Emit logs the event at info level with its fields flattened.
func (s *ZapSink) Emit(e Event) {
	fields := make([]zap.Field, 0, len(e.Fields)+1)
	fields = append(fields, zap.Time("ts", e.Timestamp))
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	s.log.Info(e.Name, fields...)
}

// Recorder is a Sink that captures events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends the event.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the emitted events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Nop is a Sink that discards everything.
type Nop struct{}

func (Nop) Emit(Event) {}
