// Package ratelimit implements per-subject, per-operation-class admission
// control, independent of provider health.
//
// Time-windowed classes use a fixed-window counter. Fixed windows accept a
// burst of up to 2x the limit across a window boundary; that tradeoff is
// deliberate — it keeps the counters a single atomic update and matches the
// semantics of the Redis fixed-window check used elsewhere in Open Cloud Ops.
// Do not replace with a sliding window or token bucket without a requirements
// change.
//
// The streaming class is limited by concurrent active calls rather than a
// time window.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/clock"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// ErrRateLimited is returned when a subject exceeded its tier. Retryable
// after the window resets (or, for streaming, after an active call ends).
var ErrRateLimited = errors.New("ratelimit: limit exceeded")

// ErrUnknownClass is returned for an operation class with no configured tier.
var ErrUnknownClass = errors.New("ratelimit: unknown operation class")

// Tier is the admission policy for one operation class. Exactly one of
// Limit/Window (fixed window) or Concurrent (active-count semaphore) applies.
type Tier struct {
	Limit      uint
	Window     time.Duration
	Concurrent uint
}

// DefaultTiers returns the stock tier table.
func DefaultTiers() map[models.OperationClass]Tier {
	return map[models.OperationClass]Tier{
		models.OpHelp:            {Limit: 20, Window: time.Minute},
		models.OpAnalysis:        {Limit: 5, Window: time.Minute},
		models.OpRecommendations: {Limit: 10, Window: time.Minute},
		models.OpQuickCheck:      {Limit: 30, Window: time.Minute},
		models.OpStreaming:       {Concurrent: 3},
	}
}

// bucket is one fixed-window counter. Guarded by its own mutex; no
// cross-bucket locking.
type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	count       uint
	lastSeen    time.Time
}

// stream is one active-count semaphore for the streaming class.
type stream struct {
	mu       sync.Mutex
	active   uint
	lastSeen time.Time
}

// Limiter is the process-wide admission controller. Buckets are created
// lazily per (subject, operation class) and evicted after inactivity.
type Limiter struct {
	tiers map[models.OperationClass]Tier
	clk   clock.Clock
	sink  events.Sink

	mu      sync.Mutex
	buckets map[string]*bucket
	streams map[string]*stream
}

// Options configures a Limiter. Nil Tiers falls back to DefaultTiers.
type Options struct {
	Tiers map[models.OperationClass]Tier
	Clock clock.Clock
	Sink  events.Sink
}

// New creates a Limiter.
func New(opts Options) *Limiter {
	if opts.Tiers == nil {
		opts.Tiers = DefaultTiers()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop{}
	}
	return &Limiter{
		tiers:   opts.Tiers,
		clk:     opts.Clock,
		sink:    opts.Sink,
		buckets: make(map[string]*bucket),
		streams: make(map[string]*stream),
	}
}

// Tiers returns a copy of the configured tier table for introspection.
func (l *Limiter) Tiers() map[models.OperationClass]Tier {
	out := make(map[models.OperationClass]Tier, len(l.tiers))
	for op, t := range l.tiers {
		out[op] = t
	}
	return out
}

func key(subjectID string, op models.OperationClass) string {
	return subjectID + ":" + string(op)
}

// Check performs admission for one request. The counter is incremented even
// when the request is denied, so a storm of retries cannot keep a window
// fresh and sneak through early.
func (l *Limiter) Check(subjectID string, op models.OperationClass) error {
	tier, ok := l.tiers[op]
	if !ok {
		return ErrUnknownClass
	}
	if tier.Concurrent > 0 {
		return l.acquireStream(subjectID, op, tier)
	}

	b := l.bucket(subjectID, op)
	now := l.clk.Now()

	b.mu.Lock()
	if now.Sub(b.windowStart) >= tier.Window {
		b.windowStart = now
		b.count = 0
	}
	b.count++
	b.lastSeen = now
	over := b.count > tier.Limit
	b.mu.Unlock()

	if over {
		l.emitDenied(subjectID, op)
		return ErrRateLimited
	}
	return nil
}

// Release ends one streaming call for the subject. It is a no-op for
// window-based classes and for subjects with no active streams.
func (l *Limiter) Release(subjectID string, op models.OperationClass) {
	tier, ok := l.tiers[op]
	if !ok || tier.Concurrent == 0 {
		return
	}
	l.mu.Lock()
	s, ok := l.streams[key(subjectID, op)]
	l.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.active > 0 {
		s.active--
	}
	s.mu.Unlock()
}

func (l *Limiter) acquireStream(subjectID string, op models.OperationClass, tier Tier) error {
	l.mu.Lock()
	k := key(subjectID, op)
	s, ok := l.streams[k]
	if !ok {
		s = &stream{}
		l.streams[k] = s
	}
	l.mu.Unlock()

	now := l.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
	if s.active >= uint(tier.Concurrent) {
		l.emitDenied(subjectID, op)
		return ErrRateLimited
	}
	s.active++
	return nil
}

func (l *Limiter) bucket(subjectID string, op models.OperationClass) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(subjectID, op)
	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{}
		l.buckets[k] = b
	}
	return b
}

func (l *Limiter) emitDenied(subjectID string, op models.OperationClass) {
	l.sink.Emit(events.Event{
		Name:      events.RateLimitExceeded,
		Timestamp: l.clk.Now(),
		Fields: map[string]any{
			"subject":         subjectID,
			"operation_class": string(op),
		},
	})
}

// Sweep evicts buckets and idle stream entries not touched within maxIdle.
// Intended to be called periodically from a janitor goroutine.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for k, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen) >= maxIdle
		b.mu.Unlock()
		if idle {
			delete(l.buckets, k)
			evicted++
		}
	}
	for k, s := range l.streams {
		s.mu.Lock()
		idle := s.active == 0 && now.Sub(s.lastSeen) >= maxIdle
		s.mu.Unlock()
		if idle {
			delete(l.streams, k)
			evicted++
		}
	}
	return evicted
}
