// Package breaker implements a per-provider/model circuit breaker.
//
// The breaker stops calling a provider/model pair that keeps failing and
// allows a single probing call after a cool-down. Repeated failures open the
// circuit; the open circuit fails fast without touching the upstream; after
// the recovery timeout exactly one caller is let through as a half-open
// trial, and its outcome decides whether the circuit closes or re-opens.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/clock"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// ErrCircuitOpen is returned when the circuit is open (or a half-open trial
// is already in flight) and the call was not attempted. Retryable after the
// recovery timeout.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State is the breaker state machine position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String implements fmt.Stringer for status reporting.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Options configures a Breaker. Zero values fall back to defaults.
type Options struct {
	FailureThreshold uint          // consecutive failures before opening (default 3)
	RecoveryTimeout  time.Duration // open -> half-open cool-down (default 30s)
	Clock            clock.Clock
	Sink             events.Sink
}

const (
	defaultFailureThreshold = 3
	defaultRecoveryTimeout  = 30 * time.Second
)

// Breaker guards one (provider, model) pair. All state transitions are
// serialized by a single mutex; the wrapped operation itself runs outside
// the lock.
type Breaker struct {
	provider models.LLMProvider
	model    string

	threshold uint
	recovery  time.Duration
	clk       clock.Clock
	sink      events.Sink

	mu            sync.Mutex
	state         State
	failures      uint
	lastFailure   time.Time
	trialInFlight bool
}

// New creates a Breaker for the given provider/model pair.
func New(provider models.LLMProvider, model string, opts Options) *Breaker {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.RecoveryTimeout == 0 {
		opts.RecoveryTimeout = defaultRecoveryTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop{}
	}
	return &Breaker{
		provider:  provider,
		model:     model,
		threshold: opts.FailureThreshold,
		recovery:  opts.RecoveryTimeout,
		clk:       opts.Clock,
		sink:      opts.Sink,
		state:     Closed,
	}
}

// Execute runs op under the breaker's protection.
//
// If the circuit is open and the recovery timeout has not elapsed, Execute
// returns ErrCircuitOpen without invoking op. If the timeout has elapsed, the
// first caller becomes the half-open trial; concurrent callers arriving while
// the trial is in flight also get ErrCircuitOpen rather than queueing up a
// herd of probes.
//
// An error wrapped with Unrecoverable propagates unchanged and does not count
// as a provider failure.
func (b *Breaker) Execute(op func() error) error {
	trial, err := b.beforeCall()
	if err != nil {
		return err
	}

	opErr := op()

	var ue *unrecoverableError
	if errors.As(opErr, &ue) {
		// Caller misuse, not provider health. Release the trial slot
		// without moving the state machine and hand the cause back.
		b.abortTrial(trial)
		return ue.err
	}

	b.afterCall(trial, opErr == nil)
	return opErr
}

// beforeCall decides admission. The bool reports whether this call is the
// half-open trial.
func (b *Breaker) beforeCall() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil
	case Open:
		if b.clk.Now().Sub(b.lastFailure) < b.recovery {
			return false, ErrCircuitOpen
		}
		// Cool-down elapsed: this caller becomes the single trial.
		b.state = HalfOpen
		b.trialInFlight = true
		b.emit(events.BreakerHalfOpen, nil)
		return true, nil
	case HalfOpen:
		if b.trialInFlight {
			return false, ErrCircuitOpen
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, nil
}

// afterCall records the outcome of an admitted call.
func (b *Breaker) afterCall(trial, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}

	if success {
		if b.state != Closed {
			b.emit(events.BreakerClosed, nil)
		}
		b.state = Closed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.clk.Now()

	// Any failure while half-open re-opens immediately; in the closed state
	// the circuit opens once the consecutive-failure threshold is reached.
	if b.state == HalfOpen || b.failures >= b.threshold {
		if b.state != Open {
			b.emit(events.BreakerOpened, map[string]any{"failure_count": b.failures})
		}
		b.state = Open
	}
}

// abortTrial releases the half-open trial slot when the operation result
// must not be counted against provider health.
func (b *Breaker) abortTrial(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// Status returns a point-in-time view for introspection endpoints.
func (b *Breaker) Status() models.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.BreakerStatus{
		Provider:            b.provider,
		Model:               b.model,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
	}
}

// state reads the current state under the lock (test helper).
func (b *Breaker) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) emit(name string, extra map[string]any) {
	fields := map[string]any{
		"provider": string(b.provider),
		"model":    b.model,
	}
	for k, v := range extra {
		fields[k] = v
	}
	b.sink.Emit(events.Event{Name: name, Timestamp: b.clk.Now(), Fields: fields})
}

// unrecoverableError marks an error that must bypass failure counting.
type unrecoverableError struct {
	err error
}

func (u *unrecoverableError) Error() string { return u.err.Error() }
func (u *unrecoverableError) Unwrap() error { return u.err }

// Unrecoverable wraps err so that Execute propagates it without counting it
// as a provider failure. Use for programming-error-class failures (malformed
// request, invalid configuration) detected inside the operation.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}
