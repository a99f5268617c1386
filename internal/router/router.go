// Package router composes the resilience layers — response cache, rate
// limiter, circuit breakers, and cost governor — into a single entry point
// for every outbound AI call.
//
// Generate never fails for provider-side reasons: rate-limit denials, budget
// exhaustion, open circuits, and upstream failures are all folded into a
// tagged, possibly degraded Response. Only malformed requests and broken
// configuration surface as errors.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/breaker"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/cache"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/clock"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/governor"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/ratelimit"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/upstream"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// ErrInvalidRequest is returned for requests missing required fields. This
// is the only error class Generate surfaces to callers.
var ErrInvalidRequest = errors.New("router: invalid request")

// Recorder persists resolved call records. Implementations must not block
// the request path; buffer or spawn internally.
type Recorder interface {
	Record(rec models.CallRecord)
}

// Options wires a Router.
type Options struct {
	Cache     cache.Store
	Limiter   *ratelimit.Limiter
	Breakers  *breaker.Registry
	Governor  *governor.Governor
	Invoker   upstream.Invoker
	Providers *ProviderTable

	// SuccessTTL is the cache TTL for live provider responses (default 1h).
	SuccessTTL time.Duration
	// FallbackTTL is the cache TTL for degraded responses. Zero disables
	// fallback caching so stale degraded content is not served once
	// providers recover.
	FallbackTTL time.Duration

	Clock    clock.Clock
	Sink     events.Sink
	Recorder Recorder // optional
}

// Router is the resilience core's single entry point.
type Router struct {
	opts Options
}

// New creates a Router. Cache, Limiter, Breakers, Governor, Invoker, and
// Providers are required.
func New(opts Options) (*Router, error) {
	if opts.Cache == nil || opts.Limiter == nil || opts.Breakers == nil ||
		opts.Governor == nil || opts.Invoker == nil || opts.Providers == nil {
		return nil, errors.New("router: missing required component")
	}
	if opts.SuccessTTL == 0 {
		opts.SuccessTTL = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop{}
	}
	return &Router{opts: opts}, nil
}

// Generate resolves one logical AI request: cache, then admission, then the
// tenant's providers in strict priority order, then fallback.
//
// For the streaming operation class the admitted concurrency slot is held
// only while the live provider response is outstanding; callers must invoke
// ReleaseStream once they finish consuming a Source == provider response.
// Cache hits and fallbacks release the slot before returning.
func (r *Router) Generate(ctx context.Context, req models.Request) (models.Response, error) {
	if err := validate(req); err != nil {
		return models.Response{}, err
	}

	start := r.opts.Clock.Now()
	requestID := uuid.New().String()

	// 1. Cache.
	fp := cache.Fingerprint(req.Prompt, req.TaskType, req.Context)
	if entry, ok, err := r.opts.Cache.Get(ctx, fp); err != nil {
		// A broken cache backend must not take the gateway down; treat as miss.
		log.Printf("router: cache lookup failed, treating as miss: %v", err)
	} else if ok {
		r.emit(events.CacheHit, map[string]any{
			"fingerprint_prefix": cache.FingerprintPrefix(fp),
			"tenant":             req.TenantID,
		})
		resp := models.Response{
			RequestID: requestID,
			Text:      entry.Payload,
			Source:    models.SourceCache,
			Degraded:  entry.IsFallback,
			Provider:  entry.Provider,
			Model:     entry.Model,
			LatencyMs: r.sinceMs(start),
			CreatedAt: r.opts.Clock.Now(),
		}
		r.record(req, resp, 0)
		return resp, nil
	}

	// 2. Rate limiting. A denied subject gets a fallback without any
	// provider attempt.
	if err := r.opts.Limiter.Check(req.SubjectID, req.TaskType); err != nil {
		if errors.Is(err, ratelimit.ErrUnknownClass) {
			return models.Response{}, fmt.Errorf("%w: unknown task type %q", ErrInvalidRequest, req.TaskType)
		}
		return r.fallback(ctx, req, requestID, fp, ReasonRateLimited, start, 0), nil
	}
	streamHeld := req.TaskType == models.OpStreaming

	// 3. Providers in strict priority order.
	descriptors := r.opts.Providers.For(req.TenantID, req.PreferredProviders)
	attempts := 0
	budgetDenials := 0

	for _, desc := range descriptors {
		est := estimateCost(desc, req.Prompt)
		if err := r.opts.Governor.Authorize(req.TenantID, est); err != nil {
			budgetDenials++
			continue
		}

		attempts++
		var result upstream.Result
		br := r.opts.Breakers.Get(desc.Provider, desc.Model)
		err := br.Execute(func() error {
			callCtx, cancel := context.WithTimeout(ctx, desc.CallTimeout)
			defer cancel()
			var invokeErr error
			result, invokeErr = r.opts.Invoker.Invoke(callCtx, desc.Provider, desc.Model, req.Prompt)
			return invokeErr
		})
		if err != nil {
			// Open circuit or upstream failure: the call is unbilled, so the
			// provisional debit is released, and the next provider is tried.
			r.opts.Governor.Release(req.TenantID, est)
			continue
		}

		cost := actualCost(desc, result.InputTokens, result.OutputTokens)
		r.opts.Governor.RecordActual(ctx, req.TenantID, est, cost)

		if err := r.opts.Cache.Put(ctx, fp, cache.Entry{
			Payload:   result.Text,
			Provider:  desc.Provider,
			Model:     desc.Model,
			CreatedAt: r.opts.Clock.Now(),
			TTL:       r.opts.SuccessTTL,
		}); err != nil {
			log.Printf("router: cache write failed: %v", err)
		}

		resp := models.Response{
			RequestID:    requestID,
			Text:         result.Text,
			Source:       models.SourceProvider,
			Provider:     desc.Provider,
			Model:        desc.Model,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			CostUSD:      cost,
			LatencyMs:    r.sinceMs(start),
			CreatedAt:    r.opts.Clock.Now(),
		}
		r.record(req, resp, attempts)
		return resp, nil
	}

	// 4. Every provider exhausted.
	if streamHeld {
		r.opts.Limiter.Release(req.SubjectID, req.TaskType)
	}
	reason := ReasonProvidersDown
	if budgetDenials == len(descriptors) && budgetDenials > 0 {
		reason = ReasonBudgetExhausted
	}
	return r.fallback(ctx, req, requestID, fp, reason, start, attempts), nil
}

// ReleaseStream ends one active streaming call for the subject. Call after
// fully consuming a streaming response served from a live provider.
func (r *Router) ReleaseStream(subjectID string) {
	r.opts.Limiter.Release(subjectID, models.OpStreaming)
}

// fallback produces the degraded response for the given reason, caches it
// briefly if fallback caching is enabled, and records the outcome.
func (r *Router) fallback(ctx context.Context, req models.Request, requestID, fp, reason string, start time.Time, attempts int) models.Response {
	r.emit(events.FallbackServed, map[string]any{
		"reason":  reason,
		"tenant":  req.TenantID,
		"subject": req.SubjectID,
	})

	text := fallbackText(req.TaskType, reason)
	if r.opts.FallbackTTL > 0 && reason != ReasonRateLimited {
		if err := r.opts.Cache.Put(ctx, fp, cache.Entry{
			Payload:    text,
			IsFallback: true,
			CreatedAt:  r.opts.Clock.Now(),
			TTL:        r.opts.FallbackTTL,
		}); err != nil {
			log.Printf("router: fallback cache write failed: %v", err)
		}
	}

	resp := models.Response{
		RequestID: requestID,
		Text:      text,
		Source:    models.SourceFallback,
		Degraded:  true,
		Reason:    reason,
		LatencyMs: r.sinceMs(start),
		CreatedAt: r.opts.Clock.Now(),
	}
	r.record(req, resp, attempts)
	return resp
}

func (r *Router) record(req models.Request, resp models.Response, attempts int) {
	if r.opts.Recorder == nil {
		return
	}
	r.opts.Recorder.Record(models.CallRecord{
		ID:           resp.RequestID,
		TenantID:     req.TenantID,
		SubjectID:    req.SubjectID,
		TaskType:     req.TaskType,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Source:       resp.Source,
		Degraded:     resp.Degraded,
		Reason:       resp.Reason,
		Attempts:     attempts,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      resp.CostUSD,
		LatencyMs:    resp.LatencyMs,
		Timestamp:    resp.CreatedAt,
	})
}

func (r *Router) emit(name string, fields map[string]any) {
	r.opts.Sink.Emit(events.Event{Name: name, Timestamp: r.opts.Clock.Now(), Fields: fields})
}

func (r *Router) sinceMs(start time.Time) int64 {
	return r.opts.Clock.Now().Sub(start).Milliseconds()
}

func validate(req models.Request) error {
	switch {
	case req.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	case req.SubjectID == "":
		return fmt.Errorf("%w: subject_id is required", ErrInvalidRequest)
	case req.TaskType == "":
		return fmt.Errorf("%w: task_type is required", ErrInvalidRequest)
	case req.Prompt == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	return nil
}
