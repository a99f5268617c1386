package breaker

import (
	"sync"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// Registry owns the process-wide set of breakers, one per provider/model
// pair, created lazily on first use. It is injected into request-handling
// code; there is no package-level singleton.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty Registry whose breakers share opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the given pair, creating it if needed.
func (r *Registry) Get(provider models.LLMProvider, model string) *Breaker {
	key := string(provider) + ":" + model

	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = New(provider, model, r.opts)
	r.breakers[key] = b
	return b
}

// Statuses returns the current state of every known breaker.
func (r *Registry) Statuses() []models.BreakerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.BreakerStatus, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Status())
	}
	return out
}
