package router

import (
	"sort"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// ProviderTable holds the ordered provider lists the router fails over
// across: a default list plus optional per-tenant overrides. Descriptors are
// always returned sorted by priority rank; selection is deterministic, never
// randomized or round-robin.
type ProviderTable struct {
	mu        sync.RWMutex
	defaults  []models.ProviderDescriptor
	perTenant map[string][]models.ProviderDescriptor
}

// NewProviderTable creates a table from the default descriptor list.
func NewProviderTable(defaults []models.ProviderDescriptor) *ProviderTable {
	t := &ProviderTable{perTenant: make(map[string][]models.ProviderDescriptor)}
	t.defaults = sortByRank(defaults)
	return t
}

// SetTenant installs a tenant-specific priority list.
func (t *ProviderTable) SetTenant(tenantID string, descriptors []models.ProviderDescriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perTenant[tenantID] = sortByRank(descriptors)
}

// For returns the tenant's descriptor list, optionally narrowed to the
// preferred providers, in strict priority-rank order.
func (t *ProviderTable) For(tenantID string, preferred []models.LLMProvider) []models.ProviderDescriptor {
	t.mu.RLock()
	list, ok := t.perTenant[tenantID]
	if !ok {
		list = t.defaults
	}
	t.mu.RUnlock()

	if len(preferred) == 0 {
		out := make([]models.ProviderDescriptor, len(list))
		copy(out, list)
		return out
	}

	allowed := make(map[models.LLMProvider]bool, len(preferred))
	for _, p := range preferred {
		allowed[p] = true
	}
	var out []models.ProviderDescriptor
	for _, d := range list {
		if allowed[d.Provider] {
			out = append(out, d)
		}
	}
	return out
}

func sortByRank(in []models.ProviderDescriptor) []models.ProviderDescriptor {
	out := make([]models.ProviderDescriptor, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PriorityRank < out[j].PriorityRank
	})
	return out
}

// DefaultDescriptors is the stock provider priority list with current
// published per-1M-token pricing.
func DefaultDescriptors() []models.ProviderDescriptor {
	return []models.ProviderDescriptor{
		{
			Provider: models.ProviderAnthropic, Model: "claude-3-5-sonnet-20241022",
			PriorityRank: 1, InputPerM: 3.00, OutputPerM: 15.00,
			QualityTier: "standard", CallTimeout: 30 * time.Second,
		},
		{
			Provider: models.ProviderOpenAI, Model: "gpt-4o",
			PriorityRank: 2, InputPerM: 2.50, OutputPerM: 10.00,
			QualityTier: "standard", CallTimeout: 30 * time.Second,
		},
		{
			Provider: models.ProviderGemini, Model: "gemini-2.0-flash",
			PriorityRank: 3, InputPerM: 0.10, OutputPerM: 0.40,
			QualityTier: "economy", CallTimeout: 20 * time.Second,
		},
	}
}

// ApplyPricing overlays stored per-model pricing onto the descriptor list,
// so cost estimation tracks the pricing table instead of the compiled-in
// defaults. Descriptors without a pricing row keep their defaults.
func ApplyPricing(descriptors []models.ProviderDescriptor, pricing []models.ModelPricing) []models.ProviderDescriptor {
	byKey := make(map[string]models.ModelPricing, len(pricing))
	for _, p := range pricing {
		byKey[string(p.Provider)+":"+p.Model] = p
	}

	out := make([]models.ProviderDescriptor, len(descriptors))
	copy(out, descriptors)
	for i, d := range out {
		if p, ok := byKey[d.Key()]; ok {
			out[i].InputPerM = p.InputPerMToken
			out[i].OutputPerM = p.OutputPerMToken
		}
	}
	return out
}

// SelectByProvider builds a tenant priority list from a provider-name order:
// descriptors for the named providers, re-ranked in the order given. Names
// with no matching descriptor are skipped.
func SelectByProvider(descriptors []models.ProviderDescriptor, order []string) []models.ProviderDescriptor {
	var out []models.ProviderDescriptor
	rank := 1
	for _, name := range order {
		for _, d := range descriptors {
			if string(d.Provider) == name {
				d.PriorityRank = rank
				out = append(out, d)
				rank++
			}
		}
	}
	return out
}

// estimateTokens approximates the token count of text using the ~4
// characters per token heuristic for English.
func estimateTokens(text string) int64 {
	if len(text) == 0 {
		return 0
	}
	return int64(len(text) / 4)
}

// expectedOutputTokens is the output allowance assumed when estimating cost
// before a call; reconciled against billed usage afterwards.
const expectedOutputTokens = 500

// estimateCost predicts the USD cost of sending prompt to the descriptor's
// model.
func estimateCost(d models.ProviderDescriptor, prompt string) float64 {
	in := float64(estimateTokens(prompt)) / 1_000_000.0 * d.InputPerM
	out := float64(expectedOutputTokens) / 1_000_000.0 * d.OutputPerM
	return in + out
}

// actualCost prices billed token usage against the descriptor.
func actualCost(d models.ProviderDescriptor, inputTokens, outputTokens int64) float64 {
	in := float64(inputTokens) / 1_000_000.0 * d.InputPerM
	out := float64(outputTokens) / 1_000_000.0 * d.OutputPerM
	return in + out
}
