// Package models defines the core data structures used across Bulwark.
package models

import "time"

// LLMProvider represents a supported LLM API provider.
type LLMProvider string

const (
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderGemini    LLMProvider = "gemini"
)

// Source identifies where a response came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceProvider Source = "provider"
	SourceFallback Source = "fallback"
)

// OperationClass is a named request category with its own rate-limit tier.
type OperationClass string

const (
	OpHelp            OperationClass = "help"
	OpAnalysis        OperationClass = "analysis"
	OpRecommendations OperationClass = "recommendations"
	OpQuickCheck      OperationClass = "quick-check"
	OpStreaming       OperationClass = "streaming"
)

// Request is one logical AI request entering the resilience core.
type Request struct {
	SubjectID string         `json:"subject_id"`
	TenantID  string         `json:"tenant_id"`
	TaskType  OperationClass `json:"task_type"`
	Prompt    string         `json:"prompt"`
	// Context carries only the fields that affect output (e.g. business
	// profile id, framework id). It participates in the cache fingerprint;
	// timestamps and request ids must never appear here.
	Context map[string]string `json:"context,omitempty"`
	// PreferredProviders optionally narrows the tenant's provider list.
	PreferredProviders []LLMProvider `json:"preferred_providers,omitempty"`
}

// Response is what the caller always receives. Provider-side failures never
// surface as errors; they are folded into a degraded fallback Response.
type Response struct {
	RequestID    string      `json:"request_id"`
	Text         string      `json:"text"`
	Source       Source      `json:"source"`
	Degraded     bool        `json:"degraded"`
	Reason       string      `json:"reason,omitempty"`
	Provider     LLMProvider `json:"provider,omitempty"`
	Model        string      `json:"model,omitempty"`
	InputTokens  int64       `json:"input_tokens"`
	OutputTokens int64       `json:"output_tokens"`
	CostUSD      float64     `json:"cost_usd"`
	LatencyMs    int64       `json:"latency_ms"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ProviderDescriptor is the static routing configuration for one
// provider/model pair. The router tries descriptors strictly by PriorityRank.
type ProviderDescriptor struct {
	Provider     LLMProvider   `json:"provider"`
	Model        string        `json:"model"`
	PriorityRank int           `json:"priority_rank"`
	InputPerM    float64       `json:"input_per_m_token"`  // USD per 1M input tokens
	OutputPerM   float64       `json:"output_per_m_token"` // USD per 1M output tokens
	QualityTier  string        `json:"quality_tier"`
	CallTimeout  time.Duration `json:"call_timeout"`
}

// Key returns the registry key for this descriptor.
func (d ProviderDescriptor) Key() string {
	return string(d.Provider) + ":" + d.Model
}

// Usage is the billed token usage reported by a provider for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// CallRecord captures one resolved call through the resilience core.
// Note: prompt content and response content are NEVER stored.
type CallRecord struct {
	ID           string         `json:"id" db:"id"`
	TenantID     string         `json:"tenant_id" db:"tenant_id"`
	SubjectID    string         `json:"subject_id" db:"subject_id"`
	TaskType     OperationClass `json:"task_type" db:"task_type"`
	Provider     LLMProvider    `json:"provider" db:"provider"`
	Model        string         `json:"model" db:"model"`
	Source       Source         `json:"source" db:"source"`
	Degraded     bool           `json:"degraded" db:"degraded"`
	Reason       string         `json:"reason,omitempty" db:"reason"`
	Attempts     int            `json:"attempts" db:"attempts"`
	InputTokens  int64          `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64          `json:"output_tokens" db:"output_tokens"`
	CostUSD      float64        `json:"cost_usd" db:"cost_usd"`
	LatencyMs    int64          `json:"latency_ms" db:"latency_ms"`
	Timestamp    time.Time      `json:"timestamp" db:"timestamp"`
}

// BudgetStatus is a point-in-time view of a tenant's ledger.
type BudgetStatus struct {
	TenantID       string  `json:"tenant_id"`
	Period         string  `json:"period"` // e.g. "2026-08"
	SpentEstimated float64 `json:"spent_estimated"`
	SpentActual    float64 `json:"spent_actual"`
	SoftCapUSD     float64 `json:"soft_cap_usd"`
	HardCapUSD     float64 `json:"hard_cap_usd"`
	Exhausted      bool    `json:"exhausted"`
}

// CacheStats reports response-cache performance.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// BreakerStatus is an introspection view of one circuit breaker.
type BreakerStatus struct {
	Provider            LLMProvider `json:"provider"`
	Model               string      `json:"model"`
	State               string      `json:"state"`
	ConsecutiveFailures uint        `json:"consecutive_failures"`
	LastFailure         time.Time   `json:"last_failure,omitempty"`
}

// CallSummary is aggregated call data grouped by one dimension.
type CallSummary struct {
	Dimension     string  `json:"dimension"`
	DimensionID   string  `json:"dimension_id"`
	TotalCalls    int64   `json:"total_calls"`
	DegradedCalls int64   `json:"degraded_calls"`
	CacheHits     int64   `json:"cache_hits"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}

// ModelPricing defines the cost per token for a specific LLM model.
type ModelPricing struct {
	Provider        LLMProvider `json:"provider" db:"provider"`
	Model           string      `json:"model" db:"model"`
	InputPerMToken  float64     `json:"input_per_m_token" db:"input_per_m_token"`
	OutputPerMToken float64     `json:"output_per_m_token" db:"output_per_m_token"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}
