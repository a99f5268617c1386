// Package api implements the REST API endpoints for the Bulwark gateway.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/analytics"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/breaker"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/cache"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/governor"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/ratelimit"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	router   *router.Router
	breakers *breaker.Registry
	governor *governor.Governor
	limiter  *ratelimit.Limiter
	cache    cache.Store
	db       *store.DB
	insights *analytics.InsightsEngine
}

// NewHandlers creates a new Handlers instance. db and insights may be nil;
// the endpoints that need them respond 503 instead.
func NewHandlers(r *router.Router, breakers *breaker.Registry, gov *governor.Governor,
	limiter *ratelimit.Limiter, cacheStore cache.Store, db *store.DB,
	insights *analytics.InsightsEngine) *Handlers {
	return &Handlers{
		router:   r,
		breakers: breakers,
		governor: gov,
		limiter:  limiter,
		cache:    cacheStore,
		db:       db,
		insights: insights,
	}
}

// HealthCheck returns the service health status.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "bulwark",
		"version": "0.1.0",
	})
}

// GenerateRequest is the request body for the generate endpoint. Tenant and
// subject come from the identity headers, not the body.
type GenerateRequest struct {
	TaskType           models.OperationClass `json:"task_type" binding:"required"`
	Prompt             string                `json:"prompt" binding:"required"`
	Context            map[string]string     `json:"context"`
	PreferredProviders []models.LLMProvider  `json:"preferred_providers"`
}

// Generate resolves one AI request through the resilience core. The response
// is always 200 with a tagged body; degraded fallbacks are not errors.
func (h *Handlers) Generate(c *gin.Context) {
	var body GenerateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := models.Request{
		TenantID:           c.GetString("tenant_id"),
		SubjectID:          c.GetString("subject_id"),
		TaskType:           body.TaskType,
		Prompt:             body.Prompt,
		Context:            body.Context,
		PreferredProviders: body.PreferredProviders,
	}

	resp, err := h.router.Generate(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, router.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// The HTTP layer returns streaming responses as a single body, so the
	// concurrency slot is done once this handler writes it out.
	if req.TaskType == models.OpStreaming && resp.Source == models.SourceProvider {
		defer h.router.ReleaseStream(req.SubjectID)
	}

	c.JSON(http.StatusOK, resp)
}

// GetBreakers returns the state of every circuit breaker.
func (h *Handlers) GetBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.breakers.Statuses()})
}

// GetBudget returns the current-period ledger for a tenant.
func (h *Handlers) GetBudget(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	c.JSON(http.StatusOK, h.governor.Status(tenantID))
}

// SetBudgetRequest is the request body for overriding a tenant's caps.
type SetBudgetRequest struct {
	SoftCapUSD float64 `json:"soft_cap_usd"`
	HardCapUSD float64 `json:"hard_cap_usd" binding:"required"`
}

// SetBudget installs tenant-specific budget caps, effective immediately.
func (h *Handlers) SetBudget(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	var body SetBudgetRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.HardCapUSD <= 0 || body.SoftCapUSD > body.HardCapUSD {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid caps"})
		return
	}

	h.governor.SetCaps(tenantID, governor.Caps{
		SoftUSD: body.SoftCapUSD,
		HardUSD: body.HardCapUSD,
	})
	c.JSON(http.StatusOK, h.governor.Status(tenantID))
}

// GetBudgets returns every active tenant ledger for the current period.
func (h *Handlers) GetBudgets(c *gin.Context) {
	statuses := h.governor.Statuses()
	c.JSON(http.StatusOK, gin.H{
		"count": len(statuses),
		"data":  statuses,
	})
}

// GetRateLimitTiers returns the admission policy per operation class.
func (h *Handlers) GetRateLimitTiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.limiter.Tiers()})
}

// GetCacheStats reports response-cache hit and miss counters.
func (h *Handlers) GetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stats())
}

// requireDB returns true if the database is available, or sends a 503 and returns false.
func (h *Handlers) requireDB(c *gin.Context) bool {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database unavailable"})
		return false
	}
	return true
}

// GetCallSummary returns aggregated call data.
// Query params: dimension (tenant|subject|task_type|model|provider|source), from, to
func (h *Handlers) GetCallSummary(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	dimension := c.DefaultQuery("dimension", "provider")
	fromStr := c.DefaultQuery("from", time.Now().AddDate(0, -1, 0).Format(time.RFC3339))
	toStr := c.DefaultQuery("to", time.Now().Format(time.RFC3339))

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' date format, use RFC3339"})
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'to' date format, use RFC3339"})
		return
	}

	summaries, err := h.db.GetCallSummary(c.Request.Context(), dimension, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dimension": dimension,
		"from":      from,
		"to":        to,
		"data":      summaries,
	})
}

// GetRecentCalls returns the most recent call records.
func (h *Handlers) GetRecentCalls(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	limitStr := c.DefaultQuery("limit", "50")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 || limit > 1000 {
		limit = 50
	}

	calls, err := h.db.GetRecentCalls(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count": len(calls),
		"data":  calls,
	})
}

// GetInsights returns all current operational insights.
func (h *Handlers) GetInsights(c *gin.Context) {
	if h.insights == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "insights unavailable"})
		return
	}

	ctx := c.Request.Context()
	var all []analytics.Insight

	spikes, err := h.insights.DetectSpikes(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	all = append(all, spikes...)

	surges, err := h.insights.DetectFallbackSurges(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	all = append(all, surges...)

	opportunities, err := h.insights.DetectCacheOpportunities(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	all = append(all, opportunities...)

	c.JSON(http.StatusOK, gin.H{
		"count": len(all),
		"data":  all,
	})
}

// GetReport returns a traffic and cost summary for a time period.
func (h *Handlers) GetReport(c *gin.Context) {
	if h.insights == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "insights unavailable"})
		return
	}

	fromStr := c.DefaultQuery("from", time.Now().AddDate(0, 0, -7).Format(time.RFC3339))
	toStr := c.DefaultQuery("to", time.Now().Format(time.RFC3339))

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' date format, use RFC3339"})
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'to' date format, use RFC3339"})
		return
	}

	report, err := h.insights.GenerateReport(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}
