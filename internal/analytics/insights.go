// Package analytics generates operational insights from recorded call data.
//
// The engine processes call records to detect cost spikes, surges in
// degraded (fallback) responses, and cache opportunities, producing
// actionable alerts for operators of the resilience gateway.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InsightType categorizes the kind of insight generated.
type InsightType string

const (
	InsightCostSpike        InsightType = "cost_spike"
	InsightFallbackSurge    InsightType = "fallback_surge"
	InsightCacheOpportunity InsightType = "cache_opportunity"
	InsightBudgetWarning    InsightType = "budget_warning"
)

// Severity indicates the urgency of an insight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SpikeThreshold is the multiple of the rolling average at which a daily
// cost counts as a spike.
const SpikeThreshold = 2.0

// fallbackSurgeMinCalls is the minimum daily call volume before a fallback
// share is considered meaningful.
const fallbackSurgeMinCalls = 20

// Insight represents an actionable alert for operators.
type Insight struct {
	ID             string      `json:"id"`
	Type           InsightType `json:"type"`
	Severity       Severity    `json:"severity"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	AffectedEntity string      `json:"affected_entity"`
	CreatedAt      time.Time   `json:"created_at"`
	Dismissed      bool        `json:"dismissed"`
}

// InsightsEngine generates operational insights from call records.
type InsightsEngine struct {
	pool *pgxpool.Pool
}

// NewInsightsEngine creates a new InsightsEngine.
func NewInsightsEngine(pool *pgxpool.Pool) *InsightsEngine {
	return &InsightsEngine{pool: pool}
}

// DetectSpikes analyzes recent usage data to identify cost spikes.
// A spike is a day where a tenant's cost exceeds its 7-day rolling average
// by SpikeThreshold.
func (e *InsightsEngine) DetectSpikes(ctx context.Context) ([]Insight, error) {
	if e.pool == nil {
		return nil, nil
	}

	rows, err := e.pool.Query(ctx, `
		WITH daily_costs AS (
			SELECT
				DATE(timestamp) AS day,
				SUM(cost_usd) AS daily_cost,
				tenant_id
			FROM call_records
			WHERE timestamp > NOW() - INTERVAL '14 days'
			GROUP BY DATE(timestamp), tenant_id
		),
		rolling_avg AS (
			SELECT
				day,
				tenant_id,
				daily_cost,
				AVG(daily_cost) OVER (
					PARTITION BY tenant_id
					ORDER BY day
					ROWS BETWEEN 7 PRECEDING AND 1 PRECEDING
				) AS avg_cost
			FROM daily_costs
		)
		SELECT day, tenant_id, daily_cost, avg_cost
		FROM rolling_avg
		WHERE daily_cost > avg_cost * $1
		  AND avg_cost > 0
		ORDER BY day DESC
		LIMIT 20
	`, SpikeThreshold)
	if err != nil {
		return nil, fmt.Errorf("detecting spikes: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var day time.Time
		var tenantID string
		var dailyCost, avgCost float64

		if err := rows.Scan(&day, &tenantID, &dailyCost, &avgCost); err != nil {
			return nil, fmt.Errorf("scanning spike row: %w", err)
		}

		spikeMultiple := dailyCost / avgCost
		severity := SeverityWarning
		if spikeMultiple >= 5.0 {
			severity = SeverityCritical
		}

		insights = append(insights, Insight{
			ID:       fmt.Sprintf("spike-%s-%s", tenantID, day.Format("2006-01-02")),
			Type:     InsightCostSpike,
			Severity: severity,
			Title:    fmt.Sprintf("Cost spike detected for tenant %s", tenantID),
			Description: fmt.Sprintf(
				"On %s, tenant %s spent $%.4f, which is %.1fx the 7-day rolling average of $%.4f.",
				day.Format("Jan 2"), tenantID, dailyCost, spikeMultiple, avgCost,
			),
			AffectedEntity: tenantID,
			CreatedAt:      time.Now(),
		})
	}

	return insights, rows.Err()
}

// DetectFallbackSurges flags tenants whose share of degraded responses over
// the last 24 hours indicates an unhealthy provider pool.
func (e *InsightsEngine) DetectFallbackSurges(ctx context.Context) ([]Insight, error) {
	if e.pool == nil {
		return nil, nil
	}

	rows, err := e.pool.Query(ctx, `
		SELECT
			tenant_id,
			COUNT(*) AS total_calls,
			COUNT(*) FILTER (WHERE degraded) AS degraded_calls
		FROM call_records
		WHERE timestamp > NOW() - INTERVAL '24 hours'
		GROUP BY tenant_id
		HAVING COUNT(*) >= $1
		   AND COUNT(*) FILTER (WHERE degraded)::float / COUNT(*) > 0.2
		ORDER BY degraded_calls DESC
		LIMIT 20
	`, fallbackSurgeMinCalls)
	if err != nil {
		return nil, fmt.Errorf("detecting fallback surges: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var tenantID string
		var total, degraded int64

		if err := rows.Scan(&tenantID, &total, &degraded); err != nil {
			return nil, fmt.Errorf("scanning fallback surge row: %w", err)
		}

		share := float64(degraded) / float64(total)
		severity := SeverityWarning
		if share > 0.5 {
			severity = SeverityCritical
		}

		insights = append(insights, Insight{
			ID:       fmt.Sprintf("fallback-%s", tenantID),
			Type:     InsightFallbackSurge,
			Severity: severity,
			Title:    fmt.Sprintf("High fallback rate for tenant %s", tenantID),
			Description: fmt.Sprintf(
				"In the last 24 hours, %d of %d calls (%.0f%%) for tenant %s were served degraded fallbacks. "+
					"Check provider status and circuit breaker state.",
				degraded, total, share*100, tenantID,
			),
			AffectedEntity: tenantID,
			CreatedAt:      time.Now(),
		})
	}

	return insights, rows.Err()
}

// DetectCacheOpportunities flags tenants with heavy repeat traffic but a low
// cache hit rate, where prompt normalization upstream would cut spend.
func (e *InsightsEngine) DetectCacheOpportunities(ctx context.Context) ([]Insight, error) {
	if e.pool == nil {
		return nil, nil
	}

	rows, err := e.pool.Query(ctx, `
		SELECT
			tenant_id,
			COUNT(*) AS total_calls,
			COUNT(*) FILTER (WHERE source = 'cache') AS cache_hits,
			COALESCE(SUM(cost_usd), 0) AS total_cost
		FROM call_records
		WHERE timestamp > NOW() - INTERVAL '7 days'
		GROUP BY tenant_id
		HAVING COUNT(*) >= 100
		   AND COUNT(*) FILTER (WHERE source = 'cache')::float / COUNT(*) < 0.1
		ORDER BY total_cost DESC
		LIMIT 20
	`)
	if err != nil {
		return nil, fmt.Errorf("detecting cache opportunities: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var tenantID string
		var total, hits int64
		var totalCost float64

		if err := rows.Scan(&tenantID, &total, &hits, &totalCost); err != nil {
			return nil, fmt.Errorf("scanning cache opportunity row: %w", err)
		}

		hitRate := float64(hits) / float64(total)
		insights = append(insights, Insight{
			ID:       fmt.Sprintf("cache-%s", tenantID),
			Type:     InsightCacheOpportunity,
			Severity: SeverityInfo,
			Title:    fmt.Sprintf("Low cache hit rate for tenant %s", tenantID),
			Description: fmt.Sprintf(
				"Tenant %s made %d calls this week with a %.1f%% cache hit rate ($%.2f spent). "+
					"Normalizing prompts or context fields upstream would raise hit rates.",
				tenantID, total, hitRate*100, totalCost,
			),
			AffectedEntity: tenantID,
			CreatedAt:      time.Now(),
		})
	}

	return insights, rows.Err()
}

// GenerateReport creates a summary report for a given time period.
func (e *InsightsEngine) GenerateReport(ctx context.Context, from, to time.Time) (*Report, error) {
	if e.pool == nil {
		return nil, nil
	}

	var report Report
	report.From = from
	report.To = to

	err := e.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(cost_usd), 0),
			COUNT(*),
			COUNT(*) FILTER (WHERE degraded),
			COUNT(*) FILTER (WHERE source = 'cache'),
			COALESCE(SUM(input_tokens + output_tokens), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM call_records
		WHERE timestamp >= $1 AND timestamp <= $2
	`, from, to).Scan(
		&report.TotalCostUSD,
		&report.TotalCalls,
		&report.DegradedCalls,
		&report.CacheHits,
		&report.TotalTokens,
		&report.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("generating report: %w", err)
	}

	if report.TotalCalls > 0 {
		report.FallbackRate = float64(report.DegradedCalls) / float64(report.TotalCalls)
		report.CacheHitRate = float64(report.CacheHits) / float64(report.TotalCalls)
	}

	return &report, nil
}

// Report is a summary of gateway traffic and costs over a time period.
type Report struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	TotalCostUSD  float64   `json:"total_cost_usd"`
	TotalCalls    int64     `json:"total_calls"`
	DegradedCalls int64     `json:"degraded_calls"`
	CacheHits     int64     `json:"cache_hits"`
	TotalTokens   int64     `json:"total_tokens"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	FallbackRate  float64   `json:"fallback_rate"`
	CacheHitRate  float64   `json:"cache_hit_rate"`
}
