package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// InsertCallRecord stores one resolved call record.
func (db *DB) InsertCallRecord(ctx context.Context, rec *models.CallRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO call_records (
			id, tenant_id, subject_id, task_type, provider, model,
			source, degraded, reason, attempts,
			input_tokens, output_tokens, cost_usd, latency_ms, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, rec.ID, rec.TenantID, rec.SubjectID, rec.TaskType, rec.Provider, rec.Model,
		rec.Source, rec.Degraded, rec.Reason, rec.Attempts,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.LatencyMs, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// GetCallSummary returns aggregated call data grouped by a given dimension.
// Only whitelisted dimension values are accepted; all SQL identifiers are
// derived from the whitelisted map to prevent SQL injection.
func (db *DB) GetCallSummary(ctx context.Context, dimension string, from, to time.Time) ([]models.CallSummary, error) {
	// Whitelist: maps user-facing dimension names to SQL column identifiers.
	allowed := map[string]string{
		"tenant":    "tenant_id",
		"subject":   "subject_id",
		"task_type": "task_type",
		"model":     "model",
		"provider":  "provider",
		"source":    "source",
	}
	col, ok := allowed[dimension]
	if !ok {
		return nil, fmt.Errorf("unsupported dimension: %s", dimension)
	}

	// Use the whitelisted column name as the label too (not the raw input).
	query := fmt.Sprintf(`
		SELECT
			'%s' AS dimension,
			%s AS dimension_id,
			COUNT(*) AS total_calls,
			COUNT(*) FILTER (WHERE degraded) AS degraded_calls,
			COUNT(*) FILTER (WHERE source = 'cache') AS cache_hits,
			COALESCE(SUM(cost_usd), 0) AS total_cost_usd,
			COALESCE(SUM(input_tokens + output_tokens), 0) AS total_tokens,
			COALESCE(AVG(latency_ms), 0) AS avg_latency_ms
		FROM call_records
		WHERE timestamp >= $1 AND timestamp <= $2
		GROUP BY %s
		ORDER BY total_calls DESC
	`, col, col, col)

	rows, err := db.Pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying call summary: %w", err)
	}
	defer rows.Close()

	var results []models.CallSummary
	for rows.Next() {
		var cs models.CallSummary
		if err := rows.Scan(
			&cs.Dimension, &cs.DimensionID,
			&cs.TotalCalls, &cs.DegradedCalls, &cs.CacheHits,
			&cs.TotalCostUSD, &cs.TotalTokens, &cs.AvgLatencyMs,
		); err != nil {
			return nil, fmt.Errorf("scanning call summary: %w", err)
		}
		results = append(results, cs)
	}
	return results, rows.Err()
}

// GetRecentCalls returns the most recent N call records.
func (db *DB) GetRecentCalls(ctx context.Context, limit int) ([]models.CallRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, tenant_id, subject_id, task_type, provider, model,
		       source, degraded, reason, attempts,
		       input_tokens, output_tokens, cost_usd, latency_ms, timestamp
		FROM call_records ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent calls: %w", err)
	}
	defer rows.Close()

	var results []models.CallRecord
	for rows.Next() {
		var r models.CallRecord
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.SubjectID, &r.TaskType, &r.Provider, &r.Model,
			&r.Source, &r.Degraded, &r.Reason, &r.Attempts,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.LatencyMs, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// UpsertBudgetSnapshot persists a point-in-time ledger view so spend history
// survives restarts and remains queryable after the in-memory ledger rolls
// over to a new period.
func (db *DB) UpsertBudgetSnapshot(ctx context.Context, s *models.BudgetStatus) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO budget_snapshots (tenant_id, period, spent_estimated, spent_actual, soft_cap_usd, hard_cap_usd, exhausted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, period) DO UPDATE
		SET spent_estimated = EXCLUDED.spent_estimated,
		    spent_actual = EXCLUDED.spent_actual,
		    soft_cap_usd = EXCLUDED.soft_cap_usd,
		    hard_cap_usd = EXCLUDED.hard_cap_usd,
		    exhausted = EXCLUDED.exhausted,
		    updated_at = NOW()
	`, s.TenantID, s.Period, s.SpentEstimated, s.SpentActual, s.SoftCapUSD, s.HardCapUSD, s.Exhausted)
	return err
}

// GetBudgetSnapshot retrieves a stored ledger snapshot for a tenant and period.
func (db *DB) GetBudgetSnapshot(ctx context.Context, tenantID, period string) (*models.BudgetStatus, error) {
	var s models.BudgetStatus
	err := db.Pool.QueryRow(ctx, `
		SELECT tenant_id, period, spent_estimated, spent_actual, soft_cap_usd, hard_cap_usd, exhausted
		FROM budget_snapshots WHERE tenant_id = $1 AND period = $2
	`, tenantID, period).Scan(
		&s.TenantID, &s.Period, &s.SpentEstimated, &s.SpentActual,
		&s.SoftCapUSD, &s.HardCapUSD, &s.Exhausted,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListModelPricing returns the full pricing table.
func (db *DB) ListModelPricing(ctx context.Context) ([]models.ModelPricing, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT provider, model, input_per_m_token, output_per_m_token, updated_at
		FROM model_pricing ORDER BY provider, model
	`)
	if err != nil {
		return nil, fmt.Errorf("querying model pricing: %w", err)
	}
	defer rows.Close()

	var results []models.ModelPricing
	for rows.Next() {
		var mp models.ModelPricing
		if err := rows.Scan(&mp.Provider, &mp.Model, &mp.InputPerMToken, &mp.OutputPerMToken, &mp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning model pricing: %w", err)
		}
		results = append(results, mp)
	}
	return results, rows.Err()
}
