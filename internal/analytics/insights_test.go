package analytics

import (
	"context"
	"testing"
	"time"
)

func TestInsightTypeConstants(t *testing.T) {
	types := []InsightType{
		InsightCostSpike,
		InsightFallbackSurge,
		InsightCacheOpportunity,
		InsightBudgetWarning,
	}

	seen := make(map[InsightType]bool)
	for _, it := range types {
		if seen[it] {
			t.Errorf("duplicate insight type: %s", it)
		}
		seen[it] = true
		if it == "" {
			t.Error("insight type should not be empty")
		}
	}
}

func TestSeverityConstants(t *testing.T) {
	tests := []struct {
		severity Severity
		expected string
	}{
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityCritical, "critical"},
	}

	for _, tt := range tests {
		if string(tt.severity) != tt.expected {
			t.Errorf("expected severity %q, got %q", tt.expected, tt.severity)
		}
	}
}

func TestSpikeThreshold(t *testing.T) {
	if SpikeThreshold != 2.0 {
		t.Errorf("expected spike threshold 2.0, got %f", SpikeThreshold)
	}
}

func TestInsightStruct(t *testing.T) {
	insight := Insight{
		ID:             "insight-123",
		Type:           InsightCostSpike,
		Severity:       SeverityWarning,
		Title:          "Cost spike detected for tenant acme",
		Description:    "Tenant acme spent $5.00 today, which is 3.5x the rolling average.",
		AffectedEntity: "acme",
		CreatedAt:      time.Now(),
		Dismissed:      false,
	}

	if insight.ID != "insight-123" {
		t.Errorf("unexpected ID: %s", insight.ID)
	}
	if insight.Type != InsightCostSpike {
		t.Errorf("unexpected type: %s", insight.Type)
	}
	if insight.Severity != SeverityWarning {
		t.Errorf("unexpected severity: %s", insight.Severity)
	}
	if insight.Dismissed {
		t.Error("expected dismissed to be false")
	}
}

func TestNewInsightsEngine(t *testing.T) {
	engine := NewInsightsEngine(nil)
	if engine == nil {
		t.Fatal("expected non-nil engine")
	}
	if engine.pool != nil {
		t.Error("expected nil pool when created with nil")
	}
}

func TestNilPoolReturnsNoInsights(t *testing.T) {
	engine := NewInsightsEngine(nil)
	ctx := context.Background()

	if insights, err := engine.DetectSpikes(ctx); err != nil || insights != nil {
		t.Errorf("expected nil insights and nil error without a pool, got %v, %v", insights, err)
	}
	if insights, err := engine.DetectFallbackSurges(ctx); err != nil || insights != nil {
		t.Errorf("expected nil insights and nil error without a pool, got %v, %v", insights, err)
	}
	if report, err := engine.GenerateReport(ctx, time.Now().Add(-time.Hour), time.Now()); err != nil || report != nil {
		t.Errorf("expected nil report and nil error without a pool, got %v, %v", report, err)
	}
}

func TestInsightSeverityClassification(t *testing.T) {
	// multiplier >= 5.0 -> critical, otherwise warning
	tests := []struct {
		multiplier float64
		expected   Severity
	}{
		{1.5, SeverityWarning},
		{2.0, SeverityWarning},
		{4.9, SeverityWarning},
		{5.0, SeverityCritical},
		{10.0, SeverityCritical},
	}

	for _, tt := range tests {
		severity := SeverityWarning
		if tt.multiplier >= 5.0 {
			severity = SeverityCritical
		}
		if severity != tt.expected {
			t.Errorf("multiplier %.1f: expected severity %q, got %q", tt.multiplier, tt.expected, severity)
		}
	}
}

func TestReportRates(t *testing.T) {
	report := Report{
		TotalCalls:    200,
		DegradedCalls: 30,
		CacheHits:     80,
	}
	report.FallbackRate = float64(report.DegradedCalls) / float64(report.TotalCalls)
	report.CacheHitRate = float64(report.CacheHits) / float64(report.TotalCalls)

	if report.FallbackRate != 0.15 {
		t.Errorf("expected fallback rate 0.15, got %f", report.FallbackRate)
	}
	if report.CacheHitRate != 0.4 {
		t.Errorf("expected cache hit rate 0.4, got %f", report.CacheHitRate)
	}
}
