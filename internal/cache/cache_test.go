package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/clock"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

func TestFingerprint_Deterministic(t *testing.T) {
	ctx := map[string]string{"business_profile_id": "bp-1", "framework_id": "soc2"}
	a := Fingerprint("Summarize the gaps", models.OpAnalysis, ctx)
	b := Fingerprint("Summarize the gaps", models.OpAnalysis, ctx)
	assert.Equal(t, a, b)
}

func TestFingerprint_NormalizesWhitespace(t *testing.T) {
	a := Fingerprint("Summarize   the\n gaps ", models.OpAnalysis, nil)
	b := Fingerprint("Summarize the gaps", models.OpAnalysis, nil)
	assert.Equal(t, a, b)
}

func TestFingerprint_SensitiveToRelevantFields(t *testing.T) {
	base := Fingerprint("Summarize the gaps", models.OpAnalysis, map[string]string{"framework_id": "soc2"})

	assert.NotEqual(t, base, Fingerprint("Summarize the risks", models.OpAnalysis, map[string]string{"framework_id": "soc2"}))
	assert.NotEqual(t, base, Fingerprint("Summarize the gaps", models.OpHelp, map[string]string{"framework_id": "soc2"}))
	assert.NotEqual(t, base, Fingerprint("Summarize the gaps", models.OpAnalysis, map[string]string{"framework_id": "iso27001"}))
}

func TestFingerprint_ContextOrderIrrelevant(t *testing.T) {
	a := Fingerprint("p", models.OpHelp, map[string]string{"a": "1", "b": "2"})
	b := Fingerprint("p", models.OpHelp, map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, a, b)
}

func TestMemory_RoundTripWithinTTL(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(clk)

	err := m.Put(context.Background(), "fp-1", Entry{
		Payload:  "cached answer",
		Provider: models.ProviderOpenAI,
		Model:    "gpt-4o-mini",
		TTL:      time.Hour,
	})
	require.NoError(t, err)

	e, ok, err := m.Get(context.Background(), "fp-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cached answer", e.Payload)
	assert.Equal(t, models.ProviderOpenAI, e.Provider)
}

func TestMemory_MissAfterTTL(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(clk)

	require.NoError(t, m.Put(context.Background(), "fp-1", Entry{Payload: "x", TTL: time.Hour}))

	clk.Advance(time.Hour) // entry expires exactly at created_at + ttl
	_, ok, err := m.Get(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_ReplaceOnWrite(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(clk)

	require.NoError(t, m.Put(context.Background(), "fp-1", Entry{Payload: "old", TTL: time.Hour}))
	require.NoError(t, m.Put(context.Background(), "fp-1", Entry{Payload: "new", TTL: time.Hour}))

	e, ok, _ := m.Get(context.Background(), "fp-1")
	require.True(t, ok)
	assert.Equal(t, "new", e.Payload)
	assert.Equal(t, int64(1), m.Stats().Entries)
}

func TestMemory_ZeroTTLNotStored(t *testing.T) {
	m := NewMemory(nil)
	require.NoError(t, m.Put(context.Background(), "fp-1", Entry{Payload: "x", TTL: 0}))
	_, ok, _ := m.Get(context.Background(), "fp-1")
	assert.False(t, ok)
}

func TestMemory_SweepReclaimsExpired(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(clk)

	m.Put(context.Background(), "short", Entry{Payload: "a", TTL: time.Minute})
	m.Put(context.Background(), "long", Entry{Payload: "b", TTL: time.Hour})

	clk.Advance(10 * time.Minute)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, int64(1), m.Stats().Entries)
}

func TestMemory_Stats(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(clk)

	m.Put(context.Background(), "fp-1", Entry{Payload: "x", TTL: time.Hour})
	m.Get(context.Background(), "fp-1")
	m.Get(context.Background(), "fp-2")

	s := m.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
}
