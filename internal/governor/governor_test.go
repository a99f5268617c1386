package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/clock"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

func newTestGovernor(t *testing.T, caps Caps) (*Governor, *clock.Fake, *events.Recorder) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC))
	rec := events.NewRecorder()
	g := New(Options{
		DefaultCaps: caps,
		Clock:       clk,
		Sink:        rec,
	})
	return g, clk, rec
}

func TestAuthorize_WithinBudget(t *testing.T) {
	g, _, _ := newTestGovernor(t, Caps{HardUSD: 10})
	require.NoError(t, g.Authorize("tenant-1", 1.0))

	st := g.Status("tenant-1")
	assert.Equal(t, 1.0, st.SpentEstimated)
	assert.Equal(t, 0.0, st.SpentActual)
}

func TestAuthorize_DeniesWhenEstimateWouldBreachHardCap(t *testing.T) {
	g, _, rec := newTestGovernor(t, Caps{HardUSD: 10})

	require.NoError(t, g.Authorize("tenant-1", 9.0))
	err := g.Authorize("tenant-1", 1.5)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Len(t, rec.Named(events.BudgetExceeded), 1)
}

func TestAuthorize_RefusesOnceActualReachesHardCap(t *testing.T) {
	g, _, _ := newTestGovernor(t, Caps{HardUSD: 10})

	require.NoError(t, g.Authorize("tenant-1", 5.0))
	g.RecordActual(context.Background(), "tenant-1", 5.0, 10.0)

	assert.ErrorIs(t, g.Authorize("tenant-1", 0.001), ErrBudgetExceeded)
	assert.True(t, g.Status("tenant-1").Exhausted)
}

func TestRelease_ReversesProvisionalDebit(t *testing.T) {
	g, _, _ := newTestGovernor(t, Caps{HardUSD: 10})

	require.NoError(t, g.Authorize("tenant-1", 9.5))
	g.Release("tenant-1", 9.5)

	assert.Equal(t, 0.0, g.Status("tenant-1").SpentEstimated)
	assert.NoError(t, g.Authorize("tenant-1", 9.5))
}

func TestRecordActual_ReplacesEstimate(t *testing.T) {
	g, _, _ := newTestGovernor(t, Caps{HardUSD: 100})

	require.NoError(t, g.Authorize("tenant-1", 0.10))
	g.RecordActual(context.Background(), "tenant-1", 0.10, 0.12)

	st := g.Status("tenant-1")
	assert.InDelta(t, 0.12, st.SpentEstimated, 1e-9)
	assert.InDelta(t, 0.12, st.SpentActual, 1e-9)
}

func TestRecordActual_DriftAlertFires(t *testing.T) {
	g, _, rec := newTestGovernor(t, Caps{HardUSD: 100})

	// Estimated $0.10, billed $0.12: 20% drift, over the 5% threshold.
	require.NoError(t, g.Authorize("tenant-1", 0.10))
	g.RecordActual(context.Background(), "tenant-1", 0.10, 0.12)

	alerts := rec.Named(events.DriftAlert)
	require.Len(t, alerts, 1)
	assert.InDelta(t, 0.2, alerts[0].Fields["drift"].(float64), 1e-9)
}

func TestRecordActual_NoDriftAlertWithinThreshold(t *testing.T) {
	g, _, rec := newTestGovernor(t, Caps{HardUSD: 100})

	require.NoError(t, g.Authorize("tenant-1", 0.10))
	g.RecordActual(context.Background(), "tenant-1", 0.10, 0.102)

	assert.Empty(t, rec.Named(events.DriftAlert))
}

func TestRecordActual_DriftAlertLatches(t *testing.T) {
	g, _, rec := newTestGovernor(t, Caps{HardUSD: 100})

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Authorize("tenant-1", 0.10))
		g.RecordActual(context.Background(), "tenant-1", 0.10, 0.15)
	}
	assert.Len(t, rec.Named(events.DriftAlert), 1, "sustained drift alerts once, not per call")
}

func TestSoftCap_WarnsOnceWithoutBlocking(t *testing.T) {
	g, _, rec := newTestGovernor(t, Caps{SoftUSD: 8, HardUSD: 10})

	require.NoError(t, g.Authorize("tenant-1", 8.5))
	g.RecordActual(context.Background(), "tenant-1", 8.5, 8.5)

	warnings := rec.Named(events.BudgetWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, 8.0, warnings[0].Fields["soft_cap_usd"])

	// Still allowed below the hard cap, and no second warning.
	require.NoError(t, g.Authorize("tenant-1", 1.0))
	g.RecordActual(context.Background(), "tenant-1", 1.0, 1.0)
	assert.Len(t, rec.Named(events.BudgetWarning), 1)
}

func TestSoftCap_DefaultsToFractionOfHardCap(t *testing.T) {
	g, _, _ := newTestGovernor(t, Caps{HardUSD: 10})
	assert.Equal(t, 8.0, g.Status("tenant-1").SoftCapUSD)
}

func TestPeriodRollover_ResetsLedger(t *testing.T) {
	g, clk, _ := newTestGovernor(t, Caps{HardUSD: 10})

	require.NoError(t, g.Authorize("tenant-1", 5.0))
	g.RecordActual(context.Background(), "tenant-1", 5.0, 10.0)
	require.ErrorIs(t, g.Authorize("tenant-1", 1.0), ErrBudgetExceeded)

	clk.Advance(31 * 24 * time.Hour) // into September
	assert.Equal(t, "2026-09", g.Period())
	assert.NoError(t, g.Authorize("tenant-1", 1.0))
	assert.Equal(t, 0.0, g.Status("tenant-1").SpentActual)
}

func TestSetCaps_OverrideUnblocksTenant(t *testing.T) {
	g, _, _ := newTestGovernor(t, Caps{HardUSD: 10})

	require.NoError(t, g.Authorize("tenant-1", 5.0))
	g.RecordActual(context.Background(), "tenant-1", 5.0, 10.0)
	require.ErrorIs(t, g.Authorize("tenant-1", 0.5), ErrBudgetExceeded)

	g.SetCaps("tenant-1", Caps{HardUSD: 50})
	assert.NoError(t, g.Authorize("tenant-1", 0.5))
}

func TestAuthorize_ConcurrentDebitsNeverBreachCap(t *testing.T) {
	g, _, _ := newTestGovernor(t, Caps{HardUSD: 10})

	var wg sync.WaitGroup
	admitted := make(chan float64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Authorize("tenant-1", 0.5) == nil {
				admitted <- 0.5
			}
		}()
	}
	wg.Wait()
	close(admitted)

	var total float64
	for v := range admitted {
		total += v
	}
	assert.LessOrEqual(t, total, 10.0)
	assert.Equal(t, total, g.Status("tenant-1").SpentEstimated)
}

func TestStatuses_ListsActiveLedgers(t *testing.T) {
	g, _, _ := newTestGovernor(t, Caps{HardUSD: 10})

	require.NoError(t, g.Authorize("tenant-1", 0.5))
	require.NoError(t, g.Authorize("tenant-2", 1.0))

	statuses := g.Statuses()
	require.Len(t, statuses, 2)

	byTenant := make(map[string]float64, len(statuses))
	for _, s := range statuses {
		byTenant[s.TenantID] = s.SpentEstimated
	}
	assert.Equal(t, 0.5, byTenant["tenant-1"])
	assert.Equal(t, 1.0, byTenant["tenant-2"])
}

type fakeMirror struct {
	mu    sync.Mutex
	spend map[string]float64
	fail  bool
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{spend: make(map[string]float64)}
}

func (m *fakeMirror) IncrBudgetSpend(_ context.Context, tenantID, period string, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("mirror down")
	}
	m.spend[tenantID+"@"+period] += amount
	return m.spend[tenantID+"@"+period], nil
}

func (m *fakeMirror) GetBudgetSpend(_ context.Context, tenantID, period string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("mirror down")
	}
	return m.spend[tenantID+"@"+period], nil
}

type fakeSnapshots struct {
	snaps map[string]*models.BudgetStatus
}

func (f *fakeSnapshots) GetBudgetSnapshot(_ context.Context, tenantID, period string) (*models.BudgetStatus, error) {
	s, ok := f.snaps[tenantID+"@"+period]
	if !ok {
		return nil, errors.New("no rows")
	}
	return s, nil
}

func TestHydrate_MirrorSeedsFreshLedger(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC))
	mirror := newFakeMirror()

	first := New(Options{DefaultCaps: Caps{HardUSD: 10}, Clock: clk, Mirror: mirror})
	require.NoError(t, first.Authorize("tenant-1", 9.0))
	first.RecordActual(context.Background(), "tenant-1", 9.0, 9.0)

	// A restarted replica sharing the mirror must see the period's spend.
	second := New(Options{DefaultCaps: Caps{HardUSD: 10}, Clock: clk, Mirror: mirror})
	st := second.Status("tenant-1")
	assert.Equal(t, 9.0, st.SpentActual)
	assert.ErrorIs(t, second.Authorize("tenant-1", 2.0), ErrBudgetExceeded)
}

func TestHydrate_SnapshotSeedsWhenNoMirror(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC))
	snaps := &fakeSnapshots{snaps: map[string]*models.BudgetStatus{
		"tenant-1@2026-08": {TenantID: "tenant-1", Period: "2026-08", SpentActual: 10.0},
	}}

	g := New(Options{DefaultCaps: Caps{HardUSD: 10}, Clock: clk, Snapshots: snaps})
	assert.ErrorIs(t, g.Authorize("tenant-1", 0.5), ErrBudgetExceeded)
	assert.True(t, g.Status("tenant-1").Exhausted)
}

func TestHydrate_MirrorErrorFallsBackToSnapshot(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC))
	mirror := newFakeMirror()
	mirror.fail = true
	snaps := &fakeSnapshots{snaps: map[string]*models.BudgetStatus{
		"tenant-1@2026-08": {TenantID: "tenant-1", Period: "2026-08", SpentActual: 6.0},
	}}

	g := New(Options{DefaultCaps: Caps{HardUSD: 10}, Clock: clk, Mirror: mirror, Snapshots: snaps})
	assert.Equal(t, 6.0, g.Status("tenant-1").SpentActual)
}

func TestHydrate_FreshPeriodStartsEmpty(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC))
	mirror := newFakeMirror()

	g := New(Options{DefaultCaps: Caps{HardUSD: 10}, Clock: clk, Mirror: mirror})
	assert.Equal(t, 0.0, g.Status("tenant-1").SpentActual)
	assert.NoError(t, g.Authorize("tenant-1", 1.0))
}
