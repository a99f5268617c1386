package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/clock"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

func newTestLimiter(t *testing.T) (*Limiter, *clock.Fake, *events.Recorder) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	rec := events.NewRecorder()
	l := New(Options{Clock: clk, Sink: rec})
	return l, clk, rec
}

func TestCheck_AllowsUpToLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	// help tier: 20/min
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Check("user-1", models.OpHelp), "call %d should be admitted", i+1)
	}
	assert.ErrorIs(t, l.Check("user-1", models.OpHelp), ErrRateLimited)
}

func TestCheck_WindowRollover(t *testing.T) {
	l, clk, _ := newTestLimiter(t)

	for i := 0; i < 21; i++ {
		l.Check("user-1", models.OpHelp)
	}
	require.ErrorIs(t, l.Check("user-1", models.OpHelp), ErrRateLimited)

	clk.Advance(61 * time.Second)
	assert.NoError(t, l.Check("user-1", models.OpHelp), "admission resumes after the window rolls over")
}

func TestCheck_DeniedCallsStillConsumeWindow(t *testing.T) {
	l, clk, _ := newTestLimiter(t)

	// analysis tier: 5/min. Exhaust it, then keep retrying just before each
	// rollover; retries must not reset the window start.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check("user-1", models.OpAnalysis))
	}
	require.ErrorIs(t, l.Check("user-1", models.OpAnalysis), ErrRateLimited)

	clk.Advance(59 * time.Second)
	require.ErrorIs(t, l.Check("user-1", models.OpAnalysis), ErrRateLimited)

	// Window started at t=0, so at t=61s it has rolled regardless of the
	// denied retry at t=59s.
	clk.Advance(2 * time.Second)
	assert.NoError(t, l.Check("user-1", models.OpAnalysis))
}

func TestCheck_SubjectsAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check("user-1", models.OpAnalysis))
	}
	require.ErrorIs(t, l.Check("user-1", models.OpAnalysis), ErrRateLimited)
	assert.NoError(t, l.Check("user-2", models.OpAnalysis))
}

func TestCheck_UnknownClass(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	assert.ErrorIs(t, l.Check("user-1", "no-such-class"), ErrUnknownClass)
}

func TestCheck_EmitsDeniedEvent(t *testing.T) {
	l, _, rec := newTestLimiter(t)
	for i := 0; i < 6; i++ {
		l.Check("user-9", models.OpAnalysis)
	}
	denied := rec.Named(events.RateLimitExceeded)
	require.Len(t, denied, 1)
	assert.Equal(t, "user-9", denied[0].Fields["subject"])
	assert.Equal(t, "analysis", denied[0].Fields["operation_class"])
}

func TestStreaming_ConcurrencySemaphore(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	require.NoError(t, l.Check("user-1", models.OpStreaming))
	require.NoError(t, l.Check("user-1", models.OpStreaming))
	require.NoError(t, l.Check("user-1", models.OpStreaming))
	require.ErrorIs(t, l.Check("user-1", models.OpStreaming), ErrRateLimited)

	l.Release("user-1", models.OpStreaming)
	assert.NoError(t, l.Check("user-1", models.OpStreaming))
}

func TestCheck_ConcurrentIncrementsAreLinearizable(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	const callers = 50 // help tier admits 20
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("user-1", models.OpHelp) == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), admitted.Load(), "exactly the tier limit must be admitted")
}

func TestSweep_EvictsIdleBuckets(t *testing.T) {
	l, clk, _ := newTestLimiter(t)

	l.Check("user-1", models.OpHelp)
	l.Check("user-2", models.OpQuickCheck)
	l.Check("user-3", models.OpStreaming)
	l.Release("user-3", models.OpStreaming)

	clk.Advance(10 * time.Minute)
	l.Check("user-2", models.OpQuickCheck) // keep user-2 fresh

	evicted := l.Sweep(5 * time.Minute)
	assert.Equal(t, 2, evicted)
}

func TestSweep_KeepsActiveStreams(t *testing.T) {
	l, clk, _ := newTestLimiter(t)

	require.NoError(t, l.Check("user-1", models.OpStreaming))
	clk.Advance(time.Hour)
	assert.Equal(t, 0, l.Sweep(5*time.Minute), "a stream with active calls must not be evicted")
}

func TestTiers_ReturnsCopy(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	tiers := l.Tiers()
	require.Contains(t, tiers, models.OpHelp)
	tiers[models.OpHelp] = Tier{Limit: 1, Window: time.Second}

	assert.Equal(t, uint(20), l.Tiers()[models.OpHelp].Limit, "mutating the returned map must not affect the limiter")
}
