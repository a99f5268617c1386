// Package governor enforces per-tenant spending budgets and reconciles
// estimated against actual usage.
//
// Authorization is optimistic: the estimated cost is provisionally debited
// before the provider call and replaced by the billed figure afterwards (or
// released if the call fails unbilled). Once actual spend reaches the hard
// cap, every further call for that tenant is refused until the billing
// period rolls over or an operator raises the cap.
package governor

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/clock"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// ErrBudgetExceeded is returned when a tenant's ledger cannot admit the
// estimated cost. Not retryable until period rollover or a cap change.
var ErrBudgetExceeded = errors.New("governor: budget exceeded")

// driftWindowSize is the number of recent calls over which estimate drift
// is aggregated before alerting.
const driftWindowSize = 50

// Caps are the spending thresholds for one tenant and billing period.
type Caps struct {
	SoftUSD float64 // warning threshold; never blocks
	HardUSD float64 // absolute refusal threshold
}

// SpendMirror mirrors actual spend to a shared store (Redis) so that
// sibling replicas see it, and reads it back to seed a fresh ledger after a
// restart. Mirror failures must never block a call.
type SpendMirror interface {
	IncrBudgetSpend(ctx context.Context, tenantID, period string, amount float64) (float64, error)
	GetBudgetSpend(ctx context.Context, tenantID, period string) (float64, error)
}

// SnapshotReader loads a persisted ledger snapshot (Postgres). Used to seed
// a fresh ledger when no spend mirror is available.
type SnapshotReader interface {
	GetBudgetSnapshot(ctx context.Context, tenantID, period string) (*models.BudgetStatus, error)
}

// Options configures a Governor.
type Options struct {
	DefaultCaps    Caps
	TenantCaps     map[string]Caps
	DriftThreshold float64 // fraction, e.g. 0.05; 0 means default 5%
	SoftCapFrac    float64 // soft warning as a fraction of hard cap when SoftUSD is unset
	Clock          clock.Clock
	Sink           events.Sink
	Mirror         SpendMirror    // optional
	Snapshots      SnapshotReader // optional
}

// ledger tracks one (tenant, period) pair. Guarded by the Governor mutex;
// provisional debit and reconciliation for the same tenant must be atomic
// to avoid double-counting under concurrent calls.
type ledger struct {
	spentEstimated float64
	spentActual    float64
	caps           Caps
	softWarned     bool
	driftAlerted   bool

	// Rolling reconciliation window for drift detection.
	estWindow []float64
	actWindow []float64
}

// Governor owns every tenant ledger.
type Governor struct {
	opts Options

	mu      sync.Mutex
	ledgers map[string]*ledger // key: tenant + "@" + period
}

// New creates a Governor.
func New(opts Options) *Governor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop{}
	}
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = 0.05
	}
	if opts.SoftCapFrac <= 0 {
		opts.SoftCapFrac = 0.8
	}
	return &Governor{
		opts:    opts,
		ledgers: make(map[string]*ledger),
	}
}

// Period returns the current billing period key, e.g. "2026-08".
func (g *Governor) Period() string {
	return g.opts.Clock.Now().UTC().Format("2006-01")
}

// Authorize admits or refuses a call whose cost is estimated at
// estimatedUSD. On admission the estimate is provisionally debited; the
// caller must follow up with either RecordActual or Release.
func (g *Governor) Authorize(tenantID string, estimatedUSD float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	l := g.ledgerLocked(tenantID)
	if l.spentActual >= l.caps.HardUSD || l.spentEstimated+estimatedUSD > l.caps.HardUSD {
		g.emitLocked(events.BudgetExceeded, tenantID, map[string]any{
			"spent_estimated": l.spentEstimated,
			"hard_cap_usd":    l.caps.HardUSD,
		})
		return ErrBudgetExceeded
	}

	l.spentEstimated += estimatedUSD
	return nil
}

// Release reverses a provisional debit for a call that failed and will not
// be billed.
func (g *Governor) Release(tenantID string, estimatedUSD float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l := g.ledgerLocked(tenantID)
	l.spentEstimated -= estimatedUSD
	if l.spentEstimated < 0 {
		l.spentEstimated = 0
	}
}

// RecordActual replaces the provisional estimate with the billed figure,
// updates drift tracking, and mirrors the spend if a mirror is configured.
func (g *Governor) RecordActual(ctx context.Context, tenantID string, estimatedUSD, actualUSD float64) {
	g.mu.Lock()
	l := g.ledgerLocked(tenantID)

	l.spentEstimated += actualUSD - estimatedUSD
	if l.spentEstimated < 0 {
		l.spentEstimated = 0
	}
	l.spentActual += actualUSD

	l.estWindow = appendWindow(l.estWindow, estimatedUSD)
	l.actWindow = appendWindow(l.actWindow, actualUSD)

	g.checkDriftLocked(tenantID, l)
	g.checkSoftCapLocked(tenantID, l)
	g.mu.Unlock()

	if g.opts.Mirror != nil && actualUSD > 0 {
		if _, err := g.opts.Mirror.IncrBudgetSpend(ctx, tenantID, g.Period(), actualUSD); err != nil {
			log.Printf("governor: spend mirror unavailable for tenant %s: %v", tenantID, err)
		}
	}
}

// Status reports the tenant's ledger for the current period.
func (g *Governor) Status(tenantID string) models.BudgetStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	l := g.ledgerLocked(tenantID)
	return models.BudgetStatus{
		TenantID:       tenantID,
		Period:         g.Period(),
		SpentEstimated: l.spentEstimated,
		SpentActual:    l.spentActual,
		SoftCapUSD:     l.caps.SoftUSD,
		HardCapUSD:     l.caps.HardUSD,
		Exhausted:      l.spentActual >= l.caps.HardUSD,
	}
}

// Statuses reports every active ledger for the current period.
func (g *Governor) Statuses() []models.BudgetStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	period := g.Period()
	suffix := "@" + period
	var out []models.BudgetStatus
	for key, l := range g.ledgers {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		out = append(out, models.BudgetStatus{
			TenantID:       strings.TrimSuffix(key, suffix),
			Period:         period,
			SpentEstimated: l.spentEstimated,
			SpentActual:    l.spentActual,
			SoftCapUSD:     l.caps.SoftUSD,
			HardCapUSD:     l.caps.HardUSD,
			Exhausted:      l.spentActual >= l.caps.HardUSD,
		})
	}
	return out
}

// SetCaps overrides the caps for a tenant's current-period ledger. Used by
// the admin surface for manual overrides of an exhausted budget.
func (g *Governor) SetCaps(tenantID string, caps Caps) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.opts.TenantCaps == nil {
		g.opts.TenantCaps = make(map[string]Caps)
	}
	g.opts.TenantCaps[tenantID] = caps

	l := g.ledgerLocked(tenantID)
	l.caps = g.normalizeCaps(caps)
	l.softWarned = false
}

// ledgerLocked returns the tenant's ledger for the current period, creating
// it on first touch. Period rollover happens implicitly: a new month keys a
// fresh ledger and the old one is dropped.
func (g *Governor) ledgerLocked(tenantID string) *ledger {
	key := tenantID + "@" + g.Period()
	if l, ok := g.ledgers[key]; ok {
		return l
	}

	caps := g.opts.DefaultCaps
	if c, ok := g.opts.TenantCaps[tenantID]; ok {
		caps = c
	}
	l := &ledger{caps: g.normalizeCaps(caps)}
	g.hydrateLedger(tenantID, l)
	g.ledgers[key] = l

	// Drop ledgers from previous periods for this tenant.
	prefix := tenantID + "@"
	for k := range g.ledgers {
		if k != key && len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(g.ledgers, k)
		}
	}
	return l
}

// hydrateLedger seeds a freshly created ledger with the period's spend as
// recorded by sibling replicas (mirror) or by a previous incarnation of this
// process (snapshot). Runs once per (tenant, period); a short timeout keeps
// a dead backend from stalling the first call of the month.
func (g *Governor) hydrateLedger(tenantID string, l *ledger) {
	if g.opts.Mirror == nil && g.opts.Snapshots == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	period := g.Period()

	if g.opts.Mirror != nil {
		spend, err := g.opts.Mirror.GetBudgetSpend(ctx, tenantID, period)
		if err == nil {
			if spend > 0 {
				l.spentActual = spend
				l.spentEstimated = spend
			}
			return
		}
		log.Printf("governor: spend mirror read failed for tenant %s, trying snapshot: %v", tenantID, err)
	}

	if g.opts.Snapshots != nil {
		snap, err := g.opts.Snapshots.GetBudgetSnapshot(ctx, tenantID, period)
		if err != nil {
			// Missing row or unreachable store: start from zero.
			return
		}
		if snap.SpentActual > 0 {
			l.spentActual = snap.SpentActual
			l.spentEstimated = snap.SpentActual
		}
	}
}

func (g *Governor) normalizeCaps(c Caps) Caps {
	if c.SoftUSD <= 0 && c.HardUSD > 0 {
		c.SoftUSD = c.HardUSD * g.opts.SoftCapFrac
	}
	return c
}

// checkDriftLocked aggregates |actual-estimated|/estimated over the rolling
// window and fires a drift alert once per breach.
func (g *Governor) checkDriftLocked(tenantID string, l *ledger) {
	var estSum, actSum float64
	for _, v := range l.estWindow {
		estSum += v
	}
	for _, v := range l.actWindow {
		actSum += v
	}
	if estSum <= 0 {
		return
	}

	drift := math.Abs(actSum-estSum) / estSum
	if drift > g.opts.DriftThreshold {
		if !l.driftAlerted {
			l.driftAlerted = true
			g.emitLocked(events.DriftAlert, tenantID, map[string]any{
				"drift":     drift,
				"threshold": g.opts.DriftThreshold,
			})
		}
		return
	}
	l.driftAlerted = false
}

// checkSoftCapLocked fires a single warning per period when actual spend
// crosses the soft cap. Soft caps never block.
func (g *Governor) checkSoftCapLocked(tenantID string, l *ledger) {
	if l.softWarned || l.caps.SoftUSD <= 0 || l.spentActual < l.caps.SoftUSD {
		return
	}
	l.softWarned = true
	g.emitLocked(events.BudgetWarning, tenantID, map[string]any{
		"spent_actual": l.spentActual,
		"soft_cap_usd": l.caps.SoftUSD,
		"hard_cap_usd": l.caps.HardUSD,
	})
}

func (g *Governor) emitLocked(name, tenantID string, extra map[string]any) {
	fields := map[string]any{"tenant": tenantID, "period": g.Period()}
	for k, v := range extra {
		fields[k] = v
	}
	g.opts.Sink.Emit(events.Event{Name: name, Timestamp: g.opts.Clock.Now(), Fields: fields})
}

func appendWindow(w []float64, v float64) []float64 {
	w = append(w, v)
	if len(w) > driftWindowSize {
		w = w[len(w)-driftWindowSize:]
	}
	return w
}
