package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/pkg/types"
)

// Outcome classifies the result of a single user's reset attempt.
type Outcome string

const (
	// OutcomeReset means the period was archived and zeroed by this call.
	OutcomeReset Outcome = "reset"

	// OutcomeSkipped means no reset was due, or a concurrent caller already
	// performed it.
	OutcomeSkipped Outcome = "skipped"
)

// Report summarises a bulk reset run.
type Report struct {
	// UsersProcessed counts users whose period was archived and zeroed.
	UsersProcessed int `json:"users_processed"`

	// UsersSkipped counts users with no reset due (or already reset).
	UsersSkipped int `json:"users_skipped"`

	// Errors counts users whose reset failed; their periods are untouched.
	Errors int `json:"errors"`

	// ArchivedTotal is the sum of all counters moved into the archive.
	ArchivedTotal float64 `json:"archived_totals"`
}

// Coordinator performs the monthly usage reset: archive the closed period,
// zero the live counters, and advance the reset date to the next month
// boundary. Resets are idempotent; racing callers produce exactly one archive
// record per user per cycle.
type Coordinator struct {
	store       Store
	parallelism int
	metrics     *observe.Metrics
	now         func() time.Time
}

// CoordinatorOption is a functional option for [NewCoordinator].
type CoordinatorOption func(*Coordinator)

// WithResetParallelism bounds concurrent per-user resets during [Coordinator.ResetAll].
// Default: 8.
func WithResetParallelism(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithResetMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithResetMetrics(m *observe.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithResetClock overrides the clock. For tests.
func WithResetClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator over store.
func NewCoordinator(store Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:       store,
		parallelism: 8,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Reset archives and zeroes userID's period if its reset date has passed.
// force resets regardless of the date, closing the current month early. The
// archived total is returned so bulk callers can aggregate it.
//
// Losing the compare-and-set race to another resetter is reported as
// [OutcomeSkipped], not an error: the reset the caller wanted has happened.
func (c *Coordinator) Reset(ctx context.Context, userID string, force bool) (Outcome, float64, error) {
	p, err := c.store.CurrentPeriod(ctx, userID)
	if err != nil {
		c.recordOutcome(ctx, "error")
		return "", 0, fmt.Errorf("usage: reset read for %q: %w", userID, err)
	}

	now := c.now().UTC()
	if !force && p.ResetDate.After(now) {
		c.recordOutcome(ctx, string(OutcomeSkipped))
		return OutcomeSkipped, 0, nil
	}

	rec := types.UsageArchiveRecord{
		Period:     closedPeriod(p.ResetDate, now, force),
		UserID:     userID,
		Usage:      p,
		ArchivedAt: now,
	}
	next := types.NextMonthStart(now)

	err = c.store.ResetAndArchive(ctx, userID, p.ResetDate, rec, next)
	switch {
	case errors.Is(err, ErrResetConflict):
		c.recordOutcome(ctx, string(OutcomeSkipped))
		return OutcomeSkipped, 0, nil
	case err != nil:
		c.recordOutcome(ctx, "error")
		return "", 0, fmt.Errorf("usage: reset for %q: %w", userID, err)
	}

	observe.Logger(ctx).Info("usage period reset",
		"user_id", userID,
		"period", rec.Period,
		"archived_total", p.Total(),
		"next_reset", next,
		"forced", force,
	)
	c.recordOutcome(ctx, string(OutcomeReset))
	return OutcomeReset, p.Total(), nil
}

// ResetAll resets every user with a due period, with bounded parallelism.
// Individual failures are counted and logged but do not stop the run.
func (c *Coordinator) ResetAll(ctx context.Context, force bool) (Report, error) {
	ids, err := c.store.ListUserIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("usage: reset all: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)

	for _, id := range ids {
		g.Go(func() error {
			outcome, total, err := c.Reset(gctx, id, force)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Errors++
				observe.Logger(gctx).Error("user reset failed", "user_id", id, "err", err)
			case outcome == OutcomeReset:
				report.UsersProcessed++
				report.ArchivedTotal += total
			default:
				report.UsersSkipped++
			}
			// Per-user failures are tallied, not propagated, so one bad row
			// cannot abort the monthly run.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	observe.Logger(ctx).Info("bulk usage reset finished",
		"processed", report.UsersProcessed,
		"skipped", report.UsersSkipped,
		"errors", report.Errors,
		"forced", force,
	)
	return report, nil
}

func (c *Coordinator) recordOutcome(ctx context.Context, status string) {
	c.metrics.ResetOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// closedPeriod labels the month being archived. A due reset closes the month
// before the stored reset date; a forced early reset closes the month the
// reset happens in.
func closedPeriod(resetDate, now time.Time, force bool) string {
	if force && resetDate.After(now) {
		return types.PeriodKey(now)
	}
	return types.PeriodKey(resetDate.AddDate(0, -1, 0))
}
