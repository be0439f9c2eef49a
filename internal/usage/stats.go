package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/radubobirnac/vocallocal/pkg/types"
)

// PlanLookup resolves a user's subscription plan name. Optional; without it
// the stats report omits the plan distribution.
type PlanLookup interface {
	UserPlan(ctx context.Context, userID string) (string, error)
}

// Stats is an admin-facing aggregate of the current usage period across all
// users.
type Stats struct {
	TotalUsers int `json:"totalUsers"`

	// Totals sums every user's live counters. Its ResetDate field is unused.
	Totals types.UsagePeriod `json:"totals"`

	// ActiveUsers counts users with any non-zero counter this period.
	ActiveUsers int `json:"activeUsers"`

	// PlanDistribution counts users per plan name. Nil without a [PlanLookup].
	PlanDistribution map[string]int `json:"planDistribution,omitempty"`

	// NextResetDate is the earliest pending reset across all users.
	NextResetDate time.Time `json:"nextResetDate"`
}

// StatsCollector builds [Stats] snapshots from a [Store].
type StatsCollector struct {
	store Store
	plans PlanLookup
}

// NewStatsCollector creates a collector. plans may be nil.
func NewStatsCollector(store Store, plans PlanLookup) *StatsCollector {
	return &StatsCollector{store: store, plans: plans}
}

// Collect walks every user's current period and aggregates it. Plan lookup
// failures degrade to an "unknown" bucket rather than failing the report.
func (c *StatsCollector) Collect(ctx context.Context) (Stats, error) {
	ids, err := c.store.ListUserIDs(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("usage: stats: %w", err)
	}

	stats := Stats{TotalUsers: len(ids)}
	if c.plans != nil {
		stats.PlanDistribution = make(map[string]int)
	}

	for _, id := range ids {
		p, err := c.store.CurrentPeriod(ctx, id)
		if err != nil {
			return Stats{}, fmt.Errorf("usage: stats for %q: %w", id, err)
		}

		stats.Totals.TranscriptionMinutes += p.TranscriptionMinutes
		stats.Totals.TranslationWords += p.TranslationWords
		stats.Totals.TTSMinutes += p.TTSMinutes
		stats.Totals.AICredits += p.AICredits
		if !p.IsZero() {
			stats.ActiveUsers++
		}
		if stats.NextResetDate.IsZero() || p.ResetDate.Before(stats.NextResetDate) {
			stats.NextResetDate = p.ResetDate
		}

		if c.plans != nil {
			plan, err := c.plans.UserPlan(ctx, id)
			if err != nil || plan == "" {
				plan = "unknown"
			}
			stats.PlanDistribution[plan]++
		}
	}
	return stats, nil
}
