package access

import (
	"context"
	"fmt"

	"github.com/radubobirnac/vocallocal/pkg/types"
)

// Plan describes what a subscription tier may use per month.
type Plan struct {
	// Models lists the canonical model identifiers the plan covers.
	Models []string

	// Limits holds the per-service monthly allowance. A service absent from
	// the map is unlimited for the plan.
	Limits map[types.Service]float64
}

// defaultPlans is the shipped tier table. The free tier only ever reaches
// the baseline model, which skips authorization, so it needs no entry here.
var defaultPlans = map[string]Plan{
	"basic": {
		Models: []string{"whisper-1", "gpt-4o-mini-transcribe"},
		Limits: map[types.Service]float64{
			types.ServiceTranscription: 280,
			types.ServiceTranslation:   50000,
			types.ServiceTTS:           60,
		},
	},
	"professional": {
		Models: []string{"whisper-1", "gpt-4o-mini-transcribe", "gpt-4o-transcribe"},
		Limits: map[types.Service]float64{
			types.ServiceTranscription: 800,
			types.ServiceTranslation:   160000,
			types.ServiceTTS:           200,
		},
	},
}

// AccountDirectory exposes the subscription plan of a user. Implemented by
// the external account collaborator.
type AccountDirectory interface {
	UserPlan(ctx context.Context, userID string) (string, error)
}

// UsageReader exposes the current period's counters for quota math.
// The usage store satisfies this.
type UsageReader interface {
	CurrentPeriod(ctx context.Context, userID string) (types.UsagePeriod, error)
}

// PlanEntitlements is an [EntitlementStore] that combines a plan table with
// live usage counters. It is the reference implementation; deployments with
// an external entitlement service implement [EntitlementStore] directly.
type PlanEntitlements struct {
	accounts AccountDirectory
	usage    UsageReader
	plans    map[string]Plan
}

// Compile-time interface assertion.
var _ EntitlementStore = (*PlanEntitlements)(nil)

// NewPlanEntitlements creates the reference entitlement store. A nil plans
// map selects the shipped tier table.
func NewPlanEntitlements(accounts AccountDirectory, usage UsageReader, plans map[string]Plan) *PlanEntitlements {
	if plans == nil {
		plans = defaultPlans
	}
	return &PlanEntitlements{accounts: accounts, usage: usage, plans: plans}
}

// CheckModelAccess implements [EntitlementStore].
func (p *PlanEntitlements) CheckModelAccess(ctx context.Context, userID, model string) (Entitlement, error) {
	planName, err := p.accounts.UserPlan(ctx, userID)
	if err != nil {
		return Entitlement{}, fmt.Errorf("access: plan lookup for %q: %w", userID, err)
	}

	plan, ok := p.plans[planName]
	if !ok {
		return Entitlement{Allowed: false, Reason: fmt.Sprintf("plan %q has no premium model access", planName)}, nil
	}
	for _, m := range plan.Models {
		if m == model {
			return Entitlement{Allowed: true}, nil
		}
	}
	return Entitlement{
		Allowed: false,
		Reason:  fmt.Sprintf("model %q is not included in plan %q", model, planName),
	}, nil
}

// CheckUsageAllowed implements [EntitlementStore].
func (p *PlanEntitlements) CheckUsageAllowed(ctx context.Context, userID string, service types.Service, amount float64) (Allowance, error) {
	planName, err := p.accounts.UserPlan(ctx, userID)
	if err != nil {
		return Allowance{}, fmt.Errorf("access: plan lookup for %q: %w", userID, err)
	}

	plan, ok := p.plans[planName]
	if !ok {
		// Unknown plans fall back to baseline-only usage, which is uncapped.
		return Allowance{Allowed: true}, nil
	}
	limit, capped := plan.Limits[service]
	if !capped {
		return Allowance{Allowed: true}, nil
	}

	period, err := p.usage.CurrentPeriod(ctx, userID)
	if err != nil {
		return Allowance{}, fmt.Errorf("access: usage lookup for %q: %w", userID, err)
	}
	counter := period.Counter(service)
	if counter == nil {
		// Unknown service types are not metered.
		return Allowance{Allowed: true}, nil
	}
	used := *counter
	if used+amount > limit {
		return Allowance{
			Allowed: false,
			Reason:  fmt.Sprintf("%s quota exhausted: %.1f of %.1f used", service, used, limit),
		}, nil
	}
	return Allowance{Allowed: true}, nil
}
