package access

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/pkg/types"
)

// Entitlement is the account backend's answer to a model-tier check.
type Entitlement struct {
	// Allowed reports whether the user's plan covers the model.
	Allowed bool

	// Reason explains a refusal.
	Reason string
}

// Allowance is the account backend's answer to a remaining-quota check.
type Allowance struct {
	Allowed bool
	Reason  string
}

// EntitlementStore is the external account/entitlement collaborator. Calls
// must respect context cancellation; the resolver abandons them on deadline.
type EntitlementStore interface {
	// CheckModelAccess reports whether userID's plan covers model.
	CheckModelAccess(ctx context.Context, userID, model string) (Entitlement, error)

	// CheckUsageAllowed reports whether userID has quota left for amount
	// units of the given service this period.
	CheckUsageAllowed(ctx context.Context, userID string, service types.Service, amount float64) (Allowance, error)
}

// Resolver canonicalizes and authorizes model requests. Every Resolve call
// returns within the configured budget plus scheduling noise; the resolver
// never returns an error to the caller.
type Resolver struct {
	store        EntitlementStore
	baseline     string
	modelTimeout time.Duration
	usageTimeout time.Duration
	metrics      *observe.Metrics
}

// Option is a functional option for [NewResolver].
type Option func(*Resolver)

// WithModelCheckTimeout bounds the entitlement model-tier query. Default: 2s.
func WithModelCheckTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.modelTimeout = d }
}

// WithUsageCheckTimeout bounds the remaining-quota query. Default: 3s.
func WithUsageCheckTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.usageTimeout = d }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a Resolver. baseline is the free-tier model returned on
// degradation and offered as the alternative on denial.
func NewResolver(store EntitlementStore, baseline string, opts ...Option) *Resolver {
	r := &Resolver{
		store:        store,
		baseline:     baseline,
		modelTimeout: 2 * time.Second,
		usageTimeout: 3 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Baseline returns the configured free-tier model.
func (r *Resolver) Baseline() string {
	return r.baseline
}

// Resolve maps the request to an [types.AccessDecision]. The decision is
// always usable: a timeout or backend error yields a degraded allow on the
// baseline model, and an explicit denial carries the baseline as a suggested
// alternative when one exists.
func (r *Resolver) Resolve(ctx context.Context, req types.ModelRequest) types.AccessDecision {
	start := time.Now()
	defer func() {
		r.metrics.ResolveDuration.Record(ctx, time.Since(start).Seconds())
	}()

	model := Canonical(req.RequestedModel)
	if model == "" {
		model = r.baseline
	}
	if model != req.RequestedModel {
		observe.Logger(ctx).Info("upgraded deprecated model identifier",
			"requested", req.RequestedModel,
			"canonical", model,
			"session_id", req.SessionID,
		)
	}

	// The baseline free model needs no authorization: always allowed, zero
	// added latency.
	if model == r.baseline {
		return types.AccessDecision{Allowed: true, ResolvedModel: model}
	}

	// Privileged roles bypass entitlement and quota checks entirely.
	if req.Role.IsPrivileged() {
		return types.AccessDecision{Allowed: true, ResolvedModel: model}
	}

	ent, err := r.boundedModelCheck(ctx, req.UserID, model)
	if err != nil {
		// Timeout or backend failure: never block or fail the transcription
		// path. Degrade to the baseline model and carry on.
		observe.Logger(ctx).Warn("entitlement check degraded to baseline model",
			"requested", model,
			"baseline", r.baseline,
			"user_id", req.UserID,
			"err", err,
		)
		r.metrics.DegradedDecisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", degradeReason(err)),
		))
		return types.AccessDecision{
			Allowed:       true,
			ResolvedModel: r.baseline,
			Reason:        "entitlement check unavailable",
			Degraded:      true,
		}
	}

	if ent.Allowed {
		return types.AccessDecision{Allowed: true, ResolvedModel: model}
	}

	// Explicit policy denial. Offer the baseline as an alternative rather
	// than failing outright; only deny hard when there is nothing to offer.
	if r.baseline != "" {
		observe.Logger(ctx).Info("model denied, substituting baseline",
			"requested", model,
			"baseline", r.baseline,
			"user_id", req.UserID,
			"reason", ent.Reason,
		)
		return types.AccessDecision{
			Allowed:       true,
			ResolvedModel: r.baseline,
			Reason:        ent.Reason,
		}
	}
	return types.AccessDecision{
		Allowed:       false,
		ResolvedModel: "",
		Reason:        ent.Reason,
	}
}

// UsageAllowed runs the remaining-quota check under its own budget with the
// same degradation contract as Resolve: a slow or failing backend yields an
// allow so transcription is never blocked by the accounting plane.
func (r *Resolver) UsageAllowed(ctx context.Context, userID string, service types.Service, amount float64) Allowance {
	cctx, cancel := context.WithTimeout(ctx, r.usageTimeout)
	defer cancel()

	type outcome struct {
		allow Allowance
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		a, err := r.store.CheckUsageAllowed(cctx, userID, service, amount)
		ch <- outcome{a, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			observe.Logger(ctx).Warn("usage check degraded to allow",
				"user_id", userID, "service", service, "err", o.err)
			r.metrics.DegradedDecisions.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", "usage_check_error"),
			))
			return Allowance{Allowed: true, Reason: "usage check unavailable"}
		}
		return o.allow
	case <-cctx.Done():
		// Abandon the in-flight query; it may finish in the background but
		// its result is discarded.
		observe.Logger(ctx).Warn("usage check timed out, allowing",
			"user_id", userID, "service", service, "budget", r.usageTimeout)
		r.metrics.DegradedDecisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", "usage_check_timeout"),
		))
		return Allowance{Allowed: true, Reason: "usage check timed out"}
	}
}

// boundedModelCheck wraps the entitlement query in a deadline. On expiry the
// in-flight check is abandoned (best effort: the goroutine keeps running
// until the store honours the cancelled context) and an error is returned so
// the caller degrades immediately.
func (r *Resolver) boundedModelCheck(ctx context.Context, userID, model string) (Entitlement, error) {
	cctx, cancel := context.WithTimeout(ctx, r.modelTimeout)
	defer cancel()

	type outcome struct {
		ent Entitlement
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		ent, err := r.store.CheckModelAccess(cctx, userID, model)
		ch <- outcome{ent, err}
	}()

	select {
	case o := <-ch:
		return o.ent, o.err
	case <-cctx.Done():
		return Entitlement{}, cctx.Err()
	}
}

func degradeReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "model_check_timeout"
	}
	return "model_check_error"
}
