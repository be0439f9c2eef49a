package usage

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/pkg/types"
)

// Resetter triggers a usage reset when the ledger notices a due period.
// [Coordinator] satisfies it.
type Resetter interface {
	Reset(ctx context.Context, userID string, force bool) (Outcome, float64, error)
}

// record is one queued usage increment.
type record struct {
	userID  string
	service types.Service
	amount  float64
}

// Ledger decouples usage accounting from the transcription path. Record never
// blocks: increments go onto a bounded queue drained by a background worker
// that retries transient store failures and, past the attempt budget, drops
// the record with a log line rather than stalling the pipeline.
type Ledger struct {
	store    Store
	resetter Resetter
	metrics  *observe.Metrics

	queue       chan record
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// LedgerOption is a functional option for [NewLedger].
type LedgerOption func(*Ledger)

// WithQueueSize bounds the pending-record queue. Default: 256.
func WithQueueSize(n int) LedgerOption {
	return func(l *Ledger) {
		if n > 0 {
			l.queue = make(chan record, n)
		}
	}
}

// WithMaxAttempts sets how many times a failed write is tried before the
// record is dropped. Default: 3.
func WithMaxAttempts(n int) LedgerOption {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the initial retry delay; each retry doubles it.
// Default: 2s.
func WithRetryBackoff(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.backoff = d
		}
	}
}

// WithResetter lets the worker trigger a due monthly reset before applying an
// increment, so counters never accumulate into an expired period.
func WithResetter(r Resetter) LedgerOption {
	return func(l *Ledger) { l.resetter = r }
}

// WithLedgerMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithLedgerMetrics(m *observe.Metrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

// WithLedgerClock overrides the clock. For tests.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger and starts its worker.
func NewLedger(store Store, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:       store,
		queue:       make(chan record, 256),
		maxAttempts: 3,
		backoff:     2 * time.Second,
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// Record queues one usage increment. When the queue is full the record is
// dropped and logged; accounting lag must never back-pressure transcription.
func (l *Ledger) Record(ctx context.Context, userID string, service types.Service, amount float64) {
	if amount <= 0 || userID == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		observe.Logger(ctx).Warn("usage record after ledger close, dropping",
			"user_id", userID, "service", service, "amount", amount)
		return
	}

	select {
	case l.queue <- record{userID: userID, service: service, amount: amount}:
		l.metrics.LedgerQueueDepth.Add(ctx, 1)
	default:
		observe.Logger(ctx).Warn("usage ledger queue full, dropping record",
			"user_id", userID, "service", service, "amount", amount)
		l.recordWrite(ctx, "dropped")
	}
}

// Close stops accepting records and blocks until the queue is drained.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
}

// run drains the queue. The worker uses a background context: queued records
// represent billable work already done and should be flushed even while the
// server shuts down.
func (l *Ledger) run() {
	defer l.wg.Done()
	ctx := context.Background()

	for rec := range l.queue {
		l.metrics.LedgerQueueDepth.Add(ctx, -1)
		l.maybeReset(ctx, rec.userID)
		l.apply(ctx, rec)
	}
}

// maybeReset performs an opportunistic monthly reset when the user's period
// has expired, so the pending increment lands in the fresh period.
func (l *Ledger) maybeReset(ctx context.Context, userID string) {
	if l.resetter == nil {
		return
	}
	p, err := l.store.CurrentPeriod(ctx, userID)
	if err != nil || p.ResetDate.After(l.now().UTC()) {
		return
	}
	if _, _, err := l.resetter.Reset(ctx, userID, false); err != nil {
		observe.Logger(ctx).Warn("opportunistic reset failed, incrementing stale period",
			"user_id", userID, "err", err)
	}
}

// apply writes one record with retries, then drops it.
func (l *Ledger) apply(ctx context.Context, rec record) {
	delay := l.backoff
	for attempt := 1; ; attempt++ {
		_, err := l.store.Increment(ctx, rec.userID, rec.service, rec.amount)
		if err == nil {
			status := "ok"
			if attempt > 1 {
				status = "retried"
			}
			l.recordWrite(ctx, status)
			return
		}
		if attempt >= l.maxAttempts {
			observe.Logger(ctx).Error("usage record dropped after retries",
				"user_id", rec.userID,
				"service", rec.service,
				"amount", rec.amount,
				"attempts", attempt,
				"err", err,
			)
			l.recordWrite(ctx, "dropped")
			return
		}
		observe.Logger(ctx).Warn("usage write failed, retrying",
			"user_id", rec.userID, "attempt", attempt, "err", err)
		time.Sleep(delay)
		delay *= 2
	}
}

func (l *Ledger) recordWrite(ctx context.Context, status string) {
	l.metrics.LedgerWrites.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}
