package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/pkg/types"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider(metric.WithReader(metric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// seedExpiredUser creates a user whose period ended before testNow.
func seedExpiredUser(t *testing.T, s *MemStore, userID string, minutes float64) {
	t.Helper()
	ctx := context.Background()

	s.now = fixedClock(time.Date(2026, time.July, 10, 0, 0, 0, 0, time.UTC))
	if _, err := s.Increment(ctx, userID, types.ServiceTranscription, minutes); err != nil {
		t.Fatal(err)
	}
	s.now = fixedClock(testNow)
}

func TestReset_DuePeriod(t *testing.T) {
	s := newTestMemStore()
	seedExpiredUser(t, s, "u1", 42) // reset date 2026-08-01, now 2026-08-15

	c := NewCoordinator(s, WithResetClock(fixedClock(testNow)), WithResetMetrics(testMetrics(t)))
	outcome, total, err := c.Reset(context.Background(), "u1", false)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if outcome != OutcomeReset || total != 42 {
		t.Fatalf("outcome = %s total = %f, want reset of 42", outcome, total)
	}

	p, _ := s.CurrentPeriod(context.Background(), "u1")
	if !p.IsZero() {
		t.Errorf("period not zeroed: %+v", p)
	}
	want := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	if !p.ResetDate.Equal(want) {
		t.Errorf("ResetDate = %v, want %v", p.ResetDate, want)
	}

	archives, _ := s.Archives(context.Background(), "u1")
	if len(archives) != 1 {
		t.Fatalf("archives = %d, want 1", len(archives))
	}
	if archives[0].Period != "2026-07" {
		t.Errorf("archived period = %q, want the closed month 2026-07", archives[0].Period)
	}
	if archives[0].Usage.TranscriptionMinutes != 42 {
		t.Errorf("archived usage = %+v", archives[0].Usage)
	}
}

func TestReset_FuturePeriodSkipped(t *testing.T) {
	s := newTestMemStore()
	if _, err := s.Increment(context.Background(), "u1", types.ServiceTranscription, 5); err != nil {
		t.Fatal(err)
	}

	c := NewCoordinator(s, WithResetClock(fixedClock(testNow)), WithResetMetrics(testMetrics(t)))
	outcome, _, err := c.Reset(context.Background(), "u1", false)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped for a live period", outcome)
	}
	p, _ := s.CurrentPeriod(context.Background(), "u1")
	if p.TranscriptionMinutes != 5 {
		t.Errorf("counters changed on skip: %+v", p)
	}
}

func TestReset_ForceClosesCurrentMonth(t *testing.T) {
	s := newTestMemStore()
	if _, err := s.Increment(context.Background(), "u1", types.ServiceTranscription, 5); err != nil {
		t.Fatal(err)
	}

	c := NewCoordinator(s, WithResetClock(fixedClock(testNow)), WithResetMetrics(testMetrics(t)))
	outcome, _, err := c.Reset(context.Background(), "u1", true)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if outcome != OutcomeReset {
		t.Fatalf("outcome = %s, want forced reset", outcome)
	}
	archives, _ := s.Archives(context.Background(), "u1")
	if archives[0].Period != "2026-08" {
		t.Errorf("archived period = %q, want the current month on force", archives[0].Period)
	}
}

func TestReset_Idempotent(t *testing.T) {
	s := newTestMemStore()
	seedExpiredUser(t, s, "u1", 10)

	c := NewCoordinator(s, WithResetClock(fixedClock(testNow)), WithResetMetrics(testMetrics(t)))
	if _, _, err := c.Reset(context.Background(), "u1", false); err != nil {
		t.Fatal(err)
	}
	outcome, _, err := c.Reset(context.Background(), "u1", false)
	if err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want second reset skipped", outcome)
	}
	archives, _ := s.Archives(context.Background(), "u1")
	if len(archives) != 1 {
		t.Errorf("archives = %d, want exactly one per cycle", len(archives))
	}
}

func TestReset_ConcurrentSingleArchive(t *testing.T) {
	s := newTestMemStore()
	seedExpiredUser(t, s, "u1", 10)

	c := NewCoordinator(s, WithResetClock(fixedClock(testNow)), WithResetMetrics(testMetrics(t)))

	const n = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		resets int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _, err := c.Reset(context.Background(), "u1", false)
			if err != nil {
				t.Errorf("Reset: %v", err)
				return
			}
			if outcome == OutcomeReset {
				mu.Lock()
				resets++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if resets != 1 {
		t.Errorf("winning resets = %d, want exactly 1", resets)
	}
	archives, _ := s.Archives(context.Background(), "u1")
	if len(archives) != 1 {
		t.Errorf("archives = %d, want exactly 1", len(archives))
	}
}

func TestResetAll(t *testing.T) {
	s := newTestMemStore()
	seedExpiredUser(t, s, "due1", 10)
	seedExpiredUser(t, s, "due2", 20)
	if _, err := s.Increment(context.Background(), "live", types.ServiceTranscription, 5); err != nil {
		t.Fatal(err)
	}

	c := NewCoordinator(s,
		WithResetClock(fixedClock(testNow)),
		WithResetMetrics(testMetrics(t)),
		WithResetParallelism(2),
	)
	report, err := c.ResetAll(context.Background(), false)
	if err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	if report.UsersProcessed != 2 || report.UsersSkipped != 1 || report.Errors != 0 {
		t.Errorf("report = %+v, want 2 processed, 1 skipped", report)
	}
	if report.ArchivedTotal != 30 {
		t.Errorf("ArchivedTotal = %f, want 30", report.ArchivedTotal)
	}
}
