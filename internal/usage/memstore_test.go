package usage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/radubobirnac/vocallocal/pkg/types"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var testNow = time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)

func newTestMemStore() *MemStore {
	s := NewMemStore()
	s.now = fixedClock(testNow)
	return s
}

func TestMemStore_FirstSightSeedsResetDate(t *testing.T) {
	s := newTestMemStore()
	p, err := s.CurrentPeriod(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	if !p.ResetDate.Equal(want) {
		t.Errorf("ResetDate = %v, want %v", p.ResetDate, want)
	}
	if !p.IsZero() {
		t.Errorf("new period not zero: %+v", p)
	}
}

func TestMemStore_Increment(t *testing.T) {
	s := newTestMemStore()
	ctx := context.Background()

	if _, err := s.Increment(ctx, "u1", types.ServiceTranscription, 1.5); err != nil {
		t.Fatal(err)
	}
	p, err := s.Increment(ctx, "u1", types.ServiceTranscription, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if p.TranscriptionMinutes != 2 {
		t.Errorf("TranscriptionMinutes = %f, want 2", p.TranscriptionMinutes)
	}

	if _, err := s.Increment(ctx, "u1", types.Service("bogus"), 1); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestMemStore_ResetAndArchive(t *testing.T) {
	s := newTestMemStore()
	ctx := context.Background()

	if _, err := s.Increment(ctx, "u1", types.ServiceTranscription, 42); err != nil {
		t.Fatal(err)
	}
	p, _ := s.CurrentPeriod(ctx, "u1")

	rec := types.UsageArchiveRecord{Period: "2026-08", UserID: "u1", Usage: p, ArchivedAt: testNow}
	next := time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)
	if err := s.ResetAndArchive(ctx, "u1", p.ResetDate, rec, next); err != nil {
		t.Fatalf("ResetAndArchive: %v", err)
	}

	fresh, _ := s.CurrentPeriod(ctx, "u1")
	if !fresh.IsZero() {
		t.Errorf("period not zeroed: %+v", fresh)
	}
	if !fresh.ResetDate.Equal(next) {
		t.Errorf("ResetDate = %v, want %v", fresh.ResetDate, next)
	}

	archives, _ := s.Archives(ctx, "u1")
	if len(archives) != 1 || !reflect.DeepEqual(archives[0], rec) {
		t.Errorf("archives = %+v, want the snapshot", archives)
	}
}

func TestMemStore_ResetConflictOnStaleDate(t *testing.T) {
	s := newTestMemStore()
	ctx := context.Background()

	p, _ := s.CurrentPeriod(ctx, "u1")
	next := types.NextMonthStart(p.ResetDate)

	if err := s.ResetAndArchive(ctx, "u1", p.ResetDate, types.UsageArchiveRecord{Period: "2026-08", UserID: "u1"}, next); err != nil {
		t.Fatal(err)
	}
	// Replay with the now stale observed date.
	err := s.ResetAndArchive(ctx, "u1", p.ResetDate, types.UsageArchiveRecord{Period: "2026-08", UserID: "u1"}, next)
	if !errors.Is(err, ErrResetConflict) {
		t.Fatalf("err = %v, want ErrResetConflict", err)
	}
	archives, _ := s.Archives(ctx, "u1")
	if len(archives) != 1 {
		t.Errorf("archives = %d, want no double archive", len(archives))
	}
}

func TestMemStore_SamePeriodArchivedOnce(t *testing.T) {
	s := newTestMemStore()
	ctx := context.Background()

	if _, err := s.Increment(ctx, "u1", types.ServiceTranscription, 42); err != nil {
		t.Fatal(err)
	}
	p, _ := s.CurrentPeriod(ctx, "u1")

	first := types.UsageArchiveRecord{Period: "2026-08", UserID: "u1", Usage: p, ArchivedAt: testNow}
	sept := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	if err := s.ResetAndArchive(ctx, "u1", p.ResetDate, first, sept); err != nil {
		t.Fatal(err)
	}

	// A second forced reset inside the same month targets the same period
	// key. The counters still reset, but the first snapshot stays, matching
	// the history table's (period, user) primary key.
	if _, err := s.Increment(ctx, "u1", types.ServiceTranscription, 7); err != nil {
		t.Fatal(err)
	}
	p2, _ := s.CurrentPeriod(ctx, "u1")
	second := types.UsageArchiveRecord{Period: "2026-08", UserID: "u1", Usage: p2, ArchivedAt: testNow}
	oct := time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)
	if err := s.ResetAndArchive(ctx, "u1", p2.ResetDate, second, oct); err != nil {
		t.Fatalf("second reset: %v", err)
	}

	archives, _ := s.Archives(ctx, "u1")
	if len(archives) != 1 {
		t.Fatalf("archives = %d, want 1 per period", len(archives))
	}
	if archives[0].Usage.TranscriptionMinutes != 42 {
		t.Errorf("archived snapshot = %+v, want the first reset's counters", archives[0].Usage)
	}
	fresh, _ := s.CurrentPeriod(ctx, "u1")
	if !fresh.IsZero() || !fresh.ResetDate.Equal(oct) {
		t.Errorf("period after second reset = %+v", fresh)
	}
}

func TestMemStore_ListUserIDs(t *testing.T) {
	s := newTestMemStore()
	ctx := context.Background()
	for _, id := range []string{"zoe", "amy", "bob"} {
		if _, err := s.CurrentPeriod(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.ListUserIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"amy", "bob", "zoe"}) {
		t.Errorf("ids = %v, want sorted", ids)
	}
}
