package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/radubobirnac/vocallocal/pkg/types"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// periodRow returns a scan function populating the five usage period columns.
func periodRow(p types.UsagePeriod) func(dest ...any) error {
	return func(dest ...any) error {
		if len(dest) != 5 {
			return fmt.Errorf("scan: expected 5 destinations, got %d", len(dest))
		}
		*dest[0].(*float64) = p.TranscriptionMinutes
		*dest[1].(*float64) = p.TranslationWords
		*dest[2].(*float64) = p.TTSMinutes
		*dest[3].(*float64) = p.AICredits
		*dest[4].(*time.Time) = p.ResetDate
		return nil
	}
}

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data [][]any
	idx  int
	err  error
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *float64:
			*d = v.(float64)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockTx implements pgx.Tx for testing; only Exec, Commit, and Rollback carry
// behaviour.
type mockTx struct {
	execFunc   func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	committed  bool
	rolledBack bool
}

func (t *mockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFunc != nil {
		return t.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (t *mockTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *mockTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *mockTx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("not implemented") }
func (t *mockTx) Conn() *pgx.Conn                       { return nil }
func (t *mockTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *mockTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }
func (t *mockTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *mockTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *mockTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}
func (t *mockTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	beginFunc    func(ctx context.Context) (pgx.Tx, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if m.beginFunc != nil {
		return m.beginFunc(ctx)
	}
	return &mockTx{}, nil
}

// ---------------------------------------------------------------------------
// PostgresStore tests
// ---------------------------------------------------------------------------

func TestPostgresStore_CurrentPeriod(t *testing.T) {
	reset := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	db := &mockDB{
		queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
			if !strings.Contains(sql, "ON CONFLICT (user_id)") {
				t.Errorf("query does not upsert: %s", sql)
			}
			if args[0] != "u1" {
				t.Errorf("args[0] = %v, want user id", args[0])
			}
			return &mockRow{scanFunc: periodRow(types.UsagePeriod{
				TranscriptionMinutes: 12.5,
				ResetDate:            reset,
			})}
		},
	}

	p, err := NewPostgresStore(db).CurrentPeriod(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CurrentPeriod: %v", err)
	}
	if p.TranscriptionMinutes != 12.5 || !p.ResetDate.Equal(reset) {
		t.Errorf("period = %+v", p)
	}
}

func TestPostgresStore_Increment_ColumnMapping(t *testing.T) {
	var updateSQL string
	db := &mockDB{
		queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
			if strings.Contains(sql, "UPDATE") {
				updateSQL = sql
			}
			return &mockRow{scanFunc: periodRow(types.UsagePeriod{TranslationWords: 500})}
		},
	}

	if _, err := NewPostgresStore(db).Increment(context.Background(), "u1", types.ServiceTranslation, 500); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if !strings.Contains(updateSQL, "translation_words = translation_words + $2") {
		t.Errorf("update targets wrong column: %s", updateSQL)
	}
}

func TestPostgresStore_Increment_UnknownService(t *testing.T) {
	s := NewPostgresStore(&mockDB{})
	if _, err := s.Increment(context.Background(), "u1", types.Service("bogus"), 1); err == nil {
		t.Fatal("expected error for unknown service")
	}
}

func TestPostgresStore_ResetAndArchive_Commits(t *testing.T) {
	var execs []string
	tx := &mockTx{
		execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			execs = append(execs, sql)
			if strings.Contains(sql, "UPDATE user_usage") {
				return pgconn.NewCommandTag("UPDATE 1"), nil
			}
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	db := &mockDB{beginFunc: func(context.Context) (pgx.Tx, error) { return tx, nil }}

	observed := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	next := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	rec := types.UsageArchiveRecord{Period: "2026-07", UserID: "u1", ArchivedAt: testNow}

	if err := NewPostgresStore(db).ResetAndArchive(context.Background(), "u1", observed, rec, next); err != nil {
		t.Fatalf("ResetAndArchive: %v", err)
	}
	if !tx.committed {
		t.Error("transaction not committed")
	}
	if len(execs) != 2 {
		t.Fatalf("execs = %d, want zeroing update plus archive insert", len(execs))
	}
	if !strings.Contains(execs[0], "reset_date = $2") {
		t.Errorf("update lacks the reset date guard: %s", execs[0])
	}
	if !strings.Contains(execs[1], "ON CONFLICT (period, user_id) DO NOTHING") {
		t.Errorf("archive insert not conflict-safe: %s", execs[1])
	}
}

func TestPostgresStore_ResetAndArchive_StaleDateConflicts(t *testing.T) {
	tx := &mockTx{
		execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	db := &mockDB{beginFunc: func(context.Context) (pgx.Tx, error) { return tx, nil }}

	err := NewPostgresStore(db).ResetAndArchive(context.Background(), "u1",
		time.Now(), types.UsageArchiveRecord{}, time.Now())
	if !errors.Is(err, ErrResetConflict) {
		t.Fatalf("err = %v, want ErrResetConflict", err)
	}
	if tx.committed || !tx.rolledBack {
		t.Error("losing reset must roll back")
	}
}

func TestPostgresStore_ListUserIDs(t *testing.T) {
	db := &mockDB{
		queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
			return &mockRows{data: [][]any{{"amy"}, {"bob"}}}, nil
		},
	}
	ids, err := NewPostgresStore(db).ListUserIDs(context.Background())
	if err != nil {
		t.Fatalf("ListUserIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "amy" || ids[1] != "bob" {
		t.Errorf("ids = %v", ids)
	}
}

func TestPostgresStore_Archives(t *testing.T) {
	archivedAt := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	db := &mockDB{
		queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
			return &mockRows{data: [][]any{
				{"2026-07", "u1", 42.0, 100.0, 3.5, 0.0, archivedAt},
			}}, nil
		},
	}
	recs, err := NewPostgresStore(db).Archives(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Archives: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("recs = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Period != "2026-07" || rec.Usage.TranscriptionMinutes != 42 || !rec.ArchivedAt.Equal(archivedAt) {
		t.Errorf("rec = %+v", rec)
	}
}
