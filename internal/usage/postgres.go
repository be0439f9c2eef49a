package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/radubobirnac/vocallocal/pkg/types"
)

// Schema is the SQL DDL for the usage tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
//
// usage_history's composite primary key is what makes archiving exactly-once:
// a second archive attempt for the same (period, user) is a conflict and is
// silently skipped.
const Schema = `
CREATE TABLE IF NOT EXISTS user_usage (
    user_id               TEXT PRIMARY KEY,
    transcription_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
    translation_words     DOUBLE PRECISION NOT NULL DEFAULT 0,
    tts_minutes           DOUBLE PRECISION NOT NULL DEFAULT 0,
    ai_credits            DOUBLE PRECISION NOT NULL DEFAULT 0,
    reset_date            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS usage_history (
    period                TEXT NOT NULL,
    user_id               TEXT NOT NULL,
    transcription_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
    translation_words     DOUBLE PRECISION NOT NULL DEFAULT 0,
    tts_minutes           DOUBLE PRECISION NOT NULL DEFAULT 0,
    ai_credits            DOUBLE PRECISION NOT NULL DEFAULT 0,
    archived_at           TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (period, user_id)
);
CREATE INDEX IF NOT EXISTS idx_usage_history_user ON usage_history(user_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB

	now func() time.Time
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("usage: migrate: %w", err)
	}
	return nil
}

// CurrentPeriod implements [Store]. The no-op upsert creates the row for a
// first-seen user and returns it in the same round trip.
func (s *PostgresStore) CurrentPeriod(ctx context.Context, userID string) (types.UsagePeriod, error) {
	const query = `
		INSERT INTO user_usage (user_id, reset_date) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING transcription_minutes, translation_words, tts_minutes, ai_credits, reset_date`

	var p types.UsagePeriod
	err := s.db.QueryRow(ctx, query, userID, types.NextMonthStart(s.now())).Scan(
		&p.TranscriptionMinutes, &p.TranslationWords, &p.TTSMinutes, &p.AICredits, &p.ResetDate,
	)
	if err != nil {
		return types.UsagePeriod{}, fmt.Errorf("usage: current period for %q: %w", userID, err)
	}
	return p, nil
}

// Increment implements [Store].
func (s *PostgresStore) Increment(ctx context.Context, userID string, service types.Service, amount float64) (types.UsagePeriod, error) {
	column, err := serviceColumn(service)
	if err != nil {
		return types.UsagePeriod{}, err
	}

	// Ensure the row exists so the UPDATE below always hits.
	if _, err := s.CurrentPeriod(ctx, userID); err != nil {
		return types.UsagePeriod{}, err
	}

	query := fmt.Sprintf(`
		UPDATE user_usage
		SET %s = %s + $2, updated_at = now()
		WHERE user_id = $1
		RETURNING transcription_minutes, translation_words, tts_minutes, ai_credits, reset_date`,
		column, column)

	var p types.UsagePeriod
	err = s.db.QueryRow(ctx, query, userID, amount).Scan(
		&p.TranscriptionMinutes, &p.TranslationWords, &p.TTSMinutes, &p.AICredits, &p.ResetDate,
	)
	if err != nil {
		return types.UsagePeriod{}, fmt.Errorf("usage: increment %s for %q: %w", service, userID, err)
	}
	return p, nil
}

// ResetAndArchive implements [Store]. The counter zeroing and the archive
// insert run in one transaction; the WHERE clause on reset_date is the
// compare-and-set that serialises concurrent resetters.
func (s *PostgresStore) ResetAndArchive(ctx context.Context, userID string, observed time.Time, rec types.UsageArchiveRecord, next time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("usage: reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const resetQuery = `
		UPDATE user_usage
		SET transcription_minutes = 0, translation_words = 0, tts_minutes = 0,
		    ai_credits = 0, reset_date = $3, updated_at = now()
		WHERE user_id = $1 AND reset_date = $2`

	tag, err := tx.Exec(ctx, resetQuery, userID, observed, next)
	if err != nil {
		return fmt.Errorf("usage: reset %q: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrResetConflict
	}

	const archiveQuery = `
		INSERT INTO usage_history (
			period, user_id, transcription_minutes, translation_words,
			tts_minutes, ai_credits, archived_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (period, user_id) DO NOTHING`

	_, err = tx.Exec(ctx, archiveQuery,
		rec.Period, rec.UserID,
		rec.Usage.TranscriptionMinutes, rec.Usage.TranslationWords,
		rec.Usage.TTSMinutes, rec.Usage.AICredits,
		rec.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("usage: archive %q period %s: %w", userID, rec.Period, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("usage: reset commit: %w", err)
	}
	return nil
}

// ListUserIDs implements [Store].
func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	const query = `SELECT user_id FROM user_usage ORDER BY user_id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("usage: list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("usage: list users scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage: list users: %w", err)
	}
	return ids, nil
}

// Archives implements [Store].
func (s *PostgresStore) Archives(ctx context.Context, userID string) ([]types.UsageArchiveRecord, error) {
	const query = `
		SELECT period, user_id, transcription_minutes, translation_words,
		       tts_minutes, ai_credits, archived_at
		FROM usage_history
		WHERE user_id = $1
		ORDER BY period`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("usage: archives for %q: %w", userID, err)
	}
	defer rows.Close()

	var recs []types.UsageArchiveRecord
	for rows.Next() {
		var rec types.UsageArchiveRecord
		if err := rows.Scan(
			&rec.Period, &rec.UserID,
			&rec.Usage.TranscriptionMinutes, &rec.Usage.TranslationWords,
			&rec.Usage.TTSMinutes, &rec.Usage.AICredits,
			&rec.ArchivedAt,
		); err != nil {
			return nil, fmt.Errorf("usage: archives scan: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage: archives for %q: %w", userID, err)
	}
	return recs, nil
}

// serviceColumn maps a service to its user_usage column. Column names come
// from this fixed table, never from caller input.
func serviceColumn(service types.Service) (string, error) {
	switch service {
	case types.ServiceTranscription:
		return "transcription_minutes", nil
	case types.ServiceTranslation:
		return "translation_words", nil
	case types.ServiceTTS:
		return "tts_minutes", nil
	case types.ServiceAICredits:
		return "ai_credits", nil
	}
	return "", fmt.Errorf("usage: unknown service %q", service)
}
