// Package usage tracks per-user service consumption: a write-behind ledger
// for increments, durable per-month counters, and the monthly reset that
// archives a closed period and zeroes the live one.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/radubobirnac/vocallocal/pkg/types"
)

// ErrResetConflict is returned by [Store.ResetAndArchive] when the stored
// reset date no longer matches the observed one, meaning another resetter got
// there first. Callers treat it as an idempotent success.
var ErrResetConflict = errors.New("usage: reset already applied by a concurrent caller")

// Store is the durable usage backend. Implementations must make
// ResetAndArchive atomic: the archive row and the zeroed counters appear
// together or not at all.
type Store interface {
	// CurrentPeriod returns the live counters for userID, creating a zeroed
	// period with the next month boundary as reset date on first sight.
	CurrentPeriod(ctx context.Context, userID string) (types.UsagePeriod, error)

	// Increment adds amount to the service counter and returns the updated
	// period.
	Increment(ctx context.Context, userID string, service types.Service, amount float64) (types.UsagePeriod, error)

	// ResetAndArchive atomically writes the archive record, zeroes the
	// counters, and advances the reset date to next. The update is
	// conditional on the stored reset date still equalling observed;
	// otherwise [ErrResetConflict] is returned and nothing changes.
	ResetAndArchive(ctx context.Context, userID string, observed time.Time, rec types.UsageArchiveRecord, next time.Time) error

	// ListUserIDs returns every user with a live usage row.
	ListUserIDs(ctx context.Context) ([]string, error)

	// Archives returns userID's closed periods, oldest first.
	Archives(ctx context.Context, userID string) ([]types.UsageArchiveRecord, error)
}
