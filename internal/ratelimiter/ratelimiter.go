// Package ratelimiter enforces the per-(user, venue) sync cooldown: an
// automatic sync is refused if the last recorded sync attempt for that
// pair falls within the cooldown window, and a manual sync is refused
// outright once any snapshot already exists for that pair.
//
// This is distinct from infrastructure/ratelimit, which throttles the
// RPC transport surface itself against burst abuse; this package
// enforces a domain rule about how often a venue may legitimately be
// polled, backed by a persistent log the repository owns.
package ratelimiter

import (
	"context"
	"time"

	"github.com/google/uuid"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
	"github.com/sev-custody/enclaveworker/internal/domain"
)

const (
	// cooldown is the minimum spacing between two automatic syncs of the
	// same (user, venue) pair. Kept just under 24h so a fixed daily
	// scheduler tick is never skipped by clock drift landing it a few
	// minutes early.
	cooldown = 23 * time.Hour
	// retention is how long a log row survives before Cleanup purges it.
	retention = 7 * 24 * time.Hour
)

// Store is the persistence surface the limiter needs; the repository
// interface implements it directly.
type Store interface {
	GetRateLimitLog(ctx context.Context, userID uuid.UUID, venueID string) (*domain.RateLimitLog, error)
	UpsertRateLimitLog(ctx context.Context, log domain.RateLimitLog) error
	DeleteRateLimitLogsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	HasAnySnapshot(ctx context.Context, userID uuid.UUID, venueID string) (bool, error)
}

// Limiter enforces the cooldown and the manual-sync admission rule.
type Limiter struct {
	store Store
}

// New builds a Limiter over store.
func New(store Store) *Limiter {
	return &Limiter{store: store}
}

// CheckAutomatic returns nil if an automatic sync of (userID, venueID)
// may proceed now, or a RATE_LIMITED error naming the remaining
// cooldown if not.
func (l *Limiter) CheckAutomatic(ctx context.Context, userID uuid.UUID, venueID string) error {
	log, err := l.store.GetRateLimitLog(ctx, userID, venueID)
	if err != nil {
		return err
	}
	if log == nil {
		return nil
	}
	elapsed := time.Since(log.LastSyncTime)
	if elapsed < cooldown {
		return workerErrors.RateLimited("sync cooldown active").
			WithDetail("venue", venueID).
			WithDetail("retry_after_seconds", int64((cooldown - elapsed).Seconds()))
	}
	return nil
}

// CheckManual returns nil if a manually triggered sync of (userID,
// venueID) may proceed, or a CONFLICT error if any snapshot for that pair
// already exists. The store does not record whether a snapshot came from
// the scheduler or from a manual sync, so the snapshot a manual sync
// writes also refuses later manual syncs. Manual syncs exist only to bootstrap a
// connection's first reading; once the scheduler has produced one on
// its own, manual triggering is refused rather than allowed to bypass
// the cooldown indefinitely.
func (l *Limiter) CheckManual(ctx context.Context, userID uuid.UUID, venueID string) error {
	has, err := l.store.HasAnySnapshot(ctx, userID, venueID)
	if err != nil {
		return err
	}
	if has {
		return workerErrors.Conflict("manual sync refused: an automatic snapshot already exists for this connection")
	}
	return nil
}

// Record updates the cooldown log after a sync attempt, successful or
// not: the scheduler calls this once per (user, venue) pair per
// attempt, not once per Snapshot written.
func (l *Limiter) Record(ctx context.Context, userID uuid.UUID, venueID string) error {
	log, err := l.store.GetRateLimitLog(ctx, userID, venueID)
	if err != nil {
		return err
	}
	next := domain.RateLimitLog{
		UserID:       userID,
		VenueID:      venueID,
		LastSyncTime: time.Now(),
		Count:        1,
	}
	if log != nil {
		next.Count = log.Count + 1
	}
	return l.store.UpsertRateLimitLog(ctx, next)
}

// Cleanup purges log rows older than the retention window, returning
// the number removed. The scheduler calls this once per daily tick,
// after the sync pass completes.
func (l *Limiter) Cleanup(ctx context.Context) (int, error) {
	return l.store.DeleteRateLimitLogsOlderThan(ctx, time.Now().Add(-retention))
}
