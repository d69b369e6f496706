// Package scheduler drives the daily sync pass: one robfig/cron/v3 entry
// firing at 00:00 UTC, enumerating every user's active connections and
// calling the aggregator for each.
//
// The Start/Stop shape (a background goroutine gated by a stop channel,
// cancelled by context) follows the teacher's scheduler services; the
// cron scheduling itself is new use of a dependency the teacher's go.mod
// already declared but never imported in this retrieval slice.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sev-custody/enclaveworker/infrastructure/logging"
	"github.com/sev-custody/enclaveworker/internal/domain"
)

// dailyTickSpec is the fixed cron expression for the once-daily pass.
const dailyTickSpec = "0 0 * * *"

// connectionDelay is the pause between connections within the same
// user's sync pass, smoothing outbound request bursts against venues.
const connectionDelay = 250 * time.Millisecond

// Store lists the users and connections the scheduler walks each tick.
type Store interface {
	ListUsers(ctx context.Context) ([]domain.User, error)
	ListConnectionsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Connection, error)
}

// Syncer runs one connection's update; the aggregator satisfies this.
type Syncer interface {
	UpdateCurrent(ctx context.Context, userID uuid.UUID, venueID, label string) (*domain.Snapshot, error)
}

// RateChecker gates and records automatic syncs.
type RateChecker interface {
	CheckAutomatic(ctx context.Context, userID uuid.UUID, venueID string) error
	Record(ctx context.Context, userID uuid.UUID, venueID string) error
	Cleanup(ctx context.Context) (int, error)
}

// Scheduler owns the cron entry and the "sync in progress" guard.
type Scheduler struct {
	store   Store
	syncer  Syncer
	limiter RateChecker
	logger  *logging.Logger

	cron *cron.Cron

	running sync.Mutex
}

// New constructs a Scheduler. Call Start to register and run the daily
// entry; the cron job does not fire until Start is called.
func New(store Store, syncer Syncer, limiter RateChecker, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		syncer:  syncer,
		limiter: limiter,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers the daily entry and starts the cron clock.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(dailyTickSpec, func() { s.runPass(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron clock and waits for any in-flight pass to
// observe ctx cancellation naturally; it does not forcibly abort a pass
// already running.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// NextTick returns the next scheduled firing time, tomorrow at 00:00
// UTC, computed deterministically rather than read off the cron
// library's internal state.
func NextTick(now time.Time) time.Time {
	now = now.UTC()
	tomorrow := now.AddDate(0, 0, 1)
	return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 0, 0, 0, 0, time.UTC)
}

// RunNow executes one sync pass immediately, outside the cron schedule.
// Exposed for manual operator triggering and for tests.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.runPass(ctx)
}

func (s *Scheduler) runPass(ctx context.Context) {
	if !s.running.TryLock() {
		s.logger.Warn(ctx, "sync pass already in progress, skipping tick", nil)
		return
	}
	defer s.running.Unlock()

	start := time.Now()
	created, failed := 0, 0

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.logger.Error(ctx, "failed to list users for sync pass", err, nil)
		return
	}

	for _, user := range users {
		connections, err := s.store.ListConnectionsByUser(ctx, user.ID)
		if err != nil {
			s.logger.Error(ctx, "failed to list connections for user", err, map[string]any{"user_id": user.ID.String()})
			continue
		}
		for i, conn := range connections {
			if err := s.syncConnection(ctx, user.ID, conn); err != nil {
				failed++
			} else {
				created++
			}
			if i < len(connections)-1 {
				time.Sleep(connectionDelay)
			}
		}
	}

	if n, err := s.limiter.Cleanup(ctx); err == nil && n > 0 {
		s.logger.Info(ctx, "purged stale rate-limit log rows", map[string]any{"purged": n})
	}

	s.logger.Info(ctx, "sync pass complete", map[string]any{
		"snapshots_created": created,
		"failed":            failed,
		"duration_sec":      time.Since(start).Seconds(),
	})
}

func (s *Scheduler) syncConnection(ctx context.Context, userID uuid.UUID, conn domain.Connection) error {
	if err := s.limiter.CheckAutomatic(ctx, userID, conn.VenueID); err != nil {
		return err
	}
	_, err := s.syncer.UpdateCurrent(ctx, userID, conn.VenueID, conn.Label)
	if recordErr := s.limiter.Record(ctx, userID, conn.VenueID); recordErr != nil {
		s.logger.Error(ctx, "failed to record rate-limit log", recordErr, nil)
	}
	if err != nil {
		s.logger.LogSyncAttempt(ctx, conn.VenueID, 0, err)
		return err
	}
	s.logger.LogSyncAttempt(ctx, conn.VenueID, 1, nil)
	return nil
}
