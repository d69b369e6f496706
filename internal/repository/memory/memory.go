// Package memory is an in-memory Repository used by tests and by
// local/dev bootstrapping. It is never wired into a production
// deployment: the real storage engine lives outside the trust boundary
// and is treated as an external collaborator the worker core does not
// own.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sev-custody/enclaveworker/internal/domain"
)

type connKey struct {
	userID  uuid.UUID
	venueID string
	label   string
}

type snapshotKey struct {
	userID  uuid.UUID
	venueID string
}

// Repository is a mutex-guarded in-memory implementation of
// repository.Repository.
type Repository struct {
	mu sync.RWMutex

	users       map[uuid.UUID]domain.User
	connections map[connKey]domain.Connection
	snapshots   map[snapshotKey][]domain.Snapshot
	syncStatus  map[snapshotKey]domain.SyncStatus
	rateLimits  map[snapshotKey]domain.RateLimitLog
}

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		users:       make(map[uuid.UUID]domain.User),
		connections: make(map[connKey]domain.Connection),
		snapshots:   make(map[snapshotKey][]domain.Snapshot),
		syncStatus:  make(map[snapshotKey]domain.SyncStatus),
		rateLimits:  make(map[snapshotKey]domain.RateLimitLog),
	}
}

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *Repository) UpsertUser(ctx context.Context, user domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
	} else {
		user.CreatedAt = time.Now()
	}
	user.UpdatedAt = time.Now()
	r.users[user.ID] = user
	return nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) GetConnection(ctx context.Context, userID uuid.UUID, venueID, label string) (*domain.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[connKey{userID, venueID, label}]
	if !ok || !c.Active {
		return nil, nil
	}
	return &c, nil
}

func (r *Repository) GetConnectionByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (*domain.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.connections {
		if c.UserID == userID && c.CredentialFingerprint == fingerprint && c.Active {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

func (r *Repository) CreateConnection(ctx context.Context, conn domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.CreatedAt = time.Now()
	conn.Active = true
	r.connections[connKey{conn.UserID, conn.VenueID, conn.Label}] = conn
	return nil
}

func (r *Repository) ListConnectionsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Connection
	for _, c := range r.connections {
		if c.UserID == userID && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *Repository) ListActiveConnections(ctx context.Context) ([]domain.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Connection
	for _, c := range r.connections {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *Repository) PutSnapshot(ctx context.Context, snap domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := snapshotKey{snap.UserID, snap.VenueID}
	existing := r.snapshots[key]
	for i, s := range existing {
		if s.Timestamp.Equal(snap.Timestamp) {
			existing[i] = snap
			return nil
		}
	}
	r.snapshots[key] = append(existing, snap)
	return nil
}

func (r *Repository) GetSnapshots(ctx context.Context, userID uuid.UUID, venueID string, since, until time.Time) ([]domain.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Snapshot
	for _, s := range r.snapshots[snapshotKey{userID, venueID}] {
		if (since.IsZero() || !s.Timestamp.Before(since)) && (until.IsZero() || !s.Timestamp.After(until)) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (r *Repository) GetLatestSnapshot(ctx context.Context, userID uuid.UUID, venueID string) (*domain.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snaps := r.snapshots[snapshotKey{userID, venueID}]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[0]
	for _, s := range snaps[1:] {
		if s.Timestamp.After(latest.Timestamp) {
			latest = s
		}
	}
	return &latest, nil
}

func (r *Repository) HasAnySnapshot(ctx context.Context, userID uuid.UUID, venueID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.snapshots[snapshotKey{userID, venueID}]) > 0, nil
}

func (r *Repository) PutSyncStatus(ctx context.Context, status domain.SyncStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncStatus[snapshotKey{status.UserID, status.VenueID}] = status
	return nil
}

func (r *Repository) GetSyncStatus(ctx context.Context, userID uuid.UUID, venueID string) (*domain.SyncStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.syncStatus[snapshotKey{userID, venueID}]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *Repository) GetRateLimitLog(ctx context.Context, userID uuid.UUID, venueID string) (*domain.RateLimitLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.rateLimits[snapshotKey{userID, venueID}]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (r *Repository) UpsertRateLimitLog(ctx context.Context, log domain.RateLimitLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimits[snapshotKey{log.UserID, log.VenueID}] = log
	return nil
}

func (r *Repository) DeleteRateLimitLogsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, l := range r.rateLimits {
		if l.LastSyncTime.Before(cutoff) {
			delete(r.rateLimits, k)
			n++
		}
	}
	return n, nil
}
