// Package repository defines the narrow persistence interface the
// worker core depends on. The interface is deliberately small: the
// actual storage engine lives outside the trust boundary and is treated
// as an external collaborator, so this package ships only the contract
// plus, in internal/repository/memory, an in-memory implementation used
// by tests. No SQL driver is wired here.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sev-custody/enclaveworker/internal/domain"
)

// Repository is the full persistence surface the worker core needs.
// ratelimiter.Store and aggregator.Store are narrower views other
// packages depend on instead of this interface directly, so tests can
// supply minimal fakes; a concrete Repository satisfies both.
type Repository interface {
	// GetUser returns nil, nil when id is unknown.
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	// UpsertUser creates id if absent, otherwise updates UpdatedAt and
	// SyncIntervalMins; CreatedAt is never modified after first insert.
	UpsertUser(ctx context.Context, user domain.User) error
	ListUsers(ctx context.Context) ([]domain.User, error)

	// GetConnection returns nil, nil when no active connection matches.
	GetConnection(ctx context.Context, userID uuid.UUID, venueID, label string) (*domain.Connection, error)
	// GetConnectionByFingerprint supports the vault's duplicate-credential
	// check independent of label.
	GetConnectionByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (*domain.Connection, error)
	CreateConnection(ctx context.Context, conn domain.Connection) error
	ListConnectionsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Connection, error)
	ListActiveConnections(ctx context.Context) ([]domain.Connection, error)

	PutSnapshot(ctx context.Context, snap domain.Snapshot) error
	// GetSnapshots returns snapshots for (userID, venueID) with Timestamp
	// in [since, until], ordered by Timestamp descending.
	GetSnapshots(ctx context.Context, userID uuid.UUID, venueID string, since, until time.Time) ([]domain.Snapshot, error)
	GetLatestSnapshot(ctx context.Context, userID uuid.UUID, venueID string) (*domain.Snapshot, error)
	HasAnySnapshot(ctx context.Context, userID uuid.UUID, venueID string) (bool, error)

	PutSyncStatus(ctx context.Context, status domain.SyncStatus) error
	GetSyncStatus(ctx context.Context, userID uuid.UUID, venueID string) (*domain.SyncStatus, error)

	GetRateLimitLog(ctx context.Context, userID uuid.UUID, venueID string) (*domain.RateLimitLog, error)
	UpsertRateLimitLog(ctx context.Context, log domain.RateLimitLog) error
	DeleteRateLimitLogsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
