package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sev-custody/enclaveworker/internal/domain"
)

func TestUpsertUserPreservesCreatedAt(t *testing.T) {
	r := New()
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, r.UpsertUser(ctx, domain.User{ID: userID, SyncIntervalMins: 60}))
	first, err := r.GetUser(ctx, userID)
	require.NoError(t, err)

	require.NoError(t, r.UpsertUser(ctx, domain.User{ID: userID, SyncIntervalMins: 120}))
	second, err := r.GetUser(ctx, userID)
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, 120, second.SyncIntervalMins)
}

func TestGetUserReturnsNilForUnknown(t *testing.T) {
	r := New()
	u, err := r.GetUser(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestCreateConnectionThenGetByLabel(t *testing.T) {
	r := New()
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, r.CreateConnection(ctx, domain.Connection{
		UserID: userID, VenueID: "binance", Label: "main", CredentialFingerprint: "fp1",
	}))

	c, err := r.GetConnection(ctx, userID, "binance", "main")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "fp1", c.CredentialFingerprint)

	byFp, err := r.GetConnectionByFingerprint(ctx, userID, "fp1")
	require.NoError(t, err)
	require.NotNil(t, byFp)
	assert.Equal(t, "main", byFp.Label)
}

func TestPutSnapshotUpsertsOnSameTimestamp(t *testing.T) {
	r := New()
	ctx := context.Background()
	userID := uuid.New()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.PutSnapshot(ctx, domain.Snapshot{UserID: userID, VenueID: "binance", Timestamp: ts, TotalEquity: 100}))
	require.NoError(t, r.PutSnapshot(ctx, domain.Snapshot{UserID: userID, VenueID: "binance", Timestamp: ts, TotalEquity: 200}))

	snaps, err := r.GetSnapshots(ctx, userID, "binance", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 200.0, snaps[0].TotalEquity)
}

func TestGetSnapshotsOrderedDescending(t *testing.T) {
	r := New()
	ctx := context.Background()
	userID := uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.PutSnapshot(ctx, domain.Snapshot{
			UserID: userID, VenueID: "binance",
			Timestamp: base.AddDate(0, 0, i), TotalEquity: float64(i),
		}))
	}

	snaps, err := r.GetSnapshots(ctx, userID, "binance", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 5)
	for i := 0; i < 4; i++ {
		assert.True(t, snaps[i].Timestamp.After(snaps[i+1].Timestamp))
	}
}

func TestHasAnySnapshotFalseUntilOneWritten(t *testing.T) {
	r := New()
	ctx := context.Background()
	userID := uuid.New()

	has, err := r.HasAnySnapshot(ctx, userID, "binance")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, r.PutSnapshot(ctx, domain.Snapshot{UserID: userID, VenueID: "binance", Timestamp: time.Now()}))

	has, err = r.HasAnySnapshot(ctx, userID, "binance")
	require.NoError(t, err)
	assert.True(t, has)
}
