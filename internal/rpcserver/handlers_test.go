package rpcserver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
	"github.com/sev-custody/enclaveworker/internal/domain"
)

type fakeVault struct {
	encryptCalls int
}

func (f *fakeVault) Encrypt(plaintext []byte) (string, error) {
	f.encryptCalls++
	return "enc:" + string(plaintext), nil
}

func (f *fakeVault) Fingerprint(key, secret, passphrase string) string {
	return fmt.Sprintf("fp:%s:%s:%s", key, secret, passphrase)
}

type fakeRepo struct {
	users       map[uuid.UUID]domain.User
	connsByFP   map[string]domain.Connection
	connsByUser map[uuid.UUID][]domain.Connection
	snapshots   []domain.Snapshot
	// snapshotsByVenue, when set, overrides snapshots for per-venue
	// lookups so multi-venue aggregation can be exercised; the first
	// entry for a venue is treated as its latest.
	snapshotsByVenue map[string][]domain.Snapshot
	createCalls      int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:       map[uuid.UUID]domain.User{},
		connsByFP:   map[string]domain.Connection{},
		connsByUser: map[uuid.UUID][]domain.Connection{},
	}
}

func (r *fakeRepo) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *fakeRepo) UpsertUser(ctx context.Context, user domain.User) error {
	r.users[user.ID] = user
	return nil
}

func (r *fakeRepo) GetConnectionByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (*domain.Connection, error) {
	c, ok := r.connsByFP[fingerprint]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *fakeRepo) CreateConnection(ctx context.Context, conn domain.Connection) error {
	r.createCalls++
	r.connsByFP[conn.CredentialFingerprint] = conn
	return nil
}

func (r *fakeRepo) ListConnectionsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Connection, error) {
	return r.connsByUser[userID], nil
}

func (r *fakeRepo) GetSnapshots(ctx context.Context, userID uuid.UUID, venueID string, since, until time.Time) ([]domain.Snapshot, error) {
	if r.snapshotsByVenue != nil {
		return r.snapshotsByVenue[venueID], nil
	}
	return r.snapshots, nil
}

func (r *fakeRepo) GetLatestSnapshot(ctx context.Context, userID uuid.UUID, venueID string) (*domain.Snapshot, error) {
	if r.snapshotsByVenue != nil {
		list := r.snapshotsByVenue[venueID]
		if len(list) == 0 {
			return nil, nil
		}
		s := list[0]
		return &s, nil
	}
	if len(r.snapshots) == 0 {
		return nil, nil
	}
	s := r.snapshots[0]
	return &s, nil
}

type fakeSyncer struct {
	snap *domain.Snapshot
	err  error
}

func (f *fakeSyncer) UpdateCurrent(ctx context.Context, userID uuid.UUID, venueID, label string) (*domain.Snapshot, error) {
	return f.snap, f.err
}

type fakeManualLimiter struct {
	err error
}

func (f *fakeManualLimiter) CheckManual(ctx context.Context, userID uuid.UUID, venueID string) error {
	return f.err
}

func TestCreateUserConnectionDerivesStableUserIDAndStores(t *testing.T) {
	v := &fakeVault{}
	repo := newFakeRepo()
	h := NewHandlers(v, repo, &fakeSyncer{}, &fakeManualLimiter{})

	req := CreateUserConnectionRequest{VenueID: "binance", Label: "main", Key: "k", Secret: "s"}
	resp1, err := h.createUserConnection(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, resp1.UserID)
	require.Equal(t, 1, repo.createCalls)

	// The returned id parses as a UUID and names the stored user.
	id, err := uuid.Parse(resp1.UserID)
	require.NoError(t, err)
	_, ok := repo.users[id]
	require.True(t, ok)
}

func TestCreateUserConnectionRejectsDuplicateFingerprint(t *testing.T) {
	v := &fakeVault{}
	repo := newFakeRepo()
	h := NewHandlers(v, repo, &fakeSyncer{}, &fakeManualLimiter{})

	req := CreateUserConnectionRequest{VenueID: "binance", Label: "main", Key: "k", Secret: "s"}
	_, err := h.createUserConnection(context.Background(), req)
	require.NoError(t, err)

	_, err = h.createUserConnection(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, workerErrors.KindConflict, workerErrors.KindOf(err))
}

func TestCreateUserConnectionRejectsMissingSecret(t *testing.T) {
	h := NewHandlers(&fakeVault{}, newFakeRepo(), &fakeSyncer{}, &fakeManualLimiter{})
	_, err := h.createUserConnection(context.Background(), CreateUserConnectionRequest{VenueID: "binance", Key: "k"})
	require.Error(t, err)
}

func TestProcessSyncJobRejectsWhenRateLimited(t *testing.T) {
	h := NewHandlers(&fakeVault{}, newFakeRepo(), &fakeSyncer{}, &fakeManualLimiter{err: workerErrors.Conflict("already synced")})
	_, err := h.processSyncJob(context.Background(), ProcessSyncJobRequest{UserID: uuid.New().String(), VenueID: "binance"})
	require.Error(t, err)
	require.Equal(t, workerErrors.KindConflict, workerErrors.KindOf(err))
}

func TestProcessSyncJobRejectsMissingUserID(t *testing.T) {
	h := NewHandlers(&fakeVault{}, newFakeRepo(), &fakeSyncer{}, &fakeManualLimiter{})
	_, err := h.processSyncJob(context.Background(), ProcessSyncJobRequest{VenueID: "binance"})
	require.Error(t, err)
}

func TestProcessSyncJobReturnsSnapshotFields(t *testing.T) {
	now := time.Now().UTC()
	syncer := &fakeSyncer{snap: &domain.Snapshot{TotalEquity: 100, RealizedBalance: 90, UnrealizedPnL: 10, Timestamp: now}}
	h := NewHandlers(&fakeVault{}, newFakeRepo(), syncer, &fakeManualLimiter{})

	resp, err := h.processSyncJob(context.Background(), ProcessSyncJobRequest{UserID: uuid.New().String(), VenueID: "binance"})
	require.NoError(t, err)
	require.Equal(t, 100.0, resp.TotalEquity)
	require.Equal(t, now.Unix(), resp.Timestamp)
}

func TestGetAggregatedMetricsNotFoundWhenNoSnapshot(t *testing.T) {
	h := NewHandlers(&fakeVault{}, newFakeRepo(), &fakeSyncer{}, &fakeManualLimiter{})
	_, err := h.getAggregatedMetrics(context.Background(), GetAggregatedMetricsRequest{UserID: uuid.New().String(), VenueID: "binance"})
	require.Error(t, err)
	require.Equal(t, workerErrors.KindNotFound, workerErrors.KindOf(err))
}

func TestGetAggregatedMetricsReturnsBreakdown(t *testing.T) {
	repo := newFakeRepo()
	repo.snapshots = []domain.Snapshot{{
		TotalEquity: 500,
		Breakdown: map[domain.Market]domain.MarketMetrics{
			domain.MarketSpot: {Equity: 500, Trades: 3},
		},
	}}
	h := NewHandlers(&fakeVault{}, repo, &fakeSyncer{}, &fakeManualLimiter{})

	resp, err := h.getAggregatedMetrics(context.Background(), GetAggregatedMetricsRequest{UserID: uuid.New().String(), VenueID: "binance"})
	require.NoError(t, err)
	require.Equal(t, 500.0, resp.TotalEquity)
	require.Len(t, resp.Breakdown, 1)
	require.Equal(t, string(domain.MarketSpot), resp.Breakdown[0].Market)
}

func TestGetAggregatedMetricsAggregatesAllVenuesWhenOmitted(t *testing.T) {
	userID := uuid.New()
	repo := newFakeRepo()
	repo.connsByUser[userID] = []domain.Connection{
		{UserID: userID, VenueID: "binance", Label: "main"},
		{UserID: userID, VenueID: "okx", Label: "main"},
	}
	older := time.Now().Add(-time.Hour).UTC()
	newer := time.Now().UTC()
	repo.snapshotsByVenue = map[string][]domain.Snapshot{
		"binance": {{TotalEquity: 300, RealizedBalance: 280, UnrealizedPnL: 20, Timestamp: older, Breakdown: map[domain.Market]domain.MarketMetrics{
			domain.MarketSpot: {Equity: 300, Trades: 2},
		}}},
		"okx": {{TotalEquity: 200, RealizedBalance: 190, UnrealizedPnL: 10, Timestamp: newer, Breakdown: map[domain.Market]domain.MarketMetrics{
			domain.MarketSpot: {Equity: 200, Trades: 1},
		}}},
	}
	h := NewHandlers(&fakeVault{}, repo, &fakeSyncer{}, &fakeManualLimiter{})

	resp, err := h.getAggregatedMetrics(context.Background(), GetAggregatedMetricsRequest{UserID: userID.String()})
	require.NoError(t, err)
	require.Equal(t, 500.0, resp.TotalEquity)
	require.Equal(t, 470.0, resp.RealizedBalance)
	require.Equal(t, 30.0, resp.UnrealizedPnL)
	require.Equal(t, newer.Unix(), resp.Timestamp)
	require.Len(t, resp.Breakdown, 1)
	require.Equal(t, 3, int(resp.Breakdown[0].Trades))
	require.Equal(t, 500.0, resp.Breakdown[0].Equity)
}

func TestGetAggregatedMetricsNotFoundWhenNoVenuesHaveSnapshots(t *testing.T) {
	userID := uuid.New()
	repo := newFakeRepo()
	repo.connsByUser[userID] = []domain.Connection{{UserID: userID, VenueID: "binance", Label: "main"}}
	repo.snapshotsByVenue = map[string][]domain.Snapshot{}
	h := NewHandlers(&fakeVault{}, repo, &fakeSyncer{}, &fakeManualLimiter{})

	_, err := h.getAggregatedMetrics(context.Background(), GetAggregatedMetricsRequest{UserID: userID.String()})
	require.Error(t, err)
	require.Equal(t, workerErrors.KindNotFound, workerErrors.KindOf(err))
}

func TestGetSnapshotTimeSeriesReturnsAllVenuesOrderedDescendingWhenOmitted(t *testing.T) {
	userID := uuid.New()
	repo := newFakeRepo()
	repo.connsByUser[userID] = []domain.Connection{
		{UserID: userID, VenueID: "binance", Label: "main"},
		{UserID: userID, VenueID: "okx", Label: "main"},
	}
	t1 := time.Now().Add(-2 * time.Hour).UTC()
	t2 := time.Now().Add(-time.Hour).UTC()
	t3 := time.Now().UTC()
	repo.snapshotsByVenue = map[string][]domain.Snapshot{
		"binance": {{Timestamp: t1, TotalEquity: 100}},
		"okx":     {{Timestamp: t3, TotalEquity: 200}, {Timestamp: t2, TotalEquity: 150}},
	}
	h := NewHandlers(&fakeVault{}, repo, &fakeSyncer{}, &fakeManualLimiter{})

	resp, err := h.getSnapshotTimeSeries(context.Background(), GetSnapshotTimeSeriesRequest{UserID: userID.String()})
	require.NoError(t, err)
	require.Len(t, resp.Points, 3)
	require.Equal(t, t3.Unix(), resp.Points[0].Timestamp)
	require.Equal(t, t2.Unix(), resp.Points[1].Timestamp)
	require.Equal(t, t1.Unix(), resp.Points[2].Timestamp)
}

func TestGetSnapshotTimeSeriesRejectsInvertedRange(t *testing.T) {
	h := NewHandlers(&fakeVault{}, newFakeRepo(), &fakeSyncer{}, &fakeManualLimiter{})
	_, err := h.getSnapshotTimeSeries(context.Background(), GetSnapshotTimeSeriesRequest{
		UserID: uuid.New().String(), VenueID: "binance", Since: 200, Until: 100,
	})
	require.Error(t, err)
}

func TestHealthCheckAlwaysOK(t *testing.T) {
	h := NewHandlers(&fakeVault{}, newFakeRepo(), &fakeSyncer{}, &fakeManualLimiter{})
	resp, err := h.healthCheck(context.Background(), HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)
}
