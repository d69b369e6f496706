package rpcserver

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
	"github.com/sev-custody/enclaveworker/internal/domain"
	"github.com/sev-custody/enclaveworker/internal/vault"
)

// VaultService is the subset of *vault.Vault the RPC layer needs.
type VaultService interface {
	Encrypt(plaintext []byte) (string, error)
	Fingerprint(key, secret, passphrase string) string
}

// Repo is the subset of repository.Repository the RPC layer needs.
type Repo interface {
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	UpsertUser(ctx context.Context, user domain.User) error
	GetConnectionByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (*domain.Connection, error)
	CreateConnection(ctx context.Context, conn domain.Connection) error
	// ListConnectionsByUser also backs the "venue omitted" case of
	// GetAggregatedMetrics and GetSnapshotTimeSeries: the set of venues
	// to query is the set the user has a connection for.
	ListConnectionsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Connection, error)
	GetSnapshots(ctx context.Context, userID uuid.UUID, venueID string, since, until time.Time) ([]domain.Snapshot, error)
	GetLatestSnapshot(ctx context.Context, userID uuid.UUID, venueID string) (*domain.Snapshot, error)
}

// Syncer runs an immediate sync, bypassing the scheduler.
type Syncer interface {
	UpdateCurrent(ctx context.Context, userID uuid.UUID, venueID, label string) (*domain.Snapshot, error)
}

// ManualRateChecker gates manually-triggered syncs.
type ManualRateChecker interface {
	CheckManual(ctx context.Context, userID uuid.UUID, venueID string) error
}

// Handlers implements the five RPC operations against the worker core.
type Handlers struct {
	vault   VaultService
	repo    Repo
	syncer  Syncer
	limiter ManualRateChecker
}

// NewHandlers constructs a Handlers bound to the worker core's live
// components.
func NewHandlers(vault VaultService, repo Repo, syncer Syncer, limiter ManualRateChecker) *Handlers {
	return &Handlers{vault: vault, repo: repo, syncer: syncer, limiter: limiter}
}

func (h *Handlers) createUserConnection(ctx context.Context, req CreateUserConnectionRequest) (CreateUserConnectionResponse, error) {
	if err := validateCreateUserConnection(req); err != nil {
		return CreateUserConnectionResponse{}, err
	}

	userID := vault.DeriveUserID(req.VenueID, req.Key, req.Secret, req.Passphrase)
	fingerprint := h.vault.Fingerprint(req.Key, req.Secret, req.Passphrase)

	existing, err := h.repo.GetConnectionByFingerprint(ctx, userID, fingerprint)
	if err != nil {
		return CreateUserConnectionResponse{}, err
	}
	if existing != nil {
		return CreateUserConnectionResponse{}, workerErrors.Conflict("connection with this credential fingerprint already exists")
	}

	encKey, err := h.vault.Encrypt([]byte(req.Key))
	if err != nil {
		return CreateUserConnectionResponse{}, err
	}
	encSecret, err := h.vault.Encrypt([]byte(req.Secret))
	if err != nil {
		return CreateUserConnectionResponse{}, err
	}
	var encPassphrase string
	if req.Passphrase != "" {
		encPassphrase, err = h.vault.Encrypt([]byte(req.Passphrase))
		if err != nil {
			return CreateUserConnectionResponse{}, err
		}
	}

	if err := h.repo.UpsertUser(ctx, domain.User{ID: userID}); err != nil {
		return CreateUserConnectionResponse{}, err
	}
	if err := h.repo.CreateConnection(ctx, domain.Connection{
		UserID:                userID,
		VenueID:               req.VenueID,
		Label:                 req.Label,
		EncryptedKey:          encKey,
		EncryptedSecret:       encSecret,
		EncryptedPassphrase:   encPassphrase,
		CredentialFingerprint: fingerprint,
	}); err != nil {
		return CreateUserConnectionResponse{}, err
	}

	return CreateUserConnectionResponse{UserID: userID.String()}, nil
}

func (h *Handlers) processSyncJob(ctx context.Context, req ProcessSyncJobRequest) (ProcessSyncJobResponse, error) {
	userID, ok, err := normalizeUserID(req.UserID)
	if err != nil {
		return ProcessSyncJobResponse{}, err
	}
	if !ok {
		return ProcessSyncJobResponse{}, workerErrors.MissingParameter("user_id")
	}
	if err := validateVenueID(req.VenueID); err != nil {
		return ProcessSyncJobResponse{}, err
	}

	if err := h.limiter.CheckManual(ctx, userID, req.VenueID); err != nil {
		return ProcessSyncJobResponse{}, err
	}

	snap, err := h.syncer.UpdateCurrent(ctx, userID, req.VenueID, req.Label)
	if err != nil {
		return ProcessSyncJobResponse{}, err
	}

	return ProcessSyncJobResponse{
		TotalEquity:     snap.TotalEquity,
		RealizedBalance: snap.RealizedBalance,
		UnrealizedPnL:   snap.UnrealizedPnL,
		Timestamp:       unixOrZero(snap.Timestamp),
	}, nil
}

func (h *Handlers) getAggregatedMetrics(ctx context.Context, req GetAggregatedMetricsRequest) (GetAggregatedMetricsResponse, error) {
	userID, ok, err := normalizeUserID(req.UserID)
	if err != nil {
		return GetAggregatedMetricsResponse{}, err
	}
	if !ok {
		return GetAggregatedMetricsResponse{}, workerErrors.MissingParameter("user_id")
	}
	if err := validateOptionalVenueID(req.VenueID); err != nil {
		return GetAggregatedMetricsResponse{}, err
	}

	venueIDs, err := h.resolveVenues(ctx, userID, req.VenueID)
	if err != nil {
		return GetAggregatedMetricsResponse{}, err
	}

	var (
		totalEquity, realizedBalance, unrealizedPnL float64
		latestTimestamp                             time.Time
		found                                       bool
		breakdownByMarket                           = make(map[domain.Market]MarketBreakdown)
	)

	for _, venueID := range venueIDs {
		snap, err := h.repo.GetLatestSnapshot(ctx, userID, venueID)
		if err != nil {
			return GetAggregatedMetricsResponse{}, err
		}
		if snap == nil {
			continue
		}
		found = true
		totalEquity += snap.TotalEquity
		realizedBalance += snap.RealizedBalance
		unrealizedPnL += snap.UnrealizedPnL
		if snap.Timestamp.After(latestTimestamp) {
			latestTimestamp = snap.Timestamp
		}
		for market, m := range snap.Breakdown {
			mergeMarketBreakdown(breakdownByMarket, market, m)
		}
	}
	if !found {
		return GetAggregatedMetricsResponse{}, workerErrors.NotFound("snapshot")
	}

	breakdown := make([]MarketBreakdown, 0, len(breakdownByMarket))
	for _, b := range breakdownByMarket {
		breakdown = append(breakdown, b)
	}
	sort.Slice(breakdown, func(i, j int) bool { return breakdown[i].Market < breakdown[j].Market })

	return GetAggregatedMetricsResponse{
		TotalEquity:     totalEquity,
		RealizedBalance: realizedBalance,
		UnrealizedPnL:   unrealizedPnL,
		Timestamp:       unixOrZero(latestTimestamp),
		Breakdown:       breakdown,
	}, nil
}

// resolveVenues resolves the venues to query: the requested one, or
// every venue the user has a connection for when venueID is omitted.
// Shared by GetAggregatedMetrics and GetSnapshotTimeSeries.
func (h *Handlers) resolveVenues(ctx context.Context, userID uuid.UUID, venueID string) ([]string, error) {
	if venueID != "" {
		return []string{venueID}, nil
	}
	conns, err := h.repo.ListConnectionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(conns))
	var venues []string
	for _, c := range conns {
		if _, ok := seen[c.VenueID]; ok {
			continue
		}
		seen[c.VenueID] = struct{}{}
		venues = append(venues, c.VenueID)
	}
	return venues, nil
}

// mergeMarketBreakdown folds one venue's per-market metrics into the
// cross-venue accumulator, summing every additive field.
func mergeMarketBreakdown(acc map[domain.Market]MarketBreakdown, market domain.Market, m domain.MarketMetrics) {
	b := acc[market]
	b.Market = string(market)
	b.Equity += m.Equity
	b.AvailableMargin += m.AvailableMargin
	b.Volume += m.Volume
	b.Trades += m.Trades
	b.TradingFees += m.TradingFees
	b.FundingFees += m.FundingFees
	b.RealizedPnL += m.RealizedPnL
	acc[market] = b
}

func (h *Handlers) getSnapshotTimeSeries(ctx context.Context, req GetSnapshotTimeSeriesRequest) (GetSnapshotTimeSeriesResponse, error) {
	userID, ok, err := normalizeUserID(req.UserID)
	if err != nil {
		return GetSnapshotTimeSeriesResponse{}, err
	}
	if !ok {
		return GetSnapshotTimeSeriesResponse{}, workerErrors.MissingParameter("user_id")
	}
	if err := validateOptionalVenueID(req.VenueID); err != nil {
		return GetSnapshotTimeSeriesResponse{}, err
	}
	if err := validateTimeRange(req.Since, req.Until); err != nil {
		return GetSnapshotTimeSeriesResponse{}, err
	}

	venueIDs, err := h.resolveVenues(ctx, userID, req.VenueID)
	if err != nil {
		return GetSnapshotTimeSeriesResponse{}, err
	}

	since, until := timeOrZero(req.Since), timeOrZero(req.Until)
	var points []SnapshotPoint
	for _, venueID := range venueIDs {
		snaps, err := h.repo.GetSnapshots(ctx, userID, venueID, since, until)
		if err != nil {
			return GetSnapshotTimeSeriesResponse{}, err
		}
		for _, s := range snaps {
			points = append(points, SnapshotPoint{
				VenueID:         venueID,
				Timestamp:       unixOrZero(s.Timestamp),
				TotalEquity:     s.TotalEquity,
				RealizedBalance: s.RealizedBalance,
				UnrealizedPnL:   s.UnrealizedPnL,
			})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp > points[j].Timestamp })

	return GetSnapshotTimeSeriesResponse{Points: points}, nil
}

func (h *Handlers) healthCheck(ctx context.Context, req HealthCheckRequest) (HealthCheckResponse, error) {
	return HealthCheckResponse{Status: "ok", TimeUTC: time.Now().UTC().Unix()}, nil
}
