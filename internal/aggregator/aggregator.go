// Package aggregator implements the SnapshotAggregator: the component
// that turns one connector's venue reads into a single equity Snapshot.
//
// Nothing here maps to a single teacher file; it is grounded piecewise.
// The per-item fetch/fold/continue-past-partial-failure shape follows
// the pattern of a batch job working through many independent units and
// tallying successes against failures rather than aborting on the
// first one, and partial per-market failures are collected with
// hashicorp/go-multierror instead of a bespoke error slice.
package aggregator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
	"github.com/sev-custody/enclaveworker/infrastructure/logging"
	"github.com/sev-custody/enclaveworker/internal/connector"
	"github.com/sev-custody/enclaveworker/internal/domain"
)

// Store is the persistence surface the aggregator needs.
type Store interface {
	GetConnection(ctx context.Context, userID uuid.UUID, venueID, label string) (*domain.Connection, error)
	ListConnectionsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Connection, error)
	PutSnapshot(ctx context.Context, snap domain.Snapshot) error
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// ConnectorSource resolves a connection to a live Connector, hiding
// credential decryption and pool reuse behind one call.
type ConnectorSource interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID, venueID, label string) (connector.Connector, error)
}

// Aggregator computes and persists equity snapshots.
type Aggregator struct {
	store          Store
	connectors     ConnectorSource
	logger         *logging.Logger
	allowedMarkets map[string][]domain.Market // venueID -> markets to aggregate; nil means "all"
}

// New constructs an Aggregator. allowedMarkets may be nil to aggregate
// every market a connector reports.
func New(store Store, connectors ConnectorSource, logger *logging.Logger, allowedMarkets map[string][]domain.Market) *Aggregator {
	return &Aggregator{store: store, connectors: connectors, logger: logger, allowedMarkets: allowedMarkets}
}

func (a *Aggregator) allowed(venueID string, market domain.Market) bool {
	list, ok := a.allowedMarkets[venueID]
	if !ok {
		return true
	}
	for _, m := range list {
		if m == market {
			return true
		}
	}
	return false
}

// snapshotTimestamp rounds now down to the user's sync-interval grid; an
// interval of a day or more snaps to 00:00 UTC of the current day.
func snapshotTimestamp(now time.Time, interval time.Duration) time.Time {
	now = now.UTC()
	if interval >= 24*time.Hour {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	epoch := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := now.Sub(epoch)
	grid := elapsed / interval * interval
	return epoch.Add(grid)
}

// UpdateCurrent fetches a fresh reading from the connection's venue and
// persists the resulting Snapshot. Per-market fetch failures are logged
// and treated as zero contribution; the snapshot is still written as
// long as global equity ends up non-zero. A connector-level failure (the
// venue is entirely unreachable) surfaces to the caller.
func (a *Aggregator) UpdateCurrent(ctx context.Context, userID uuid.UUID, venueID, label string) (*domain.Snapshot, error) {
	conn, err := a.store.GetConnection(ctx, userID, venueID, label)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, workerErrors.NotFound("connection")
	}

	user, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	interval := domain.User{SyncIntervalMins: domain.DefaultSyncIntervalMins}.SyncInterval()
	if user != nil {
		interval = user.SyncInterval()
	}

	c, err := a.connectors.GetOrCreate(ctx, userID, venueID, label)
	if err != nil {
		return nil, err
	}

	markets, err := c.SupportedMarkets(ctx)
	if err != nil {
		return nil, workerErrors.UpstreamUnavailable(venueID, err)
	}

	breakdown := make(map[domain.Market]domain.MarketMetrics)
	var partial *multierror.Error
	var globalEquity, globalMargin float64

	for _, market := range markets {
		if !a.allowed(venueID, market) {
			continue
		}
		metrics, err := a.fetchMarket(ctx, c, venueID, market)
		if err != nil {
			partial = multierror.Append(partial, err)
			a.logger.Warn(ctx, "market fetch failed, treating as zero contribution", map[string]any{"venue": venueID, "market": string(market), "error": err.Error()})
			continue
		}
		breakdown[market] = metrics
		globalEquity += metrics.Equity
		globalMargin += metrics.AvailableMargin
	}

	if earn, err := c.GetEarnBalance(ctx); err == nil {
		globalEquity += earn
	}

	unrealized := a.unrealizedPnL(ctx, c, venueID, breakdown)

	global := domain.MarketMetrics{Equity: globalEquity, AvailableMargin: globalMargin}
	for _, m := range breakdown {
		global.Volume += m.Volume
		global.Trades += m.Trades
		global.TradingFees += m.TradingFees
		global.FundingFees += m.FundingFees
	}
	breakdown[domain.MarketGlobal] = global

	if globalEquity == 0 && partial.ErrorOrNil() != nil {
		return nil, workerErrors.UpstreamUnavailable(venueID, partial.ErrorOrNil())
	}

	snap := domain.Snapshot{
		UserID:          userID,
		VenueID:         venueID,
		Timestamp:       snapshotTimestamp(time.Now(), interval),
		TotalEquity:     globalEquity,
		UnrealizedPnL:   unrealized,
		RealizedBalance: globalEquity - unrealized,
		Breakdown:       breakdown,
	}

	if err := a.store.PutSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (a *Aggregator) fetchMarket(ctx context.Context, c connector.Connector, venueID string, market domain.Market) (domain.MarketMetrics, error) {
	bal, err := c.GetBalance(ctx, market)
	if err != nil {
		return domain.MarketMetrics{}, err
	}
	metrics := domain.MarketMetrics{Equity: bal.Equity, AvailableMargin: bal.AvailableMargin, UnrealizedPnL: bal.UnrealizedPnL}

	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	fills, err := c.GetTrades(ctx, market, connector.TimeRange{Start: startOfDay})
	if err != nil {
		a.logger.Warn(ctx, "fill fetch failed for market, volume/fees omitted", map[string]any{"venue": venueID, "market": string(market), "error": err.Error()})
		return metrics, nil
	}
	for _, f := range fills {
		volume := f.Cost
		if volume == 0 {
			volume = f.Price * f.Amount
		}
		metrics.Volume += volume
		metrics.Trades++
		metrics.TradingFees += f.TradingFee
		metrics.FundingFees += f.FundingFee
	}
	return metrics, nil
}

// unrealizedPnL sums unrealizedPnl across non-zero current positions; if
// the position endpoint is unavailable, it falls back to whatever
// per-market balances already carried.
func (a *Aggregator) unrealizedPnL(ctx context.Context, c connector.Connector, venueID string, breakdown map[domain.Market]domain.MarketMetrics) float64 {
	positions, err := c.GetCurrentPositions(ctx)
	if err != nil {
		a.logger.Warn(ctx, "position fetch failed, falling back to per-market balances", map[string]any{"venue": venueID, "error": err.Error()})
		var sum float64
		for _, m := range breakdown {
			sum += m.UnrealizedPnL
		}
		return sum
	}
	var sum float64
	for _, p := range positions {
		sum += p.UnrealizedPnL
	}
	return sum
}

// BackfillHistorical populates one snapshot per reporting date the
// connector's historical-summary endpoint returns, for connectors that
// support it. Days with zero equity are skipped. Calling this twice for
// the same window does not create duplicates: PutSnapshot upserts by
// (user, venue, timestamp).
func (a *Aggregator) BackfillHistorical(ctx context.Context, userID uuid.UUID, venueID, label string, window connector.TimeRange) (int, error) {
	c, err := a.connectors.GetOrCreate(ctx, userID, venueID, label)
	if err != nil {
		return 0, err
	}
	if !c.Supports(connector.CapGetHistoricalSummaries) {
		return 0, workerErrors.New(workerErrors.KindInvalidInput, "connector does not support historical backfill")
	}

	summaries, err := c.GetHistoricalSummaries(ctx, window)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, s := range summaries {
		if s.TotalEquity == 0 {
			continue
		}
		snap := domain.Snapshot{
			UserID:          userID,
			VenueID:         venueID,
			Timestamp:       s.Date.UTC().Truncate(24 * time.Hour),
			TotalEquity:     s.TotalEquity,
			UnrealizedPnL:   s.UnrealizedPnL,
			RealizedBalance: s.TotalEquity - s.UnrealizedPnL,
			Deposits:        s.Deposits,
			Withdrawals:     s.Withdrawals,
			Breakdown: map[domain.Market]domain.MarketMetrics{
				domain.MarketGlobal: {Equity: s.TotalEquity},
			},
		}
		if err := a.store.PutSnapshot(ctx, snap); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
