// Package domain holds the plain data types shared by the worker core.
//
// Nothing in this package talks to storage or the network; it is the
// vocabulary the rest of the core uses to describe a user's credentials,
// connections, and equity snapshots.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Market is one of the fixed instrument categories a venue's equity is
// accounted under.
type Market string

const (
	MarketGlobal      Market = "global"
	MarketSpot        Market = "spot"
	MarketSwap        Market = "swap"
	MarketStocks      Market = "stocks"
	MarketFutures     Market = "futures"
	MarketOptions     Market = "options"
	MarketCommodities Market = "commodities"
	MarketForex       Market = "forex"
	MarketCFD         Market = "cfd"
	MarketEarn        Market = "earn"
	MarketMargin      Market = "margin"
)

// StandardMarkets lists the non-global markets a breakdown may carry,
// in the fixed order snapshots report them.
var StandardMarkets = []Market{
	MarketSpot, MarketSwap, MarketStocks, MarketFutures,
	MarketOptions, MarketCommodities, MarketForex, MarketCFD,
	MarketEarn, MarketMargin,
}

// SyncStatusState is the ephemeral state of a sync attempt.
type SyncStatusState string

const (
	SyncPending  SyncStatusState = "pending"
	SyncSyncing  SyncStatusState = "syncing"
	SyncComplete SyncStatusState = "completed"
	SyncError    SyncStatusState = "error"
)

// User is an opaque, deterministically-derived identity. It is created at
// most once per distinct credential tuple (see vault.DeriveUserID).
type User struct {
	ID               uuid.UUID
	SyncIntervalMins int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DefaultSyncIntervalMins is the snapshot grid used when a user has not
// set a preference.
const DefaultSyncIntervalMins = 60

// SyncInterval returns the user's configured sync interval, defaulting to
// DefaultSyncIntervalMins when unset.
func (u User) SyncInterval() time.Duration {
	mins := u.SyncIntervalMins
	if mins <= 0 {
		mins = DefaultSyncIntervalMins
	}
	return time.Duration(mins) * time.Minute
}

// Connection is one authenticated link between a user and a venue.
//
// EncryptedKey/EncryptedSecret/EncryptedPassphrase hold vault ciphertext
// (nonce‖tag‖ciphertext, hex-encoded); the worker never stores plaintext
// credentials.
type Connection struct {
	UserID                uuid.UUID
	VenueID               string
	Label                 string
	EncryptedKey          string
	EncryptedSecret       string
	EncryptedPassphrase   string // empty when the venue has no passphrase
	CredentialFingerprint string // hex SHA-256, see vault.Fingerprint
	Active                bool
	CreatedAt             time.Time
}

// MarketMetrics is one block of a Snapshot's breakdown.
type MarketMetrics struct {
	Equity          float64
	AvailableMargin float64
	Volume          float64
	Trades          int64
	TradingFees     float64
	FundingFees     float64
	// RealizedPnL is the venue-supplied figure for display only; it is
	// never substituted into Snapshot.RealizedBalance (see aggregator).
	RealizedPnL float64
	// UnrealizedPnL is the unrealized component a venue's balance
	// endpoint reports alongside equity, if any. The aggregator sums
	// this across markets only when the positions endpoint itself is
	// unavailable.
	UnrealizedPnL float64
}

// Snapshot is one point-in-time equity reading for (user, venue).
type Snapshot struct {
	UserID          uuid.UUID
	VenueID         string
	Timestamp       time.Time
	TotalEquity     float64
	RealizedBalance float64
	UnrealizedPnL   float64
	Deposits        float64
	Withdrawals     float64
	Breakdown       map[Market]MarketMetrics
}

// RealizedBalanceIdentityOK reports whether the snapshot satisfies the
// realized_balance ≡ total_equity - unrealized_pnl invariant within the
// tolerance the aggregator's invariant checks require.
func (s Snapshot) RealizedBalanceIdentityOK() bool {
	diff := s.RealizedBalance - (s.TotalEquity - s.UnrealizedPnL)
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-6
}

// SyncStatus is the ephemeral, overwritten-per-attempt status of the most
// recent sync for (user, venue).
type SyncStatus struct {
	UserID              uuid.UUID
	VenueID             string
	LastSyncTime        time.Time
	Status              SyncStatusState
	TotalTradesObserved int64
	LastError           string
}

// RateLimitLog records the last successful sync time and attempt count for
// (user, venue), retained for 7 days.
type RateLimitLog struct {
	UserID       uuid.UUID
	VenueID      string
	LastSyncTime time.Time
	Count        int64
}
