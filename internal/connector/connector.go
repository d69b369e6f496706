// Package connector defines the capability-based interface the
// aggregator drives, shared by the unified crypto-exchange adapter and
// the report-pull broker adapters.
//
// Connector is modelled as a closed sum type rather than a duck-typed
// grab-bag: Kind identifies which concrete family backs an instance, and
// Capabilities/Supports tell the aggregator what it can ask for without
// reaching into adapter-specific fields.
package connector

import (
	"context"
	"time"

	"github.com/sev-custody/enclaveworker/internal/domain"
)

// Kind identifies which concrete connector family an instance belongs
// to. The aggregator never type-switches on Kind for behavior; it exists
// for logging and registry keys.
type Kind string

const (
	KindUnifiedCrypto Kind = "unified_crypto"
	KindFlexBroker    Kind = "flex_broker"
)

// Capability is one optional operation a Connector may support.
type Capability string

const (
	CapGetBalance             Capability = "get_balance"
	CapGetCurrentPositions    Capability = "get_current_positions"
	CapGetTrades              Capability = "get_trades"
	CapGetHistoricalSummaries Capability = "get_historical_summaries"
	CapGetBalanceBreakdown    Capability = "get_balance_breakdown"
	CapGetExecutedOrders      Capability = "get_executed_orders"
	CapGetFundingFees         Capability = "get_funding_fees"
	CapGetEarnBalance         Capability = "get_earn_balance"
	CapTestConnection         Capability = "test_connection"
)

// TimeRange bounds a historical query. A zero End means "through now".
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Balance is one market's equity reading. UnrealizedPnL is populated
// only by venues whose balance endpoint reports it inline; it backs
// the aggregator's fallback when the positions endpoint is down.
type Balance struct {
	Market          domain.Market
	Equity          float64
	AvailableMargin float64
	UnrealizedPnL   float64
}

// Position is one open position's unrealized P&L contribution.
type Position struct {
	Symbol        string
	Market        domain.Market
	UnrealizedPnL float64
}

// Fill is one executed trade.
type Fill struct {
	Symbol     string
	Market     domain.Market
	Timestamp  time.Time
	Cost       float64 // 0 means "use Price*Amount"
	Price      float64
	Amount     float64
	TradingFee float64
	FundingFee float64
}

// HistoricalSummary is one report-pull broker's daily account summary
// row, the unit backfillHistorical maps to a Snapshot.
type HistoricalSummary struct {
	Date          time.Time
	TotalEquity   float64
	UnrealizedPnL float64
	Deposits      float64
	Withdrawals   float64
}

// Connector is the variant-independent interface the aggregator drives.
// Every adapter implements every method; what a method outside an
// adapter's Capabilities returns depends on the adapter. The unified
// adapter's GetHistoricalSummaries returns an UPSTREAM_UNAVAILABLE-kind
// error, while the flex adapter answers GetExecutedOrders from its trade
// report and returns zero from GetFundingFees and GetEarnBalance.
type Connector interface {
	Kind() Kind
	VenueID() string
	Capabilities() []Capability
	Supports(cap Capability) bool

	GetBalance(ctx context.Context, market domain.Market) (Balance, error)
	GetBalanceBreakdown(ctx context.Context) ([]Balance, error)
	GetCurrentPositions(ctx context.Context) ([]Position, error)
	GetTrades(ctx context.Context, market domain.Market, window TimeRange) ([]Fill, error)
	GetExecutedOrders(ctx context.Context, market domain.Market, since time.Time) ([]Fill, error)
	GetFundingFees(ctx context.Context, symbols []string, since time.Time) (float64, error)
	GetEarnBalance(ctx context.Context) (float64, error)
	GetHistoricalSummaries(ctx context.Context, window TimeRange) ([]HistoricalSummary, error)
	TestConnection(ctx context.Context) error

	// SupportedMarkets lists the markets this connector instance
	// discovered for its venue (crypto path); broker connectors return a
	// single synthetic market representing the whole account.
	SupportedMarkets(ctx context.Context) ([]domain.Market, error)

	// Close releases any held resources and wipes any retained secret
	// material (the decrypted API key/secret the constructor captured).
	Close()
}

// CapabilitySet is an embeddable helper concrete connectors use to
// implement Capabilities/Supports from a fixed list set at construction.
type CapabilitySet struct {
	caps map[Capability]struct{}
}

// NewCapabilitySet builds a CapabilitySet from a capability list.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return CapabilitySet{caps: set}
}

// Capabilities returns the capability list in no particular order.
func (s CapabilitySet) Capabilities() []Capability {
	out := make([]Capability, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	return out
}

// Supports reports whether cap is in the set.
func (s CapabilitySet) Supports(cap Capability) bool {
	_, ok := s.caps[cap]
	return ok
}
