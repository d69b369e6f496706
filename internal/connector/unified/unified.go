// Package unified implements the unified crypto-exchange connector: one
// adapter parameterised by venue-id and a per-venue JSON field map,
// instead of a hand-written struct per exchange. Responses are walked
// with gjson/jsonpath, the way the rest of the core pulls dynamic fields
// out of heterogeneous upstream JSON.
package unified

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
	"github.com/sev-custody/enclaveworker/infrastructure/logging"
	"github.com/sev-custody/enclaveworker/internal/connector"
	"github.com/sev-custody/enclaveworker/internal/domain"
	"github.com/sev-custody/enclaveworker/internal/vault"
)

// Endpoints describes one venue's unified-account API surface. Each
// endpoint's response is unwrapped with its JSON path; the unified
// connector never hard-codes a per-venue response struct.
type Endpoints struct {
	BaseURL             string
	BalancePath         string // HTTP path, e.g. "/api/v3/account"
	BalanceJSONPath     string // gjson path to the list of currency balances
	PositionsPath       string
	PositionsJSONPath   string
	OrdersPath          string
	OrdersJSONPath      string
	// BalanceAssetJSONPath is the gjson path to the currency/asset code
	// parallel to BalanceJSONPath's numeric values, used only for spot
	// holdings discovery in GetTrades. Left empty, holdings contribute no
	// candidate symbols.
	BalanceAssetJSONPath string
	// UnrealizedPnLJSONPath is the gjson path to an unrealized-PnL total
	// the balance endpoint itself reports (e.g. a futures account
	// summary field). Left empty, GetBalance reports zero and the
	// aggregator's positions-unavailable fallback sums nothing.
	UnrealizedPnLJSONPath string
	// UnifiedAccountMarkets lists the markets this venue pools into one
	// wallet (so spot and swap balance both read the same endpoint).
	UnifiedAccountMarkets []domain.Market
}

// symbol classification patterns (design-notes §9: explicit per-call
// market parameter, not a mutated shared flag).
var (
	swapPattern   = regexp.MustCompile(`(?i):USDT|:USD|:BUSD|PERP|SWAP`)
	futurePattern = regexp.MustCompile(`\d{6}`)
	optionPattern = regexp.MustCompile(`-[CP]$`)
)

// ClassifyMarket assigns a fill's symbol to exactly one market.
func ClassifyMarket(symbol string) domain.Market {
	switch {
	case swapPattern.MatchString(symbol):
		return domain.MarketSwap
	case optionPattern.MatchString(symbol):
		return domain.MarketOptions
	case futurePattern.MatchString(symbol):
		return domain.MarketFutures
	default:
		return domain.MarketSpot
	}
}

// Connector is the unified crypto-exchange adapter.
type Connector struct {
	connector.CapabilitySet

	venueID   string
	endpoints Endpoints
	logger    *logging.Logger

	apiKey     []byte
	signingKey []byte
	httpClient *http.Client
}

// New constructs a unified Connector. It keeps apiKey/signingKey by
// reference and wipes them in Close.
func New(venueID string, endpoints Endpoints, apiKey, signingKey []byte, logger *logging.Logger) *Connector {
	return &Connector{
		CapabilitySet: connector.NewCapabilitySet(
			connector.CapGetBalance,
			connector.CapGetBalanceBreakdown,
			connector.CapGetCurrentPositions,
			connector.CapGetTrades,
			connector.CapGetExecutedOrders,
			connector.CapGetFundingFees,
			connector.CapGetEarnBalance,
			connector.CapTestConnection,
		),
		venueID:    venueID,
		endpoints:  endpoints,
		logger:     logger,
		apiKey:     apiKey,
		signingKey: signingKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Connector) Kind() connector.Kind { return connector.KindUnifiedCrypto }
func (c *Connector) VenueID() string      { return c.venueID }

// Close wipes the retained credential buffers. The constructor does not
// own the underlying arrays (the vault or registry allocated them), but
// it is the last holder before idle eviction, so it wipes on its behalf.
func (c *Connector) Close() {
	vault.Wipe(c.apiKey)
	vault.Wipe(c.signingKey)
}

// sign produces the HMAC-SHA256 signature REST venues expect over the
// canonical request string.
func (c *Connector) sign(payload string) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Connector) doSigned(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	query.Set("timestamp", timestamp)
	query.Set("apiKey", string(c.apiKey))
	canonical := query.Encode()
	query.Set("signature", c.sign(canonical))

	reqURL := strings.TrimRight(c.endpoints.BaseURL, "/") + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, workerErrors.Internal("build venue request", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.LogVenueCall(ctx, c.venueID, path, time.Since(start), err)
		return nil, workerErrors.UpstreamUnavailable(c.venueID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, workerErrors.UpstreamUnavailable(c.venueID, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.LogVenueCall(ctx, c.venueID, path, time.Since(start), workerErrors.RateLimited("venue rate limit"))
		return nil, workerErrors.RateLimited(fmt.Sprintf("venue %s rate limited", c.venueID))
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("venue returned status %d", resp.StatusCode)
		c.logger.LogVenueCall(ctx, c.venueID, path, time.Since(start), err)
		return nil, workerErrors.UpstreamUnavailable(c.venueID, err)
	}

	c.logger.LogVenueCall(ctx, c.venueID, path, time.Since(start), nil)
	return body, nil
}

// SupportedMarkets discovers which market types this venue's instrument
// catalog advertises. Venues that pool collateral report
// UnifiedAccountMarkets; others report the standard crypto set.
func (c *Connector) SupportedMarkets(ctx context.Context) ([]domain.Market, error) {
	if len(c.endpoints.UnifiedAccountMarkets) > 0 {
		return c.endpoints.UnifiedAccountMarkets, nil
	}
	return []domain.Market{domain.MarketSpot, domain.MarketSwap}, nil
}

// GetBalance fetches equity for one market via an explicit parameter,
// never a mutated shared "default type" flag (design-notes §9).
func (c *Connector) GetBalance(ctx context.Context, market domain.Market) (connector.Balance, error) {
	body, err := c.doSigned(ctx, c.endpoints.BalancePath, url.Values{"market": {string(market)}})
	if err != nil {
		return connector.Balance{}, err
	}

	equity := sumBalanceList(body, c.endpoints.BalanceJSONPath)
	var unrealized float64
	if c.endpoints.UnrealizedPnLJSONPath != "" {
		unrealized = gjson.GetBytes(body, c.endpoints.UnrealizedPnLJSONPath).Float()
	}
	return connector.Balance{Market: market, Equity: equity, UnrealizedPnL: unrealized}, nil
}

// GetBalanceBreakdown fetches equity for every supported market.
func (c *Connector) GetBalanceBreakdown(ctx context.Context) ([]connector.Balance, error) {
	markets, err := c.SupportedMarkets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]connector.Balance, 0, len(markets))
	for _, market := range markets {
		bal, err := c.GetBalance(ctx, market)
		if err != nil {
			c.logger.Warn(ctx, "market balance fetch failed, contributing zero", map[string]any{
				"venue": c.venueID, "market": string(market), "error": err.Error(),
			})
			bal = connector.Balance{Market: market}
		}
		out = append(out, bal)
	}
	return out, nil
}

// sumBalanceList walks the gjson array at jsonPath and sums a "free"/
// "usdValue"-style numeric field into total equity. Venues with
// radically different response shapes override the jsonPath per
// Endpoints, not the code.
func sumBalanceList(body []byte, jsonPathExpr string) float64 {
	result := gjson.GetBytes(body, jsonPathExpr)
	if !result.Exists() {
		return 0
	}
	var total float64
	result.ForEach(func(_, value gjson.Result) bool {
		total += value.Float()
		return true
	})
	if !result.IsArray() {
		total = result.Float()
	}
	return total
}

// GetCurrentPositions fetches open positions and their unrealized P&L.
// Uses jsonpath (rather than gjson) for the nested structure positions
// endpoints tend to return, giving the pack's two declared JSON-query
// libraries each a concern to own.
func (c *Connector) GetCurrentPositions(ctx context.Context) ([]connector.Position, error) {
	body, err := c.doSigned(ctx, c.endpoints.PositionsPath, nil)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, workerErrors.Internal("parse positions response", err)
	}

	rows, err := jsonpath.Get(c.endpoints.PositionsJSONPath, doc)
	if err != nil {
		return nil, nil // no positions endpoint shape matched; treated as none open
	}

	list, ok := rows.([]any)
	if !ok {
		return nil, nil
	}

	positions := make([]connector.Position, 0, len(list))
	for _, raw := range list {
		row, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		symbol, _ := row["symbol"].(string)
		pnl := toFloat(row["unrealizedPnl"])
		if pnl == 0 {
			continue
		}
		positions = append(positions, connector.Position{
			Symbol:        symbol,
			Market:        ClassifyMarket(symbol),
			UnrealizedPnL: pnl,
		})
	}
	return positions, nil
}

// GetTrades fetches fills for market within window using the
// "universal" discovery approach: the candidate symbol set is the
// union of symbols seen in closed orders, open positions, and spot
// holdings, and fills are fetched per symbol rather than with one
// market-scoped query. This preserves per-fill timestamps for daily
// volume distribution and tolerates venues that refuse an un-scoped
// fills query.
func (c *Connector) GetTrades(ctx context.Context, market domain.Market, window connector.TimeRange) ([]connector.Fill, error) {
	symbols, err := c.discoverSymbols(ctx, market, window.Start)
	if err != nil {
		return nil, err
	}

	var fills []connector.Fill
	for symbol := range symbols {
		symbolFills, err := c.fetchFillsBySymbol(ctx, symbol, window.Start)
		if err != nil {
			c.logger.Warn(ctx, "per-symbol fill fetch failed, symbol omitted", map[string]any{"venue": c.venueID, "symbol": symbol, "error": err.Error()})
			continue
		}
		fills = append(fills, symbolFills...)
	}
	return fills, nil
}

// GetExecutedOrders fetches fills for market since a timestamp with one
// market-scoped query, for callers that already know the market and do
// not need the per-symbol discovery GetTrades performs.
func (c *Connector) GetExecutedOrders(ctx context.Context, market domain.Market, since time.Time) ([]connector.Fill, error) {
	return c.fetchFills(ctx, market, since)
}

// discoverSymbols builds the candidate symbol set for market: closed
// orders (the market-scoped fills query), open positions, and spot
// holdings. Each source is best-effort and contributes nothing on
// failure rather than aborting discovery.
func (c *Connector) discoverSymbols(ctx context.Context, market domain.Market, since time.Time) (map[string]struct{}, error) {
	symbols := make(map[string]struct{})

	if closedOrders, err := c.fetchFills(ctx, market, since); err == nil {
		for _, f := range closedOrders {
			symbols[f.Symbol] = struct{}{}
		}
	}

	if positions, err := c.GetCurrentPositions(ctx); err == nil {
		for _, p := range positions {
			if p.Market == market {
				symbols[p.Symbol] = struct{}{}
			}
		}
	}

	if market == domain.MarketSpot {
		for _, asset := range c.spotHoldings(ctx) {
			symbols[asset+"USDT"] = struct{}{}
		}
	}

	return symbols, nil
}

// spotHoldings lists currency codes the account currently holds, read
// from the same balance response GetBalance uses. Returns nothing if
// the venue has no BalanceAssetJSONPath configured or the call fails.
func (c *Connector) spotHoldings(ctx context.Context) []string {
	if c.endpoints.BalanceAssetJSONPath == "" {
		return nil
	}
	body, err := c.doSigned(ctx, c.endpoints.BalancePath, url.Values{"market": {string(domain.MarketSpot)}})
	if err != nil {
		return nil
	}
	var assets []string
	gjson.GetBytes(body, c.endpoints.BalanceAssetJSONPath).ForEach(func(_, v gjson.Result) bool {
		if asset := v.String(); asset != "" && asset != "USDT" {
			assets = append(assets, asset)
		}
		return true
	})
	return assets
}

func (c *Connector) fetchFills(ctx context.Context, market domain.Market, since time.Time) ([]connector.Fill, error) {
	query := url.Values{"market": {string(market)}}
	if !since.IsZero() {
		query.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}
	body, err := c.doSigned(ctx, c.endpoints.OrdersPath, query)
	if err != nil {
		return nil, err
	}
	return parseFills(body, c.endpoints.OrdersJSONPath)
}

// fetchFillsBySymbol queries the orders endpoint scoped to one symbol
// instead of a whole market, the query shape GetTrades' discovery loop
// uses.
func (c *Connector) fetchFillsBySymbol(ctx context.Context, symbol string, since time.Time) ([]connector.Fill, error) {
	query := url.Values{"symbol": {symbol}}
	if !since.IsZero() {
		query.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}
	body, err := c.doSigned(ctx, c.endpoints.OrdersPath, query)
	if err != nil {
		return nil, err
	}
	return parseFills(body, c.endpoints.OrdersJSONPath)
}

func parseFills(body []byte, jsonPathExpr string) ([]connector.Fill, error) {
	result := gjson.GetBytes(body, jsonPathExpr)
	if !result.Exists() || !result.IsArray() {
		return nil, nil
	}

	var fills []connector.Fill
	result.ForEach(func(_, row gjson.Result) bool {
		symbol := row.Get("symbol").String()
		ts := time.UnixMilli(row.Get("timestamp").Int())
		fills = append(fills, connector.Fill{
			Symbol:     symbol,
			Market:     ClassifyMarket(symbol),
			Timestamp:  ts,
			Cost:       row.Get("cost").Float(),
			Price:      row.Get("price").Float(),
			Amount:     row.Get("amount").Float(),
			TradingFee: row.Get("fee.cost").Float(),
		})
		return true
	})
	return fills, nil
}

// GetFundingFees sums funding payments over perpetual symbols observed
// in the day's fills. The unified endpoint shape returns one row per
// symbol; unseen symbols contribute zero.
func (c *Connector) GetFundingFees(ctx context.Context, symbols []string, since time.Time) (float64, error) {
	if len(symbols) == 0 {
		return 0, nil
	}
	query := url.Values{"symbols": {strings.Join(symbols, ",")}, "since": {strconv.FormatInt(since.UnixMilli(), 10)}}
	body, err := c.doSigned(ctx, c.endpoints.OrdersPath+"/funding", query)
	if err != nil {
		return 0, err
	}
	result := gjson.GetBytes(body, "funding")
	var total float64
	result.ForEach(func(_, row gjson.Result) bool {
		total += row.Get("amount").Float()
		return true
	})
	return total, nil
}

// GetEarnBalance returns the venue's staking/earn product balance, a
// market-independent pool some crypto venues expose alongside spot/swap.
func (c *Connector) GetEarnBalance(ctx context.Context) (float64, error) {
	body, err := c.doSigned(ctx, "/earn/balance", nil)
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(body, "total").Float(), nil
}

// GetHistoricalSummaries is unsupported for unified crypto venues; only
// report-pull brokers advertise this capability.
func (c *Connector) GetHistoricalSummaries(ctx context.Context, window connector.TimeRange) ([]connector.HistoricalSummary, error) {
	return nil, workerErrors.New(workerErrors.KindUpstreamUnavailable, "historical summaries not supported by unified crypto connectors")
}

// TestConnection verifies the credentials authenticate successfully.
func (c *Connector) TestConnection(ctx context.Context) error {
	_, err := c.doSigned(ctx, c.endpoints.BalancePath, nil)
	return err
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
