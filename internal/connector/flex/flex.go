// Package flex implements the report-pull broker connector family: a
// two-step asynchronous protocol (submit a query, poll for a document)
// against a Flex-style statement API. The retrieved document is an
// XML-like format parsed with the standard library — no ecosystem XML
// library appears anywhere in the reference corpus this worker's stack
// was grounded on, so this is the one component that reaches for
// encoding/xml rather than a third-party parser.
package flex

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
	"github.com/sev-custody/enclaveworker/infrastructure/logging"
	"github.com/sev-custody/enclaveworker/internal/connector"
	"github.com/sev-custody/enclaveworker/internal/domain"
	"github.com/sev-custody/enclaveworker/internal/reportcache"
	"github.com/sev-custody/enclaveworker/internal/vault"
)

const (
	maxPollAttempts = 20
	notReadyCode    = "1019" // venue-specific "statement not ready" error code
)

// pollDelay is a var, not a const, so tests can shrink it instead of
// waiting out the real delay between poll attempts.
var pollDelay = 1 * time.Second

// Endpoints describes a report-pull broker's submit/retrieve API.
type Endpoints struct {
	BaseURL      string
	SubmitPath   string
	RetrievePath string
}

// document is the XML document a retrieval returns, parsed into typed
// record lists.
type document struct {
	XMLName    xml.Name    `xml:"FlexQueryResponse"`
	Statements []statement `xml:"FlexStatements>FlexStatement"`
}

type statement struct {
	AccountSummaries []accountSummary  `xml:"EquitySummaryInBase>EquitySummaryByReportDateInBase"`
	Trades           []trade           `xml:"Trades>Trade"`
	Positions        []position        `xml:"OpenPositions>OpenPosition"`
	CashTransactions []cashTransaction `xml:"CashTransactions>CashTransaction"`
}

type accountSummary struct {
	ReportDate string  `xml:"reportDate,attr"`
	Total      float64 `xml:"total,attr"`
}

type trade struct {
	Symbol       string  `xml:"symbol,attr"`
	DateTime     string  `xml:"dateTime,attr"`
	Quantity     float64 `xml:"quantity,attr"`
	Price        float64 `xml:"tradePrice,attr"`
	Cost         float64 `xml:"cost,attr"`
	IBCommission float64 `xml:"ibCommission,attr"`
}

type position struct {
	Symbol        string  `xml:"symbol,attr"`
	Position      float64 `xml:"position,attr"`
	UnrealizedPnL float64 `xml:"fifoPnlUnrealized,attr"`
}

type cashTransaction struct {
	Type     string  `xml:"type,attr"`
	Amount   float64 `xml:"amount,attr"`
	DateTime string  `xml:"dateTime,attr"`
}

// Connector is the report-pull broker adapter.
type Connector struct {
	connector.CapabilitySet

	venueID   string
	endpoints Endpoints
	logger    *logging.Logger

	token      []byte
	queryID    string
	cache      *reportcache.Cache
	httpClient *http.Client
}

// New constructs a flex Connector backed by the ReportCache shared
// across connectors obtained from the same ConnectorRegistry.
func New(venueID string, endpoints Endpoints, token []byte, queryID string, cache *reportcache.Cache, logger *logging.Logger) *Connector {
	return &Connector{
		CapabilitySet: connector.NewCapabilitySet(
			connector.CapGetBalance,
			connector.CapGetBalanceBreakdown,
			connector.CapGetCurrentPositions,
			connector.CapGetTrades,
			connector.CapGetHistoricalSummaries,
			connector.CapTestConnection,
		),
		venueID:    venueID,
		endpoints:  endpoints,
		logger:     logger,
		token:      token,
		queryID:    queryID,
		cache:      cache,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Connector) Kind() connector.Kind { return connector.KindFlexBroker }
func (c *Connector) VenueID() string      { return c.venueID }

func (c *Connector) Close() {
	vault.Wipe(c.token)
}

// SupportedMarkets reports the single synthetic market a report-pull
// broker's statement represents; these venues do not pool collateral
// across instrument types the way crypto venues do.
func (c *Connector) SupportedMarkets(ctx context.Context) ([]domain.Market, error) {
	return []domain.Market{domain.MarketStocks}, nil
}

// fetchDocument obtains the day's statement via the ReportCache,
// submitting and polling only on a cache miss.
func (c *Connector) fetchDocument(ctx context.Context) (*document, error) {
	cacheKey := reportcache.Key{Token: string(c.token), QueryID: c.queryID}

	raw, err := c.cache.Get(ctx, cacheKey, func() ([]byte, error) {
		return c.submitAndPoll(ctx)
	})
	if err != nil {
		return nil, err
	}

	var doc document
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, workerErrors.Internal("parse flex document", err)
	}
	return &doc, nil
}

func (c *Connector) submitAndPoll(ctx context.Context) ([]byte, error) {
	reference, err := c.submit(ctx)
	if err != nil {
		return nil, err
	}

	body, pollErr := c.pollUntilReady(ctx, reference)
	if pollErr != nil {
		return nil, workerErrors.UpstreamUnavailable(c.venueID, pollErr)
	}
	return body, nil
}

// pollUntilReady retries retrieve at a fixed delay while the venue
// reports the statement isn't ready yet, up to maxPollAttempts. Any
// other error, or exhausting the attempt budget, ends the poll.
func (c *Connector) pollUntilReady(ctx context.Context, reference string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollDelay):
			}
		}

		body, err := c.retrieve(ctx, reference)
		if err == nil {
			return body, nil
		}
		if !isNotReady(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("statement not ready after %d attempts: %w", maxPollAttempts, lastErr)
}

func (c *Connector) submit(ctx context.Context) (string, error) {
	query := url.Values{"t": {string(c.token)}, "q": {c.queryID}, "v": {"3"}}
	reqURL := strings.TrimRight(c.endpoints.BaseURL, "/") + c.endpoints.SubmitPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", workerErrors.Internal("build submit request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", workerErrors.UpstreamUnavailable(c.venueID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", workerErrors.UpstreamUnavailable(c.venueID, err)
	}

	var reply struct {
		ReferenceCode string `xml:"ReferenceCode"`
		ErrorCode     string `xml:"ErrorCode"`
	}
	if err := xml.Unmarshal(body, &reply); err != nil {
		return "", workerErrors.Internal("parse submit response", err)
	}
	if reply.ReferenceCode == "" {
		return "", workerErrors.UpstreamUnavailable(c.venueID, fmt.Errorf("submit returned error code %s", reply.ErrorCode))
	}
	return reply.ReferenceCode, nil
}

// notReadyErr is the sentinel pollUntilReady checks for via isNotReady
// to decide whether to poll again.
type notReadyErr struct{}

func (notReadyErr) Error() string { return "statement not ready" }

func isNotReady(err error) bool {
	_, ok := err.(notReadyErr)
	return ok
}

func (c *Connector) retrieve(ctx context.Context, reference string) ([]byte, error) {
	query := url.Values{"t": {string(c.token)}, "q": {reference}, "v": {"3"}}
	reqURL := strings.TrimRight(c.endpoints.BaseURL, "/") + c.endpoints.RetrievePath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, workerErrors.Internal("build retrieve request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, workerErrors.UpstreamUnavailable(c.venueID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, workerErrors.UpstreamUnavailable(c.venueID, err)
	}

	var errCheck struct {
		ErrorCode string `xml:"ErrorCode"`
	}
	_ = xml.Unmarshal(body, &errCheck)
	if errCheck.ErrorCode == notReadyCode {
		return nil, notReadyErr{}
	}

	return body, nil
}

func (c *Connector) GetBalance(ctx context.Context, market domain.Market) (connector.Balance, error) {
	doc, err := c.fetchDocument(ctx)
	if err != nil {
		return connector.Balance{}, err
	}
	return connector.Balance{Market: market, Equity: latestEquity(doc)}, nil
}

func (c *Connector) GetBalanceBreakdown(ctx context.Context) ([]connector.Balance, error) {
	bal, err := c.GetBalance(ctx, domain.MarketStocks)
	if err != nil {
		return nil, err
	}
	return []connector.Balance{bal}, nil
}

func latestEquity(doc *document) float64 {
	var latest float64
	var latestDate string
	for _, st := range doc.Statements {
		for _, row := range st.AccountSummaries {
			if row.ReportDate > latestDate {
				latestDate = row.ReportDate
				latest = row.Total
			}
		}
	}
	return latest
}

func (c *Connector) GetCurrentPositions(ctx context.Context) ([]connector.Position, error) {
	doc, err := c.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}
	var out []connector.Position
	for _, st := range doc.Statements {
		for _, p := range st.Positions {
			if p.UnrealizedPnL == 0 {
				continue
			}
			out = append(out, connector.Position{
				Symbol:        p.Symbol,
				Market:        domain.MarketStocks,
				UnrealizedPnL: p.UnrealizedPnL,
			})
		}
	}
	return out, nil
}

func (c *Connector) GetTrades(ctx context.Context, market domain.Market, window connector.TimeRange) ([]connector.Fill, error) {
	doc, err := c.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}
	var out []connector.Fill
	for _, st := range doc.Statements {
		for _, tr := range st.Trades {
			ts, _ := time.Parse("2006-01-02;150405", tr.DateTime)
			if !window.Start.IsZero() && ts.Before(window.Start) {
				continue
			}
			out = append(out, connector.Fill{
				Symbol:     tr.Symbol,
				Market:     domain.MarketStocks,
				Timestamp:  ts,
				Cost:       tr.Cost,
				Price:      tr.Price,
				Amount:     tr.Quantity,
				TradingFee: -tr.IBCommission,
			})
		}
	}
	return out, nil
}

func (c *Connector) GetExecutedOrders(ctx context.Context, market domain.Market, since time.Time) ([]connector.Fill, error) {
	return c.GetTrades(ctx, market, connector.TimeRange{Start: since})
}

func (c *Connector) GetFundingFees(ctx context.Context, symbols []string, since time.Time) (float64, error) {
	return 0, nil // report-pull brokers carry no perpetual-funding concept
}

func (c *Connector) GetEarnBalance(ctx context.Context) (float64, error) {
	return 0, nil
}

// GetHistoricalSummaries maps each daily account-summary row to one
// point. Days with zero equity are skipped by the aggregator, not here:
// this layer returns the raw rows it observed.
func (c *Connector) GetHistoricalSummaries(ctx context.Context, window connector.TimeRange) ([]connector.HistoricalSummary, error) {
	doc, err := c.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}

	var out []connector.HistoricalSummary
	for _, st := range doc.Statements {
		for _, row := range st.AccountSummaries {
			date, parseErr := time.Parse("2006-01-02", row.ReportDate)
			if parseErr != nil {
				continue
			}
			if !window.Start.IsZero() && date.Before(window.Start) {
				continue
			}
			if !window.End.IsZero() && date.After(window.End) {
				continue
			}
			out = append(out, connector.HistoricalSummary{
				Date:        date,
				TotalEquity: row.Total,
			})
		}
	}
	return out, nil
}

func (c *Connector) TestConnection(ctx context.Context) error {
	_, err := c.fetchDocument(ctx)
	return err
}
