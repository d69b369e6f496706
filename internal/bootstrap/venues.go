package bootstrap

import (
	"github.com/sev-custody/enclaveworker/internal/connector/flex"
	"github.com/sev-custody/enclaveworker/internal/connector/unified"
	"github.com/sev-custody/enclaveworker/internal/domain"
	"github.com/sev-custody/enclaveworker/internal/registry"
)

// defaultVenueEndpoints is the static venue-id -> endpoint table the
// operator's fleet targets. Adding a venue is a recompile, not a
// runtime config change: the JSON/XML field maps below are
// venue-specific enough that a wrong mapping is a silent data-integrity
// bug, so they are reviewed like code rather than loaded from a file an
// operator could edit unsupervised.
func defaultVenueEndpoints() registry.VenueEndpoints {
	return registry.VenueEndpoints{
		Unified: map[string]unified.Endpoints{
			"binance": {
				BaseURL:               "https://api.binance.com",
				BalancePath:           "/api/v3/account",
				BalanceJSONPath:       "balances",
				BalanceAssetJSONPath:  "balances.#.asset",
				PositionsPath:         "/fapi/v2/positionRisk",
				PositionsJSONPath:     "@this",
				OrdersPath:            "/api/v3/myTrades",
				OrdersJSONPath:        "@this",
				UnifiedAccountMarkets: []domain.Market{domain.MarketSpot, domain.MarketSwap},
			},
			"okx": {
				BaseURL:               "https://www.okx.com",
				BalancePath:           "/api/v5/account/balance",
				BalanceJSONPath:       "data.0.details",
				BalanceAssetJSONPath:  "data.0.details.#.ccy",
				PositionsPath:         "/api/v5/account/positions",
				PositionsJSONPath:     "data",
				OrdersPath:            "/api/v5/trade/fills",
				OrdersJSONPath:        "data",
				UnifiedAccountMarkets: []domain.Market{domain.MarketSpot, domain.MarketSwap, domain.MarketMargin},
			},
		},
		Flex: map[string]flex.Endpoints{
			"ibkr": {
				BaseURL:      "https://ndcdyn.interactivebrokers.com/AccountManagement/FlexWebService",
				SubmitPath:   "/SendRequest",
				RetrievePath: "/GetStatement",
			},
		},
	}
}
