// Package instrument implements the pure classification rules of spec
// §4.3: option/future detection and the leverage decision table. The only
// I/O is the injected SymbolMetaProvider's lot-size lookup.
package instrument

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/algosandbox/core/internal/config"
	"github.com/algosandbox/core/internal/models"
)

var derivativeExchanges = map[string]bool{
	"NFO": true, "BFO": true, "MCX": true, "CDS": true, "BCD": true, "NCDEX": true,
}

// IsOption reports whether symbol/exchange identifies an options contract.
func IsOption(symbol, exchange string) bool {
	if !derivativeExchanges[strings.ToUpper(exchange)] {
		return false
	}
	u := strings.ToUpper(symbol)
	return strings.HasSuffix(u, "CE") || strings.HasSuffix(u, "PE")
}

// IsFuture reports whether symbol/exchange identifies a futures contract.
func IsFuture(symbol, exchange string) bool {
	if !derivativeExchanges[strings.ToUpper(exchange)] {
		return false
	}
	return strings.HasSuffix(strings.ToUpper(symbol), "FUT")
}

// LeverageFor implements the §4.3 decision table.
func LeverageFor(cfg *config.Store, symbol, exchange string, product models.Product, action models.Action) (decimal.Decimal, error) {
	ex := strings.ToUpper(exchange)
	switch {
	case (ex == "NSE" || ex == "BSE") && product == models.ProductMIS:
		return cfg.Decimal(config.KeyEquityMISLeverage)
	case (ex == "NSE" || ex == "BSE") && (product == models.ProductCNC || product == models.ProductNRML):
		return cfg.Decimal(config.KeyEquityCNCLeverage)
	case IsOption(symbol, exchange) && action == models.ActionBuy:
		return cfg.Decimal(config.KeyOptionBuyLeverage)
	case IsOption(symbol, exchange) && action == models.ActionSell:
		return cfg.Decimal(config.KeyOptionSellLeverage)
	case IsFuture(symbol, exchange):
		return cfg.Decimal(config.KeyFuturesLeverage)
	default:
		return decimal.NewFromInt(1), nil
	}
}
