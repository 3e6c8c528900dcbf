// Package margin implements the Margin Calculator (spec §4.4): given an
// order draft and a reference price, returns the margin required, rounded
// to 2 fractional digits with banker's rounding.
package margin

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/algosandbox/core/internal/config"
	"github.com/algosandbox/core/internal/instrument"
	"github.com/algosandbox/core/internal/models"
	"github.com/algosandbox/core/internal/quotes"
)

// Draft is the subset of an order's fields the margin calculator needs.
type Draft struct {
	Symbol       string
	Exchange     string
	Action       models.Action
	Quantity     int64
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	PriceType    models.PriceType
	Product      models.Product
}

// ReferencePrice selects the reference price per the §4.4 table.
func ReferencePrice(d Draft, ltp decimal.Decimal) decimal.Decimal {
	switch d.PriceType {
	case models.PriceTypeMarket:
		return ltp
	case models.PriceTypeLimit:
		return d.Price
	case models.PriceTypeSL, models.PriceTypeSLM:
		return d.TriggerPrice
	default:
		return ltp
	}
}

// Calculate returns the rounded margin required for d at the given LTP.
func Calculate(cfg *config.Store, meta quotes.SymbolMetaProvider, d Draft, ltp decimal.Decimal) (decimal.Decimal, error) {
	ref := ReferencePrice(d, ltp)
	lot, err := meta.LotSize(d.Symbol, d.Exchange)
	if err != nil {
		return decimal.Zero, fmt.Errorf("margin: lot size lookup: %w", err)
	}
	if lot <= 0 {
		lot = 1
	}
	lotD := decimal.NewFromInt(int64(lot))
	qty := decimal.NewFromInt(d.Quantity)

	isOption := instrument.IsOption(d.Symbol, d.Exchange)
	isFuture := instrument.IsFuture(d.Symbol, d.Exchange)

	var raw decimal.Decimal

	switch {
	case isOption && d.Action == models.ActionBuy:
		raw = ref.Mul(lotD).Mul(qty)
	case isOption && d.Action == models.ActionSell:
		lev, err := instrument.LeverageFor(cfg, d.Symbol, d.Exchange, d.Product, d.Action)
		if err != nil {
			return decimal.Zero, err
		}
		raw = ref.Mul(lotD).Mul(qty).Div(lev)
	case isFuture:
		lev, err := instrument.LeverageFor(cfg, d.Symbol, d.Exchange, d.Product, d.Action)
		if err != nil {
			return decimal.Zero, err
		}
		raw = ref.Mul(lotD).Mul(qty).Div(lev)
	default: // equity
		lev, err := instrument.LeverageFor(cfg, d.Symbol, d.Exchange, d.Product, d.Action)
		if err != nil {
			return decimal.Zero, err
		}
		raw = ref.Mul(qty).Div(lev)
	}

	return raw.RoundBank(2), nil
}

// MustBlockMargin implements the §4.4 predicate.
func MustBlockMargin(action models.Action, product models.Product, symbol, exchange string) bool {
	if action == models.ActionBuy {
		return true
	}
	// SELL
	if instrument.IsOption(symbol, exchange) || instrument.IsFuture(symbol, exchange) {
		return true
	}
	if product == models.ProductMIS || product == models.ProductNRML {
		return true
	}
	return false // SELL CNC of an existing holding
}
