// Package orders implements the Order Manager (spec §4.5): draft
// validation, MIS cutoff gating, margin pricing/blocking, persistence, and
// the inline MARKET execution path. It also owns the single-order fill
// primitive shared with the Execution Engine's tick loop and the Squareoff
// Manager's reverse-close path.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/algosandbox/core/internal/config"
	"github.com/algosandbox/core/internal/idgen"
	"github.com/algosandbox/core/internal/instrument"
	"github.com/algosandbox/core/internal/ledger"
	"github.com/algosandbox/core/internal/margin"
	"github.com/algosandbox/core/internal/metrics"
	"github.com/algosandbox/core/internal/models"
	"github.com/algosandbox/core/internal/positions"
	"github.com/algosandbox/core/internal/quotes"
	"github.com/algosandbox/core/internal/store"
)

// Kind names the error taxonomy of spec §7. These are concepts, not
// exported Go types; callers should use errors.As against *RejectionError
// and switch on Kind.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindInsufficientFunds    Kind = "insufficient_funds"
	KindInsufficientHoldings Kind = "insufficient_holdings"
	KindQuoteUnavailable     Kind = "quote_unavailable"
	KindMISCutoffBlocked     Kind = "mis_cutoff_blocked"
	KindAlreadyTerminal      Kind = "already_terminal"
	KindInternal             Kind = "internal"
	// KindLedgerDrift is never returned to a caller — the Ledger clamps and
	// logs it locally (see internal/ledger) and bumps
	// metrics.InvariantViolations. Listed here only so the taxonomy is
	// complete for anyone reading error-handling code end to end.
	KindLedgerDrift Kind = "ledger_drift"
)

// RejectionError is returned by PlaceOrder/ModifyOrder/CancelOrder for
// every business-rule rejection. No state is mutated when this is
// returned, except where noted (it is never returned after a partial
// commit).
type RejectionError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orders: %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("orders: %s: %s", e.Kind, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(kind Kind, reason string, err error) *RejectionError {
	return &RejectionError{Kind: kind, Reason: reason, Err: err}
}

// Draft is the input to PlaceOrder (spec §4.5).
type Draft struct {
	Symbol       string
	Exchange     string
	Action       models.Action
	Quantity     int64
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	PriceType    models.PriceType
	Product      models.Product
	Strategy     string
}

func (d Draft) marginDraft() margin.Draft {
	return margin.Draft{
		Symbol: d.Symbol, Exchange: d.Exchange, Action: d.Action, Quantity: d.Quantity,
		Price: d.Price, TriggerPrice: d.TriggerPrice, PriceType: d.PriceType, Product: d.Product,
	}
}

var logger = log.With().Str("component", "orders").Logger()

// Manager owns the Order table and the single-order fill primitive.
type Manager struct {
	st        *store.Store
	cfg       *config.Store
	ledger    *ledger.Ledger
	positions *positions.Manager
	meta      quotes.SymbolMetaProvider
	loc       *time.Location
}

func New(st *store.Store, cfg *config.Store, l *ledger.Ledger, pm *positions.Manager, meta quotes.SymbolMetaProvider, loc *time.Location) *Manager {
	return &Manager{st: st, cfg: cfg, ledger: l, positions: pm, meta: meta, loc: loc}
}

func (m *Manager) validate(d Draft) error {
	if d.Quantity <= 0 {
		return errors.New("quantity must be > 0")
	}
	if (d.PriceType == models.PriceTypeLimit || d.PriceType == models.PriceTypeSL) && !d.Price.IsPositive() {
		return errors.New("price must be > 0 for LIMIT/SL orders")
	}
	if (d.PriceType == models.PriceTypeSL || d.PriceType == models.PriceTypeSLM) && !d.TriggerPrice.IsPositive() {
		return errors.New("trigger_price must be > 0 for SL/SL-M orders")
	}
	if !m.meta.Exists(d.Symbol, d.Exchange) {
		return fmt.Errorf("unknown symbol %s:%s", d.Symbol, d.Exchange)
	}
	if instrument.IsOption(d.Symbol, d.Exchange) || instrument.IsFuture(d.Symbol, d.Exchange) {
		lot, err := m.meta.LotSize(d.Symbol, d.Exchange)
		if err != nil {
			return fmt.Errorf("lot size lookup: %w", err)
		}
		if lot > 0 && d.Quantity%int64(lot) != 0 {
			return fmt.Errorf("quantity %d is not a multiple of lot size %d", d.Quantity, lot)
		}
	}
	return nil
}

// reducesExisting reports whether placing this draft would reduce (rather
// than grow or open) the user's existing position on the same key.
func (m *Manager) reducesExisting(userID string, d Draft) (bool, error) {
	pos, err := m.positions.Get(userID, d.Symbol, d.Exchange, d.Product)
	if err != nil {
		return false, err
	}
	if pos == nil || pos.Quantity == 0 {
		return false, nil
	}
	if d.Action == models.ActionBuy && pos.Quantity < 0 {
		return true, nil
	}
	if d.Action == models.ActionSell && pos.Quantity > 0 {
		return true, nil
	}
	return false, nil
}

// misCutoffBlocked implements the §4.5 step 2 post-cutoff gate.
func (m *Manager) misCutoffBlocked(userID string, d Draft) (bool, error) {
	if d.Product != models.ProductMIS {
		return false, nil
	}
	group, ok := config.ExchangeGroup(d.Exchange)
	if !ok {
		return false, nil
	}
	key, ok := config.SquareOffKeyForGroup(group)
	if !ok {
		return false, nil
	}
	cutH, cutM, err := m.cfg.ClockTime(key)
	if err != nil {
		return false, err
	}
	now := time.Now().In(m.loc)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), cutH, cutM, 0, 0, m.loc)
	open := time.Date(now.Year(), now.Month(), now.Day(), 9, 0, 0, 0, m.loc)
	if now.Before(cutoff) && !now.Before(open) {
		return false, nil
	}
	reducing, err := m.reducesExisting(userID, d)
	if err != nil {
		return false, err
	}
	return !reducing, nil
}

func executionPriceForMarket(action models.Action, q quotes.Quote) decimal.Decimal {
	if action == models.ActionBuy {
		if q.Ask > 0 {
			return decimal.NewFromFloat(q.Ask)
		}
		return decimal.NewFromFloat(q.LTP)
	}
	if q.Bid > 0 {
		return decimal.NewFromFloat(q.Bid)
	}
	return decimal.NewFromFloat(q.LTP)
}

// PlaceOrder implements spec §4.5. The quote fetch happens before the
// per-user lock is acquired, per the §5 ordering rule that suspension
// points (network I/O) must never occur while holding a per-user lock.
func (m *Manager) PlaceOrder(ctx context.Context, userID string, d Draft, qp quotes.QuoteProvider) (*models.Order, error) {
	if err := m.validate(d); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(KindValidation)).Inc()
		return nil, reject(KindValidation, err.Error(), nil)
	}

	blocked, err := m.misCutoffBlocked(userID, d)
	if err != nil {
		return nil, reject(KindInternal, "mis cutoff check failed", err)
	}
	if blocked {
		metrics.OrdersRejected.WithLabelValues(string(KindMISCutoffBlocked)).Inc()
		return nil, reject(KindMISCutoffBlocked, "MIS order placed outside trading hours and does not reduce an existing position", nil)
	}

	q, err := qp.Quote(ctx, d.Symbol, d.Exchange)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(string(KindQuoteUnavailable)).Inc()
		return nil, reject(KindQuoteUnavailable, "quote fetch failed at placement", err)
	}
	ltp := decimal.NewFromFloat(q.LTP)

	need := decimal.Zero
	if margin.MustBlockMargin(d.Action, d.Product, d.Symbol, d.Exchange) {
		need, err = margin.Calculate(m.cfg, m.meta, d.marginDraft(), ltp)
		if err != nil {
			return nil, reject(KindInternal, "margin calculation failed", err)
		}
	}

	var order *models.Order
	lockErr := m.st.WithUserLock(userID, func() error {
		return m.st.DB.Transaction(func(tx *gorm.DB) error {
			if d.Product == models.ProductCNC && d.Action == models.ActionSell {
				pos, perr := m.positions.Get(userID, d.Symbol, d.Exchange, d.Product)
				if perr != nil {
					return perr
				}
				have := int64(0)
				if pos != nil && pos.Quantity > 0 {
					have = pos.Quantity
				}
				if have < d.Quantity {
					return reject(KindInsufficientHoldings,
						fmt.Sprintf("CNC sell of %d exceeds available %d", d.Quantity, have), nil)
				}
			}

			if need.IsPositive() {
				if err := m.ledger.BlockMarginTx(tx, userID, need); err != nil {
					if errors.Is(err, ledger.ErrInsufficientFunds) {
						return reject(KindInsufficientFunds, "available balance cannot cover required margin", err)
					}
					return err
				}
			}

			now := time.Now()
			o := &models.Order{
				OrderID:         idgen.Order(),
				UserID:          userID,
				Symbol:          d.Symbol,
				Exchange:        d.Exchange,
				Action:          d.Action,
				Quantity:        d.Quantity,
				PriceType:       d.PriceType,
				Product:         d.Product,
				OrderStatus:     models.OrderStatusOpen,
				PendingQuantity: d.Quantity,
				MarginBlocked:   need,
				Strategy:        d.Strategy,
				OrderTimestamp:  now,
				UpdateTimestamp: now,
			}
			if d.Price.IsPositive() {
				o.Price = decimal.NewNullDecimal(d.Price)
			}
			if d.TriggerPrice.IsPositive() {
				o.TriggerPrice = decimal.NewNullDecimal(d.TriggerPrice)
			}
			if err := tx.Create(o).Error; err != nil {
				return err
			}

			if d.PriceType == models.PriceTypeMarket {
				execPrice := executionPriceForMarket(d.Action, q)
				if _, _, err := m.fillOrderTx(tx, o, execPrice); err != nil {
					return err
				}
			}

			order = o
			return nil
		})
	})
	if lockErr != nil {
		var re *RejectionError
		if errors.As(lockErr, &re) {
			metrics.OrdersRejected.WithLabelValues(string(re.Kind)).Inc()
			return nil, re
		}
		return nil, reject(KindInternal, "order placement failed", lockErr)
	}

	metrics.OrdersPlaced.WithLabelValues(string(d.Action), string(d.Product)).Inc()
	return order, nil
}

// ModifyChanges is the mutable subset of an open order's fields.
type ModifyChanges struct {
	Quantity     *int64
	Price        *decimal.Decimal
	TriggerPrice *decimal.Decimal
}

// ModifyOrder implements spec §4.5 modify_order. ltp must be fetched by the
// caller before calling in, same suspension-point rule as PlaceOrder: quote
// fetches never happen while holding the per-user lock.
func (m *Manager) ModifyOrder(userID, orderID string, changes ModifyChanges, ltp decimal.Decimal) error {
	return m.st.WithUserLock(userID, func() error {
		return m.st.DB.Transaction(func(tx *gorm.DB) error {
			var o models.Order
			if err := tx.Where("orderid = ? AND user_id = ?", orderID, userID).First(&o).Error; err != nil {
				return err
			}
			if o.OrderStatus != models.OrderStatusOpen {
				return reject(KindAlreadyTerminal, "order is not open", nil)
			}

			draft := Draft{
				Symbol: o.Symbol, Exchange: o.Exchange, Action: o.Action,
				Quantity: o.Quantity, PriceType: o.PriceType, Product: o.Product,
			}
			if o.Price.Valid {
				draft.Price = o.Price.Decimal
			}
			if o.TriggerPrice.Valid {
				draft.TriggerPrice = o.TriggerPrice.Decimal
			}
			if changes.Quantity != nil {
				draft.Quantity = *changes.Quantity
			}
			if changes.Price != nil {
				draft.Price = *changes.Price
			}
			if changes.TriggerPrice != nil {
				draft.TriggerPrice = *changes.TriggerPrice
			}

			newMargin := decimal.Zero
			if margin.MustBlockMargin(o.Action, o.Product, o.Symbol, o.Exchange) {
				nm, err := margin.Calculate(m.cfg, m.meta, draft.marginDraft(), ltp)
				if err != nil {
					return err
				}
				newMargin = nm
			}

			delta := newMargin.Sub(o.MarginBlocked)
			switch {
			case delta.IsPositive():
				if err := m.ledger.BlockMarginTx(tx, userID, delta); err != nil {
					if errors.Is(err, ledger.ErrInsufficientFunds) {
						return reject(KindInsufficientFunds, "insufficient funds to increase margin on modify", err)
					}
					return err
				}
			case delta.IsNegative():
				if err := m.ledger.ReleaseMarginTx(tx, userID, delta.Neg(), decimal.Zero); err != nil {
					return err
				}
			}

			if changes.Quantity != nil {
				o.Quantity = *changes.Quantity
				o.PendingQuantity = *changes.Quantity
			}
			if changes.Price != nil {
				o.Price = decimal.NewNullDecimal(*changes.Price)
			}
			if changes.TriggerPrice != nil {
				o.TriggerPrice = decimal.NewNullDecimal(*changes.TriggerPrice)
			}
			o.MarginBlocked = newMargin
			o.UpdateTimestamp = time.Now()
			return tx.Save(&o).Error
		})
	})
}

// CancelOrder implements spec §4.5 cancel_order. Idempotent: a second call
// on an already-terminal order returns AlreadyTerminal without touching
// the ledger again.
func (m *Manager) CancelOrder(userID, orderID, reason string) error {
	return m.st.WithUserLock(userID, func() error {
		return m.st.DB.Transaction(func(tx *gorm.DB) error {
			var o models.Order
			if err := tx.Where("orderid = ? AND user_id = ?", orderID, userID).First(&o).Error; err != nil {
				return err
			}
			if o.OrderStatus != models.OrderStatusOpen {
				return reject(KindAlreadyTerminal, "order is not open", nil)
			}
			if o.MarginBlocked.IsPositive() {
				if err := m.ledger.ReleaseMarginTx(tx, userID, o.MarginBlocked, decimal.Zero); err != nil {
					return err
				}
			}
			o.OrderStatus = models.OrderStatusCancelled
			o.RejectionReason = reason
			o.UpdateTimestamp = time.Now()
			return tx.Save(&o).Error
		})
	})
}

// CancelAll implements spec §4.5 cancel_all: best-effort sweep, logging and
// counting failures without aborting.
func (m *Manager) CancelAll(userID string) int {
	var open []models.Order
	if err := m.st.DB.Where("user_id = ? AND order_status = ?", userID, models.OrderStatusOpen).Find(&open).Error; err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("cancel_all: failed to list open orders")
		return 0
	}
	cancelled := 0
	for _, o := range open {
		if err := m.CancelOrder(userID, o.OrderID, "cancel_all"); err != nil {
			logger.Warn().Err(err).Str("order_id", o.OrderID).Msg("cancel_all: failed to cancel order")
			continue
		}
		cancelled++
	}
	return cancelled
}

// fillOrderTx executes order at execPrice inside tx, under the caller's
// already-held per-user lock: creates the Trade, feeds the Position
// Manager's netting state machine, and marks the order complete. Shared by
// PlaceOrder's inline MARKET path, the Execution Engine's tick loop, and
// the Squareoff Manager's reverse-close path.
func (m *Manager) fillOrderTx(tx *gorm.DB, o *models.Order, execPrice decimal.Decimal) (*models.Trade, decimal.Decimal, error) {
	if o.OrderStatus != models.OrderStatusOpen {
		return nil, decimal.Zero, reject(KindAlreadyTerminal, "order is not open", nil)
	}

	trade := &models.Trade{
		TradeID:        idgen.Trade(),
		OrderID:        o.OrderID,
		UserID:         o.UserID,
		Symbol:         o.Symbol,
		Exchange:       o.Exchange,
		Action:         o.Action,
		Quantity:       o.Quantity,
		Price:          execPrice,
		Product:        o.Product,
		TradeTimestamp: time.Now(),
	}
	if err := tx.Create(trade).Error; err != nil {
		return nil, decimal.Zero, err
	}

	_, delta, err := m.positions.UpdateOnFill(tx, o.UserID, o.Symbol, o.Exchange, o.Product, o.Action, o.Quantity, execPrice, o.MarginBlocked)
	if err != nil {
		return nil, decimal.Zero, err
	}

	o.OrderStatus = models.OrderStatusComplete
	o.FilledQuantity = o.Quantity
	o.PendingQuantity = 0
	o.AveragePrice = decimal.NewNullDecimal(execPrice)
	o.UpdateTimestamp = time.Now()
	if err := tx.Save(o).Error; err != nil {
		return nil, decimal.Zero, err
	}

	metrics.Fills.WithLabelValues(string(o.Action), string(o.PriceType)).Inc()
	return trade, delta, nil
}

// FillOrder is the locking entry point into fillOrderTx, used by callers
// (the Execution Engine's tick loop) that do not already hold the user's
// lock or an open transaction.
func (m *Manager) FillOrder(userID, orderID string, execPrice decimal.Decimal) (*models.Trade, decimal.Decimal, error) {
	var trade *models.Trade
	delta := decimal.Zero
	err := m.st.WithUserLock(userID, func() error {
		return m.st.DB.Transaction(func(tx *gorm.DB) error {
			var o models.Order
			if err := tx.Where("orderid = ? AND user_id = ?", orderID, userID).First(&o).Error; err != nil {
				return err
			}
			t, d, err := m.fillOrderTx(tx, &o, execPrice)
			if err != nil {
				return err
			}
			trade, delta = t, d
			return nil
		})
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	return trade, delta, nil
}

// ClosePosition synthesizes a reverse MARKET order and fills it
// immediately, implementing the upward close_position(user, key) contract
// (spec §6).
func (m *Manager) ClosePosition(ctx context.Context, userID, symbol, exchange string, product models.Product, qp quotes.QuoteProvider) (*models.Order, decimal.Decimal, error) {
	pos, err := m.positions.Get(userID, symbol, exchange, product)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if pos == nil || pos.Quantity == 0 {
		return nil, decimal.Zero, reject(KindValidation, "no open position to close", nil)
	}
	action := models.ActionSell
	qty := pos.Quantity
	if pos.Quantity < 0 {
		action = models.ActionBuy
		qty = -pos.Quantity
	}
	d := Draft{Symbol: symbol, Exchange: exchange, Action: action, Quantity: qty, PriceType: models.PriceTypeMarket, Product: product}
	o, err := m.PlaceOrder(ctx, userID, d, qp)
	if err != nil {
		return nil, decimal.Zero, err
	}
	updated, err := m.positions.Get(userID, symbol, exchange, product)
	realized := decimal.Zero
	if err == nil && updated != nil {
		realized = updated.AccumulatedRealizedPnL.Sub(pos.AccumulatedRealizedPnL)
	}
	return o, realized, nil
}

// ListOpen returns every open order for a user.
func (m *Manager) ListOpen(userID string) ([]models.Order, error) {
	var out []models.Order
	err := m.st.DB.Where("user_id = ? AND order_status = ?", userID, models.OrderStatusOpen).Find(&out).Error
	return out, err
}

// List returns every order for a user, newest first.
func (m *Manager) List(userID string) ([]models.Order, error) {
	var out []models.Order
	err := m.st.DB.Where("user_id = ?", userID).Order("order_timestamp desc").Find(&out).Error
	return out, err
}

// ListOpenAll returns every open order across all users, grouped by the
// caller via (symbol, exchange) as needed. Used by the Execution Engine.
func (m *Manager) ListOpenAll() ([]models.Order, error) {
	var out []models.Order
	err := m.st.DB.Where("order_status = ?", models.OrderStatusOpen).Order("order_timestamp asc").Find(&out).Error
	return out, err
}

// ListOpenMISByGroup returns open MIS orders restricted to an exchange
// group, used by the Squareoff Manager.
func (m *Manager) ListOpenMISByGroup(exchanges []string) ([]models.Order, error) {
	var out []models.Order
	err := m.st.DB.Where("order_status = ? AND product = ? AND exchange IN ?",
		models.OrderStatusOpen, models.ProductMIS, exchanges).Find(&out).Error
	return out, err
}
