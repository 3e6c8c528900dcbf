// Package holdings implements T+1 settlement (spec §4.9): the daily sweep
// that folds yesterday's-or-older CNC positions into the Holdings table,
// transferring blocked margin or crediting sale proceeds through the
// Ledger as it goes.
package holdings

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/algosandbox/core/internal/ledger"
	"github.com/algosandbox/core/internal/metrics"
	"github.com/algosandbox/core/internal/models"
	"github.com/algosandbox/core/internal/notify"
	"github.com/algosandbox/core/internal/positions"
	"github.com/algosandbox/core/internal/store"
)

var logger = log.With().Str("component", "holdings").Logger()

// Manager owns the Holding table and the T+1 settlement sweep.
type Manager struct {
	st        *store.Store
	ledger    *ledger.Ledger
	positions *positions.Manager
	notifier  *notify.Notifier
}

func New(st *store.Store, l *ledger.Ledger, pm *positions.Manager) *Manager {
	return &Manager{st: st, ledger: l, positions: pm}
}

// SetNotifier attaches an optional Telegram notifier.
func (m *Manager) SetNotifier(n *notify.Notifier) {
	m.notifier = n
}

// Sweep implements spec §4.9: settle every CNC position created before
// cutoff (normally start-of-today, but the startup/catch-up caller may
// pass a cutoff further in the past to cover missed runs). Idempotent — a
// position already settled no longer exists to be found.
func (m *Manager) Sweep(cutoff time.Time) {
	open, err := m.positions.ListCNCOpen()
	if err != nil {
		logger.Error().Err(err).Msg("t1 settlement: failed to list CNC positions")
		return
	}

	settled := 0
	for _, pos := range open {
		if !pos.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.st.WithUserLock(pos.UserID, func() error {
			return m.st.DB.Transaction(func(tx *gorm.DB) error {
				return m.settleOneTx(tx, pos)
			})
		}); err != nil {
			logger.Warn().Err(err).Str("user_id", pos.UserID).Str("symbol", pos.Symbol).
				Msg("t1 settlement: failed to settle position")
			continue
		}
		metrics.SettlementsRun.Inc()
		settled++
	}
	m.notifier.Settlement(settled)
}

func (m *Manager) settleOneTx(tx *gorm.DB, pos models.Position) error {
	// Re-read inside the transaction: another settlement run (catch-up
	// racing the scheduled job) may already have consumed this row.
	var fresh models.Position
	err := tx.Where("id = ?", pos.ID).First(&fresh).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pos = fresh

	switch {
	case pos.Quantity == 0:
		return m.positions.DeleteFlatTx(tx, &pos)

	case pos.Quantity > 0:
		if err := mergeHoldingTx(tx, pos.UserID, pos.Symbol, pos.Exchange, pos.Quantity, pos.AveragePrice); err != nil {
			return err
		}
		if pos.MarginBlocked.IsPositive() {
			if err := m.ledger.TransferMarginToHoldingsTx(tx, pos.UserID, pos.MarginBlocked); err != nil {
				return err
			}
		}
		return m.positions.DeleteFlatTx(tx, &pos)

	default: // pos.Quantity < 0 : SELL against an existing holding
		qty := -pos.Quantity
		if err := reduceHoldingTx(tx, pos.UserID, pos.Symbol, pos.Exchange, qty); err != nil {
			return err
		}
		proceeds := decimal.NewFromInt(qty).Mul(pos.AveragePrice).RoundBank(2)
		if err := m.ledger.CreditSaleProceedsTx(tx, pos.UserID, proceeds); err != nil {
			return err
		}
		return m.positions.DeleteFlatTx(tx, &pos)
	}
}

func mergeHoldingTx(tx *gorm.DB, userID, symbol, exchange string, qty int64, avg decimal.Decimal) error {
	var h models.Holding
	err := tx.Where("user_id = ? AND symbol = ? AND exchange = ?", userID, symbol, exchange).First(&h).Error
	now := time.Now()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		h = models.Holding{
			UserID: userID, Symbol: symbol, Exchange: exchange,
			Quantity: qty, AveragePrice: avg, SettlementDate: now,
			CreatedAt: now, UpdatedAt: now,
		}
		return tx.Create(&h).Error
	}
	if err != nil {
		return err
	}
	newQty := h.Quantity + qty
	newAvg := decimal.NewFromInt(h.Quantity).Mul(h.AveragePrice).
		Add(decimal.NewFromInt(qty).Mul(avg)).
		Div(decimal.NewFromInt(newQty)).RoundBank(2)
	h.Quantity = newQty
	h.AveragePrice = newAvg
	h.UpdatedAt = now
	return tx.Save(&h).Error
}

func reduceHoldingTx(tx *gorm.DB, userID, symbol, exchange string, qty int64) error {
	var h models.Holding
	if err := tx.Where("user_id = ? AND symbol = ? AND exchange = ?", userID, symbol, exchange).First(&h).Error; err != nil {
		return err
	}
	h.Quantity -= qty
	if h.Quantity <= 0 {
		return tx.Delete(&h).Error
	}
	h.UpdatedAt = time.Now()
	return tx.Save(&h).Error
}

// List returns every holding for a user.
func (m *Manager) List(userID string) ([]models.Holding, error) {
	var out []models.Holding
	err := m.st.DB.Where("user_id = ?", userID).Find(&out).Error
	return out, err
}

// UpdateMTM refreshes a holding's ltp/pnl, sharing the Execution Engine's
// MTM cadence (spec §4.9 "Holdings are updated by the same MTM refresh as
// Positions").
func (m *Manager) UpdateMTM(userID, symbol, exchange string, ltp decimal.Decimal) error {
	var h models.Holding
	if err := m.st.DB.Where("user_id = ? AND symbol = ? AND exchange = ?", userID, symbol, exchange).First(&h).Error; err != nil {
		return err
	}
	h.LTP = ltp
	notional := decimal.NewFromInt(h.Quantity).Mul(h.AveragePrice)
	h.PnL = ltp.Sub(h.AveragePrice).Mul(decimal.NewFromInt(h.Quantity)).RoundBank(2)
	if notional.IsPositive() {
		h.PnLPercent = h.PnL.Div(notional).Mul(decimal.NewFromInt(100)).Round(4)
	}
	h.UpdatedAt = time.Now()
	return m.st.DB.Save(&h).Error
}

// ListAllOpenSymbols returns every nonzero holding row across all users
// (one row per user, symbol and exchange, not de-duplicated by symbol), for
// the MTM sub-loop to fetch quotes against.
func (m *Manager) ListAllOpenSymbols() ([]models.Holding, error) {
	var out []models.Holding
	err := m.st.DB.Where("quantity != 0").Find(&out).Error
	return out, err
}
