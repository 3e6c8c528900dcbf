// Package ledger implements the per-user cash record (spec §4.2): atomic
// debit/credit/transfer primitives over the Funds table.
//
// Every primitive has two forms: a locking public method that acquires the
// user's write lock and opens its own transaction (for standalone callers
// like the scheduler or config hooks), and a "Tx" form that takes an
// already-open *gorm.DB transaction and assumes the caller already holds
// the user's lock. Order Manager, Execution Engine, and Position Manager
// all hold that lock for the duration of a fill and must use the Tx forms
// to avoid deadlocking on the non-reentrant per-user mutex (spec §5).
package ledger

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/algosandbox/core/internal/metrics"
	"github.com/algosandbox/core/internal/models"
	"github.com/algosandbox/core/internal/store"
)

// ErrInsufficientFunds is returned by BlockMargin when available_balance
// cannot cover the requested amount.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

var logger = log.With().Str("component", "ledger").Logger()

// Ledger owns all mutation of the Funds table.
type Ledger struct {
	st *store.Store
}

func New(st *store.Store) *Ledger {
	return &Ledger{st: st}
}

// EnsureFunds creates a Funds row for a new user with the given starting
// capital if one does not already exist. Idempotent.
func (l *Ledger) EnsureFunds(userID string, startingCapital decimal.Decimal) (*models.Funds, error) {
	var f models.Funds
	err := l.st.DB.Where("user_id = ?", userID).First(&f).Error
	if err == nil {
		return &f, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	f = models.Funds{
		UserID:           userID,
		TotalCapital:     startingCapital,
		AvailableBalance: startingCapital,
		UsedMargin:       decimal.Zero,
		RealizedPnL:      decimal.Zero,
		UnrealizedPnL:    decimal.Zero,
		TotalPnL:         decimal.Zero,
		LastResetDate:    time.Now(),
		ResetCount:       0,
	}
	if err := l.st.DB.Create(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

func (l *Ledger) loadTx(tx *gorm.DB, userID string) (*models.Funds, error) {
	var f models.Funds
	if err := tx.Where("user_id = ?", userID).First(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

func recomputeTotal(f *models.Funds) {
	f.TotalPnL = f.RealizedPnL.Add(f.UnrealizedPnL)
}

// withTx runs fn in its own transaction under the user's write lock, for
// callers that do not already hold it.
func (l *Ledger) withTx(userID string, fn func(tx *gorm.DB) error) error {
	return l.st.WithUserLock(userID, func() error {
		return l.st.DB.Transaction(fn)
	})
}

// --- locking forms ---

func (l *Ledger) BlockMargin(userID string, amount decimal.Decimal) error {
	return l.withTx(userID, func(tx *gorm.DB) error { return l.BlockMarginTx(tx, userID, amount) })
}

func (l *Ledger) ReleaseMargin(userID string, amount, realizedDelta decimal.Decimal) error {
	return l.withTx(userID, func(tx *gorm.DB) error {
		return l.ReleaseMarginTx(tx, userID, amount, realizedDelta)
	})
}

func (l *Ledger) TransferMarginToHoldings(userID string, amount decimal.Decimal) error {
	return l.withTx(userID, func(tx *gorm.DB) error {
		return l.TransferMarginToHoldingsTx(tx, userID, amount)
	})
}

func (l *Ledger) CreditSaleProceeds(userID string, amount decimal.Decimal) error {
	return l.withTx(userID, func(tx *gorm.DB) error { return l.CreditSaleProceedsTx(tx, userID, amount) })
}

func (l *Ledger) SetUnrealized(userID string, amount decimal.Decimal) error {
	return l.withTx(userID, func(tx *gorm.DB) error { return l.SetUnrealizedTx(tx, userID, amount) })
}

func (l *Ledger) Reset(userID string) error {
	return l.withTx(userID, func(tx *gorm.DB) error { return l.ResetTx(tx, userID) })
}

func (l *Ledger) SetCapital(userID string, v decimal.Decimal) error {
	return l.withTx(userID, func(tx *gorm.DB) error { return l.SetCapitalTx(tx, userID, v) })
}

// --- transaction-scoped forms: caller already holds userID's write lock ---

// BlockMarginTx debits available_balance and credits used_margin. Fails
// with ErrInsufficientFunds (no mutation) if available_balance < amount.
func (l *Ledger) BlockMarginTx(tx *gorm.DB, userID string, amount decimal.Decimal) error {
	f, err := l.loadTx(tx, userID)
	if err != nil {
		return err
	}
	if f.AvailableBalance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	f.AvailableBalance = f.AvailableBalance.Sub(amount)
	f.UsedMargin = f.UsedMargin.Add(amount)
	return tx.Save(f).Error
}

// ReleaseMarginTx credits available_balance with the released margin
// principal plus realizedDelta (the P&L on the closed leg becomes cash the
// instant it is realized — this is what keeps the §3 I3 conservation
// identity, available + used_margin + holdings_value == total_capital +
// realized_pnl, true after every commit; crediting only the principal
// would silently strand realized profit outside available_balance), debits
// used_margin by the principal, and adds realizedDelta to realized_pnl. A
// caller passing amount > used_margin (drift) is clamped to used_margin
// with a warning instead of letting used_margin go negative (spec §7
// LedgerDrift).
func (l *Ledger) ReleaseMarginTx(tx *gorm.DB, userID string, amount, realizedDelta decimal.Decimal) error {
	f, err := l.loadTx(tx, userID)
	if err != nil {
		return err
	}
	rel := amount
	if rel.GreaterThan(f.UsedMargin) {
		logger.Warn().
			Str("user_id", userID).
			Str("requested", amount.String()).
			Str("used_margin", f.UsedMargin.String()).
			Msg("margin release exceeds used_margin, clamping")
		metrics.InvariantViolations.WithLabelValues("used_margin_underflow").Inc()
		rel = f.UsedMargin
	}
	f.UsedMargin = f.UsedMargin.Sub(rel)
	f.AvailableBalance = f.AvailableBalance.Add(rel).Add(realizedDelta)
	f.RealizedPnL = f.RealizedPnL.Add(realizedDelta)
	recomputeTotal(f)
	return tx.Save(f).Error
}

// TransferMarginToHoldingsTx debits used_margin only; available_balance is
// untouched. Used by T+1 settlement of a CNC BUY.
func (l *Ledger) TransferMarginToHoldingsTx(tx *gorm.DB, userID string, amount decimal.Decimal) error {
	f, err := l.loadTx(tx, userID)
	if err != nil {
		return err
	}
	rel := amount
	if rel.GreaterThan(f.UsedMargin) {
		logger.Warn().Str("user_id", userID).Msg("holdings transfer exceeds used_margin, clamping")
		metrics.InvariantViolations.WithLabelValues("used_margin_underflow").Inc()
		rel = f.UsedMargin
	}
	f.UsedMargin = f.UsedMargin.Sub(rel)
	return tx.Save(f).Error
}

// CreditSaleProceedsTx credits available_balance. Used by T+1 settlement of
// a CNC SELL.
func (l *Ledger) CreditSaleProceedsTx(tx *gorm.DB, userID string, amount decimal.Decimal) error {
	f, err := l.loadTx(tx, userID)
	if err != nil {
		return err
	}
	f.AvailableBalance = f.AvailableBalance.Add(amount)
	return tx.Save(f).Error
}

// SetUnrealizedTx replaces unrealized_pnl and recomputes total_pnl.
func (l *Ledger) SetUnrealizedTx(tx *gorm.DB, userID string, amount decimal.Decimal) error {
	f, err := l.loadTx(tx, userID)
	if err != nil {
		return err
	}
	f.UnrealizedPnL = amount
	recomputeTotal(f)
	return tx.Save(f).Error
}

// ResetTx restores a user's funds to their starting capital, clearing
// margin and P&L, and bumps reset_count. Used by the weekly auto_reset job.
func (l *Ledger) ResetTx(tx *gorm.DB, userID string) error {
	f, err := l.loadTx(tx, userID)
	if err != nil {
		return err
	}
	f.AvailableBalance = f.TotalCapital
	f.UsedMargin = decimal.Zero
	f.RealizedPnL = decimal.Zero
	f.UnrealizedPnL = decimal.Zero
	f.TotalPnL = decimal.Zero
	f.ResetCount++
	f.LastResetDate = time.Now()
	return tx.Save(f).Error
}

// SetCapitalTx applies a starting_capital config change (spec §4.1):
// total_capital := v, available_balance := v - used_margin + total_pnl,
// preserving used_margin/realized_pnl/unrealized_pnl.
func (l *Ledger) SetCapitalTx(tx *gorm.DB, userID string, v decimal.Decimal) error {
	f, err := l.loadTx(tx, userID)
	if err != nil {
		return err
	}
	f.TotalCapital = v
	f.AvailableBalance = v.Sub(f.UsedMargin).Add(f.TotalPnL)
	return tx.Save(f).Error
}

// Get returns a snapshot of a user's funds row.
func (l *Ledger) Get(userID string) (*models.Funds, error) {
	var f models.Funds
	if err := l.st.DB.Where("user_id = ?", userID).First(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

// SumUsedMargin returns the sum of used_margin across every Funds row,
// for the sandbox_margin_blocked_total gauge (internal/metrics).
func (l *Ledger) SumUsedMargin() (decimal.Decimal, error) {
	var rows []models.Funds
	if err := l.st.DB.Find(&rows).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, f := range rows {
		total = total.Add(f.UsedMargin)
	}
	return total, nil
}

// SetCapitalForAllUsers applies a starting_capital config write across
// every Funds row in the store.
func (l *Ledger) SetCapitalForAllUsers(v decimal.Decimal) error {
	var users []string
	if err := l.st.DB.Model(&models.Funds{}).Pluck("user_id", &users).Error; err != nil {
		return err
	}
	for _, u := range users {
		if err := l.SetCapital(u, v); err != nil {
			return err
		}
	}
	return nil
}
