// Package positions implements the Position Manager (spec §4.7): the
// per-(user, symbol, exchange, product) netting state machine that turns
// each trade fill into a position update, realizing P&L and releasing
// margin as positions shrink, close, or reverse.
package positions

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/algosandbox/core/internal/ledger"
	"github.com/algosandbox/core/internal/models"
	"github.com/algosandbox/core/internal/store"
)

// ErrInvalidFill is returned when a fill's quantity is not positive.
var ErrInvalidFill = errors.New("positions: fill quantity must be positive")

// Manager owns all mutation of the Position table. It never acquires the
// per-user lock itself: UpdateOnFill and DeleteFlatTx take an already-open
// transaction from a caller that holds the lock for the duration of the
// fill; UpdateMTM and the read helpers use the store's DB directly.
type Manager struct {
	st     *store.Store
	ledger *ledger.Ledger
}

func New(st *store.Store, l *ledger.Ledger) *Manager {
	return &Manager{st: st, ledger: l}
}

func sign(q int64) decimal.Decimal {
	if q < 0 {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func abs64(q int64) int64 {
	if q < 0 {
		return -q
	}
	return q
}

func (m *Manager) loadTx(tx *gorm.DB, userID, symbol, exchange string, product models.Product) (*models.Position, bool, error) {
	var p models.Position
	err := tx.Where("user_id = ? AND symbol = ? AND exchange = ? AND product = ?",
		userID, symbol, exchange, product).First(&p).Error
	if err == nil {
		return &p, true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.Position{
			UserID:   userID,
			Symbol:   symbol,
			Exchange: exchange,
			Product:  product,
		}, false, nil
	}
	return nil, false, err
}

// UpdateOnFill applies one trade fill to the netting state machine (spec
// §4.7 Cases A-F) and persists the resulting position row. orderMargin is
// the margin that was blocked for this specific order at placement time
// (§4.4 must_block_margin); on a reducing, closing, or reversing fill it is
// released back to the user together with whatever proportion of the
// position's own stored margin the fill frees up — the reference
// resolution for blocking at placement and releasing m_order together with
// m_rel at fill. It returns the realized P&L delta booked by this fill (zero
// for opening or same-direction adds).
func (m *Manager) UpdateOnFill(
	tx *gorm.DB,
	userID, symbol, exchange string,
	product models.Product,
	action models.Action,
	qty int64,
	execPrice decimal.Decimal,
	orderMargin decimal.Decimal,
) (*models.Position, decimal.Decimal, error) {
	if qty <= 0 {
		return nil, decimal.Zero, ErrInvalidFill
	}

	pos, existed, err := m.loadTx(tx, userID, symbol, exchange, product)
	if err != nil {
		return nil, decimal.Zero, err
	}

	qSigned := qty
	if action == models.ActionSell {
		qSigned = -qty
	}

	qOld := pos.Quantity
	qNew := qOld + qSigned
	realizedDelta := decimal.Zero

	switch {
	case qOld == 0:
		// Case A (no prior row) / Case B (reopening a flat row): identical
		// formula since a flat row's accumulated_realized_pnl carries over
		// either way.
		pos.Quantity = qSigned
		pos.AveragePrice = execPrice
		pos.MarginBlocked = orderMargin

	case sign(qOld).Equal(sign(qSigned)):
		// Case C: adding to an existing position in the same direction.
		absOld := decimal.NewFromInt(abs64(qOld))
		absFill := decimal.NewFromInt(abs64(qSigned))
		absNew := absOld.Add(absFill)
		pos.AveragePrice = absOld.Mul(pos.AveragePrice).Add(absFill.Mul(execPrice)).Div(absNew).RoundBank(2)
		pos.Quantity = qNew
		pos.MarginBlocked = pos.MarginBlocked.Add(orderMargin)

	default:
		// Opposite-sign fill against a nonzero position: reduce, close, or
		// reverse.
		absOld := abs64(qOld)
		absFill := qty
		dirOld := sign(qOld)

		switch {
		case absFill < absOld:
			// Case D: partial reduction.
			r := decimal.NewFromInt(absFill).Div(decimal.NewFromInt(absOld))
			realizedDelta = dirOld.Mul(execPrice.Sub(pos.AveragePrice)).Mul(decimal.NewFromInt(absFill)).RoundBank(2)
			mRel := pos.MarginBlocked.Mul(r).RoundBank(2)
			if err := m.ledger.ReleaseMarginTx(tx, userID, mRel.Add(orderMargin), realizedDelta); err != nil {
				return nil, decimal.Zero, err
			}
			pos.Quantity = qNew
			pos.MarginBlocked = pos.MarginBlocked.Sub(mRel)

		case absFill == absOld:
			// Case E: exact close.
			realizedDelta = dirOld.Mul(execPrice.Sub(pos.AveragePrice)).Mul(decimal.NewFromInt(absOld)).RoundBank(2)
			mRel := pos.MarginBlocked
			if err := m.ledger.ReleaseMarginTx(tx, userID, mRel.Add(orderMargin), realizedDelta); err != nil {
				return nil, decimal.Zero, err
			}
			pos.Quantity = 0
			pos.AveragePrice = decimal.Zero
			pos.MarginBlocked = decimal.Zero

		default:
			// Case F: reversal. qOpen closes the old position; qNewOpen
			// opens a fresh one in the opposite direction. The order's own
			// blocked margin is sliced in proportion to how much of the
			// fill closed the old side versus opened the new one.
			qOpen := absOld
			qNewOpen := absFill - absOld
			realizedDelta = dirOld.Mul(execPrice.Sub(pos.AveragePrice)).Mul(decimal.NewFromInt(qOpen)).RoundBank(2)
			mRel := pos.MarginBlocked
			mOrderRelease := orderMargin.Mul(decimal.NewFromInt(qOpen)).Div(decimal.NewFromInt(absFill)).RoundBank(2)
			mOrderCarried := orderMargin.Sub(mOrderRelease)
			if err := m.ledger.ReleaseMarginTx(tx, userID, mRel.Add(mOrderRelease), realizedDelta); err != nil {
				return nil, decimal.Zero, err
			}
			pos.Quantity = qNew
			pos.AveragePrice = execPrice
			pos.MarginBlocked = mOrderCarried
		}

		pos.AccumulatedRealizedPnL = pos.AccumulatedRealizedPnL.Add(realizedDelta)
	}

	pos.UpdatedAt = time.Now()
	if existed {
		if err := tx.Save(pos).Error; err != nil {
			return nil, decimal.Zero, err
		}
	} else {
		pos.CreatedAt = time.Now()
		if err := tx.Create(pos).Error; err != nil {
			return nil, decimal.Zero, err
		}
	}

	return pos, realizedDelta, nil
}

// UpdateMTM refreshes a position's mark-to-market snapshot: ltp, pnl, and
// pnl_percent. Called by the Execution Engine's MTM sub-loop; takes no
// lock since it only ever touches an already-flat-irrelevant read field
// set (ltp/pnl) that isn't part of the money-conservation invariants.
// Display pnl is always accumulated_realized_pnl + unrealized (spec
// §4.7's "Display pnl = R + u"; for a flat row u is zero so pnl = R).
func (m *Manager) UpdateMTM(userID, symbol, exchange string, product models.Product, ltp decimal.Decimal) error {
	var pos models.Position
	err := m.st.DB.Where("user_id = ? AND symbol = ? AND exchange = ? AND product = ?",
		userID, symbol, exchange, product).First(&pos).Error
	if err != nil {
		return err
	}
	if pos.Quantity == 0 {
		pos.PnL = pos.AccumulatedRealizedPnL
		pos.UpdatedAt = time.Now()
		return m.st.DB.Save(&pos).Error
	}
	pos.LTP = ltp
	notional := decimal.NewFromInt(abs64(pos.Quantity)).Mul(pos.AveragePrice)
	unrealized := sign(pos.Quantity).Mul(ltp.Sub(pos.AveragePrice)).Mul(decimal.NewFromInt(abs64(pos.Quantity))).RoundBank(2)
	pos.PnL = unrealized.Add(pos.AccumulatedRealizedPnL)
	if notional.IsPositive() {
		pos.PnLPercent = unrealized.Div(notional).Mul(decimal.NewFromInt(100)).Round(4)
	}
	pos.UpdatedAt = time.Now()
	return m.st.DB.Save(&pos).Error
}

// Get returns a user's position for one (symbol, exchange, product), or
// nil if none exists.
func (m *Manager) Get(userID, symbol, exchange string, product models.Product) (*models.Position, error) {
	var pos models.Position
	err := m.st.DB.Where("user_id = ? AND symbol = ? AND exchange = ? AND product = ?",
		userID, symbol, exchange, product).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// List returns every open (nonzero-quantity) position for a user.
func (m *Manager) List(userID string) ([]models.Position, error) {
	var out []models.Position
	err := m.st.DB.Where("user_id = ? AND quantity != 0", userID).Find(&out).Error
	return out, err
}

// ListAllOpen returns every open (nonzero-quantity) position across all
// users, used by the Execution Engine's MTM sub-loop.
func (m *Manager) ListAllOpen() ([]models.Position, error) {
	var out []models.Position
	err := m.st.DB.Where("quantity != 0").Find(&out).Error
	return out, err
}

// ListByGroup returns every open MIS position for a user restricted to the
// given exchange group, used by the Squareoff Manager's cutoff sweep.
func (m *Manager) ListByGroup(userID string, exchanges []string) ([]models.Position, error) {
	var out []models.Position
	err := m.st.DB.Where("user_id = ? AND quantity != 0 AND product = ? AND exchange IN ?",
		userID, models.ProductMIS, exchanges).Find(&out).Error
	return out, err
}

// ListAllOpenByGroup returns every open MIS position across all users
// restricted to the given exchange group.
func (m *Manager) ListAllOpenByGroup(exchanges []string) ([]models.Position, error) {
	var out []models.Position
	err := m.st.DB.Where("quantity != 0 AND product = ? AND exchange IN ?",
		models.ProductMIS, exchanges).Find(&out).Error
	return out, err
}

// ListCNCOpen returns every open CNC position across all users, for the
// T+1 settlement sweep.
func (m *Manager) ListCNCOpen() ([]models.Position, error) {
	var out []models.Position
	err := m.st.DB.Where("quantity != 0 AND product = ?", models.ProductCNC).Find(&out).Error
	return out, err
}

// DeleteFlatTx removes pos's row inside tx. It does not check the row's
// quantity or accumulated realized P&L; the caller decides. Called by T+1
// settlement after a CNC position has been folded into Holdings.
func (m *Manager) DeleteFlatTx(tx *gorm.DB, pos *models.Position) error {
	return tx.Delete(pos).Error
}
