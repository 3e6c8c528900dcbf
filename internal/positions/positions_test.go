package positions

import (
	"testing"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/algosandbox/core/internal/ledger"
	"github.com/algosandbox/core/internal/models"
	"github.com/algosandbox/core/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *ledger.Ledger, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	l := ledger.New(st)
	if _, err := l.EnsureFunds("u1", d("10000000")); err != nil {
		t.Fatalf("ensure funds: %v", err)
	}
	return New(st, l), l, st
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func fill(t *testing.T, tx *gorm.DB, m *Manager, action models.Action, qty int64, price, margin string) (*models.Position, decimal.Decimal) {
	t.Helper()
	pos, delta, err := m.UpdateOnFill(tx, "u1", "RELIANCE", "NSE", models.ProductMIS, action, qty, d(price), d(margin))
	if err != nil {
		t.Fatalf("UpdateOnFill: %v", err)
	}
	return pos, delta
}

// Case A: opening a fresh position.
func TestUpdateOnFill_CaseA_Open(t *testing.T) {
	m, _, st := newTestManager(t)
	err := st.DB.Transaction(func(tx *gorm.DB) error {
		pos, delta := fill(t, tx, m, models.ActionBuy, 100, "1200", "24000")
		if pos.Quantity != 100 {
			t.Errorf("quantity = %d, want 100", pos.Quantity)
		}
		if !pos.AveragePrice.Equal(d("1200")) {
			t.Errorf("average_price = %s, want 1200", pos.AveragePrice)
		}
		if !pos.MarginBlocked.Equal(d("24000")) {
			t.Errorf("margin_blocked = %s, want 24000", pos.MarginBlocked)
		}
		if !delta.Equal(decimal.Zero) {
			t.Errorf("realized delta = %s, want 0 on open", delta)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

// Case C: adding to an existing long position recomputes the weighted
// average price and accumulates margin.
func TestUpdateOnFill_CaseC_Add(t *testing.T) {
	m, _, st := newTestManager(t)
	err := st.DB.Transaction(func(tx *gorm.DB) error {
		fill(t, tx, m, models.ActionBuy, 100, "1200", "24000")
		pos, delta := fill(t, tx, m, models.ActionBuy, 100, "1300", "26000")
		if pos.Quantity != 200 {
			t.Errorf("quantity = %d, want 200", pos.Quantity)
		}
		if !pos.AveragePrice.Equal(d("1250.00")) {
			t.Errorf("average_price = %s, want 1250.00", pos.AveragePrice)
		}
		if !pos.MarginBlocked.Equal(d("50000")) {
			t.Errorf("margin_blocked = %s, want 50000", pos.MarginBlocked)
		}
		if !delta.Equal(decimal.Zero) {
			t.Errorf("realized delta = %s, want 0 on same-direction add", delta)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

// Case D: partial reduction realizes proportional P&L and releases a
// proportional slice of the stored margin plus the full order margin.
func TestUpdateOnFill_CaseD_PartialReduce(t *testing.T) {
	m, l, st := newTestManager(t)
	err := st.DB.Transaction(func(tx *gorm.DB) error {
		// block both orders' margin up front, as PlaceOrder would have.
		if err := l.BlockMarginTx(tx, "u1", d("34000")); err != nil {
			t.Fatalf("pre-block margin: %v", err)
		}
		fill(t, tx, m, models.ActionBuy, 100, "1200", "24000")
		pos, delta := fill(t, tx, m, models.ActionSell, 40, "1250", "10000")
		if pos.Quantity != 60 {
			t.Errorf("quantity = %d, want 60", pos.Quantity)
		}
		if !pos.AveragePrice.Equal(d("1200")) {
			t.Errorf("average_price = %s, want 1200 (unchanged on reduce)", pos.AveragePrice)
		}
		wantDelta := d("2000") // (1250-1200)*40
		if !delta.Equal(wantDelta) {
			t.Errorf("realized delta = %s, want %s", delta, wantDelta)
		}
		wantMarginLeft := d("14400") // 24000 * (60/100)
		if !pos.MarginBlocked.Equal(wantMarginLeft) {
			t.Errorf("margin_blocked = %s, want %s", pos.MarginBlocked, wantMarginLeft)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	f, err := l.Get("u1")
	if err != nil {
		t.Fatalf("get funds: %v", err)
	}
	// released = margin slice (9600) + order margin (10000) = 19600, plus
	// the 2000 realized delta credited alongside it.
	wantAvailable := d("10000000").Sub(d("24000")).Sub(d("10000")).Add(d("19600")).Add(d("2000"))
	if !f.AvailableBalance.Equal(wantAvailable) {
		t.Errorf("available_balance = %s, want %s", f.AvailableBalance, wantAvailable)
	}
}

// Case E: exact close realizes full P&L and releases all margin.
func TestUpdateOnFill_CaseE_ExactClose(t *testing.T) {
	m, l, st := newTestManager(t)
	err := st.DB.Transaction(func(tx *gorm.DB) error {
		fill(t, tx, m, models.ActionBuy, 100, "1200", "24000")
		pos, delta := fill(t, tx, m, models.ActionSell, 100, "1250", "25000")
		if pos.Quantity != 0 {
			t.Errorf("quantity = %d, want 0", pos.Quantity)
		}
		if !pos.MarginBlocked.Equal(decimal.Zero) {
			t.Errorf("margin_blocked = %s, want 0", pos.MarginBlocked)
		}
		if !delta.Equal(d("5000")) {
			t.Errorf("realized delta = %s, want 5000", delta)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	f, err := l.Get("u1")
	if err != nil {
		t.Fatalf("get funds: %v", err)
	}
	if !f.AvailableBalance.Equal(d("10005000")) {
		t.Errorf("available_balance = %s, want 10005000", f.AvailableBalance)
	}
	if !f.UsedMargin.Equal(decimal.Zero) {
		t.Errorf("used_margin = %s, want 0", f.UsedMargin)
	}
}

// Case F: reversal closes the old side, opens a fresh opposite position at
// the fill price, and slices the order's own margin between the closed and
// newly-opened legs.
func TestUpdateOnFill_CaseF_Reversal(t *testing.T) {
	m, _, st := newTestManager(t)
	err := st.DB.Transaction(func(tx *gorm.DB) error {
		fill(t, tx, m, models.ActionBuy, 100, "1200", "24000")
		// sell 150: closes 100 long, opens 50 short. Order margin for the
		// full 150-share sell order assumed 15000 (illustrative).
		pos, delta := fill(t, tx, m, models.ActionSell, 150, "1250", "15000")
		if pos.Quantity != -50 {
			t.Errorf("quantity = %d, want -50", pos.Quantity)
		}
		if !pos.AveragePrice.Equal(d("1250")) {
			t.Errorf("average_price = %s, want 1250 (fresh leg)", pos.AveragePrice)
		}
		wantDelta := d("5000") // (1250-1200)*100 closed
		if !delta.Equal(wantDelta) {
			t.Errorf("realized delta = %s, want %s", delta, wantDelta)
		}
		wantCarried := d("15000").Sub(d("15000").Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(150)).RoundBank(2))
		if !pos.MarginBlocked.Equal(wantCarried) {
			t.Errorf("margin_blocked = %s, want %s", pos.MarginBlocked, wantCarried)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestUpdateOnFill_RejectsNonPositiveQty(t *testing.T) {
	m, _, st := newTestManager(t)
	err := st.DB.Transaction(func(tx *gorm.DB) error {
		_, _, err := m.UpdateOnFill(tx, "u1", "RELIANCE", "NSE", models.ProductMIS, models.ActionBuy, 0, d("1200"), d("0"))
		return err
	})
	if err != ErrInvalidFill {
		t.Fatalf("got %v, want ErrInvalidFill", err)
	}
}

// UpdateMTM on an open position folds unrealized P&L together with
// whatever has already been realized on that key (spec §4.7 "Display pnl
// = R + u").
func TestUpdateMTM_OpenPosition_AddsRealizedAndUnrealized(t *testing.T) {
	m, _, st := newTestManager(t)
	err := st.DB.Transaction(func(tx *gorm.DB) error {
		fill(t, tx, m, models.ActionBuy, 100, "1200", "24000")
		_, _ = fill(t, tx, m, models.ActionSell, 40, "1250", "10000") // realizes 2000, leaves 60 long @1200
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	if err := m.UpdateMTM("u1", "RELIANCE", "NSE", models.ProductMIS, d("1300")); err != nil {
		t.Fatalf("UpdateMTM: %v", err)
	}

	pos, err := m.Get("u1", "RELIANCE", "NSE", models.ProductMIS)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !pos.AccumulatedRealizedPnL.Equal(d("2000")) {
		t.Fatalf("accumulated_realized_pnl = %s, want 2000", pos.AccumulatedRealizedPnL)
	}
	wantUnrealized := d("6000") // (1300-1200)*60
	wantPnL := wantUnrealized.Add(d("2000"))
	if !pos.PnL.Equal(wantPnL) {
		t.Errorf("pnl = %s, want %s", pos.PnL, wantPnL)
	}
	wantPercent := wantUnrealized.Div(d("1200").Mul(decimal.NewFromInt(60))).Mul(decimal.NewFromInt(100)).Round(4)
	if !pos.PnLPercent.Equal(wantPercent) {
		t.Errorf("pnl_percent = %s, want %s", pos.PnLPercent, wantPercent)
	}
}

// UpdateMTM on a flat row (kept for accumulated P&L carry-over) reports
// pnl == accumulated_realized_pnl rather than skipping the row entirely.
func TestUpdateMTM_FlatPosition_ReportsAccumulatedRealizedPnL(t *testing.T) {
	m, _, st := newTestManager(t)
	err := st.DB.Transaction(func(tx *gorm.DB) error {
		fill(t, tx, m, models.ActionBuy, 100, "1200", "24000")
		_, _ = fill(t, tx, m, models.ActionSell, 100, "1250", "25000") // exact close, realizes 5000
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	if err := m.UpdateMTM("u1", "RELIANCE", "NSE", models.ProductMIS, d("1300")); err != nil {
		t.Fatalf("UpdateMTM: %v", err)
	}

	pos, err := m.Get("u1", "RELIANCE", "NSE", models.ProductMIS)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pos.Quantity != 0 {
		t.Fatalf("quantity = %d, want 0", pos.Quantity)
	}
	if !pos.PnL.Equal(d("5000")) {
		t.Errorf("pnl = %s, want 5000 (accumulated_realized_pnl carried through)", pos.PnL)
	}
}
