// Package squareoff implements the Squareoff Manager (spec §4.8): the
// per-exchange-group cutoff sweep that cancels open MIS orders and
// force-closes nonzero MIS positions, plus the every-minute backup pass
// that catches missed scheduler ticks.
package squareoff

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/algosandbox/core/internal/config"
	"github.com/algosandbox/core/internal/metrics"
	"github.com/algosandbox/core/internal/notify"
	"github.com/algosandbox/core/internal/orders"
	"github.com/algosandbox/core/internal/positions"
	"github.com/algosandbox/core/internal/quotes"
)

var logger = log.With().Str("component", "squareoff").Logger()

// groupExchanges enumerates the member exchanges of the four fixed groups
// (spec §6). Kept local rather than re-deriving from config.ExchangeGroup
// since the sweep needs the group -> members direction, not members ->
// group.
var groupExchanges = map[string][]string{
	"NSE_BSE": {"NSE", "BSE", "NFO", "BFO"},
	"CDS_BCD": {"CDS", "BCD"},
	"MCX":     {"MCX"},
	"NCDEX":   {"NCDEX"},
}

// Manager runs the cutoff sweep for one or all exchange groups.
type Manager struct {
	orders    *orders.Manager
	positions *positions.Manager
	cfg       *config.Store
	qp        quotes.QuoteProvider
	notifier  *notify.Notifier
}

func New(om *orders.Manager, pm *positions.Manager, cfg *config.Store, qp quotes.QuoteProvider) *Manager {
	return &Manager{orders: om, positions: pm, cfg: cfg, qp: qp}
}

// SetNotifier attaches an optional Telegram notifier. A nil notifier (the
// default) disables notifications without requiring callers to branch.
func (m *Manager) SetNotifier(n *notify.Notifier) {
	m.notifier = n
}

// SweepGroup implements spec §4.8 steps 1-3 for a single exchange group.
func (m *Manager) SweepGroup(ctx context.Context, group string) {
	exchanges, ok := groupExchanges[group]
	if !ok {
		logger.Error().Str("group", group).Msg("unknown exchange group")
		return
	}

	cancelled := 0
	openOrders, err := m.orders.ListOpenMISByGroup(exchanges)
	if err != nil {
		logger.Error().Err(err).Str("group", group).Msg("failed to list open MIS orders")
	}
	for _, o := range openOrders {
		if err := m.orders.CancelOrder(o.UserID, o.OrderID, "auto-cancelled at square-off"); err != nil {
			logger.Warn().Err(err).Str("order_id", o.OrderID).Msg("squareoff: cancel failed")
			continue
		}
		cancelled++
	}

	closed := 0
	openPositions, err := m.positions.ListAllOpenByGroup(exchanges)
	if err != nil {
		logger.Error().Err(err).Str("group", group).Msg("failed to list open MIS positions")
		m.notifier.Squareoff(group, cancelled, closed)
		return
	}
	for _, p := range openPositions {
		if p.Quantity == 0 {
			continue
		}
		if _, _, err := m.orders.ClosePosition(ctx, p.UserID, p.Symbol, p.Exchange, p.Product, m.qp); err != nil {
			logger.Warn().Err(err).Str("user_id", p.UserID).Str("symbol", p.Symbol).
				Msg("squareoff: reverse close failed")
			continue
		}
		metrics.SquareoffClosures.WithLabelValues(group).Inc()
		closed++
	}
	m.notifier.Squareoff(group, cancelled, closed)
}

// Backup implements the every-minute backup job: for every group whose
// cutoff has already passed today, repeat the sweep. Cheap and idempotent
// — a clean group sweeps zero orders and zero positions.
func (m *Manager) Backup(ctx context.Context, now func() (hour, minute int)) {
	h, min := now()
	for group := range groupExchanges {
		key, ok := config.SquareOffKeyForGroup(group)
		if !ok {
			continue
		}
		cutH, cutM, err := m.cfg.ClockTime(key)
		if err != nil {
			logger.Warn().Err(err).Str("group", group).Msg("backup: cutoff lookup failed")
			continue
		}
		if h > cutH || (h == cutH && min >= cutM) {
			m.SweepGroup(ctx, group)
		}
	}
}

// Groups returns the fixed set of exchange group names.
func Groups() []string {
	return []string{"NSE_BSE", "CDS_BCD", "MCX", "NCDEX"}
}
