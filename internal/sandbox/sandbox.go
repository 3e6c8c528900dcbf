// Package sandbox assembles every component into the single facade the
// spec's upward contract names (§6): place_order, modify_order,
// cancel_order, cancel_all, close_position, and the list_* read
// projections. An HTTP/RPC layer (out of scope) would sit directly on top
// of this type.
package sandbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/algosandbox/core/internal/config"
	"github.com/algosandbox/core/internal/execution"
	"github.com/algosandbox/core/internal/holdings"
	"github.com/algosandbox/core/internal/ledger"
	"github.com/algosandbox/core/internal/models"
	"github.com/algosandbox/core/internal/notify"
	"github.com/algosandbox/core/internal/orders"
	"github.com/algosandbox/core/internal/positions"
	"github.com/algosandbox/core/internal/quotes"
	"github.com/algosandbox/core/internal/scheduler"
	"github.com/algosandbox/core/internal/squareoff"
	"github.com/algosandbox/core/internal/store"
)

var logger = log.With().Str("component", "sandbox").Logger()

// Sandbox is the top-level handle a caller constructs once per process.
type Sandbox struct {
	Store     *store.Store
	Config    *config.Store
	Ledger    *ledger.Ledger
	Positions *positions.Manager
	Orders    *orders.Manager
	Holdings  *holdings.Manager
	Execution *execution.Engine
	Squareoff *squareoff.Manager
	Scheduler *scheduler.Scheduler

	quotes quotes.QuoteProvider
}

// Deps are the collaborators injected from outside the core (spec §6
// downward interfaces) plus the resolved deployment timezone.
type Deps struct {
	Store            *store.Store
	Quotes           quotes.QuoteProvider
	Meta             quotes.SymbolMetaProvider
	Location         *time.Location
	TelegramBotToken string
	TelegramChatID   int64
}

// New wires every component together in dependency order: Ledger ->
// Positions -> Orders -> Execution/Holdings -> Squareoff -> Scheduler.
func New(d Deps) (*Sandbox, error) {
	cfg := config.New(d.Store)
	if err := cfg.Bootstrap(); err != nil {
		return nil, err
	}

	l := ledger.New(d.Store)
	pm := positions.New(d.Store, l)
	om := orders.New(d.Store, cfg, l, pm, d.Meta, d.Location)
	hm := holdings.New(d.Store, l, pm)
	em := execution.New(om, pm, hm, l, cfg, d.Quotes)
	sm := squareoff.New(om, pm, cfg, d.Quotes)
	sched := scheduler.New(d.Location, cfg, d.Store, em, sm, hm, l)

	notifier, err := notify.New(d.TelegramBotToken, d.TelegramChatID)
	if err != nil {
		return nil, err
	}
	sm.SetNotifier(notifier)
	hm.SetNotifier(notifier)
	sched.SetNotifier(notifier)

	cfg.OnChange(func(key, oldValue, newValue string) {
		if key != config.KeyStartingCapital || oldValue == newValue {
			return
		}
		v, err := decimal.NewFromString(newValue)
		if err != nil {
			return
		}
		if err := l.SetCapitalForAllUsers(v); err != nil {
			logger.Error().Err(err).Msg("failed to apply starting_capital change to existing funds")
		}
	})

	return &Sandbox{
		Store: d.Store, Config: cfg, Ledger: l, Positions: pm, Orders: om,
		Holdings: hm, Execution: em, Squareoff: sm, Scheduler: sched,
		quotes: d.Quotes,
	}, nil
}

// Start boots the scheduler and runs the startup catch-up sweep (spec
// §4.9's "on process start (when sandbox is active)" clause).
func (s *Sandbox) Start(ctx context.Context) error {
	now := time.Now().In(s.Scheduler.Location())
	s.Holdings.Sweep(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()))
	return s.Scheduler.Start(ctx)
}

// Stop halts the scheduler.
func (s *Sandbox) Stop() {
	s.Scheduler.Stop()
}

// EnsureUser creates a Funds row for a new user at the configured starting
// capital, idempotently.
func (s *Sandbox) EnsureUser(userID string) error {
	capital, err := s.Config.Decimal(config.KeyStartingCapital)
	if err != nil {
		return err
	}
	_, err = s.Ledger.EnsureFunds(userID, capital)
	return err
}

// PlaceOrder implements the upward place_order(user, draft) contract.
func (s *Sandbox) PlaceOrder(ctx context.Context, userID string, d orders.Draft) (*models.Order, error) {
	return s.Orders.PlaceOrder(ctx, userID, d, s.quotes)
}

// ModifyOrder implements the upward modify_order(user, orderid, changes)
// contract. Fetches the current quote itself so callers don't have to
// juggle the suspension-point rule.
func (s *Sandbox) ModifyOrder(ctx context.Context, userID, orderID string, changes orders.ModifyChanges, symbol, exchange string) error {
	q, err := s.quotes.Quote(ctx, symbol, exchange)
	if err != nil {
		return &orders.RejectionError{Kind: orders.KindQuoteUnavailable, Reason: "quote fetch failed on modify", Err: err}
	}
	return s.Orders.ModifyOrder(userID, orderID, changes, decimal.NewFromFloat(q.LTP))
}

// CancelOrder implements the upward cancel_order(user, orderid) contract.
func (s *Sandbox) CancelOrder(userID, orderID string) error {
	return s.Orders.CancelOrder(userID, orderID, "user cancel")
}

// CancelAll implements the upward cancel_all(user) contract.
func (s *Sandbox) CancelAll(userID string) int {
	return s.Orders.CancelAll(userID)
}

// ClosePosition implements the upward close_position(user, key) contract.
func (s *Sandbox) ClosePosition(ctx context.Context, userID, symbol, exchange string, product models.Product) (*models.Order, decimal.Decimal, error) {
	return s.Orders.ClosePosition(ctx, userID, symbol, exchange, product, s.quotes)
}

// ListOrders, ListTrades, ListPositions, ListHoldings, and Funds are the
// upward read-only projections.
func (s *Sandbox) ListOrders(userID string) ([]models.Order, error) { return s.Orders.List(userID) }

func (s *Sandbox) ListTrades(userID string) ([]models.Trade, error) {
	var out []models.Trade
	err := s.Store.DB.Where("user_id = ?", userID).Order("trade_timestamp desc").Find(&out).Error
	return out, err
}

func (s *Sandbox) ListPositions(userID string) ([]models.Position, error) {
	return s.Positions.List(userID)
}

func (s *Sandbox) ListHoldings(userID string) ([]models.Holding, error) {
	return s.Holdings.List(userID)
}

func (s *Sandbox) Funds(userID string) (*models.Funds, error) {
	return s.Ledger.Get(userID)
}
