// Package models holds the gorm-persisted row types for the sandbox
// brokerage ledger: Order, Trade, Position, Holding, Funds, ConfigEntry.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

type PriceType string

const (
	PriceTypeMarket PriceType = "MARKET"
	PriceTypeLimit  PriceType = "LIMIT"
	PriceTypeSL     PriceType = "SL"
	PriceTypeSLM    PriceType = "SL-M"
)

type Product string

const (
	ProductCNC  Product = "CNC"
	ProductNRML Product = "NRML"
	ProductMIS  Product = "MIS"
)

type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusComplete  OrderStatus = "complete"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order is one row per placed order. See spec §3 for invariants.
type Order struct {
	OrderID          string `gorm:"column:orderid;primaryKey"`
	UserID           string `gorm:"column:user_id;index:idx_orders_user_status"`
	Symbol           string `gorm:"column:symbol"`
	Exchange         string `gorm:"column:exchange"`
	Action           Action `gorm:"column:action"`
	Quantity         int64  `gorm:"column:quantity"`
	Price            decimal.NullDecimal `gorm:"column:price;type:decimal(18,2)"`
	TriggerPrice     decimal.NullDecimal `gorm:"column:trigger_price;type:decimal(18,2)"`
	PriceType        PriceType           `gorm:"column:price_type"`
	Product          Product             `gorm:"column:product"`
	OrderStatus      OrderStatus         `gorm:"column:order_status;index:idx_orders_user_status"`
	FilledQuantity   int64               `gorm:"column:filled_quantity"`
	PendingQuantity  int64               `gorm:"column:pending_quantity"`
	AveragePrice     decimal.NullDecimal `gorm:"column:average_price;type:decimal(18,2)"`
	RejectionReason  string              `gorm:"column:rejection_reason"`
	MarginBlocked    decimal.Decimal     `gorm:"column:margin_blocked;type:decimal(18,2)"`
	Strategy         string              `gorm:"column:strategy"`
	OrderTimestamp   time.Time           `gorm:"column:order_timestamp"`
	UpdateTimestamp  time.Time           `gorm:"column:update_timestamp"`
}

// Trade is one row per fill. Produced 1:1 with an order transitioning to
// complete; immutable after creation.
type Trade struct {
	TradeID        string          `gorm:"column:tradeid;primaryKey"`
	OrderID        string          `gorm:"column:orderid;index"`
	UserID         string          `gorm:"column:user_id"`
	Symbol         string          `gorm:"column:symbol"`
	Exchange       string          `gorm:"column:exchange"`
	Action         Action          `gorm:"column:action"`
	Quantity       int64           `gorm:"column:quantity"`
	Price          decimal.Decimal `gorm:"column:price;type:decimal(18,2)"`
	Product        Product         `gorm:"column:product"`
	TradeTimestamp time.Time       `gorm:"column:trade_timestamp"`
}

// Position is one row per (user, symbol, exchange, product).
type Position struct {
	ID                      uint            `gorm:"primaryKey;autoIncrement"`
	UserID                  string          `gorm:"column:user_id;uniqueIndex:idx_positions_key"`
	Symbol                  string          `gorm:"column:symbol;uniqueIndex:idx_positions_key"`
	Exchange                string          `gorm:"column:exchange;uniqueIndex:idx_positions_key"`
	Product                 Product         `gorm:"column:product;uniqueIndex:idx_positions_key"`
	Quantity                int64           `gorm:"column:quantity"`
	AveragePrice            decimal.Decimal `gorm:"column:average_price;type:decimal(18,2)"`
	LTP                     decimal.Decimal `gorm:"column:ltp;type:decimal(18,2)"`
	PnL                     decimal.Decimal `gorm:"column:pnl;type:decimal(18,2)"`
	PnLPercent              decimal.Decimal `gorm:"column:pnl_percent;type:decimal(18,4)"`
	AccumulatedRealizedPnL  decimal.Decimal `gorm:"column:accumulated_realized_pnl;type:decimal(18,2)"`
	MarginBlocked           decimal.Decimal `gorm:"column:margin_blocked;type:decimal(18,2)"`
	CreatedAt               time.Time       `gorm:"column:created_at"`
	UpdatedAt               time.Time       `gorm:"column:updated_at"`
}

// Holding is one row per (user, symbol, exchange); product is implicitly CNC.
type Holding struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	UserID         string          `gorm:"column:user_id;uniqueIndex:idx_holdings_key"`
	Symbol         string          `gorm:"column:symbol;uniqueIndex:idx_holdings_key"`
	Exchange       string          `gorm:"column:exchange;uniqueIndex:idx_holdings_key"`
	Quantity       int64           `gorm:"column:quantity"`
	AveragePrice   decimal.Decimal `gorm:"column:average_price;type:decimal(18,2)"`
	LTP            decimal.Decimal `gorm:"column:ltp;type:decimal(18,2)"`
	PnL            decimal.Decimal `gorm:"column:pnl;type:decimal(18,2)"`
	PnLPercent     decimal.Decimal `gorm:"column:pnl_percent;type:decimal(18,4)"`
	SettlementDate time.Time       `gorm:"column:settlement_date"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

// Funds is one row per user_id.
type Funds struct {
	UserID           string          `gorm:"column:user_id;primaryKey"`
	TotalCapital     decimal.Decimal `gorm:"column:total_capital;type:decimal(18,2)"`
	AvailableBalance decimal.Decimal `gorm:"column:available_balance;type:decimal(18,2)"`
	UsedMargin       decimal.Decimal `gorm:"column:used_margin;type:decimal(18,2)"`
	RealizedPnL      decimal.Decimal `gorm:"column:realized_pnl;type:decimal(18,2)"`
	UnrealizedPnL    decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(18,2)"`
	TotalPnL         decimal.Decimal `gorm:"column:total_pnl;type:decimal(18,2)"`
	LastResetDate    time.Time       `gorm:"column:last_reset_date"`
	ResetCount       int             `gorm:"column:reset_count"`
}

// ConfigEntry backs the runtime-mutable Config Store (spec §4.1).
type ConfigEntry struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Value     string    `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Order) TableName() string       { return "orders" }
func (Trade) TableName() string       { return "trades" }
func (Position) TableName() string    { return "positions" }
func (Holding) TableName() string     { return "holdings" }
func (Funds) TableName() string       { return "funds" }
func (ConfigEntry) TableName() string { return "config" }
