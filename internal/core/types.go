// Package core defines the domain types and interfaces for the signal relay
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies a supported derivatives exchange
type Venue string

const (
	VenueBitget  Venue = "bitget"
	VenueBinance Venue = "binance"
	VenueOKX     Venue = "okx"
	VenueBybit   Venue = "bybit"
)

// PositionMode is the venue-side account setting for long/short coexistence
type PositionMode string

const (
	PositionModeHedge  PositionMode = "hedge"
	PositionModeOneWay PositionMode = "one_way"
)

// PositionSide is the positionSide parameter carried on orders in hedge mode
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideBoth  PositionSide = "BOTH"
)

// OrderSide is the order direction
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the reverse side
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType covers the order types the engine places
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the normalized exchange order status
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// SignalAction is the normalized inbound signal action
type SignalAction string

const (
	ActionBuy   SignalAction = "buy"
	ActionSell  SignalAction = "sell"
	ActionClose SignalAction = "close"
)

// Direction is the position direction derived from the entry side
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// AllowedDirections is the bot-level direction policy
type AllowedDirections string

const (
	DirectionsBuyOnly  AllowedDirections = "buy_only"
	DirectionsSellOnly AllowedDirections = "sell_only"
	DirectionsBoth     AllowedDirections = "both"
)

// ExecutionStatus is the outcome of one subscription's attempt
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// TradeStatus is the bookkeeping state of a trade
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// ExitReason records why a trade closed
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitManual     ExitReason = "manual"
	ExitEndOfDay   ExitReason = "end_of_day"
	ExitGhostSweep ExitReason = "ghost_cleanup_sync"
)

// ExchangeAccount is a user's venue account with credentials held opaque
type ExchangeAccount struct {
	ID           string
	OwnerUserID  string
	Venue        Venue
	APIKey       string
	SecretKey    string
	Passphrase   string
	IsTestnet    bool
	IsActive     bool
	PositionMode PositionMode // empty until probed
	LastBalance  decimal.Decimal
	LastSyncAt   time.Time
}

// Bot is the broadcast target; its defaults apply when a subscription has no override
type Bot struct {
	ID                string
	Name              string
	Leverage          int
	MarginUSD         decimal.Decimal
	StopLossPct       decimal.Decimal
	TakeProfitPct     decimal.Decimal
	MarketType        string // "spot" or "futures"
	AllowedDirections AllowedDirections
	IsActive          bool
}

// SubscriptionOverrides are optional per-subscription trading parameters
type SubscriptionOverrides struct {
	Leverage      *int
	MarginUSD     *decimal.Decimal
	StopLossPct   *decimal.Decimal
	TakeProfitPct *decimal.Decimal
}

// Subscription links a user's exchange account to a bot
type Subscription struct {
	ID                string
	UserID            string
	BotID             string
	ExchangeAccountID string
	Status            string // active, paused, cancelled
	Overrides         SubscriptionOverrides

	MaxDailyLossUSD        decimal.Decimal
	MaxConcurrentPositions int

	CurrentDailyLossUSD  decimal.Decimal
	CurrentPositions     int
	TotalPnlUSD          decimal.Decimal
	WinCount             int
	LossCount            int
	TotalSignalsReceived int
	TotalOrdersExecuted  int
	TotalOrdersFailed    int
}

// EffectiveLeverage resolves the leverage for this subscription
func (s *Subscription) EffectiveLeverage(bot *Bot) int {
	if s.Overrides.Leverage != nil {
		return *s.Overrides.Leverage
	}
	return bot.Leverage
}

// EffectiveMargin resolves the margin in USD for this subscription
func (s *Subscription) EffectiveMargin(bot *Bot) decimal.Decimal {
	if s.Overrides.MarginUSD != nil {
		return *s.Overrides.MarginUSD
	}
	return bot.MarginUSD
}

// EffectiveStopLossPct resolves the stop-loss percentage
func (s *Subscription) EffectiveStopLossPct(bot *Bot) decimal.Decimal {
	if s.Overrides.StopLossPct != nil {
		return *s.Overrides.StopLossPct
	}
	return bot.StopLossPct
}

// EffectiveTakeProfitPct resolves the take-profit percentage
func (s *Subscription) EffectiveTakeProfitPct(bot *Bot) decimal.Decimal {
	if s.Overrides.TakeProfitPct != nil {
		return *s.Overrides.TakeProfitPct
	}
	return bot.TakeProfitPct
}

// Signal is one accepted inbound signal, created once per webhook delivery
type Signal struct {
	ID                   string
	BotID                string
	Ticker               string
	Action               SignalAction
	Price                decimal.Decimal
	SourceIP             string
	RawPayload           string
	CreatedAt            time.Time
	CompletedAt          time.Time
	TotalSubscribers     int
	SuccessfulExecutions int
	FailedExecutions     int
	BroadcastDurationMs  int64
}

// SignalExecution is one subscription's attempt at a signal
type SignalExecution struct {
	ID                string
	SignalID          string
	SubscriptionID    string
	UserID            string
	ExchangeAccountID string
	Status            ExecutionStatus
	ExchangeOrderID   string
	ExecutedPrice     decimal.Decimal
	ExecutedQuantity  decimal.Decimal
	SlOrderID         string
	TpOrderID         string
	SlPrice           decimal.Decimal
	TpPrice           decimal.Decimal
	SlOrderStatus     string
	TpOrderStatus     string
	RealizedPnl       decimal.Decimal
	CloseReason       string
	ErrorMessage      string
	ErrorCode         string
	ExecutionTimeMs   int64
	CreatedAt         time.Time
	CompletedAt       time.Time
}

// Trade is the open-then-closed bookkeeping record of a position
type Trade struct {
	ID                string
	SubscriptionID    string
	UserID            string
	SignalExecutionID string
	ExchangeAccountID string
	Symbol            string
	Side              OrderSide
	Direction         Direction
	EntryPrice        decimal.Decimal
	EntryQuantity     decimal.Decimal
	EntryTime         time.Time
	SlOrderID         string
	TpOrderID         string
	ExitPrice         decimal.Decimal
	ExitQuantity      decimal.Decimal
	ExitTime          time.Time
	ExitReason        ExitReason
	PnlUSD            decimal.Decimal
	PnlPct            decimal.Decimal
	IsWinner          bool
	Status            TradeStatus
}

// DailyPnlSnapshot is the per-subscription, per-UTC-day P&L roll-up
type DailyPnlSnapshot struct {
	SubscriptionID   string
	UserID           string
	BotID            string
	SnapshotDate     string // YYYY-MM-DD (UTC)
	DailyPnlUSD      decimal.Decimal
	CumulativePnlUSD decimal.Decimal
	DailyWins        int
	DailyLosses      int
	CumulativeWins   int
	CumulativeLosses int
	WinRatePct       decimal.Decimal
	Finalized        bool
}

// Notification is an append-only user-facing message
type Notification struct {
	ID       string
	UserID   string
	Type     string // info, success, warning
	Category string
	Title    string
	Message  string
	Metadata map[string]string
}

// Webhook is a per-tenant inbound signal endpoint configuration
type Webhook struct {
	ID                string
	UserID            string
	URLPath           string
	Secret            string
	IsPublic          bool
	IsActive          bool
	BotID             string // broadcast flow when set
	ExchangeAccountID string // single-account flow when set
	MarginUSD         decimal.Decimal
	Leverage          int
	StopLossPct       decimal.Decimal
	TakeProfitPct     decimal.Decimal
	MarketType        string
	TotalDeliveries   int
	TotalErrors       int
	ConsecutiveErrors int
	ErrorThreshold    int
}

// WebhookDelivery tracks one inbound request through its retry lifecycle
type WebhookDelivery struct {
	ID               string
	WebhookID        string
	Status           string // pending, processing, retrying, success, failed
	Attempts         int
	OrdersCreated    int
	OrdersExecuted   int
	OrdersFailed     int
	ErrorMessage     string
	ProcessingTimeMs int64
	CreatedAt        time.Time
}

// SubscriptionContext is a subscription joined with its bot and account,
// as loaded for one broadcast.
type SubscriptionContext struct {
	Subscription *Subscription
	Bot          *Bot
	Account      *ExchangeAccount
}

// OrderRequest is a single order placement
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	StopPrice     decimal.Decimal // trigger price for protective orders
	PositionSide  PositionSide
	ReduceOnly    bool
	ClosePosition bool
}

// OrderResult is the venue's answer to a placement
type OrderResult struct {
	OrderID     string
	AvgPrice    decimal.Decimal
	ExecutedQty decimal.Decimal
	Status      OrderStatus
}

// EntryRequest is a fully-managed entry with paired protective legs
type EntryRequest struct {
	Symbol       string
	Side         OrderSide
	Quantity     decimal.Decimal
	Leverage     int
	SlPrice      decimal.Decimal
	TpPrice      decimal.Decimal
	PositionSide PositionSide
}

// EntryResult carries the entry fill plus whichever protective legs were placed
type EntryResult struct {
	OrderID     string
	AvgPrice    decimal.Decimal
	ExecutedQty decimal.Decimal
	SlOrderID   string
	TpOrderID   string
	SlError     error
	TpError     error
}

// PartialProtection reports whether the entry succeeded but a leg is missing
func (r *EntryResult) PartialProtection() bool {
	return r.SlError != nil || r.TpError != nil
}

// OrderInfo is a normalized order as reported by the venue
type OrderInfo struct {
	OrderID     string
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Status      OrderStatus
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	AvgPrice    decimal.Decimal
	ExecutedQty decimal.Decimal
	UpdatedAt   time.Time
}

// Position is a live venue position
type Position struct {
	Symbol       string
	Size         decimal.Decimal // signed in one-way mode
	EntryPrice   decimal.Decimal
	MarkPrice    decimal.Decimal
	PositionSide PositionSide
	Leverage     int
}

// Income is one row of the venue's income history
type Income struct {
	Symbol     string
	IncomeType string
	Income     decimal.Decimal
	Time       time.Time
}
