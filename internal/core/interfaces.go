package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging interface used throughout the engine
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IExchange is the uniform capability set over the per-venue REST surfaces
type IExchange interface {
	GetName() string
	GetVenue() Venue

	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	ExecuteOrderWithSlTp(ctx context.Context, req *EntryRequest) (*EntryResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*OrderInfo, error)
	GetRecentOrders(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*OrderInfo, error)

	GetPositions(ctx context.Context, symbol string) ([]*Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int, positionSide PositionSide) error
	GetPositionMode(ctx context.Context) (PositionMode, error)

	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	NormalizePrice(ctx context.Context, symbol string, price decimal.Decimal) (decimal.Decimal, error)
	NormalizeQuantity(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error)

	GetIncomeHistory(ctx context.Context, symbol, incomeType string, limit int) ([]*Income, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// IStore is the persistence gateway over the entities of the data model
type IStore interface {
	// Signals
	CreateSignal(ctx context.Context, sig *Signal) error
	CompleteSignal(ctx context.Context, sig *Signal) error

	// Signal executions
	CreateExecution(ctx context.Context, exec *SignalExecution) error
	UpdateExecution(ctx context.Context, exec *SignalExecution) error
	GetExecution(ctx context.Context, executionID string) (*SignalExecution, error)
	ListWatchedExecutions(ctx context.Context) ([]*SignalExecution, error)
	UpdateProtectiveOrders(ctx context.Context, executionID, slOrderID, tpOrderID string, slPrice, tpPrice decimal.Decimal) error

	// Trades
	CreateTrade(ctx context.Context, trade *Trade) error
	GetTrade(ctx context.Context, tradeID string) (*Trade, error)
	GetTradeByExecution(ctx context.Context, executionID string) (*Trade, error)
	CountOpenTrades(ctx context.Context, subscriptionID string) (int, error)
	ListOpenTrades(ctx context.Context, subscriptionID string) ([]*Trade, error)
	ListOpenTradesByAccount(ctx context.Context, accountID string) ([]*Trade, error)
	CloseTradeTx(ctx context.Context, trade *Trade, sub *Subscription, snap *DailyPnlSnapshot) error

	// Subscriptions and related entities
	GetBot(ctx context.Context, botID string) (*Bot, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	ListActiveSubscriptions(ctx context.Context, botID string) ([]*SubscriptionContext, error)
	ListAllSubscriptions(ctx context.Context) ([]*Subscription, error)
	IncrementPositionCount(ctx context.Context, subscriptionID string) error
	SetPositionCount(ctx context.Context, subscriptionID string, count int) error
	IncrementSignalCounters(ctx context.Context, subscriptionID string, status ExecutionStatus) error
	ResetDailyLoss(ctx context.Context) error

	// Accounts
	ListActiveAccounts(ctx context.Context) ([]*ExchangeAccount, error)
	GetAccount(ctx context.Context, accountID string) (*ExchangeAccount, error)
	UpdateAccountSync(ctx context.Context, accountID string, balance decimal.Decimal, at time.Time) error

	// Daily P&L snapshots
	GetSnapshot(ctx context.Context, subscriptionID, date string) (*DailyPnlSnapshot, error)
	ListUnfinalizedSnapshots(ctx context.Context, before string) ([]*DailyPnlSnapshot, error)
	FinalizeSnapshot(ctx context.Context, subscriptionID, date string) error

	// Webhooks
	GetWebhookByPath(ctx context.Context, urlPath string) (*Webhook, error)
	CreateDelivery(ctx context.Context, d *WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d *WebhookDelivery) error
	RecordWebhookOutcome(ctx context.Context, webhookID string, success bool) (consecutiveErrors int, err error)
	PauseWebhook(ctx context.Context, webhookID string) error

	// Notifications
	CreateNotification(ctx context.Context, n *Notification) error

	Close() error
}

// INotifier emits user-facing notifications and forwards them to channels
type INotifier interface {
	Notify(ctx context.Context, n *Notification)
}

// CloseRecord carries everything the trade tracker needs to close a trade
type CloseRecord struct {
	TradeID    string
	ExitPrice  decimal.Decimal
	ExitQty    decimal.Decimal
	ExitReason ExitReason
	// RealizedPnl overrides the computed P&L when the venue's income
	// history produced an authoritative figure.
	RealizedPnl *decimal.Decimal
}

// ITradeTracker is the sole writer of trade-close state
type ITradeTracker interface {
	CloseTrade(ctx context.Context, rec CloseRecord) (*Trade, error)
	GhostSweep(ctx context.Context, account *ExchangeAccount, openSymbols map[string]bool) (int, error)
	SyncPositionCounters(ctx context.Context) error
}
