// Package execution turns a validated signal into venue orders for one
// subscription and records the outcome.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal_relay/internal/cache"
	"signal_relay/internal/config"
	"signal_relay/internal/core"
	"signal_relay/internal/risk"
	apperrors "signal_relay/pkg/errors"
	"signal_relay/pkg/retry"
	"signal_relay/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

var hundred = decimal.NewFromInt(100)

// ExchangeProvider resolves the adapter for an account
type ExchangeProvider interface {
	ForAccount(account *core.ExchangeAccount) (core.IExchange, error)
}

// ModeResolver answers the account's venue-side position mode
type ModeResolver interface {
	PositionMode(ctx context.Context, account *core.ExchangeAccount, ex core.IExchange) core.PositionMode
}

// Engine executes one subscription's side of a signal: sizing, leverage,
// entry with protective legs, and the bookkeeping rows. Entries are
// serialized per venue through a shared rate limiter so a wide broadcast
// does not trip venue order-rate limits.
type Engine struct {
	store     core.IStore
	exchanges ExchangeProvider
	modes     ModeResolver
	gate      *risk.Gate
	cooldowns *cache.CooldownTracker
	notifier  core.INotifier
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	retryDelays []time.Duration

	mu       sync.Mutex
	limiters map[core.Venue]*rate.Limiter
}

// NewEngine creates the execution engine
func NewEngine(
	store core.IStore,
	exchanges ExchangeProvider,
	modes ModeResolver,
	notifier core.INotifier,
	cfg config.EngineConfig,
	logger core.ILogger,
) *Engine {
	delays := make([]time.Duration, 0, len(cfg.OrderRetryBackoffSec))
	for _, s := range cfg.OrderRetryBackoffSec {
		delays = append(delays, time.Duration(s)*time.Second)
	}
	if max := cfg.OrderRetryMaxAttempts - 1; max >= 0 && len(delays) > max {
		delays = delays[:max]
	}

	return &Engine{
		store:       store,
		exchanges:   exchanges,
		modes:       modes,
		gate:        risk.NewGate(store, logger),
		cooldowns:   cache.NewCooldownTracker(time.Duration(cfg.SignalCooldownMinutes) * time.Minute),
		notifier:    notifier,
		logger:      logger.WithField("component", "execution"),
		metrics:     telemetry.GetGlobalMetrics(),
		retryDelays: delays,
		limiters:    make(map[core.Venue]*rate.Limiter),
	}
}

// Cooldowns exposes the tracker so the scheduler can sweep it
func (e *Engine) Cooldowns() *cache.CooldownTracker { return e.cooldowns }

// Execute runs one subscription's attempt at a signal and returns the
// recorded execution. It never returns an error; every outcome, including
// infrastructure failures, lands on the execution row.
func (e *Engine) Execute(ctx context.Context, sc *core.SubscriptionContext, sig *core.Signal) *core.SignalExecution {
	start := time.Now()

	exec := &core.SignalExecution{
		ID:                uuid.NewString(),
		SignalID:          sig.ID,
		SubscriptionID:    sc.Subscription.ID,
		UserID:            sc.Subscription.UserID,
		ExchangeAccountID: sc.Account.ID,
		Status:            core.ExecutionPending,
		CreatedAt:         start,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to create execution row",
			"signal_id", sig.ID, "subscription_id", sc.Subscription.ID, "error", err)
		exec.Status = core.ExecutionFailed
		exec.ErrorMessage = err.Error()
		return exec
	}

	var err error
	if sig.Action == core.ActionClose {
		err = e.closePositions(ctx, sc, sig, exec)
	} else {
		err = e.executeEntry(ctx, sc, sig, exec)
	}

	exec.ExecutionTimeMs = time.Since(start).Milliseconds()
	exec.CompletedAt = time.Now()

	switch {
	case err == nil:
		exec.Status = core.ExecutionSuccess
	case apperrors.IsSkip(err):
		exec.Status = core.ExecutionSkipped
		exec.ErrorMessage = err.Error()
		exec.ErrorCode = apperrors.Code(err)
	default:
		exec.Status = core.ExecutionFailed
		exec.ErrorMessage = err.Error()
		exec.ErrorCode = apperrors.Code(err)
		e.addCounter(ctx, e.metrics.OrderFailuresTotal, 1,
			attribute.String("venue", string(sc.Account.Venue)),
			attribute.String("code", exec.ErrorCode))
	}

	if uerr := e.store.UpdateExecution(ctx, exec); uerr != nil {
		e.logger.Error("failed to record execution outcome",
			"execution_id", exec.ID, "error", uerr)
	}
	if cerr := e.store.IncrementSignalCounters(ctx, sc.Subscription.ID, exec.Status); cerr != nil {
		e.logger.Error("failed to update subscription counters",
			"subscription_id", sc.Subscription.ID, "error", cerr)
	}
	e.addCounter(ctx, e.metrics.ExecutionsTotal, 1,
		attribute.String("status", string(exec.Status)))

	return exec
}

func (e *Engine) executeEntry(ctx context.Context, sc *core.SubscriptionContext, sig *core.Signal, exec *core.SignalExecution) error {
	direction := core.DirectionLong
	side := core.OrderSideBuy
	if sig.Action == core.ActionSell {
		direction = core.DirectionShort
		side = core.OrderSideSell
	}

	if err := e.gate.Check(ctx, sc, direction); err != nil {
		return err
	}

	// One entry per (subscription, symbol) inside the cooldown window.
	// The window arms on acceptance; a close clears it.
	if !e.cooldowns.Allow(sc.Subscription.ID, sig.Ticker) {
		return fmt.Errorf("%w: %s", apperrors.ErrCooldownActive, sig.Ticker)
	}

	ex, err := e.exchanges.ForAccount(sc.Account)
	if err != nil {
		return fmt.Errorf("failed to resolve exchange: %w", err)
	}

	sub, bot := sc.Subscription, sc.Bot
	leverage := sub.EffectiveLeverage(bot)
	margin := sub.EffectiveMargin(bot)
	slPct := sub.EffectiveStopLossPct(bot)
	tpPct := sub.EffectiveTakeProfitPct(bot)

	entryPrice := sig.Price
	if !entryPrice.IsPositive() {
		entryPrice, err = ex.GetLatestPrice(ctx, sig.Ticker)
		if err != nil {
			return fmt.Errorf("failed to fetch price: %w", err)
		}
	}

	qty := margin.Mul(decimal.NewFromInt(int64(leverage))).Div(entryPrice)
	qty, err = ex.NormalizeQuantity(ctx, sig.Ticker, qty)
	if err != nil {
		return err
	}

	slPrice, tpPrice, err := e.protectivePrices(ctx, ex, sig.Ticker, side, entryPrice, slPct, tpPct)
	if err != nil {
		return err
	}

	mode := e.modes.PositionMode(ctx, sc.Account, ex)
	posSide := core.PositionSideBoth
	if mode == core.PositionModeHedge {
		posSide = core.PositionSideLong
		if side == core.OrderSideSell {
			posSide = core.PositionSideShort
		}
	}

	if err := ex.SetLeverage(ctx, sig.Ticker, leverage, posSide); err != nil {
		// Leverage is sticky on every venue; a failure here usually means
		// it is already set
		e.logger.Warn("failed to set leverage",
			"account_id", sc.Account.ID, "symbol", sig.Ticker, "error", err)
	}

	if err := e.limiter(sc.Account.Venue).Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	req := &core.EntryRequest{
		Symbol:       sig.Ticker,
		Side:         side,
		Quantity:     qty,
		Leverage:     leverage,
		SlPrice:      slPrice,
		TpPrice:      tpPrice,
		PositionSide: posSide,
	}

	var result *core.EntryResult
	err = retry.DoFixed(ctx, e.retryDelays, apperrors.IsRetryable, func() error {
		var placeErr error
		result, placeErr = ex.ExecuteOrderWithSlTp(ctx, req)
		return placeErr
	})
	if err != nil {
		return err
	}

	exec.ExchangeOrderID = result.OrderID
	exec.ExecutedPrice = result.AvgPrice
	exec.ExecutedQuantity = result.ExecutedQty
	exec.SlOrderID = result.SlOrderID
	exec.TpOrderID = result.TpOrderID
	exec.SlPrice = slPrice
	exec.TpPrice = tpPrice
	if exec.ExecutedPrice.IsZero() {
		exec.ExecutedPrice = entryPrice
	}
	if exec.ExecutedQuantity.IsZero() {
		exec.ExecutedQuantity = qty
	}

	e.addCounter(ctx, e.metrics.OrdersPlacedTotal, 1,
		attribute.String("venue", string(sc.Account.Venue)))

	if result.PartialProtection() {
		e.surfacePartialProtection(ctx, sc, sig, exec, result)
	}

	trade := &core.Trade{
		ID:                uuid.NewString(),
		SubscriptionID:    sub.ID,
		UserID:            sub.UserID,
		SignalExecutionID: exec.ID,
		ExchangeAccountID: sc.Account.ID,
		Symbol:            sig.Ticker,
		Side:              side,
		Direction:         direction,
		EntryPrice:        exec.ExecutedPrice,
		EntryQuantity:     exec.ExecutedQuantity,
		EntryTime:         time.Now(),
		SlOrderID:         result.SlOrderID,
		TpOrderID:         result.TpOrderID,
		Status:            core.TradeOpen,
	}
	if err := e.store.CreateTrade(ctx, trade); err != nil {
		return fmt.Errorf("order placed but trade not recorded: %w", err)
	}
	if err := e.store.IncrementPositionCount(ctx, sub.ID); err != nil {
		e.logger.Error("failed to increment position count",
			"subscription_id", sub.ID, "error", err)
	}

	e.logger.Info("entry executed",
		"subscription_id", sub.ID,
		"symbol", sig.Ticker,
		"side", side,
		"qty", qty,
		"entry", exec.ExecutedPrice,
		"sl", slPrice,
		"tp", tpPrice)

	if e.notifier != nil {
		e.notifier.Notify(ctx, &core.Notification{
			UserID:   sub.UserID,
			Type:     "success",
			Category: "execution",
			Title:    "Position opened",
			Message: fmt.Sprintf("%s %s %s @ %s (SL %s / TP %s)",
				sig.Ticker, direction, qty, exec.ExecutedPrice, slPrice, tpPrice),
			Metadata: map[string]string{"execution_id": exec.ID, "trade_id": trade.ID},
		})
	}
	return nil
}

// protectivePrices derives SL/TP triggers from the entry price and the
// configured percentages, normalized to the symbol's tick size.
func (e *Engine) protectivePrices(ctx context.Context, ex core.IExchange, symbol string, side core.OrderSide, entry, slPct, tpPct decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	slFrac := slPct.Div(hundred)
	tpFrac := tpPct.Div(hundred)

	var sl, tp decimal.Decimal
	if side == core.OrderSideBuy {
		sl = entry.Mul(decimal.NewFromInt(1).Sub(slFrac))
		tp = entry.Mul(decimal.NewFromInt(1).Add(tpFrac))
	} else {
		sl = entry.Mul(decimal.NewFromInt(1).Add(slFrac))
		tp = entry.Mul(decimal.NewFromInt(1).Sub(tpFrac))
	}

	sl, err := ex.NormalizePrice(ctx, symbol, sl)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	tp, err = ex.NormalizePrice(ctx, symbol, tp)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return sl, tp, nil
}

// closePositions flattens every live position for the signal's symbol
// with reverse market orders. Trade rows are not touched here; the
// tracker observes the venue state and closes them.
func (e *Engine) closePositions(ctx context.Context, sc *core.SubscriptionContext, sig *core.Signal, exec *core.SignalExecution) error {
	ex, err := e.exchanges.ForAccount(sc.Account)
	if err != nil {
		return fmt.Errorf("failed to resolve exchange: %w", err)
	}

	positions, err := ex.GetPositions(ctx, sig.Ticker)
	if err != nil {
		return fmt.Errorf("failed to read positions: %w", err)
	}

	mode := e.modes.PositionMode(ctx, sc.Account, ex)
	closed := decimal.Zero
	for _, pos := range positions {
		if pos.Size.IsZero() {
			continue
		}

		side := core.OrderSideSell
		if pos.Size.IsNegative() || pos.PositionSide == core.PositionSideShort {
			side = core.OrderSideBuy
		}

		req := &core.OrderRequest{
			Symbol:   sig.Ticker,
			Side:     side,
			Type:     core.OrderTypeMarket,
			Quantity: pos.Size.Abs(),
		}
		if mode == core.PositionModeHedge {
			// Hedge mode attributes the flatten by positionSide alone;
			// closePosition is reserved for conditional orders and is not
			// accepted on a plain market order.
			req.PositionSide = pos.PositionSide
		} else {
			req.ReduceOnly = true
		}

		if err := e.limiter(sc.Account.Venue).Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
		result, err := ex.PlaceOrder(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to close position %s %s: %w", sig.Ticker, pos.PositionSide, err)
		}

		closed = closed.Add(pos.Size.Abs())
		exec.ExchangeOrderID = result.OrderID
		if !result.AvgPrice.IsZero() {
			exec.ExecutedPrice = result.AvgPrice
		}
	}

	exec.ExecutedQuantity = closed
	// A flattened symbol may re-enter immediately
	e.cooldowns.Clear(sc.Subscription.ID, sig.Ticker)
	e.logger.Info("close signal executed",
		"subscription_id", sc.Subscription.ID,
		"symbol", sig.Ticker,
		"closed_qty", closed,
		"positions", len(positions))
	return nil
}

func (e *Engine) surfacePartialProtection(ctx context.Context, sc *core.SubscriptionContext, sig *core.Signal, exec *core.SignalExecution, result *core.EntryResult) {
	msg := ""
	if result.SlError != nil {
		msg = fmt.Sprintf("stop-loss not placed: %v", result.SlError)
	}
	if result.TpError != nil {
		if msg != "" {
			msg += "; "
		}
		msg += fmt.Sprintf("take-profit not placed: %v", result.TpError)
	}
	exec.ErrorMessage = msg
	exec.ErrorCode = "SL_TP_PARTIAL"

	e.logger.Error("entry filled with missing protective leg",
		"execution_id", exec.ID,
		"symbol", sig.Ticker,
		"sl_order_id", result.SlOrderID,
		"tp_order_id", result.TpOrderID,
		"detail", msg)
	e.addCounter(ctx, e.metrics.SlTpPartialTotal, 1,
		attribute.String("venue", string(sc.Account.Venue)))

	if e.notifier != nil {
		e.notifier.Notify(ctx, &core.Notification{
			UserID:   sc.Subscription.UserID,
			Type:     "warning",
			Category: "execution",
			Title:    "Position partially protected",
			Message:  fmt.Sprintf("%s %s entry filled but %s", sig.Ticker, sig.Action, msg),
			Metadata: map[string]string{"execution_id": exec.ID},
		})
	}
}

// limiter returns the shared order-rate limiter for a venue
func (e *Engine) limiter(venue core.Venue) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.limiters[venue]
	if !ok {
		l = rate.NewLimiter(rate.Every(200*time.Millisecond), 5)
		e.limiters[venue] = l
	}
	return l
}

func (e *Engine) addCounter(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}
