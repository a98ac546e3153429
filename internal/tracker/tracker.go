// Package tracker owns trade-close bookkeeping. Every close, whatever
// triggered it, funnels through here so the trade update, the
// subscription counters and the daily snapshot advance in one serial
// order.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"signal_relay/internal/core"
	"signal_relay/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var hundred = decimal.NewFromInt(100)

// Tracker is the sole writer of trade-close state.
type Tracker struct {
	store    core.IStore
	notifier core.INotifier
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	mu sync.Mutex
}

// NewTracker creates the trade tracker
func NewTracker(store core.IStore, notifier core.INotifier, logger core.ILogger) *Tracker {
	return &Tracker{
		store:    store,
		notifier: notifier,
		logger:   logger.WithField("component", "tracker"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// CloseTrade closes one trade and rolls the result into the subscription
// counters and the daily snapshot. Closing an already-closed trade is a
// no-op returning the prior result.
func (t *Tracker) CloseTrade(ctx context.Context, rec core.CloseRecord) (*core.Trade, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	trade, err := t.store.GetTrade(ctx, rec.TradeID)
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, fmt.Errorf("trade %s not found", rec.TradeID)
	}
	if trade.Status == core.TradeClosed {
		return trade, nil
	}

	exitQty := rec.ExitQty
	if !exitQty.IsPositive() {
		exitQty = trade.EntryQuantity
	}
	exitPrice := rec.ExitPrice
	if !exitPrice.IsPositive() {
		exitPrice = trade.EntryPrice
	}

	pnl := t.computePnl(trade, exitPrice, exitQty, rec.RealizedPnl)

	trade.ExitPrice = exitPrice
	trade.ExitQuantity = exitQty
	trade.ExitTime = time.Now().UTC()
	trade.ExitReason = rec.ExitReason
	trade.PnlUSD = pnl
	trade.PnlPct = pnlPct(trade.EntryPrice, exitQty, pnl)
	trade.IsWinner = !pnl.IsNegative()
	trade.Status = core.TradeClosed

	sub, err := t.store.GetSubscription(ctx, trade.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		// Single-account webhook flows carry a synthetic subscription ID;
		// the counter and snapshot writes degrade to no-ops
		sub = &core.Subscription{ID: trade.SubscriptionID, UserID: trade.UserID}
	}

	if sub.CurrentPositions > 0 {
		sub.CurrentPositions--
	}
	sub.TotalPnlUSD = sub.TotalPnlUSD.Add(pnl)
	if trade.IsWinner {
		sub.WinCount++
	} else {
		sub.LossCount++
		sub.CurrentDailyLossUSD = sub.CurrentDailyLossUSD.Add(pnl.Neg())
	}

	snap, err := t.rollSnapshot(ctx, sub, trade, pnl)
	if err != nil {
		return nil, err
	}

	if err := t.store.CloseTradeTx(ctx, trade, sub, snap); err != nil {
		return nil, err
	}

	if t.metrics.TradesClosedTotal != nil {
		t.metrics.TradesClosedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(rec.ExitReason))))
	}
	t.metrics.SetOpenTrades(sub.ID, int64(sub.CurrentPositions))

	t.notifyClose(ctx, trade, pnl)
	t.logger.Info("trade closed",
		"trade_id", trade.ID,
		"symbol", trade.Symbol,
		"reason", trade.ExitReason,
		"pnl_usd", pnl,
		"is_winner", trade.IsWinner)
	return trade, nil
}

func (t *Tracker) computePnl(trade *core.Trade, exitPrice, exitQty decimal.Decimal, realized *decimal.Decimal) decimal.Decimal {
	if realized != nil {
		return *realized
	}

	diff := exitPrice.Sub(trade.EntryPrice)
	if trade.Direction == core.DirectionShort {
		diff = diff.Neg()
	}
	return diff.Mul(exitQty)
}

func pnlPct(entryPrice, qty, pnl decimal.Decimal) decimal.Decimal {
	notional := entryPrice.Mul(qty)
	if notional.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(notional).Mul(hundred)
}

// rollSnapshot folds the close into the UTC-day snapshot for the
// subscription, accumulating on top of any earlier closes today.
func (t *Tracker) rollSnapshot(ctx context.Context, sub *core.Subscription, trade *core.Trade, pnl decimal.Decimal) (*core.DailyPnlSnapshot, error) {
	date := trade.ExitTime.UTC().Format("2006-01-02")

	snap, err := t.store.GetSnapshot(ctx, sub.ID, date)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = &core.DailyPnlSnapshot{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			BotID:          sub.BotID,
			SnapshotDate:   date,
		}
	}

	snap.DailyPnlUSD = snap.DailyPnlUSD.Add(pnl)
	if trade.IsWinner {
		snap.DailyWins++
	} else {
		snap.DailyLosses++
	}
	snap.CumulativePnlUSD = sub.TotalPnlUSD
	snap.CumulativeWins = sub.WinCount
	snap.CumulativeLosses = sub.LossCount

	total := snap.CumulativeWins + snap.CumulativeLosses
	if total > 0 {
		snap.WinRatePct = decimal.NewFromInt(int64(snap.CumulativeWins)).
			Div(decimal.NewFromInt(int64(total))).Mul(hundred)
	}
	return snap, nil
}

func (t *Tracker) notifyClose(ctx context.Context, trade *core.Trade, pnl decimal.Decimal) {
	if t.notifier == nil {
		return
	}

	kind := "success"
	if pnl.IsNegative() {
		kind = "warning"
	}
	t.notifier.Notify(ctx, &core.Notification{
		UserID:   trade.UserID,
		Type:     kind,
		Category: "trade",
		Title:    fmt.Sprintf("%s position closed", trade.Symbol),
		Message: fmt.Sprintf("%s %s closed (%s): P&L %s USD",
			trade.Symbol, strings.ToUpper(string(trade.Direction)), trade.ExitReason, pnl.StringFixed(2)),
		Metadata: map[string]string{
			"trade_id":    trade.ID,
			"exit_reason": string(trade.ExitReason),
		},
	})
}

// GhostSweep closes open trades whose position no longer exists on the
// venue. openSymbols is the upper-cased set of symbols with a live
// position on the account. Returns the number of trades swept.
func (t *Tracker) GhostSweep(ctx context.Context, account *core.ExchangeAccount, openSymbols map[string]bool) (int, error) {
	trades, err := t.store.ListOpenTradesByAccount(ctx, account.ID)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, trade := range trades {
		if openSymbols[strings.ToUpper(trade.Symbol)] {
			continue
		}

		// Exit price defaults to entry; the position vanished without a
		// fill we can attribute
		if _, err := t.CloseTrade(ctx, core.CloseRecord{
			TradeID:    trade.ID,
			ExitReason: core.ExitGhostSweep,
		}); err != nil {
			t.logger.Error("ghost sweep failed to close trade",
				"trade_id", trade.ID, "symbol", trade.Symbol, "error", err)
			continue
		}

		swept++
		if t.metrics.GhostTradesTotal != nil {
			t.metrics.GhostTradesTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("venue", string(account.Venue))))
		}
		t.logger.Warn("ghost trade closed",
			"trade_id", trade.ID,
			"account_id", account.ID,
			"symbol", trade.Symbol)
	}

	if swept > 0 {
		if err := t.SyncPositionCounters(ctx); err != nil {
			return swept, err
		}
	}
	return swept, nil
}

// SyncPositionCounters reconciles every subscription's cached position
// count with the authoritative open-trade count.
func (t *Tracker) SyncPositionCounters(ctx context.Context) error {
	subs, err := t.store.ListAllSubscriptions(ctx)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		open, err := t.store.CountOpenTrades(ctx, sub.ID)
		if err != nil {
			return err
		}
		if open == sub.CurrentPositions {
			continue
		}

		t.logger.Warn("position counter drift corrected",
			"subscription_id", sub.ID,
			"cached", sub.CurrentPositions,
			"actual", open)
		if err := t.store.SetPositionCount(ctx, sub.ID, open); err != nil {
			return err
		}
		t.metrics.SetOpenTrades(sub.ID, int64(open))
	}
	return nil
}
