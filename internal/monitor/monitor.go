// Package monitor polls protective orders and closes trades whose SL or
// TP leg filled on the venue.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"signal_relay/internal/core"
	"signal_relay/internal/execution"
	apperrors "signal_relay/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	// Venues cap order-history lookback around a week; anything older is
	// reconciled by the ghost sweep instead.
	orderLookback = 7 * 24 * time.Hour

	// Window around the fill time inside which realized-income entries
	// are attributed to this close.
	incomeMatchWindow = 10 * time.Minute

	recentOrdersLimit = 200
	incomeLimit       = 50
)

// Monitor drives one reconciliation pass per scheduler tick. A single
// cycle is in flight at a time; overlapping ticks are skipped.
type Monitor struct {
	store     core.IStore
	exchanges execution.ExchangeProvider
	tracker   core.ITradeTracker
	logger    core.ILogger

	inFlight atomic.Bool
	now      func() time.Time
}

// NewMonitor creates the SL/TP monitor
func NewMonitor(store core.IStore, exchanges execution.ExchangeProvider, tracker core.ITradeTracker, logger core.ILogger) *Monitor {
	return &Monitor{
		store:     store,
		exchanges: exchanges,
		tracker:   tracker,
		logger:    logger.WithField("component", "monitor"),
		now:       time.Now,
	}
}

type watchGroup struct {
	accountID string
	symbol    string
}

// RunCycle checks every watched execution against the venue order state.
// Executions are grouped by (account, symbol) so each group costs one
// open-orders fetch and one recent-orders fetch regardless of size.
func (m *Monitor) RunCycle(ctx context.Context) error {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("monitor cycle already in flight, skipping")
		return nil
	}
	defer m.inFlight.Store(false)

	execs, err := m.store.ListWatchedExecutions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list watched executions: %w", err)
	}
	if len(execs) == 0 {
		return nil
	}

	groups := make(map[watchGroup][]*core.SignalExecution)
	for _, exec := range execs {
		trade, err := m.store.GetTradeByExecution(ctx, exec.ID)
		if err != nil {
			m.logger.Error("failed to load trade for execution", "execution_id", exec.ID, "error", err)
			continue
		}
		if trade == nil {
			continue
		}
		key := watchGroup{accountID: exec.ExchangeAccountID, symbol: trade.Symbol}
		groups[key] = append(groups[key], exec)
	}

	for key, group := range groups {
		if err := m.checkGroup(ctx, key, group); err != nil {
			// One account's trouble must not stall the others
			m.logger.Error("monitor group check failed",
				"account_id", key.accountID, "symbol", key.symbol, "error", err)
		}
	}
	return nil
}

func (m *Monitor) checkGroup(ctx context.Context, key watchGroup, execs []*core.SignalExecution) error {
	account, err := m.store.GetAccount(ctx, key.accountID)
	if err != nil {
		return err
	}
	ex, err := m.exchanges.ForAccount(account)
	if err != nil {
		return err
	}

	// Venues that preset SL/TP on the entry report no leg order IDs;
	// for those the position itself is the watch target.
	var legged, preset []*core.SignalExecution
	for _, exec := range execs {
		if exec.SlOrderID == "" && exec.TpOrderID == "" {
			preset = append(preset, exec)
		} else {
			legged = append(legged, exec)
		}
	}

	if len(legged) > 0 {
		index, err := m.fetchOrderIndex(ctx, ex, key.symbol)
		if err != nil {
			return err
		}
		for _, exec := range legged {
			if filled, ok := lookupFilled(index, exec.SlOrderID); ok {
				m.closeFromFill(ctx, ex, exec, key.symbol, filled, core.ExitStopLoss, exec.TpOrderID)
				continue
			}
			if filled, ok := lookupFilled(index, exec.TpOrderID); ok {
				m.closeFromFill(ctx, ex, exec, key.symbol, filled, core.ExitTakeProfit, exec.SlOrderID)
			}
		}
	}

	if len(preset) > 0 {
		open, err := positionOpen(ctx, ex, key.symbol)
		if err != nil {
			return err
		}
		if !open {
			for _, exec := range preset {
				m.closeFromPreset(ctx, ex, exec, key.symbol)
			}
		}
	}
	return nil
}

// positionOpen reports whether the venue still holds a nonzero position
// for the symbol.
func positionOpen(ctx context.Context, ex core.IExchange, symbol string) (bool, error) {
	positions, err := ex.GetPositions(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("failed to read positions: %w", err)
	}
	for _, pos := range positions {
		if !pos.Size.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

// fetchOrderIndex pulls open and recent orders once and indexes them by
// order ID. Recent orders win on collision; they carry fill state.
func (m *Monitor) fetchOrderIndex(ctx context.Context, ex core.IExchange, symbol string) (map[string]*core.OrderInfo, error) {
	index := make(map[string]*core.OrderInfo)

	open, err := ex.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	for _, o := range open {
		index[o.OrderID] = o
	}

	end := m.now()
	recent, err := ex.GetRecentOrders(ctx, symbol, end.Add(-orderLookback), end, recentOrdersLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent orders: %w", err)
	}
	for _, o := range recent {
		index[o.OrderID] = o
	}
	return index, nil
}

func lookupFilled(index map[string]*core.OrderInfo, orderID string) (*core.OrderInfo, bool) {
	if orderID == "" {
		return nil, false
	}
	o, ok := index[orderID]
	if !ok || o.Status != core.OrderStatusFilled {
		return nil, false
	}
	return o, true
}

// closeFromFill closes the trade behind an execution whose protective
// leg filled, cancels the surviving leg, and writes the close state back
// onto the execution row.
func (m *Monitor) closeFromFill(ctx context.Context, ex core.IExchange, exec *core.SignalExecution, symbol string, filled *core.OrderInfo, reason core.ExitReason, otherLegID string) {
	trade, err := m.store.GetTradeByExecution(ctx, exec.ID)
	if err != nil {
		m.logger.Error("failed to load trade", "execution_id", exec.ID, "error", err)
		return
	}
	if trade == nil {
		// Nothing to close; stop watching this execution
		exec.CloseReason = string(reason)
		if err := m.store.UpdateExecution(ctx, exec); err != nil {
			m.logger.Error("failed to unwatch execution", "execution_id", exec.ID, "error", err)
		}
		return
	}

	exitPrice := filled.AvgPrice
	if exitPrice.IsZero() {
		exitPrice = filled.StopPrice
	}
	exitQty := filled.ExecutedQty
	if exitQty.IsZero() {
		exitQty = trade.EntryQuantity
	}

	realized := m.realizedIncome(ctx, ex, symbol, filled.UpdatedAt)

	if otherLegID != "" {
		if err := ex.CancelOrder(ctx, symbol, otherLegID); err != nil &&
			!errors.Is(err, apperrors.ErrOrderNotFound) {
			m.logger.Warn("failed to cancel surviving protective leg",
				"execution_id", exec.ID, "order_id", otherLegID, "error", err)
		}
	}

	closed, err := m.tracker.CloseTrade(ctx, core.CloseRecord{
		TradeID:     trade.ID,
		ExitPrice:   exitPrice,
		ExitQty:     exitQty,
		ExitReason:  reason,
		RealizedPnl: realized,
	})
	if err != nil {
		m.logger.Error("failed to close trade from fill",
			"trade_id", trade.ID, "reason", reason, "error", err)
		return
	}

	exec.CloseReason = string(reason)
	exec.RealizedPnl = closed.PnlUSD
	if reason == core.ExitStopLoss {
		exec.SlOrderStatus = string(core.OrderStatusFilled)
		exec.TpOrderStatus = string(core.OrderStatusCanceled)
	} else {
		exec.TpOrderStatus = string(core.OrderStatusFilled)
		exec.SlOrderStatus = string(core.OrderStatusCanceled)
	}
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		m.logger.Error("failed to record close on execution", "execution_id", exec.ID, "error", err)
	}
}

// closeFromPreset closes a trade protected by venue-side preset
// triggers. The position is gone, so one of the presets fired; which
// one is attributed from realized income when the venue reports any,
// otherwise from whichever trigger sits nearer the current price.
func (m *Monitor) closeFromPreset(ctx context.Context, ex core.IExchange, exec *core.SignalExecution, symbol string) {
	trade, err := m.store.GetTradeByExecution(ctx, exec.ID)
	if err != nil {
		m.logger.Error("failed to load trade", "execution_id", exec.ID, "error", err)
		return
	}
	if trade == nil {
		exec.CloseReason = string(core.ExitGhostSweep)
		if err := m.store.UpdateExecution(ctx, exec); err != nil {
			m.logger.Error("failed to unwatch execution", "execution_id", exec.ID, "error", err)
		}
		return
	}

	reason, realized := m.attributePresetExit(ctx, ex, exec, trade, symbol)

	exitPrice := exec.SlPrice
	if reason == core.ExitTakeProfit {
		exitPrice = exec.TpPrice
	}
	if exitPrice.IsZero() {
		exitPrice = trade.EntryPrice
	}

	closed, err := m.tracker.CloseTrade(ctx, core.CloseRecord{
		TradeID:     trade.ID,
		ExitPrice:   exitPrice,
		ExitQty:     trade.EntryQuantity,
		ExitReason:  reason,
		RealizedPnl: realized,
	})
	if err != nil {
		m.logger.Error("failed to close trade from preset trigger",
			"trade_id", trade.ID, "reason", reason, "error", err)
		return
	}

	exec.CloseReason = string(reason)
	exec.RealizedPnl = closed.PnlUSD
	if reason == core.ExitStopLoss {
		exec.SlOrderStatus = string(core.OrderStatusFilled)
		exec.TpOrderStatus = string(core.OrderStatusCanceled)
	} else {
		exec.TpOrderStatus = string(core.OrderStatusFilled)
		exec.SlOrderStatus = string(core.OrderStatusCanceled)
	}
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		m.logger.Error("failed to record close on execution", "execution_id", exec.ID, "error", err)
	}
}

// attributePresetExit decides which preset trigger took the position out.
func (m *Monitor) attributePresetExit(ctx context.Context, ex core.IExchange, exec *core.SignalExecution, trade *core.Trade, symbol string) (core.ExitReason, *decimal.Decimal) {
	if realized := m.realizedIncomeSince(ctx, ex, symbol, trade.EntryTime); realized != nil {
		if realized.IsNegative() {
			return core.ExitStopLoss, realized
		}
		return core.ExitTakeProfit, realized
	}

	switch {
	case exec.SlPrice.IsZero():
		return core.ExitTakeProfit, nil
	case exec.TpPrice.IsZero():
		return core.ExitStopLoss, nil
	}

	price, err := ex.GetLatestPrice(ctx, symbol)
	if err != nil || price.IsZero() {
		return core.ExitStopLoss, nil
	}
	if price.Sub(exec.TpPrice).Abs().LessThan(price.Sub(exec.SlPrice).Abs()) {
		return core.ExitTakeProfit, nil
	}
	return core.ExitStopLoss, nil
}

// realizedIncomeSince sums realized-P&L entries recorded after the trade
// opened. Returns nil when the venue reports nothing in that span.
func (m *Monitor) realizedIncomeSince(ctx context.Context, ex core.IExchange, symbol string, since time.Time) *decimal.Decimal {
	incomes, err := ex.GetIncomeHistory(ctx, symbol, "REALIZED_PNL", incomeLimit)
	if err != nil {
		m.logger.Debug("income history unavailable", "symbol", symbol, "error", err)
		return nil
	}

	sum := decimal.Zero
	matched := false
	for _, inc := range incomes {
		if !inc.Time.After(since) {
			continue
		}
		sum = sum.Add(inc.Income)
		matched = true
	}
	if !matched {
		return nil
	}
	return &sum
}

// realizedIncome sums the venue's realized-P&L entries around the fill
// time. Returns nil when nothing matches, letting the tracker fall back
// to the price-difference computation.
func (m *Monitor) realizedIncome(ctx context.Context, ex core.IExchange, symbol string, fillTime time.Time) *decimal.Decimal {
	if fillTime.IsZero() {
		return nil
	}

	incomes, err := ex.GetIncomeHistory(ctx, symbol, "REALIZED_PNL", incomeLimit)
	if err != nil {
		m.logger.Debug("income history unavailable", "symbol", symbol, "error", err)
		return nil
	}

	sum := decimal.Zero
	matched := false
	for _, inc := range incomes {
		if inc.Time.Before(fillTime.Add(-incomeMatchWindow)) || inc.Time.After(fillTime.Add(incomeMatchWindow)) {
			continue
		}
		sum = sum.Add(inc.Income)
		matched = true
	}
	if !matched {
		return nil
	}
	return &sum
}
