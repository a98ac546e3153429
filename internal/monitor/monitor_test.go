package monitor

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"signal_relay/internal/core"
	"signal_relay/internal/mock"
	"signal_relay/internal/store"
	"signal_relay/internal/tracker"
	apperrors "signal_relay/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct{ exchange core.IExchange }

func (f *fakeProvider) ForAccount(account *core.ExchangeAccount) (core.IExchange, error) {
	return f.exchange, nil
}

type fixture struct {
	store    *store.SQLiteStore
	exchange *mock.Exchange
	monitor  *Monitor
	account  *core.ExchangeAccount
	sub      *core.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), mock.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bot := &core.Bot{Name: "momentum-1", AllowedDirections: core.DirectionsBoth, IsActive: true}
	require.NoError(t, s.CreateBot(ctx, bot))

	account := &core.ExchangeAccount{OwnerUserID: "user-1", Venue: core.VenueBinance, APIKey: "k", SecretKey: "s", IsActive: true}
	require.NoError(t, s.CreateAccount(ctx, account))

	sub := &core.Subscription{UserID: "user-1", BotID: bot.ID, ExchangeAccountID: account.ID}
	require.NoError(t, s.CreateSubscription(ctx, sub))

	exchange := mock.NewExchange(core.VenueBinance)
	trk := tracker.NewTracker(s, mock.NewNotifier(), mock.NewLogger())

	return &fixture{
		store:    s,
		exchange: exchange,
		monitor:  NewMonitor(s, &fakeProvider{exchange}, trk, mock.NewLogger()),
		account:  account,
		sub:      sub,
	}
}

// seedWatched creates a successful execution with live protective legs
// and the open trade behind it.
func (f *fixture) seedWatched(t *testing.T, symbol, slID, tpID string) (*core.SignalExecution, *core.Trade) {
	t.Helper()
	ctx := context.Background()

	exec := &core.SignalExecution{
		SignalID:          uuid.NewString(),
		SubscriptionID:    f.sub.ID,
		UserID:            "user-1",
		ExchangeAccountID: f.account.ID,
	}
	require.NoError(t, f.store.CreateExecution(ctx, exec))
	exec.Status = core.ExecutionSuccess
	exec.SlOrderID = slID
	exec.TpOrderID = tpID
	exec.SlPrice = decimal.NewFromInt(48500)
	exec.TpPrice = decimal.NewFromInt(52500)
	require.NoError(t, f.store.UpdateExecution(ctx, exec))

	trade := &core.Trade{
		SubscriptionID:    f.sub.ID,
		UserID:            "user-1",
		SignalExecutionID: exec.ID,
		ExchangeAccountID: f.account.ID,
		Symbol:            symbol,
		Side:              core.OrderSideBuy,
		Direction:         core.DirectionLong,
		EntryPrice:        decimal.NewFromInt(50000),
		EntryQuantity:     decimal.RequireFromString("0.02"),
		EntryTime:         time.Now().UTC(),
		SlOrderID:         slID,
		TpOrderID:         tpID,
	}
	require.NoError(t, f.store.CreateTrade(ctx, trade))
	require.NoError(t, f.store.IncrementPositionCount(ctx, f.sub.ID))
	return exec, trade
}

func filledOrder(id string, price, qty string) *core.OrderInfo {
	return &core.OrderInfo{
		OrderID:     id,
		Status:      core.OrderStatusFilled,
		AvgPrice:    decimal.RequireFromString(price),
		ExecutedQty: decimal.RequireFromString(qty),
		UpdatedAt:   time.Now().UTC(),
	}
}

func TestRunCycle_TakeProfitFillClosesTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec, trade := f.seedWatched(t, "BTCUSDT", "sl-1", "tp-1")

	f.exchange.GetOpenOrdersFunc = func(ctx context.Context, symbol string) ([]*core.OrderInfo, error) {
		return []*core.OrderInfo{{OrderID: "sl-1", Status: core.OrderStatusNew}}, nil
	}
	f.exchange.GetRecentOrdersFunc = func(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*core.OrderInfo, error) {
		return []*core.OrderInfo{filledOrder("tp-1", "52500", "0.02")}, nil
	}

	require.NoError(t, f.monitor.RunCycle(ctx))

	closed, err := f.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeClosed, closed.Status)
	assert.Equal(t, core.ExitTakeProfit, closed.ExitReason)
	assert.Equal(t, "50", closed.PnlUSD.String())
	assert.Equal(t, "52500", closed.ExitPrice.String())

	sub, err := f.store.GetSubscription(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.WinCount)
	assert.Equal(t, 0, sub.CurrentPositions)

	// The surviving SL leg is canceled
	assert.Equal(t, []string{"sl-1"}, f.exchange.CanceledOrders)

	updated, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "take_profit", updated.CloseReason)
	assert.Equal(t, "FILLED", updated.TpOrderStatus)
	assert.Equal(t, "CANCELED", updated.SlOrderStatus)
	assert.Equal(t, "50", updated.RealizedPnl.String())

	watched, err := f.store.ListWatchedExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, watched)
}

func TestRunCycle_StopLossFillClosesTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, trade := f.seedWatched(t, "BTCUSDT", "sl-1", "tp-1")

	f.exchange.GetRecentOrdersFunc = func(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*core.OrderInfo, error) {
		return []*core.OrderInfo{filledOrder("sl-1", "48500", "0.02")}, nil
	}
	// The TP leg vanished already; the cancel is tolerated
	f.exchange.CancelOrderFunc = func(ctx context.Context, symbol, orderID string) error {
		return apperrors.ErrOrderNotFound
	}

	require.NoError(t, f.monitor.RunCycle(ctx))

	closed, err := f.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeClosed, closed.Status)
	assert.Equal(t, core.ExitStopLoss, closed.ExitReason)
	assert.Equal(t, "-30", closed.PnlUSD.String())

	sub, err := f.store.GetSubscription(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.LossCount)
}

func TestRunCycle_NoFillLeavesTradeOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, trade := f.seedWatched(t, "BTCUSDT", "sl-1", "tp-1")

	f.exchange.GetOpenOrdersFunc = func(ctx context.Context, symbol string) ([]*core.OrderInfo, error) {
		return []*core.OrderInfo{
			{OrderID: "sl-1", Status: core.OrderStatusNew},
			{OrderID: "tp-1", Status: core.OrderStatusNew},
		}, nil
	}

	require.NoError(t, f.monitor.RunCycle(ctx))

	still, err := f.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeOpen, still.Status)
	assert.Empty(t, f.exchange.CanceledOrders)

	watched, err := f.store.ListWatchedExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, watched, 1)
}

func TestRunCycle_RealizedIncomeRefinesPnl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, trade := f.seedWatched(t, "BTCUSDT", "sl-1", "tp-1")

	fill := filledOrder("tp-1", "52500", "0.02")
	f.exchange.GetRecentOrdersFunc = func(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*core.OrderInfo, error) {
		return []*core.OrderInfo{fill}, nil
	}
	f.exchange.GetIncomeHistoryFunc = func(ctx context.Context, symbol, incomeType string, limit int) ([]*core.Income, error) {
		assert.Equal(t, "REALIZED_PNL", incomeType)
		return []*core.Income{
			{Symbol: symbol, Income: decimal.RequireFromString("48.73"), Time: fill.UpdatedAt},
			// An hour-old entry belongs to some earlier close
			{Symbol: symbol, Income: decimal.NewFromInt(500), Time: fill.UpdatedAt.Add(-time.Hour)},
		}, nil
	}

	require.NoError(t, f.monitor.RunCycle(ctx))

	closed, err := f.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "48.73", closed.PnlUSD.String())
}

func TestRunCycle_OneFetchPerAccountSymbolGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWatched(t, "BTCUSDT", "sl-1", "tp-1")
	f.seedWatched(t, "BTCUSDT", "sl-2", "tp-2")

	var fetches atomic.Int32
	f.exchange.GetRecentOrdersFunc = func(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*core.OrderInfo, error) {
		fetches.Add(1)
		return nil, nil
	}

	require.NoError(t, f.monitor.RunCycle(ctx))
	assert.Equal(t, int32(1), fetches.Load())
}

func TestRunCycle_SkipsWhileInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, trade := f.seedWatched(t, "BTCUSDT", "sl-1", "tp-1")

	f.exchange.GetRecentOrdersFunc = func(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*core.OrderInfo, error) {
		return []*core.OrderInfo{filledOrder("sl-1", "48500", "0.02")}, nil
	}

	f.monitor.inFlight.Store(true)
	require.NoError(t, f.monitor.RunCycle(ctx))

	still, err := f.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeOpen, still.Status)

	// Released flag lets the next tick proceed
	f.monitor.inFlight.Store(false)
	require.NoError(t, f.monitor.RunCycle(ctx))

	closed, err := f.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeClosed, closed.Status)
}

func TestRunCycle_PresetStopAttributedFromIncome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec, trade := f.seedWatched(t, "BTCUSDT", "", "")

	// Preset venues report no leg orders; the position disappearing is
	// the close signal
	f.exchange.GetIncomeHistoryFunc = func(ctx context.Context, symbol, incomeType string, limit int) ([]*core.Income, error) {
		assert.Equal(t, "REALIZED_PNL", incomeType)
		return []*core.Income{
			{Symbol: symbol, Income: decimal.NewFromInt(-30), Time: time.Now().UTC().Add(time.Minute)},
		}, nil
	}

	require.NoError(t, f.monitor.RunCycle(ctx))

	closed, err := f.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeClosed, closed.Status)
	assert.Equal(t, core.ExitStopLoss, closed.ExitReason)
	assert.Equal(t, "-30", closed.PnlUSD.String())
	assert.Equal(t, "48500", closed.ExitPrice.String())

	updated, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "stop_loss", updated.CloseReason)
	assert.Equal(t, "FILLED", updated.SlOrderStatus)
	assert.Equal(t, "CANCELED", updated.TpOrderStatus)

	watched, err := f.store.ListWatchedExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, watched)
}

func TestRunCycle_PresetPositionStillOpenLeavesTradeAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, trade := f.seedWatched(t, "BTCUSDT", "", "")

	f.exchange.GetPositionsFunc = func(ctx context.Context, symbol string) ([]*core.Position, error) {
		return []*core.Position{
			{Symbol: symbol, Size: decimal.RequireFromString("0.02"), PositionSide: core.PositionSideLong},
		}, nil
	}

	require.NoError(t, f.monitor.RunCycle(ctx))

	still, err := f.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeOpen, still.Status)

	watched, err := f.store.ListWatchedExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, watched, 1)
}

func TestRunCycle_PresetFallsBackToNearerTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, trade := f.seedWatched(t, "BTCUSDT", "", "")

	// No income data; the market sits near the take-profit trigger
	f.exchange.GetLatestPriceFunc = func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.NewFromInt(52480), nil
	}

	require.NoError(t, f.monitor.RunCycle(ctx))

	closed, err := f.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeClosed, closed.Status)
	assert.Equal(t, core.ExitTakeProfit, closed.ExitReason)
	assert.Equal(t, "52500", closed.ExitPrice.String())
	assert.Equal(t, "50", closed.PnlUSD.String())
}
