package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"signal_relay/internal/core"
	"signal_relay/internal/mock"
	"signal_relay/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *store.SQLiteStore
	notifier *mock.Notifier
	tracker  *Tracker
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

	notifier := mock.NewNotifier()
	return &fixture{
		store:    s,
		notifier: notifier,
		tracker:  NewTracker(s, notifier, mock.NewLogger()),
		account:  account,
		sub:      sub,
	}
}

func (f *fixture) openTrade(t *testing.T, symbol string) *core.Trade {
	t.Helper()
	ctx := context.Background()

	trade := &core.Trade{
		SubscriptionID:    f.sub.ID,
		UserID:            "user-1",
		ExchangeAccountID: f.account.ID,
		Symbol:            symbol,
		Side:              core.OrderSideBuy,
		Direction:         core.DirectionLong,
		EntryPrice:        decimal.NewFromInt(50000),
		EntryQuantity:     decimal.RequireFromString("0.02"),
		EntryTime:         time.Now().UTC(),
		SlOrderID:         "sl-1",
		TpOrderID:         "tp-1",
	}
	require.NoError(t, f.store.CreateTrade(ctx, trade))
	require.NoError(t, f.store.IncrementPositionCount(ctx, f.sub.ID))
	return trade
}

func TestCloseTrade_WinUpdatesCountersAndSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.openTrade(t, "BTCUSDT")

	closed, err := f.tracker.CloseTrade(ctx, core.CloseRecord{
		TradeID:    trade.ID,
		ExitPrice:  decimal.NewFromInt(52500),
		ExitReason: core.ExitTakeProfit,
	})
	require.NoError(t, err)

	assert.Equal(t, core.TradeClosed, closed.Status)
	assert.Equal(t, core.ExitTakeProfit, closed.ExitReason)
	// (52500 - 50000) x 0.02
	assert.Equal(t, "50", closed.PnlUSD.String())
	assert.True(t, closed.IsWinner)

	sub, err := f.store.GetSubscription(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, sub.CurrentPositions)
	assert.Equal(t, 1, sub.WinCount)
	assert.Equal(t, 0, sub.LossCount)
	assert.Equal(t, "50", sub.TotalPnlUSD.String())
	assert.True(t, sub.CurrentDailyLossUSD.IsZero())

	date := closed.ExitTime.UTC().Format("2006-01-02")
	snap, err := f.store.GetSnapshot(ctx, f.sub.ID, date)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "50", snap.DailyPnlUSD.String())
	assert.Equal(t, 1, snap.DailyWins)
	assert.Equal(t, "100", snap.WinRatePct.String())
	assert.False(t, snap.Finalized)

	require.Equal(t, 1, f.notifier.Count())
	assert.Equal(t, "success", f.notifier.Sent[0].Type)
}

func TestCloseTrade_SecondCloseReturnsPriorResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.openTrade(t, "BTCUSDT")

	first, err := f.tracker.CloseTrade(ctx, core.CloseRecord{
		TradeID: trade.ID, ExitPrice: decimal.NewFromInt(52500), ExitReason: core.ExitTakeProfit,
	})
	require.NoError(t, err)

	// Different exit data on the repeat is ignored entirely
	second, err := f.tracker.CloseTrade(ctx, core.CloseRecord{
		TradeID: trade.ID, ExitPrice: decimal.NewFromInt(40000), ExitReason: core.ExitStopLoss,
	})
	require.NoError(t, err)
	assert.Equal(t, first.PnlUSD.String(), second.PnlUSD.String())
	assert.Equal(t, first.ExitReason, second.ExitReason)

	sub, err := f.store.GetSubscription(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.WinCount)
	assert.Equal(t, "50", sub.TotalPnlUSD.String())
	assert.Equal(t, 1, f.notifier.Count())
}

func TestCloseTrade_LossFeedsDailyLossCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.openTrade(t, "BTCUSDT")

	closed, err := f.tracker.CloseTrade(ctx, core.CloseRecord{
		TradeID: trade.ID, ExitPrice: decimal.NewFromInt(48500), ExitReason: core.ExitStopLoss,
	})
	require.NoError(t, err)
	assert.Equal(t, "-30", closed.PnlUSD.String())
	assert.False(t, closed.IsWinner)

	sub, err := f.store.GetSubscription(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.LossCount)
	assert.Equal(t, "30", sub.CurrentDailyLossUSD.String())

	assert.Equal(t, "warning", f.notifier.Sent[0].Type)
}

func TestCloseTrade_SnapshotAccumulatesWithinDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1 := f.openTrade(t, "BTCUSDT")
	t2 := f.openTrade(t, "ETHUSDT")

	_, err := f.tracker.CloseTrade(ctx, core.CloseRecord{
		TradeID: t1.ID, ExitPrice: decimal.NewFromInt(52500), ExitReason: core.ExitTakeProfit,
	})
	require.NoError(t, err)
	closed, err := f.tracker.CloseTrade(ctx, core.CloseRecord{
		TradeID: t2.ID, ExitPrice: decimal.NewFromInt(48500), ExitReason: core.ExitStopLoss,
	})
	require.NoError(t, err)

	date := closed.ExitTime.UTC().Format("2006-01-02")
	snap, err := f.store.GetSnapshot(ctx, f.sub.ID, date)
	require.NoError(t, err)
	assert.Equal(t, "20", snap.DailyPnlUSD.String())
	assert.Equal(t, 1, snap.DailyWins)
	assert.Equal(t, 1, snap.DailyLosses)
	assert.Equal(t, "50", snap.WinRatePct.String())
}

func TestCloseTrade_RealizedPnlOverridesComputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.openTrade(t, "BTCUSDT")

	realized := decimal.RequireFromString("48.73")
	closed, err := f.tracker.CloseTrade(ctx, core.CloseRecord{
		TradeID:     trade.ID,
		ExitPrice:   decimal.NewFromInt(52500),
		ExitReason:  core.ExitTakeProfit,
		RealizedPnl: &realized,
	})
	require.NoError(t, err)
	assert.Equal(t, "48.73", closed.PnlUSD.String())
}

func TestGhostSweep_ClosesOrphansAndReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ghost := f.openTrade(t, "BTCUSDT")
	live := f.openTrade(t, "ETHUSDT")

	swept, err := f.tracker.GhostSweep(ctx, f.account, map[string]bool{"ETHUSDT": true})
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	closed, err := f.store.GetTrade(ctx, ghost.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeClosed, closed.Status)
	assert.Equal(t, core.ExitGhostSweep, closed.ExitReason)
	assert.True(t, closed.PnlUSD.IsZero())

	still, err := f.store.GetTrade(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeOpen, still.Status)

	// Counter conservation after the sweep
	sub, err := f.store.GetSubscription(ctx, f.sub.ID)
	require.NoError(t, err)
	open, err := f.store.CountOpenTrades(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, open, sub.CurrentPositions)
	assert.Equal(t, 1, sub.CurrentPositions)
}

func TestSyncPositionCounters_FixesDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.openTrade(t, "BTCUSDT")
	require.NoError(t, f.store.SetPositionCount(ctx, f.sub.ID, 7))

	require.NoError(t, f.tracker.SyncPositionCounters(ctx))

	sub, err := f.store.GetSubscription(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.CurrentPositions)
}
