package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"signal_relay/internal/cache"
	"signal_relay/internal/config"
	"signal_relay/internal/core"
	"signal_relay/internal/mock"
	"signal_relay/internal/store"
	apperrors "signal_relay/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	exchange core.IExchange
	err      error
}

func (f *fakeProvider) ForAccount(account *core.ExchangeAccount) (core.IExchange, error) {
	return f.exchange, f.err
}

type fixedMode struct{ mode core.PositionMode }

func (f fixedMode) PositionMode(ctx context.Context, account *core.ExchangeAccount, ex core.IExchange) core.PositionMode {
	return f.mode
}

type fixture struct {
	store    *store.SQLiteStore
	exchange *mock.Exchange
	notifier *mock.Notifier
	engine   *Engine
	sc       *core.SubscriptionContext
}

func newFixture(t *testing.T, mode core.PositionMode) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), mock.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bot := &core.Bot{
		Name:              "momentum-1",
		Leverage:          10,
		MarginUSD:         decimal.NewFromInt(100),
		StopLossPct:       decimal.NewFromInt(3),
		TakeProfitPct:     decimal.NewFromInt(5),
		AllowedDirections: core.DirectionsBoth,
		IsActive:          true,
	}
	require.NoError(t, s.CreateBot(ctx, bot))

	account := &core.ExchangeAccount{
		OwnerUserID: "user-1",
		Venue:       core.VenueBinance,
		APIKey:      "k",
		SecretKey:   "s",
		IsActive:    true,
	}
	require.NoError(t, s.CreateAccount(ctx, account))

	sub := &core.Subscription{
		UserID:                 "user-1",
		BotID:                  bot.ID,
		ExchangeAccountID:      account.ID,
		MaxDailyLossUSD:        decimal.NewFromInt(500),
		MaxConcurrentPositions: 3,
	}
	require.NoError(t, s.CreateSubscription(ctx, sub))

	exchange := mock.NewExchange(core.VenueBinance)
	notifier := mock.NewNotifier()

	cfg := config.EngineConfig{
		OrderRetryMaxAttempts: 1, // no retries unless a test opts in
	}
	engine := NewEngine(s, &fakeProvider{exchange: exchange}, fixedMode{mode}, notifier, cfg, mock.NewLogger())

	return &fixture{
		store:    s,
		exchange: exchange,
		notifier: notifier,
		engine:   engine,
		sc:       &core.SubscriptionContext{Subscription: sub, Bot: bot, Account: account},
	}
}

func testSignal(action core.SignalAction) *core.Signal {
	return &core.Signal{
		ID:     uuid.NewString(),
		BotID:  "bot-1",
		Ticker: "BTCUSDT",
		Action: action,
		Price:  decimal.NewFromInt(50000),
	}
}

func TestExecute_SizesEntryAndProtectiveLegs(t *testing.T) {
	f := newFixture(t, core.PositionModeHedge)
	ctx := context.Background()

	exec := f.engine.Execute(ctx, f.sc, testSignal(core.ActionBuy))
	require.Equal(t, core.ExecutionSuccess, exec.Status, exec.ErrorMessage)

	require.Len(t, f.exchange.ExecutedEntries, 1)
	entry := f.exchange.ExecutedEntries[0]

	// (100 margin x 10 leverage) / 50000 = 0.020
	assert.Equal(t, "0.02", entry.Quantity.String())
	assert.Equal(t, core.OrderSideBuy, entry.Side)
	assert.Equal(t, core.PositionSideLong, entry.PositionSide)
	// 3% below and 5% above the 50000 entry
	assert.Equal(t, "48500", entry.SlPrice.String())
	assert.Equal(t, "52500", entry.TpPrice.String())

	assert.Equal(t, "mock-entry-1", exec.ExchangeOrderID)
	assert.Equal(t, "mock-sl-1", exec.SlOrderID)
	assert.Equal(t, "mock-tp-1", exec.TpOrderID)

	trade, err := f.store.GetTradeByExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, core.TradeOpen, trade.Status)
	assert.Equal(t, core.DirectionLong, trade.Direction)
	assert.Equal(t, "mock-sl-1", trade.SlOrderID)

	sub, err := f.store.GetSubscription(ctx, f.sc.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.CurrentPositions)
	assert.Equal(t, 1, sub.TotalOrdersExecuted)
	assert.Equal(t, 1, sub.TotalSignalsReceived)

	// Every opened position announces itself
	require.Equal(t, 1, f.notifier.Count())
	opened := f.notifier.Sent[0]
	assert.Equal(t, "success", opened.Type)
	assert.Equal(t, "Position opened", opened.Title)
	assert.Contains(t, opened.Message, "long")
	assert.Contains(t, opened.Message, "BTCUSDT")
}

func TestExecute_SellDerivesShortSide(t *testing.T) {
	f := newFixture(t, core.PositionModeHedge)

	exec := f.engine.Execute(context.Background(), f.sc, testSignal(core.ActionSell))
	require.Equal(t, core.ExecutionSuccess, exec.Status)

	entry := f.exchange.ExecutedEntries[0]
	assert.Equal(t, core.OrderSideSell, entry.Side)
	assert.Equal(t, core.PositionSideShort, entry.PositionSide)
	// Mirrored protective levels for a short
	assert.Equal(t, "51500", entry.SlPrice.String())
	assert.Equal(t, "47500", entry.TpPrice.String())
}

func TestExecute_OneWayModePassesBoth(t *testing.T) {
	f := newFixture(t, core.PositionModeOneWay)

	exec := f.engine.Execute(context.Background(), f.sc, testSignal(core.ActionBuy))
	require.Equal(t, core.ExecutionSuccess, exec.Status)
	assert.Equal(t, core.PositionSideBoth, f.exchange.ExecutedEntries[0].PositionSide)
}

func TestExecute_RiskSkipDoesNotCountAsFailure(t *testing.T) {
	f := newFixture(t, core.PositionModeHedge)
	ctx := context.Background()
	f.sc.Bot.AllowedDirections = core.DirectionsBuyOnly

	exec := f.engine.Execute(ctx, f.sc, testSignal(core.ActionSell))
	assert.Equal(t, core.ExecutionSkipped, exec.Status)
	assert.Equal(t, "DIRECTION_BLOCKED", exec.ErrorCode)
	assert.Empty(t, f.exchange.ExecutedEntries)

	sub, err := f.store.GetSubscription(ctx, f.sc.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.TotalSignalsReceived)
	assert.Equal(t, 0, sub.TotalOrdersExecuted)
	assert.Equal(t, 0, sub.TotalOrdersFailed)
}

func TestExecute_CooldownSuppressesRepeatEntries(t *testing.T) {
	f := newFixture(t, core.PositionModeHedge)
	ctx := context.Background()
	f.engine.cooldowns = cache.NewCooldownTracker(5 * time.Minute)

	first := f.engine.Execute(ctx, f.sc, testSignal(core.ActionBuy))
	require.Equal(t, core.ExecutionSuccess, first.Status, first.ErrorMessage)

	// A repeat for the same (subscription, symbol) inside the window is
	// recorded as skipped and never reaches the venue
	second := f.engine.Execute(ctx, f.sc, testSignal(core.ActionBuy))
	assert.Equal(t, core.ExecutionSkipped, second.Status)
	assert.Equal(t, "COOLDOWN_ACTIVE", second.ErrorCode)
	assert.Len(t, f.exchange.ExecutedEntries, 1)

	// Close signals bypass the window and clear it
	closed := f.engine.Execute(ctx, f.sc, testSignal(core.ActionClose))
	require.Equal(t, core.ExecutionSuccess, closed.Status)

	third := f.engine.Execute(ctx, f.sc, testSignal(core.ActionBuy))
	assert.Equal(t, core.ExecutionSuccess, third.Status, third.ErrorMessage)
	assert.Len(t, f.exchange.ExecutedEntries, 2)
}

func TestExecute_EntryFailureRecorded(t *testing.T) {
	f := newFixture(t, core.PositionModeHedge)
	ctx := context.Background()
	f.exchange.ExecuteOrderWithSlTpFunc = func(ctx context.Context, req *core.EntryRequest) (*core.EntryResult, error) {
		return nil, apperrors.ErrInsufficientBalance
	}

	exec := f.engine.Execute(ctx, f.sc, testSignal(core.ActionBuy))
	assert.Equal(t, core.ExecutionFailed, exec.Status)
	assert.Equal(t, "INSUFFICIENT_BALANCE", exec.ErrorCode)

	trade, err := f.store.GetTradeByExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, trade)

	sub, err := f.store.GetSubscription(ctx, f.sc.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.TotalOrdersFailed)
	assert.Equal(t, 0, sub.CurrentPositions)
}

func TestExecute_TransientEntryRetried(t *testing.T) {
	f := newFixture(t, core.PositionModeHedge)
	f.engine.retryDelays = []time.Duration{time.Millisecond}

	calls := 0
	f.exchange.ExecuteOrderWithSlTpFunc = func(ctx context.Context, req *core.EntryRequest) (*core.EntryResult, error) {
		calls++
		if calls == 1 {
			return nil, apperrors.ErrNetwork
		}
		return &core.EntryResult{
			OrderID:     "entry-2",
			AvgPrice:    decimal.NewFromInt(50000),
			ExecutedQty: req.Quantity,
			SlOrderID:   "sl-2",
			TpOrderID:   "tp-2",
		}, nil
	}

	exec := f.engine.Execute(context.Background(), f.sc, testSignal(core.ActionBuy))
	assert.Equal(t, core.ExecutionSuccess, exec.Status)
	assert.Equal(t, 2, calls)
}

func TestExecute_PartialProtectionSurfacedNotRolledBack(t *testing.T) {
	f := newFixture(t, core.PositionModeHedge)
	ctx := context.Background()
	f.exchange.ExecuteOrderWithSlTpFunc = func(ctx context.Context, req *core.EntryRequest) (*core.EntryResult, error) {
		return &core.EntryResult{
			OrderID:     "entry-1",
			AvgPrice:    decimal.NewFromInt(50000),
			ExecutedQty: req.Quantity,
			TpOrderID:   "tp-1",
			SlError:     apperrors.ErrInsufficientBalance,
		}, nil
	}

	exec := f.engine.Execute(ctx, f.sc, testSignal(core.ActionBuy))
	// Entry stands; the missing leg is flagged, never unwound
	assert.Equal(t, core.ExecutionSuccess, exec.Status)
	assert.Equal(t, "SL_TP_PARTIAL", exec.ErrorCode)
	assert.Empty(t, exec.SlOrderID)
	assert.Equal(t, "tp-1", exec.TpOrderID)

	trade, err := f.store.GetTradeByExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, core.TradeOpen, trade.Status)

	// The partial-protection warning precedes the open notification
	require.Equal(t, 2, f.notifier.Count())
	assert.Equal(t, "warning", f.notifier.Sent[0].Type)
	assert.Equal(t, "success", f.notifier.Sent[1].Type)
}

func TestExecute_CloseFlattensLivePositions(t *testing.T) {
	f := newFixture(t, core.PositionModeHedge)
	f.exchange.GetPositionsFunc = func(ctx context.Context, symbol string) ([]*core.Position, error) {
		return []*core.Position{
			{Symbol: symbol, Size: decimal.RequireFromString("0.02"), PositionSide: core.PositionSideLong},
		}, nil
	}

	exec := f.engine.Execute(context.Background(), f.sc, testSignal(core.ActionClose))
	require.Equal(t, core.ExecutionSuccess, exec.Status, exec.ErrorMessage)

	require.Len(t, f.exchange.PlacedOrders, 1)
	order := f.exchange.PlacedOrders[0]
	assert.Equal(t, core.OrderSideSell, order.Side)
	assert.Equal(t, core.OrderTypeMarket, order.Type)
	// The flatten is a sized market order; only positionSide routes it
	assert.Equal(t, "0.02", order.Quantity.String())
	assert.Equal(t, core.PositionSideLong, order.PositionSide)
	assert.False(t, order.ClosePosition)

	assert.Equal(t, "0.02", exec.ExecutedQuantity.String())
}

func TestExecute_CloseWithNoPositionsSucceedsEmpty(t *testing.T) {
	f := newFixture(t, core.PositionModeHedge)

	exec := f.engine.Execute(context.Background(), f.sc, testSignal(core.ActionClose))
	assert.Equal(t, core.ExecutionSuccess, exec.Status)
	assert.Empty(t, f.exchange.PlacedOrders)
	assert.True(t, exec.ExecutedQuantity.IsZero())
}
