package broadcast

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"signal_relay/internal/config"
	"signal_relay/internal/core"
	"signal_relay/internal/mock"
	"signal_relay/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu    sync.Mutex
	fn    func(sc *core.SubscriptionContext, sig *core.Signal) *core.SignalExecution
	calls []string
}

func (f *fakeExecutor) Execute(ctx context.Context, sc *core.SubscriptionContext, sig *core.Signal) *core.SignalExecution {
	f.mu.Lock()
	f.calls = append(f.calls, sc.Subscription.ID)
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(sc, sig)
	}
	return &core.SignalExecution{
		SignalID:       sig.ID,
		SubscriptionID: sc.Subscription.ID,
		Status:         core.ExecutionSuccess,
	}
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), mock.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBot(t *testing.T, s *store.SQLiteStore, directions core.AllowedDirections, subscribers int) *core.Bot {
	t.Helper()
	ctx := context.Background()

	bot := &core.Bot{
		Name:              "momentum-1",
		Leverage:          10,
		MarginUSD:         decimal.NewFromInt(100),
		StopLossPct:       decimal.NewFromInt(3),
		TakeProfitPct:     decimal.NewFromInt(5),
		AllowedDirections: directions,
		IsActive:          true,
	}
	require.NoError(t, s.CreateBot(ctx, bot))

	for i := 0; i < subscribers; i++ {
		account := &core.ExchangeAccount{
			OwnerUserID: "user-1",
			Venue:       core.VenueBinance,
			APIKey:      "k",
			SecretKey:   "s",
			IsActive:    true,
		}
		require.NoError(t, s.CreateAccount(ctx, account))
		require.NoError(t, s.CreateSubscription(ctx, &core.Subscription{
			UserID:            "user-1",
			BotID:             bot.ID,
			ExchangeAccountID: account.ID,
		}))
	}
	return bot
}

func newBroadcaster(s *store.SQLiteStore, executor Executor) *Broadcaster {
	cfg := config.EngineConfig{BroadcastPoolSize: 4, BroadcastPoolBuffer: 16}
	return NewBroadcaster(s, executor, cfg, mock.NewLogger())
}

func TestBroadcast_FanOutAggregatesTotals(t *testing.T) {
	s := newTestStore(t)
	bot := seedBot(t, s, core.DirectionsBoth, 3)

	executor := &fakeExecutor{}
	var n int
	var mu sync.Mutex
	executor.fn = func(sc *core.SubscriptionContext, sig *core.Signal) *core.SignalExecution {
		mu.Lock()
		n++
		status := core.ExecutionSuccess
		if n == 1 {
			status = core.ExecutionFailed
		}
		mu.Unlock()
		return &core.SignalExecution{SignalID: sig.ID, SubscriptionID: sc.Subscription.ID, Status: status}
	}

	b := newBroadcaster(s, executor)
	defer b.Stop()

	sig, err := b.Broadcast(context.Background(), &Request{
		BotID:  bot.ID,
		Ticker: "BTCUSDT",
		Action: core.ActionBuy,
		Price:  decimal.NewFromInt(50000),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, sig.TotalSubscribers)
	assert.Equal(t, 2, sig.SuccessfulExecutions)
	assert.Equal(t, 1, sig.FailedExecutions)
	assert.Equal(t, 3, executor.callCount())
	assert.False(t, sig.CompletedAt.IsZero())
}

func TestBroadcast_SkippedCountsNeither(t *testing.T) {
	s := newTestStore(t)
	bot := seedBot(t, s, core.DirectionsBoth, 2)

	executor := &fakeExecutor{fn: func(sc *core.SubscriptionContext, sig *core.Signal) *core.SignalExecution {
		return &core.SignalExecution{SignalID: sig.ID, SubscriptionID: sc.Subscription.ID, Status: core.ExecutionSkipped}
	}}

	b := newBroadcaster(s, executor)
	defer b.Stop()

	sig, err := b.Broadcast(context.Background(), &Request{
		BotID: bot.ID, Ticker: "BTCUSDT", Action: core.ActionBuy,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sig.TotalSubscribers)
	assert.Equal(t, 0, sig.SuccessfulExecutions)
	assert.Equal(t, 0, sig.FailedExecutions)
}

func TestBroadcast_BotDirectionBlock(t *testing.T) {
	s := newTestStore(t)
	bot := seedBot(t, s, core.DirectionsBuyOnly, 2)

	executor := &fakeExecutor{}
	b := newBroadcaster(s, executor)
	defer b.Stop()

	sig, err := b.Broadcast(context.Background(), &Request{
		BotID: bot.ID, Ticker: "BTCUSDT", Action: core.ActionSell,
	})

	var dirErr *DirectionError
	require.ErrorAs(t, err, &dirErr)
	assert.Equal(t, "Bot 'momentum-1' only allows BUY orders. Signal ignored.", dirErr.Error())

	// The signal row exists with zero subscribers and nothing executed
	require.NotNil(t, sig)
	assert.Equal(t, 0, sig.TotalSubscribers)
	assert.Equal(t, 0, executor.callCount())
}

func TestBroadcast_CloseAlwaysAllowed(t *testing.T) {
	s := newTestStore(t)
	bot := seedBot(t, s, core.DirectionsBuyOnly, 1)

	executor := &fakeExecutor{}
	b := newBroadcaster(s, executor)
	defer b.Stop()

	sig, err := b.Broadcast(context.Background(), &Request{
		BotID: bot.ID, Ticker: "BTCUSDT", Action: core.ActionClose,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sig.TotalSubscribers)
	assert.Equal(t, 1, executor.callCount())
}

func TestBroadcast_PanicIsolatedPerSubscription(t *testing.T) {
	s := newTestStore(t)
	bot := seedBot(t, s, core.DirectionsBoth, 2)

	executor := &fakeExecutor{}
	first := true
	var mu sync.Mutex
	executor.fn = func(sc *core.SubscriptionContext, sig *core.Signal) *core.SignalExecution {
		mu.Lock()
		mine := first
		first = false
		mu.Unlock()
		if mine {
			panic("executor blew up")
		}
		return &core.SignalExecution{SignalID: sig.ID, SubscriptionID: sc.Subscription.ID, Status: core.ExecutionSuccess}
	}

	b := newBroadcaster(s, executor)
	defer b.Stop()

	sig, err := b.Broadcast(context.Background(), &Request{
		BotID: bot.ID, Ticker: "BTCUSDT", Action: core.ActionBuy,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sig.SuccessfulExecutions)
	assert.Equal(t, 1, sig.FailedExecutions)
}

func TestBroadcast_InactiveBotRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bot := &core.Bot{Name: "paused", AllowedDirections: core.DirectionsBoth, IsActive: false}
	require.NoError(t, s.CreateBot(ctx, bot))

	b := newBroadcaster(s, &fakeExecutor{})
	defer b.Stop()

	_, err := b.Broadcast(ctx, &Request{BotID: bot.ID, Ticker: "BTCUSDT", Action: core.ActionBuy})
	assert.Error(t, err)
}
