package risk

import (
	"context"
	"testing"

	"signal_relay/internal/core"
	"signal_relay/internal/mock"
	apperrors "signal_relay/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	open  int
	err   error
	calls int
}

func (f *fakeCounter) CountOpenTrades(ctx context.Context, subscriptionID string) (int, error) {
	f.calls++
	return f.open, f.err
}

func testContext() *core.SubscriptionContext {
	return &core.SubscriptionContext{
		Subscription: &core.Subscription{
			ID:                     "sub-1",
			MaxDailyLossUSD:        decimal.NewFromInt(50),
			MaxConcurrentPositions: 3,
		},
		Bot: &core.Bot{
			ID:                "bot-1",
			AllowedDirections: core.DirectionsBoth,
		},
	}
}

func TestCheck_AllClear(t *testing.T) {
	counter := &fakeCounter{open: 1}
	gate := NewGate(counter, mock.NewLogger())

	require.NoError(t, gate.Check(context.Background(), testContext(), core.DirectionLong))
	assert.Equal(t, 1, counter.calls)
}

func TestCheck_DailyLossCapWinsFirst(t *testing.T) {
	counter := &fakeCounter{open: 99}
	gate := NewGate(counter, mock.NewLogger())

	sc := testContext()
	sc.Subscription.CurrentDailyLossUSD = decimal.NewFromInt(50)

	err := gate.Check(context.Background(), sc, core.DirectionLong)
	assert.ErrorIs(t, err, apperrors.ErrDailyLossCap)
	// Later checks never run once the cap trips
	assert.Equal(t, 0, counter.calls)
}

func TestCheck_DailyLossCapDisabledWhenZero(t *testing.T) {
	gate := NewGate(&fakeCounter{}, mock.NewLogger())

	sc := testContext()
	sc.Subscription.MaxDailyLossUSD = decimal.Zero
	sc.Subscription.CurrentDailyLossUSD = decimal.NewFromInt(10000)

	require.NoError(t, gate.Check(context.Background(), sc, core.DirectionLong))
}

func TestCheck_MaxPositionsUsesLiveCount(t *testing.T) {
	counter := &fakeCounter{open: 3}
	gate := NewGate(counter, mock.NewLogger())

	sc := testContext()
	// The cached counter says there is room; the live count disagrees
	sc.Subscription.CurrentPositions = 0

	err := gate.Check(context.Background(), sc, core.DirectionLong)
	assert.ErrorIs(t, err, apperrors.ErrMaxPositions)
}

func TestCheck_MaxPositionsDisabledWhenZero(t *testing.T) {
	counter := &fakeCounter{open: 50}
	gate := NewGate(counter, mock.NewLogger())

	sc := testContext()
	sc.Subscription.MaxConcurrentPositions = 0

	require.NoError(t, gate.Check(context.Background(), sc, core.DirectionLong))
	assert.Equal(t, 0, counter.calls)
}

func TestCheck_DirectionPolicy(t *testing.T) {
	gate := NewGate(&fakeCounter{}, mock.NewLogger())

	cases := []struct {
		allowed   core.AllowedDirections
		direction core.Direction
		wantErr   bool
	}{
		{core.DirectionsBuyOnly, core.DirectionLong, false},
		{core.DirectionsBuyOnly, core.DirectionShort, true},
		{core.DirectionsSellOnly, core.DirectionShort, false},
		{core.DirectionsSellOnly, core.DirectionLong, true},
		{core.DirectionsBoth, core.DirectionLong, false},
		{core.DirectionsBoth, core.DirectionShort, false},
	}
	for _, tc := range cases {
		sc := testContext()
		sc.Bot.AllowedDirections = tc.allowed

		err := gate.Check(context.Background(), sc, tc.direction)
		if tc.wantErr {
			assert.ErrorIs(t, err, apperrors.ErrDirectionBlocked, "%s/%s", tc.allowed, tc.direction)
		} else {
			assert.NoError(t, err, "%s/%s", tc.allowed, tc.direction)
		}
	}
}

func TestCheck_StoreErrorPropagates(t *testing.T) {
	counter := &fakeCounter{err: assert.AnError}
	gate := NewGate(counter, mock.NewLogger())

	err := gate.Check(context.Background(), testContext(), core.DirectionLong)
	assert.ErrorIs(t, err, assert.AnError)
}
