package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"signal_relay/internal/broadcast"
	"signal_relay/internal/config"
	"signal_relay/internal/core"
	"signal_relay/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu   sync.Mutex
	reqs []*broadcast.Request
}

func (f *fakeSink) Broadcast(ctx context.Context, req *broadcast.Request) (*core.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &core.Signal{ID: "sig-1", Ticker: req.Ticker, Action: req.Action}, nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func newMonitor(sink SignalSink) (*Monitor, *time.Time) {
	m := NewMonitor(config.StrategyConfig{
		Enabled:      true,
		BotID:        "bot-1",
		Symbols:      []string{"BTCUSDT"},
		MovePct:      2.0,
		WindowMinute: 5,
	}, sink, mock.NewLogger())

	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestOnPrice_UpMoveFiresBuy(t *testing.T) {
	sink := &fakeSink{}
	m, clock := newMonitor(sink)

	m.OnPrice("BTCUSDT", decimal.NewFromInt(50000))
	*clock = clock.Add(time.Minute)
	m.OnPrice("BTCUSDT", decimal.NewFromInt(51000)) // +2%

	require.Equal(t, 1, sink.count())
	req := sink.reqs[0]
	assert.Equal(t, "bot-1", req.BotID)
	assert.Equal(t, "BTCUSDT", req.Ticker)
	assert.Equal(t, core.ActionBuy, req.Action)
	assert.Equal(t, "51000", req.Price.String())
	assert.Equal(t, "internal:strategy", req.SourceIP)
}

func TestOnPrice_DownMoveFiresSell(t *testing.T) {
	sink := &fakeSink{}
	m, clock := newMonitor(sink)

	m.OnPrice("btcusdt", decimal.NewFromInt(50000))
	*clock = clock.Add(time.Minute)
	m.OnPrice("btcusdt", decimal.NewFromInt(49000)) // -2%

	require.Equal(t, 1, sink.count())
	assert.Equal(t, core.ActionSell, sink.reqs[0].Action)
	assert.Equal(t, "BTCUSDT", sink.reqs[0].Ticker)
}

func TestOnPrice_SmallMoveStaysQuiet(t *testing.T) {
	sink := &fakeSink{}
	m, clock := newMonitor(sink)

	m.OnPrice("BTCUSDT", decimal.NewFromInt(50000))
	*clock = clock.Add(time.Minute)
	m.OnPrice("BTCUSDT", decimal.NewFromInt(50500)) // +1%

	assert.Equal(t, 0, sink.count())
}

func TestOnPrice_SlowDriftOutsideWindowIgnored(t *testing.T) {
	sink := &fakeSink{}
	m, clock := newMonitor(sink)

	// 2% drift spread over 12 minutes never has both ends inside the
	// 5 minute window
	m.OnPrice("BTCUSDT", decimal.NewFromInt(50000))
	*clock = clock.Add(6 * time.Minute)
	m.OnPrice("BTCUSDT", decimal.NewFromInt(50500))
	*clock = clock.Add(6 * time.Minute)
	m.OnPrice("BTCUSDT", decimal.NewFromInt(51000))

	assert.Equal(t, 0, sink.count())
}

func TestOnPrice_OneSignalPerWindow(t *testing.T) {
	sink := &fakeSink{}
	m, clock := newMonitor(sink)

	m.OnPrice("BTCUSDT", decimal.NewFromInt(50000))
	*clock = clock.Add(time.Minute)
	m.OnPrice("BTCUSDT", decimal.NewFromInt(51000))
	require.Equal(t, 1, sink.count())

	// Still rising inside the same window; suppressed
	*clock = clock.Add(time.Minute)
	m.OnPrice("BTCUSDT", decimal.NewFromInt(51500))
	*clock = clock.Add(time.Minute)
	m.OnPrice("BTCUSDT", decimal.NewFromInt(53000))
	assert.Equal(t, 1, sink.count())

	// After the window expires a fresh move fires again
	*clock = clock.Add(6 * time.Minute)
	m.OnPrice("BTCUSDT", decimal.NewFromInt(53000))
	*clock = clock.Add(time.Minute)
	m.OnPrice("BTCUSDT", decimal.NewFromInt(54100)) // > +2%
	assert.Equal(t, 2, sink.count())
}

func TestHandleMessage_ParsesCombinedStream(t *testing.T) {
	sink := &fakeSink{}
	m, clock := newMonitor(sink)

	m.handleMessage([]byte(`{"stream":"btcusdt@aggTrade","data":{"s":"BTCUSDT","p":"50000.00"}}`))
	*clock = clock.Add(time.Minute)
	m.handleMessage([]byte(`{"stream":"btcusdt@aggTrade","data":{"s":"BTCUSDT","p":"51000.00"}}`))

	assert.Equal(t, 1, sink.count())
}

func TestHandleMessage_GarbageIgnored(t *testing.T) {
	sink := &fakeSink{}
	m, _ := newMonitor(sink)

	assert.NotPanics(t, func() {
		m.handleMessage([]byte(`not json`))
		m.handleMessage([]byte(`{"data":{}}`))
		m.handleMessage([]byte(`{"data":{"s":"BTCUSDT","p":"-5"}}`))
	})
	assert.Equal(t, 0, sink.count())
}

func TestStreamURL(t *testing.T) {
	url := streamURL([]string{"BTCUSDT", "ETHUSDT"})
	assert.Equal(t, "wss://fstream.binance.com/stream?streams=btcusdt@aggTrade/ethusdt@aggTrade", url)
}
