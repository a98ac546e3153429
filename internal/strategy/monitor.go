// Package strategy is the in-process signal source: a price-stream
// monitor that turns threshold moves into broadcast signals, entering
// the engine through the same path as webhook signals.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"signal_relay/internal/broadcast"
	"signal_relay/internal/config"
	"signal_relay/internal/core"
	"signal_relay/pkg/websocket"

	"github.com/shopspring/decimal"
)

const sourceIP = "internal:strategy"

var hundred = decimal.NewFromInt(100)

// SignalSink accepts signals generated by the monitor.
type SignalSink interface {
	Broadcast(ctx context.Context, req *broadcast.Request) (*core.Signal, error)
}

type pricePoint struct {
	at    time.Time
	price decimal.Decimal
}

// Monitor watches a futures trade stream and fires a buy or sell signal
// when price moves past the configured percentage within the window.
type Monitor struct {
	cfg    config.StrategyConfig
	sink   SignalSink
	logger core.ILogger

	client *websocket.Client

	mu        sync.Mutex
	windows   map[string][]pricePoint
	lastFired map[string]time.Time

	now func() time.Time
}

// NewMonitor creates the strategy price monitor
func NewMonitor(cfg config.StrategyConfig, sink SignalSink, logger core.ILogger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		sink:      sink,
		logger:    logger.WithField("component", "strategy"),
		windows:   make(map[string][]pricePoint),
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// streamURL builds the combined-stream subscription for the configured
// symbols against the binance futures public stream.
func streamURL(symbols []string) string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@aggTrade")
	}
	return "wss://fstream.binance.com/stream?streams=" + strings.Join(streams, "/")
}

// Start connects the price stream. No-op when the strategy is disabled.
func (m *Monitor) Start() {
	if !m.cfg.Enabled || len(m.cfg.Symbols) == 0 {
		m.logger.Info("strategy monitor disabled")
		return
	}

	m.client = websocket.NewClient(streamURL(m.cfg.Symbols), m.handleMessage, m.logger)
	m.client.Start()
	m.logger.Info("strategy monitor started",
		"bot_id", m.cfg.BotID,
		"symbols", strings.Join(m.cfg.Symbols, ","),
		"move_pct", m.cfg.MovePct,
		"window_minutes", m.cfg.WindowMinute)
}

// Stop disconnects the price stream.
func (m *Monitor) Stop() {
	if m.client != nil {
		m.client.Stop()
	}
}

// combined-stream envelope around a futures aggTrade event
type streamMessage struct {
	Data struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	} `json:"data"`
}

func (m *Monitor) handleMessage(message []byte) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Data.Symbol == "" {
		return
	}
	price, err := decimal.NewFromString(msg.Data.Price)
	if err != nil || !price.IsPositive() {
		return
	}
	m.OnPrice(msg.Data.Symbol, price)
}

// OnPrice folds one observation into the symbol's window and fires a
// signal when the move threshold is crossed.
func (m *Monitor) OnPrice(symbol string, price decimal.Decimal) {
	symbol = strings.ToUpper(symbol)
	action, ok := m.evaluate(symbol, price)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	sig, err := m.sink.Broadcast(ctx, &broadcast.Request{
		BotID:      m.cfg.BotID,
		Ticker:     symbol,
		Action:     action,
		Price:      price,
		SourceIP:   sourceIP,
		RawPayload: fmt.Sprintf(`{"source":"strategy","ticker":"%s","action":"%s","price":"%s"}`, symbol, action, price),
	})
	if err != nil {
		m.logger.Error("strategy signal rejected", "symbol", symbol, "action", action, "error", err)
		return
	}
	m.logger.Info("strategy signal broadcast",
		"signal_id", sig.ID, "symbol", symbol, "action", action, "price", price)
}

// evaluate returns the action to fire, if any. The reference price is the
// oldest observation inside the window; one signal per symbol per window.
func (m *Monitor) evaluate(symbol string, price decimal.Decimal) (core.SignalAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	window := time.Duration(m.cfg.WindowMinute) * time.Minute
	cutoff := now.Add(-window)

	points := m.windows[symbol]
	kept := points[:0]
	for _, p := range points {
		if p.at.After(cutoff) {
			kept = append(kept, p)
		}
	}
	kept = append(kept, pricePoint{at: now, price: price})
	m.windows[symbol] = kept

	if fired, ok := m.lastFired[symbol]; ok && fired.After(cutoff) {
		return "", false
	}
	if len(kept) < 2 {
		return "", false
	}

	ref := kept[0].price
	movePct := price.Sub(ref).Div(ref).Mul(hundred)
	threshold := decimal.NewFromFloat(m.cfg.MovePct)

	var action core.SignalAction
	switch {
	case movePct.GreaterThanOrEqual(threshold):
		action = core.ActionBuy
	case movePct.LessThanOrEqual(threshold.Neg()):
		action = core.ActionSell
	default:
		return "", false
	}

	m.lastFired[symbol] = now
	m.windows[symbol] = nil
	return action, true
}
