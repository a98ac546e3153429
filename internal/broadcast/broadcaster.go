// Package broadcast fans one accepted signal out to every active
// subscription of its bot.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal_relay/internal/config"
	"signal_relay/internal/core"
	"signal_relay/pkg/concurrency"
	"signal_relay/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Executor runs one subscription's side of a signal
type Executor interface {
	Execute(ctx context.Context, sc *core.SubscriptionContext, sig *core.Signal) *core.SignalExecution
}

// Request is one inbound signal addressed to a bot
type Request struct {
	BotID      string
	Ticker     string
	Action     core.SignalAction
	Price      decimal.Decimal
	SourceIP   string
	RawPayload string
}

// DirectionError is a bot-level rejection: the signal's direction is not
// allowed for this bot. The signal row is still recorded with zero
// subscribers.
type DirectionError struct {
	BotName string
	Allowed core.AllowedDirections
}

func (e *DirectionError) Error() string {
	side := "BUY"
	if e.Allowed == core.DirectionsSellOnly {
		side = "SELL"
	}
	return fmt.Sprintf("Bot '%s' only allows %s orders. Signal ignored.", e.BotName, side)
}

// Broadcaster dispatches signals. Subscription executions run in
// parallel on a bounded pool; one subscription's failure never affects
// another's, and the aggregate totals land back on the signal row.
type Broadcaster struct {
	store    core.IStore
	executor Executor
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

// NewBroadcaster creates the broadcaster with its own worker pool
func NewBroadcaster(store core.IStore, executor Executor, cfg config.EngineConfig, logger core.ILogger) *Broadcaster {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "broadcast",
		MaxWorkers:  cfg.BroadcastPoolSize,
		MaxCapacity: cfg.BroadcastPoolBuffer,
	}, logger)

	return &Broadcaster{
		store:    store,
		executor: executor,
		pool:     pool,
		logger:   logger.WithField("component", "broadcast"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// Broadcast records the signal, runs every active subscription against
// it, and returns the completed signal row. A *DirectionError means the
// bot rejected the signal outright; the signal row still exists with
// zero subscribers.
func (b *Broadcaster) Broadcast(ctx context.Context, req *Request) (*core.Signal, error) {
	start := time.Now()

	bot, err := b.store.GetBot(ctx, req.BotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bot: %w", err)
	}
	if !bot.IsActive {
		return nil, fmt.Errorf("bot %s is not active", bot.ID)
	}

	sig := &core.Signal{
		ID:         uuid.NewString(),
		BotID:      bot.ID,
		Ticker:     req.Ticker,
		Action:     req.Action,
		Price:      req.Price,
		SourceIP:   req.SourceIP,
		RawPayload: req.RawPayload,
		CreatedAt:  start,
	}

	if dirErr := b.checkBotDirection(bot, req.Action); dirErr != nil {
		if err := b.store.CreateSignal(ctx, sig); err != nil {
			return nil, fmt.Errorf("failed to record signal: %w", err)
		}
		sig.CompletedAt = time.Now()
		if err := b.store.CompleteSignal(ctx, sig); err != nil {
			b.logger.Error("failed to complete rejected signal", "signal_id", sig.ID, "error", err)
		}
		b.logger.Info("signal rejected at bot level",
			"bot_id", bot.ID, "ticker", req.Ticker, "action", req.Action)
		return sig, dirErr
	}

	if err := b.store.CreateSignal(ctx, sig); err != nil {
		return nil, fmt.Errorf("failed to record signal: %w", err)
	}

	subs, err := b.store.ListActiveSubscriptions(ctx, bot.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	sig.TotalSubscribers = len(subs)

	var (
		mu      sync.Mutex
		success int
		failed  int
	)

	group := b.pool.Group()
	for _, sc := range subs {
		sc := sc
		group.Submit(func() {
			exec := b.runOne(ctx, sc, sig)
			mu.Lock()
			switch exec.Status {
			case core.ExecutionSuccess:
				success++
			case core.ExecutionFailed:
				failed++
			}
			mu.Unlock()
		})
	}
	group.Wait()

	sig.SuccessfulExecutions = success
	sig.FailedExecutions = failed
	sig.BroadcastDurationMs = time.Since(start).Milliseconds()
	sig.CompletedAt = time.Now()
	if err := b.store.CompleteSignal(ctx, sig); err != nil {
		b.logger.Error("failed to complete signal", "signal_id", sig.ID, "error", err)
	}

	if b.metrics.BroadcastsTotal != nil {
		b.metrics.BroadcastsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bot", bot.Name)))
	}
	if b.metrics.BroadcastDuration != nil {
		b.metrics.BroadcastDuration.Record(ctx, time.Since(start).Seconds())
	}

	b.logger.Info("broadcast complete",
		"signal_id", sig.ID,
		"bot_id", bot.ID,
		"ticker", sig.Ticker,
		"action", sig.Action,
		"subscribers", sig.TotalSubscribers,
		"success", success,
		"failed", failed,
		"duration_ms", sig.BroadcastDurationMs)
	return sig, nil
}

// runOne isolates a single subscription's execution. A panic in the
// executor is recorded as a failed execution instead of taking the
// broadcast down.
func (b *Broadcaster) runOne(ctx context.Context, sc *core.SubscriptionContext, sig *core.Signal) (exec *core.SignalExecution) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("execution panicked",
				"signal_id", sig.ID,
				"subscription_id", sc.Subscription.ID,
				"panic", p)
			exec = &core.SignalExecution{
				ID:                uuid.NewString(),
				SignalID:          sig.ID,
				SubscriptionID:    sc.Subscription.ID,
				UserID:            sc.Subscription.UserID,
				ExchangeAccountID: sc.Account.ID,
				Status:            core.ExecutionFailed,
				ErrorMessage:      fmt.Sprintf("panic: %v", p),
				ErrorCode:         "PANIC",
				CreatedAt:         time.Now(),
				CompletedAt:       time.Now(),
			}
			if err := b.store.CreateExecution(ctx, exec); err != nil {
				b.logger.Error("failed to record panicked execution",
					"signal_id", sig.ID, "error", err)
			}
		}
	}()

	return b.executor.Execute(ctx, sc, sig)
}

func (b *Broadcaster) checkBotDirection(bot *core.Bot, action core.SignalAction) *DirectionError {
	// Closes are always allowed; they only reduce exposure
	if action == core.ActionClose {
		return nil
	}

	switch bot.AllowedDirections {
	case core.DirectionsBuyOnly:
		if action != core.ActionBuy {
			return &DirectionError{BotName: bot.Name, Allowed: bot.AllowedDirections}
		}
	case core.DirectionsSellOnly:
		if action != core.ActionSell {
			return &DirectionError{BotName: bot.Name, Allowed: bot.AllowedDirections}
		}
	}
	return nil
}

// Stop drains the worker pool
func (b *Broadcaster) Stop() {
	b.pool.Stop()
}
