// Package risk gates signal executions against per-subscription limits.
package risk

import (
	"context"
	"fmt"

	"signal_relay/internal/core"
	apperrors "signal_relay/pkg/errors"
)

// TradeCounter is the slice of the store the gate needs
type TradeCounter interface {
	CountOpenTrades(ctx context.Context, subscriptionID string) (int, error)
}

// Gate runs the pre-execution risk checks for one subscription. Checks
// run in a fixed order and the first failure wins: daily loss cap, then
// concurrent positions, then the bot's direction policy.
type Gate struct {
	store  TradeCounter
	logger core.ILogger
}

// NewGate creates a risk gate
func NewGate(store TradeCounter, logger core.ILogger) *Gate {
	return &Gate{
		store:  store,
		logger: logger.WithField("component", "risk_gate"),
	}
}

// Check returns nil when the execution may proceed, or the sentinel for
// the first violated limit. A rejection here is a skip, not a failure;
// the caller must not count it against the subscription's error totals.
func (g *Gate) Check(ctx context.Context, sc *core.SubscriptionContext, direction core.Direction) error {
	sub := sc.Subscription

	if sub.MaxDailyLossUSD.IsPositive() &&
		sub.CurrentDailyLossUSD.GreaterThanOrEqual(sub.MaxDailyLossUSD) {
		g.logger.Info("daily loss cap reached",
			"subscription_id", sub.ID,
			"daily_loss", sub.CurrentDailyLossUSD,
			"cap", sub.MaxDailyLossUSD)
		return fmt.Errorf("%w: %s/%s USD", apperrors.ErrDailyLossCap,
			sub.CurrentDailyLossUSD, sub.MaxDailyLossUSD)
	}

	if sub.MaxConcurrentPositions > 0 {
		// Count live trades rather than trusting the cached counter,
		// which drifts when closes race the sweep
		open, err := g.store.CountOpenTrades(ctx, sub.ID)
		if err != nil {
			return err
		}
		if open >= sub.MaxConcurrentPositions {
			g.logger.Info("max concurrent positions reached",
				"subscription_id", sub.ID,
				"open", open,
				"max", sub.MaxConcurrentPositions)
			return fmt.Errorf("%w: %d/%d", apperrors.ErrMaxPositions,
				open, sub.MaxConcurrentPositions)
		}
	}

	switch sc.Bot.AllowedDirections {
	case core.DirectionsBuyOnly:
		if direction != core.DirectionLong {
			return apperrors.ErrDirectionBlocked
		}
	case core.DirectionsSellOnly:
		if direction != core.DirectionShort {
			return apperrors.ErrDirectionBlocked
		}
	}

	return nil
}
