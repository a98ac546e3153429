package store

import (
	"context"
	"fmt"

	"signal_relay/internal/core"

	"github.com/google/uuid"
)

// Provisioning inserts. These back the admin surface and test fixtures;
// the engine itself only reads bots, accounts and subscriptions.

// CreateBot inserts a bot.
func (s *SQLiteStore) CreateBot(ctx context.Context, bot *core.Bot) error {
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	if bot.AllowedDirections == "" {
		bot.AllowedDirections = core.DirectionsBoth
	}
	if bot.MarketType == "" {
		bot.MarketType = "futures"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (id, name, leverage, margin_usd, stop_loss_pct, take_profit_pct,
			market_type, allowed_directions, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bot.ID, bot.Name, bot.Leverage, bot.MarginUSD.String(),
		bot.StopLossPct.String(), bot.TakeProfitPct.String(),
		bot.MarketType, string(bot.AllowedDirections), boolToInt(bot.IsActive))
	if err != nil {
		return fmt.Errorf("failed to insert bot: %w", err)
	}
	return nil
}

// CreateAccount inserts an exchange account.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *core.ExchangeAccount) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchange_accounts (id, owner_user_id, venue, api_key, secret_key,
			passphrase, is_testnet, is_active, position_mode, last_balance, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.OwnerUserID, string(account.Venue),
		account.APIKey, account.SecretKey, account.Passphrase,
		boolToInt(account.IsTestnet), boolToInt(account.IsActive),
		string(account.PositionMode), account.LastBalance.String(),
		unixMilli(account.LastSyncAt))
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// CreateSubscription inserts a subscription.
func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *core.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = "active"
	}

	var levOverride interface{}
	if sub.Overrides.Leverage != nil {
		levOverride = *sub.Overrides.Leverage
	}
	var marginOverride, slOverride, tpOverride interface{}
	if sub.Overrides.MarginUSD != nil {
		marginOverride = sub.Overrides.MarginUSD.String()
	}
	if sub.Overrides.StopLossPct != nil {
		slOverride = sub.Overrides.StopLossPct.String()
	}
	if sub.Overrides.TakeProfitPct != nil {
		tpOverride = sub.Overrides.TakeProfitPct.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, bot_id, exchange_account_id, status,
			leverage_override, margin_override, stop_loss_override, take_profit_override,
			max_daily_loss_usd, max_concurrent_positions, current_daily_loss_usd,
			current_positions, total_pnl_usd, win_count, loss_count,
			total_signals_received, total_orders_executed, total_orders_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, sub.BotID, sub.ExchangeAccountID, sub.Status,
		levOverride, marginOverride, slOverride, tpOverride,
		sub.MaxDailyLossUSD.String(), sub.MaxConcurrentPositions,
		sub.CurrentDailyLossUSD.String(), sub.CurrentPositions,
		sub.TotalPnlUSD.String(), sub.WinCount, sub.LossCount,
		sub.TotalSignalsReceived, sub.TotalOrdersExecuted, sub.TotalOrdersFailed)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// CreateWebhook inserts a webhook.
func (s *SQLiteStore) CreateWebhook(ctx context.Context, wh *core.Webhook) error {
	if wh.ID == "" {
		wh.ID = uuid.NewString()
	}
	if wh.ErrorThreshold == 0 {
		wh.ErrorThreshold = 10
	}
	if wh.MarketType == "" {
		wh.MarketType = "futures"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, user_id, url_path, secret, is_public, is_active,
			bot_id, exchange_account_id, margin_usd, leverage, stop_loss_pct,
			take_profit_pct, market_type, error_threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wh.ID, wh.UserID, wh.URLPath, wh.Secret, boolToInt(wh.IsPublic),
		boolToInt(wh.IsActive), wh.BotID, wh.ExchangeAccountID,
		wh.MarginUSD.String(), wh.Leverage, wh.StopLossPct.String(),
		wh.TakeProfitPct.String(), wh.MarketType, wh.ErrorThreshold)
	if err != nil {
		return fmt.Errorf("failed to insert webhook: %w", err)
	}
	return nil
}
