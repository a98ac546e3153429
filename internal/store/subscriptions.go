package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"signal_relay/internal/core"

	"github.com/shopspring/decimal"
)

// GetBot fetches one bot, or nil when absent.
func (s *SQLiteStore) GetBot(ctx context.Context, botID string) (*core.Bot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, leverage, margin_usd, stop_loss_pct, take_profit_pct,
			market_type, allowed_directions, is_active
		FROM bots WHERE id = ?`, botID)

	var bot core.Bot
	var margin, sl, tp, directions string
	var isActive int
	err := row.Scan(&bot.ID, &bot.Name, &bot.Leverage, &margin, &sl, &tp,
		&bot.MarketType, &directions, &isActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}

	bot.MarginUSD = parseDec(margin)
	bot.StopLossPct = parseDec(sl)
	bot.TakeProfitPct = parseDec(tp)
	bot.AllowedDirections = core.AllowedDirections(directions)
	bot.IsActive = isActive != 0
	return &bot, nil
}

const subscriptionColumns = `id, user_id, bot_id, exchange_account_id, status,
	leverage_override, margin_override, stop_loss_override, take_profit_override,
	max_daily_loss_usd, max_concurrent_positions, current_daily_loss_usd,
	current_positions, total_pnl_usd, win_count, loss_count,
	total_signals_received, total_orders_executed, total_orders_failed`

// GetSubscription fetches one subscription, or nil when absent.
func (s *SQLiteStore) GetSubscription(ctx context.Context, subscriptionID string) (*core.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, subscriptionID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// ListActiveSubscriptions loads every active subscription of a bot joined
// with the bot and its exchange account, i.e. one broadcast's work list.
func (s *SQLiteStore) ListActiveSubscriptions(ctx context.Context, botID string) ([]*core.SubscriptionContext, error) {
	bot, err := s.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot == nil {
		return nil, fmt.Errorf("bot %s not found", botID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE bot_id = ? AND status = 'active'`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*core.SubscriptionContext
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, &core.SubscriptionContext{Subscription: sub, Bot: bot})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Attach accounts after the result set is closed; sqlite dislikes
	// nested queries on a single connection.
	for _, sc := range out {
		account, err := s.GetAccount(ctx, sc.Subscription.ExchangeAccountID)
		if err != nil {
			return nil, err
		}
		sc.Account = account
	}
	return out, nil
}

// ListAllSubscriptions returns every subscription regardless of status.
func (s *SQLiteStore) ListAllSubscriptions(ctx context.Context) ([]*core.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*core.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// IncrementPositionCount bumps the cached open-position counter.
func (s *SQLiteStore) IncrementPositionCount(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET current_positions = current_positions + 1 WHERE id = ?`,
		subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to increment position count: %w", err)
	}
	return nil
}

// SetPositionCount overwrites the cached open-position counter. Used by
// the reconciliation sweep when the counter has drifted.
func (s *SQLiteStore) SetPositionCount(ctx context.Context, subscriptionID string, count int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET current_positions = ? WHERE id = ?`, count, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to set position count: %w", err)
	}
	return nil
}

// IncrementSignalCounters records a broadcast outcome on the subscription.
// Every outcome counts as received; skipped executions count as neither
// executed nor failed.
func (s *SQLiteStore) IncrementSignalCounters(ctx context.Context, subscriptionID string, status core.ExecutionStatus) error {
	executed, failed := 0, 0
	switch status {
	case core.ExecutionSuccess:
		executed = 1
	case core.ExecutionFailed:
		failed = 1
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			total_signals_received = total_signals_received + 1,
			total_orders_executed = total_orders_executed + ?,
			total_orders_failed = total_orders_failed + ?
		WHERE id = ?`, executed, failed, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to increment signal counters: %w", err)
	}
	return nil
}

// ResetDailyLoss zeroes the daily loss accumulator on every subscription.
// Runs once per UTC day inside the maintenance window.
func (s *SQLiteStore) ResetDailyLoss(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET current_daily_loss_usd = '0'`)
	if err != nil {
		return fmt.Errorf("failed to reset daily loss: %w", err)
	}
	return nil
}

const accountColumns = `id, owner_user_id, venue, api_key, secret_key, passphrase,
	is_testnet, is_active, position_mode, last_balance, last_sync_at`

// ListActiveAccounts returns every active exchange account.
func (s *SQLiteStore) ListActiveAccounts(ctx context.Context) ([]*core.ExchangeAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM exchange_accounts WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*core.ExchangeAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, account)
	}
	return out, rows.Err()
}

// GetAccount fetches one exchange account, or nil when absent.
func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*core.ExchangeAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM exchange_accounts WHERE id = ?`, accountID)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return account, err
}

// UpdateAccountSync writes the balance observed by the periodic sync.
func (s *SQLiteStore) UpdateAccountSync(ctx context.Context, accountID string, balance decimal.Decimal, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE exchange_accounts SET last_balance = ?, last_sync_at = ? WHERE id = ?`,
		balance.String(), unixMilli(at), accountID)
	if err != nil {
		return fmt.Errorf("failed to update account sync: %w", err)
	}
	return nil
}

func scanSubscription(row rowScanner) (*core.Subscription, error) {
	var sub core.Subscription
	var levOverride sql.NullInt64
	var marginOverride, slOverride, tpOverride sql.NullString
	var maxLoss, dailyLoss, totalPnl string

	err := row.Scan(&sub.ID, &sub.UserID, &sub.BotID, &sub.ExchangeAccountID, &sub.Status,
		&levOverride, &marginOverride, &slOverride, &tpOverride,
		&maxLoss, &sub.MaxConcurrentPositions, &dailyLoss,
		&sub.CurrentPositions, &totalPnl, &sub.WinCount, &sub.LossCount,
		&sub.TotalSignalsReceived, &sub.TotalOrdersExecuted, &sub.TotalOrdersFailed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	if levOverride.Valid {
		v := int(levOverride.Int64)
		sub.Overrides.Leverage = &v
	}
	if marginOverride.Valid {
		v := parseDec(marginOverride.String)
		sub.Overrides.MarginUSD = &v
	}
	if slOverride.Valid {
		v := parseDec(slOverride.String)
		sub.Overrides.StopLossPct = &v
	}
	if tpOverride.Valid {
		v := parseDec(tpOverride.String)
		sub.Overrides.TakeProfitPct = &v
	}
	sub.MaxDailyLossUSD = parseDec(maxLoss)
	sub.CurrentDailyLossUSD = parseDec(dailyLoss)
	sub.TotalPnlUSD = parseDec(totalPnl)
	return &sub, nil
}

func scanAccount(row rowScanner) (*core.ExchangeAccount, error) {
	var account core.ExchangeAccount
	var venue, positionMode, balance string
	var isTestnet, isActive int
	var lastSync int64

	err := row.Scan(&account.ID, &account.OwnerUserID, &venue,
		&account.APIKey, &account.SecretKey, &account.Passphrase,
		&isTestnet, &isActive, &positionMode, &balance, &lastSync)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	account.Venue = core.Venue(venue)
	account.IsTestnet = isTestnet != 0
	account.IsActive = isActive != 0
	account.PositionMode = core.PositionMode(positionMode)
	account.LastBalance = parseDec(balance)
	account.LastSyncAt = fromUnixMilli(lastSync)
	return &account, nil
}
