package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"signal_relay/internal/core"

	"github.com/google/uuid"
)

const tradeColumns = `id, subscription_id, user_id, signal_execution_id, exchange_account_id,
	symbol, side, direction, entry_price, entry_quantity, entry_time,
	sl_order_id, tp_order_id, exit_price, exit_quantity, exit_time, exit_reason,
	pnl_usd, pnl_pct, is_winner, status`

// CreateTrade inserts a new open trade.
func (s *SQLiteStore) CreateTrade(ctx context.Context, trade *core.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.EntryTime.IsZero() {
		trade.EntryTime = time.Now().UTC()
	}
	if trade.Status == "" {
		trade.Status = core.TradeOpen
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, subscription_id, user_id, signal_execution_id,
			exchange_account_id, symbol, side, direction, entry_price, entry_quantity,
			entry_time, sl_order_id, tp_order_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, trade.SubscriptionID, trade.UserID, trade.SignalExecutionID,
		trade.ExchangeAccountID, trade.Symbol, string(trade.Side), string(trade.Direction),
		trade.EntryPrice.String(), trade.EntryQuantity.String(), unixMilli(trade.EntryTime),
		trade.SlOrderID, trade.TpOrderID, string(trade.Status))
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// GetTrade fetches one trade by ID.
func (s *SQLiteStore) GetTrade(ctx context.Context, tradeID string) (*core.Trade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = ?`, tradeID)
	trade, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return trade, err
}

// GetTradeByExecution fetches the trade opened by a signal execution.
func (s *SQLiteStore) GetTradeByExecution(ctx context.Context, executionID string) (*core.Trade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE signal_execution_id = ?`, executionID)
	trade, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return trade, err
}

// CountOpenTrades returns the number of trades currently open for a
// subscription. This is the authoritative count for risk checks, not the
// cached counter on the subscription row.
func (s *SQLiteStore) CountOpenTrades(ctx context.Context, subscriptionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE subscription_id = ? AND status = 'open'`,
		subscriptionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open trades: %w", err)
	}
	return n, nil
}

// ListOpenTrades returns the open trades for a subscription.
func (s *SQLiteStore) ListOpenTrades(ctx context.Context, subscriptionID string) ([]*core.Trade, error) {
	return s.listTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE subscription_id = ? AND status = 'open'`,
		subscriptionID)
}

// ListOpenTradesByAccount returns the open trades on one exchange account.
func (s *SQLiteStore) ListOpenTradesByAccount(ctx context.Context, accountID string) ([]*core.Trade, error) {
	return s.listTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE exchange_account_id = ? AND status = 'open'`,
		accountID)
}

func (s *SQLiteStore) listTrades(ctx context.Context, query string, args ...interface{}) ([]*core.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var out []*core.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, trade)
	}
	return out, rows.Err()
}

// CloseTradeTx atomically writes a trade close and its bookkeeping: the
// trade's exit fields, the subscription counters, and the daily snapshot
// upsert. The caller computes all new values; this only persists them.
func (s *SQLiteStore) CloseTradeTx(ctx context.Context, trade *core.Trade, sub *core.Subscription, snap *core.DailyPnlSnapshot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE trades SET exit_price = ?, exit_quantity = ?, exit_time = ?,
			exit_reason = ?, pnl_usd = ?, pnl_pct = ?, is_winner = ?, status = 'closed'
		WHERE id = ? AND status = 'open'`,
		trade.ExitPrice.String(), trade.ExitQuantity.String(), unixMilli(trade.ExitTime),
		string(trade.ExitReason), trade.PnlUSD.String(), trade.PnlPct.String(),
		boolToInt(trade.IsWinner), trade.ID)
	if err != nil {
		return fmt.Errorf("failed to close trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trade %s is not open", trade.ID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE subscriptions SET current_positions = ?, current_daily_loss_usd = ?,
			total_pnl_usd = ?, win_count = ?, loss_count = ?
		WHERE id = ?`,
		sub.CurrentPositions, sub.CurrentDailyLossUSD.String(),
		sub.TotalPnlUSD.String(), sub.WinCount, sub.LossCount, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update subscription counters: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_pnl_snapshots (subscription_id, user_id, bot_id, snapshot_date,
			daily_pnl_usd, cumulative_pnl_usd, daily_wins, daily_losses,
			cumulative_wins, cumulative_losses, win_rate_pct, finalized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(subscription_id, snapshot_date) DO UPDATE SET
			daily_pnl_usd = excluded.daily_pnl_usd,
			cumulative_pnl_usd = excluded.cumulative_pnl_usd,
			daily_wins = excluded.daily_wins,
			daily_losses = excluded.daily_losses,
			cumulative_wins = excluded.cumulative_wins,
			cumulative_losses = excluded.cumulative_losses,
			win_rate_pct = excluded.win_rate_pct`,
		snap.SubscriptionID, snap.UserID, snap.BotID, snap.SnapshotDate,
		snap.DailyPnlUSD.String(), snap.CumulativePnlUSD.String(),
		snap.DailyWins, snap.DailyLosses,
		snap.CumulativeWins, snap.CumulativeLosses, snap.WinRatePct.String())
	if err != nil {
		return fmt.Errorf("failed to upsert daily snapshot: %w", err)
	}

	return tx.Commit()
}

// GetSnapshot fetches one daily snapshot, or nil when absent.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, subscriptionID, date string) (*core.DailyPnlSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subscription_id, user_id, bot_id, snapshot_date, daily_pnl_usd,
			cumulative_pnl_usd, daily_wins, daily_losses, cumulative_wins,
			cumulative_losses, win_rate_pct, finalized
		FROM daily_pnl_snapshots WHERE subscription_id = ? AND snapshot_date = ?`,
		subscriptionID, date)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

// ListUnfinalizedSnapshots returns snapshots for days strictly before the
// given date that have not been finalized yet.
func (s *SQLiteStore) ListUnfinalizedSnapshots(ctx context.Context, before string) ([]*core.DailyPnlSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subscription_id, user_id, bot_id, snapshot_date, daily_pnl_usd,
			cumulative_pnl_usd, daily_wins, daily_losses, cumulative_wins,
			cumulative_losses, win_rate_pct, finalized
		FROM daily_pnl_snapshots WHERE finalized = 0 AND snapshot_date < ?`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinalized snapshots: %w", err)
	}
	defer rows.Close()

	var out []*core.DailyPnlSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// FinalizeSnapshot marks a snapshot immutable.
func (s *SQLiteStore) FinalizeSnapshot(ctx context.Context, subscriptionID, date string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE daily_pnl_snapshots SET finalized = 1
		WHERE subscription_id = ? AND snapshot_date = ?`, subscriptionID, date)
	if err != nil {
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	return nil
}

func scanTrade(row rowScanner) (*core.Trade, error) {
	var trade core.Trade
	var side, direction, exitReason, status string
	var entryPrice, entryQty, exitPrice, exitQty, pnlUSD, pnlPct string
	var entryTime, exitTime int64
	var isWinner int

	err := row.Scan(&trade.ID, &trade.SubscriptionID, &trade.UserID,
		&trade.SignalExecutionID, &trade.ExchangeAccountID,
		&trade.Symbol, &side, &direction, &entryPrice, &entryQty, &entryTime,
		&trade.SlOrderID, &trade.TpOrderID, &exitPrice, &exitQty, &exitTime, &exitReason,
		&pnlUSD, &pnlPct, &isWinner, &status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}

	trade.Side = core.OrderSide(side)
	trade.Direction = core.Direction(direction)
	trade.EntryPrice = parseDec(entryPrice)
	trade.EntryQuantity = parseDec(entryQty)
	trade.EntryTime = fromUnixMilli(entryTime)
	trade.ExitPrice = parseDec(exitPrice)
	trade.ExitQuantity = parseDec(exitQty)
	trade.ExitTime = fromUnixMilli(exitTime)
	trade.ExitReason = core.ExitReason(exitReason)
	trade.PnlUSD = parseDec(pnlUSD)
	trade.PnlPct = parseDec(pnlPct)
	trade.IsWinner = isWinner != 0
	trade.Status = core.TradeStatus(status)
	return &trade, nil
}

func scanSnapshot(row rowScanner) (*core.DailyPnlSnapshot, error) {
	var snap core.DailyPnlSnapshot
	var daily, cumulative, winRate string
	var finalized int

	err := row.Scan(&snap.SubscriptionID, &snap.UserID, &snap.BotID, &snap.SnapshotDate,
		&daily, &cumulative, &snap.DailyWins, &snap.DailyLosses,
		&snap.CumulativeWins, &snap.CumulativeLosses, &winRate, &finalized)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	snap.DailyPnlUSD = parseDec(daily)
	snap.CumulativePnlUSD = parseDec(cumulative)
	snap.WinRatePct = parseDec(winRate)
	snap.Finalized = finalized != 0
	return &snap, nil
}
