package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"signal_relay/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateSignal inserts a new signal row, minting an ID if none is set.
func (s *SQLiteStore) CreateSignal(ctx context.Context, sig *core.Signal) error {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (id, bot_id, ticker, action, price, source_ip, raw_payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.BotID, sig.Ticker, string(sig.Action), sig.Price.String(),
		sig.SourceIP, sig.RawPayload, unixMilli(sig.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

// CompleteSignal writes the broadcast aggregates back onto the signal.
func (s *SQLiteStore) CompleteSignal(ctx context.Context, sig *core.Signal) error {
	if sig.CompletedAt.IsZero() {
		sig.CompletedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET completed_at = ?, total_subscribers = ?,
			successful_executions = ?, failed_executions = ?, broadcast_duration_ms = ?
		WHERE id = ?`,
		unixMilli(sig.CompletedAt), sig.TotalSubscribers,
		sig.SuccessfulExecutions, sig.FailedExecutions, sig.BroadcastDurationMs, sig.ID)
	if err != nil {
		return fmt.Errorf("failed to complete signal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("signal %s not found", sig.ID)
	}
	return nil
}

// CreateExecution inserts a new signal execution row.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *core.SignalExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = core.ExecutionPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_executions (id, signal_id, subscription_id, user_id,
			exchange_account_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.SignalID, exec.SubscriptionID, exec.UserID,
		exec.ExchangeAccountID, string(exec.Status), unixMilli(exec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// UpdateExecution writes back the full mutable state of an execution.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *core.SignalExecution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signal_executions SET
			status = ?, exchange_order_id = ?, executed_price = ?, executed_quantity = ?,
			sl_order_id = ?, tp_order_id = ?, sl_price = ?, tp_price = ?,
			sl_order_status = ?, tp_order_status = ?, realized_pnl = ?, close_reason = ?,
			error_message = ?, error_code = ?, execution_time_ms = ?, completed_at = ?
		WHERE id = ?`,
		string(exec.Status), exec.ExchangeOrderID, exec.ExecutedPrice.String(), exec.ExecutedQuantity.String(),
		exec.SlOrderID, exec.TpOrderID, exec.SlPrice.String(), exec.TpPrice.String(),
		exec.SlOrderStatus, exec.TpOrderStatus, exec.RealizedPnl.String(), exec.CloseReason,
		exec.ErrorMessage, exec.ErrorCode, exec.ExecutionTimeMs, unixMilli(exec.CompletedAt),
		exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s not found", exec.ID)
	}
	return nil
}

// ListWatchedExecutions returns successful executions whose protective
// orders are still live, i.e. the set the monitor must poll. Executions
// from venues that preset SL/TP on the entry order carry trigger prices
// but no leg order IDs; those are watched through their prices.
func (s *SQLiteStore) ListWatchedExecutions(ctx context.Context) ([]*core.SignalExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_id, subscription_id, user_id, exchange_account_id, status,
			exchange_order_id, executed_price, executed_quantity,
			sl_order_id, tp_order_id, sl_price, tp_price,
			sl_order_status, tp_order_status, realized_pnl, close_reason,
			error_message, error_code, execution_time_ms, created_at, completed_at
		FROM signal_executions
		WHERE status = 'success' AND close_reason = ''
			AND (sl_order_id != '' OR tp_order_id != ''
				OR sl_price != '0' OR tp_price != '0')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watched executions: %w", err)
	}
	defer rows.Close()

	var out []*core.SignalExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// GetExecution loads one execution by ID, returning nil when absent.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*core.SignalExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, signal_id, subscription_id, user_id, exchange_account_id, status,
			exchange_order_id, executed_price, executed_quantity,
			sl_order_id, tp_order_id, sl_price, tp_price,
			sl_order_status, tp_order_status, realized_pnl, close_reason,
			error_message, error_code, execution_time_ms, created_at, completed_at
		FROM signal_executions WHERE id = ?`, executionID)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

// UpdateProtectiveOrders swaps the protective order references on an
// execution and its trade after a client-requested SL/TP move.
func (s *SQLiteStore) UpdateProtectiveOrders(ctx context.Context, executionID, slOrderID, tpOrderID string, slPrice, tpPrice decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signal_executions SET sl_order_id = ?, tp_order_id = ?, sl_price = ?, tp_price = ?
		WHERE id = ?`,
		slOrderID, tpOrderID, slPrice.String(), tpPrice.String(), executionID)
	if err != nil {
		return fmt.Errorf("failed to update execution protective orders: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s not found", executionID)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE trades SET sl_order_id = ?, tp_order_id = ?
		WHERE signal_execution_id = ? AND status = 'open'`,
		slOrderID, tpOrderID, executionID)
	if err != nil {
		return fmt.Errorf("failed to update trade protective orders: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*core.SignalExecution, error) {
	var exec core.SignalExecution
	var status, execPrice, execQty, slPrice, tpPrice, pnl string
	var createdAt, completedAt int64

	err := row.Scan(&exec.ID, &exec.SignalID, &exec.SubscriptionID, &exec.UserID,
		&exec.ExchangeAccountID, &status,
		&exec.ExchangeOrderID, &execPrice, &execQty,
		&exec.SlOrderID, &exec.TpOrderID, &slPrice, &tpPrice,
		&exec.SlOrderStatus, &exec.TpOrderStatus, &pnl, &exec.CloseReason,
		&exec.ErrorMessage, &exec.ErrorCode, &exec.ExecutionTimeMs, &createdAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	exec.Status = core.ExecutionStatus(status)
	exec.ExecutedPrice = parseDec(execPrice)
	exec.ExecutedQuantity = parseDec(execQty)
	exec.SlPrice = parseDec(slPrice)
	exec.TpPrice = parseDec(tpPrice)
	exec.RealizedPnl = parseDec(pnl)
	exec.CreatedAt = fromUnixMilli(createdAt)
	exec.CompletedAt = fromUnixMilli(completedAt)
	return &exec, nil
}
