package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"signal_relay/internal/core"

	"github.com/google/uuid"
)

// GetWebhookByPath resolves an inbound request path to its webhook config,
// or nil when no webhook is registered at that path.
func (s *SQLiteStore) GetWebhookByPath(ctx context.Context, urlPath string) (*core.Webhook, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, url_path, secret, is_public, is_active, bot_id,
			exchange_account_id, margin_usd, leverage, stop_loss_pct, take_profit_pct,
			market_type, total_deliveries, total_errors, consecutive_errors, error_threshold
		FROM webhooks WHERE url_path = ?`, urlPath)

	var wh core.Webhook
	var isPublic, isActive int
	var margin, sl, tp string
	err := row.Scan(&wh.ID, &wh.UserID, &wh.URLPath, &wh.Secret, &isPublic, &isActive,
		&wh.BotID, &wh.ExchangeAccountID, &margin, &wh.Leverage, &sl, &tp,
		&wh.MarketType, &wh.TotalDeliveries, &wh.TotalErrors,
		&wh.ConsecutiveErrors, &wh.ErrorThreshold)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}

	wh.IsPublic = isPublic != 0
	wh.IsActive = isActive != 0
	wh.MarginUSD = parseDec(margin)
	wh.StopLossPct = parseDec(sl)
	wh.TakeProfitPct = parseDec(tp)
	return &wh, nil
}

// CreateDelivery inserts a delivery row in its initial state.
func (s *SQLiteStore) CreateDelivery(ctx context.Context, d *core.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = "pending"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.Status, d.Attempts, unixMilli(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

// UpdateDelivery writes back the delivery's mutable state.
func (s *SQLiteStore) UpdateDelivery(ctx context.Context, d *core.WebhookDelivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, attempts = ?, orders_created = ?,
			orders_executed = ?, orders_failed = ?, error_message = ?, processing_time_ms = ?
		WHERE id = ?`,
		d.Status, d.Attempts, d.OrdersCreated, d.OrdersExecuted, d.OrdersFailed,
		d.ErrorMessage, d.ProcessingTimeMs, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delivery %s not found", d.ID)
	}
	return nil
}

// RecordWebhookOutcome updates the webhook's delivery counters and returns
// the new consecutive error count. A success resets the streak.
func (s *SQLiteStore) RecordWebhookOutcome(ctx context.Context, webhookID string, success bool) (int, error) {
	var query string
	if success {
		query = `UPDATE webhooks SET total_deliveries = total_deliveries + 1,
			consecutive_errors = 0 WHERE id = ?`
	} else {
		query = `UPDATE webhooks SET total_deliveries = total_deliveries + 1,
			total_errors = total_errors + 1,
			consecutive_errors = consecutive_errors + 1 WHERE id = ?`
	}

	if _, err := s.db.ExecContext(ctx, query, webhookID); err != nil {
		return 0, fmt.Errorf("failed to record webhook outcome: %w", err)
	}

	var streak int
	err := s.db.QueryRowContext(ctx,
		`SELECT consecutive_errors FROM webhooks WHERE id = ?`, webhookID).Scan(&streak)
	if err != nil {
		return 0, fmt.Errorf("failed to read webhook error streak: %w", err)
	}
	return streak, nil
}

// PauseWebhook deactivates a webhook. Used when the consecutive error
// streak crosses the threshold.
func (s *SQLiteStore) PauseWebhook(ctx context.Context, webhookID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET is_active = 0 WHERE id = ?`, webhookID)
	if err != nil {
		return fmt.Errorf("failed to pause webhook: %w", err)
	}
	return nil
}

// CreateNotification appends a notification row.
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *core.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	metadata := "{}"
	if len(n.Metadata) > 0 {
		data, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal notification metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, category, title, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Type, n.Category, n.Title, n.Message, metadata,
		time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}
