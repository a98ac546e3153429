// Package store is the sqlite persistence gateway. All engine state that
// must survive a restart goes through it.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"signal_relay/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS bots (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	leverage INTEGER NOT NULL,
	margin_usd TEXT NOT NULL,
	stop_loss_pct TEXT NOT NULL,
	take_profit_pct TEXT NOT NULL,
	market_type TEXT NOT NULL DEFAULT 'futures',
	allowed_directions TEXT NOT NULL DEFAULT 'both',
	is_active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS exchange_accounts (
	id TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL,
	venue TEXT NOT NULL,
	api_key TEXT NOT NULL,
	secret_key TEXT NOT NULL,
	passphrase TEXT NOT NULL DEFAULT '',
	is_testnet INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	position_mode TEXT NOT NULL DEFAULT '',
	last_balance TEXT NOT NULL DEFAULT '0',
	last_sync_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	bot_id TEXT NOT NULL,
	exchange_account_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	leverage_override INTEGER,
	margin_override TEXT,
	stop_loss_override TEXT,
	take_profit_override TEXT,
	max_daily_loss_usd TEXT NOT NULL DEFAULT '0',
	max_concurrent_positions INTEGER NOT NULL DEFAULT 0,
	current_daily_loss_usd TEXT NOT NULL DEFAULT '0',
	current_positions INTEGER NOT NULL DEFAULT 0,
	total_pnl_usd TEXT NOT NULL DEFAULT '0',
	win_count INTEGER NOT NULL DEFAULT 0,
	loss_count INTEGER NOT NULL DEFAULT 0,
	total_signals_received INTEGER NOT NULL DEFAULT 0,
	total_orders_executed INTEGER NOT NULL DEFAULT 0,
	total_orders_failed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_bot ON subscriptions(bot_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_active_account
	ON subscriptions(user_id, bot_id, exchange_account_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	ticker TEXT NOT NULL,
	action TEXT NOT NULL,
	price TEXT NOT NULL DEFAULT '0',
	source_ip TEXT NOT NULL DEFAULT '',
	raw_payload TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0,
	total_subscribers INTEGER NOT NULL DEFAULT 0,
	successful_executions INTEGER NOT NULL DEFAULT 0,
	failed_executions INTEGER NOT NULL DEFAULT 0,
	broadcast_duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS signal_executions (
	id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	exchange_account_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	exchange_order_id TEXT NOT NULL DEFAULT '',
	executed_price TEXT NOT NULL DEFAULT '0',
	executed_quantity TEXT NOT NULL DEFAULT '0',
	sl_order_id TEXT NOT NULL DEFAULT '',
	tp_order_id TEXT NOT NULL DEFAULT '',
	sl_price TEXT NOT NULL DEFAULT '0',
	tp_price TEXT NOT NULL DEFAULT '0',
	sl_order_status TEXT NOT NULL DEFAULT '',
	tp_order_status TEXT NOT NULL DEFAULT '',
	realized_pnl TEXT NOT NULL DEFAULT '0',
	close_reason TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0,
	UNIQUE(signal_id, subscription_id)
);
CREATE INDEX IF NOT EXISTS idx_executions_signal ON signal_executions(signal_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON signal_executions(status);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	signal_execution_id TEXT NOT NULL DEFAULT '',
	exchange_account_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	direction TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	entry_quantity TEXT NOT NULL,
	entry_time INTEGER NOT NULL,
	sl_order_id TEXT NOT NULL DEFAULT '',
	tp_order_id TEXT NOT NULL DEFAULT '',
	exit_price TEXT NOT NULL DEFAULT '0',
	exit_quantity TEXT NOT NULL DEFAULT '0',
	exit_time INTEGER NOT NULL DEFAULT 0,
	exit_reason TEXT NOT NULL DEFAULT '',
	pnl_usd TEXT NOT NULL DEFAULT '0',
	pnl_pct TEXT NOT NULL DEFAULT '0',
	is_winner INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'open'
);
CREATE INDEX IF NOT EXISTS idx_trades_sub_status ON trades(subscription_id, status);
CREATE INDEX IF NOT EXISTS idx_trades_account_status ON trades(exchange_account_id, status);

CREATE TABLE IF NOT EXISTS daily_pnl_snapshots (
	subscription_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	bot_id TEXT NOT NULL,
	snapshot_date TEXT NOT NULL,
	daily_pnl_usd TEXT NOT NULL DEFAULT '0',
	cumulative_pnl_usd TEXT NOT NULL DEFAULT '0',
	daily_wins INTEGER NOT NULL DEFAULT 0,
	daily_losses INTEGER NOT NULL DEFAULT 0,
	cumulative_wins INTEGER NOT NULL DEFAULT 0,
	cumulative_losses INTEGER NOT NULL DEFAULT 0,
	win_rate_pct TEXT NOT NULL DEFAULT '0',
	finalized INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (subscription_id, snapshot_date)
);

CREATE TABLE IF NOT EXISTS webhooks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	url_path TEXT NOT NULL UNIQUE,
	secret TEXT NOT NULL DEFAULT '',
	is_public INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	bot_id TEXT NOT NULL DEFAULT '',
	exchange_account_id TEXT NOT NULL DEFAULT '',
	margin_usd TEXT NOT NULL DEFAULT '0',
	leverage INTEGER NOT NULL DEFAULT 1,
	stop_loss_pct TEXT NOT NULL DEFAULT '0',
	take_profit_pct TEXT NOT NULL DEFAULT '0',
	market_type TEXT NOT NULL DEFAULT 'futures',
	total_deliveries INTEGER NOT NULL DEFAULT 0,
	total_errors INTEGER NOT NULL DEFAULT 0,
	consecutive_errors INTEGER NOT NULL DEFAULT 0,
	error_threshold INTEGER NOT NULL DEFAULT 10
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id TEXT PRIMARY KEY,
	webhook_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	orders_created INTEGER NOT NULL DEFAULT 0,
	orders_executed INTEGER NOT NULL DEFAULT 0,
	orders_failed INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	processing_time_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	message TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
`

// SQLiteStore implements core.IStore over a single sqlite database.
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "store"),
	}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// parseDec parses a decimal column written by this store. Values in the
// database always originate from decimal.String, so parse failures only
// happen on hand-edited rows; those fall back to zero.
func parseDec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
