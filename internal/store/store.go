package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// 中文说明：
// 单文件 SQLite（WAL 模式）承载 signals / recent_signals / positions /
// order_tracker / reentry_locks。所有写入经由 Store API 串行化；
// 各后台任务不共享内存态，一律走这里。

// DB 进程内唯一的数据库句柄，由两个 Store 共用。
type DB struct {
	mu sync.Mutex
	db *sql.DB
}

// Open 打开（必要时创建）数据库文件并确保 schema。
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// 多任务并发访问同一文件，串行化写入 + WAL
	raw.SetMaxOpenConns(1)

	d := &DB{db: raw}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = ON;",
	}
	for _, p := range pragmas {
		if _, err := raw.Exec(p); err != nil {
			raw.Close()
			return nil, fmt.Errorf("设置 PRAGMA 失败(%s): %w", p, err)
		}
	}
	if err := d.ensureSchema(); err != nil {
		raw.Close()
		return nil, err
	}
	// 轻量迁移：后加的列一律带默认值，可重复执行
	migrations := []struct{ table, column, decl string }{
		{"signals", "status", "TEXT NOT NULL DEFAULT 'NEW'"},
		{"signals", "locked_by", "TEXT"},
		{"signals", "locked_at_utc", "TEXT"},
		{"signals", "last_error", "TEXT"},
		{"positions", "trail_active", "INTEGER NOT NULL DEFAULT 0"},
		{"positions", "trail_anchor_price", "TEXT"},
		{"positions", "last_sl_update_utc", "TEXT"},
	}
	for _, mg := range migrations {
		if err := d.ensureColumn(mg.table, mg.column, mg.decl); err != nil {
			raw.Close()
			return nil, fmt.Errorf("迁移 %s.%s 失败: %w", mg.table, mg.column, err)
		}
	}
	if _, err := raw.Exec("CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status);"); err != nil {
		raw.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (d *DB) ensureSchema() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
CREATE TABLE IF NOT EXISTS signals (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    source_channel    TEXT NOT NULL,
    chat_id           TEXT NOT NULL,
    message_id        INTEGER NOT NULL,
    message_ts_utc    TEXT,
    received_at_utc   TEXT NOT NULL,
    symbol            TEXT NOT NULL,
    side              TEXT NOT NULL,
    entry_price       TEXT NOT NULL,
    entry_low         TEXT,
    entry_high        TEXT,
    sl_price          TEXT,
    tp_prices_json    TEXT NOT NULL,
    declared_leverage TEXT,
    signal_type       TEXT,
    tick_size         TEXT,
    qty_step          TEXT,
    text_hash         TEXT NOT NULL,
    dedup_hash        TEXT NOT NULL,
    raw_text          TEXT NOT NULL,
    UNIQUE(chat_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_signals_received_at ON signals(received_at_utc);
CREATE INDEX IF NOT EXISTS idx_signals_text_hash ON signals(text_hash, received_at_utc);

CREATE TABLE IF NOT EXISTS recent_signals (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at_utc  TEXT NOT NULL,
    source_channel  TEXT NOT NULL,
    symbol          TEXT NOT NULL,
    side            TEXT NOT NULL,
    entry_price     TEXT NOT NULL,
    sl_price        TEXT,
    tp_prices_json  TEXT NOT NULL,
    dedup_hash      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recent_signals_lookup
ON recent_signals(source_channel, symbol, side, created_at_utc);

CREATE TABLE IF NOT EXISTS positions (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    signal_id            INTEGER NOT NULL UNIQUE,
    bot_order_id         TEXT,
    symbol               TEXT NOT NULL,
    side                 TEXT NOT NULL,
    state                TEXT NOT NULL,
    signal_type          TEXT,
    planned_qty          TEXT,
    filled_qty           TEXT,
    remaining_qty        TEXT,
    avg_entry_price      TEXT,
    original_entry_price TEXT,
    leverage             TEXT,
    sl_price             TEXT,
    sl_order_id          TEXT,
    signal_sl_price      TEXT,
    tp_levels_json       TEXT,
    entry_order_ids_json TEXT,
    replacement_order_id TEXT,
    pyramid_state_json   TEXT,
    hedge_state          TEXT NOT NULL DEFAULT 'NONE',
    hedge_entry_order_id TEXT,
    hedge_tp_order_id    TEXT,
    hedge_sl_order_id    TEXT,
    reentry_attempts     INTEGER NOT NULL DEFAULT 0,
    closed_reason        TEXT,
    closed_at_utc        TEXT,
    created_at_utc       TEXT NOT NULL,
    updated_at_utc       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state);

CREATE TABLE IF NOT EXISTS order_tracker (
    order_id          TEXT PRIMARY KEY,
    signal_id         INTEGER NOT NULL,
    symbol            TEXT NOT NULL,
    kind              TEXT NOT NULL,
    level_index       INTEGER,
    last_executed_qty TEXT NOT NULL DEFAULT '0',
    last_status       TEXT,
    created_at_utc    TEXT NOT NULL,
    updated_at_utc    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_tracker_signal ON order_tracker(signal_id);

CREATE TABLE IF NOT EXISTS reentry_locks (
    symbol              TEXT NOT NULL,
    side                TEXT NOT NULL,
    locked              INTEGER NOT NULL DEFAULT 1,
    locked_at_utc       TEXT NOT NULL,
    locked_by_signal_id INTEGER,
    reason              TEXT,
    PRIMARY KEY(symbol, side)
);
`)
	if err != nil {
		return fmt.Errorf("初始化 schema 失败: %w", err)
	}
	return nil
}

// ensureColumn 追加列（可重复执行），schema 演进一律增量。
func (d *DB) ensureColumn(table, column, decl string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.Query(fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	exists := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			exists = true
		}
	}
	if exists {
		return nil
	}
	_, err = d.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, decl))
	return err
}

func (d *DB) withLock(fn func(db *sql.DB) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return fmt.Errorf("store 未初始化")
	}
	return fn(d.db)
}

func utcNowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseISO(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// 确保 context 超时不至于让单条语句卡死整个写锁。
func execCtx(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return db.ExecContext(ctx, query, args...)
}
