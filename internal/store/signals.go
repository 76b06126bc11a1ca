package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// 信号队列状态。NEW/CLAIMED/EXPIRED/REJECTED 为队列态，
// COMPLETED/FAILED 为执行终态（同一行上延续记录）。
const (
	SignalStatusNew       = "NEW"
	SignalStatusClaimed   = "CLAIMED"
	SignalStatusExpired   = "EXPIRED"
	SignalStatusRejected  = "REJECTED"
	SignalStatusCompleted = "COMPLETED"
	SignalStatusFailed    = "FAILED"
)

// SignalRecord 规范化后的待入库信号。
type SignalRecord struct {
	SourceChannel    string
	ChatID           string
	MessageID        int64
	MessageTS        time.Time
	ReceivedAt       time.Time
	Symbol           string
	Side             string // LONG | SHORT
	EntryPrice       decimal.Decimal
	EntryLow         *decimal.Decimal
	EntryHigh        *decimal.Decimal
	SLPrice          *decimal.Decimal // 缺省时为空，由入场阶段施加 FAST 兜底
	TPPrices         []decimal.Decimal
	DeclaredLeverage *decimal.Decimal
	SignalType       string
	TickSize         decimal.Decimal
	QtyStep          decimal.Decimal
	TextHash         string
	RawText          string
}

// QueuedSignal 从队列取出的完整行。
type QueuedSignal struct {
	ID               int64
	SourceChannel    string
	ChatID           string
	MessageID        int64
	ReceivedAt       time.Time
	Symbol           string
	Side             string
	EntryPrice       decimal.Decimal
	EntryLow         *decimal.Decimal
	EntryHigh        *decimal.Decimal
	SLPrice          *decimal.Decimal
	TPPrices         []decimal.Decimal
	DeclaredLeverage *decimal.Decimal
	SignalType       string
	TickSize         decimal.Decimal
	QtyStep          decimal.Decimal
	Status           string
	RawText          string
}

// DedupDecision 近似重复判定结果。
type DedupDecision struct {
	Accept    bool
	Reason    string
	DedupHash string
	MinDiff   string
}

// SignalStore 信号队列（SSoT）。
type SignalStore struct {
	db *DB
}

func NewSignalStore(db *DB) *SignalStore {
	return &SignalStore{db: db}
}

// TextHash 归一化正文哈希：小写 + 空白折叠后取 SHA-256。
func TextHash(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// IsDuplicate 键级与文本级去重：
// (chat_id, message_id) 已存在，或相同归一化哈希的行仍在 TTL 窗口内。
func (s *SignalStore) IsDuplicate(ctx context.Context, chatID string, messageID int64, textHash string, ttl time.Duration) (bool, string, error) {
	dup := false
	reason := ""
	err := s.db.withLock(func(db *sql.DB) error {
		var n int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM signals WHERE chat_id = ? AND message_id = ?;",
			chatID, messageID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			dup, reason = true, "message_key"
			return nil
		}
		cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339Nano)
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM signals WHERE text_hash = ? AND received_at_utc >= ?;",
			textHash, cutoff).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			dup, reason = true, "text_hash_ttl"
		}
		return nil
	})
	return dup, reason, err
}

// CheckDedup 近似重复规则（同源同向同符号，TTL 窗口内）：
// 各分量最大百分差 ≤5% 拦截；≥10% 放行；5–10% 以 7.5% 定界。
func (s *SignalStore) CheckDedup(ctx context.Context, rec SignalRecord, ttl time.Duration) (DedupDecision, error) {
	h := dedupHash(rec)
	dec := DedupDecision{Accept: true, Reason: "TTL 窗口内无近似信号", DedupHash: h}

	type recent struct {
		entry decimal.Decimal
		sl    decimal.Decimal
		tps   []decimal.Decimal
	}
	var recents []recent
	err := s.db.withLock(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
            SELECT created_at_utc, entry_price, COALESCE(sl_price, ''), tp_prices_json
            FROM recent_signals
            WHERE source_channel = ? AND symbol = ? AND side = ?
            ORDER BY id DESC LIMIT 50;`,
			rec.SourceChannel, rec.Symbol, rec.Side)
		if err != nil {
			return err
		}
		defer rows.Close()
		cutoff := time.Now().UTC().Add(-ttl)
		for rows.Next() {
			var createdAt, entry, sl, tpJSON string
			if err := rows.Scan(&createdAt, &entry, &sl, &tpJSON); err != nil {
				return err
			}
			if ts, ok := parseISO(createdAt); !ok || ts.Before(cutoff) {
				continue
			}
			r := recent{entry: mustDecimal(entry), sl: mustDecimal(sl)}
			var tps []string
			if err := json.Unmarshal([]byte(tpJSON), &tps); err == nil {
				for _, tp := range tps {
					r.tps = append(r.tps, mustDecimal(tp))
				}
			}
			recents = append(recents, r)
		}
		return rows.Err()
	})
	if err != nil {
		return dec, err
	}
	if len(recents) == 0 {
		return dec, nil
	}

	sl := decimal.Zero
	if rec.SLPrice != nil {
		sl = *rec.SLPrice
	}
	minDiff := decimal.NewFromInt(1)
	for _, old := range recents {
		diff := maxComponentDiff(rec.EntryPrice, sl, rec.TPPrices, old.entry, old.sl, old.tps)
		if diff.LessThan(minDiff) {
			minDiff = diff
		}
	}
	dec.MinDiff = minDiff.String()

	blockMax := decimal.RequireFromString("0.05")
	acceptMin := decimal.RequireFromString("0.10")
	splitAt := decimal.RequireFromString("0.075")
	switch {
	case minDiff.LessThanOrEqual(blockMax):
		dec.Accept = false
		dec.Reason = "近似重复（分量差 ≤5%）"
	case minDiff.GreaterThanOrEqual(acceptMin):
		dec.Accept = true
		dec.Reason = "全部近似信号分量差 ≥10%，放行"
	case minDiff.LessThan(splitAt):
		dec.Accept = false
		dec.Reason = "5–10% 区间定界拦截（min_diff < 7.5%）"
	default:
		dec.Accept = true
		dec.Reason = "5–10% 区间定界放行（min_diff ≥ 7.5%)"
	}
	return dec, nil
}

// InsertAccepted 入库已接受信号（幂等：键冲突时返回既有行）。
// 同一事务内写入 recent_signals 供后续近似去重。
func (s *SignalStore) InsertAccepted(ctx context.Context, rec SignalRecord, dedupHash string) (int64, bool, error) {
	tpJSON := marshalDecimals(rec.TPPrices)
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	var id int64
	inserted := false
	err := s.db.withLock(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
            INSERT OR IGNORE INTO signals (
                source_channel, chat_id, message_id, message_ts_utc, received_at_utc,
                symbol, side, entry_price, entry_low, entry_high, sl_price,
                tp_prices_json, declared_leverage, signal_type, tick_size, qty_step,
                text_hash, dedup_hash, raw_text, status
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'NEW');`,
			rec.SourceChannel, rec.ChatID, rec.MessageID, isoOrNil(rec.MessageTS),
			receivedAt.UTC().Format(time.RFC3339Nano),
			rec.Symbol, rec.Side, rec.EntryPrice.String(),
			decimalOrNil(rec.EntryLow), decimalOrNil(rec.EntryHigh), decimalOrNil(rec.SLPrice),
			tpJSON, decimalOrNil(rec.DeclaredLeverage), nullIfEmpty(rec.SignalType),
			rec.TickSize.String(), rec.QtyStep.String(),
			rec.TextHash, dedupHash, rec.RawText)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = true
			if _, err := tx.ExecContext(ctx, `
                INSERT INTO recent_signals (
                    created_at_utc, source_channel, symbol, side, entry_price, sl_price, tp_prices_json, dedup_hash
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
				receivedAt.UTC().Format(time.RFC3339Nano), rec.SourceChannel, rec.Symbol, rec.Side,
				rec.EntryPrice.String(), decimalOrNil(rec.SLPrice), tpJSON, dedupHash); err != nil {
				return err
			}
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM signals WHERE chat_id = ? AND message_id = ?;",
			rec.ChatID, rec.MessageID).Scan(&id); err != nil {
			return err
		}
		return tx.Commit()
	})
	return id, inserted, err
}

// ClaimNext 原子领取下一条 NEW 信号；CLAIMED 超过租约时长的行可被重新领取。
func (s *SignalStore) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*QueuedSignal, error) {
	var out *QueuedSignal
	err := s.db.withLock(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		leaseSec := int64(lease / time.Second)
		var id int64
		err = tx.QueryRowContext(ctx, `
            SELECT id FROM signals
            WHERE status = 'NEW'
               OR (
                    status = 'CLAIMED'
                    AND locked_at_utc IS NOT NULL
                    AND (strftime('%s','now') - strftime('%s', locked_at_utc)) >= ?
               )
            ORDER BY id ASC LIMIT 1;`, leaseSec).Scan(&id)
		if err == sql.ErrNoRows {
			return tx.Commit()
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE signals SET status = 'CLAIMED', locked_by = ?, locked_at_utc = ?
            WHERE id = ?;`, workerID, utcNowISO(), id); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, signalSelect+" WHERE id = ?;", id)
		sig, err := scanSignal(row)
		if err != nil {
			return err
		}
		out = sig
		return tx.Commit()
	})
	return out, err
}

// ReleaseClaim 干净停机时把已领取但未下单的信号退回 NEW。
func (s *SignalStore) ReleaseClaim(ctx context.Context, id int64) error {
	return s.db.withLock(func(db *sql.DB) error {
		_, err := execCtx(ctx, db, `
            UPDATE signals SET status = 'NEW', locked_by = NULL, locked_at_utc = NULL
            WHERE id = ? AND status = 'CLAIMED';`, id)
		return err
	})
}

// UpdateStatus 更新队列状态与错误信息。
func (s *SignalStore) UpdateStatus(ctx context.Context, id int64, status, lastError string) error {
	return s.db.withLock(func(db *sql.DB) error {
		_, err := execCtx(ctx, db, `
            UPDATE signals SET status = ?, last_error = ? WHERE id = ?;`,
			status, nullIfEmpty(lastError), id)
		return err
	})
}

// SetSignalType 入场阶段定级后回写（SWING/DYNAMIC/FAST）。
func (s *SignalStore) SetSignalType(ctx context.Context, id int64, signalType string) error {
	return s.db.withLock(func(db *sql.DB) error {
		_, err := execCtx(ctx, db, "UPDATE signals SET signal_type = ? WHERE id = ?;", signalType, id)
		return err
	})
}

// GetSignal 按 id 取一行。
func (s *SignalStore) GetSignal(ctx context.Context, id int64) (*QueuedSignal, error) {
	var out *QueuedSignal
	err := s.db.withLock(func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, signalSelect+" WHERE id = ?;", id)
		sig, err := scanSignal(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		out = sig
		return nil
	})
	return out, err
}

// CountInflight 统计占用容量的在途行（CLAIMED）。
func (s *SignalStore) CountInflight(ctx context.Context) (int, error) {
	n := 0
	err := s.db.withLock(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM signals WHERE status = 'CLAIMED';").Scan(&n)
	})
	return n, err
}

// CountByStatusBetween 报表：窗口内各状态计数。
func (s *SignalStore) CountByStatusBetween(ctx context.Context, statuses []string, start, end time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	qs := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, strings.ToUpper(st))
	}
	args = append(args, start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	n := 0
	err := s.db.withLock(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, fmt.Sprintf(`
            SELECT COUNT(1) FROM signals
            WHERE UPPER(status) IN (%s) AND received_at_utc >= ? AND received_at_utc < ?;`, qs),
			args...).Scan(&n)
	})
	return n, err
}

// CountReceivedBetween 报表：窗口内收到的信号总数。
func (s *SignalStore) CountReceivedBetween(ctx context.Context, start, end time.Time) (int, error) {
	n := 0
	err := s.db.withLock(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `
            SELECT COUNT(1) FROM signals WHERE received_at_utc >= ? AND received_at_utc < ?;`,
			start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano)).Scan(&n)
	})
	return n, err
}

// ListOlderThan 取出给定状态且入库时间早于 minAge 的行（维护任务用）。
func (s *SignalStore) ListOlderThan(ctx context.Context, statuses []string, minAge time.Duration, limit int) ([]*QueuedSignal, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	qs := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, strings.ToUpper(st))
	}
	args = append(args, int64(minAge/time.Second), limit)
	var out []*QueuedSignal
	err := s.db.withLock(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(signalSelect+`
            WHERE UPPER(status) IN (%s)
              AND received_at_utc IS NOT NULL
              AND (strftime('%%s','now') - strftime('%%s', received_at_utc)) >= ?
            ORDER BY id ASC LIMIT ?;`, qs), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			sig, err := scanSignal(rows)
			if err != nil {
				return err
			}
			out = append(out, sig)
		}
		return rows.Err()
	})
	return out, err
}

// ------------------------------------------------------------------
// 再入场锁（symbol+side），三次失败后锁定直到新信号到来
// ------------------------------------------------------------------

func (s *SignalStore) SetReentryLock(ctx context.Context, symbol, side string, signalID int64, reason string) error {
	return s.db.withLock(func(db *sql.DB) error {
		_, err := execCtx(ctx, db, `
            INSERT INTO reentry_locks (symbol, side, locked, locked_at_utc, locked_by_signal_id, reason)
            VALUES (?, ?, 1, ?, ?, ?)
            ON CONFLICT(symbol, side) DO UPDATE SET
                locked = 1, locked_at_utc = excluded.locked_at_utc,
                locked_by_signal_id = excluded.locked_by_signal_id, reason = excluded.reason;`,
			strings.ToUpper(symbol), strings.ToUpper(side), utcNowISO(), signalID, reason)
		return err
	})
}

func (s *SignalStore) IsReentryLocked(ctx context.Context, symbol, side string) (bool, error) {
	locked := false
	err := s.db.withLock(func(db *sql.DB) error {
		var n int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM reentry_locks WHERE symbol = ? AND side = ? AND locked = 1;",
			strings.ToUpper(symbol), strings.ToUpper(side)).Scan(&n); err != nil {
			return err
		}
		locked = n > 0
		return nil
	})
	return locked, err
}

// ClearReentryLock 新的外部信号到达时解锁。
func (s *SignalStore) ClearReentryLock(ctx context.Context, symbol, side string) error {
	return s.db.withLock(func(db *sql.DB) error {
		_, err := execCtx(ctx, db,
			"DELETE FROM reentry_locks WHERE symbol = ? AND side = ?;",
			strings.ToUpper(symbol), strings.ToUpper(side))
		return err
	})
}

// ------------------------------------------------------------------
// 内部工具
// ------------------------------------------------------------------

const signalSelect = `
    SELECT id, source_channel, chat_id, message_id, received_at_utc,
           symbol, side, entry_price, entry_low, entry_high, sl_price,
           tp_prices_json, declared_leverage, COALESCE(signal_type, ''),
           COALESCE(tick_size, '0'), COALESCE(qty_step, '0'), status, raw_text
    FROM signals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*QueuedSignal, error) {
	var sig QueuedSignal
	var receivedAt, entry, tpJSON, tick, step string
	var entryLow, entryHigh, slPrice, declaredLev sql.NullString
	if err := row.Scan(&sig.ID, &sig.SourceChannel, &sig.ChatID, &sig.MessageID, &receivedAt,
		&sig.Symbol, &sig.Side, &entry, &entryLow, &entryHigh, &slPrice,
		&tpJSON, &declaredLev, &sig.SignalType, &tick, &step, &sig.Status, &sig.RawText); err != nil {
		return nil, err
	}
	if ts, ok := parseISO(receivedAt); ok {
		sig.ReceivedAt = ts
	}
	sig.EntryPrice = mustDecimal(entry)
	sig.EntryLow = nullableDecimal(entryLow)
	sig.EntryHigh = nullableDecimal(entryHigh)
	sig.SLPrice = nullableDecimal(slPrice)
	sig.DeclaredLeverage = nullableDecimal(declaredLev)
	sig.TickSize = mustDecimal(tick)
	sig.QtyStep = mustDecimal(step)
	var tps []string
	if err := json.Unmarshal([]byte(tpJSON), &tps); err == nil {
		for _, tp := range tps {
			sig.TPPrices = append(sig.TPPrices, mustDecimal(tp))
		}
	}
	return &sig, nil
}

func dedupHash(rec SignalRecord) string {
	payload := map[string]any{
		"source": rec.SourceChannel,
		"symbol": rec.Symbol,
		"side":   rec.Side,
		"entry":  rec.EntryPrice.String(),
		"tp":     decimalStrings(rec.TPPrices),
		"sl":     decimalPtrString(rec.SLPrice),
	}
	canonical, _ := json.Marshal(payload)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// maxComponentDiff 各分量（entry/SL/TP）最大百分差；TP 数量不同视为本质不同。
func maxComponentDiff(entryA, slA decimal.Decimal, tpsA []decimal.Decimal, entryB, slB decimal.Decimal, tpsB []decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if len(tpsA) != len(tpsB) {
		return one
	}
	pd := func(a, b decimal.Decimal) decimal.Decimal {
		if a.Sign() == 0 {
			return one
		}
		return a.Sub(b).Abs().Div(a.Abs())
	}
	max := pd(entryA, entryB)
	if d := pd(slA, slB); d.GreaterThan(max) {
		max = d
	}
	for i := range tpsA {
		if d := pd(tpsA[i], tpsB[i]); d.GreaterThan(max) {
			max = d
		}
	}
	return max
}

func mustDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullableDecimal(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	d := mustDecimal(ns.String)
	return &d
}

func decimalOrNil(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func decimalStrings(ds []decimal.Decimal) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.String())
	}
	return out
}

func decimalPtrString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func marshalDecimals(ds []decimal.Decimal) string {
	data, _ := json.Marshal(decimalStrings(ds))
	return string(data)
}

func isoOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
