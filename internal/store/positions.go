package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// 仓位状态机：PENDING_ENTRY → PARTIAL → OPEN → CLOSING → CLOSED，
// 侧枝 CANCELLED / FAILED；对冲模式单列在 hedge_state 上。
const (
	PositionPendingEntry = "PENDING_ENTRY"
	PositionPartial      = "PARTIAL"
	PositionOpen         = "OPEN"
	PositionClosing      = "CLOSING"
	PositionClosed       = "CLOSED"
	PositionCancelled    = "CANCELLED"
	PositionFailed       = "FAILED"

	HedgeNone   = "NONE"
	HedgeActive = "HEDGED"
	HedgeClosed = "HEDGE_CLOSED"
)

// 订单跟踪类别。
const (
	TrackKindEntry   = "ENTRY"
	TrackKindTP      = "TP"
	TrackKindSL      = "SL"
	TrackKindPyramid = "PYRAMID"
	TrackKindHedge   = "HEDGE"
)

// TPLevel 止盈阶梯中的一级。
type TPLevel struct {
	Index     int    `json:"index"`
	Price     string `json:"price"`
	Qty       string `json:"qty"`
	OrderID   string `json:"order_id,omitempty"`
	FilledQty string `json:"filled_qty"`
	Status    string `json:"status"` // OPEN | PARTIAL | COMPLETED
}

// PyramidExec 已执行的加仓级别。
type PyramidExec struct {
	Scale int    `json:"scale"`
	TS    string `json:"ts"`
	Qty   string `json:"qty"`
}

// PyramidState 加仓一次性状态。
type PyramidState struct {
	Executed []PyramidExec `json:"executed,omitempty"`
	AddedQty string        `json:"added_qty,omitempty"`
}

func (p PyramidState) HasScale(scale int) bool {
	for _, e := range p.Executed {
		if e.Scale == scale {
			return true
		}
	}
	return false
}

// PositionRecord 仓位行（读取视图）。
type PositionRecord struct {
	ID                 int64
	SignalID           int64
	BotOrderID         string
	Symbol             string
	Side               string
	State              string
	SignalType         string
	PlannedQty         decimal.Decimal
	FilledQty          decimal.Decimal
	RemainingQty       decimal.Decimal
	AvgEntryPrice      decimal.Decimal
	OriginalEntryPrice decimal.Decimal
	Leverage           decimal.Decimal
	SLPrice            decimal.Decimal
	SLOrderID          string
	SignalSLPrice      decimal.Decimal
	TPLevels           []TPLevel
	EntryOrderIDs      []string
	ReplacementOrderID string
	Pyramid            PyramidState
	HedgeState         string
	HedgeEntryOrderID  string
	HedgeTPOrderID     string
	HedgeSLOrderID     string
	ReentryAttempts    int
	TrailActive        bool
	TrailAnchorPrice   decimal.Decimal
	LastSLUpdate       time.Time
	ClosedReason       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PositionUpdate 选择性更新；nil 字段不写。
type PositionUpdate struct {
	State              *string
	PlannedQty         *decimal.Decimal
	FilledQty          *decimal.Decimal
	RemainingQty       *decimal.Decimal
	AvgEntryPrice      *decimal.Decimal
	Leverage           *decimal.Decimal
	SLPrice            *decimal.Decimal
	SLOrderID          *string
	TPLevels           []TPLevel
	EntryOrderIDs      []string
	ReplacementOrderID *string
	Pyramid            *PyramidState
	HedgeState         *string
	HedgeEntryOrderID  *string
	HedgeTPOrderID     *string
	HedgeSLOrderID     *string
	ReentryAttempts    *int
	TrailActive        *bool
	TrailAnchorPrice   *decimal.Decimal
	LastSLUpdate       *time.Time
	ClosedReason       *string
	ClosedAt           *time.Time
}

// TrackedOrder 订单跟踪行（executedQty 增量轮询的基准）。
type TrackedOrder struct {
	OrderID         string
	SignalID        int64
	Symbol          string
	Kind            string
	LevelIndex      int
	LastExecutedQty decimal.Decimal
	LastStatus      string
}

// LifecycleStore 仓位与订单跟踪。
type LifecycleStore struct {
	db *DB
}

func NewLifecycleStore(db *DB) *LifecycleStore {
	return &LifecycleStore{db: db}
}

// CreatePositionIfAbsent 幂等建仓行；signal_id 唯一。
func (s *LifecycleStore) CreatePositionIfAbsent(ctx context.Context, rec PositionRecord) (int64, bool, error) {
	now := utcNowISO()
	var id int64
	inserted := false
	err := s.db.withLock(func(db *sql.DB) error {
		res, err := execCtx(ctx, db, `
            INSERT OR IGNORE INTO positions (
                signal_id, bot_order_id, symbol, side, state, signal_type,
                planned_qty, filled_qty, remaining_qty, avg_entry_price, leverage,
                sl_price, signal_sl_price, tp_levels_json, entry_order_ids_json,
                pyramid_state_json, hedge_state, created_at_utc, updated_at_utc
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'NONE', ?, ?);`,
			rec.SignalID, rec.BotOrderID,
			strings.ToUpper(rec.Symbol), strings.ToUpper(rec.Side), rec.State, rec.SignalType,
			rec.PlannedQty.String(), rec.FilledQty.String(), rec.RemainingQty.String(),
			rec.AvgEntryPrice.String(), rec.Leverage.String(),
			rec.SLPrice.String(), rec.SignalSLPrice.String(),
			marshalJSON(rec.TPLevels), marshalJSON(rec.EntryOrderIDs),
			marshalJSON(rec.Pyramid), now, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = true
		}
		return db.QueryRowContext(ctx,
			"SELECT id FROM positions WHERE signal_id = ?;", rec.SignalID).Scan(&id)
	})
	return id, inserted, err
}

// GetPosition 按 signal_id 取仓位。
func (s *LifecycleStore) GetPosition(ctx context.Context, signalID int64) (*PositionRecord, error) {
	var out *PositionRecord
	err := s.db.withLock(func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, positionSelect+" WHERE signal_id = ?;", signalID)
		rec, err := scanPosition(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// ListByState 按状态取仓位。
func (s *LifecycleStore) ListByState(ctx context.Context, states []string, limit int) ([]*PositionRecord, error) {
	if len(states) == 0 {
		return nil, nil
	}
	qs := strings.TrimRight(strings.Repeat("?,", len(states)), ",")
	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, strings.ToUpper(st))
	}
	args = append(args, limit)
	var out []*PositionRecord
	err := s.db.withLock(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(
			positionSelect+" WHERE UPPER(state) IN (%s) ORDER BY id ASC LIMIT ?;", qs), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanPosition(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// CountActive 未终结仓位数（容量判定）。
func (s *LifecycleStore) CountActive(ctx context.Context) (int, error) {
	n := 0
	err := s.db.withLock(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `
            SELECT COUNT(1) FROM positions
            WHERE UPPER(state) NOT IN ('CLOSED', 'CANCELLED', 'FAILED');`).Scan(&n)
	})
	return n, err
}

// CountClosedBetween 报表：窗口内按关闭原因计数。
func (s *LifecycleStore) CountClosedBetween(ctx context.Context, start, end time.Time, reasonLike string) (int, error) {
	n := 0
	err := s.db.withLock(func(db *sql.DB) error {
		q := `SELECT COUNT(1) FROM positions WHERE state = 'CLOSED' AND closed_at_utc >= ? AND closed_at_utc < ?`
		args := []any{start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano)}
		if reasonLike != "" {
			q += " AND closed_reason LIKE ?"
			args = append(args, "%"+reasonLike+"%")
		}
		return db.QueryRowContext(ctx, q+";", args...).Scan(&n)
	})
	return n, err
}

// UpdatePosition 选择性字段更新；同时刷新 updated_at。
func (s *LifecycleStore) UpdatePosition(ctx context.Context, signalID int64, upd PositionUpdate) error {
	sets := []string{"updated_at_utc = ?"}
	args := []any{utcNowISO()}
	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	if upd.State != nil {
		add("state", *upd.State)
	}
	if upd.PlannedQty != nil {
		add("planned_qty", upd.PlannedQty.String())
	}
	if upd.FilledQty != nil {
		add("filled_qty", upd.FilledQty.String())
	}
	if upd.RemainingQty != nil {
		add("remaining_qty", upd.RemainingQty.String())
	}
	if upd.AvgEntryPrice != nil {
		add("avg_entry_price", upd.AvgEntryPrice.String())
	}
	if upd.Leverage != nil {
		add("leverage", upd.Leverage.String())
	}
	if upd.SLPrice != nil {
		add("sl_price", upd.SLPrice.String())
	}
	if upd.SLOrderID != nil {
		add("sl_order_id", nullIfEmpty(*upd.SLOrderID))
	}
	if upd.TPLevels != nil {
		add("tp_levels_json", marshalJSON(upd.TPLevels))
	}
	if upd.EntryOrderIDs != nil {
		add("entry_order_ids_json", marshalJSON(upd.EntryOrderIDs))
	}
	if upd.ReplacementOrderID != nil {
		add("replacement_order_id", nullIfEmpty(*upd.ReplacementOrderID))
	}
	if upd.Pyramid != nil {
		add("pyramid_state_json", marshalJSON(*upd.Pyramid))
	}
	if upd.HedgeState != nil {
		add("hedge_state", *upd.HedgeState)
	}
	if upd.HedgeEntryOrderID != nil {
		add("hedge_entry_order_id", nullIfEmpty(*upd.HedgeEntryOrderID))
	}
	if upd.HedgeTPOrderID != nil {
		add("hedge_tp_order_id", nullIfEmpty(*upd.HedgeTPOrderID))
	}
	if upd.HedgeSLOrderID != nil {
		add("hedge_sl_order_id", nullIfEmpty(*upd.HedgeSLOrderID))
	}
	if upd.ReentryAttempts != nil {
		add("reentry_attempts", *upd.ReentryAttempts)
	}
	if upd.TrailActive != nil {
		add("trail_active", boolToInt(*upd.TrailActive))
	}
	if upd.TrailAnchorPrice != nil {
		add("trail_anchor_price", upd.TrailAnchorPrice.String())
	}
	if upd.LastSLUpdate != nil {
		add("last_sl_update_utc", upd.LastSLUpdate.UTC().Format(time.RFC3339Nano))
	}
	if upd.ClosedReason != nil {
		add("closed_reason", nullIfEmpty(*upd.ClosedReason))
	}
	if upd.ClosedAt != nil {
		add("closed_at_utc", upd.ClosedAt.UTC().Format(time.RFC3339Nano))
	}
	args = append(args, signalID)
	return s.db.withLock(func(db *sql.DB) error {
		_, err := execCtx(ctx, db, fmt.Sprintf(
			"UPDATE positions SET %s WHERE signal_id = ?;", strings.Join(sets, ", ")), args...)
		return err
	})
}

// SetOriginalEntryPrice 仅在尚未写入时设置；一经写入不再改动。
func (s *LifecycleStore) SetOriginalEntryPrice(ctx context.Context, signalID int64, price decimal.Decimal) error {
	return s.db.withLock(func(db *sql.DB) error {
		_, err := execCtx(ctx, db, `
            UPDATE positions SET original_entry_price = ?, updated_at_utc = ?
            WHERE signal_id = ?
              AND (original_entry_price IS NULL OR original_entry_price = '');`,
			price.String(), utcNowISO(), signalID)
		return err
	})
}

// ------------------------------------------------------------------
// 订单跟踪
// ------------------------------------------------------------------

// UpsertTracked 注册/刷新被跟踪订单。
func (s *LifecycleStore) UpsertTracked(ctx context.Context, t TrackedOrder) error {
	now := utcNowISO()
	return s.db.withLock(func(db *sql.DB) error {
		_, err := execCtx(ctx, db, `
            INSERT INTO order_tracker (order_id, signal_id, symbol, kind, level_index, last_executed_qty, last_status, created_at_utc, updated_at_utc)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(order_id) DO UPDATE SET
                kind = excluded.kind, level_index = excluded.level_index, updated_at_utc = excluded.updated_at_utc;`,
			t.OrderID, t.SignalID, strings.ToUpper(t.Symbol), t.Kind, t.LevelIndex,
			t.LastExecutedQty.String(), nullIfEmpty(t.LastStatus), now, now)
		return err
	})
}

// UpdateTracked 回写最近一次观测到的 executedQty/状态。
func (s *LifecycleStore) UpdateTracked(ctx context.Context, orderID string, lastExecuted decimal.Decimal, lastStatus string) error {
	return s.db.withLock(func(db *sql.DB) error {
		_, err := execCtx(ctx, db, `
            UPDATE order_tracker SET last_executed_qty = ?, last_status = ?, updated_at_utc = ?
            WHERE order_id = ?;`,
			lastExecuted.String(), nullIfEmpty(lastStatus), utcNowISO(), orderID)
		return err
	})
}

// ListTracked 全部被跟踪订单。
func (s *LifecycleStore) ListTracked(ctx context.Context, limit int) ([]TrackedOrder, error) {
	var out []TrackedOrder
	err := s.db.withLock(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
            SELECT order_id, signal_id, symbol, kind, COALESCE(level_index, -1),
                   last_executed_qty, COALESCE(last_status, '')
            FROM order_tracker ORDER BY signal_id ASC LIMIT ?;`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t TrackedOrder
			var exec string
			if err := rows.Scan(&t.OrderID, &t.SignalID, &t.Symbol, &t.Kind, &t.LevelIndex, &exec, &t.LastStatus); err != nil {
				return err
			}
			t.LastExecutedQty = mustDecimal(exec)
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteTrackedForSignal 撤销某信号的全部跟踪（对冲接管时用）。
func (s *LifecycleStore) DeleteTrackedForSignal(ctx context.Context, signalID int64) error {
	return s.db.withLock(func(db *sql.DB) error {
		_, err := execCtx(ctx, db, "DELETE FROM order_tracker WHERE signal_id = ?;", signalID)
		return err
	})
}

// DeleteTrackedOrder 单个订单出队（6d 清理）。
func (s *LifecycleStore) DeleteTrackedOrder(ctx context.Context, orderID string) error {
	return s.db.withLock(func(db *sql.DB) error {
		_, err := execCtx(ctx, db, "DELETE FROM order_tracker WHERE order_id = ?;", orderID)
		return err
	})
}

// ------------------------------------------------------------------
// 内部工具
// ------------------------------------------------------------------

const positionSelect = `
    SELECT id, signal_id, COALESCE(bot_order_id, ''), symbol, side, state, COALESCE(signal_type, ''),
           COALESCE(planned_qty, '0'), COALESCE(filled_qty, '0'), COALESCE(remaining_qty, '0'),
           COALESCE(avg_entry_price, '0'), COALESCE(original_entry_price, ''),
           COALESCE(leverage, '0'), COALESCE(sl_price, '0'), COALESCE(sl_order_id, ''),
           COALESCE(signal_sl_price, '0'),
           COALESCE(tp_levels_json, '[]'), COALESCE(entry_order_ids_json, '[]'),
           COALESCE(replacement_order_id, ''), COALESCE(pyramid_state_json, '{}'),
           hedge_state, COALESCE(hedge_entry_order_id, ''), COALESCE(hedge_tp_order_id, ''),
           COALESCE(hedge_sl_order_id, ''), reentry_attempts, trail_active,
           COALESCE(trail_anchor_price, '0'), COALESCE(last_sl_update_utc, ''),
           COALESCE(closed_reason, ''), created_at_utc, updated_at_utc
    FROM positions`

func scanPosition(row rowScanner) (*PositionRecord, error) {
	var rec PositionRecord
	var planned, filled, remaining, avgEntry, origEntry, lev, sl, signalSL, trailAnchor string
	var tpJSON, entryJSON, pyramidJSON, lastSLUpdate, createdAt, updatedAt string
	var trailActive int
	if err := row.Scan(&rec.ID, &rec.SignalID, &rec.BotOrderID, &rec.Symbol, &rec.Side, &rec.State, &rec.SignalType,
		&planned, &filled, &remaining, &avgEntry, &origEntry, &lev, &sl, &rec.SLOrderID, &signalSL,
		&tpJSON, &entryJSON, &rec.ReplacementOrderID, &pyramidJSON,
		&rec.HedgeState, &rec.HedgeEntryOrderID, &rec.HedgeTPOrderID, &rec.HedgeSLOrderID,
		&rec.ReentryAttempts, &trailActive, &trailAnchor, &lastSLUpdate,
		&rec.ClosedReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.PlannedQty = mustDecimal(planned)
	rec.FilledQty = mustDecimal(filled)
	rec.RemainingQty = mustDecimal(remaining)
	rec.AvgEntryPrice = mustDecimal(avgEntry)
	rec.OriginalEntryPrice = mustDecimal(origEntry)
	rec.Leverage = mustDecimal(lev)
	rec.SLPrice = mustDecimal(sl)
	rec.SignalSLPrice = mustDecimal(signalSL)
	rec.TrailActive = trailActive != 0
	rec.TrailAnchorPrice = mustDecimal(trailAnchor)
	_ = json.Unmarshal([]byte(tpJSON), &rec.TPLevels)
	_ = json.Unmarshal([]byte(entryJSON), &rec.EntryOrderIDs)
	_ = json.Unmarshal([]byte(pyramidJSON), &rec.Pyramid)
	if ts, ok := parseISO(lastSLUpdate); ok {
		rec.LastSLUpdate = ts
	}
	if ts, ok := parseISO(createdAt); ok {
		rec.CreatedAt = ts
	}
	if ts, ok := parseISO(updatedAt); ok {
		rec.UpdatedAt = ts
	}
	return &rec, nil
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
