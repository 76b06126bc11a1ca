package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/gateway/bingx"
	"sigflow/internal/logger"
	"sigflow/internal/store"
	"sigflow/internal/telemetry"
)

// 中文说明：
// 加仓管理器（Stage 4.5）：对浮盈仓位按阶梯加仓。
// 每级一次性（one-shot）：交易所受理后原子记录 scale id；失败不记录，下轮重试。

// PyramidScale 阶梯：浮盈达到 ThresholdPct（百分比）后加 AddFraction×planned。
type PyramidScale struct {
	ThresholdPct decimal.Decimal
	AddFraction  decimal.Decimal
}

// PyramidConfig 加仓参数。
type PyramidConfig struct {
	Scales        []PyramidScale
	MaxMultiplier decimal.Decimal // filled ≤ planned × MaxMultiplier
	PollInterval  time.Duration
}

// PyramidManager 浮盈加仓。
type PyramidManager struct {
	positions *store.LifecycleStore
	gateway   Gateway
	telemetry *telemetry.Sink
	cfg       PyramidConfig
}

func NewPyramidManager(positions *store.LifecycleStore, gateway Gateway, sink *telemetry.Sink, cfg PyramidConfig) *PyramidManager {
	return &PyramidManager{positions: positions, gateway: gateway, telemetry: sink, cfg: cfg}
}

func (m *PyramidManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			open, err := m.positions.ListByState(ctx, []string{store.PositionOpen}, 500)
			if err != nil {
				logger.Errorf("加仓轮询读取仓位失败: %v", err)
				continue
			}
			for _, pos := range open {
				lock := getPositionLock(pos.SignalID)
				lock.Lock()
				m.checkOne(ctx, pos.SignalID)
				lock.Unlock()
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

func (m *PyramidManager) checkOne(ctx context.Context, signalID int64) {
	pos, err := m.positions.GetPosition(ctx, signalID)
	if err != nil || pos == nil || pos.State != store.PositionOpen {
		return
	}
	if pos.HedgeState == store.HedgeActive {
		return
	}
	base := pos.OriginalEntryPrice
	if base.Sign() <= 0 || pos.PlannedQty.Sign() <= 0 {
		return
	}
	// 不变量违例（filled > planned×max）：停止自动处理，转人工
	if pos.FilledQty.GreaterThan(pos.PlannedQty.Mul(m.cfg.MaxMultiplier)) {
		failed := store.PositionFailed
		reason := "invariant: filled_qty 超过 planned×max_multiplier"
		_ = m.positions.UpdatePosition(ctx, signalID, store.PositionUpdate{State: &failed, ClosedReason: &reason})
		m.telemetry.Emit("invariant_violation", "ERROR", "PYRAMID", reason, telemetry.Correlation{SignalID: signalID}, map[string]any{
			"filled": pos.FilledQty.String(), "planned": pos.PlannedQty.String(),
		})
		return
	}
	ltp, err := m.gateway.GetMarkPrice(ctx, pos.Symbol)
	if err != nil || ltp.Sign() <= 0 {
		return
	}
	// 浮盈 % 一律对 original_entry_price 评估
	profitPct := ltp.Sub(base).Div(base).Mul(decimal.NewFromInt(100))
	if pos.Side == bingx.PositionShort {
		profitPct = profitPct.Neg()
	}

	for idx, scale := range m.cfg.Scales {
		scaleID := idx + 1
		if pos.Pyramid.HasScale(scaleID) {
			continue
		}
		if profitPct.LessThan(scale.ThresholdPct) {
			continue
		}
		addQty := pos.PlannedQty.Mul(scale.AddFraction)
		if !m.withinCap(pos, addQty) {
			logger.Warnf("加仓 scale %d 将超出倍数上限(signal=%d max=%s)，跳过", scaleID, signalID, m.cfg.MaxMultiplier)
			continue
		}
		oid, err := m.gateway.PlaceMarket(ctx, bingx.MarketOrderRequest{
			Symbol:       pos.Symbol,
			Side:         openSideFor(pos.Side),
			PositionSide: pos.Side,
			Quantity:     addQty,
		})
		if err != nil {
			// 不记录 scale，下一轮重试
			logger.Errorf("加仓 scale %d 下单失败(signal=%d): %v", scaleID, signalID, err)
			continue
		}
		now := time.Now().UTC().Format(time.RFC3339)
		pyr := pos.Pyramid
		pyr.Executed = append(pyr.Executed, store.PyramidExec{Scale: scaleID, TS: now, Qty: addQty.String()})
		pyr.AddedQty = decFrom(pyr.AddedQty).Add(addQty).String()
		filled := pos.FilledQty.Add(addQty)
		remaining := pos.RemainingQty.Add(addQty)
		if err := m.positions.UpdatePosition(ctx, signalID, store.PositionUpdate{
			Pyramid: &pyr, FilledQty: &filled, RemainingQty: &remaining,
		}); err != nil {
			logger.Errorf("加仓状态落库失败(signal=%d): %v", signalID, err)
			continue
		}
		_ = m.positions.UpsertTracked(ctx, store.TrackedOrder{
			OrderID: oid, SignalID: signalID, Symbol: pos.Symbol,
			Kind: store.TrackKindPyramid, LevelIndex: scaleID,
		})
		m.telemetry.Emit("pyramid_scale", "INFO", "PYRAMID", "加仓已受理", telemetry.Correlation{
			SignalID: signalID, BotOrderID: pos.BotOrderID, OrderIDs: []string{oid},
		}, map[string]any{
			"scale": scaleID, "add_qty": addQty.String(),
			"profit_pct": profitPct.Round(4).String(),
			"threshold":  scale.ThresholdPct.String(),
		})
		logger.Infof("✓ 加仓 scale %d 完成 signal=%d %s qty=%s（浮盈 %s%%）",
			scaleID, signalID, pos.Symbol, addQty, profitPct.Round(2))
		pos.Pyramid = pyr
		pos.FilledQty = filled
		pos.RemainingQty = remaining
	}
}

// withinCap 不变量：filled + add ≤ planned × maxMultiplier。
func (m *PyramidManager) withinCap(pos *store.PositionRecord, addQty decimal.Decimal) bool {
	limit := pos.PlannedQty.Mul(m.cfg.MaxMultiplier)
	return pos.FilledQty.Add(addQty).LessThanOrEqual(limit)
}
