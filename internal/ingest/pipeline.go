package ingest

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/detector"
	"sigflow/internal/gateway/bingx"
	"sigflow/internal/logger"
	"sigflow/internal/store"
	"sigflow/internal/telegram"
	"sigflow/internal/telemetry"
)

// 中文说明：
// 摄取管线（Stage 1）：订阅频道 → 去重 → 判定 → 规范化 → 入库 NEW。
// extract-only 模式下入库即止，下游各阶段由各自开关跳过。

// ChatSource 注入的消息源。
type ChatSource interface {
	Subscribe(ctx context.Context) <-chan telegram.Message
}

// SymbolInfoProvider 合约精度查询（带进程内缓存）。
type SymbolInfoProvider interface {
	GetSymbolInfo(ctx context.Context, symbol string) (*bingx.SymbolInfo, error)
}

// Pipeline 摄取管线。
type Pipeline struct {
	source    ChatSource
	signals   *store.SignalStore
	gateway   SymbolInfoProvider
	telemetry *telemetry.Sink
	ttl       time.Duration

	symbolCache map[string]*bingx.SymbolInfo
}

func NewPipeline(source ChatSource, signals *store.SignalStore, gateway SymbolInfoProvider, sink *telemetry.Sink, dedupTTL time.Duration) *Pipeline {
	return &Pipeline{
		source:      source,
		signals:     signals,
		gateway:     gateway,
		telemetry:   sink,
		ttl:         dedupTTL,
		symbolCache: map[string]*bingx.SymbolInfo{},
	}
}

// Run 消费订阅流直到 ctx 取消。单条消息的失败不会中断管线。
func (p *Pipeline) Run(ctx context.Context) error {
	stream := p.source.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-stream:
			if !ok {
				return nil
			}
			if err := p.handle(ctx, msg); err != nil {
				logger.Errorf("摄取消息失败(channel=%s msg=%d): %v", msg.ChannelName, msg.MessageID, err)
			}
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, msg telegram.Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	corr := telemetry.Correlation{ChatID: msg.ChannelID, MessageID: msg.MessageID}

	// 键级 + 归一化文本哈希去重（TTL 窗口）
	textHash := store.TextHash(text)
	dup, dupReason, err := p.signals.IsDuplicate(ctx, msg.ChannelID, msg.MessageID, textHash, p.ttl)
	if err != nil {
		return err
	}
	if dup {
		p.telemetry.Emit("duplicate", "INFO", "INGEST", "重复消息已丢弃", corr, map[string]any{
			"channel": msg.ChannelName,
			"reason":  dupReason,
		})
		return nil
	}

	// 判定
	result := detector.Detect(text)
	if !result.IsSignal {
		p.telemetry.Emit("non_signal", "INFO", "INGEST", "非信号消息", corr, map[string]any{
			"channel": msg.ChannelName,
			"reason":  result.Reason,
			"score":   result.Score,
		})
		return nil
	}
	parsed := result.Parsed
	logger.Infof("✓ 检出信号 %s %s（channel=%s score=%d）", parsed.Symbol, parsed.Side, msg.ChannelName, result.Score)

	// 规范化
	rec, reason := p.normalize(ctx, msg, parsed, textHash)
	if rec == nil {
		p.telemetry.Emit("non_signal", "WARNING", "INGEST", "信号规范化失败", corr, map[string]any{
			"channel": msg.ChannelName,
			"symbol":  parsed.Symbol,
			"reason":  reason,
		})
		return nil
	}

	// 近似重复规则（同源同向同符号）
	dedup, err := p.signals.CheckDedup(ctx, *rec, p.ttl)
	if err != nil {
		return err
	}
	if !dedup.Accept {
		p.telemetry.Emit("duplicate", "INFO", "INGEST", "近似重复信号已拦截", corr, map[string]any{
			"channel":  msg.ChannelName,
			"symbol":   rec.Symbol,
			"reason":   dedup.Reason,
			"min_diff": dedup.MinDiff,
		})
		return nil
	}

	id, inserted, err := p.signals.InsertAccepted(ctx, *rec, dedup.DedupHash)
	if err != nil {
		return err
	}
	if !inserted {
		// 入库竞态下的二次去重
		p.telemetry.Emit("duplicate", "INFO", "INGEST", "重复消息已丢弃", corr, map[string]any{
			"channel": msg.ChannelName,
			"reason":  "message_key",
		})
		return nil
	}

	// 新的外部信号到达，解除该 (symbol, side) 的再入场锁
	if err := p.signals.ClearReentryLock(ctx, rec.Symbol, rec.Side); err != nil {
		logger.Warnf("解除再入场锁失败(%s %s): %v", rec.Symbol, rec.Side, err)
	}

	corr.SignalID = id
	p.telemetry.Emit("signal_accepted", "INFO", "INGEST", "信号已接受入队", corr, map[string]any{
		"channel": msg.ChannelName,
		"symbol":  rec.Symbol,
		"side":    rec.Side,
		"entry":   rec.EntryPrice.String(),
		"targets": len(rec.TPPrices),
		"has_sl":  rec.SLPrice != nil,
	})
	return nil
}

// normalize 符号大写、方向归一、区间取中值、目标按方向排序、价格 tick 量化。
// 缺省 SL 保持为空，由入场阶段施加 FAST 兜底。
func (p *Pipeline) normalize(ctx context.Context, msg telegram.Message, parsed *detector.Parsed, textHash string) (*store.SignalRecord, string) {
	info, err := p.symbolInfo(ctx, parsed.Symbol)
	if err != nil {
		return nil, "unsupported_symbol"
	}

	quant := func(d decimal.Decimal) decimal.Decimal {
		if info.TickSize.Sign() > 0 {
			return bingx.QuantizePriceForSide(d, info.TickSize, sideToOrder(parsed.Side))
		}
		return d
	}

	entry := quant(parsed.EntryMid)
	if entry.Sign() <= 0 {
		return nil, "invalid_entry"
	}

	targets := append([]decimal.Decimal(nil), parsed.Targets...)
	// 目标沿交易方向单调：LONG 升序、SHORT 降序
	sort.SliceStable(targets, func(i, j int) bool {
		if parsed.Side == "SHORT" {
			return targets[i].GreaterThan(targets[j])
		}
		return targets[i].LessThan(targets[j])
	})
	for i := range targets {
		targets[i] = quant(targets[i])
	}

	rec := &store.SignalRecord{
		SourceChannel: msg.ChannelName,
		ChatID:        msg.ChannelID,
		MessageID:     msg.MessageID,
		MessageTS:     msg.Timestamp,
		ReceivedAt:    time.Now(),
		Symbol:        parsed.Symbol,
		Side:          parsed.Side,
		EntryPrice:    entry,
		TPPrices:      targets,
		SignalType:    parsed.DeclaredType,
		TickSize:      info.TickSize,
		QtyStep:       info.QtyStep,
		TextHash:      textHash,
		RawText:       msg.Text,
	}
	if parsed.EntryLow != nil && parsed.EntryHigh != nil {
		low, high := quant(*parsed.EntryLow), quant(*parsed.EntryHigh)
		rec.EntryLow, rec.EntryHigh = &low, &high
	}
	if parsed.StopLoss != nil {
		sl := quant(*parsed.StopLoss)
		// SL 必须在亏损侧：LONG 低于入场、SHORT 高于入场
		if parsed.Side == "LONG" && sl.GreaterThanOrEqual(entry) {
			return nil, "sl_wrong_side"
		}
		if parsed.Side == "SHORT" && sl.LessThanOrEqual(entry) {
			return nil, "sl_wrong_side"
		}
		rec.SLPrice = &sl
	}
	if parsed.Leverage != nil {
		lev := *parsed.Leverage
		rec.DeclaredLeverage = &lev
	}
	return rec, ""
}

func (p *Pipeline) symbolInfo(ctx context.Context, symbol string) (*bingx.SymbolInfo, error) {
	if info, ok := p.symbolCache[symbol]; ok {
		return info, nil
	}
	info, err := p.gateway.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}
	p.symbolCache[symbol] = info
	return info, nil
}

func sideToOrder(side string) string {
	if side == "SHORT" {
		return bingx.SideSell
	}
	return bingx.SideBuy
}
