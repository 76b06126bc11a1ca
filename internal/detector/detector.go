package detector

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// 三段管线：硬排除 → 组件提取 → 置信度计分。任一段拒绝即短路，
// 拒绝原因通过 Reason 返回，绝不抛错。

// 拒绝原因。
const (
	ReasonTooShort        = "too_short"
	ReasonMissingSymbol   = "missing_symbol"
	ReasonMissingSide     = "missing_direction"
	ReasonMissingData     = "missing_trading_data"
	ReasonBelowConfidence = "below_confidence"
)

// Parsed 提取出的交易意图。
type Parsed struct {
	Symbol       string // BASEUSDT
	Side         string // LONG | SHORT
	EntryMid     decimal.Decimal
	EntryLow     *decimal.Decimal
	EntryHigh    *decimal.Decimal
	Targets      []decimal.Decimal
	StopLoss     *decimal.Decimal
	Leverage     *decimal.Decimal
	DeclaredType string // SWING | DYNAMIC | FAST | ""
}

// Result 判定结果。
type Result struct {
	IsSignal bool
	Reason   string
	Score    int
	Parsed   *Parsed
}

// Detect 判定一条消息是否为交易信号并提取字段。
func Detect(text string) Result {
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < 10 {
		return Result{Reason: ReasonTooShort}
	}

	// 第一段：硬排除
	if name := matchExclusion(trimmed); name != "" {
		return Result{Reason: "excluded:" + name}
	}

	// 第二段：组件提取
	symbol, symbolOK := matchSymbol(trimmed)
	side, sideOK := matchDirection(trimmed)
	td := matchTradingData(trimmed)

	if !symbolOK {
		return Result{Reason: ReasonMissingSymbol}
	}
	if !sideOK {
		return Result{Reason: ReasonMissingSide}
	}
	if !td.any() {
		return Result{Score: 7, Reason: ReasonMissingData}
	}

	// 第三段：置信度计分
	score := 4 + 3 // symbol + direction
	if td.hasEntry {
		score += 3
	}
	if td.hasTargets {
		score += 2
		if td.targetCount >= 2 {
			score++
		}
	}
	if td.hasStop {
		score += 2
	}
	lev, levOK := matchLeverage(trimmed)
	if levOK {
		score++
	}
	if countPriceTokens(trimmed) >= 3 {
		score++
	}
	if score < 3 {
		return Result{Score: score, Reason: ReasonBelowConfidence}
	}

	parsed := &Parsed{
		Symbol:       symbol,
		Side:         side,
		Targets:      parseTargets(trimmed),
		DeclaredType: matchDeclaredType(trimmed),
	}
	if levOK {
		parsed.Leverage = &lev
	}
	if entry, ok := parseEntry(trimmed); ok {
		parsed.EntryMid = entry.Mid
		parsed.EntryLow = entry.Low
		parsed.EntryHigh = entry.High
	} else if len(parsed.Targets) > 0 {
		// 无显式入场价时以首个目标近似（FAST 路径常见）
		parsed.EntryMid = parsed.Targets[0]
	}
	if sl, ok := parseStopLoss(trimmed); ok {
		parsed.StopLoss = &sl
	}
	if parsed.EntryMid.Sign() <= 0 {
		return Result{Score: score, Reason: ReasonMissingData}
	}

	confidence := "low"
	switch {
	case score >= 8:
		confidence = "high"
	case score >= 5:
		confidence = "medium"
	}
	return Result{
		IsSignal: true,
		Score:    score,
		Reason:   fmt.Sprintf("%s_confidence(score=%d)", confidence, score),
		Parsed:   parsed,
	}
}
