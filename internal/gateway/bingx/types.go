package bingx

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// 订单方向/状态常量（BingX 永续合约）。
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	PositionLong  = "LONG"
	PositionShort = "SHORT"

	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusExpired         = "EXPIRED"
)

// APIError BingX 业务错误（code != 0），与网络类错误区分开：
// 业务错误不重试，由上层标记 REJECTED/FAILED。
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bingx 返回业务错误(code=%d): %s", e.Code, e.Msg)
}

// SymbolInfo 合约精度信息。
type SymbolInfo struct {
	Symbol   string
	TickSize decimal.Decimal
	QtyStep  decimal.Decimal
	MinQty   decimal.Decimal
}

// Order 订单状态快照（轮询读取）。
type Order struct {
	OrderID      string
	Symbol       string
	Side         string
	Status       string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	ExecutedQty  decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// Position 交易所持仓快照。
type Position struct {
	Symbol           string
	PositionSide     string // LONG | SHORT
	Qty              decimal.Decimal
	EntryPrice       decimal.Decimal
	UnrealizedProfit decimal.Decimal
	InitialMargin    decimal.Decimal
}

// LimitOrderRequest 限价单参数。
type LimitOrderRequest struct {
	Symbol       string
	Side         string // BUY | SELL
	PositionSide string // LONG | SHORT
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	PostOnly     bool
	ReduceOnly   bool
	TimeInForce  string // GTC
}

// MarketOrderRequest 市价单参数。
type MarketOrderRequest struct {
	Symbol       string
	Side         string
	PositionSide string
	Quantity     decimal.Decimal
	ReduceOnly   bool
}

// StopOrderRequest 条件市价单（止损/止盈触发）。
type StopOrderRequest struct {
	Symbol       string
	Side         string
	PositionSide string
	StopPrice    decimal.Decimal
	Quantity     decimal.Decimal
	ReduceOnly   bool
}

// FormatSymbol 规范符号转换为 BingX 线上格式：BTCUSDT -> BTC-USDT。
func FormatSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return s
	}
	if strings.Contains(s, "/") {
		return strings.ReplaceAll(s, "/", "-")
	}
	if strings.Contains(s, "-") {
		return s
	}
	if strings.HasSuffix(s, "USDT") && len(s) > 4 {
		return s[:len(s)-4] + "-USDT"
	}
	return s
}

// NormalizeSymbol 线上格式转回内部规范形式：BTC-USDT -> BTCUSDT。
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "/", "")
	return s
}
