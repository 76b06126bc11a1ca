package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func Percent(val decimal.Decimal) string {
	if val.IsZero() {
		return "0%"
	}
	return val.Mul(decimal.NewFromInt(100)).Round(2).String() + "%"
}

// Price 去掉尾随零，保持交易所返回的原始精度可读。
func Price(val decimal.Decimal) string {
	out := val.String()
	if strings.Contains(out, ".") {
		out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	}
	if out == "" || out == "-" {
		return "0"
	}
	return out
}

func Qty(val decimal.Decimal) string {
	return Price(val)
}

// Leverage 输出对外模板要求的 xNN.NN 形式。
func Leverage(val decimal.Decimal) string {
	return "x" + val.StringFixed(2)
}

func Duration(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	d := time.Duration(ms) * time.Millisecond
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, d/time.Second)
	}
	return fmt.Sprintf("%ds", d/time.Second)
}
