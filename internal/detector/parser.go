package detector

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// 价格解析：区间 `a - b` / `(a-b)` 取 (min, max, mid=(a+b)/2)，单值原样；
// 去掉 $ 前缀，小数点为唯一小数分隔符。

// EntryPrices 入场价解析结果。
type EntryPrices struct {
	Low  *decimal.Decimal
	High *decimal.Decimal
	Mid  decimal.Decimal
}

var entryZoneRe = regexp.MustCompile(`(?i)(?:Entry|Entries|Buy|Sell)\s*(?:zone|price|targets?|orders?)?\s*[:\-]?\s*\(?\$?([\d.]+)\s*[-–]\s*\$?([\d.]+)\)?`)

var entrySingleRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Entry\s*(?:zone|Price|Targets?|Orders?)?\s*[:\-]?\s*\$?([\d.]+)`),
	regexp.MustCompile(`(?i)Entries?\s*[:\-]?\s*\$?([\d.]+)`),
	regexp.MustCompile(`(?i)\bBuy\b\s*[:\-]?\s*\$?([\d.]+)`),
	regexp.MustCompile(`(?i)\bSell\b\s*[:\-]?\s*\$?([\d.]+)`),
}

// parseEntry 优先识别区间，退化为单价。
func parseEntry(text string) (*EntryPrices, bool) {
	if m := entryZoneRe.FindStringSubmatch(text); m != nil {
		a, okA := parsePrice(m[1])
		b, okB := parsePrice(m[2])
		if okA && okB {
			low, high := a, b
			if low.GreaterThan(high) {
				low, high = high, low
			}
			mid := a.Add(b).Div(decimal.NewFromInt(2))
			return &EntryPrices{Low: &low, High: &high, Mid: mid}, true
		}
	}
	for _, re := range entrySingleRes {
		if m := re.FindStringSubmatch(text); m != nil {
			if p, ok := parsePrice(m[1]); ok {
				return &EntryPrices{Mid: p}, true
			}
		}
	}
	return nil, false
}

var tpNumberedRe = regexp.MustCompile(`(?i)(?:TP|Target)\s*(\d*)\s*[:\-]?\s*\$?([\d.]+)`)
var tpEmojiRe = regexp.MustCompile(`(\d+)[️⃣)\-]\s*\$?([\d.]+)`)
var tpListRe = regexp.MustCompile(`(?i)(?:Targets|Take[- ]?Profits?)\s*[:\-]\s*((?:\$?\d+(?:\.\d+)?\s*[,/]\s*)+\$?\d+(?:\.\d+)?)`)
var tpListSplitRe = regexp.MustCompile(`\s*[,/]\s*`)

// parseTargets 按编号排序返回止盈目标价。
func parseTargets(text string) []decimal.Decimal {
	type numbered struct {
		n     int
		price decimal.Decimal
	}
	var list []numbered
	for _, m := range tpNumberedRe.FindAllStringSubmatch(text, -1) {
		price, ok := parsePrice(m[2])
		if !ok {
			continue
		}
		n := len(list) + 1
		if m[1] != "" {
			n = atoiSafe(m[1], n)
		}
		list = append(list, numbered{n: n, price: price})
	}
	for _, m := range tpEmojiRe.FindAllStringSubmatch(text, -1) {
		price, ok := parsePrice(m[2])
		if !ok {
			continue
		}
		list = append(list, numbered{n: atoiSafe(m[1], len(list)+1), price: price})
	}
	// 逗号分隔的目标清单：Targets: 0.02375, 0.02400
	if m := tpListRe.FindStringSubmatch(text); m != nil {
		for _, part := range tpListSplitRe.Split(m[1], -1) {
			if price, ok := parsePrice(part); ok {
				list = append(list, numbered{n: len(list) + 1, price: price})
			}
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].n < list[j].n })
	out := make([]decimal.Decimal, 0, len(list))
	seen := map[string]bool{}
	for _, item := range list {
		key := item.price.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item.price)
	}
	return out
}

var slRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Stop[- ]?Loss\s*[:\-]?\s*\$?([\d.]+)`),
	regexp.MustCompile(`(?i)Stoploss\s*[:\-]?\s*\$?([\d.]+)`),
	regexp.MustCompile(`\bSL\b\s*[:\-]?\s*\$?([\d.]+)`),
	regexp.MustCompile(`(?i)\bSTOP\b\s*[:\-]?\s*\$?([\d.]+)`),
}

// parseStopLoss 缺失时返回 false（由入场阶段施加 FAST 兜底）。
func parseStopLoss(text string) (decimal.Decimal, bool) {
	for _, re := range slRes {
		if m := re.FindStringSubmatch(text); m != nil {
			if p, ok := parsePrice(m[1]); ok {
				return p, true
			}
		}
	}
	return decimal.Zero, false
}

func parsePrice(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(strings.TrimPrefix(raw, "$"))
	s = strings.TrimRight(s, ".")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.Sign() <= 0 {
		return decimal.Zero, false
	}
	return d, true
}

func atoiSafe(s string, def int) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
		if n > 1000 {
			return def
		}
	}
	if n == 0 {
		return def
	}
	return n
}
