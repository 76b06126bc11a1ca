package detector

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// 中文说明：
// 每个 matcher 独立产出一个可选的类型化片段，由 Detect 里的单一计分器合并。
// 这样拒绝原因与得分来源都可以逐项诊断，而不是淹没在一堆散落的正则里。

// ---------- 硬排除 ----------

type exclusionRule struct {
	name string
	re   *regexp.Regexp
}

var exclusionRules = []exclusionRule{
	{"targets_achieved", regexp.MustCompile(`(?i)all\s+(entry\s+|take[- ]?profit\s+)?targets?\s+achieved`)},
	{"targets_achieved", regexp.MustCompile(`(?i)(entry|take[- ]?profit)\s+targets?\s+achieved`)},
	{"target_tick", regexp.MustCompile(`(?i)target\s+\d+\s*✅`)},
	{"tp_tick", regexp.MustCompile(`(?i)tp\d*\s*✅`)},
	{"profit_period", regexp.MustCompile(`(?i)profit:\s*[\d.]+%.*period:`)},
	{"achieved_emoji", regexp.MustCompile(`(?i)achieved\s*(😎|✅|✔)`)},
	{"announcement", regexp.MustCompile(`(?i)^(news|update|announcement|important|notice|maintenance)\s*:`)},
	{"system_update", regexp.MustCompile(`(?i)system\s+update|bug\s+fix`)},
}

var firstPersonRe = regexp.MustCompile(`(?i)^I(['’]ve|['’]m|\s+am|\s+want|\s+decided)\s+`)

var tradingKeywords = []string{"entry", "target", "tp", "stop", "loss", "leverage", "symbol", "trade", "long", "short", "sl"}

func containsTradingKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range tradingKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// matchExclusion 返回命中的排除规则名；未命中为空串。
func matchExclusion(text string) string {
	for _, rule := range exclusionRules {
		if rule.re.MatchString(text) {
			return rule.name
		}
	}
	if firstPersonRe.MatchString(text) {
		// 带有符号或交易关键词的第一人称消息不排除
		if _, ok := matchSymbol(text); !ok && !containsTradingKeyword(text) {
			return "first_person"
		}
	}
	return ""
}

// ---------- 符号 ----------

var symbolRes = []*regexp.Regexp{
	regexp.MustCompile(`#([A-Za-z]{2,10})(?:USDT|/USDT)?\b`),
	regexp.MustCompile(`\b([A-Z]{2,10})USDT\b`),
	regexp.MustCompile(`\b([A-Z]{2,10})/USDT\b`),
	regexp.MustCompile(`\b([A-Z]{2,10})\(USDT\)`),
	regexp.MustCompile(`(?i)(?:Symbol|COIN NAME|Asset)[:\s]+([A-Za-z]{2,10})(?:USDT|/USDT)?`),
}

var alphaOnly = regexp.MustCompile(`^[A-Za-z]+$`)

// matchSymbol 提取基础币并规范化为 BASEUSDT。
func matchSymbol(text string) (string, bool) {
	for _, re := range symbolRes {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		base := strings.ToUpper(m[1])
		if len(base) >= 2 && len(base) <= 10 && alphaOnly.MatchString(base) {
			return base + "USDT", true
		}
	}
	return "", false
}

// ---------- 方向 ----------

var directionRules = []struct {
	re   *regexp.Regexp
	side string // 空串表示取第一捕获组
}{
	{regexp.MustCompile(`(?i)(?:Trade Type|Signal Type|Type|Direction)\s*[:\-]\s*(Long|Short)`), ""},
	{regexp.MustCompile(`(?i)Opening\s+(LONG|SHORT)`), ""},
	{regexp.MustCompile(`(?i)(LONG|SHORT)\s+SETUP`), ""},
	{regexp.MustCompile(`(?i)#(LONG|SHORT)\b`), ""},
	{regexp.MustCompile(`🟢\s*LONG`), "LONG"},
	{regexp.MustCompile(`🔴\s*SHORT`), "SHORT"},
	{regexp.MustCompile(`📈\s*LONG`), "LONG"},
	{regexp.MustCompile(`📉\s*SHORT`), "SHORT"},
	{regexp.MustCompile(`(?i)\bLONG\b`), "LONG"},
	{regexp.MustCompile(`(?i)\bSHORT\b`), "SHORT"},
	{regexp.MustCompile(`(?i)\bBUY\b`), "LONG"},
	{regexp.MustCompile(`(?i)\bSELL\b`), "SHORT"},
}

// matchDirection BUY→LONG、SELL→SHORT。
func matchDirection(text string) (string, bool) {
	for _, rule := range directionRules {
		if rule.side != "" {
			if rule.re.MatchString(text) {
				return rule.side, true
			}
			continue
		}
		if m := rule.re.FindStringSubmatch(text); m != nil {
			return strings.ToUpper(m[1]), true
		}
	}
	return "", false
}

// ---------- 交易数据 ----------

var entryClauseRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Entry\s*(?:zone|Price|Targets?|Orders?)?\s*[:\-]?\s*\$?[\d.]+`),
	regexp.MustCompile(`(?i)Entries?\s*[:\-]?\s*\$?[\d.]+`),
	regexp.MustCompile(`(?i)ENTRY\s+PRICE\s*\([^)]+\)`),
}

var targetClauseRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Targets?\s*\d*\s*[:\-]?\s*\$?[\d.]+`),
	regexp.MustCompile(`(?i)Take[- ]?Profit`),
	regexp.MustCompile(`(?i)\bTP\d*\b`),
	regexp.MustCompile(`\d+[️⃣)\-]\s*\$?[\d.]+`),
}

var stopClauseRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Stop[- ]?Loss`),
	regexp.MustCompile(`(?i)Stoploss`),
	regexp.MustCompile(`\bSL\b`),
	regexp.MustCompile(`(?i)\bSTOP\b\s*[:\-]?\s*[\d.$]+`),
	regexp.MustCompile(`(?i)SL\s*[:\-]\s*[\d.]+%?`),
}

// tradingData 标记三类交易数据是否出现，以及目标条目数。
type tradingData struct {
	hasEntry    bool
	hasTargets  bool
	hasStop     bool
	targetCount int
}

func (t tradingData) any() bool {
	return t.hasEntry || t.hasTargets || t.hasStop
}

func matchTradingData(text string) tradingData {
	var td tradingData
	for _, re := range entryClauseRes {
		if re.MatchString(text) {
			td.hasEntry = true
			break
		}
	}
	for _, re := range targetClauseRes {
		if n := len(re.FindAllString(text, -1)); n > 0 {
			td.hasTargets = true
			td.targetCount += n
		}
	}
	for _, re := range stopClauseRes {
		if re.MatchString(text) {
			td.hasStop = true
			break
		}
	}
	return td
}

var leverageRe = regexp.MustCompile(`(?i)Leverage\s*[:\-]?\s*(\d+(?:\.\d+)?)\s*x?|(\d+(?:\.\d+)?)\s*x\s*Leverage|\b[xX](\d+(?:\.\d+)?)\b`)

// matchLeverage 声明杠杆（可选）。
func matchLeverage(text string) (decimal.Decimal, bool) {
	m := leverageRe.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, false
	}
	for _, g := range m[1:] {
		if g == "" {
			continue
		}
		if d, err := decimal.NewFromString(g); err == nil && d.Sign() > 0 {
			return d, true
		}
	}
	return decimal.Zero, false
}

var priceTokenRe = regexp.MustCompile(`\b\d+\.\d+\b|\b\d{4,}\b`)

func countPriceTokens(text string) int {
	return len(priceTokenRe.FindAllString(text, -1))
}

// ---------- 类型关键词（SWING/DYNAMIC/FAST 显式声明） ----------

func matchDeclaredType(text string) string {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "swing"):
		return "SWING"
	case strings.Contains(t, "dynamic"), strings.Contains(t, "dynamisk"):
		return "DYNAMIC"
	case strings.Contains(t, "fast"), strings.Contains(t, "fixed"):
		return "FAST"
	}
	return ""
}
