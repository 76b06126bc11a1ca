package detector

import (
	"strings"
	"testing"
)

func TestDetectScenarios(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantSignal bool
		wantReason string // 前缀匹配
	}{
		{
			name:       "full signal with zone",
			text:       "#GUN/USDT LONG Entry zone 0.02350 - 0.02320 Targets: 0.02375, 0.02400 Stop loss 0.02234",
			wantSignal: true,
		},
		{
			name:       "setup without stop loss",
			text:       "#FHE LONG SETUP Target 1: 0.04160 Target 2: 0.04210",
			wantSignal: true,
		},
		{
			name:       "status update excluded",
			text:       "#PARTI/USDT All entry targets achieved",
			wantSignal: false,
			wantReason: "excluded:targets_achieved",
		},
		{
			name:       "tp tick excluded",
			text:       "BTCUSDT LONG TP2 ✅ great call everyone",
			wantSignal: false,
			wantReason: "excluded:tp_tick",
		},
		{
			name:       "profit period excluded",
			text:       "Profit: 12.5% Period: 3 days BTCUSDT LONG",
			wantSignal: false,
			wantReason: "excluded:profit_period",
		},
		{
			name:       "announcement excluded",
			text:       "News: maintenance window tonight for BTCUSDT",
			wantSignal: false,
			wantReason: "excluded:announcement",
		},
		{
			name:       "too short",
			text:       "gm",
			wantSignal: false,
			wantReason: "too_short",
		},
		{
			name:       "first person without trading data excluded",
			text:       "I've decided to take a break from the charts for a while, see you",
			wantSignal: false,
			wantReason: "excluded:first_person",
		},
		{
			name:       "first person with trading data passes exclusion",
			text:       "I've opened #GUN/USDT LONG Entry: 0.02335 SL: 0.02234 TP1: 0.02375",
			wantSignal: true,
		},
		{
			name:       "missing direction",
			text:       "#GUN/USDT Entry zone 0.02350 - 0.02320 interesting level to watch here",
			wantSignal: false,
			wantReason: "missing_direction",
		},
		{
			name:       "missing symbol",
			text:       "LONG Entry zone 0.02350 - 0.02320 stop 0.02234",
			wantSignal: false,
			wantReason: "missing_symbol",
		},
		{
			name:       "missing trading data",
			text:       "Thinking about BTCUSDT going LONG soon, stay tuned everyone",
			wantSignal: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Detect(tt.text)
			if got.IsSignal != tt.wantSignal {
				t.Fatalf("IsSignal=%v (reason=%s), want %v", got.IsSignal, got.Reason, tt.wantSignal)
			}
			if tt.wantReason != "" && !strings.HasPrefix(got.Reason, tt.wantReason) {
				t.Errorf("reason=%q, want prefix %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestDetectParsesZoneSignal(t *testing.T) {
	res := Detect("#GUN/USDT LONG Entry zone 0.02350 - 0.02320 Targets: 0.02375, 0.02400 Stop loss 0.02234")
	if !res.IsSignal {
		t.Fatalf("expected signal, got %s", res.Reason)
	}
	p := res.Parsed
	if p.Symbol != "GUNUSDT" {
		t.Errorf("symbol=%s", p.Symbol)
	}
	if p.Side != "LONG" {
		t.Errorf("side=%s", p.Side)
	}
	// 区间中值 (0.02350+0.02320)/2
	if got := p.EntryMid.String(); got != "0.02335" {
		t.Errorf("entry mid=%s", got)
	}
	if p.EntryLow == nil || p.EntryHigh == nil || p.EntryLow.String() != "0.0232" || p.EntryHigh.String() != "0.0235" {
		t.Errorf("zone=%v..%v", p.EntryLow, p.EntryHigh)
	}
	if p.StopLoss == nil || p.StopLoss.String() != "0.02234" {
		t.Errorf("sl=%v", p.StopLoss)
	}
	if len(p.Targets) < 1 || p.Targets[0].String() != "0.02375" {
		t.Errorf("targets=%v", p.Targets)
	}
}

func TestDetectFastPathWithoutSL(t *testing.T) {
	res := Detect("#FHE LONG SETUP Target 1: 0.04160 Target 2: 0.04210")
	if !res.IsSignal {
		t.Fatalf("expected signal, got %s", res.Reason)
	}
	p := res.Parsed
	if p.StopLoss != nil {
		t.Errorf("expected nil SL, got %v", p.StopLoss)
	}
	if len(p.Targets) != 2 {
		t.Fatalf("targets=%v", p.Targets)
	}
	// 无显式入场价时以首个目标近似
	if !p.EntryMid.Equal(p.Targets[0]) {
		t.Errorf("entry mid=%s targets[0]=%s", p.EntryMid, p.Targets[0])
	}
}

func TestDetectDirectionVariants(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"#BTC Opening LONG Entry: 65000 SL: 64000", "LONG"},
		{"#BTC 🔴 SHORT Entry: 65000 SL: 66000", "SHORT"},
		{"#BTC Signal Type: Short Entry: 65000 SL: 66000", "SHORT"},
		{"#BTC BUY Entry: 65000 SL: 64000", "LONG"},
		{"#BTC SELL Entry: 65000 SL: 66000", "SHORT"},
		{"📈 LONG #ETH Entry: 3500 TP1: 3600", "LONG"},
	}
	for _, tt := range tests {
		res := Detect(tt.text)
		if !res.IsSignal {
			t.Errorf("%q: not a signal (%s)", tt.text, res.Reason)
			continue
		}
		if res.Parsed.Side != tt.want {
			t.Errorf("%q: side=%s want %s", tt.text, res.Parsed.Side, tt.want)
		}
	}
}

// 判定是确定性的：同一输入任意次运行结果一致。
func TestDetectDeterministic(t *testing.T) {
	text := "#GUN/USDT LONG Entry zone 0.02350 - 0.02320 Targets: 0.02375, 0.02400 Stop loss 0.02234"
	first := Detect(text)
	for i := 0; i < 5; i++ {
		again := Detect(text)
		if again.IsSignal != first.IsSignal || again.Score != first.Score ||
			again.Parsed.EntryMid.String() != first.Parsed.EntryMid.String() {
			t.Fatalf("non-deterministic detection at run %d", i)
		}
	}
}
