package format

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLeverage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"9.3", "x9.30"},
		{"10", "x10.00"},
		{"50", "x50.00"},
		{"6.755", "x6.76"},
	}
	for _, tt := range tests {
		if got := Leverage(d(tt.in)); got != tt.want {
			t.Errorf("Leverage(%s)=%s want %s", tt.in, got, tt.want)
		}
	}
}

func TestPriceTrimsTrailingZeros(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0.02340", "0.0234"},
		{"100.00", "100"},
		{"0", "0"},
	}
	for _, tt := range tests {
		if got := Price(d(tt.in)); got != tt.want {
			t.Errorf("Price(%s)=%s want %s", tt.in, got, tt.want)
		}
	}
}

func TestPercent(t *testing.T) {
	if got := Percent(d("0.0171")); got != "1.71%" {
		t.Errorf("Percent=%s", got)
	}
	if got := Percent(d("0")); got != "0%" {
		t.Errorf("Percent zero=%s", got)
	}
}
