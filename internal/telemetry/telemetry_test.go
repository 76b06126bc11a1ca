package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestSink(t *testing.T) (*Sink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	s, err := NewSink(path)
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad jsonl line: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestEmitAppendsInOrder(t *testing.T) {
	s, path := newTestSink(t)
	for i, kind := range []string{"signal_accepted", "entry_placed", "tp_fill"} {
		s.Emit(kind, "INFO", "TEST", "msg", Correlation{SignalID: int64(i + 1)}, nil)
	}
	events := readEvents(t, path)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	wantKinds := []string{"signal_accepted", "entry_placed", "tp_fill"}
	var prev time.Time
	for i, e := range events {
		if e.Kind != wantKinds[i] {
			t.Errorf("event %d kind=%s want %s", i, e.Kind, wantKinds[i])
		}
		ts, err := time.Parse(time.RFC3339Nano, e.TS)
		if err != nil {
			t.Fatalf("bad ts: %v", err)
		}
		if ts.Before(prev) {
			t.Errorf("events out of time order")
		}
		prev = ts
		if e.EventKey == "" {
			t.Errorf("missing event key")
		}
	}
}

func TestRedactMasksSecrets(t *testing.T) {
	payload := map[string]any{
		"api_key": "Z3w6CaFqcLhk05UfB58e",
		"nested": map[string]any{
			"signature": "abcdef0123456789",
			"symbol":    "GUNUSDT",
		},
		"qty": "7965",
	}
	out := Redact(payload)
	if got := out["api_key"].(string); !strings.Contains(got, "***") {
		t.Errorf("api_key not redacted: %s", got)
	}
	nested := out["nested"].(map[string]any)
	if got := nested["signature"].(string); !strings.Contains(got, "***") {
		t.Errorf("signature not redacted: %s", got)
	}
	if nested["symbol"] != "GUNUSDT" || out["qty"] != "7965" {
		t.Errorf("non-secret fields must pass through")
	}
	// 原 payload 不被修改
	if payload["api_key"] != "Z3w6CaFqcLhk05UfB58e" {
		t.Errorf("input mutated")
	}
}

func TestEventKeyDeterministic(t *testing.T) {
	s, path := newTestSink(t)
	corr := Correlation{SignalID: 7, BotOrderID: "bot-1"}
	s.Emit("duplicate", "INFO", "INGEST", "重复消息已丢弃", corr, nil)
	s.Emit("duplicate", "INFO", "INGEST", "重复消息已丢弃", corr, nil)
	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventKey != events[1].EventKey {
		t.Errorf("same logical event must share event key")
	}
}
