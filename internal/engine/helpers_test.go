package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/store"
	"sigflow/internal/telemetry"
)

func newTestStores(t *testing.T) (*store.SignalStore, *store.LifecycleStore, *telemetry.Sink) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sink, err := telemetry.NewSink(filepath.Join(dir, "telemetry.jsonl"))
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	return store.NewSignalStore(db), store.NewLifecycleStore(db), sink
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedSignal(t *testing.T, signals *store.SignalStore, symbol, side, entry, sl string, tps ...string) *store.QueuedSignal {
	t.Helper()
	ctx := context.Background()
	rec := store.SignalRecord{
		SourceChannel: "TEST_CHANNEL",
		ChatID:        "-100123",
		MessageID:     time.Now().UnixNano(),
		ReceivedAt:    time.Now(),
		Symbol:        symbol,
		Side:          side,
		EntryPrice:    d(entry),
		TickSize:      d("0.00001"),
		QtyStep:       d("1"),
		TextHash:      store.TextHash(symbol + side + entry),
		RawText:       "seed",
	}
	if sl != "" {
		v := d(sl)
		rec.SLPrice = &v
	}
	for _, tp := range tps {
		rec.TPPrices = append(rec.TPPrices, d(tp))
	}
	id, inserted, err := signals.InsertAccepted(ctx, rec, "hash-"+symbol)
	if err != nil || !inserted {
		t.Fatalf("seed signal: inserted=%v err=%v", inserted, err)
	}
	sig, err := signals.GetSignal(ctx, id)
	if err != nil || sig == nil {
		t.Fatalf("get signal: %v", err)
	}
	return sig
}

func seedOpenPosition(t *testing.T, positions *store.LifecycleStore, signalID int64, symbol, side string, planned, filled, entry, sl string, tps ...string) *store.PositionRecord {
	t.Helper()
	ctx := context.Background()
	levels := make([]store.TPLevel, 0, len(tps))
	for i, tp := range tps {
		levels = append(levels, store.TPLevel{Index: i, Price: tp, FilledQty: "0", Status: "OPEN"})
	}
	_, _, err := positions.CreatePositionIfAbsent(ctx, store.PositionRecord{
		SignalID:      signalID,
		BotOrderID:    "bot-test",
		Symbol:        symbol,
		Side:          side,
		State:         store.PositionOpen,
		PlannedQty:    d(planned),
		FilledQty:     d(filled),
		RemainingQty:  d(filled),
		AvgEntryPrice: d(entry),
		Leverage:      d("9.30"),
		SLPrice:       d(sl),
		SignalSLPrice: d(sl),
		TPLevels:      levels,
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	if err := positions.SetOriginalEntryPrice(ctx, signalID, d(entry)); err != nil {
		t.Fatalf("set original entry: %v", err)
	}
	pos, err := positions.GetPosition(ctx, signalID)
	if err != nil || pos == nil {
		t.Fatalf("get position: %v", err)
	}
	return pos
}

var testEntryCfg = EntryConfig{
	SpreadPct:        d("0.001"),
	MaxPriceShifts:   50,
	PollInterval:     time.Millisecond,
	FirstFillTimeout: time.Minute,
	TotalFillTimeout: 2 * time.Minute,
	ClaimLease:       time.Minute,
	BalanceBaseline:  d("402.10"),
}

var testLifecycleCfg = LifecycleConfig{
	PollInterval:     time.Millisecond,
	IdleInterval:     time.Millisecond,
	BreakEvenEpsilon: d("0.000015"),
	TrailTriggerPct:  d("0.061"),
	TrailDistancePct: d("0.025"),
	TrailMinSLUpdate: 0,
}
