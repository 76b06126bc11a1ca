package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sampleRecord(chatID string, messageID int64) SignalRecord {
	sl := d("0.02234")
	return SignalRecord{
		SourceChannel: "CRYPTORAKETEN",
		ChatID:        chatID,
		MessageID:     messageID,
		ReceivedAt:    time.Now(),
		Symbol:        "GUNUSDT",
		Side:          "LONG",
		EntryPrice:    d("0.02335"),
		SLPrice:       &sl,
		TPPrices:      []decimal.Decimal{d("0.02375"), d("0.02400")},
		TickSize:      d("0.00001"),
		QtyStep:       d("1"),
		TextHash:      TextHash("#GUN/USDT LONG Entry zone 0.02350 - 0.02320"),
		RawText:       "#GUN/USDT LONG Entry zone 0.02350 - 0.02320",
	}
}

func TestInsertAcceptedIsIdempotentPerMessageKey(t *testing.T) {
	db := newTestDB(t)
	s := NewSignalStore(db)
	ctx := context.Background()

	rec := sampleRecord("-100", 42)
	id1, inserted1, err := s.InsertAccepted(ctx, rec, "h1")
	if err != nil || !inserted1 {
		t.Fatalf("first insert: inserted=%v err=%v", inserted1, err)
	}
	id2, inserted2, err := s.InsertAccepted(ctx, rec, "h1")
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted2 {
		t.Errorf("second insert must be ignored")
	}
	if id1 != id2 {
		t.Errorf("expected same row id, got %d vs %d", id1, id2)
	}
}

func TestIsDuplicate(t *testing.T) {
	db := newTestDB(t)
	s := NewSignalStore(db)
	ctx := context.Background()

	rec := sampleRecord("-100", 1)
	if _, _, err := s.InsertAccepted(ctx, rec, "h1"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		chatID    string
		messageID int64
		textHash  string
		ttl       time.Duration
		wantDup   bool
	}{
		{"same key", "-100", 1, "other", 2 * time.Hour, true},
		{"same text in ttl", "-100", 2, rec.TextHash, 2 * time.Hour, true},
		{"same text expired ttl", "-100", 3, rec.TextHash, -time.Second, false},
		{"fresh", "-100", 4, "fresh-hash", 2 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dup, _, err := s.IsDuplicate(ctx, tt.chatID, tt.messageID, tt.textHash, tt.ttl)
			if err != nil {
				t.Fatal(err)
			}
			if dup != tt.wantDup {
				t.Errorf("expected dup=%v, got %v", tt.wantDup, dup)
			}
		})
	}
}

func TestCheckDedupDiffRules(t *testing.T) {
	db := newTestDB(t)
	s := NewSignalStore(db)
	ctx := context.Background()

	base := sampleRecord("-100", 1)
	if _, _, err := s.InsertAccepted(ctx, base, "h-base"); err != nil {
		t.Fatal(err)
	}

	scale := func(rec SignalRecord, factor string) SignalRecord {
		f := d(factor)
		rec.EntryPrice = rec.EntryPrice.Mul(f)
		sl := rec.SLPrice.Mul(f)
		rec.SLPrice = &sl
		tps := make([]decimal.Decimal, len(rec.TPPrices))
		for i, tp := range rec.TPPrices {
			tps[i] = tp.Mul(f)
		}
		rec.TPPrices = tps
		return rec
	}

	tests := []struct {
		name       string
		factor     string
		wantAccept bool
	}{
		{"within 5 percent blocks", "1.02", false},
		{"identical blocks", "1.00", false},
		{"beyond 10 percent accepts", "1.15", true},
		{"mid band below split blocks", "1.06", false},
		{"mid band above split accepts", "1.09", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := scale(sampleRecord("-100", 99), tt.factor)
			dec, err := s.CheckDedup(ctx, rec, 2*time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if dec.Accept != tt.wantAccept {
				t.Errorf("factor %s: expected accept=%v got %v (%s)", tt.factor, tt.wantAccept, dec.Accept, dec.Reason)
			}
		})
	}

	// 反方向不参与近似去重
	opp := sampleRecord("-100", 100)
	opp.Side = "SHORT"
	dec, err := s.CheckDedup(ctx, opp, 2*time.Hour)
	if err != nil || !dec.Accept {
		t.Errorf("opposite side must accept: %v %v", dec, err)
	}
}

func TestClaimNextAndRelease(t *testing.T) {
	db := newTestDB(t)
	s := NewSignalStore(db)
	ctx := context.Background()

	id, _, err := s.InsertAccepted(ctx, sampleRecord("-100", 1), "h1")
	if err != nil {
		t.Fatal(err)
	}

	sig, err := s.ClaimNext(ctx, "worker-1", 10*time.Minute)
	if err != nil || sig == nil {
		t.Fatalf("claim: sig=%v err=%v", sig, err)
	}
	if sig.ID != id || sig.Status != SignalStatusClaimed {
		t.Errorf("unexpected claim row: %+v", sig)
	}

	// 已领取不可重复领取（租约未过期）
	sig2, err := s.ClaimNext(ctx, "worker-2", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if sig2 != nil {
		t.Errorf("claimed row must not be claimable, got %+v", sig2)
	}

	// 干净停机退回 NEW 后可再领取
	if err := s.ReleaseClaim(ctx, id); err != nil {
		t.Fatal(err)
	}
	sig3, err := s.ClaimNext(ctx, "worker-2", 10*time.Minute)
	if err != nil || sig3 == nil {
		t.Fatalf("reclaim after release failed: %v", err)
	}
}

func TestClaimLeaseExpiry(t *testing.T) {
	db := newTestDB(t)
	s := NewSignalStore(db)
	ctx := context.Background()

	if _, _, err := s.InsertAccepted(ctx, sampleRecord("-100", 1), "h1"); err != nil {
		t.Fatal(err)
	}
	if sig, _ := s.ClaimNext(ctx, "worker-1", 0); sig == nil {
		t.Fatal("first claim failed")
	}
	// 租约为 0：立即可被其他 worker 抢占
	sig, err := s.ClaimNext(ctx, "worker-2", 0)
	if err != nil || sig == nil {
		t.Fatalf("expected stale claim takeover, err=%v", err)
	}
}

func TestReentryLocks(t *testing.T) {
	db := newTestDB(t)
	s := NewSignalStore(db)
	ctx := context.Background()

	if err := s.SetReentryLock(ctx, "gunusdt", "long", 7, "max attempts"); err != nil {
		t.Fatal(err)
	}
	locked, err := s.IsReentryLocked(ctx, "GUNUSDT", "LONG")
	if err != nil || !locked {
		t.Fatalf("expected locked, got %v err=%v", locked, err)
	}
	if err := s.ClearReentryLock(ctx, "GUNUSDT", "LONG"); err != nil {
		t.Fatal(err)
	}
	locked, _ = s.IsReentryLocked(ctx, "GUNUSDT", "LONG")
	if locked {
		t.Errorf("expected unlocked")
	}
}
