package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sigflow/internal/logger"
	"sigflow/internal/store"
	"sigflow/internal/telemetry"
)

// Watchdog 容量看门狗：持续评估活跃仓位数，超过上限时阻止接纳新信号。
// 判定保守：在途（CLAIMED）与未终结仓位合并计数，宁可多算。
type Watchdog struct {
	signals   *store.SignalStore
	positions *store.LifecycleStore
	telemetry *telemetry.Sink

	maxActive int
	interval  time.Duration

	mu      sync.Mutex
	blocked bool
	reason  string
	active  int
	lastTick time.Time
}

func NewWatchdog(signals *store.SignalStore, positions *store.LifecycleStore, sink *telemetry.Sink, maxActive int, interval time.Duration) *Watchdog {
	return &Watchdog{
		signals:   signals,
		positions: positions,
		telemetry: sink,
		maxActive: maxActive,
		interval:  interval,
	}
}

// MayAcceptNewSignal 容量判定：count(active) < MAX_ACTIVE。
func (w *Watchdog) MayAcceptNewSignal() (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.blocked, w.reason
}

// Snapshot 当前容量状态（ops 接口用）。
func (w *Watchdog) Snapshot() (active, max int, blocked bool, lastTick time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active, w.maxActive, w.blocked, w.lastTick
}

func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				logger.Errorf("容量看门狗 tick 失败: %v", err)
			}
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) error {
	activePositions, err := w.positions.CountActive(ctx)
	if err != nil {
		return err
	}
	inflight, err := w.signals.CountInflight(ctx)
	if err != nil {
		return err
	}
	active := activePositions + inflight
	blocked := active >= w.maxActive

	w.mu.Lock()
	w.active = active
	w.blocked = blocked
	w.lastTick = time.Now()
	if blocked {
		w.reason = fmt.Sprintf("活跃仓位已达上限(%d/%d)", active, w.maxActive)
	} else {
		w.reason = ""
	}
	w.mu.Unlock()

	level := "INFO"
	if blocked {
		level = "WARNING"
	}
	w.telemetry.Emit("watchdog_capacity", level, "WATCHDOG", "容量评估", telemetry.Correlation{}, map[string]any{
		"active":  active,
		"max":     w.maxActive,
		"blocked": blocked,
	})
	return nil
}
