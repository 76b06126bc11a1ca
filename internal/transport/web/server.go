package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sigflow/internal/engine"
	"sigflow/internal/logger"
	"sigflow/internal/report"
	"sigflow/internal/store"
)

// 中文说明：
// 只读运维服务：健康检查、容量状态、活跃仓位列表、汇总图表页。
// 不提供任何写操作；交易路径不依赖本服务。

type Server struct {
	listen    string
	watchdog  *engine.Watchdog
	positions *store.LifecycleStore
	builder   *report.Builder
	srv       *http.Server
}

func NewServer(listen string, watchdog *engine.Watchdog, positions *store.LifecycleStore, builder *report.Builder) *Server {
	return &Server{listen: listen, watchdog: watchdog, positions: positions, builder: builder}
}

func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.GET("/api/status", func(c *gin.Context) {
		active, max, blocked, lastTick := s.watchdog.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"active_trades":     active,
			"max_active_trades": max,
			"capacity_blocked":  blocked,
			"last_tick":         lastTick,
		})
	})

	r.GET("/api/positions", func(c *gin.Context) {
		positions, err := s.positions.ListByState(c.Request.Context(),
			[]string{store.PositionPendingEntry, store.PositionPartial, store.PositionOpen, store.PositionClosing}, 200)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]gin.H, 0, len(positions))
		for _, p := range positions {
			out = append(out, gin.H{
				"signal_id":            p.SignalID,
				"symbol":               p.Symbol,
				"side":                 p.Side,
				"state":                p.State,
				"planned_qty":          p.PlannedQty.String(),
				"filled_qty":           p.FilledQty.String(),
				"avg_entry_price":      p.AvgEntryPrice.String(),
				"original_entry_price": p.OriginalEntryPrice.String(),
				"leverage":             p.Leverage.StringFixed(2),
				"sl_price":             p.SLPrice.String(),
				"hedge_state":          p.HedgeState,
				"reentry_attempts":     p.ReentryAttempts,
			})
		}
		c.JSON(http.StatusOK, gin.H{"positions": out})
	})

	r.GET("/report", func(c *gin.Context) {
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		summary, err := s.builder.Build(c.Request.Context(), start, end)
		if err != nil {
			c.String(http.StatusInternalServerError, "汇总失败: %v", err)
			return
		}
		c.Header("Content-Type", "text/html; charset=utf-8")
		if err := report.RenderChart(c.Writer, summary); err != nil {
			logger.Errorf("渲染图表失败: %v", err)
		}
	})

	s.srv = &http.Server{Addr: s.listen, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("✓ 运维服务已启动 %s", s.listen)
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
