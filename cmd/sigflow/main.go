package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sigflow/internal/app"
	sfcfg "sigflow/internal/config"
	"sigflow/internal/logger"
)

// 入口程序：
// 1) 加载 TOML 配置
// 2) 装配存储/网关/各阶段管理器
// 3) 启动摄取与订单生命周期各循环，Ctrl+C 干净退出
func main() {
	// 从环境变量或默认路径读取配置文件路径
	cfgPath := os.Getenv("SIGFLOW_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.toml"
	}

	cfg, err := sfcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("✓ sigflow 启动完成（env=%s）。按 Ctrl+C 退出。", cfg.App.Env)
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("已退出。")
}
