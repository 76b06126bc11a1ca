package engine

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"sigflow/internal/gateway/bingx"
)

// 中文说明：
// 各阶段管理器共享的网关/通知抽象与每仓位互斥锁。
// 状态转移只信交易所轮询结果；本地乐观态一律不落库。

// Gateway 交易所网关能力（由 bingx.Client 实现；测试注入假实现）。
type Gateway interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*bingx.SymbolInfo, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceLimit(ctx context.Context, req bingx.LimitOrderRequest) (string, error)
	PlaceMarket(ctx context.Context, req bingx.MarketOrderRequest) (string, error)
	PlaceStopMarket(ctx context.Context, req bingx.StopOrderRequest) (string, error)
	Cancel(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*bingx.Order, error)
	GetPositions(ctx context.Context, symbol string) ([]bingx.Position, error)
	SetLeverage(ctx context.Context, symbol, positionSide string, leverage decimal.Decimal) error
}

// Notifier 运营通知（nil 安全）。
type Notifier interface {
	Notify(title string, lines ...string)
	SendText(text string) error
}

// positionLocker 管理每个 signalID 的互斥锁，避免生命周期/加仓/对冲同时写同一仓位。
var positionLocker = &sync.Map{}

func getPositionLock(signalID int64) *sync.Mutex {
	lock, _ := positionLocker.LoadOrStore(signalID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func closeSideFor(positionSide string) string {
	if positionSide == bingx.PositionLong {
		return bingx.SideSell
	}
	return bingx.SideBuy
}

func openSideFor(positionSide string) string {
	if positionSide == bingx.PositionLong {
		return bingx.SideBuy
	}
	return bingx.SideSell
}

func oppositeSide(positionSide string) string {
	if positionSide == bingx.PositionLong {
		return bingx.PositionShort
	}
	return bingx.PositionLong
}
