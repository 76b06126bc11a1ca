package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"sigflow/internal/gateway/bingx"
)

// fakeGateway 可编程网关：订单状态按 GetOrder 调用次数推进，测试保持确定性。
type fakeGateway struct {
	mu sync.Mutex

	balance    decimal.Decimal
	symbolInfo *bingx.SymbolInfo
	markPrice  decimal.Decimal

	nextOrderID int
	orders      map[string]*fakeOrder
	positions   []bingx.Position

	placedLimits  []bingx.LimitOrderRequest
	placedMarkets []bingx.MarketOrderRequest
	placedStops   []bingx.StopOrderRequest
	cancelled     []string

	// scripts[orderID] 按调用序返回 (executedQty, avgPrice, status)
	scripts map[string]func(call int, o *fakeOrder) (decimal.Decimal, decimal.Decimal, string)

	placeLimitErr error
	placeStopErr  error

	// autoFillLimits 无脚本的限价单首查即全成（简化多级流程测试）
	autoFillLimits bool
}

type fakeOrder struct {
	req      bingx.LimitOrderRequest
	stopReq  *bingx.StopOrderRequest
	isMarket bool
	calls    int
	status   string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balance:   decimal.RequireFromString("402.10"),
		markPrice: decimal.RequireFromString("100"),
		symbolInfo: &bingx.SymbolInfo{
			Symbol:   "TESTUSDT",
			TickSize: decimal.RequireFromString("0.00001"),
			QtyStep:  decimal.RequireFromString("1"),
			MinQty:   decimal.RequireFromString("1"),
		},
		orders:  map[string]*fakeOrder{},
		scripts: map[string]func(int, *fakeOrder) (decimal.Decimal, decimal.Decimal, string){},
	}
}

func (f *fakeGateway) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakeGateway) GetSymbolInfo(ctx context.Context, symbol string) (*bingx.SymbolInfo, error) {
	return f.symbolInfo, nil
}

func (f *fakeGateway) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markPrice, nil
}

func (f *fakeGateway) setMarkPrice(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markPrice = decimal.RequireFromString(p)
}

func (f *fakeGateway) newID() string {
	f.nextOrderID++
	return fmt.Sprintf("ord-%d", f.nextOrderID)
}

func (f *fakeGateway) PlaceLimit(ctx context.Context, req bingx.LimitOrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeLimitErr != nil {
		return "", f.placeLimitErr
	}
	id := f.newID()
	f.orders[id] = &fakeOrder{req: req, status: bingx.OrderStatusNew}
	f.placedLimits = append(f.placedLimits, req)
	return id, nil
}

func (f *fakeGateway) PlaceMarket(ctx context.Context, req bingx.MarketOrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID()
	f.orders[id] = &fakeOrder{isMarket: true, status: bingx.OrderStatusFilled}
	f.placedMarkets = append(f.placedMarkets, req)
	return id, nil
}

func (f *fakeGateway) PlaceStopMarket(ctx context.Context, req bingx.StopOrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeStopErr != nil {
		return "", f.placeStopErr
	}
	id := f.newID()
	f.orders[id] = &fakeOrder{stopReq: &req, status: bingx.OrderStatusNew}
	f.placedStops = append(f.placedStops, req)
	return id, nil
}

func (f *fakeGateway) Cancel(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if o, ok := f.orders[orderID]; ok {
		o.status = bingx.OrderStatusCanceled
	}
	return nil
}

func (f *fakeGateway) GetOrder(ctx context.Context, symbol, orderID string) (*bingx.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, &bingx.APIError{Code: 80016, Msg: "order not exist"}
	}
	o.calls++
	executed, avg := decimal.Zero, decimal.Zero
	status := o.status
	if script, ok := f.scripts[orderID]; ok {
		executed, avg, status = script(o.calls, o)
		o.status = status
	} else if f.autoFillLimits && !o.isMarket && o.stopReq == nil && status != bingx.OrderStatusCanceled {
		executed, avg, status = o.req.Quantity, o.req.Price, bingx.OrderStatusFilled
		o.status = status
	}
	qty := o.req.Quantity
	if o.stopReq != nil {
		qty = o.stopReq.Quantity
	}
	return &bingx.Order{
		OrderID:      orderID,
		Symbol:       symbol,
		Status:       status,
		Quantity:     qty,
		ExecutedQty:  executed,
		AvgFillPrice: avg,
	}, nil
}

func (f *fakeGateway) GetPositions(ctx context.Context, symbol string) ([]bingx.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bingx.Position(nil), f.positions...), nil
}

func (f *fakeGateway) SetLeverage(ctx context.Context, symbol, positionSide string, leverage decimal.Decimal) error {
	return nil
}

// script 注册订单状态脚本。
func (f *fakeGateway) script(orderID string, fn func(call int, o *fakeOrder) (decimal.Decimal, decimal.Decimal, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[orderID] = fn
}

// nopNotifier 测试用空通知器。
type nopNotifier struct{}

func (nopNotifier) Notify(title string, lines ...string) {}
func (nopNotifier) SendText(text string) error           { return nil }

// openGuard 始终放行的容量判定。
type openGuard struct{}

func (openGuard) MayAcceptNewSignal() (bool, string) { return true, "" }
