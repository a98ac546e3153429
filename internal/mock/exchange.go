package mock

import (
	"context"
	"sync"
	"time"

	"signal_relay/internal/core"

	"github.com/shopspring/decimal"
)

// Exchange is a configurable core.IExchange double. Behavior is overridden
// per test through the function fields; unset fields return benign
// defaults so tests only wire what they assert on.
type Exchange struct {
	mu sync.Mutex

	Name  string
	Venue core.Venue

	PlaceOrderFunc           func(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error)
	ExecuteOrderWithSlTpFunc func(ctx context.Context, req *core.EntryRequest) (*core.EntryResult, error)
	CancelOrderFunc          func(ctx context.Context, symbol, orderID string) error
	GetOrderFunc             func(ctx context.Context, symbol, orderID string) (*core.OrderInfo, error)
	GetOpenOrdersFunc        func(ctx context.Context, symbol string) ([]*core.OrderInfo, error)
	GetRecentOrdersFunc      func(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*core.OrderInfo, error)
	GetPositionsFunc         func(ctx context.Context, symbol string) ([]*core.Position, error)
	SetLeverageFunc          func(ctx context.Context, symbol string, leverage int, positionSide core.PositionSide) error
	GetPositionModeFunc      func(ctx context.Context) (core.PositionMode, error)
	GetLatestPriceFunc       func(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetIncomeHistoryFunc     func(ctx context.Context, symbol, incomeType string, limit int) ([]*core.Income, error)
	GetBalanceFunc           func(ctx context.Context, asset string) (decimal.Decimal, error)

	// Recorded calls
	PlacedOrders    []*core.OrderRequest
	ExecutedEntries []*core.EntryRequest
	CanceledOrders  []string
}

func NewExchange(venue core.Venue) *Exchange {
	return &Exchange{Name: string(venue), Venue: venue}
}

func (m *Exchange) GetName() string      { return m.Name }
func (m *Exchange) GetVenue() core.Venue { return m.Venue }

func (m *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	m.mu.Lock()
	m.PlacedOrders = append(m.PlacedOrders, req)
	m.mu.Unlock()

	if m.PlaceOrderFunc != nil {
		return m.PlaceOrderFunc(ctx, req)
	}
	return &core.OrderResult{
		OrderID:     "mock-order-1",
		ExecutedQty: req.Quantity,
		Status:      core.OrderStatusFilled,
	}, nil
}

func (m *Exchange) ExecuteOrderWithSlTp(ctx context.Context, req *core.EntryRequest) (*core.EntryResult, error) {
	m.mu.Lock()
	m.ExecutedEntries = append(m.ExecutedEntries, req)
	m.mu.Unlock()

	if m.ExecuteOrderWithSlTpFunc != nil {
		return m.ExecuteOrderWithSlTpFunc(ctx, req)
	}
	return &core.EntryResult{
		OrderID:     "mock-entry-1",
		AvgPrice:    decimal.NewFromInt(50000),
		ExecutedQty: req.Quantity,
		SlOrderID:   "mock-sl-1",
		TpOrderID:   "mock-tp-1",
	}, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	m.CanceledOrders = append(m.CanceledOrders, orderID)
	m.mu.Unlock()

	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, symbol, orderID)
	}
	return nil
}

func (m *Exchange) GetOrder(ctx context.Context, symbol, orderID string) (*core.OrderInfo, error) {
	if m.GetOrderFunc != nil {
		return m.GetOrderFunc(ctx, symbol, orderID)
	}
	return &core.OrderInfo{OrderID: orderID, Symbol: symbol, Status: core.OrderStatusNew}, nil
}

func (m *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.OrderInfo, error) {
	if m.GetOpenOrdersFunc != nil {
		return m.GetOpenOrdersFunc(ctx, symbol)
	}
	return nil, nil
}

func (m *Exchange) GetRecentOrders(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*core.OrderInfo, error) {
	if m.GetRecentOrdersFunc != nil {
		return m.GetRecentOrdersFunc(ctx, symbol, start, end, limit)
	}
	return nil, nil
}

func (m *Exchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	if m.GetPositionsFunc != nil {
		return m.GetPositionsFunc(ctx, symbol)
	}
	return nil, nil
}

func (m *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide core.PositionSide) error {
	if m.SetLeverageFunc != nil {
		return m.SetLeverageFunc(ctx, symbol, leverage, positionSide)
	}
	return nil
}

func (m *Exchange) GetPositionMode(ctx context.Context) (core.PositionMode, error) {
	if m.GetPositionModeFunc != nil {
		return m.GetPositionModeFunc(ctx)
	}
	return core.PositionModeHedge, nil
}

func (m *Exchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if m.GetLatestPriceFunc != nil {
		return m.GetLatestPriceFunc(ctx, symbol)
	}
	return decimal.NewFromInt(50000), nil
}

func (m *Exchange) NormalizePrice(ctx context.Context, symbol string, price decimal.Decimal) (decimal.Decimal, error) {
	return price.Round(2), nil
}

func (m *Exchange) NormalizeQuantity(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	return qty.Round(3), nil
}

func (m *Exchange) GetIncomeHistory(ctx context.Context, symbol, incomeType string, limit int) ([]*core.Income, error) {
	if m.GetIncomeHistoryFunc != nil {
		return m.GetIncomeHistoryFunc(ctx, symbol, incomeType, limit)
	}
	return nil, nil
}

func (m *Exchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if m.GetBalanceFunc != nil {
		return m.GetBalanceFunc(ctx, asset)
	}
	return decimal.NewFromInt(10000), nil
}
