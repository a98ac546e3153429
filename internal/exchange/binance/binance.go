// Package binance provides Binance USD-M futures connectivity
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"signal_relay/internal/core"
	"signal_relay/internal/exchange/base"
	apperrors "signal_relay/pkg/errors"
	"signal_relay/pkg/retry"

	"github.com/shopspring/decimal"
)

const (
	defaultFuturesURL = "https://fapi.binance.com"
	testnetFuturesURL = "https://testnet.binancefuture.com"

	// Binance caps allOrders lookback windows at seven days
	maxOrderLookback = 7 * 24 * time.Hour

	// Entry fills can take a beat to settle into avgPrice
	settleDelay = 500 * time.Millisecond
)

// BinanceExchange implements IExchange for Binance USD-M futures
type BinanceExchange struct {
	*base.BaseAdapter
	account *core.ExchangeAccount
}

// New creates a Binance exchange instance bound to one account
func New(account *core.ExchangeAccount, baseURL string, logger core.ILogger) *BinanceExchange {
	if baseURL == "" {
		if account.IsTestnet {
			baseURL = testnetFuturesURL
		} else {
			baseURL = defaultFuturesURL
		}
	}

	e := &BinanceExchange{account: account}
	e.BaseAdapter = base.NewBaseAdapter("binance", core.VenueBinance, account, baseURL, e, logger)
	e.BaseAdapter.ParseError = e.parseError
	e.BaseAdapter.MapOrderStatus = e.mapOrderStatus
	e.BaseAdapter.RefreshFilters = e.refreshFilters
	return e
}

// SignRequest adds the API key header and an HMAC-SHA256 signature over
// the query string
func (e *BinanceExchange) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("X-MBX-APIKEY", e.account.APIKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}

	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(e.account.SecretKey))
	mac.Write([]byte(queryString))
	signature := hex.EncodeToString(mac.Sum(nil))

	q.Set("signature", signature)
	req.URL.RawQuery = q.Encode()
	return nil
}

func (e *BinanceExchange) parseError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("binance error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case -2015, -2014:
		return apperrors.ErrAuthenticationFailed
	case -2019, -2010:
		return apperrors.ErrInsufficientBalance
	case -1003, -1015:
		return apperrors.ErrRateLimited
	case -1121:
		return apperrors.ErrInvalidSymbol
	case -2013:
		return apperrors.ErrOrderNotFound
	case -4061:
		return apperrors.ErrPositionModeMismatch
	case -1013, -4164:
		return apperrors.ErrQtyTooSmall
	}

	return fmt.Errorf("binance error %d: %s", errResp.Code, errResp.Msg)
}

func (e *BinanceExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "NEW":
		return core.OrderStatusNew
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED":
		return core.OrderStatusCanceled
	case "EXPIRED":
		return core.OrderStatusExpired
	case "REJECTED":
		return core.OrderStatusRejected
	default:
		return core.OrderStatus(rawStatus)
	}
}

func (e *BinanceExchange) refreshFilters(ctx context.Context) error {
	body, err := e.Client.Get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return e.WrapAPIError(err)
	}

	var data struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Errorf("failed to parse exchangeInfo: %w", err)
	}

	for _, sym := range data.Symbols {
		filter := &base.SymbolFilter{}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				filter.TickSize = e.ParseDecimal(f.TickSize)
			case "LOT_SIZE":
				filter.StepSize = e.ParseDecimal(f.StepSize)
				filter.MinQty = e.ParseDecimal(f.MinQty)
			}
		}
		e.SetFilter(sym.Symbol, filter)
	}
	return nil
}

type binanceOrder struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Price       string `json:"price"`
	StopPrice   string `json:"stopPrice"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
	UpdateTime  int64  `json:"updateTime"`
}

func (e *BinanceExchange) orderParams(req *core.OrderRequest) map[string]string {
	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             string(req.Side),
		"type":             string(req.Type),
		"newOrderRespType": "RESULT",
	}
	if req.PositionSide != "" {
		params["positionSide"] = string(req.PositionSide)
	}
	// closePosition is only accepted on STOP_MARKET and TAKE_PROFIT_MARKET;
	// every other type must carry an explicit quantity.
	if req.ClosePosition && (req.Type == core.OrderTypeStopMarket || req.Type == core.OrderTypeTakeProfit) {
		params["closePosition"] = "true"
	} else if !req.Quantity.IsZero() {
		params["quantity"] = req.Quantity.String()
	}
	if !req.StopPrice.IsZero() {
		params["stopPrice"] = req.StopPrice.String()
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	return params
}

// PlaceOrder places a single order
func (e *BinanceExchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	body, err := e.Client.PostQuery(ctx, "/fapi/v1/order", e.orderParams(req))
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var order binanceOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	return &core.OrderResult{
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		AvgPrice:    e.ParseDecimal(order.AvgPrice),
		ExecutedQty: e.ParseDecimal(order.ExecutedQty),
		Status:      e.mapOrderStatus(order.Status),
	}, nil
}

// ExecuteOrderWithSlTp places a market entry and then attaches the two
// protective legs as separate conditional orders. Binance has no preset
// SL/TP on the entry itself, so a leg can fail after the entry filled;
// leg failures are reported on the result, never rolled back.
func (e *BinanceExchange) ExecuteOrderWithSlTp(ctx context.Context, req *core.EntryRequest) (*core.EntryResult, error) {
	entry, err := e.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         core.OrderTypeMarket,
		Quantity:     req.Quantity,
		PositionSide: req.PositionSide,
	})
	if err != nil {
		return nil, err
	}

	result := &core.EntryResult{
		OrderID:     entry.OrderID,
		AvgPrice:    entry.AvgPrice,
		ExecutedQty: entry.ExecutedQty,
	}

	// Market fills settle asynchronously; give avgPrice a moment before
	// reading it back if the immediate response lacked it
	if result.AvgPrice.IsZero() {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(settleDelay):
		}
		if info, err := e.GetOrder(ctx, req.Symbol, entry.OrderID); err == nil {
			result.AvgPrice = info.AvgPrice
			result.ExecutedQty = info.ExecutedQty
		}
	}

	exitSide := req.Side.Opposite()

	if !req.SlPrice.IsZero() {
		result.SlOrderID, result.SlError = e.placeProtective(ctx, &core.OrderRequest{
			Symbol:        req.Symbol,
			Side:          exitSide,
			Type:          core.OrderTypeStopMarket,
			StopPrice:     req.SlPrice,
			PositionSide:  req.PositionSide,
			ClosePosition: true,
		})
	}
	if !req.TpPrice.IsZero() {
		result.TpOrderID, result.TpError = e.placeProtective(ctx, &core.OrderRequest{
			Symbol:        req.Symbol,
			Side:          exitSide,
			Type:          core.OrderTypeTakeProfit,
			StopPrice:     req.TpPrice,
			PositionSide:  req.PositionSide,
			ClosePosition: true,
		})
	}

	return result, nil
}

func (e *BinanceExchange) placeProtective(ctx context.Context, req *core.OrderRequest) (string, error) {
	var orderID string
	err := retry.Do(ctx, retry.ProtectiveOrderPolicy, apperrors.IsRetryable, func() error {
		result, err := e.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		orderID = result.OrderID
		return nil
	})
	if err != nil {
		e.Logger.Error("protective order failed after retries",
			"symbol", req.Symbol, "type", req.Type, "stop_price", req.StopPrice, "error", err)
		return "", err
	}
	return orderID, nil
}

// CancelOrder cancels one order. Missing orders return ErrOrderNotFound.
func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := e.Client.Delete(ctx, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	})
	return e.WrapAPIError(err)
}

// GetOrder fetches one order by ID
func (e *BinanceExchange) GetOrder(ctx context.Context, symbol, orderID string) (*core.OrderInfo, error) {
	body, err := e.Client.Get(ctx, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	})
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var order binanceOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}
	return e.toOrderInfo(&order), nil
}

// GetOpenOrders lists the currently open orders for a symbol
func (e *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.OrderInfo, error) {
	body, err := e.Client.Get(ctx, "/fapi/v1/openOrders", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var orders []binanceOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("failed to parse open orders: %w", err)
	}

	out := make([]*core.OrderInfo, 0, len(orders))
	for i := range orders {
		out = append(out, e.toOrderInfo(&orders[i]))
	}
	return out, nil
}

// GetRecentOrders lists orders in a time window, clamped to the venue's
// seven day lookback limit.
func (e *BinanceExchange) GetRecentOrders(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*core.OrderInfo, error) {
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() || end.Sub(start) > maxOrderLookback {
		start = end.Add(-maxOrderLookback)
	}

	params := map[string]string{
		"symbol":    symbol,
		"startTime": strconv.FormatInt(start.UnixMilli(), 10),
		"endTime":   strconv.FormatInt(end.UnixMilli(), 10),
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := e.Client.Get(ctx, "/fapi/v1/allOrders", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var orders []binanceOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("failed to parse orders: %w", err)
	}

	out := make([]*core.OrderInfo, 0, len(orders))
	for i := range orders {
		out = append(out, e.toOrderInfo(&orders[i]))
	}
	return out, nil
}

// GetPositions returns the live positions for a symbol
func (e *BinanceExchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	body, err := e.Client.Get(ctx, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data []struct {
		Symbol       string `json:"symbol"`
		PositionAmt  string `json:"positionAmt"`
		EntryPrice   string `json:"entryPrice"`
		MarkPrice    string `json:"markPrice"`
		PositionSide string `json:"positionSide"`
		Leverage     string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}

	var out []*core.Position
	for _, p := range data {
		size := e.ParseDecimal(p.PositionAmt)
		if size.IsZero() {
			continue
		}
		leverage, _ := strconv.Atoi(p.Leverage)
		out = append(out, &core.Position{
			Symbol:       p.Symbol,
			Size:         size,
			EntryPrice:   e.ParseDecimal(p.EntryPrice),
			MarkPrice:    e.ParseDecimal(p.MarkPrice),
			PositionSide: core.PositionSide(p.PositionSide),
			Leverage:     leverage,
		})
	}
	return out, nil
}

// SetLeverage sets the leverage for a symbol. Binance leverage is
// symbol-wide, the position side is ignored.
func (e *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide core.PositionSide) error {
	_, err := e.Client.PostQuery(ctx, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	})
	return e.WrapAPIError(err)
}

// GetPositionMode reports whether the account runs in hedge mode
func (e *BinanceExchange) GetPositionMode(ctx context.Context) (core.PositionMode, error) {
	body, err := e.Client.Get(ctx, "/fapi/v1/positionSide/dual", nil)
	if err != nil {
		return "", e.WrapAPIError(err)
	}

	var data struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", fmt.Errorf("failed to parse position mode: %w", err)
	}

	if data.DualSidePosition {
		return core.PositionModeHedge, nil
	}
	return core.PositionModeOneWay, nil
}

// GetLatestPrice returns the current price for a symbol
func (e *BinanceExchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := e.Client.Get(ctx, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return decimal.Zero, e.WrapAPIError(err)
	}

	var data struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse ticker: %w", err)
	}
	return e.ParseDecimal(data.Price), nil
}

// GetIncomeHistory returns income rows, e.g. REALIZED_PNL entries
func (e *BinanceExchange) GetIncomeHistory(ctx context.Context, symbol, incomeType string, limit int) ([]*core.Income, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	if incomeType != "" {
		params["incomeType"] = incomeType
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := e.Client.Get(ctx, "/fapi/v1/income", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data []struct {
		Symbol     string `json:"symbol"`
		IncomeType string `json:"incomeType"`
		Income     string `json:"income"`
		Time       int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse income history: %w", err)
	}

	out := make([]*core.Income, 0, len(data))
	for _, row := range data {
		out = append(out, &core.Income{
			Symbol:     row.Symbol,
			IncomeType: row.IncomeType,
			Income:     e.ParseDecimal(row.Income),
			Time:       e.ParseTimestamp(row.Time),
		})
	}
	return out, nil
}

// GetBalance returns the available balance for an asset
func (e *BinanceExchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	body, err := e.Client.Get(ctx, "/fapi/v2/balance", nil)
	if err != nil {
		return decimal.Zero, e.WrapAPIError(err)
	}

	var data []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balances: %w", err)
	}

	for _, b := range data {
		if b.Asset == asset {
			return e.ParseDecimal(b.AvailableBalance), nil
		}
	}
	return decimal.Zero, nil
}

func (e *BinanceExchange) toOrderInfo(order *binanceOrder) *core.OrderInfo {
	return &core.OrderInfo{
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		Symbol:      order.Symbol,
		Side:        core.OrderSide(order.Side),
		Type:        core.OrderType(order.Type),
		Status:      e.mapOrderStatus(order.Status),
		Price:       e.ParseDecimal(order.Price),
		StopPrice:   e.ParseDecimal(order.StopPrice),
		AvgPrice:    e.ParseDecimal(order.AvgPrice),
		ExecutedQty: e.ParseDecimal(order.ExecutedQty),
		UpdatedAt:   e.ParseTimestamp(order.UpdateTime),
	}
}
