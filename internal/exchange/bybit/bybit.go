// Package bybit provides Bybit linear perpetual connectivity
package bybit

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
	defaultBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"
	category       = "linear"
	recvWindow     = "5000"

	settleDelay = 500 * time.Millisecond
)

// Position index values the venue uses in hedge mode
const (
	posIdxOneWay = 0
	posIdxLong   = 1
	posIdxShort  = 2
)

// BybitExchange implements IExchange for Bybit linear perpetuals. Hedge
// accounts address positions through positionIdx; reduce-only flags are
// rejected there, so closing orders rely on closeOnTrigger and the
// matching index instead.
type BybitExchange struct {
	*base.BaseAdapter
	account *core.ExchangeAccount
}

// New creates a Bybit exchange instance bound to one account
func New(account *core.ExchangeAccount, baseURL string, logger core.ILogger) *BybitExchange {
	if baseURL == "" {
		if account.IsTestnet {
			baseURL = testnetBaseURL
		} else {
			baseURL = defaultBaseURL
		}
	}

	e := &BybitExchange{account: account}
	e.BaseAdapter = base.NewBaseAdapter("bybit", core.VenueBybit, account, baseURL, e, logger)
	e.BaseAdapter.ParseError = e.parseError
	e.BaseAdapter.MapOrderStatus = e.mapOrderStatus
	e.BaseAdapter.RefreshFilters = e.refreshFilters
	return e
}

// SignRequest signs with hex(HMAC-SHA256(timestamp + key + recvWindow + payload))
// where payload is the query string for GETs and the JSON body otherwise
func (e *BybitExchange) SignRequest(req *http.Request, body []byte) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	payload := req.URL.RawQuery
	if req.Method != http.MethodGet {
		payload = string(body)
	}

	mac := hmac.New(sha256.New, []byte(e.account.SecretKey))
	mac.Write([]byte(timestamp + e.account.APIKey + recvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", e.account.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (e *BybitExchange) parseError(body []byte) error {
	var errResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("bybit error (unmarshal failed): %s", string(body))
	}

	switch errResp.RetCode {
	case 10003, 10004, 33004:
		return apperrors.ErrAuthenticationFailed
	case 110007, 110012:
		return apperrors.ErrInsufficientBalance
	case 10006, 10018:
		return apperrors.ErrRateLimited
	case 110017, 10029:
		return apperrors.ErrInvalidSymbol
	case 110001:
		return apperrors.ErrOrderNotFound
	case 110025, 110024:
		return apperrors.ErrPositionModeMismatch
	case 110094, 110009:
		return apperrors.ErrQtyTooSmall
	}

	return fmt.Errorf("bybit error %d: %s", errResp.RetCode, errResp.RetMsg)
}

func (e *BybitExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "New", "Created", "Untriggered":
		return core.OrderStatusNew
	case "PartiallyFilled":
		return core.OrderStatusPartiallyFilled
	case "Filled":
		return core.OrderStatusFilled
	case "Cancelled", "Deactivated":
		return core.OrderStatusCanceled
	case "Rejected":
		return core.OrderStatusRejected
	default:
		return core.OrderStatus(rawStatus)
	}
}

func (e *BybitExchange) unwrap(body []byte, out interface{}) error {
	var envelope struct {
		RetCode int             `json:"retCode"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to parse response envelope: %w", err)
	}
	if envelope.RetCode != 0 {
		return e.parseError(body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

func (e *BybitExchange) refreshFilters(ctx context.Context) error {
	body, err := e.Client.Get(ctx, "/v5/market/instruments-info", map[string]string{
		"category": category,
	})
	if err != nil {
		return e.WrapAPIError(err)
	}

	var data struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return err
	}

	for _, inst := range data.List {
		e.SetFilter(inst.Symbol, &base.SymbolFilter{
			TickSize: e.ParseDecimal(inst.PriceFilter.TickSize),
			StepSize: e.ParseDecimal(inst.LotSizeFilter.QtyStep),
			MinQty:   e.ParseDecimal(inst.LotSizeFilter.MinOrderQty),
		})
	}
	return nil
}

func positionIdx(ps core.PositionSide) int {
	switch ps {
	case core.PositionSideLong:
		return posIdxLong
	case core.PositionSideShort:
		return posIdxShort
	default:
		return posIdxOneWay
	}
}

func sideString(side core.OrderSide) string {
	if side == core.OrderSideBuy {
		return "Buy"
	}
	return "Sell"
}

func (e *BybitExchange) orderParams(req *core.OrderRequest) map[string]interface{} {
	params := map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        sideString(req.Side),
		"orderType":   "Market",
		"qty":         req.Quantity.String(),
		"positionIdx": positionIdx(req.PositionSide),
	}

	if !req.StopPrice.IsZero() {
		params["triggerPrice"] = req.StopPrice.String()
		// Direction depends on which side of the market the trigger sits:
		// a sell stop fires on falling price, a sell take-profit on rising
		if req.Type == core.OrderTypeStopMarket {
			if req.Side == core.OrderSideSell {
				params["triggerDirection"] = 2
			} else {
				params["triggerDirection"] = 1
			}
		} else {
			if req.Side == core.OrderSideSell {
				params["triggerDirection"] = 1
			} else {
				params["triggerDirection"] = 2
			}
		}
	}

	if req.ReduceOnly || req.ClosePosition {
		if req.PositionSide == core.PositionSideLong || req.PositionSide == core.PositionSideShort {
			// Hedge mode rejects reduceOnly; the matching positionIdx plus
			// closeOnTrigger already scopes the order to the position
			params["closeOnTrigger"] = !req.StopPrice.IsZero()
		} else {
			params["reduceOnly"] = true
		}
	}

	return params
}

// PlaceOrder places a single order
func (e *BybitExchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	body, err := e.Client.Post(ctx, "/v5/order/create", e.orderParams(req))
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data struct {
		OrderID string `json:"orderId"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	return &core.OrderResult{
		OrderID:     data.OrderID,
		ExecutedQty: req.Quantity,
		Status:      core.OrderStatusNew,
	}, nil
}

// ExecuteOrderWithSlTp places a market entry and attaches the protective
// legs as separate conditional orders. Leg failures are reported on the
// result, never rolled back.
func (e *BybitExchange) ExecuteOrderWithSlTp(ctx context.Context, req *core.EntryRequest) (*core.EntryResult, error) {
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
		ExecutedQty: entry.ExecutedQty,
	}

	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case <-time.After(settleDelay):
	}
	if info, err := e.GetOrder(ctx, req.Symbol, entry.OrderID); err == nil {
		result.AvgPrice = info.AvgPrice
		if !info.ExecutedQty.IsZero() {
			result.ExecutedQty = info.ExecutedQty
		}
	}

	exitSide := req.Side.Opposite()

	if !req.SlPrice.IsZero() {
		result.SlOrderID, result.SlError = e.placeProtective(ctx, &core.OrderRequest{
			Symbol:        req.Symbol,
			Side:          exitSide,
			Type:          core.OrderTypeStopMarket,
			Quantity:      result.ExecutedQty,
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
			Quantity:      result.ExecutedQty,
			StopPrice:     req.TpPrice,
			PositionSide:  req.PositionSide,
			ClosePosition: true,
		})
	}

	return result, nil
}

func (e *BybitExchange) placeProtective(ctx context.Context, req *core.OrderRequest) (string, error) {
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

// CancelOrder cancels one order
func (e *BybitExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body, err := e.Client.Post(ctx, "/v5/order/cancel", map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	})
	if err != nil {
		return e.WrapAPIError(err)
	}
	return e.unwrap(body, nil)
}

type bybitOrder struct {
	OrderID       string `json:"orderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	OrderStatus   string `json:"orderStatus"`
	Price         string `json:"price"`
	TriggerPrice  string `json:"triggerPrice"`
	AvgPrice      string `json:"avgPrice"`
	CumExecQty    string `json:"cumExecQty"`
	UpdatedTime   string `json:"updatedTime"`
	StopOrderType string `json:"stopOrderType"`
}

func (e *BybitExchange) toOrderInfo(order *bybitOrder) *core.OrderInfo {
	side := core.OrderSideBuy
	if order.Side == "Sell" {
		side = core.OrderSideSell
	}

	orderType := core.OrderTypeMarket
	if order.TriggerPrice != "" && order.TriggerPrice != "0" {
		if order.StopOrderType == "TakeProfit" {
			orderType = core.OrderTypeTakeProfit
		} else {
			orderType = core.OrderTypeStopMarket
		}
	}

	updatedMs, _ := strconv.ParseInt(order.UpdatedTime, 10, 64)
	return &core.OrderInfo{
		OrderID:     order.OrderID,
		Symbol:      order.Symbol,
		Side:        side,
		Type:        orderType,
		Status:      e.mapOrderStatus(order.OrderStatus),
		Price:       e.ParseDecimal(order.Price),
		StopPrice:   e.ParseDecimal(order.TriggerPrice),
		AvgPrice:    e.ParseDecimal(order.AvgPrice),
		ExecutedQty: e.ParseDecimal(order.CumExecQty),
		UpdatedAt:   e.ParseTimestamp(updatedMs),
	}
}

// GetOrder fetches one order by ID, falling back to history for orders
// that already left the realtime book
func (e *BybitExchange) GetOrder(ctx context.Context, symbol, orderID string) (*core.OrderInfo, error) {
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		body, err := e.Client.Get(ctx, path, map[string]string{
			"category": category,
			"symbol":   symbol,
			"orderId":  orderID,
		})
		if err != nil {
			return nil, e.WrapAPIError(err)
		}

		var data struct {
			List []bybitOrder `json:"list"`
		}
		if err := e.unwrap(body, &data); err != nil {
			return nil, err
		}
		if len(data.List) > 0 {
			return e.toOrderInfo(&data.List[0]), nil
		}
	}
	return nil, apperrors.ErrOrderNotFound
}

// GetOpenOrders lists the open orders for a symbol
func (e *BybitExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.OrderInfo, error) {
	body, err := e.Client.Get(ctx, "/v5/order/realtime", map[string]string{
		"category": category,
		"symbol":   symbol,
	})
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data struct {
		List []bybitOrder `json:"list"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	out := make([]*core.OrderInfo, 0, len(data.List))
	for i := range data.List {
		out = append(out, e.toOrderInfo(&data.List[i]))
	}
	return out, nil
}

// GetRecentOrders lists historical orders in a time window
func (e *BybitExchange) GetRecentOrders(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*core.OrderInfo, error) {
	params := map[string]string{
		"category": category,
		"symbol":   symbol,
	}
	if !start.IsZero() {
		params["startTime"] = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if !end.IsZero() {
		params["endTime"] = strconv.FormatInt(end.UnixMilli(), 10)
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := e.Client.Get(ctx, "/v5/order/history", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data struct {
		List []bybitOrder `json:"list"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	out := make([]*core.OrderInfo, 0, len(data.List))
	for i := range data.List {
		out = append(out, e.toOrderInfo(&data.List[i]))
	}
	return out, nil
}

// GetPositions returns the live positions for a symbol
func (e *BybitExchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	params := map[string]string{"category": category}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}

	body, err := e.Client.Get(ctx, "/v5/position/list", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Size        string `json:"size"`
			AvgPrice    string `json:"avgPrice"`
			MarkPrice   string `json:"markPrice"`
			PositionIdx int    `json:"positionIdx"`
			Leverage    string `json:"leverage"`
		} `json:"list"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	var out []*core.Position
	for _, p := range data.List {
		size := e.ParseDecimal(p.Size)
		if size.IsZero() {
			continue
		}

		positionSide := core.PositionSideBoth
		switch p.PositionIdx {
		case posIdxLong:
			positionSide = core.PositionSideLong
		case posIdxShort:
			positionSide = core.PositionSideShort
		}
		if p.Side == "Sell" {
			size = size.Neg()
		}
		leverage, _ := strconv.Atoi(p.Leverage)
		out = append(out, &core.Position{
			Symbol:       p.Symbol,
			Size:         size,
			EntryPrice:   e.ParseDecimal(p.AvgPrice),
			MarkPrice:    e.ParseDecimal(p.MarkPrice),
			PositionSide: positionSide,
			Leverage:     leverage,
		})
	}
	return out, nil
}

// SetLeverage sets the leverage for a symbol. The venue takes both legs
// in one call.
func (e *BybitExchange) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide core.PositionSide) error {
	body, err := e.Client.Post(ctx, "/v5/position/set-leverage", map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return e.WrapAPIError(err)
	}
	return e.unwrap(body, nil)
}

// GetPositionMode infers the account's mode from the position list. With
// no positions open the mode cannot be determined; the caller falls back
// to its default.
func (e *BybitExchange) GetPositionMode(ctx context.Context) (core.PositionMode, error) {
	body, err := e.Client.Get(ctx, "/v5/position/list", map[string]string{
		"category":   category,
		"settleCoin": "USDT",
	})
	if err != nil {
		return "", e.WrapAPIError(err)
	}

	var data struct {
		List []struct {
			PositionIdx int `json:"positionIdx"`
		} `json:"list"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return "", err
	}

	for _, p := range data.List {
		if p.PositionIdx == posIdxLong || p.PositionIdx == posIdxShort {
			return core.PositionModeHedge, nil
		}
		return core.PositionModeOneWay, nil
	}
	return "", fmt.Errorf("no positions to infer mode from")
}

// GetLatestPrice returns the current price for a symbol
func (e *BybitExchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := e.Client.Get(ctx, "/v5/market/tickers", map[string]string{
		"category": category,
		"symbol":   symbol,
	})
	if err != nil {
		return decimal.Zero, e.WrapAPIError(err)
	}

	var data struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return decimal.Zero, err
	}
	if len(data.List) == 0 {
		return decimal.Zero, apperrors.ErrInvalidSymbol
	}
	return e.ParseDecimal(data.List[0].LastPrice), nil
}

// GetIncomeHistory reads closed P&L rows
func (e *BybitExchange) GetIncomeHistory(ctx context.Context, symbol, incomeType string, limit int) ([]*core.Income, error) {
	params := map[string]string{"category": category}
	if symbol != "" {
		params["symbol"] = symbol
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := e.Client.Get(ctx, "/v5/position/closed-pnl", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data struct {
		List []struct {
			Symbol      string `json:"symbol"`
			ClosedPnl   string `json:"closedPnl"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	out := make([]*core.Income, 0, len(data.List))
	for _, row := range data.List {
		ms, _ := strconv.ParseInt(row.UpdatedTime, 10, 64)
		out = append(out, &core.Income{
			Symbol:     row.Symbol,
			IncomeType: incomeType,
			Income:     e.ParseDecimal(row.ClosedPnl),
			Time:       e.ParseTimestamp(ms),
		})
	}
	return out, nil
}

// GetBalance returns the available balance for an asset
func (e *BybitExchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	body, err := e.Client.Get(ctx, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
		"coin":        asset,
	})
	if err != nil {
		return decimal.Zero, e.WrapAPIError(err)
	}

	var data struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return decimal.Zero, err
	}

	for _, acct := range data.List {
		for _, coin := range acct.Coin {
			if coin.Coin == asset {
				if coin.AvailableToWithdraw != "" {
					return e.ParseDecimal(coin.AvailableToWithdraw), nil
				}
				return e.ParseDecimal(coin.WalletBalance), nil
			}
		}
	}
	return decimal.Zero, nil
}
