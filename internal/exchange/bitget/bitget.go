// Package bitget provides Bitget USDT-margined futures connectivity
package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"signal_relay/internal/core"
	"signal_relay/internal/exchange/base"
	apperrors "signal_relay/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL = "https://api.bitget.com"
	productType    = "USDT-FUTURES"
	marginCoin     = "USDT"

	settleDelay = 500 * time.Millisecond
)

// BitgetExchange implements IExchange for Bitget futures. The venue
// accepts preset stop-loss and take-profit prices on the entry order
// itself, so protection is attached atomically in one call.
type BitgetExchange struct {
	*base.BaseAdapter
	account *core.ExchangeAccount
}

// New creates a Bitget exchange instance bound to one account
func New(account *core.ExchangeAccount, baseURL string, logger core.ILogger) *BitgetExchange {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	e := &BitgetExchange{account: account}
	e.BaseAdapter = base.NewBaseAdapter("bitget", core.VenueBitget, account, baseURL, e, logger)
	e.BaseAdapter.ParseError = e.parseError
	e.BaseAdapter.MapOrderStatus = e.mapOrderStatus
	e.BaseAdapter.RefreshFilters = e.refreshFilters
	return e
}

// SignRequest signs with base64(HMAC-SHA256(timestamp + method + path + body))
func (e *BitgetExchange) SignRequest(req *http.Request, body []byte) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	payload := timestamp + req.Method + path + string(body)
	mac := hmac.New(sha256.New, []byte(e.account.SecretKey))
	mac.Write([]byte(payload))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("ACCESS-KEY", e.account.APIKey)
	req.Header.Set("ACCESS-SIGN", signature)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", e.account.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (e *BitgetExchange) parseError(body []byte) error {
	var errResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("bitget error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case "40006", "40037", "40012":
		return apperrors.ErrAuthenticationFailed
	case "43012", "40754":
		return apperrors.ErrInsufficientBalance
	case "429", "30007":
		return apperrors.ErrRateLimited
	case "40034", "40019":
		return apperrors.ErrInvalidSymbol
	case "43020", "43025":
		return apperrors.ErrOrderNotFound
	case "400172", "45115":
		return apperrors.ErrPositionModeMismatch
	case "45110", "43011":
		return apperrors.ErrQtyTooSmall
	}

	return fmt.Errorf("bitget error %s: %s", errResp.Code, errResp.Msg)
}

func (e *BitgetExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "live", "new":
		return core.OrderStatusNew
	case "partially_filled":
		return core.OrderStatusPartiallyFilled
	case "filled":
		return core.OrderStatusFilled
	case "canceled", "cancelled":
		return core.OrderStatusCanceled
	default:
		return core.OrderStatus(rawStatus)
	}
}

// unwrap decodes the {code,msg,data} envelope and surfaces venue errors
// that come back with HTTP 200
func (e *BitgetExchange) unwrap(body []byte, out interface{}) error {
	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to parse response envelope: %w", err)
	}
	if envelope.Code != "00000" {
		return e.parseError(body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func (e *BitgetExchange) refreshFilters(ctx context.Context) error {
	body, err := e.Client.Get(ctx, "/api/v2/mix/market/contracts", map[string]string{
		"productType": productType,
	})
	if err != nil {
		return e.WrapAPIError(err)
	}

	var contracts []struct {
		Symbol      string `json:"symbol"`
		PricePlace  string `json:"pricePlace"`
		VolumePlace string `json:"volumePlace"`
		MinTradeNum string `json:"minTradeNum"`
	}
	if err := e.unwrap(body, &contracts); err != nil {
		return err
	}

	for _, c := range contracts {
		pricePlace, _ := strconv.Atoi(c.PricePlace)
		volumePlace, _ := strconv.Atoi(c.VolumePlace)
		e.SetFilter(c.Symbol, &base.SymbolFilter{
			TickSize: decimal.New(1, int32(-pricePlace)),
			StepSize: decimal.New(1, int32(-volumePlace)),
			MinQty:   e.ParseDecimal(c.MinTradeNum),
		})
	}
	return nil
}

func (e *BitgetExchange) placeParams(req *core.OrderRequest) map[string]interface{} {
	params := map[string]interface{}{
		"symbol":      req.Symbol,
		"productType": productType,
		"marginCoin":  marginCoin,
		"marginMode":  "crossed",
		"orderType":   "market",
		"size":        req.Quantity.String(),
	}

	// Hedge accounts drive direction through tradeSide, one-way through side
	switch req.PositionSide {
	case core.PositionSideLong:
		params["side"] = "buy"
		if req.ReduceOnly || req.ClosePosition {
			params["side"] = "sell"
			params["tradeSide"] = "close"
		} else {
			params["tradeSide"] = "open"
		}
	case core.PositionSideShort:
		params["side"] = "sell"
		if req.ReduceOnly || req.ClosePosition {
			params["side"] = "buy"
			params["tradeSide"] = "close"
		} else {
			params["tradeSide"] = "open"
		}
	default:
		if req.Side == core.OrderSideBuy {
			params["side"] = "buy"
		} else {
			params["side"] = "sell"
		}
		if req.ReduceOnly {
			params["reduceOnly"] = "YES"
		}
	}

	return params
}

// PlaceOrder places a single order
func (e *BitgetExchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	body, err := e.Client.Post(ctx, "/api/v2/mix/order/place-order", e.placeParams(req))
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

// ExecuteOrderWithSlTp places one entry order carrying the preset stop
// loss and take profit. The whole request succeeds or fails as a unit;
// there is no partially protected state on this venue.
func (e *BitgetExchange) ExecuteOrderWithSlTp(ctx context.Context, req *core.EntryRequest) (*core.EntryResult, error) {
	params := e.placeParams(&core.OrderRequest{
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		PositionSide: req.PositionSide,
	})
	if !req.SlPrice.IsZero() {
		params["presetStopLossPrice"] = req.SlPrice.String()
	}
	if !req.TpPrice.IsZero() {
		params["presetStopSurplusPrice"] = req.TpPrice.String()
	}

	body, err := e.Client.Post(ctx, "/api/v2/mix/order/place-order", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data struct {
		OrderID string `json:"orderId"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	result := &core.EntryResult{
		OrderID:     data.OrderID,
		ExecutedQty: req.Quantity,
	}

	// Read back the fill price once the market order settles
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case <-time.After(settleDelay):
	}
	if info, err := e.GetOrder(ctx, req.Symbol, data.OrderID); err == nil {
		result.AvgPrice = info.AvgPrice
		if !info.ExecutedQty.IsZero() {
			result.ExecutedQty = info.ExecutedQty
		}
	}

	return result, nil
}

// CancelOrder cancels one order
func (e *BitgetExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body, err := e.Client.Post(ctx, "/api/v2/mix/order/cancel-order", map[string]interface{}{
		"symbol":      symbol,
		"productType": productType,
		"orderId":     orderID,
	})
	if err != nil {
		return e.WrapAPIError(err)
	}
	return e.unwrap(body, nil)
}

type bitgetOrder struct {
	OrderID      string `json:"orderId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Status       string `json:"status"`
	Price        string `json:"price"`
	TriggerPrice string `json:"triggerPrice"`
	PriceAvg     string `json:"priceAvg"`
	BaseVolume   string `json:"baseVolume"`
	UpdatedTime  string `json:"uTime"`
}

func (e *BitgetExchange) toOrderInfo(order *bitgetOrder) *core.OrderInfo {
	side := core.OrderSideBuy
	if order.Side == "sell" {
		side = core.OrderSideSell
	}

	updatedMs, _ := strconv.ParseInt(order.UpdatedTime, 10, 64)
	return &core.OrderInfo{
		OrderID:     order.OrderID,
		Symbol:      order.Symbol,
		Side:        side,
		Status:      e.mapOrderStatus(order.Status),
		Price:       e.ParseDecimal(order.Price),
		StopPrice:   e.ParseDecimal(order.TriggerPrice),
		AvgPrice:    e.ParseDecimal(order.PriceAvg),
		ExecutedQty: e.ParseDecimal(order.BaseVolume),
		UpdatedAt:   e.ParseTimestamp(updatedMs),
	}
}

// GetOrder fetches one order by ID
func (e *BitgetExchange) GetOrder(ctx context.Context, symbol, orderID string) (*core.OrderInfo, error) {
	body, err := e.Client.Get(ctx, "/api/v2/mix/order/detail", map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"orderId":     orderID,
	})
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var order bitgetOrder
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}
	return e.toOrderInfo(&order), nil
}

// GetOpenOrders lists pending orders for a symbol
func (e *BitgetExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.OrderInfo, error) {
	body, err := e.Client.Get(ctx, "/api/v2/mix/order/orders-pending", map[string]string{
		"symbol":      symbol,
		"productType": productType,
	})
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data struct {
		EntrustedList []bitgetOrder `json:"entrustedList"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	out := make([]*core.OrderInfo, 0, len(data.EntrustedList))
	for i := range data.EntrustedList {
		out = append(out, e.toOrderInfo(&data.EntrustedList[i]))
	}
	return out, nil
}

// GetRecentOrders lists historical orders in a time window
func (e *BitgetExchange) GetRecentOrders(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*core.OrderInfo, error) {
	if end.IsZero() {
		end = time.Now()
	}
	params := map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"endTime":     strconv.FormatInt(end.UnixMilli(), 10),
	}
	if !start.IsZero() {
		params["startTime"] = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := e.Client.Get(ctx, "/api/v2/mix/order/orders-history", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data struct {
		EntrustedList []bitgetOrder `json:"entrustedList"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	out := make([]*core.OrderInfo, 0, len(data.EntrustedList))
	for i := range data.EntrustedList {
		out = append(out, e.toOrderInfo(&data.EntrustedList[i]))
	}
	return out, nil
}

// GetPositions returns the live positions for a symbol
func (e *BitgetExchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	body, err := e.Client.Get(ctx, "/api/v2/mix/position/all-position", map[string]string{
		"productType": productType,
		"marginCoin":  marginCoin,
	})
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data []struct {
		Symbol       string `json:"symbol"`
		HoldSide     string `json:"holdSide"`
		Total        string `json:"total"`
		OpenPriceAvg string `json:"openPriceAvg"`
		MarkPrice    string `json:"markPrice"`
		Leverage     string `json:"leverage"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	var out []*core.Position
	for _, p := range data {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		size := e.ParseDecimal(p.Total)
		if size.IsZero() {
			continue
		}

		positionSide := core.PositionSideLong
		if p.HoldSide == "short" {
			positionSide = core.PositionSideShort
			size = size.Neg()
		}
		leverage, _ := strconv.Atoi(p.Leverage)
		out = append(out, &core.Position{
			Symbol:       p.Symbol,
			Size:         size,
			EntryPrice:   e.ParseDecimal(p.OpenPriceAvg),
			MarkPrice:    e.ParseDecimal(p.MarkPrice),
			PositionSide: positionSide,
			Leverage:     leverage,
		})
	}
	return out, nil
}

// SetLeverage sets the leverage for a symbol
func (e *BitgetExchange) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide core.PositionSide) error {
	params := map[string]interface{}{
		"symbol":      symbol,
		"productType": productType,
		"marginCoin":  marginCoin,
		"leverage":    strconv.Itoa(leverage),
	}
	switch positionSide {
	case core.PositionSideLong:
		params["holdSide"] = "long"
	case core.PositionSideShort:
		params["holdSide"] = "short"
	}

	body, err := e.Client.Post(ctx, "/api/v2/mix/account/set-leverage", params)
	if err != nil {
		return e.WrapAPIError(err)
	}
	return e.unwrap(body, nil)
}

// GetPositionMode reports the account's position mode
func (e *BitgetExchange) GetPositionMode(ctx context.Context) (core.PositionMode, error) {
	body, err := e.Client.Get(ctx, "/api/v2/mix/account/account", map[string]string{
		"symbol":      "BTCUSDT",
		"productType": productType,
		"marginCoin":  marginCoin,
	})
	if err != nil {
		return "", e.WrapAPIError(err)
	}

	var data struct {
		PosMode string `json:"posMode"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return "", err
	}

	if data.PosMode == "one_way_mode" {
		return core.PositionModeOneWay, nil
	}
	return core.PositionModeHedge, nil
}

// GetLatestPrice returns the current price for a symbol
func (e *BitgetExchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := e.Client.Get(ctx, "/api/v2/mix/market/ticker", map[string]string{
		"symbol":      symbol,
		"productType": productType,
	})
	if err != nil {
		return decimal.Zero, e.WrapAPIError(err)
	}

	var data []struct {
		LastPr string `json:"lastPr"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return decimal.Zero, err
	}
	if len(data) == 0 {
		return decimal.Zero, apperrors.ErrInvalidSymbol
	}
	return e.ParseDecimal(data[0].LastPr), nil
}

// GetIncomeHistory reads realized P&L rows from the account bill
func (e *BitgetExchange) GetIncomeHistory(ctx context.Context, symbol, incomeType string, limit int) ([]*core.Income, error) {
	params := map[string]string{
		"productType": productType,
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := e.Client.Get(ctx, "/api/v2/mix/account/bill", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data struct {
		Bills []struct {
			Symbol       string `json:"symbol"`
			BusinessType string `json:"businessType"`
			Amount       string `json:"amount"`
			CTime        string `json:"cTime"`
		} `json:"bills"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	var out []*core.Income
	for _, bill := range data.Bills {
		if symbol != "" && bill.Symbol != symbol {
			continue
		}
		if incomeType != "" && bill.BusinessType != "close_long" && bill.BusinessType != "close_short" {
			continue
		}
		ms, _ := strconv.ParseInt(bill.CTime, 10, 64)
		out = append(out, &core.Income{
			Symbol:     bill.Symbol,
			IncomeType: incomeType,
			Income:     e.ParseDecimal(bill.Amount),
			Time:       e.ParseTimestamp(ms),
		})
	}
	return out, nil
}

// GetBalance returns the available balance for an asset
func (e *BitgetExchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	body, err := e.Client.Get(ctx, "/api/v2/mix/account/accounts", map[string]string{
		"productType": productType,
	})
	if err != nil {
		return decimal.Zero, e.WrapAPIError(err)
	}

	var data []struct {
		MarginCoin string `json:"marginCoin"`
		Available  string `json:"available"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return decimal.Zero, err
	}

	for _, acct := range data {
		if acct.MarginCoin == asset {
			return e.ParseDecimal(acct.Available), nil
		}
	}
	return decimal.Zero, nil
}
