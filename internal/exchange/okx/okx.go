// Package okx provides OKX perpetual swap connectivity
package okx

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
	"signal_relay/pkg/retry"

	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL = "https://www.okx.com"

	settleDelay = 500 * time.Millisecond
)

// OKXExchange implements IExchange for OKX swaps. Protective orders are
// separate algo orders; in hedge mode they carry the position's own
// posSide and must not set reduceOnly, which the venue rejects there.
type OKXExchange struct {
	*base.BaseAdapter
	account *core.ExchangeAccount
}

// New creates an OKX exchange instance bound to one account
func New(account *core.ExchangeAccount, baseURL string, logger core.ILogger) *OKXExchange {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	e := &OKXExchange{account: account}
	e.BaseAdapter = base.NewBaseAdapter("okx", core.VenueOKX, account, baseURL, e, logger)
	e.BaseAdapter.ParseError = e.parseError
	e.BaseAdapter.MapOrderStatus = e.mapOrderStatus
	e.BaseAdapter.RefreshFilters = e.refreshFilters
	return e
}

// SignRequest signs with base64(HMAC-SHA256(iso_timestamp + method + path + body))
// and attaches the passphrase header the venue requires
func (e *OKXExchange) SignRequest(req *http.Request, body []byte) error {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	payload := timestamp + req.Method + path + string(body)
	mac := hmac.New(sha256.New, []byte(e.account.SecretKey))
	mac.Write([]byte(payload))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("OK-ACCESS-KEY", e.account.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", e.account.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	if e.account.IsTestnet {
		req.Header.Set("x-simulated-trading", "1")
	}
	return nil
}

func (e *OKXExchange) parseError(body []byte) error {
	var errResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("okx error (unmarshal failed): %s", string(body))
	}

	code := errResp.Code
	msg := errResp.Msg
	if len(errResp.Data) > 0 && errResp.Data[0].SCode != "" && errResp.Data[0].SCode != "0" {
		code = errResp.Data[0].SCode
		msg = errResp.Data[0].SMsg
	}

	switch code {
	case "50111", "50113", "50105":
		return apperrors.ErrAuthenticationFailed
	case "51008", "59200":
		return apperrors.ErrInsufficientBalance
	case "50011", "50013":
		return apperrors.ErrRateLimited
	case "51001", "51000":
		return apperrors.ErrInvalidSymbol
	case "51603", "51503":
		return apperrors.ErrOrderNotFound
	case "51010", "51023":
		return apperrors.ErrPositionModeMismatch
	case "51120", "51121":
		return apperrors.ErrQtyTooSmall
	}

	return fmt.Errorf("okx error %s: %s", code, msg)
}

func (e *OKXExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "live", "effective":
		return core.OrderStatusNew
	case "partially_filled":
		return core.OrderStatusPartiallyFilled
	case "filled":
		return core.OrderStatusFilled
	case "canceled":
		return core.OrderStatusCanceled
	case "order_failed":
		return core.OrderStatusRejected
	default:
		return core.OrderStatus(rawStatus)
	}
}

func (e *OKXExchange) unwrap(body []byte, out interface{}) error {
	var envelope struct {
		Code string          `json:"code"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to parse response envelope: %w", err)
	}
	if envelope.Code != "0" {
		return e.parseError(body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func (e *OKXExchange) refreshFilters(ctx context.Context) error {
	body, err := e.Client.Get(ctx, "/api/v5/public/instruments", map[string]string{
		"instType": "SWAP",
	})
	if err != nil {
		return e.WrapAPIError(err)
	}

	var instruments []struct {
		InstID string `json:"instId"`
		TickSz string `json:"tickSz"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
	}
	if err := e.unwrap(body, &instruments); err != nil {
		return err
	}

	for _, inst := range instruments {
		e.SetFilter(inst.InstID, &base.SymbolFilter{
			TickSize: e.ParseDecimal(inst.TickSz),
			StepSize: e.ParseDecimal(inst.LotSz),
			MinQty:   e.ParseDecimal(inst.MinSz),
		})
	}
	return nil
}

func sideString(side core.OrderSide) string {
	if side == core.OrderSideBuy {
		return "buy"
	}
	return "sell"
}

func posSideString(ps core.PositionSide) string {
	switch ps {
	case core.PositionSideLong:
		return "long"
	case core.PositionSideShort:
		return "short"
	default:
		return "net"
	}
}

// PlaceOrder places a single order. Protective order types go through
// the algo endpoint, everything else through the regular one.
func (e *OKXExchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	if req.Type == core.OrderTypeStopMarket || req.Type == core.OrderTypeTakeProfit {
		return e.placeAlgo(ctx, req)
	}

	params := map[string]interface{}{
		"instId":  req.Symbol,
		"tdMode":  "cross",
		"side":    sideString(req.Side),
		"ordType": "market",
		"sz":      req.Quantity.String(),
	}
	if req.PositionSide != "" && req.PositionSide != core.PositionSideBoth {
		params["posSide"] = posSideString(req.PositionSide)
	} else if req.ReduceOnly {
		// reduceOnly is only valid in net mode on this venue
		params["reduceOnly"] = true
	}

	body, err := e.Client.Post(ctx, "/api/v5/trade/order", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx returned empty order response")
	}
	if data[0].SCode != "" && data[0].SCode != "0" {
		return nil, e.parseError(body)
	}

	return &core.OrderResult{
		OrderID:     data[0].OrdID,
		ExecutedQty: req.Quantity,
		Status:      core.OrderStatusNew,
	}, nil
}

func (e *OKXExchange) placeAlgo(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	params := map[string]interface{}{
		"instId":  req.Symbol,
		"tdMode":  "cross",
		"side":    sideString(req.Side),
		"ordType": "conditional",
		"sz":      req.Quantity.String(),
	}
	// In hedge mode the protective order names the position it guards;
	// reduceOnly must stay unset or the venue rejects the order
	if req.PositionSide != "" && req.PositionSide != core.PositionSideBoth {
		params["posSide"] = posSideString(req.PositionSide)
	} else if req.ReduceOnly {
		params["reduceOnly"] = true
	}

	trigger := req.StopPrice.String()
	if req.Type == core.OrderTypeStopMarket {
		params["slTriggerPx"] = trigger
		params["slOrdPx"] = "-1" // market execution on trigger
	} else {
		params["tpTriggerPx"] = trigger
		params["tpOrdPx"] = "-1"
	}

	body, err := e.Client.Post(ctx, "/api/v5/trade/order-algo", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data []struct {
		AlgoID string `json:"algoId"`
		SCode  string `json:"sCode"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx returned empty algo response")
	}
	if data[0].SCode != "" && data[0].SCode != "0" {
		return nil, e.parseError(body)
	}

	return &core.OrderResult{
		OrderID: data[0].AlgoID,
		Status:  core.OrderStatusNew,
	}, nil
}

// ExecuteOrderWithSlTp places a market entry, then attaches the stop
// loss and take profit as separate conditional algo orders. Leg failures
// are reported on the result, never rolled back.
func (e *OKXExchange) ExecuteOrderWithSlTp(ctx context.Context, req *core.EntryRequest) (*core.EntryResult, error) {
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
			Symbol:       req.Symbol,
			Side:         exitSide,
			Type:         core.OrderTypeStopMarket,
			Quantity:     result.ExecutedQty,
			StopPrice:    req.SlPrice,
			PositionSide: req.PositionSide,
		})
	}
	if !req.TpPrice.IsZero() {
		result.TpOrderID, result.TpError = e.placeProtective(ctx, &core.OrderRequest{
			Symbol:       req.Symbol,
			Side:         exitSide,
			Type:         core.OrderTypeTakeProfit,
			Quantity:     result.ExecutedQty,
			StopPrice:    req.TpPrice,
			PositionSide: req.PositionSide,
		})
	}

	return result, nil
}

func (e *OKXExchange) placeProtective(ctx context.Context, req *core.OrderRequest) (string, error) {
	var orderID string
	err := retry.Do(ctx, retry.ProtectiveOrderPolicy, apperrors.IsRetryable, func() error {
		result, err := e.placeAlgo(ctx, req)
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

// CancelOrder cancels an order, falling back to the algo endpoint for
// protective legs.
func (e *OKXExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body, err := e.Client.Post(ctx, "/api/v5/trade/cancel-order", map[string]interface{}{
		"instId": symbol,
		"ordId":  orderID,
	})
	if err == nil {
		if unwrapErr := e.unwrap(body, nil); unwrapErr == nil {
			return nil
		}
	}

	body, err = e.Client.Post(ctx, "/api/v5/trade/cancel-algos", []map[string]interface{}{
		{"instId": symbol, "algoId": orderID},
	})
	if err != nil {
		return e.WrapAPIError(err)
	}
	return e.unwrap(body, nil)
}

type okxOrder struct {
	OrdID       string `json:"ordId"`
	AlgoID      string `json:"algoId"`
	InstID      string `json:"instId"`
	Side        string `json:"side"`
	OrdType     string `json:"ordType"`
	State       string `json:"state"`
	Px          string `json:"px"`
	SlTriggerPx string `json:"slTriggerPx"`
	TpTriggerPx string `json:"tpTriggerPx"`
	AvgPx       string `json:"avgPx"`
	AccFillSz   string `json:"accFillSz"`
	UTime       string `json:"uTime"`
}

func (e *OKXExchange) toOrderInfo(order *okxOrder) *core.OrderInfo {
	orderID := order.OrdID
	orderType := core.OrderTypeMarket
	stopPrice := decimal.Zero
	if order.AlgoID != "" {
		orderID = order.AlgoID
		if order.SlTriggerPx != "" {
			orderType = core.OrderTypeStopMarket
			stopPrice = e.ParseDecimal(order.SlTriggerPx)
		} else {
			orderType = core.OrderTypeTakeProfit
			stopPrice = e.ParseDecimal(order.TpTriggerPx)
		}
	}

	side := core.OrderSideBuy
	if order.Side == "sell" {
		side = core.OrderSideSell
	}

	updatedMs, _ := strconv.ParseInt(order.UTime, 10, 64)
	return &core.OrderInfo{
		OrderID:     orderID,
		Symbol:      order.InstID,
		Side:        side,
		Type:        orderType,
		Status:      e.mapOrderStatus(order.State),
		Price:       e.ParseDecimal(order.Px),
		StopPrice:   stopPrice,
		AvgPrice:    e.ParseDecimal(order.AvgPx),
		ExecutedQty: e.ParseDecimal(order.AccFillSz),
		UpdatedAt:   e.ParseTimestamp(updatedMs),
	}
}

// GetOrder fetches one order by ID
func (e *OKXExchange) GetOrder(ctx context.Context, symbol, orderID string) (*core.OrderInfo, error) {
	body, err := e.Client.Get(ctx, "/api/v5/trade/order", map[string]string{
		"instId": symbol,
		"ordId":  orderID,
	})
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var orders []okxOrder
	if err := e.unwrap(body, &orders); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, apperrors.ErrOrderNotFound
	}
	return e.toOrderInfo(&orders[0]), nil
}

// GetOpenOrders lists live orders plus pending protective algo orders
func (e *OKXExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.OrderInfo, error) {
	body, err := e.Client.Get(ctx, "/api/v5/trade/orders-pending", map[string]string{
		"instType": "SWAP",
		"instId":   symbol,
	})
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var orders []okxOrder
	if err := e.unwrap(body, &orders); err != nil {
		return nil, err
	}

	out := make([]*core.OrderInfo, 0, len(orders))
	for i := range orders {
		out = append(out, e.toOrderInfo(&orders[i]))
	}

	body, err = e.Client.Get(ctx, "/api/v5/trade/orders-algo-pending", map[string]string{
		"ordType": "conditional",
		"instId":  symbol,
	})
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var algos []okxOrder
	if err := e.unwrap(body, &algos); err != nil {
		return nil, err
	}
	for i := range algos {
		out = append(out, e.toOrderInfo(&algos[i]))
	}

	return out, nil
}

// GetRecentOrders lists finished orders, including triggered algo orders
func (e *OKXExchange) GetRecentOrders(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*core.OrderInfo, error) {
	params := map[string]string{
		"instType": "SWAP",
		"instId":   symbol,
	}
	if !start.IsZero() {
		params["begin"] = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if !end.IsZero() {
		params["end"] = strconv.FormatInt(end.UnixMilli(), 10)
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := e.Client.Get(ctx, "/api/v5/trade/orders-history", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var orders []okxOrder
	if err := e.unwrap(body, &orders); err != nil {
		return nil, err
	}

	out := make([]*core.OrderInfo, 0, len(orders))
	for i := range orders {
		out = append(out, e.toOrderInfo(&orders[i]))
	}

	body, err = e.Client.Get(ctx, "/api/v5/trade/orders-algo-history", map[string]string{
		"ordType": "conditional",
		"instId":  symbol,
	})
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var algos []okxOrder
	if err := e.unwrap(body, &algos); err != nil {
		return nil, err
	}
	for i := range algos {
		out = append(out, e.toOrderInfo(&algos[i]))
	}

	return out, nil
}

// GetPositions returns the live positions for a symbol
func (e *OKXExchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	params := map[string]string{"instType": "SWAP"}
	if symbol != "" {
		params["instId"] = symbol
	}

	body, err := e.Client.Get(ctx, "/api/v5/account/positions", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Lever   string `json:"lever"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	var out []*core.Position
	for _, p := range data {
		size := e.ParseDecimal(p.Pos)
		if size.IsZero() {
			continue
		}

		positionSide := core.PositionSideBoth
		switch p.PosSide {
		case "long":
			positionSide = core.PositionSideLong
		case "short":
			positionSide = core.PositionSideShort
			size = size.Neg()
		}
		leverage, _ := strconv.Atoi(p.Lever)
		out = append(out, &core.Position{
			Symbol:       p.InstID,
			Size:         size,
			EntryPrice:   e.ParseDecimal(p.AvgPx),
			MarkPrice:    e.ParseDecimal(p.MarkPx),
			PositionSide: positionSide,
			Leverage:     leverage,
		})
	}
	return out, nil
}

// SetLeverage sets the leverage for a symbol
func (e *OKXExchange) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide core.PositionSide) error {
	params := map[string]interface{}{
		"instId":  symbol,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	}
	if positionSide == core.PositionSideLong || positionSide == core.PositionSideShort {
		params["posSide"] = posSideString(positionSide)
	}

	body, err := e.Client.Post(ctx, "/api/v5/account/set-leverage", params)
	if err != nil {
		return e.WrapAPIError(err)
	}
	return e.unwrap(body, nil)
}

// GetPositionMode reports the account's position mode
func (e *OKXExchange) GetPositionMode(ctx context.Context) (core.PositionMode, error) {
	body, err := e.Client.Get(ctx, "/api/v5/account/config", nil)
	if err != nil {
		return "", e.WrapAPIError(err)
	}

	var data []struct {
		PosMode string `json:"posMode"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("okx returned empty account config")
	}

	if data[0].PosMode == "net_mode" {
		return core.PositionModeOneWay, nil
	}
	return core.PositionModeHedge, nil
}

// GetLatestPrice returns the current price for a symbol
func (e *OKXExchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := e.Client.Get(ctx, "/api/v5/market/ticker", map[string]string{"instId": symbol})
	if err != nil {
		return decimal.Zero, e.WrapAPIError(err)
	}

	var data []struct {
		Last string `json:"last"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return decimal.Zero, err
	}
	if len(data) == 0 {
		return decimal.Zero, apperrors.ErrInvalidSymbol
	}
	return e.ParseDecimal(data[0].Last), nil
}

// GetIncomeHistory reads realized P&L rows from the account bills
func (e *OKXExchange) GetIncomeHistory(ctx context.Context, symbol, incomeType string, limit int) ([]*core.Income, error) {
	params := map[string]string{
		"instType": "SWAP",
		// bill type 2 covers trade P&L entries
		"type": "2",
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := e.Client.Get(ctx, "/api/v5/account/bills", params)
	if err != nil {
		return nil, e.WrapAPIError(err)
	}

	var data []struct {
		InstID string `json:"instId"`
		Pnl    string `json:"pnl"`
		Ts     string `json:"ts"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	var out []*core.Income
	for _, row := range data {
		if symbol != "" && row.InstID != symbol {
			continue
		}
		pnl := e.ParseDecimal(row.Pnl)
		if pnl.IsZero() {
			continue
		}
		ms, _ := strconv.ParseInt(row.Ts, 10, 64)
		out = append(out, &core.Income{
			Symbol:     row.InstID,
			IncomeType: incomeType,
			Income:     pnl,
			Time:       e.ParseTimestamp(ms),
		})
	}
	return out, nil
}

// GetBalance returns the available balance for an asset
func (e *OKXExchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	body, err := e.Client.Get(ctx, "/api/v5/account/balance", map[string]string{"ccy": asset})
	if err != nil {
		return decimal.Zero, e.WrapAPIError(err)
	}

	var data []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return decimal.Zero, err
	}

	for _, acct := range data {
		for _, detail := range acct.Details {
			if detail.Ccy == asset {
				return e.ParseDecimal(detail.AvailBal), nil
			}
		}
	}
	return decimal.Zero, nil
}
