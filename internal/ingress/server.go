// Package ingress terminates inbound webhooks and the client order API.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"signal_relay/internal/broadcast"
	"signal_relay/internal/cache"
	"signal_relay/internal/config"
	"signal_relay/internal/core"
	"signal_relay/internal/execution"
	apperrors "signal_relay/pkg/errors"
	"signal_relay/pkg/retry"
	"signal_relay/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const maxBodyBytes = 1 << 20

// Broadcaster dispatches a signal to a bot's subscriptions
type Broadcaster interface {
	Broadcast(ctx context.Context, req *broadcast.Request) (*core.Signal, error)
}

// Server is the HTTP ingress: per-tenant webhook endpoints plus the
// protective-order move API. Responses to webhook callers are always
// HTTP 200; failures ride in the body so the upstream does not
// auto-disable the webhook.
type Server struct {
	store       core.IStore
	broadcaster Broadcaster
	executor    broadcast.Executor
	exchanges   execution.ExchangeProvider
	idem        *cache.IdempotencyCache
	notifier    core.INotifier
	logger      core.ILogger
	metrics     *telemetry.MetricsHolder

	tolerance   time.Duration
	retryDelays []time.Duration

	srv *http.Server
	now func() time.Time
}

// NewServer wires the ingress
func NewServer(
	store core.IStore,
	broadcaster Broadcaster,
	executor broadcast.Executor,
	exchanges execution.ExchangeProvider,
	notifier core.INotifier,
	cfg config.EngineConfig,
	logger core.ILogger,
) *Server {
	delays := make([]time.Duration, 0, len(cfg.WebhookRetryDelaysSec))
	for _, sec := range cfg.WebhookRetryDelaysSec {
		delays = append(delays, time.Duration(sec)*time.Second)
	}
	if cfg.WebhookMaxRetries >= 0 && len(delays) > cfg.WebhookMaxRetries {
		delays = delays[:cfg.WebhookMaxRetries]
	}

	return &Server{
		store:       store,
		broadcaster: broadcaster,
		executor:    executor,
		exchanges:   exchanges,
		idem:        cache.NewIdempotencyCache(time.Duration(cfg.IdempotencyTTLSec) * time.Second),
		notifier:    notifier,
		logger:      logger.WithField("component", "ingress"),
		metrics:     telemetry.GetGlobalMetrics(),
		tolerance:   time.Duration(cfg.SignatureToleranceSec) * time.Second,
		retryDelays: delays,
		now:         time.Now,
	}
}

// Handler returns the ingress routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/", s.handleWebhook)
	mux.HandleFunc("/api/positions/protective", s.handleProtectiveMove)
	return mux
}

// Start serves the ingress on the given port
func (s *Server) Start(port int) {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}

	go func() {
		s.logger.Info("starting ingress server", "port", port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ingress server failed", "error", err)
		}
	}()
}

// Stop shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// IdempotencyCache exposes the cache so the scheduler can sweep it
func (s *Server) IdempotencyCache() *cache.IdempotencyCache { return s.idem }

type webhookResponse struct {
	Success              bool   `json:"success"`
	SignalID             string `json:"signal_id,omitempty"`
	TotalSubscribers     int    `json:"total_subscribers"`
	SuccessfulExecutions int    `json:"successful_executions"`
	FailedExecutions     int    `json:"failed_executions"`
	Message              string `json:"message,omitempty"`
	Error                string `json:"error,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, webhookResponse{Success: false, Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, webhookResponse{Success: false, Error: "failed to read body"})
		return
	}

	ctx := r.Context()
	path := strings.TrimPrefix(r.URL.Path, "/webhook/")

	wh, err := s.store.GetWebhookByPath(ctx, path)
	if err != nil {
		s.logger.Error("webhook lookup failed", "path", path, "error", err)
		s.writeJSON(w, webhookResponse{Success: false, Error: "internal error"})
		return
	}
	if wh == nil || !wh.IsActive {
		s.writeJSON(w, webhookResponse{Success: false, Error: apperrors.ErrWebhookInactive.Error()})
		return
	}

	payload, err := ParsePayload(body)
	if err != nil {
		s.logger.Warn("webhook payload rejected", "webhook_id", wh.ID, "error", err)
		s.writeJSON(w, webhookResponse{Success: false, Error: err.Error()})
		return
	}

	if !wh.IsPublic {
		if err := s.verify(r, wh, body, payload); err != nil {
			s.logger.Warn("webhook signature rejected",
				"webhook_id", wh.ID, "source_ip", sourceIP(r), "error", err)
			// Replay rejections report as signature failures; the
			// timestamp check lives inside the HMAC path
			s.writeJSON(w, webhookResponse{Success: false, Error: apperrors.ErrSignatureInvalid.Error()})
			return
		}
	}

	resp := s.process(ctx, wh, payload, sourceIP(r))
	s.writeJSON(w, resp)
}

// verify runs the HMAC path: replay window first, then the signature
// over the canonical payload.
func (s *Server) verify(r *http.Request, wh *core.Webhook, body []byte, payload *SignalPayload) error {
	ts := payload.Timestamp
	if h := r.Header.Get("X-Timestamp"); h != "" {
		if parsed := parseUnixTimestamp(h); !parsed.IsZero() {
			ts = parsed
		}
	}
	if !ts.IsZero() {
		if err := CheckTimestamp(ts, s.now(), s.tolerance); err != nil {
			return err
		}
	}

	canonical, err := CanonicalJSON(body)
	if err != nil {
		return fmt.Errorf("payload not canonicalizable: %w", err)
	}

	provided := r.Header.Get("X-Signature")
	if provided == "" {
		provided = r.Header.Get("X-Webhook-Signature")
	}
	if provided == "" {
		provided = r.Header.Get("X-TradingView-Signature")
	}
	return VerifySignature(wh.Secret, canonical, provided)
}

// process runs the delivery lifecycle: create the row, dispatch with the
// retry ladder, record the outcome, and auto-pause on a long error streak.
func (s *Server) process(ctx context.Context, wh *core.Webhook, payload *SignalPayload, sourceIP string) webhookResponse {
	start := s.now()

	delivery := &core.WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: wh.ID,
		Status:    "processing",
		CreatedAt: start,
	}
	if err := s.store.CreateDelivery(ctx, delivery); err != nil {
		s.logger.Error("failed to create delivery", "webhook_id", wh.ID, "error", err)
		return webhookResponse{Success: false, Error: "internal error"}
	}

	var resp webhookResponse
	err := retry.DoFixed(ctx, s.retryDelays, s.retryableDelivery, func() error {
		delivery.Attempts++
		if delivery.Attempts > 1 {
			delivery.Status = "retrying"
			if uerr := s.store.UpdateDelivery(ctx, delivery); uerr != nil {
				s.logger.Error("failed to mark delivery retrying", "delivery_id", delivery.ID, "error", uerr)
			}
			delivery.Status = "processing"
		}

		var dispatchErr error
		resp, dispatchErr = s.dispatch(ctx, wh, payload, sourceIP)
		return dispatchErr
	})

	success := err == nil
	var dirErr *broadcast.DirectionError
	if errors.As(err, &dirErr) {
		// The bot declined the signal; the delivery itself worked
		success = true
		err = nil
		resp = webhookResponse{Success: false, Message: dirErr.Error()}
	} else if err != nil {
		resp = webhookResponse{Success: false, Error: err.Error()}
	}

	delivery.Status = "failed"
	if success {
		delivery.Status = "success"
	} else {
		delivery.ErrorMessage = err.Error()
	}
	delivery.OrdersCreated = resp.TotalSubscribers
	delivery.OrdersExecuted = resp.SuccessfulExecutions
	delivery.OrdersFailed = resp.FailedExecutions
	delivery.ProcessingTimeMs = s.now().Sub(start).Milliseconds()
	if uerr := s.store.UpdateDelivery(ctx, delivery); uerr != nil {
		s.logger.Error("failed to finalize delivery", "delivery_id", delivery.ID, "error", uerr)
	}

	s.recordOutcome(ctx, wh, success)
	return resp
}

func (s *Server) retryableDelivery(err error) bool {
	var dirErr *broadcast.DirectionError
	if errors.As(err, &dirErr) {
		return false
	}
	return true
}

func (s *Server) recordOutcome(ctx context.Context, wh *core.Webhook, success bool) {
	streak, err := s.store.RecordWebhookOutcome(ctx, wh.ID, success)
	if err != nil {
		s.logger.Error("failed to record webhook outcome", "webhook_id", wh.ID, "error", err)
		return
	}
	if success {
		return
	}

	if s.metrics.WebhookDeliveryErrors != nil {
		s.metrics.WebhookDeliveryErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("webhook", wh.URLPath)))
	}

	if streak >= wh.ErrorThreshold {
		if err := s.store.PauseWebhook(ctx, wh.ID); err != nil {
			s.logger.Error("failed to pause webhook", "webhook_id", wh.ID, "error", err)
			return
		}
		s.logger.Warn("webhook auto-paused after consecutive errors",
			"webhook_id", wh.ID, "streak", streak, "threshold", wh.ErrorThreshold)
		if s.notifier != nil {
			s.notifier.Notify(ctx, &core.Notification{
				UserID:   wh.UserID,
				Type:     "warning",
				Category: "webhook",
				Title:    "Webhook paused",
				Message:  fmt.Sprintf("Webhook %s was paused after %d consecutive errors", wh.URLPath, streak),
				Metadata: map[string]string{"webhook_id": wh.ID},
			})
		}
	}
}

// dispatch routes a normalized payload down the bot broadcast flow or
// the single-account flow, depending on how the webhook is configured.
func (s *Server) dispatch(ctx context.Context, wh *core.Webhook, payload *SignalPayload, sourceIP string) (webhookResponse, error) {
	if wh.BotID != "" {
		sig, err := s.broadcaster.Broadcast(ctx, &broadcast.Request{
			BotID:      wh.BotID,
			Ticker:     payload.Ticker,
			Action:     payload.Action,
			Price:      payload.Price,
			SourceIP:   sourceIP,
			RawPayload: payload.Raw,
		})
		if err != nil {
			return webhookResponse{}, err
		}
		return webhookResponse{
			Success:              true,
			SignalID:             sig.ID,
			TotalSubscribers:     sig.TotalSubscribers,
			SuccessfulExecutions: sig.SuccessfulExecutions,
			FailedExecutions:     sig.FailedExecutions,
		}, nil
	}

	return s.dispatchSingleAccount(ctx, wh, payload, sourceIP)
}

// dispatchSingleAccount executes a TradingView-only webhook against its
// configured account, with the webhook's own trading parameters standing
// in for a bot.
func (s *Server) dispatchSingleAccount(ctx context.Context, wh *core.Webhook, payload *SignalPayload, sourceIP string) (webhookResponse, error) {
	account, err := s.store.GetAccount(ctx, wh.ExchangeAccountID)
	if err != nil {
		return webhookResponse{}, fmt.Errorf("failed to load account: %w", err)
	}

	sc := &core.SubscriptionContext{
		Bot: &core.Bot{
			ID:                "webhook:" + wh.ID,
			Name:              "webhook " + wh.URLPath,
			Leverage:          wh.Leverage,
			MarginUSD:         wh.MarginUSD,
			StopLossPct:       wh.StopLossPct,
			TakeProfitPct:     wh.TakeProfitPct,
			MarketType:        wh.MarketType,
			AllowedDirections: core.DirectionsBoth,
			IsActive:          true,
		},
		Subscription: &core.Subscription{
			ID:                "webhook:" + wh.ID,
			UserID:            wh.UserID,
			ExchangeAccountID: account.ID,
		},
		Account: account,
	}

	sig := &core.Signal{
		ID:         uuid.NewString(),
		BotID:      sc.Bot.ID,
		Ticker:     payload.Ticker,
		Action:     payload.Action,
		Price:      payload.Price,
		SourceIP:   sourceIP,
		RawPayload: payload.Raw,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateSignal(ctx, sig); err != nil {
		return webhookResponse{}, fmt.Errorf("failed to record signal: %w", err)
	}

	exec := s.executor.Execute(ctx, sc, sig)

	sig.TotalSubscribers = 1
	switch exec.Status {
	case core.ExecutionSuccess:
		sig.SuccessfulExecutions = 1
	case core.ExecutionFailed:
		sig.FailedExecutions = 1
	}
	sig.CompletedAt = s.now()
	sig.BroadcastDurationMs = sig.CompletedAt.Sub(sig.CreatedAt).Milliseconds()
	if err := s.store.CompleteSignal(ctx, sig); err != nil {
		s.logger.Error("failed to complete signal", "signal_id", sig.ID, "error", err)
	}

	if exec.Status == core.ExecutionFailed {
		return webhookResponse{}, fmt.Errorf("execution failed: %s", exec.ErrorMessage)
	}
	return webhookResponse{
		Success:              true,
		SignalID:             sig.ID,
		TotalSubscribers:     1,
		SuccessfulExecutions: sig.SuccessfulExecutions,
	}, nil
}

type protectiveMoveRequest struct {
	ExecutionID string          `json:"execution_id"`
	SlPrice     decimal.Decimal `json:"sl_price"`
	TpPrice     decimal.Decimal `json:"tp_price"`
}

type protectiveMoveResponse struct {
	Success   bool   `json:"success"`
	SlOrderID string `json:"sl_order_id,omitempty"`
	TpOrderID string `json:"tp_order_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleProtectiveMove cancels and re-places a position's protective
// orders at client-requested prices. Requests carrying an
// X-Idempotency-Key replay the original response within the TTL.
func (s *Server) handleProtectiveMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, protectiveMoveResponse{Success: false, Error: "method not allowed"})
		return
	}

	key := r.Header.Get("X-Idempotency-Key")
	if cached, ok := s.idem.Get(key); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	}

	var req protectiveMoveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, protectiveMoveResponse{Success: false, Error: "invalid request body"})
		return
	}

	resp := s.moveProtectiveOrders(r.Context(), &req)

	buf, err := json.Marshal(resp)
	if err == nil {
		s.idem.Put(key, buf)
	}
	s.writeJSON(w, resp)
}

func (s *Server) moveProtectiveOrders(ctx context.Context, req *protectiveMoveRequest) protectiveMoveResponse {
	fail := func(format string, args ...interface{}) protectiveMoveResponse {
		return protectiveMoveResponse{Success: false, Error: fmt.Sprintf(format, args...)}
	}

	exec, err := s.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return fail("failed to load execution: %v", err)
	}
	if exec == nil {
		return fail("execution %s not found", req.ExecutionID)
	}

	trade, err := s.store.GetTradeByExecution(ctx, exec.ID)
	if err != nil {
		return fail("failed to load trade: %v", err)
	}
	if trade == nil || trade.Status != core.TradeOpen {
		return fail("no open trade for execution %s", req.ExecutionID)
	}

	account, err := s.store.GetAccount(ctx, trade.ExchangeAccountID)
	if err != nil {
		return fail("failed to load account: %v", err)
	}
	ex, err := s.exchanges.ForAccount(account)
	if err != nil {
		return fail("failed to resolve exchange: %v", err)
	}

	posSide := core.PositionSideLong
	if trade.Direction == core.DirectionShort {
		posSide = core.PositionSideShort
	}
	closeSide := trade.Side.Opposite()

	newSl, newSlPrice := exec.SlOrderID, exec.SlPrice
	if req.SlPrice.IsPositive() {
		newSl, newSlPrice, err = s.replaceLeg(ctx, ex, trade, exec.SlOrderID,
			core.OrderTypeStopMarket, closeSide, posSide, req.SlPrice)
		if err != nil {
			s.notifyMoveOutcome(ctx, trade, exec.ID, "warning",
				fmt.Sprintf("%s stop-loss move failed: %v", trade.Symbol, err))
			return fail("failed to move stop-loss: %v", err)
		}
	}

	newTp, newTpPrice := exec.TpOrderID, exec.TpPrice
	if req.TpPrice.IsPositive() {
		newTp, newTpPrice, err = s.replaceLeg(ctx, ex, trade, exec.TpOrderID,
			core.OrderTypeTakeProfit, closeSide, posSide, req.TpPrice)
		if err != nil {
			s.notifyMoveOutcome(ctx, trade, exec.ID, "warning",
				fmt.Sprintf("%s take-profit move failed: %v", trade.Symbol, err))
			return fail("failed to move take-profit: %v", err)
		}
	}

	if err := s.store.UpdateProtectiveOrders(ctx, exec.ID, newSl, newTp, newSlPrice, newTpPrice); err != nil {
		return fail("orders moved but not recorded: %v", err)
	}

	s.logger.Info("protective orders moved",
		"execution_id", exec.ID,
		"symbol", trade.Symbol,
		"sl_order_id", newSl,
		"tp_order_id", newTp)
	s.notifyMoveOutcome(ctx, trade, exec.ID, "success",
		fmt.Sprintf("%s protective orders moved to SL %s / TP %s", trade.Symbol, newSlPrice, newTpPrice))
	return protectiveMoveResponse{Success: true, SlOrderID: newSl, TpOrderID: newTp}
}

func (s *Server) notifyMoveOutcome(ctx context.Context, trade *core.Trade, executionID, kind, message string) {
	if s.notifier == nil {
		return
	}
	title := "Protective orders moved"
	if kind == "warning" {
		title = "Protective order move failed"
	}
	s.notifier.Notify(ctx, &core.Notification{
		UserID:   trade.UserID,
		Type:     kind,
		Category: "execution",
		Title:    title,
		Message:  message,
		Metadata: map[string]string{"execution_id": executionID},
	})
}

// replaceLeg cancels the old protective order and places a new one at
// the requested trigger price. A missing old order is tolerated; it may
// have just filled or been cancelled out of band.
func (s *Server) replaceLeg(ctx context.Context, ex core.IExchange, trade *core.Trade, oldOrderID string, orderType core.OrderType, side core.OrderSide, posSide core.PositionSide, price decimal.Decimal) (string, decimal.Decimal, error) {
	normalized, err := ex.NormalizePrice(ctx, trade.Symbol, price)
	if err != nil {
		return "", decimal.Zero, err
	}

	if oldOrderID != "" {
		if err := ex.CancelOrder(ctx, trade.Symbol, oldOrderID); err != nil &&
			!errors.Is(err, apperrors.ErrOrderNotFound) {
			return "", decimal.Zero, err
		}
	}

	result, err := ex.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        trade.Symbol,
		Side:          side,
		Type:          orderType,
		Quantity:      trade.EntryQuantity,
		StopPrice:     normalized,
		PositionSide:  posSide,
		ClosePosition: true,
	})
	if err != nil {
		return "", decimal.Zero, err
	}
	return result.OrderID, normalized, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
