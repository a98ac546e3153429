package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricBroadcastsTotal       = "signal_relay_broadcasts_total"
	MetricExecutionsTotal       = "signal_relay_executions_total"
	MetricOrdersPlacedTotal     = "signal_relay_orders_placed_total"
	MetricOrderFailuresTotal    = "signal_relay_order_failures_total"
	MetricSlTpPartialTotal      = "signal_relay_sl_tp_partial_total"
	MetricTradesClosedTotal     = "signal_relay_trades_closed_total"
	MetricGhostTradesTotal      = "signal_relay_ghost_trades_total"
	MetricBroadcastDuration     = "signal_relay_broadcast_duration_seconds"
	MetricOpenTrades            = "signal_relay_open_trades"
	MetricWebhookDeliveryErrors = "signal_relay_webhook_delivery_errors_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	BroadcastsTotal       metric.Int64Counter
	ExecutionsTotal       metric.Int64Counter
	OrdersPlacedTotal     metric.Int64Counter
	OrderFailuresTotal    metric.Int64Counter
	SlTpPartialTotal      metric.Int64Counter
	TradesClosedTotal     metric.Int64Counter
	GhostTradesTotal      metric.Int64Counter
	WebhookDeliveryErrors metric.Int64Counter
	BroadcastDuration     metric.Float64Histogram
	OpenTrades            metric.Int64ObservableGauge

	// State for observable gauges
	mu            sync.RWMutex
	openTradesMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openTradesMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.BroadcastsTotal, err = meter.Int64Counter(MetricBroadcastsTotal, metric.WithDescription("Total signals broadcast"))
	if err != nil {
		return err
	}

	m.ExecutionsTotal, err = meter.Int64Counter(MetricExecutionsTotal, metric.WithDescription("Total signal executions by status"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrderFailuresTotal, err = meter.Int64Counter(MetricOrderFailuresTotal, metric.WithDescription("Total order placement failures"))
	if err != nil {
		return err
	}

	m.SlTpPartialTotal, err = meter.Int64Counter(MetricSlTpPartialTotal, metric.WithDescription("Entries left with a missing protective leg"))
	if err != nil {
		return err
	}

	m.TradesClosedTotal, err = meter.Int64Counter(MetricTradesClosedTotal, metric.WithDescription("Total trades closed by exit reason"))
	if err != nil {
		return err
	}

	m.GhostTradesTotal, err = meter.Int64Counter(MetricGhostTradesTotal, metric.WithDescription("Total ghost trades auto-closed"))
	if err != nil {
		return err
	}

	m.WebhookDeliveryErrors, err = meter.Int64Counter(MetricWebhookDeliveryErrors, metric.WithDescription("Total failed webhook deliveries"))
	if err != nil {
		return err
	}

	m.BroadcastDuration, err = meter.Float64Histogram(MetricBroadcastDuration, metric.WithDescription("Duration of signal broadcasts"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.OpenTrades, err = meter.Int64ObservableGauge(MetricOpenTrades, metric.WithDescription("Currently open trades per subscription"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sub, val := range m.openTradesMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("subscription", sub)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetOpenTrades updates the observable open-trade count for a subscription
func (m *MetricsHolder) SetOpenTrades(subscriptionID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openTradesMap[subscriptionID] = count
}

// GetOpenTrades returns a copy of the open-trade gauge state
func (m *MetricsHolder) GetOpenTrades() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openTradesMap {
		res[k] = v
	}
	return res
}
