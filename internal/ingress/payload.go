package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"signal_relay/internal/core"

	"github.com/shopspring/decimal"
)

// SignalPayload is the normalized form of an inbound webhook body.
type SignalPayload struct {
	Ticker    string
	Action    core.SignalAction
	Price     decimal.Decimal // zero when the sender omitted it
	Timestamp time.Time       // zero when the sender omitted it
	Raw       string
}

// actionAliases maps every accepted action spelling to its normalized
// form. TradingView templates in the wild use the Portuguese and
// long/short variants interchangeably.
var actionAliases = map[string]core.SignalAction{
	"buy":       core.ActionBuy,
	"compra":    core.ActionBuy,
	"long":      core.ActionBuy,
	"sell":      core.ActionSell,
	"venda":     core.ActionSell,
	"short":     core.ActionSell,
	"close":     core.ActionClose,
	"close_all": core.ActionClose,
	"exit":      core.ActionClose,
}

// ParsePayload normalizes a webhook body. Unknown shapes are rejected
// rather than coerced.
func ParsePayload(raw []byte) (*SignalPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	ticker := stringField(m, "ticker")
	if ticker == "" {
		ticker = stringField(m, "symbol")
	}
	if ticker == "" {
		return nil, fmt.Errorf("payload missing ticker/symbol")
	}

	rawAction := strings.ToLower(strings.TrimSpace(stringField(m, "action")))
	action, ok := actionAliases[rawAction]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", rawAction)
	}

	price := decimalField(m, "price")
	if price.IsZero() {
		if pos, ok := m["position"].(map[string]interface{}); ok {
			price = decimalField(pos, "entry_price")
		}
	}

	return &SignalPayload{
		Ticker:    strings.ToUpper(strings.TrimSpace(ticker)),
		Action:    action,
		Price:     price,
		Timestamp: timestampField(m, "timestamp"),
		Raw:       string(raw),
	}, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func decimalField(m map[string]interface{}, key string) decimal.Decimal {
	switch v := m[key].(type) {
	case json.Number:
		if d, err := decimal.NewFromString(v.String()); err == nil {
			return d
		}
	case string:
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return decimal.Zero
}

// timestampField accepts unix seconds or milliseconds, as a number or a
// string.
func timestampField(m map[string]interface{}, key string) time.Time {
	switch v := m[key].(type) {
	case json.Number:
		return parseUnixTimestamp(v.String())
	case string:
		return parseUnixTimestamp(v)
	}
	return time.Time{}
}

// parseUnixTimestamp reads a unix timestamp; values above 1e12 are taken
// as milliseconds.
func parseUnixTimestamp(s string) time.Time {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if n <= 0 {
		return time.Time{}
	}
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
