// Package base provides common functionality for exchange adapters
package base

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signal_relay/internal/core"
	apperrors "signal_relay/pkg/errors"
	"signal_relay/pkg/httpclient"

	"github.com/shopspring/decimal"
)

// ParseErrorFunc is a function type for exchange-specific error parsing
type ParseErrorFunc func(body []byte) error

// MapOrderStatusFunc is a function type for exchange-specific order status mapping
type MapOrderStatusFunc func(rawStatus string) core.OrderStatus

// RefreshFiltersFunc fetches the venue's symbol metadata into the filter cache
type RefreshFiltersFunc func(ctx context.Context) error

// SymbolFilter holds the tick/step constraints of one symbol
type SymbolFilter struct {
	TickSize decimal.Decimal
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
}

// BaseAdapter provides common functionality for all exchange adapters
type BaseAdapter struct {
	Name    string
	Venue   core.Venue
	Account *core.ExchangeAccount
	Logger  core.ILogger
	Client  *httpclient.Client

	// Exchange-specific functions set by concrete implementations
	ParseError     ParseErrorFunc
	MapOrderStatus MapOrderStatusFunc
	RefreshFilters RefreshFiltersFunc

	filterMu sync.RWMutex
	filters  map[string]*SymbolFilter
}

// NewBaseAdapter creates a new base adapter. The signer is the concrete
// adapter itself, so venue signing runs inside the shared HTTP pipeline.
func NewBaseAdapter(name string, venue core.Venue, account *core.ExchangeAccount, baseURL string, signer httpclient.Signer, logger core.ILogger) *BaseAdapter {
	return &BaseAdapter{
		Name:    name,
		Venue:   venue,
		Account: account,
		Logger:  logger.WithField("exchange", name).WithField("account_id", account.ID),
		Client:  httpclient.NewClient(baseURL, 10*time.Second, signer),
		filters: make(map[string]*SymbolFilter),
	}
}

// GetName returns the exchange name
func (b *BaseAdapter) GetName() string {
	return b.Name
}

// GetVenue returns the venue identifier
func (b *BaseAdapter) GetVenue() core.Venue {
	return b.Venue
}

// SetFilter stores a symbol's constraints in the cache
func (b *BaseAdapter) SetFilter(symbol string, filter *SymbolFilter) {
	b.filterMu.Lock()
	defer b.filterMu.Unlock()
	b.filters[symbol] = filter
}

// GetFilter returns a symbol's constraints, refreshing the cache once on a miss
func (b *BaseAdapter) GetFilter(ctx context.Context, symbol string) (*SymbolFilter, error) {
	b.filterMu.RLock()
	filter, ok := b.filters[symbol]
	b.filterMu.RUnlock()
	if ok {
		return filter, nil
	}

	if b.RefreshFilters != nil {
		if err := b.RefreshFilters(ctx); err != nil {
			return nil, fmt.Errorf("failed to refresh symbol filters: %w", err)
		}
	}

	b.filterMu.RLock()
	filter, ok = b.filters[symbol]
	b.filterMu.RUnlock()
	if !ok {
		return nil, apperrors.ErrInvalidSymbol
	}
	return filter, nil
}

// NormalizePrice rounds a price to the symbol's tick size
func (b *BaseAdapter) NormalizePrice(ctx context.Context, symbol string, price decimal.Decimal) (decimal.Decimal, error) {
	filter, err := b.GetFilter(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if filter.TickSize.IsZero() {
		return price, nil
	}
	return price.Div(filter.TickSize).Round(0).Mul(filter.TickSize), nil
}

// NormalizeQuantity floors a quantity to the symbol's step size and
// rejects quantities below the minimum.
func (b *BaseAdapter) NormalizeQuantity(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	filter, err := b.GetFilter(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	normalized := qty
	if !filter.StepSize.IsZero() {
		normalized = qty.Div(filter.StepSize).Floor().Mul(filter.StepSize)
	}
	if normalized.IsZero() || (!filter.MinQty.IsZero() && normalized.LessThan(filter.MinQty)) {
		return decimal.Zero, apperrors.ErrQtyTooSmall
	}
	return normalized, nil
}

// SafeMapOrderStatus maps a venue order status to the normalized enum
func (b *BaseAdapter) SafeMapOrderStatus(rawStatus string) core.OrderStatus {
	if b.MapOrderStatus != nil {
		return b.MapOrderStatus(rawStatus)
	}
	return core.OrderStatus(rawStatus)
}

// WrapAPIError runs the venue error parser over an httpclient.APIError
// body so callers see sentinel errors instead of raw HTTP failures.
func (b *BaseAdapter) WrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) && b.ParseError != nil {
		if parsed := b.ParseError(apiErr.Body); parsed != nil {
			return parsed
		}
	}
	return err
}

// ParseDecimal safely parses a string to decimal
func (b *BaseAdapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		b.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp safely parses a timestamp in milliseconds
func (b *BaseAdapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
