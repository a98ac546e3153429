// Package exchange builds venue adapters for exchange accounts
package exchange

import (
	"fmt"
	"sync"

	"signal_relay/internal/config"
	"signal_relay/internal/core"
	"signal_relay/internal/exchange/binance"
	"signal_relay/internal/exchange/bitget"
	"signal_relay/internal/exchange/bybit"
	"signal_relay/internal/exchange/okx"
)

// Factory creates and caches one adapter per exchange account. Accounts
// must arrive with resolved plaintext credentials.
type Factory struct {
	venues map[string]config.VenueConfig
	logger core.ILogger

	mu    sync.Mutex
	cache map[string]core.IExchange
}

// NewFactory creates an adapter factory
func NewFactory(venues map[string]config.VenueConfig, logger core.ILogger) *Factory {
	return &Factory{
		venues: venues,
		logger: logger,
		cache:  make(map[string]core.IExchange),
	}
}

// ForAccount returns the adapter for an account, building it on first use
func (f *Factory) ForAccount(account *core.ExchangeAccount) (core.IExchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ex, ok := f.cache[account.ID]; ok {
		return ex, nil
	}

	baseURL := ""
	if vc, ok := f.venues[string(account.Venue)]; ok {
		baseURL = vc.BaseURL
		if account.IsTestnet && vc.TestnetBaseURL != "" {
			baseURL = vc.TestnetBaseURL
		}
	}

	var ex core.IExchange
	switch account.Venue {
	case core.VenueBinance:
		ex = binance.New(account, baseURL, f.logger)
	case core.VenueBitget:
		ex = bitget.New(account, baseURL, f.logger)
	case core.VenueOKX:
		ex = okx.New(account, baseURL, f.logger)
	case core.VenueBybit:
		ex = bybit.New(account, baseURL, f.logger)
	default:
		return nil, fmt.Errorf("unsupported venue: %s", account.Venue)
	}

	f.cache[account.ID] = ex
	return ex, nil
}

// Evict drops a cached adapter, e.g. after credential rotation
func (f *Factory) Evict(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, accountID)
}
