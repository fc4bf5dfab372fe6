// Package rates defines the injected FX rate source. booksync never
// fetches rates itself; a provider either knows the rate or reports it
// unavailable and the affected transaction is deferred.
package rates

import (
	"errors"
	"strings"
	"time"

	"github.com/crafthaus/booksync/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
)

var ErrRateUnavailable = errors.New("rate_unavailable")

// Provider resolves a conversion rate for a currency pair on a date.
type Provider interface {
	Rate(source, target string, on time.Time) (decimal.Decimal, error)
}

// ManualProvider serves static rates relative to the base currency,
// loaded once from configuration.
type ManualProvider struct {
	base  string
	rates map[string]decimal.Decimal
}

func NewManualProvider(base string, rates map[string]decimal.Decimal) *ManualProvider {
	normalized := make(map[string]decimal.Decimal, len(rates))
	for code, rate := range rates {
		normalized[strings.ToUpper(code)] = rate
	}
	return &ManualProvider{base: strings.ToUpper(base), rates: normalized}
}

// Rate returns the configured rate for the pair. Rates are stored as
// base-per-unit of the foreign currency; cross pairs resolve via the base.
func (p *ManualProvider) Rate(source, target string, _ time.Time) (decimal.Decimal, error) {
	source = strings.ToUpper(source)
	target = strings.ToUpper(target)

	if source == target {
		return decimal.NewFromInt(1), nil
	}

	if target == p.base {
		rate, ok := p.rates[source]
		if !ok || rate.IsZero() {
			return decimal.Decimal{}, ErrRateUnavailable
		}
		return rate, nil
	}

	if source == p.base {
		rate, ok := p.rates[target]
		if !ok || rate.IsZero() {
			return decimal.Decimal{}, ErrRateUnavailable
		}
		return decimal.NewFromInt(1).Div(rate), nil
	}

	from, okFrom := p.rates[source]
	to, okTo := p.rates[target]
	if !okFrom || !okTo || to.IsZero() {
		return decimal.Decimal{}, ErrRateUnavailable
	}
	return from.Div(to), nil
}

func newProviderFromConfig(cfg config.Config) Provider {
	return NewManualProvider(cfg.BaseCurrency, cfg.Rates.Manual)
}

// Module provides the configured rate provider.
var Module = fx.Module("rates",
	fx.Provide(newProviderFromConfig),
)
