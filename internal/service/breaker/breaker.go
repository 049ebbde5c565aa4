// Package breaker защищает каталог цен автоматическим выключателем.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/logging"
)

// Config — параметры выключателя.
type Config struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
	HalfOpenMax uint32
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		Name:        "price-catalog",
		MaxFailures: 5,
		OpenTimeout: 30 * time.Second,
		HalfOpenMax: 1,
	}
}

// PriceLookup размыкает цепь после серии сбоев каталога.
// ErrProductNotFound сбоем не считается. При разомкнутой цепи возвращается gobreaker.ErrOpenState.
type PriceLookup struct {
	next domain.PriceLookup
	cb   *gobreaker.CircuitBreaker[domain.ProductPricing]
}

var _ domain.PriceLookup = (*PriceLookup)(nil)

// NewPriceLookup оборачивает next выключателем.
func NewPriceLookup(next domain.PriceLookup, cfg Config, logger domain.Logger) *PriceLookup {
	if logger == nil {
		logger = logging.Nop()
	}
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenMax == 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}

	maxFailures := cfg.MaxFailures
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMax,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrProductNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("price catalog breaker state changed", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	return &PriceLookup{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[domain.ProductPricing](settings),
	}
}

// FindProductPricing вызывает каталог через выключатель. Ошибки каталога не оборачиваются.
func (b *PriceLookup) FindProductPricing(ctx context.Context, productRef string) (domain.ProductPricing, error) {
	return b.cb.Execute(func() (domain.ProductPricing, error) {
		return b.next.FindProductPricing(ctx, productRef)
	})
}

// State возвращает текущее состояние выключателя.
func (b *PriceLookup) State() gobreaker.State {
	return b.cb.State()
}

// Check используется readiness-пробой: разомкнутая цепь означает недоступный каталог.
func (b *PriceLookup) Check(context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return gobreaker.ErrOpenState
	}
	return nil
}
