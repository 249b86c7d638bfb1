package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
)

// BreakerConfig tunes BreakerTransport.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// BreakerTransport stops calling a failing transport for OpenTimeout after
// ConsecutiveFailures errors in a row. While open it returns
// ErrTransportUnavailable so a broker outage does not burn row attempts.
type BreakerTransport struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerTransport(next Transport, cfg BreakerConfig, logg *logger.Logger) *BreakerTransport {
	if cfg.Name == "" {
		cfg.Name = "outbox-transport"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if logg == nil {
		logg = logger.Nop()
	}
	threshold := cfg.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ctx := logg.WithFields(context.Background(), map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			logg.Warn(ctx, "outbox transport breaker state changed")
		},
	}
	return &BreakerTransport{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerTransport) Publish(ctx context.Context, out Outbound) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return pkgerrors.Wrap(pkgerrors.CodeTransport, fmt.Errorf("%w: %v", ErrTransportUnavailable, err), "circuit open")
	}
	return err
}

// State exposes the breaker position for readiness reporting.
func (b *BreakerTransport) State() gobreaker.State {
	return b.cb.State()
}
