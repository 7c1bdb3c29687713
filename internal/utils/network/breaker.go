package network

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
)

const (
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

// Breaker stops calling an endpoint after consecutive SourceUnavailable
// failures so a batch does not keep hammering a source that is down. Other
// errors, NotFound in particular, count as successful calls.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[[]byte]
}

// NewBreaker opens after failures consecutive transport failures and probes
// again after cooldown.
func NewBreaker(name string, failures uint32, cooldown time.Duration) *Breaker {
	if failures == 0 {
		failures = DefaultBreakerFailures
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || apkpackage.KindOf(err) != apkpackage.SourceUnavailable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Logger().Warnw("circuit breaker state changed", "source", name, "from", from.String(), "to", to.String())
		},
	})}
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(fn func() ([]byte, error)) ([]byte, error) {
	body, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "%s is failing, not sending further requests", b.cb.Name())
	}
	return body, err
}
