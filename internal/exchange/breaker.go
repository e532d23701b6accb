package exchange

import (
	"time"

	"github.com/sony/gobreaker"

	appconfig "github.com/quantfunk/perptrader/internal/config"
)

// newVenueBreaker builds the circuit breaker guarding a venue's private
// API. Market-data calls bypass it; trading calls trip it after repeated
// failures so a sick venue stops eating order attempts.
func newVenueBreaker(venue string) *gobreaker.CircuitBreaker {
	logger := appconfig.NewLogger("exchange_breaker")
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        venue,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("venue", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Venue circuit breaker state changed")
		},
	})
}

// execute runs fn through the breaker, discarding the unused result slot.
func execute(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
