package upstream

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/marketing-sync/internal/circuitbreaker"
	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/types"
)

// PacedFetcher wraps a Fetcher with client-side request pacing and a circuit
// breaker. Pacing keeps steady-state traffic under the platform's budget;
// the breaker stops hammering an upstream that is hard-down.
type PacedFetcher struct {
	inner   Fetcher
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
}

// NewPacedFetcher wraps inner with a token-bucket limiter of requestsPerSecond
// and a circuit breaker named after the platform.
func NewPacedFetcher(inner Fetcher, requestsPerSecond float64) *PacedFetcher {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &PacedFetcher{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		breaker: circuitbreaker.New(&circuitbreaker.Config{
			Name:        string(inner.Platform()),
			MaxFailures: 5,
			Cooldown:    30 * time.Second,
		}),
	}
}

// Platform returns the wrapped fetcher's platform.
func (p *PacedFetcher) Platform() types.Platform {
	return p.inner.Platform()
}

// FetchRange waits for a pacing token, then fetches through the circuit
// breaker. A StatusError counts against the breaker like any other failure;
// the upstream rejecting calls is exactly the signal it exists to absorb.
func (p *PacedFetcher) FetchRange(ctx context.Context, entity types.Entity, creds models.Credentials, window types.DateRange) ([]Record, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var records []Record
	err := p.breaker.Execute(func() error {
		var fetchErr error
		records, fetchErr = p.inner.FetchRange(ctx, entity, creds, window)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
