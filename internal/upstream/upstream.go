// Package upstream defines the fetch boundary to third-party platform APIs
// and the HTTP clients that implement it.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/types"
)

// Record is one normalized row fetched from an upstream platform. NaturalKey
// is stable across refetches so downstream upserts are idempotent. Amount is
// the entity's primary monetary metric (spend for ads, revenue for commerce).
type Record struct {
	Entity     types.Entity    `json:"entity"`
	NaturalKey string          `json:"naturalKey"`
	Date       time.Time       `json:"date"`
	Amount     float64         `json:"amount"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Fetcher is the consumed capability for pulling a window of records from an
// upstream platform. Implementations return a StatusError carrying the raw
// upstream response body so callers can classify rate-limit rejections.
type Fetcher interface {
	Platform() types.Platform
	FetchRange(ctx context.Context, entity types.Entity, creds models.Credentials, window types.DateRange) ([]Record, error)
}

// StatusError is a non-2xx upstream response. The body text is preserved
// verbatim for operator diagnosis and for rate-limit signature matching.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}
