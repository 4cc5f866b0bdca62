// Package ratelimit wraps upstream calls with rate-limit classification and
// snapshot fallback. A rate-limited call with a prior snapshot is a success
// served from cache, never an error.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marketing-sync/internal/logging"
	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/types"
	"github.com/marketing-sync/internal/upstream"
)

// Source labels where a fetch result's records came from.
type Source string

const (
	// SourceLive means the records came straight from the upstream call.
	SourceLive Source = "live"
	// SourceCachedRateLimit means the upstream rejected the call for rate
	// limiting and a persisted snapshot was served instead.
	SourceCachedRateLimit Source = "cached_due_to_rate_limit"
	// SourceCachedException means the upstream call failed hard and a
	// persisted snapshot was served instead.
	SourceCachedException Source = "cached_due_to_exception"
)

// rateLimitSignatures are matched case-insensitively against upstream error
// text. Matching any of them classifies the failure as soft.
var rateLimitSignatures = []string{
	"rate limit",
	"too many calls",
	"too many requests",
	"user request limit reached",
}

// IsRateLimited reports whether err carries a known rate-limit signature.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// FetchResult is the outcome of a controller-mediated upstream fetch. Exactly
// one of three shapes comes back without an error: live records, cached
// records (Cached=true with a Source marker), or a deferral (Deferred=true
// with RetryAfterSeconds set and no records).
type FetchResult struct {
	Records           []upstream.Record
	Source            Source
	Cached            bool
	Deferred          bool
	RetryAfterSeconds int
	Warning           string
}

// SnapshotStore persists the last successful fetch per query so it can be
// replayed when the upstream rejects a call.
type SnapshotStore interface {
	Get(ctx context.Context, key string) ([]upstream.Record, bool, error)
	Put(ctx context.Context, key string, records []upstream.Record) error
}

// SnapshotKey identifies one upstream query for snapshot storage.
func SnapshotKey(platform types.Platform, connectionID string, entity types.Entity, window types.DateRange) string {
	return fmt.Sprintf("snapshot:%s:%s:%s:%s:%s",
		platform, connectionID, entity,
		window.Start.Format("2006-01-02"), window.End.Format("2006-01-02"))
}

// Controller mediates every upstream fetch for the worker pool.
type Controller struct {
	snapshots  SnapshotStore
	retryAfter time.Duration
}

// NewController creates a controller backed by the given snapshot store.
// retryAfter is the fixed deferral hint returned when no snapshot can mask a
// rate-limited call.
func NewController(snapshots SnapshotStore, retryAfter time.Duration) *Controller {
	if retryAfter <= 0 {
		retryAfter = 60 * time.Second
	}
	return &Controller{snapshots: snapshots, retryAfter: retryAfter}
}

// CallUpstream fetches a window through the controller's fallback policy.
//
// Live success stores a fresh snapshot and returns the records. A rate-limited
// failure returns the snapshot when one exists, or a deferral when none does.
// A hard failure still prefers a snapshot over propagating the error; only
// with no snapshot does the error reach the caller.
func (c *Controller) CallUpstream(ctx context.Context, fetcher upstream.Fetcher, connectionID string, entity types.Entity, creds models.Credentials, window types.DateRange) (*FetchResult, error) {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"platform":     fetcher.Platform(),
		"connectionId": connectionID,
		"entity":       entity,
		"window":       window.String(),
	})

	key := SnapshotKey(fetcher.Platform(), connectionID, entity, window)

	records, err := fetcher.FetchRange(ctx, entity, creds, window)
	if err == nil {
		if putErr := c.snapshots.Put(ctx, key, records); putErr != nil {
			// Snapshot persistence is best-effort; the live data stands.
			log.WithError(putErr).Warn("Failed to persist fetch snapshot")
		}
		return &FetchResult{Records: records, Source: SourceLive}, nil
	}

	// Context cancellation is never maskable by cache.
	if ctx.Err() != nil {
		return nil, err
	}

	cached, found, getErr := c.snapshots.Get(ctx, key)
	if getErr != nil {
		log.WithError(getErr).Warn("Failed to read fetch snapshot")
		found = false
	}

	if IsRateLimited(err) {
		if found {
			log.WithField("rows", len(cached)).Info("Rate limited, serving cached snapshot")
			return &FetchResult{
				Records: cached,
				Source:  SourceCachedRateLimit,
				Cached:  true,
				Warning: "stale data served due to upstream rate limit",
			}, nil
		}
		log.Warn("Rate limited with no snapshot, deferring")
		return &FetchResult{
			Deferred:          true,
			RetryAfterSeconds: int(c.retryAfter.Seconds()),
			Warning:           "rate limited with no cached data, retry later",
		}, nil
	}

	if found {
		log.WithError(err).WithField("rows", len(cached)).Warn("Upstream call failed, serving cached snapshot")
		return &FetchResult{
			Records: cached,
			Source:  SourceCachedException,
			Cached:  true,
			Warning: fmt.Sprintf("stale data served after upstream error: %s", err),
		}, nil
	}

	return nil, err
}
