// Package types defines the shared domain types for the sync orchestrator.
package types

import (
	"fmt"
	"time"
)

// Platform identifies an upstream data platform.
type Platform string

const (
	PlatformAds      Platform = "ads"
	PlatformCommerce Platform = "commerce"
)

// AllPlatforms lists every platform the orchestrator syncs.
var AllPlatforms = []Platform{PlatformAds, PlatformCommerce}

// Valid reports whether the platform is a known value.
func (p Platform) Valid() bool {
	return p == PlatformAds || p == PlatformCommerce
}

// Entity identifies an upstream entity type that can be synced.
type Entity string

const (
	EntityCampaigns  Entity = "campaigns"
	EntityAdInsights Entity = "ad_insights"
	EntityOrders     Entity = "orders"
	EntityProducts   Entity = "products"
)

// EntitiesForPlatform returns the entity types synced from a platform.
func EntitiesForPlatform(p Platform) []Entity {
	switch p {
	case PlatformAds:
		return []Entity{EntityCampaigns, EntityAdInsights}
	case PlatformCommerce:
		return []Entity{EntityOrders, EntityProducts}
	default:
		return nil
	}
}

// JobType is a closed enum of job kinds the worker pool can dispatch.
type JobType string

const (
	JobTypeRecentSync         JobType = "recent_sync"
	JobTypeHistoricalBackfill JobType = "historical_backfill"
	JobTypeDailySync          JobType = "daily_sync"
	JobTypeReconcile          JobType = "reconcile"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// LedgerStatus is the state of an ETL ledger row.
type LedgerStatus string

const (
	LedgerStatusPending    LedgerStatus = "pending"
	LedgerStatusProcessing LedgerStatus = "processing"
	LedgerStatusCompleted  LedgerStatus = "completed"
	LedgerStatusFailed     LedgerStatus = "failed"
)

// Terminal reports whether the ledger status is terminal.
func (s LedgerStatus) Terminal() bool {
	return s == LedgerStatusCompleted || s == LedgerStatusFailed
}

// ConnectionStatus is the authorization state of an upstream connection.
type ConnectionStatus string

const (
	ConnectionActive  ConnectionStatus = "active"
	ConnectionRevoked ConnectionStatus = "revoked"
)

// SyncState is the coarse per-connection sync status surfaced to the UI.
type SyncState string

const (
	SyncStateIdle      SyncState = "idle"
	SyncStateStarting  SyncState = "starting"
	SyncStateSyncing   SyncState = "syncing"
	SyncStateCompleted SyncState = "completed"
	SyncStateFailed    SyncState = "failed"
)

// DateRange is a half-open [Start, End) window of whole days in UTC.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange builds a range, truncating both bounds to midnight UTC.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: Day(start), End: Day(end)}
}

// Day truncates a timestamp to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Days returns the number of whole days covered by the range.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours() / 24)
}

// IsZero reports whether the range covers no days.
func (r DateRange) IsZero() bool {
	return !r.End.After(r.Start)
}

// Validate returns an error for an inverted range.
func (r DateRange) Validate() error {
	if r.End.Before(r.Start) {
		return fmt.Errorf("invalid date range: end %s before start %s",
			r.End.Format("2006-01-02"), r.Start.Format("2006-01-02"))
	}
	return nil
}

func (r DateRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
}

// ServiceError is a structured business error embedded in API responses.
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
