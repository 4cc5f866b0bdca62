package models

import (
	"errors"
	"time"

	"github.com/marketing-sync/internal/types"
)

// ErrConnectionNotFound marks a lookup of a connection that does not exist,
// as opposed to a transient store error. Callers check it with errors.Is.
var ErrConnectionNotFound = errors.New("connection not found")

// Credentials are the opaque upstream credentials stored on a connection.
// The orchestrator never inspects them beyond passing them to a fetcher.
type Credentials struct {
	AccessToken string `json:"accessToken"`
	AccountID   string `json:"accountId"`
}

// Connection is one authorized link between a brand and an upstream platform.
// At most one active connection per (brand, platform) is used at a time.
type Connection struct {
	ID           string                 `json:"id"`
	BrandID      string                 `json:"brandId"`
	PlatformType types.Platform         `json:"platformType"`
	Credentials  Credentials            `json:"-"`
	Status       types.ConnectionStatus `json:"status"`
	SyncStatus   types.SyncState        `json:"syncStatus"`
	LastSyncedAt *time.Time             `json:"lastSyncedAt,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// Active reports whether the connection may be used for sync work.
func (c *Connection) Active() bool {
	return c.Status == types.ConnectionActive
}
