package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/types"
)

// ConnectionRepository persists upstream connections. Credentials are stored
// as an opaque JSON blob; the orchestrator only ever passes them through.
type ConnectionRepository struct {
	db *PostgresDB
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *PostgresDB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionColumns = `
	id, brand_id, platform_type, credentials, status, sync_status,
	last_synced_at, created_at, updated_at
`

// Create inserts a new connection.
func (r *ConnectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	creds, err := json.Marshal(conn.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	query := `
		INSERT INTO connections (
			id, brand_id, platform_type, credentials, status, sync_status,
			last_synced_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`

	_, err = r.db.Pool().Exec(ctx, query,
		conn.ID,
		conn.BrandID,
		conn.PlatformType,
		creds,
		conn.Status,
		conn.SyncStatus,
		conn.LastSyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetByID retrieves a connection by ID.
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*models.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`

	conn, err := scanConnection(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", models.ErrConnectionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return conn, nil
}

// GetActive retrieves the single active connection for a brand and platform,
// or nil when the brand has none.
func (r *ConnectionRepository) GetActive(ctx context.Context, brandID string, platform types.Platform) (*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE brand_id = $1 AND platform_type = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	conn, err := scanConnection(r.db.Pool().QueryRow(ctx, query, brandID, platform, types.ConnectionActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active connection: %w", err)
	}

	return conn, nil
}

// ListActive retrieves every active connection across all brands.
func (r *ConnectionRepository) ListActive(ctx context.Context) ([]*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE status = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, types.ConnectionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return conns, nil
}

// SetSyncStatus updates the coarse sync status of an active connection. The
// status guard keeps a stale in-flight job from overwriting a revocation.
func (r *ConnectionRepository) SetSyncStatus(ctx context.Context, id string, syncStatus types.SyncState) error {
	query := `
		UPDATE connections
		SET sync_status = $2,
		    last_synced_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE last_synced_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $3
	`

	_, err := r.db.Pool().Exec(ctx, query, id, syncStatus, types.ConnectionActive)
	if err != nil {
		return fmt.Errorf("failed to update connection sync status: %w", err)
	}

	return nil
}

// Revoke marks a connection revoked. Revocation is authoritative; the sync
// status of a revoked connection never changes again.
func (r *ConnectionRepository) Revoke(ctx context.Context, id string) error {
	query := `
		UPDATE connections
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, types.ConnectionRevoked)
	if err != nil {
		return fmt.Errorf("failed to revoke connection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrConnectionNotFound, id)
	}

	return nil
}

func scanConnection(row rowScanner) (*models.Connection, error) {
	var conn models.Connection
	var creds []byte
	var lastSyncedAt *time.Time

	err := row.Scan(
		&conn.ID,
		&conn.BrandID,
		&conn.PlatformType,
		&creds,
		&conn.Status,
		&conn.SyncStatus,
		&lastSyncedAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(creds, &conn.Credentials); err != nil {
		return nil, fmt.Errorf("failed to decode credentials for connection %s: %w", conn.ID, err)
	}
	conn.LastSyncedAt = lastSyncedAt

	return &conn, nil
}
