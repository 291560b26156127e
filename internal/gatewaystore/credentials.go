package gatewaystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credential is a username issued by a gateway.
type Credential struct {
	BridgeID  string
	Username  string
	Host      string
	CreatedAt time.Time
}

// CredentialRepository stores gateway credentials in gateway_credentials.
type CredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository creates a repository on an open database.
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Save inserts or replaces the credential for c.BridgeID.
// A zero CreatedAt is set to now.
func (r *CredentialRepository) Save(ctx context.Context, c Credential) error {
	if c.BridgeID == "" {
		return ErrBridgeIDRequired
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gateway_credentials (bridge_id, username, host, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(bridge_id) DO UPDATE SET
		   username = excluded.username,
		   host = excluded.host,
		   created_at = excluded.created_at`,
		c.BridgeID, c.Username, c.Host, c.CreatedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}

// Get returns the credential for bridgeID or ErrNotFound.
func (r *CredentialRepository) Get(ctx context.Context, bridgeID string) (*Credential, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT bridge_id, username, host, created_at FROM gateway_credentials WHERE bridge_id = ?",
		bridgeID,
	)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Username returns the stored username for bridgeID, or "" when there is
// none or the lookup fails. It matches hue.GatewayOptions.Credentials.
func (r *CredentialRepository) Username(ctx context.Context, bridgeID string) string {
	c, err := r.Get(ctx, bridgeID)
	if err != nil {
		return ""
	}
	return c.Username
}

// List returns every credential ordered by bridge id.
func (r *CredentialRepository) List(ctx context.Context) ([]Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT bridge_id, username, host, created_at FROM gateway_credentials ORDER BY bridge_id",
	)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}
	return out, nil
}

// Delete removes the credential for bridgeID. Deleting a missing
// credential returns ErrNotFound.
func (r *CredentialRepository) Delete(ctx context.Context, bridgeID string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM gateway_credentials WHERE bridge_id = ?", bridgeID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var c Credential
	var createdAt string
	if err := row.Scan(&c.BridgeID, &c.Username, &c.Host, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	ts, err := parseTimestamp(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = ts
	return &c, nil
}
