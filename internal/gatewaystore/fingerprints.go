package gatewaystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrFingerprintMismatch is returned by Pin when a different fingerprint is
// already pinned for the bridge id.
var ErrFingerprintMismatch = errors.New("gatewaystore: fingerprint mismatch")

// Pin is a certificate fingerprint pinned for a gateway.
type Pin struct {
	BridgeID    string
	Host        string
	Fingerprint string
	PinnedAt    time.Time
}

// FingerprintRepository stores pinned fingerprints in gateway_fingerprints.
type FingerprintRepository struct {
	db *sql.DB
}

// NewFingerprintRepository creates a repository on an open database.
func NewFingerprintRepository(db *sql.DB) *FingerprintRepository {
	return &FingerprintRepository{db: db}
}

// Pin records the fingerprint on first use. Pinning the same fingerprint
// again updates the host; a different one returns ErrFingerprintMismatch
// and leaves the stored pin in place. Use Forget to re-pin.
func (r *FingerprintRepository) Pin(ctx context.Context, p Pin) error {
	if p.BridgeID == "" {
		return ErrBridgeIDRequired
	}
	if p.Fingerprint == "" {
		return fmt.Errorf("fingerprint is required")
	}
	if p.PinnedAt.IsZero() {
		p.PinnedAt = time.Now()
	}

	existing, err := r.Get(ctx, p.BridgeID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case !strings.EqualFold(existing.Fingerprint, p.Fingerprint):
		return fmt.Errorf("%w: bridge %s pinned %s", ErrFingerprintMismatch, p.BridgeID, existing.Fingerprint)
	default:
		p.PinnedAt = existing.PinnedAt
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO gateway_fingerprints (bridge_id, host, fingerprint, pinned_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(bridge_id) DO UPDATE SET host = excluded.host`,
		p.BridgeID, p.Host, p.Fingerprint, p.PinnedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("pinning fingerprint: %w", err)
	}
	return nil
}

// Get returns the pin for bridgeID or ErrNotFound.
func (r *FingerprintRepository) Get(ctx context.Context, bridgeID string) (*Pin, error) {
	return r.queryOne(ctx,
		"SELECT bridge_id, host, fingerprint, pinned_at FROM gateway_fingerprints WHERE bridge_id = ?",
		bridgeID)
}

// ForHost returns the most recent pin seen at host or ErrNotFound. The
// bridge id is unknown until the gateway is classified, so connections
// look their pin up by address.
func (r *FingerprintRepository) ForHost(ctx context.Context, host string) (*Pin, error) {
	return r.queryOne(ctx,
		`SELECT bridge_id, host, fingerprint, pinned_at FROM gateway_fingerprints
		 WHERE host = ? ORDER BY pinned_at DESC LIMIT 1`,
		host)
}

// Forget removes the pin for bridgeID. Missing pins are not an error.
func (r *FingerprintRepository) Forget(ctx context.Context, bridgeID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM gateway_fingerprints WHERE bridge_id = ?", bridgeID); err != nil {
		return fmt.Errorf("forgetting fingerprint: %w", err)
	}
	return nil
}

func (r *FingerprintRepository) queryOne(ctx context.Context, query string, arg string) (*Pin, error) {
	var p Pin
	var pinnedAt string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&p.BridgeID, &p.Host, &p.Fingerprint, &pinnedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying fingerprint: %w", err)
	}
	if p.PinnedAt, err = parseTimestamp(pinnedAt); err != nil {
		return nil, fmt.Errorf("parsing pinned_at: %w", err)
	}
	return &p, nil
}
