package gatewaystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-hue/internal/bridges/hue"
)

const (
	defaultSnapshotLimit = 50
	maxSnapshotLimit     = 200
)

// SnapshotEntry is one stored gateway snapshot.
type SnapshotEntry struct {
	ID       string
	BridgeID string
	Session  string
	TakenAt  time.Time
	Snapshot hue.GatewaySnapshot
}

// SnapshotRepository stores diagnostic snapshots in gateway_snapshots.
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository creates a repository on an open database.
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save stores snap under a new id and returns it. Snapshots of gateways
// that were never classified have no bridge id and are rejected.
func (r *SnapshotRepository) Save(ctx context.Context, snap hue.GatewaySnapshot) (string, error) {
	if snap.Identity == nil || snap.Identity.BridgeID == "" {
		return "", ErrBridgeIDRequired
	}
	taken := snap.Taken
	if taken.IsZero() {
		taken = time.Now()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshalling snapshot: %w", err)
	}

	id := uuid.NewString()
	_, err = r.db.ExecContext(ctx,
		"INSERT INTO gateway_snapshots (id, bridge_id, session, snapshot, taken_at) VALUES (?, ?, ?, ?, ?)",
		id, snap.Identity.BridgeID, snap.Session, string(data), taken.UTC().Format(timestampLayout),
	)
	if err != nil {
		return "", fmt.Errorf("inserting snapshot: %w", err)
	}
	return id, nil
}

// Latest returns the newest snapshot for bridgeID or ErrNotFound.
func (r *SnapshotRepository) Latest(ctx context.Context, bridgeID string) (*SnapshotEntry, error) {
	entries, err := r.List(ctx, bridgeID, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// Get returns the snapshot with the given id or ErrNotFound.
func (r *SnapshotRepository) Get(ctx context.Context, id string) (*SnapshotEntry, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, bridge_id, session, snapshot, taken_at FROM gateway_snapshots WHERE id = ?", id)
	entry, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// List returns snapshots for bridgeID ordered newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - bridgeID: Gateway bridge id
//   - limit: Maximum entries to return (default 50, max 200)
func (r *SnapshotRepository) List(ctx context.Context, bridgeID string, limit int) ([]SnapshotEntry, error) {
	if bridgeID == "" {
		return nil, ErrBridgeIDRequired
	}
	if limit <= 0 {
		limit = defaultSnapshotLimit
	}
	if limit > maxSnapshotLimit {
		limit = maxSnapshotLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, bridge_id, session, snapshot, taken_at
		 FROM gateway_snapshots
		 WHERE bridge_id = ?
		 ORDER BY taken_at DESC
		 LIMIT ?`,
		bridgeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	entries := make([]SnapshotEntry, 0, limit)
	for rows.Next() {
		entry, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return entries, nil
}

// Prune keeps the newest keep snapshots per bridge id and deletes the rest.
// It returns the number of rows deleted.
func (r *SnapshotRepository) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM gateway_snapshots WHERE id IN (
		   SELECT id FROM (
		     SELECT id, ROW_NUMBER() OVER (PARTITION BY bridge_id ORDER BY taken_at DESC) AS n
		     FROM gateway_snapshots
		   ) WHERE n > ?
		 )`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning snapshots: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func scanSnapshot(row rowScanner) (*SnapshotEntry, error) {
	var entry SnapshotEntry
	var data, takenAt string
	if err := row.Scan(&entry.ID, &entry.BridgeID, &entry.Session, &data, &takenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &entry.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshalling snapshot: %w", err)
	}
	ts, err := parseTimestamp(takenAt)
	if err != nil {
		return nil, fmt.Errorf("parsing taken_at: %w", err)
	}
	entry.TakenAt = ts
	return &entry, nil
}
