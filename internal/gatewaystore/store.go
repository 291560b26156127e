package gatewaystore

import "database/sql"

// Store groups the repositories that share one database.
type Store struct {
	Credentials  *CredentialRepository
	Fingerprints *FingerprintRepository
	Snapshots    *SnapshotRepository
}

// New creates a Store on an open, migrated database.
func New(db *sql.DB) *Store {
	return &Store{
		Credentials:  NewCredentialRepository(db),
		Fingerprints: NewFingerprintRepository(db),
		Snapshots:    NewSnapshotRepository(db),
	}
}
