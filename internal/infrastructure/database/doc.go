// Package database provides the SQLite store behind the Hue bridge's
// persistent state: issued gateway usernames, pinned certificate
// fingerprints and diagnostic snapshots.
//
// The database is small and written rarely (pairing, pinning and one
// snapshot per shutdown), so a single connection is used and WAL mode is
// optional.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are plain SQL files named YYYYMMDD_HHMMSS_name.up.sql with an
// optional matching .down.sql, read from any fs.FS. Applied versions are
// recorded in schema_migrations.
//
// The database file is created with 0600 permissions since it holds
// gateway API keys.
package database
