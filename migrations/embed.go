// Package migrations embeds the bridge's SQL migration files into the binary.
//
// Pass FS to database.DB.Migrate.
package migrations

import "embed"

// FS holds every *.sql file in this directory at its root.
//
//go:embed *.sql
var FS embed.FS
