// Package dbmigrations exposes embedded SQL migrations for orderfeed binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations, one directory per database dialect.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS

// Dialect directories inside Files.
const (
	PostgresDir = "postgres"
	SQLiteDir   = "sqlite"
)
