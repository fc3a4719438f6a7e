package postgres

import "embed"

const (
	// MigrationsDir is the directory inside Migrations holding the SQL files.
	MigrationsDir = "migrations"
	// MigrationsTable tracks applied outbox schema versions.
	MigrationsTable = "outbox_schema_migrations"
)

// Migrations holds the outbox schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS
