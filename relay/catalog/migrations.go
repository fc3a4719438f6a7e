package catalog

import "embed"

const (
	// MigrationsDir is the directory inside Migrations holding the SQL files.
	MigrationsDir = "migrations"
	// MigrationsTable tracks applied catalog schema versions.
	MigrationsTable = "catalog_schema_migrations"
)

// Migrations holds the catalog schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS
