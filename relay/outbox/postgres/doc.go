// Package postgres provides the PostgreSQL implementation of outbox.Store and
// outbox.AdminStore.
//
// The schema ships as golang-migrate files embedded in Migrations; apply them
// with postgres.Client.Migrate(ctx, Migrations, MigrationsDir, MigrationsTable).
//
// ListPendingOldestFirst does not lock rows. Running two relays against the same
// table can publish a record twice; deployments guard the relay with a single
// instance lock instead of a FOR UPDATE SKIP LOCKED claim.
package postgres
