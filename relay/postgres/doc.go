// Package postgres owns the PostgreSQL connection pool used by the outbox store
// and the catalog. Reads and writes go through a bxcodec/dbresolver primary and
// replica pair over the pgx stdlib driver; schema migrations run from an
// embedded filesystem with golang-migrate.
package postgres
