package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay"
	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	libOpentelemetry "github.com/Arslan16/Ufanet-autum-practice/relay/opentelemetry"
	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
)

const (
	maxSQLIdentifierLength = 63
	defaultTableName       = "outbox"
	defaultListLimit       = 100
	maxListLimit           = 1000
	outboxColumns          = "id, payload, queue, status, created_at"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("outbox store not initialized")
	ErrNoPrimaryDB         = errors.New("no primary database configured")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
)

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

// WithTableName sets the outbox table, optionally schema-qualified ("app.outbox").
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// WithTransactionTimeout bounds the transactions the store opens itself when
// the caller's context has no deadline.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// WithClock overrides the clock used for created_at.
func WithClock(clock outbox.Clock) Option {
	return func(store *Store) {
		if !nilcheck.Interface(clock) {
			store.clock = clock
		}
	}
}

// Store persists outbox records in PostgreSQL.
type Store struct {
	client             resolverProvider
	logger             log.Logger
	clock              outbox.Clock
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.AdminStore = (*Store)(nil)

// NewStore creates a PostgreSQL outbox store. client is usually a
// *postgres.Client from the relay/postgres package.
func NewStore(client resolverProvider, opts ...Option) (*Store, error) {
	if nilcheck.Interface(client) {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		client:             client,
		logger:             log.NewNop(),
		clock:              outbox.SystemClock{},
		tableName:          defaultTableName,
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = defaultTableName
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Insert adds a PENDING record inside the caller's transaction. It never commits.
func (store *Store) Insert(ctx context.Context, tx outbox.Tx, payload outbox.Payload, queue string) (int64, error) {
	const op = "postgres.insert"

	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return 0, outbox.NewError(outbox.KindPersistence, op, ErrStoreNotInitialized)
	}

	if tx == nil {
		return 0, outbox.NewError(outbox.KindPersistence, op, outbox.ErrTransactionRequired)
	}

	queue = strings.TrimSpace(queue)
	if queue == "" {
		return 0, outbox.NewError(outbox.KindPersistence, op, outbox.ErrQueueRequired)
	}

	if payload == nil {
		return 0, outbox.NewError(outbox.KindPersistence, op, outbox.ErrPayloadRequired)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, outbox.NewError(outbox.KindPersistence, op, fmt.Errorf("%w: %w", outbox.ErrPayloadNotJSON, err))
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.insert_outbox_record")
	defer span.End()

	query := "INSERT INTO " + quoteIdentifierPath(store.tableName) +
		" (payload, queue, status, created_at) VALUES ($1, $2, $3, $4) RETURNING id"

	var id int64
	if err := tx.QueryRowContext(ctx, query, body, queue, string(outbox.StatusPending), store.clock.Now().UTC()).Scan(&id); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to insert outbox record", err)
		logSanitizedError(store.logger, ctx, "failed to insert outbox record", err)

		return 0, outbox.NewError(outbox.KindPersistence, op, err)
	}

	return id, nil
}

// ListPendingOldestFirst returns every PENDING record ordered by created_at, then id.
func (store *Store) ListPendingOldestFirst(ctx context.Context) ([]*outbox.OutboxRecord, error) {
	const op = "postgres.list_pending"

	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, outbox.NewError(outbox.KindPersistence, op, ErrStoreNotInitialized)
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_pending_outbox_records")
	defer span.End()

	db, err := store.primaryDB(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve primary database", err)

		return nil, outbox.NewError(outbox.KindPersistence, op, err)
	}

	query := "SELECT " + outboxColumns + " FROM " + quoteIdentifierPath(store.tableName) +
		" WHERE status = $1 ORDER BY created_at ASC, id ASC"

	records, err := queryOutboxRecords(ctx, db, query, []any{string(outbox.StatusPending)}, 0, "querying pending records")
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list pending outbox records", err)
		logSanitizedError(store.logger, ctx, "failed to list pending outbox records", err)

		return nil, outbox.NewError(outbox.KindPersistence, op, err)
	}

	return records, nil
}

// SetStatus moves a record to status in its own committed transaction. It
// reports false when no row with id is currently in a status that may move to
// status.
func (store *Store) SetStatus(ctx context.Context, id int64, status outbox.Status) (bool, error) {
	const op = "postgres.set_status"

	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return false, outbox.NewError(outbox.KindPersistence, op, ErrStoreNotInitialized)
	}

	if !status.IsValid() {
		return false, outbox.NewError(outbox.KindPersistence, op, fmt.Errorf("%w: %q", outbox.ErrStatusInvalid, status))
	}

	predecessors := statusStrings(outbox.Predecessors(status))
	if len(predecessors) == 0 {
		return false, nil
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.set_outbox_status")
	defer span.End()

	query := "UPDATE " + quoteIdentifierPath(store.tableName) +
		" SET status = $1::outbox_status WHERE id = $2 AND status::text = ANY($3::text[])"

	rows, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (int64, error) {
		result, execErr := tx.ExecContext(ctx, query, string(status), id, predecessors)
		if execErr != nil {
			return 0, fmt.Errorf("updating outbox status: %w", execErr)
		}

		return rowsAffected(result)
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to update outbox status", err)
		logSanitizedError(store.logger, ctx, "failed to update outbox status", err)

		return false, outbox.NewError(outbox.KindPersistence, op, err)
	}

	return rows > 0, nil
}

// Requeue moves FAILED records back to PENDING. With no ids every FAILED record
// is requeued.
func (store *Store) Requeue(ctx context.Context, ids ...int64) (int64, error) {
	const op = "postgres.requeue"

	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return 0, outbox.NewError(outbox.KindPersistence, op, ErrStoreNotInitialized)
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.requeue_outbox_records")
	defer span.End()

	query := "UPDATE " + quoteIdentifierPath(store.tableName) +
		" SET status = $1::outbox_status WHERE status = $2::outbox_status"
	args := []any{string(outbox.StatusPending), string(outbox.StatusFailed)}

	if len(ids) > 0 {
		query += " AND id = ANY($3::bigint[])"
		args = append(args, ids)
	}

	rows, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (int64, error) {
		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return 0, fmt.Errorf("requeueing failed records: %w", execErr)
		}

		return rowsAffected(result)
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to requeue outbox records", err)
		logSanitizedError(store.logger, ctx, "failed to requeue outbox records", err)

		return 0, outbox.NewError(outbox.KindPersistence, op, err)
	}

	store.logger.Log(ctx, log.LevelInfo, "requeued failed outbox records", log.Int64("count", rows))

	return rows, nil
}

// Archive moves SENT and FAILED records created before olderThan to ARCHIVED.
func (store *Store) Archive(ctx context.Context, olderThan time.Time) (int64, error) {
	const op = "postgres.archive"

	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return 0, outbox.NewError(outbox.KindPersistence, op, ErrStoreNotInitialized)
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.archive_outbox_records")
	defer span.End()

	query := "UPDATE " + quoteIdentifierPath(store.tableName) +
		" SET status = $1::outbox_status WHERE status::text = ANY($2::text[]) AND created_at < $3"
	args := []any{
		string(outbox.StatusArchived),
		statusStrings(outbox.Predecessors(outbox.StatusArchived)),
		olderThan.UTC(),
	}

	rows, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (int64, error) {
		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return 0, fmt.Errorf("archiving records: %w", execErr)
		}

		return rowsAffected(result)
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to archive outbox records", err)
		logSanitizedError(store.logger, ctx, "failed to archive outbox records", err)

		return 0, outbox.NewError(outbox.KindPersistence, op, err)
	}

	store.logger.Log(ctx, log.LevelInfo, "archived outbox records", log.Int64("count", rows))

	return rows, nil
}

// CountByStatus returns the number of records per status. Every status is
// present in the result, zero when no row has it.
func (store *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	const op = "postgres.count_by_status"

	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, outbox.NewError(outbox.KindPersistence, op, ErrStoreNotInitialized)
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.count_outbox_records")
	defer span.End()

	db, err := store.primaryDB(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve primary database", err)

		return nil, outbox.NewError(outbox.KindPersistence, op, err)
	}

	counts, err := countByStatus(ctx, db, store.tableName)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to count outbox records", err)
		logSanitizedError(store.logger, ctx, "failed to count outbox records", err)

		return nil, outbox.NewError(outbox.KindPersistence, op, err)
	}

	return counts, nil
}

// List returns records matching filter ordered oldest first.
func (store *Store) List(ctx context.Context, filter outbox.ListFilter) ([]*outbox.OutboxRecord, error) {
	const op = "postgres.list"

	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, outbox.NewError(outbox.KindPersistence, op, ErrStoreNotInitialized)
	}

	query, args, limit, err := store.listQuery(filter)
	if err != nil {
		return nil, outbox.NewError(outbox.KindPersistence, op, err)
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_records")
	defer span.End()

	db, err := store.primaryDB(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve primary database", err)

		return nil, outbox.NewError(outbox.KindPersistence, op, err)
	}

	records, err := queryOutboxRecords(ctx, db, query, args, limit, "querying records")
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list outbox records", err)
		logSanitizedError(store.logger, ctx, "failed to list outbox records", err)

		return nil, outbox.NewError(outbox.KindPersistence, op, err)
	}

	return records, nil
}

func (store *Store) listQuery(filter outbox.ListFilter) (string, []any, int, error) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if filter.Status != "" {
		if !filter.Status.IsValid() {
			return "", nil, 0, fmt.Errorf("%w: %q", outbox.ErrStatusInvalid, filter.Status)
		}

		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d::outbox_status", len(args)))
	}

	if queue := strings.TrimSpace(filter.Queue); queue != "" {
		args = append(args, queue)
		conditions = append(conditions, fmt.Sprintf("queue = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := "SELECT " + outboxColumns + " FROM " + quoteIdentifierPath(store.tableName)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args))

	return query, args, limit, nil
}

func (store *Store) initialized() bool {
	return store != nil && !nilcheck.Interface(store.client)
}

func (store *Store) primaryDB(ctx context.Context) (*sql.DB, error) {
	if store == nil {
		return nil, ErrConnectionRequired
	}

	return resolvePrimaryDB(ctx, store.client)
}

func countByStatus(ctx context.Context, db *sql.DB, tableName string) (map[outbox.Status]int64, error) {
	query := "SELECT status, COUNT(*) FROM " + quoteIdentifierPath(tableName) + " GROUP BY status"

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}

	defer rows.Close()

	counts := map[outbox.Status]int64{
		outbox.StatusPending:  0,
		outbox.StatusSent:     0,
		outbox.StatusFailed:   0,
		outbox.StatusArchived: 0,
	}

	for rows.Next() {
		var (
			raw   string
			count int64
		)

		if err := rows.Scan(&raw, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}

		status, err := outbox.ParseStatus(raw)
		if err != nil {
			return nil, err
		}

		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return counts, nil
}

func scanOutboxRecord(scanner interface{ Scan(dest ...any) error }) (*outbox.OutboxRecord, error) {
	var (
		record  outbox.OutboxRecord
		payload []byte
		status  string
	)

	if err := scanner.Scan(&record.ID, &payload, &record.Queue, &status, &record.CreatedAt); err != nil {
		return nil, fmt.Errorf("scanning outbox record: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	record.Status = parsed

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	if err := decoder.Decode(&record.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload of record %d: %w", record.ID, err)
	}

	return &record, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryOutboxRecords(
	ctx context.Context,
	db queryer,
	query string,
	args []any,
	limit int,
	errorPrefix string,
) ([]*outbox.OutboxRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorPrefix, err)
	}

	defer rows.Close()

	records := make([]*outbox.OutboxRecord, 0, limit)

	for rows.Next() {
		record, scanErr := scanOutboxRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return records, nil
}

// withTxOrExisting runs fn inside tx, or inside a new committed transaction on
// the primary database when tx is nil.
func withTxOrExisting[T any](
	store *Store,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if tx != nil {
		return fn(tx)
	}

	primaryDB, err := store.primaryDB(ctx)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, store.transactionTimeout)
		defer cancel()
	}

	newTx, err := primaryDB.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func statusStrings(statuses []outbox.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}

	return out
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) > 2 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func logSanitizedError(logger log.Logger, ctx context.Context, message string, err error) {
	if nilcheck.Interface(logger) || err == nil {
		return
	}

	logger.Log(ctx, log.LevelError, message, log.String("error", outbox.SanitizeErrorMessage(err.Error())))
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, nil
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}
