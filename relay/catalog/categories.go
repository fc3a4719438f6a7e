// Package catalog is the categories repository. Every operation records an
// outbox event in the same transaction as the data change, so the relay
// publishes exactly what was committed.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
)

const (
	defaultTransactionTimeout = 10 * time.Second

	// readEventSavepoint isolates the best-effort outbox insert of the read
	// path. A failed INSERT aborts a PostgreSQL transaction, so without it the
	// commit of an otherwise successful read would fail too.
	readEventSavepoint = "outbox_read_event"
)

var (
	// ErrDBRequired is returned when New is called without a database.
	ErrDBRequired = errors.New("catalog database is required")
	// ErrWriterRequired is returned when New is called without an outbox writer.
	ErrWriterRequired = errors.New("catalog outbox writer is required")
	// ErrQueueRequired is returned when New is called without a queue name.
	ErrQueueRequired = errors.New("catalog queue is required")
	// ErrNameRequired is returned when a category name is blank.
	ErrNameRequired = errors.New("category name is required")
	// ErrCategoryNotFound is returned when no category has the requested id.
	ErrCategoryNotFound = errors.New("category not found")
)

// DB opens transactions. *sql.DB satisfies it.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// EventWriter records outbox events inside a transaction. *outbox.Writer satisfies it.
type EventWriter interface {
	Record(ctx context.Context, tx outbox.Tx, event outbox.Event, queue string) error
	RecordBestEffort(ctx context.Context, tx outbox.Tx, event outbox.Event, queue string) bool
}

// Categories reads and writes categories.
type Categories struct {
	db      DB
	writer  EventWriter
	queue   string
	logger  log.Logger
	timeout time.Duration
}

// Option configures Categories.
type Option func(*Categories)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Categories) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

// WithTransactionTimeout bounds transactions when the caller's context has no deadline.
func WithTransactionTimeout(d time.Duration) Option {
	return func(c *Categories) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates the repository. Events are recorded for queue.
func New(db DB, writer EventWriter, queue string, opts ...Option) (*Categories, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDBRequired
	}

	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, ErrQueueRequired
	}

	c := &Categories{
		db:      db,
		writer:  writer,
		queue:   queue,
		logger:  log.NewNop(),
		timeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// List returns every category ordered by id.
//
// Read path: the outbox event is best effort. A failed write is logged and the
// read still succeeds.
func (c *Categories) List(ctx context.Context) ([]Category, error) {
	return withTx(c, ctx, func(ctx context.Context, tx *sql.Tx) ([]Category, error) {
		rows, err := tx.QueryContext(ctx, "SELECT id, name FROM categories ORDER BY id")
		if err != nil {
			return nil, fmt.Errorf("list categories: %w", err)
		}
		defer rows.Close()

		categories := make([]Category, 0)

		for rows.Next() {
			var category Category
			if err := rows.Scan(&category.ID, &category.Name); err != nil {
				return nil, fmt.Errorf("scan category: %w", err)
			}

			categories = append(categories, category)
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate categories: %w", err)
		}

		c.recordRead(ctx, tx, outbox.SelectEvent(CategoryEntity{}))

		return categories, nil
	})
}

// Get returns the category with id.
//
// Read path: the outbox event is best effort.
func (c *Categories) Get(ctx context.Context, id int64) (Category, error) {
	return withTx(c, ctx, func(ctx context.Context, tx *sql.Tx) (Category, error) {
		category := Category{}

		err := tx.QueryRowContext(ctx, "SELECT id, name FROM categories WHERE id = $1", id).
			Scan(&category.ID, &category.Name)
		if errors.Is(err, sql.ErrNoRows) {
			return Category{}, fmt.Errorf("%w: %d", ErrCategoryNotFound, id)
		}

		if err != nil {
			return Category{}, fmt.Errorf("get category: %w", err)
		}

		c.recordRead(ctx, tx, outbox.SelectEvent(CategoryEntity{}, outbox.Eq(ColumnID, id)))

		return category, nil
	})
}

// Create inserts a category.
//
// Write path: if the outbox event cannot be recorded the insert is rolled back.
func (c *Categories) Create(ctx context.Context, name string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, ErrNameRequired
	}

	return withTx(c, ctx, func(ctx context.Context, tx *sql.Tx) (Category, error) {
		category := Category{Name: name}

		if err := tx.QueryRowContext(ctx, "INSERT INTO categories (name) VALUES ($1) RETURNING id", name).
			Scan(&category.ID); err != nil {
			return Category{}, fmt.Errorf("create category: %w", err)
		}

		event := outbox.InsertEvent(CategoryEntity{}, map[string]any{ColumnID: category.ID, ColumnName: name})
		if err := c.writer.Record(ctx, tx, event, c.queue); err != nil {
			return Category{}, fmt.Errorf("create category: %w", err)
		}

		return category, nil
	})
}

// Update renames the category with id.
//
// Write path: if the outbox event cannot be recorded the update is rolled back.
func (c *Categories) Update(ctx context.Context, id int64, name string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, ErrNameRequired
	}

	return withTx(c, ctx, func(ctx context.Context, tx *sql.Tx) (Category, error) {
		result, err := tx.ExecContext(ctx, "UPDATE categories SET name = $1 WHERE id = $2", name, id)
		if err != nil {
			return Category{}, fmt.Errorf("update category: %w", err)
		}

		if err := requireAffected(result, id); err != nil {
			return Category{}, err
		}

		event := outbox.UpdateEvent(CategoryEntity{}, id, map[string]any{ColumnName: name})
		if err := c.writer.Record(ctx, tx, event, c.queue); err != nil {
			return Category{}, fmt.Errorf("update category: %w", err)
		}

		return Category{ID: id, Name: name}, nil
	})
}

// Delete removes the category with id.
//
// Write path: if the outbox event cannot be recorded the delete is rolled back.
func (c *Categories) Delete(ctx context.Context, id int64) error {
	_, err := withTx(c, ctx, func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		result, err := tx.ExecContext(ctx, "DELETE FROM categories WHERE id = $1", id)
		if err != nil {
			return struct{}{}, fmt.Errorf("delete category: %w", err)
		}

		if err := requireAffected(result, id); err != nil {
			return struct{}{}, err
		}

		if err := c.writer.Record(ctx, tx, outbox.DeleteEvent(CategoryEntity{}, id), c.queue); err != nil {
			return struct{}{}, fmt.Errorf("delete category: %w", err)
		}

		return struct{}{}, nil
	})

	return err
}

// recordRead records event under a savepoint and rolls back to it when the
// writer fails, keeping tx usable for the commit.
func (c *Categories) recordRead(ctx context.Context, tx *sql.Tx, event outbox.Event) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+readEventSavepoint); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "skipping read event: savepoint failed",
			log.String("error", outbox.SanitizeErrorMessage(err.Error())))

		return
	}

	if c.writer.RecordBestEffort(ctx, tx, event, c.queue) {
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+readEventSavepoint); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "release read event savepoint failed",
				log.String("error", outbox.SanitizeErrorMessage(err.Error())))
		}

		return
	}

	if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+readEventSavepoint); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "rollback to read event savepoint failed",
			log.String("error", outbox.SanitizeErrorMessage(err.Error())))
	}
}

func requireAffected(result sql.Result, id int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrCategoryNotFound, id)
	}

	return nil
}

// withTx runs fn in a new transaction, committing only when fn succeeds. fn
// receives the context bounded by the transaction timeout.
func withTx[T any](c *Categories, ctx context.Context, fn func(context.Context, *sql.Tx) (T, error)) (T, error) {
	var zero T

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(ctx, tx)
	if err != nil {
		c.logger.Log(ctx, log.LevelDebug, "catalog transaction rolled back",
			log.String("error", outbox.SanitizeErrorMessage(err.Error())))

		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit transaction: %w", err)
	}

	return result, nil
}
