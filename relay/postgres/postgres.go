package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	driverName             = "pgx"
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrPrimaryDSNRequired = errors.New("postgres primary dsn is required")
	ErrInvalidDBName      = errors.New("invalid database name")
	ErrNotConnected       = errors.New("postgres client is not connected")
	ErrNilClient          = errors.New("postgres client is nil")

	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)
		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config describes the primary and optional replica databases.
type Config struct {
	PrimaryDSN string
	// ReplicaDSN defaults to PrimaryDSN.
	ReplicaDSN         string
	DBName             string
	MaxOpenConnections int
	MaxIdleConnections int
	Logger             log.Logger
}

// Client is a lazily connected primary/replica pool.
type Client struct {
	cfg      Config
	mu       sync.RWMutex
	resolver dbresolver.DB
}

// BuildDSN renders a postgres:// URL for the pgx driver.
func BuildDSN(host string, port int, user, password, dbName, sslMode string) string {
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + dbName,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}

	return u.String()
}

// New validates cfg. It does not open connections.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return nil, ErrPrimaryDSNRequired
	}

	if cfg.ReplicaDSN == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.DBName != "" && !dbNamePattern.MatchString(cfg.DBName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDBName, cfg.DBName)
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	return &Client{cfg: cfg}, nil
}

// Connect opens both pools and pings them. Calling it again replaces the pools.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before database connection: %w", err)
	}

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			c.cfg.Logger.Log(ctx, log.LevelWarn, "failed to close previous postgres pool", log.Err(err))
		}

		c.resolver = nil
	}

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("failed to open primary database: %s", sanitizeSensitiveError(err))
	}

	replica, err := c.open(c.cfg.ReplicaDSN)
	if err != nil {
		_ = primary.Close()

		return fmt.Errorf("failed to open replica database: %s", sanitizeSensitiveError(err))
	}

	resolver, err := createResolverFn(primary, replica)
	if err != nil {
		_ = primary.Close()
		_ = replica.Close()

		return err
	}

	if err := resolver.PingContext(ctx); err != nil {
		_ = resolver.Close()

		return fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	c.resolver = resolver

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to postgres", log.String("database", c.cfg.DBName))

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn(driverName, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// Resolver returns the pool, connecting on first use.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	resolver := c.resolver
	c.mu.RUnlock()

	if resolver != nil {
		return resolver, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Primary returns the primary pool of an already connected client.
func (c *Client) Primary() (*sql.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.resolver == nil {
		return nil, ErrNotConnected
	}

	primaries := c.resolver.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNotConnected
	}

	return primaries[0], nil
}

// IsConnected reports whether Connect succeeded and Close has not been called.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

// Close releases both pools.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil

	return err
}

// Migrate applies the migrations found under dir in source to the primary
// database, tracking versions in table (golang-migrate's default when empty).
// An up-to-date schema is not an error.
func (c *Client) Migrate(ctx context.Context, source fs.FS, dir, table string) error {
	if _, err := c.Resolver(ctx); err != nil {
		return err
	}

	primary, err := c.Primary()
	if err != nil {
		return err
	}

	src, err := iofs.New(source, dir)
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{
		DatabaseName:    c.cfg.DBName,
		SchemaName:      "public",
		MigrationsTable: table,
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, c.cfg.DBName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			c.cfg.Logger.Log(ctx, log.LevelInfo, "no new migrations found")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, _ := m.Version()
	c.cfg.Logger.Log(ctx, log.LevelInfo, "migrations applied", log.Int64("version", int64(version)))

	return nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}
