package main

import (
	"context"
	"errors"

	"github.com/Arslan16/Ufanet-autum-practice/internal/bootstrap"
	"github.com/Arslan16/Ufanet-autum-practice/relay/catalog"
	"github.com/Arslan16/Ufanet-autum-practice/relay/config"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
	outboxpg "github.com/Arslan16/Ufanet-autum-practice/relay/outbox/postgres"
	"github.com/Arslan16/Ufanet-autum-practice/relay/postgres"
	"github.com/Arslan16/Ufanet-autum-practice/relay/redis"
)

// adminLockKey serializes mutating commands across operators.
const adminLockKey = "outbox:admin"

type locker interface {
	WithLock(ctx context.Context, key string, opts redis.LockOptions, fn func(context.Context) error) error
}

// env is what the commands operate on. locker is nil when Redis is not configured.
type env struct {
	store   outbox.AdminStore
	locker  locker
	migrate func(ctx context.Context) error
	close   func() error
}

// connector builds an env from the root flags.
type connector func(ctx context.Context, opts *rootOptions) (*env, error)

// withAdminLock runs fn under the admin lock, or directly when no locker is set.
func (e *env) withAdminLock(ctx context.Context, fn func(context.Context) error) error {
	if e.locker == nil {
		return fn(ctx)
	}

	return e.locker.WithLock(ctx, adminLockKey, redis.DefaultLockOptions(), fn)
}

func connect(ctx context.Context, opts *rootOptions) (*env, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return nil, err
	}

	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	pgConfig := cfg.Database.PostgresConfig()
	pgConfig.Logger = logger

	db, err := postgres.New(pgConfig)
	if err != nil {
		return nil, err
	}

	if err := db.Connect(ctx); err != nil {
		return nil, err
	}

	closers := []func() error{db.Close}
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}

		_ = logger.Sync(context.Background())

		return errors.Join(errs...)
	}

	store, err := outboxpg.NewStore(db, outboxpg.WithLogger(logger))
	if err != nil {
		_ = closeAll()

		return nil, err
	}

	e := &env{
		store: store,
		migrate: func(ctx context.Context) error {
			if err := db.Migrate(ctx, outboxpg.Migrations, outboxpg.MigrationsDir, outboxpg.MigrationsTable); err != nil {
				return err
			}

			return db.Migrate(ctx, catalog.Migrations, catalog.MigrationsDir, catalog.MigrationsTable)
		},
		close: closeAll,
	}

	if cfg.Redis.Enabled() {
		rdb, err := redis.New(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Logger:   logger,
		})
		if err != nil {
			_ = closeAll()

			return nil, err
		}

		closers = append(closers, rdb.Close)

		locks, err := redis.NewLockManager(rdb)
		if err != nil {
			_ = closeAll()

			return nil, err
		}

		e.locker = locks
	} else {
		logger.Log(ctx, log.LevelDebug, "REDIS_ADDR not set, admin commands run without a lock")
	}

	return e, nil
}
