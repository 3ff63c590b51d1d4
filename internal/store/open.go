package store

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"supertask/internal/errors"
)

// Defaults for the qualified job table name.
const (
	DefaultSchema = "supertask"
	DefaultTable  = "jobs"
)

// Config selects and parameterizes a backend.
type Config struct {
	// Address is a URL whose scheme picks the backend: memory://,
	// postgres://, postgresql://, cockroachdb://, crate://, sqlite://<path>,
	// redis://, rediss://.
	Address string
	Schema  string
	Table   string
	// Timeout bounds every store call. Zero disables it.
	Timeout time.Duration
}

// Open connects to the backend named by cfg.Address and prepares its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Schema == "" {
		cfg.Schema = DefaultSchema
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	address := strings.TrimSpace(cfg.Address)
	scheme, _, ok := strings.Cut(address, "://")
	if !ok {
		return nil, errors.WithHint(
			errors.Newf("initialize job store: address %q has no scheme", address),
			"use e.g. memory://, postgresql://user@host/db or sqlite:///var/lib/supertask.db")
	}

	switch strings.ToLower(scheme) {
	case "memory":
		return NewMemory(), nil
	case "postgres", "postgresql":
		return openPostgres(ctx, address, Postgres, cfg)
	case "cockroachdb", "cockroach":
		return openPostgres(ctx, withScheme(address, "postgresql"), CockroachDB, cfg)
	case "crate":
		return openPostgres(ctx, crateDSN(address), CrateDB, cfg)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, strings.TrimPrefix(address, scheme+"://"), cfg)
	case "redis", "rediss":
		return openRedis(ctx, address, cfg)
	default:
		return nil, errors.Newf("initialize job store: unknown address %q", scheme+"://")
	}
}

func openPostgres(ctx context.Context, dsn string, d Dialect, cfg Config) (Store, error) {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s address", d.Name)
	}
	if d.simple {
		connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	db := stdlib.OpenDB(*connCfg)
	st, err := prepareSQL(ctx, db, d, cfg)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func openSQLite(ctx context.Context, path string, cfg Config) (Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one connection: serialized writers, and :memory: stays a single database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	if path != ":memory:" {
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	}
	st, err := prepareSQL(ctx, db, SQLite, cfg)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func prepareSQL(ctx context.Context, db *sql.DB, d Dialect, cfg Config) (*SQLStore, error) {
	st, err := NewSQL(db, d, cfg.Schema, cfg.Table, cfg.Timeout)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	pingCtx, cancel := st.withTimeout(ctx)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Mark(errors.Wrapf(err, "connect %s", d.Name), errors.ErrStoreUnavailable)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openRedis(ctx context.Context, address string, cfg Config) (Store, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis address")
	}
	client := redis.NewClient(opts)
	st := NewRedis(client, cfg.Schema, cfg.Table, cfg.Timeout)
	pingCtx, cancel := st.withTimeout(ctx)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Mark(errors.Wrap(err, "connect redis"), errors.ErrStoreUnavailable)
	}
	return st, nil
}

func withScheme(address, scheme string) string {
	_, rest, _ := strings.Cut(address, "://")
	return scheme + "://" + rest
}

// crateDSN maps crate://host:port to a PostgreSQL wire URL. CrateDB's
// superuser is "crate" and it listens for PostgreSQL clients on 5432.
func crateDSN(address string) string {
	u, err := url.Parse(withScheme(address, "postgresql"))
	if err != nil {
		return withScheme(address, "postgresql")
	}
	if u.User == nil {
		u.User = url.User("crate")
	}
	if u.Port() == "" && u.Hostname() != "" {
		u.Host = u.Hostname() + ":5432"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/doc"
	}
	return u.String()
}
