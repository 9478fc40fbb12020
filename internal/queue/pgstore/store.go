// Package pgstore implements the queue contract on PostgreSQL for
// deployments where several daemons share one queue.
//
// Claims use SELECT ... FOR UPDATE SKIP LOCKED followed by the same
// conditional waiting -> processing update the SQLite store performs, so
// concurrent claimers on different hosts never receive the same entry.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
)

//go:embed schema.sql
var schemaSQL string

const (
	claimAttempts      = 5
	uniqueViolation    = "23505"
	defaultMaxConns    = 10
	serializationRetry = "40001"
)

// Store persists the queue in PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	dsn      string
	pipeline queue.Pipeline
	now      func() time.Time
}

// Option customizes a Store.
type Option func(*options)

type options struct {
	now      func() time.Time
	logger   *slog.Logger
	maxConns int32
}

// WithClock replaces the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger traces queries at debug level through logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMaxConns caps the connection pool.
func WithMaxConns(n int32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// Open connects to dsn, creates the schema when missing and verifies its
// version.
func Open(ctx context.Context, dsn string, pipeline queue.Pipeline, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("pgstore: dsn is required")
	}
	if len(pipeline) == 0 {
		return nil, errors.New("pgstore: pipeline has no stages")
	}
	o := options{now: time.Now, maxConns: defaultMaxConns}
	for _, opt := range opts {
		opt(&o)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = o.maxConns
	if o.logger != nil {
		poolCfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   slogTracer(logging.NewComponentLogger(o.logger, "pgstore")),
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{pool: pool, dsn: dsn, pipeline: pipeline, now: o.now}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func slogTracer(logger *slog.Logger) tracelog.Logger {
	return tracelog.LoggerFunc(func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
		attrs := make([]any, 0, len(data))
		for k, v := range data {
			attrs = append(attrs, slog.Any(k, v))
		}
		switch level {
		case tracelog.LogLevelError:
			logger.ErrorContext(ctx, msg, attrs...)
		case tracelog.LogLevelWarn:
			logger.WarnContext(ctx, msg, attrs...)
		default:
			logger.DebugContext(ctx, msg, attrs...)
		}
	})
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var version int
	err := s.pool.QueryRow(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, queue.SchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != queue.SchemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", queue.ErrSchemaMismatch, version, queue.SchemaVersion)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Pipeline returns the stage order the store enforces.
func (s *Store) Pipeline() queue.Pipeline {
	return append(queue.Pipeline(nil), s.pipeline...)
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// withTx runs fn in a transaction, retrying serialization failures.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < claimAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, fn)
		if !isPgCode(err, serializationRetry) {
			return err
		}
	}
	return err
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// CheckHealth returns diagnostic information about the queue database.
func (s *Store) CheckHealth(ctx context.Context) (queue.DatabaseHealth, error) {
	health := queue.DatabaseHealth{Driver: "postgres", Location: redactDSN(s.dsn)}

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.pool.Ping(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping postgres: %w", err)
	}
	health.Reachable = true
	if err := s.pool.QueryRow(connCtx, `SELECT version FROM schema_version LIMIT 1`).Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}
	if err := s.pool.QueryRow(connCtx, `SELECT COUNT(*) FROM tasks`).Scan(&health.TotalTasks); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("count tasks: %w", err)
	}
	if err := s.pool.QueryRow(connCtx, `SELECT COUNT(*) FROM queue_entries`).Scan(&health.TotalEntries); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("count entries: %w", err)
	}
	health.IntegrityCheck = true
	return health, nil
}

func redactDSN(dsn string) string {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return "postgres"
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
}

func stageNames(stages []queue.Stage) []string {
	if len(stages) == 0 {
		return nil
	}
	out := make([]string, len(stages))
	for i, stage := range stages {
		out[i] = string(stage)
	}
	return out
}

func idList(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func nullString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func nullBytes(value []byte) []byte {
	if len(value) == 0 {
		return nil
	}
	return value
}
