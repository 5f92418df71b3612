package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// schema is applied idempotently on Open. The engine never rewrites rows
// in topiq_messages once inserted; only an out-of-band compactor removes
// stale rows, which is outside this package.
const schema = `
CREATE TABLE IF NOT EXISTS topiq_counters (
	topic TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS topiq_messages (
	topic         TEXT NOT NULL,
	id            BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	sharding_key  TEXT NOT NULL,
	log_compact_id TEXT,
	payload       JSONB NOT NULL,
	PRIMARY KEY (topic, id)
);
`

// Postgres is a Store backed by a pgxpool.Pool. It treats the topic's
// sequence counter and message rows as separate tables in the database
// the connection string selects, matching the teacher's one-pool-
// per-adapter convention. Config.Database is only logged on Open.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Config is the subset of spec.md §6's recognized options this adapter
// consumes.
type Config struct {
	ConnString string
	Database   string
}

// Open connects to Postgres, ensures the engine's schema exists, and
// returns a ready Store. It does not retry internally; callers retry
// at the level spec.md §7 assigns to StoreUnavailable.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}

	logger.Info("store connected", zap.String("database", cfg.Database))
	return &Postgres{pool: pool, logger: logger}, nil
}

// AllocateNextID implements Store.
func (p *Postgres) AllocateNextID(ctx context.Context, topic string) (int64, error) {
	var value int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO topiq_counters (topic, value) VALUES ($1, 1)
		ON CONFLICT (topic) DO UPDATE SET value = topiq_counters.value + 1
		RETURNING value`, topic).Scan(&value)
	if err != nil {
		p.logger.Warn("allocate next id failed", zap.String("topic", topic), zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}
	return value, nil
}

// Insert implements Store.
func (p *Postgres) Insert(ctx context.Context, topic string, rec Record) error {
	var logCompactID any
	if rec.HasCompactID {
		logCompactID = rec.LogCompactID
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO topiq_messages (topic, id, created_at, sharding_key, log_compact_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		topic, rec.ID, rec.CreatedAt, rec.ShardingKey, logCompactID, rec.Payload)
	if err != nil {
		p.logger.Warn("insert not acknowledged", zap.String("topic", topic), zap.Int64("id", rec.ID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInsertNotAcknowledged, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: no rows affected", ErrInsertNotAcknowledged)
	}
	return nil
}

// FetchAfter implements Store.
func (p *Postgres) FetchAfter(ctx context.Context, topic string, afterID int64, limit int) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, created_at, sharding_key, log_compact_id, payload
		FROM topiq_messages
		WHERE topic = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, topic, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var logCompactID *string
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &rec.ShardingKey, &logCompactID, &rec.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		if logCompactID != nil {
			rec.LogCompactID = *logCompactID
			rec.HasCompactID = true
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return out, nil
}

// Close implements Store.
func (p *Postgres) Close() {
	p.pool.Close()
}

var _ Store = (*Postgres)(nil)

// IsNoRows reports whether err is pgx.ErrNoRows, exposed so callers of
// FetchAfter-adjacent lookups don't need to import pgx directly.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
