package cursor

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const cursorSchema = `
CREATE TABLE IF NOT EXISTS build_cursors (
    source       TEXT NOT NULL,
    job          TEXT NOT NULL,
    build_number BIGINT NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (source, job)
)`

// PostgresStore persists cursors in a single table. GREATEST in the
// upsert enforces monotonicity inside the statement, which is all the
// transactionality an advance needs.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if _, err := pool.Exec(ctx, cursorSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create build_cursors table")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, source, job string) (int64, bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT build_number FROM build_cursors WHERE source = $1 AND job = $2`,
		source, job,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "get cursor %s/%s", source, job)
	}
	return n, true, nil
}

func (s *PostgresStore) Advance(ctx context.Context, source, job string, number int64) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO build_cursors (source, job, build_number)
VALUES ($1, $2, $3)
ON CONFLICT (source, job) DO UPDATE
SET build_number = GREATEST(build_cursors.build_number, EXCLUDED.build_number),
    updated_at = now()`,
		source, job, number,
	)
	if err != nil {
		return errors.Wrapf(err, "advance cursor %s/%s", source, job)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
