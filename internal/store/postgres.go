package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clinical-extractor/internal/db"
	"github.com/sells-group/clinical-extractor/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const runColumns = `id, request_id, highest_tier, overall_confidence, escalation_denied, entity_count, result, created_at`

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_run": `INSERT INTO extraction_runs (` + runColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"get_run":    `SELECT ` + runColumns + ` FROM extraction_runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS extraction_runs (
	id                 TEXT PRIMARY KEY,
	request_id         TEXT NOT NULL DEFAULT '',
	highest_tier       TEXT NOT NULL DEFAULT '',
	overall_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	escalation_denied  BOOLEAN NOT NULL DEFAULT false,
	entity_count       INTEGER NOT NULL DEFAULT 0,
	result             JSONB NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_extraction_runs_created_at ON extraction_runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_extraction_runs_request_id ON extraction_runs(request_id);
CREATE INDEX IF NOT EXISTS idx_extraction_runs_tier ON extraction_runs(highest_tier);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func (s *PostgresStore) SaveRun(ctx context.Context, rec *model.RunRecord) error {
	prepare(rec, s.clock())
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO extraction_runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.RequestID, string(rec.HighestTierUsed), rec.OverallConfidence,
		rec.EscalationDenied, rec.EntityCount, resultJSON, rec.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert run %s", rec.ID)
}

// SaveRuns uses COPY so batch runs land in one round trip.
func (s *PostgresStore) SaveRuns(ctx context.Context, recs []*model.RunRecord) error {
	now := s.clock()
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		prepare(rec, now)
		resultJSON, err := json.Marshal(rec.Result)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal result %s", rec.ID)
		}
		rows = append(rows, []any{
			rec.ID, rec.RequestID, string(rec.HighestTierUsed), rec.OverallConfidence,
			rec.EscalationDenied, rec.EntityCount, resultJSON, rec.CreatedAt,
		})
	}

	columns := []string{"id", "request_id", "highest_tier", "overall_confidence", "escalation_denied", "entity_count", "result", "created_at"}
	_, err := db.CopyFrom(ctx, s.pool, "extraction_runs", columns, rows)
	return eris.Wrap(err, "postgres: save runs")
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM extraction_runs WHERE id = $1`,
		id,
	)
	rec, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM extraction_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Tier != "" {
		query += fmt.Sprintf(` AND highest_tier = $%d`, argIdx)
		args = append(args, string(filter.Tier))
		argIdx++
	}
	if filter.RequestID != "" {
		query += fmt.Sprintf(` AND request_id = $%d`, argIdx)
		args = append(args, filter.RequestID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	runs := []model.RunRecord{}
	for rows.Next() {
		rec, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *rec)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPostgresRun(row pgx.Row) (*model.RunRecord, error) {
	var rec model.RunRecord
	var tier string
	var resultJSON []byte

	if err := row.Scan(&rec.ID, &rec.RequestID, &tier, &rec.OverallConfidence,
		&rec.EscalationDenied, &rec.EntityCount, &resultJSON, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.HighestTierUsed = model.Tier(tier)
	if err := decodeResult(resultJSON, &rec); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal result")
	}
	return &rec, nil
}

func decodeResult(data []byte, rec *model.RunRecord) error {
	if len(data) == 0 {
		return nil
	}
	rec.Result = &model.ExtractionResult{}
	return json.Unmarshal(data, rec.Result)
}
