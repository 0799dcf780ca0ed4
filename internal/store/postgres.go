package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/arklow-data/tender-triage/internal/db"
	"github.com/arklow-data/tender-triage/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection. These
// are the per-message hot path: every scored tender hits get, save and stage
// update.
var preparedStatements = map[string]string{
	"get_tender": `SELECT resource_id, title, contracting_authority, description, procedure, status,
		estimated_value, published, deadline, content_url, content, codes_count, processing_stage,
		should_bid, confidence, reasoning
		FROM tenders WHERE resource_id = $1`,
	"get_stage":    `SELECT processing_stage FROM tenders WHERE resource_id = $1 FOR UPDATE`,
	"update_stage": `UPDATE tenders SET processing_stage = $1, updated_at = $2 WHERE resource_id = $3`,
	"get_score": `SELECT should_bid, confidence, reasoning, breakdown
		FROM tender_scores WHERE resource_id = $1 AND content_hash = $2`,
	"upsert_score": `INSERT INTO tender_scores (id, resource_id, content_hash, should_bid, confidence, reasoning, breakdown, table_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (resource_id, content_hash) DO UPDATE SET
			should_bid = EXCLUDED.should_bid,
			confidence = EXCLUDED.confidence,
			reasoning = EXCLUDED.reasoning,
			breakdown = EXCLUDED.breakdown,
			table_version = EXCLUDED.table_version,
			updated_at = EXCLUDED.updated_at`,
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
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool exposes the underlying pool for subsystems that share the database,
// e.g. the durable queue.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Idempotent schema setup. The ALTERs cover databases created before the
// scoring columns existed; re-running the block is always safe.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS tenders (
	resource_id           BIGINT PRIMARY KEY,
	title                 TEXT NOT NULL,
	contracting_authority TEXT NOT NULL DEFAULT '',
	description           TEXT NOT NULL DEFAULT '',
	procedure             TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT '',
	estimated_value       DOUBLE PRECISION,
	published             TIMESTAMPTZ,
	deadline              TIMESTAMPTZ,
	content_url           TEXT NOT NULL DEFAULT '',
	content               TEXT NOT NULL DEFAULT '',
	codes_count           INTEGER NOT NULL DEFAULT 0,
	processing_stage      TEXT NOT NULL DEFAULT 'ingested',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE tenders ADD COLUMN IF NOT EXISTS content TEXT NOT NULL DEFAULT '';
ALTER TABLE tenders ADD COLUMN IF NOT EXISTS should_bid BOOLEAN;
ALTER TABLE tenders ADD COLUMN IF NOT EXISTS confidence DOUBLE PRECISION;
ALTER TABLE tenders ADD COLUMN IF NOT EXISTS reasoning TEXT;

CREATE INDEX IF NOT EXISTS idx_tenders_stage ON tenders(processing_stage);
CREATE INDEX IF NOT EXISTS idx_tenders_should_bid ON tenders(should_bid);
CREATE INDEX IF NOT EXISTS idx_tenders_deadline ON tenders(deadline);

CREATE TABLE IF NOT EXISTS tender_scores (
	id            TEXT PRIMARY KEY,
	resource_id   BIGINT NOT NULL REFERENCES tenders(resource_id),
	content_hash  TEXT NOT NULL,
	should_bid    BOOLEAN NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL,
	reasoning     TEXT NOT NULL,
	breakdown     JSONB NOT NULL,
	table_version INTEGER NOT NULL DEFAULT 1,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (resource_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_tender_scores_resource ON tender_scores(resource_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// UpsertTender inserts or refreshes the descriptive fields of a tender.
// Scoring columns and the processing stage are never touched on conflict:
// stage changes go through UpdateStage, decisions through SaveScore.
func (s *PostgresStore) UpsertTender(ctx context.Context, t *model.TenderRecord) error {
	stage := t.ProcessingStage
	if stage == "" {
		stage = model.StageIngested
	}
	if !stage.Valid() {
		return eris.Errorf("postgres: invalid stage %q", stage)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenders (resource_id, title, contracting_authority, description, procedure, status,
			estimated_value, published, deadline, content_url, content, codes_count, processing_stage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (resource_id) DO UPDATE SET
			title = EXCLUDED.title,
			contracting_authority = EXCLUDED.contracting_authority,
			description = EXCLUDED.description,
			procedure = EXCLUDED.procedure,
			status = EXCLUDED.status,
			estimated_value = EXCLUDED.estimated_value,
			published = EXCLUDED.published,
			deadline = EXCLUDED.deadline,
			content_url = EXCLUDED.content_url,
			content = EXCLUDED.content,
			codes_count = EXCLUDED.codes_count,
			updated_at = EXCLUDED.updated_at`,
		t.ResourceID, t.Title, t.Authority, t.Description, t.Procedure, t.Status,
		t.Value, t.Published, t.Deadline, t.ContentURL, t.Content, t.CodesCount, string(stage), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert tender %d", t.ResourceID)
}

func (s *PostgresStore) GetTender(ctx context.Context, resourceID int64) (*model.TenderRecord, error) {
	var t model.TenderRecord
	err := s.pool.QueryRow(ctx,
		`SELECT resource_id, title, contracting_authority, description, procedure, status,
			estimated_value, published, deadline, content_url, content, codes_count, processing_stage,
			should_bid, confidence, reasoning
		FROM tenders WHERE resource_id = $1`,
		resourceID,
	).Scan(&t.ResourceID, &t.Title, &t.Authority, &t.Description, &t.Procedure, &t.Status,
		&t.Value, &t.Published, &t.Deadline, &t.ContentURL, &t.Content, &t.CodesCount, &t.ProcessingStage,
		&t.ShouldBid, &t.Confidence, &t.Reasoning)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get tender %d", resourceID)
	}
	return &t, nil
}

func (s *PostgresStore) ListTenders(ctx context.Context, filter TenderFilter) ([]model.TenderRecord, error) {
	query := `SELECT resource_id, title, contracting_authority, description, procedure, status,
		estimated_value, published, deadline, content_url, content, codes_count, processing_stage,
		should_bid, confidence, reasoning
		FROM tenders WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Stage != "" {
		query += fmt.Sprintf(` AND processing_stage = $%d`, argIdx)
		args = append(args, string(filter.Stage))
		argIdx++
	}
	if filter.ShouldBid != nil {
		query += fmt.Sprintf(` AND should_bid = $%d`, argIdx)
		args = append(args, *filter.ShouldBid)
		argIdx++
	}
	query += ` ORDER BY resource_id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tenders")
	}
	defer rows.Close()

	var tenders []model.TenderRecord
	for rows.Next() {
		var t model.TenderRecord
		if err := rows.Scan(&t.ResourceID, &t.Title, &t.Authority, &t.Description, &t.Procedure, &t.Status,
			&t.Value, &t.Published, &t.Deadline, &t.ContentURL, &t.Content, &t.CodesCount, &t.ProcessingStage,
			&t.ShouldBid, &t.Confidence, &t.Reasoning); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tender")
		}
		tenders = append(tenders, t)
	}
	return tenders, eris.Wrap(rows.Err(), "postgres: list tenders iterate")
}

// UpdateStage validates the transition against the stage currently on disk,
// inside the same transaction, so concurrent handlers cannot race a tender
// backwards.
func (s *PostgresStore) UpdateStage(ctx context.Context, resourceID int64, stage model.Stage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: update stage begin")
	}
	defer tx.Rollback(ctx)

	var current model.Stage
	err = tx.QueryRow(ctx,
		`SELECT processing_stage FROM tenders WHERE resource_id = $1 FOR UPDATE`,
		resourceID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("postgres: tender not found: %d", resourceID)
		}
		return eris.Wrapf(err, "postgres: read stage %d", resourceID)
	}

	next, err := current.Advance(stage)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE tenders SET processing_stage = $1, updated_at = $2 WHERE resource_id = $3`,
		string(next), time.Now().UTC(), resourceID,
	); err != nil {
		return eris.Wrapf(err, "postgres: update stage %d", resourceID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: update stage commit")
}

// SaveScore writes the score row and the tender decision in one transaction.
// The worker acknowledges its message only after this returns nil.
func (s *PostgresStore) SaveScore(ctx context.Context, resourceID int64, contentHash string, tableVersion int, score model.ScoreResult, stage model.Stage) error {
	if !stage.Valid() {
		return eris.Errorf("postgres: invalid stage %q", stage)
	}

	breakdown, err := json.Marshal(score.Breakdown)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal breakdown")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save score begin")
	}
	defer tx.Rollback(ctx)

	var current model.Stage
	err = tx.QueryRow(ctx,
		`SELECT processing_stage FROM tenders WHERE resource_id = $1 FOR UPDATE`,
		resourceID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("postgres: tender not found: %d", resourceID)
		}
		return eris.Wrapf(err, "postgres: read stage %d", resourceID)
	}

	// A redelivered message can find the tender already advanced downstream.
	// The score still upserts; the stage never moves backwards.
	next := current
	if current.CanTransition(stage) {
		next = stage
	}

	now := time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`INSERT INTO tender_scores (id, resource_id, content_hash, should_bid, confidence, reasoning, breakdown, table_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (resource_id, content_hash) DO UPDATE SET
			should_bid = EXCLUDED.should_bid,
			confidence = EXCLUDED.confidence,
			reasoning = EXCLUDED.reasoning,
			breakdown = EXCLUDED.breakdown,
			table_version = EXCLUDED.table_version,
			updated_at = EXCLUDED.updated_at`,
		uuid.New().String(), resourceID, contentHash,
		score.ShouldBid, score.Confidence, score.Reasoning, breakdown, tableVersion, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: upsert score %d", resourceID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE tenders SET should_bid = $1, confidence = $2, reasoning = $3, processing_stage = $4, updated_at = $5
		WHERE resource_id = $6`,
		score.ShouldBid, score.Confidence, score.Reasoning, string(next), now, resourceID,
	); err != nil {
		return eris.Wrapf(err, "postgres: update tender decision %d", resourceID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: save score commit")
}

func (s *PostgresStore) GetScore(ctx context.Context, resourceID int64, contentHash string) (*model.ScoreResult, error) {
	var score model.ScoreResult
	var breakdown []byte

	err := s.pool.QueryRow(ctx,
		`SELECT should_bid, confidence, reasoning, breakdown
		FROM tender_scores WHERE resource_id = $1 AND content_hash = $2`,
		resourceID, contentHash,
	).Scan(&score.ShouldBid, &score.Confidence, &score.Reasoning, &breakdown)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get score %d", resourceID)
	}

	if err := json.Unmarshal(breakdown, &score.Breakdown); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal breakdown")
	}
	return &score, nil
}

func (s *PostgresStore) StageCounts(ctx context.Context) (map[model.Stage]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT processing_stage, count(*) FROM tenders GROUP BY processing_stage`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stage counts")
	}
	defer rows.Close()

	counts := make(map[model.Stage]int64)
	for rows.Next() {
		var stage model.Stage
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage count")
		}
		counts[stage] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: stage counts iterate")
}

func (s *PostgresStore) BidStats(ctx context.Context) (*BidStats, error) {
	var stats BidStats
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE should_bid), coalesce(avg(confidence), 0)
		FROM tenders WHERE should_bid IS NOT NULL`,
	).Scan(&stats.TotalScored, &stats.Bids, &stats.AvgConfidence)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: bid stats")
	}
	return &stats, nil
}
