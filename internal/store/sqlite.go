package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/arklow-data/tender-triage/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local runs
// and the ad hoc score command; the durable queue still needs Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tenders (
	resource_id           INTEGER PRIMARY KEY,
	title                 TEXT NOT NULL,
	contracting_authority TEXT NOT NULL DEFAULT '',
	description           TEXT NOT NULL DEFAULT '',
	procedure             TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT '',
	estimated_value       REAL,
	published             DATETIME,
	deadline              DATETIME,
	content_url           TEXT NOT NULL DEFAULT '',
	content               TEXT NOT NULL DEFAULT '',
	codes_count           INTEGER NOT NULL DEFAULT 0,
	processing_stage      TEXT NOT NULL DEFAULT 'ingested',
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tenders_stage ON tenders(processing_stage);

CREATE TABLE IF NOT EXISTS tender_scores (
	id            TEXT PRIMARY KEY,
	resource_id   INTEGER NOT NULL REFERENCES tenders(resource_id),
	content_hash  TEXT NOT NULL,
	should_bid    INTEGER NOT NULL,
	confidence    REAL NOT NULL,
	reasoning     TEXT NOT NULL,
	breakdown     TEXT NOT NULL,
	table_version INTEGER NOT NULL DEFAULT 1,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (resource_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_tender_scores_resource ON tender_scores(resource_id);
`

// Migrate creates the schema and back-fills scoring columns on databases
// created before they existed. SQLite has no ADD COLUMN IF NOT EXISTS, so
// each is checked against table_info first.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}

	for col, ddl := range map[string]string{
		"content":    "ALTER TABLE tenders ADD COLUMN content TEXT NOT NULL DEFAULT ''",
		"should_bid": "ALTER TABLE tenders ADD COLUMN should_bid INTEGER",
		"confidence": "ALTER TABLE tenders ADD COLUMN confidence REAL",
		"reasoning":  "ALTER TABLE tenders ADD COLUMN reasoning TEXT",
	} {
		if err := s.ensureColumn(ctx, "tenders", col, ddl); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(ctx context.Context, table, column, ddl string) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&n)
	if err != nil {
		return eris.Wrapf(err, "sqlite: inspect %s.%s", table, column)
	}
	if n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, ddl)
	return eris.Wrapf(err, "sqlite: add column %s.%s", table, column)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertTender(ctx context.Context, t *model.TenderRecord) error {
	stage := t.ProcessingStage
	if stage == "" {
		stage = model.StageIngested
	}
	if !stage.Valid() {
		return eris.Errorf("sqlite: invalid stage %q", stage)
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenders (resource_id, title, contracting_authority, description, procedure, status,
			estimated_value, published, deadline, content_url, content, codes_count, processing_stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_id) DO UPDATE SET
			title = excluded.title,
			contracting_authority = excluded.contracting_authority,
			description = excluded.description,
			procedure = excluded.procedure,
			status = excluded.status,
			estimated_value = excluded.estimated_value,
			published = excluded.published,
			deadline = excluded.deadline,
			content_url = excluded.content_url,
			content = excluded.content,
			codes_count = excluded.codes_count,
			updated_at = excluded.updated_at`,
		t.ResourceID, t.Title, t.Authority, t.Description, t.Procedure, t.Status,
		t.Value, t.Published, t.Deadline, t.ContentURL, t.Content, t.CodesCount, string(stage), now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert tender %d", t.ResourceID)
}

const sqliteTenderCols = `resource_id, title, contracting_authority, description, procedure, status,
	estimated_value, published, deadline, content_url, content, codes_count, processing_stage,
	should_bid, confidence, reasoning`

func scanTender(row interface{ Scan(...any) error }) (*model.TenderRecord, error) {
	var t model.TenderRecord
	var value sql.NullFloat64
	var published, deadline sql.NullTime
	var shouldBid sql.NullBool
	var confidence sql.NullFloat64
	var reasoning sql.NullString

	err := row.Scan(&t.ResourceID, &t.Title, &t.Authority, &t.Description, &t.Procedure, &t.Status,
		&value, &published, &deadline, &t.ContentURL, &t.Content, &t.CodesCount, &t.ProcessingStage,
		&shouldBid, &confidence, &reasoning)
	if err != nil {
		return nil, err
	}

	if value.Valid {
		t.Value = &value.Float64
	}
	if published.Valid {
		ts := published.Time
		t.Published = &ts
	}
	if deadline.Valid {
		ts := deadline.Time
		t.Deadline = &ts
	}
	if shouldBid.Valid {
		t.ShouldBid = &shouldBid.Bool
	}
	if confidence.Valid {
		t.Confidence = &confidence.Float64
	}
	if reasoning.Valid {
		t.Reasoning = &reasoning.String
	}
	return &t, nil
}

func (s *SQLiteStore) GetTender(ctx context.Context, resourceID int64) (*model.TenderRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTenderCols+` FROM tenders WHERE resource_id = ?`, resourceID)

	t, err := scanTender(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get tender %d", resourceID)
	}
	return t, nil
}

func (s *SQLiteStore) ListTenders(ctx context.Context, filter TenderFilter) ([]model.TenderRecord, error) {
	query := `SELECT ` + sqliteTenderCols + ` FROM tenders WHERE true`
	args := []any{}

	if filter.Stage != "" {
		query += ` AND processing_stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.ShouldBid != nil {
		query += ` AND should_bid = ?`
		args = append(args, *filter.ShouldBid)
	}
	query += ` ORDER BY resource_id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tenders")
	}
	defer rows.Close()

	var tenders []model.TenderRecord
	for rows.Next() {
		t, err := scanTender(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tender")
		}
		tenders = append(tenders, *t)
	}
	return tenders, eris.Wrap(rows.Err(), "sqlite: list tenders iterate")
}

func (s *SQLiteStore) UpdateStage(ctx context.Context, resourceID int64, stage model.Stage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: update stage begin")
	}
	defer tx.Rollback()

	var current model.Stage
	err = tx.QueryRowContext(ctx,
		`SELECT processing_stage FROM tenders WHERE resource_id = ?`, resourceID,
	).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return eris.Errorf("sqlite: tender not found: %d", resourceID)
		}
		return eris.Wrapf(err, "sqlite: read stage %d", resourceID)
	}

	next, err := current.Advance(stage)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tenders SET processing_stage = ?, updated_at = ? WHERE resource_id = ?`,
		string(next), time.Now().UTC(), resourceID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: update stage %d", resourceID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: update stage commit")
}

func (s *SQLiteStore) SaveScore(ctx context.Context, resourceID int64, contentHash string, tableVersion int, score model.ScoreResult, stage model.Stage) error {
	if !stage.Valid() {
		return eris.Errorf("sqlite: invalid stage %q", stage)
	}

	breakdown, err := json.Marshal(score.Breakdown)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal breakdown")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save score begin")
	}
	defer tx.Rollback()

	var current model.Stage
	err = tx.QueryRowContext(ctx,
		`SELECT processing_stage FROM tenders WHERE resource_id = ?`, resourceID,
	).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return eris.Errorf("sqlite: tender not found: %d", resourceID)
		}
		return eris.Wrapf(err, "sqlite: read stage %d", resourceID)
	}

	// A redelivered message can find the tender already advanced downstream.
	// The score still upserts; the stage never moves backwards.
	next := current
	if current.CanTransition(stage) {
		next = stage
	}

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tender_scores (id, resource_id, content_hash, should_bid, confidence, reasoning, breakdown, table_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_id, content_hash) DO UPDATE SET
			should_bid = excluded.should_bid,
			confidence = excluded.confidence,
			reasoning = excluded.reasoning,
			breakdown = excluded.breakdown,
			table_version = excluded.table_version,
			updated_at = excluded.updated_at`,
		uuid.New().String(), resourceID, contentHash,
		score.ShouldBid, score.Confidence, score.Reasoning, string(breakdown), tableVersion, now, now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert score %d", resourceID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tenders SET should_bid = ?, confidence = ?, reasoning = ?, processing_stage = ?, updated_at = ?
		WHERE resource_id = ?`,
		score.ShouldBid, score.Confidence, score.Reasoning, string(next), now, resourceID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: update tender decision %d", resourceID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: save score commit")
}

func (s *SQLiteStore) GetScore(ctx context.Context, resourceID int64, contentHash string) (*model.ScoreResult, error) {
	var score model.ScoreResult
	var breakdown string

	err := s.db.QueryRowContext(ctx,
		`SELECT should_bid, confidence, reasoning, breakdown
		FROM tender_scores WHERE resource_id = ? AND content_hash = ?`,
		resourceID, contentHash,
	).Scan(&score.ShouldBid, &score.Confidence, &score.Reasoning, &breakdown)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get score %d", resourceID)
	}

	if err := json.Unmarshal([]byte(breakdown), &score.Breakdown); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal breakdown")
	}
	return &score, nil
}

func (s *SQLiteStore) StageCounts(ctx context.Context) (map[model.Stage]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT processing_stage, count(*) FROM tenders GROUP BY processing_stage`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stage counts")
	}
	defer rows.Close()

	counts := make(map[model.Stage]int64)
	for rows.Next() {
		var stage model.Stage
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage count")
		}
		counts[stage] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: stage counts iterate")
}

func (s *SQLiteStore) BidStats(ctx context.Context) (*BidStats, error) {
	var stats BidStats
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*),
			coalesce(sum(CASE WHEN should_bid THEN 1 ELSE 0 END), 0),
			coalesce(avg(confidence), 0)
		FROM tenders WHERE should_bid IS NOT NULL`,
	).Scan(&stats.TotalScored, &stats.Bids, &stats.AvgConfidence)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: bid stats")
	}
	return &stats, nil
}

// OpenByDriver builds a Store from config values.
func OpenByDriver(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn, poolCfg)
	case "sqlite":
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}
