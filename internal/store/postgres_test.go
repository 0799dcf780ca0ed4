package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklow-data/tender-triage/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresGetTenderNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT resource_id, title`).
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetTender(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertTenderRejectsBadStage(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.UpsertTender(context.Background(), &model.TenderRecord{
		ResourceID:      1,
		ProcessingStage: model.Stage("limbo"),
	})
	assert.Error(t, err)
}

func TestPostgresUpsertTenderRefreshesContent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// Both content and content_url must be in the conflict clause: the
	// webhook re-posts tenders once their text has been extracted.
	mock.ExpectExec(`(?s)INSERT INTO tenders .*ON CONFLICT \(resource_id\) DO UPDATE SET.*content_url = EXCLUDED\.content_url,\s*content = EXCLUDED\.content,`).
		WithArgs(int64(3), "Provision of ICT Support Services", "Department of Education", "", "", "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "", "extracted tender body", 3, "ingested", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertTender(context.Background(), &model.TenderRecord{
		ResourceID: 3,
		Title:      "Provision of ICT Support Services",
		Authority:  "Department of Education",
		Content:    "extracted tender body",
		CodesCount: 3,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateStage(t *testing.T) {
	t.Run("legal transition commits", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT processing_stage FROM tenders`).
			WithArgs(int64(7)).
			WillReturnRows(pgxmock.NewRows([]string{"processing_stage"}).AddRow("scored"))
		mock.ExpectExec(`UPDATE tenders SET processing_stage`).
			WithArgs("routed_full_content", pgxmock.AnyArg(), int64(7)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		err := s.UpdateStage(context.Background(), 7, model.StageRoutedFull)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("illegal transition rolls back", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT processing_stage FROM tenders`).
			WithArgs(int64(7)).
			WillReturnRows(pgxmock.NewRows([]string{"processing_stage"}).AddRow("accepted"))
		mock.ExpectRollback()

		err := s.UpdateStage(context.Background(), 7, model.StageScored)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing tender", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT processing_stage FROM tenders`).
			WithArgs(int64(8)).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		err := s.UpdateStage(context.Background(), 8, model.StageScored)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestPostgresSaveScore(t *testing.T) {
	score := model.ScoreResult{
		ShouldBid:  true,
		Confidence: 0.31,
		Reasoning:  "HIGH_CONFIDENCE_BID: Has 3 relevant codes (Score: 0.310, Threshold: 0.050)",
	}

	t.Run("upserts and commits", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT processing_stage FROM tenders WHERE resource_id = \$1 FOR UPDATE`).
			WithArgs(int64(5)).
			WillReturnRows(pgxmock.NewRows([]string{"processing_stage"}).AddRow("ingested"))
		mock.ExpectExec(`INSERT INTO tender_scores`).
			WithArgs(pgxmock.AnyArg(), int64(5), "hash-a", true, 0.31, score.Reasoning,
				pgxmock.AnyArg(), 1, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`UPDATE tenders SET should_bid`).
			WithArgs(true, 0.31, score.Reasoning, "scored", pgxmock.AnyArg(), int64(5)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		err := s.SaveScore(context.Background(), 5, "hash-a", 1, score, model.StageScored)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redelivery after downstream advance keeps stage", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT processing_stage FROM tenders WHERE resource_id = \$1 FOR UPDATE`).
			WithArgs(int64(5)).
			WillReturnRows(pgxmock.NewRows([]string{"processing_stage"}).AddRow("routed_full_content"))
		mock.ExpectExec(`INSERT INTO tender_scores`).
			WithArgs(pgxmock.AnyArg(), int64(5), "hash-a", true, 0.31, score.Reasoning,
				pgxmock.AnyArg(), 1, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`UPDATE tenders SET should_bid`).
			WithArgs(true, 0.31, score.Reasoning, "routed_full_content", pgxmock.AnyArg(), int64(5)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		err := s.SaveScore(context.Background(), 5, "hash-a", 1, score, model.StageScored)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing tender fails before writing", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT processing_stage FROM tenders WHERE resource_id = \$1 FOR UPDATE`).
			WithArgs(int64(6)).
			WillReturnRows(pgxmock.NewRows([]string{"processing_stage"}))
		mock.ExpectRollback()

		err := s.SaveScore(context.Background(), 6, "hash-b", 1, score, model.StageScored)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects invalid stage", func(t *testing.T) {
		s, _ := newMockPostgresStore(t)
		err := s.SaveScore(context.Background(), 5, "hash-a", 1, score, model.Stage("done"))
		assert.Error(t, err)
	})
}

func TestPostgresGetScoreNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT should_bid, confidence, reasoning, breakdown`).
		WithArgs(int64(5), "hash-z").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetScore(context.Background(), 5, "hash-z")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStageCounts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT processing_stage, count`).
		WillReturnRows(pgxmock.NewRows([]string{"processing_stage", "count"}).
			AddRow("ingested", int64(12)).
			AddRow("scored", int64(4)))

	counts, err := s.StageCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), counts[model.StageIngested])
	assert.Equal(t, int64(4), counts[model.StageScored])
	assert.NoError(t, mock.ExpectationsWereMet())
}
