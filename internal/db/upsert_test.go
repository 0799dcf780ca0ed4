package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tenderUpsertConfig() UpsertConfig {
	return UpsertConfig{
		Table:        "tenders",
		Columns:      []string{"resource_id", "title", "codes_count"},
		ConflictKeys: []string{"resource_id"},
	}
}

func TestBulkUpsertEmptyInput(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	n, err := BulkUpsert(context.Background(), mock, tenderUpsertConfig(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertValidation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := [][]any{{int64(1), "t", 0}}

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{Table: "tenders"}, rows)
	assert.Error(t, err)

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:   "tenders",
		Columns: []string{"resource_id"},
	}, rows)
	assert.Error(t, err)
}

func TestBulkUpsertMergesThroughTempTable(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE _tmp_upsert_tenders \(LIKE tenders INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_tenders"}, []string{"resource_id", "title", "codes_count"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO tenders .* ON CONFLICT \(resource_id\) DO UPDATE SET title = EXCLUDED\.title, codes_count = EXCLUDED\.codes_count`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, tenderUpsertConfig(), [][]any{
		{int64(1), "Provision of ICT Support Services", 3},
		{int64(2), "Supply of Computer Equipment", 1},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertRollsBackOnCopyFailure(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_tenders"}, []string{"resource_id", "title", "codes_count"}).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, tenderUpsertConfig(), [][]any{
		{int64(1), "t", 0},
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
