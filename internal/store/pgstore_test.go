package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPGStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := newPGStoreFromDB(db)
	t.Cleanup(func() { _ = s.Close() })
	return s, mock
}

func TestPGStoreDefineBucketIssuesCreateTable(t *testing.T) {
	s, mock := newMockPGStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS corehub_bucket_widgets").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.DefineBucket("widgets", BucketConfig{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreInsertWritesJSONBRow(t *testing.T) {
	s, mock := newMockPGStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS corehub_bucket_widgets").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.DefineBucket("widgets", BucketConfig{}))

	mock.ExpectExec("INSERT INTO corehub_bucket_widgets").
		WithArgs(sqlmock.AnyArg(), 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	b, err := s.Bucket("widgets")
	require.NoError(t, err)
	doc, err := b.Insert(context.Background(), Doc{"name": "gizmo"})
	require.NoError(t, err)
	assert.Equal(t, "gizmo", doc["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetReturnsNotFoundOnNoRows(t *testing.T) {
	s, mock := newMockPGStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS corehub_bucket_widgets").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.DefineBucket("widgets", BucketConfig{}))

	mock.ExpectQuery("SELECT data FROM corehub_bucket_widgets").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	b, err := s.Bucket("widgets")
	require.NoError(t, err)
	_, err = b.Get(context.Background(), "missing")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreBucketNotDefinedIsAnError(t *testing.T) {
	s, _ := newMockPGStore(t)
	_, err := s.Bucket("ghosts")
	assert.ErrorIs(t, err, ErrBucketNotDefined)
}

func TestPGStoreDeleteReportsWhetherARowWasRemoved(t *testing.T) {
	s, mock := newMockPGStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS corehub_bucket_widgets").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.DefineBucket("widgets", BucketConfig{}))

	mock.ExpectExec("DELETE FROM corehub_bucket_widgets").
		WithArgs("w1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	b, err := s.Bucket("widgets")
	require.NoError(t, err)
	deleted, err := b.Delete(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
