package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	n, err := CopyFrom(context.Background(), mock, "decision_makers", []string{"id"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id", "name"}
	mock.ExpectCopyFrom(pgx.Identifier{"decision_makers"}, cols).WillReturnResult(2)

	n, err := CopyFrom(context.Background(), mock, "decision_makers", cols, [][]any{{"1", "a"}, {"2", "b"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_ShortWrite(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id"}
	mock.ExpectCopyFrom(pgx.Identifier{"decision_makers"}, cols).WillReturnResult(1)

	_, err = CopyFrom(context.Background(), mock, "decision_makers", cols, [][]any{{"1"}, {"2"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrote 1 of 2")
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id"}
	mock.ExpectCopyFrom(pgx.Identifier{"decision_makers"}, cols).WillReturnError(errors.New("conn lost"))

	_, err = CopyFrom(context.Background(), mock, "decision_makers", cols, [][]any{{"1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO decision_makers")
}
