package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestVacuumRunsVacuumThenAnalyze(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("VACUUM").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ANALYZE").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, vacuum(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVacuumSurfacesExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("VACUUM").WillReturnError(sql.ErrConnDone)

	err = vacuum(context.Background(), db)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
