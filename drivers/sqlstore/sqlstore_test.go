package sqlstore

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/teranos/propagator/contact"
)

func TestHandleChange_InsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := New("storage", "sqlstore", "1.0.0", Config{MaxBatchSize: 100}).withDB(db)

	change := contact.ContactChange{
		ContactId: "c1",
		GroupId:   "root",
		Value:     42.0,
		Timestamp: time.Unix(0, 1000),
	}

	mock.ExpectExec("INSERT INTO contact_changes").
		WithArgs("c1", "root", "42", int64(1000)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	resp, err := d.HandleChange(context.Background(), change)
	require.NoError(t, err)
	require.True(t, resp.Acknowledged)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleChange_NotInitialized(t *testing.T) {
	d := New("storage", "sqlstore", "1.0.0", Config{})
	_, err := d.HandleChange(context.Background(), contact.ContactChange{})
	require.Error(t, err)
}

func TestCheckPostconditions_MissingRowIsFatal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := New("storage", "sqlstore", "1.0.0", Config{}).withDB(db)

	change := contact.ContactChange{ContactId: "c1", Timestamp: time.Unix(0, 5)}
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("c1", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err = d.CheckPostconditions(context.Background(), change)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCapabilities(t *testing.T) {
	d := New("storage", "sqlstore", "1.0.0", Config{MaxBatchSize: 250})
	caps := d.Capabilities()
	require.True(t, caps.SupportsBatching)
	require.True(t, caps.SupportsTransactions)
	require.False(t, caps.SupportsStreaming)
	require.Equal(t, 250, caps.MaxBatchSize)
}
