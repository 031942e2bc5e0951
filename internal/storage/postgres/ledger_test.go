package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingestion-runtime/internal/ingest"
)

func TestRecordFragmentInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewLedgerWithPool(mock, "fragments")
	require.NoError(t, err)

	rec := ingest.FragmentRecord{
		ObjectName:     "fragments/2025-01-02T03-04-05Z_m1.json",
		MessageID:      "m1",
		EntryTimestamp: "2025-01-02T03:04:05Z",
		ReceivedAt:     time.Unix(1700000000, 0).UTC(),
	}

	mock.ExpectExec("INSERT INTO fragments").
		WithArgs(rec.ObjectName, rec.MessageID, rec.EntryTimestamp, rec.ReceivedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ledger.RecordFragment(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFragmentPropagatesError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewLedgerWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO fragments").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	err = ledger.RecordFragment(context.Background(), ingest.FragmentRecord{ObjectName: "fragments/x.json"})
	require.ErrorContains(t, err, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFragmentRequiresName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewLedgerWithPool(mock, "fragments")
	require.NoError(t, err)
	require.Error(t, ledger.RecordFragment(context.Background(), ingest.FragmentRecord{}))
}

func TestLedgerConstructorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewLedgerWithPool(nil, "fragments")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewLedgerWithPool(mock, "fragments; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewLedger(context.Background(), LedgerConfig{})
	require.ErrorContains(t, err, "database.dsn")

	var nilLedger *Ledger
	nilLedger.Close()
	require.Error(t, nilLedger.RecordFragment(context.Background(), ingest.FragmentRecord{ObjectName: "x"}))
}
