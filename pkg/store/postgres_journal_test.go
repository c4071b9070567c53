package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

func testRecord() contracts.Record {
	return contracts.NewPredictionEvent(contracts.PredictionRecord{
		PredictionID:   "pred:1",
		ScopeKey:       "turn:1",
		TargetVariable: "confidence",
		Expectation:    0.75,
		IssuedAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
}

func TestPostgresJournalAppendInsertsExactlyOneRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	j := NewPostgresJournal(db, "records")
	g, err := capability.NewGate("inv-1", true)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO journal_records (stream, event_kind, body, body_hash) VALUES ($1, $2, $3, $4)")).
		WithArgs("records", "prediction_record", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	hash, err := j.Append(context.Background(), g, testRecord())
	require.NoError(t, err)
	assert.Contains(t, hash, "sha256:")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournalDeniedGateRunsNoStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	j := NewPostgresJournal(db, "records")
	denied, err := capability.DeniedGate("inv-2", "policy.low_authorization")
	require.NoError(t, err)

	_, err = j.Append(context.Background(), denied, testRecord())
	var denial *capability.DenialError
	require.True(t, errors.As(err, &denial))
	assert.NoError(t, mock.ExpectationsWereMet(), "no SQL may run on a denied append")
}

func TestPostgresJournalMissingGateRunsNoStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	j := NewPostgresJournal(db, "records")
	_, err = j.Append(context.Background(), capability.Gate{}, testRecord())
	assert.ErrorIs(t, err, capability.ErrMissingGate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournalScanSkipsCorruptRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	j := NewPostgresJournal(db, "records")

	goodBody := `{"event_kind":"prediction_record","prediction_id":"pred:1","scope_key":"turn:1","target_variable":"confidence","expectation":0.75,"issued_at":"2026-03-01T10:00:00Z"}`
	rows := sqlmock.NewRows([]string{"body"}).
		AddRow([]byte(goodBody)).
		AddRow([]byte("{corrupt"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM journal_records WHERE stream = $1 ORDER BY seq ASC")).
		WithArgs("records").
		WillReturnRows(rows)

	var seen []string
	err = j.Scan(context.Background(), func(rec contracts.Record) error {
		seen = append(seen, string(rec.Kind))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"prediction_record"}, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}
