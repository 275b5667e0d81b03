package audit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderInsertsEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(insertEventQuery)).
		WithArgs(int64(1), "membership", int64(42), "revoke", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := NewRecorder(db, nil)
	rec.Record(context.Background(), Event{ActorID: 1, Entity: "membership", EntityID: 42, Action: "revoke"})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorderSwallowsInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(insertEventQuery)).WillReturnError(assert.AnError)

	rec := NewRecorder(db, nil)
	// Must not panic or surface the failure.
	rec.Record(context.Background(), Event{Entity: "user", EntityID: 7, Action: "delete"})
}

func TestListForEntity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(listEventsQuery)).
		WithArgs("package", int64(9), 50).
		WillReturnRows(sqlmock.NewRows([]string{"actor_id", "entity", "entity_id", "action", "detail", "created_at"}).
			AddRow(1, "package", 9, "archive", "", now).
			AddRow(1, "package", 9, "create", "", now.Add(-time.Hour)))

	rec := NewRecorder(db, nil)
	events, err := rec.ListForEntity(context.Background(), "package", 9, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "archive", events[0].Action)
}
