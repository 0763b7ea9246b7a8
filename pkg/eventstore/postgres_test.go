package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, Options{Clock: clockwork.NewFakeClockAt(testNow)}), mock
}

// noCutoff is the watermark of a store that was never purged
var noCutoff = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

func expectCutoff(mock sqlmock.Sqlmock, purgedBefore time.Time) {
	mock.ExpectQuery("SELECT purged_before FROM metric_retention").
		WillReturnRows(sqlmock.NewRows([]string{"purged_before"}).AddRow(purgedBefore))
}

func TestPostgresStore_Append(t *testing.T) {
	store, mock := newMockStore(t)
	var notified int
	store.Subscribe(func(metrics.SubjectRef, civil.Date) { notified++ })

	mock.ExpectBegin()
	expectCutoff(mock, noCutoff)
	mock.ExpectExec("INSERT INTO metric_facts").
		WithArgs(sqlmock.AnyArg(), "song", int64(7), "play", day(3).In(time.UTC), "5", nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO metric_totals").
		WithArgs("song", int64(7), "play", "5").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.Append(context.Background(), play(7, day(3), 5))
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendDuplicateSkipsTotals(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	expectCutoff(mock, noCutoff)
	mock.ExpectExec("INSERT INTO metric_facts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.Append(context.Background(), play(7, day(3), 5)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendInvalidFactTouchesNothing(t *testing.T) {
	store, mock := newMockStore(t)

	err := store.Append(context.Background(), play(7, day(11), 1))
	assert.ErrorIs(t, err, metrics.ErrInvalidFact)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendRollsBackOnTotalFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	expectCutoff(mock, noCutoff)
	mock.ExpectExec("INSERT INTO metric_facts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO metric_totals").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := store.Append(context.Background(), play(7, day(3), 5))
	assert.ErrorIs(t, err, metrics.ErrUpstreamUnavailable)
	assert.True(t, metrics.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendBeforeCutoffIsInvalid(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	expectCutoff(mock, day(5).In(time.UTC))
	mock.ExpectRollback()

	err := store.Append(context.Background(), play(7, day(4), 5))
	assert.ErrorIs(t, err, metrics.ErrInvalidFact)
	assert.False(t, metrics.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendWithoutRetentionRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT purged_before FROM metric_retention").
		WillReturnRows(sqlmock.NewRows([]string{"purged_before"}))
	mock.ExpectExec("INSERT INTO metric_facts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO metric_totals").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Append(context.Background(), play(7, day(1), 1)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendRejectedValueIsInvalid(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	expectCutoff(mock, noCutoff)
	mock.ExpectExec("INSERT INTO metric_facts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO metric_totals").
		WillReturnError(&pq.Error{Code: "22003", Message: "numeric field overflow"})
	mock.ExpectRollback()

	err := store.Append(context.Background(), play(7, day(3), 5))
	assert.ErrorIs(t, err, metrics.ErrInvalidFact)
	assert.False(t, metrics.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		retryable bool
	}{
		{"overflow", &pq.Error{Code: "22003"}, metrics.ErrInvalidFact, false},
		{"check violation", &pq.Error{Code: "23514"}, metrics.ErrInvalidFact, false},
		{"admin shutdown", &pq.Error{Code: "57P01"}, metrics.ErrUpstreamUnavailable, true},
		{"serialization failure", &pq.Error{Code: "40001"}, metrics.ErrUpstreamUnavailable, true},
		{"broken connection", errors.New("driver: bad connection"), metrics.ErrUpstreamUnavailable, true},
		{"deadline", context.DeadlineExceeded, metrics.ErrTimeout, true},
		{"cancelled", context.Canceled, context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storeError("insert fact", tt.err)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.retryable, metrics.IsRetryable(err))
		})
	}

	undefined := storeError("insert fact", &pq.Error{Code: "42P01"})
	assert.False(t, metrics.IsRetryable(undefined))
	assert.NotErrorIs(t, undefined, metrics.ErrInvalidFact)
	assert.NoError(t, storeError("insert fact", nil))
}

func TestPostgresStore_FactsFor(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "kind", "occurred_on", "value", "currency", "source"}).
		AddRow("0b6f6e8e-6c1c-4c55-9e59-8d6f9b3e6a01", "play", day(2).In(time.UTC), "3", "", "").
		AddRow("0b6f6e8e-6c1c-4c55-9e59-8d6f9b3e6a02", "sale", day(4).In(time.UTC), "0.99", "USD", "commerce")
	mock.ExpectQuery("SELECT id, kind, occurred_on").
		WithArgs("song", int64(7), day(1).In(time.UTC), day(5).In(time.UTC)).
		WillReturnRows(rows)

	r, _ := metrics.NewDateRange(day(1), day(5))
	facts, err := Collect(store.FactsFor(context.Background(), metrics.Song(7), r))
	require.NoError(t, err)
	require.Len(t, facts, 2)

	assert.Equal(t, metrics.KindPlay, facts[0].Kind)
	assert.Equal(t, day(2), facts[0].OccurredOn)
	assert.Equal(t, metrics.Song(7), facts[0].Subject)
	assert.True(t, facts[1].Value.Equal(decimal.RequireFromString("0.99")))
	assert.Equal(t, "USD", facts[1].Currency)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FactsForTimeout(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, kind, occurred_on").
		WillReturnError(context.DeadlineExceeded)

	r, _ := metrics.NewDateRange(day(1), day(5))
	_, err := Collect(store.FactsFor(context.Background(), metrics.Song(7), r))
	assert.ErrorIs(t, err, metrics.ErrTimeout)
}

func TestPostgresStore_TotalForSubject(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT facts, sum FROM metric_totals").
		WithArgs("song", int64(7), "sale").
		WillReturnRows(sqlmock.NewRows([]string{"facts", "sum"}).AddRow(int64(3), "2.97"))

	total, err := store.TotalForSubject(context.Background(), metrics.Song(7), metrics.KindSale)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total.Facts)
	assert.True(t, total.Sum.Equal(decimal.RequireFromString("2.97")))

	mock.ExpectQuery("SELECT facts, sum FROM metric_totals").
		WithArgs("song", int64(8), "sale").
		WillReturnRows(sqlmock.NewRows([]string{"facts", "sum"}))

	total, err = store.TotalForSubject(context.Background(), metrics.Song(8), metrics.KindSale)
	require.NoError(t, err)
	assert.Equal(t, metrics.Total{}, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Purge(t *testing.T) {
	store, mock := newMockStore(t)
	var changed int
	store.Subscribe(func(metrics.SubjectRef, civil.Date) { changed++ })

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO metric_retention").
		WithArgs(day(5).In(time.UTC)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("DELETE FROM metric_facts").
		WithArgs(day(5).In(time.UTC)).
		WillReturnRows(sqlmock.NewRows([]string{"subject_type", "subject_id", "occurred_on"}).
			AddRow("song", int64(1), day(1).In(time.UTC)).
			AddRow("song", int64(1), day(1).In(time.UTC)).
			AddRow("song", int64(2), day(2).In(time.UTC)))
	mock.ExpectCommit()

	removed, err := store.Purge(context.Background(), day(5))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PurgeFailureNotifiesNobody(t *testing.T) {
	store, mock := newMockStore(t)
	var changed int
	store.Subscribe(func(metrics.SubjectRef, civil.Date) { changed++ })

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO metric_retention").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("DELETE FROM metric_facts").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := store.Purge(context.Background(), day(5))
	assert.ErrorIs(t, err, metrics.ErrTimeout)
	assert.Zero(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
