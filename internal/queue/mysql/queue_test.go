package mysqlqueue

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/retry"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticIDs struct{ ids []string }

func (s *staticIDs) NewID() (string, error) {
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id, nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMockQueue(t *testing.T, cfg Config) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	cfg.WorkerID = "worker-1"
	cfg.Clock = fixedClock{now: testNow}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.NewPolicy(3, time.Second, time.Minute)
	}
	q, err := NewWithDB(sqlx.NewDb(mockDB, "sqlmock"), cfg)
	require.NoError(t, err)
	q.newLease = func() string { return "worker-1-lease-1" }
	return q, mock
}

const expireQuery = "UPDATE scrape_jobs\nSET status = ?, last_error = ?, locked_by = NULL, locked_until = NULL, updated_at = ?\n" +
	"WHERE status = ? AND locked_until < ? AND attempts >= max_attempts"

func expectExpire(mock sqlmock.Sqlmock, expired int64) {
	mock.ExpectExec(regexp.QuoteMeta(expireQuery)).
		WithArgs(statusFailed, leaseExpiredError, testNow, statusRunning, testNow).
		WillReturnResult(sqlmock.NewResult(0, expired))
}

func TestEnqueueInsertsPendingRows(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{IDs: &staticIDs{ids: []string{"j1", "j2"}}})

	query := "INSERT INTO scrape_jobs (id, url, status, attempts, max_attempts, available_at, created_at, updated_at) " +
		"VALUES (?, ?, ?, 0, ?, ?, ?, ?), (?, ?, ?, 0, ?, ?, ?, ?)"
	mock.ExpectExec(regexp.QuoteMeta(query)).
		WithArgs(
			"j1", "https://a.test", statusPending, 3, testNow, testNow, testNow,
			"j2", "https://b.test", statusPending, 3, testNow, testNow, testNow,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	jobs, err := q.Enqueue(context.Background(), "https://a.test", "https://b.test")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "j2", jobs[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimLocksOldestAvailableRow(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{})
	created := testNow.Add(-time.Hour)

	mock.ExpectBegin()
	expectExpire(mock, 0)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, url, attempts, max_attempts, created_at")).
		WithArgs(statusPending, testNow, statusRunning, testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "attempts", "max_attempts", "created_at"}).
			AddRow("j1", "https://a.test", 1, 3, created))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE scrape_jobs")).
		WithArgs(statusRunning, "worker-1-lease-1", testNow.Add(defaultLockTimeout), testNow, "j1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.Equal(t, media.Job{
		ID:          "j1",
		URL:         "https://a.test",
		Attempt:     2,
		MaxAttempts: 3,
		EnqueuedAt:  created,
		Receipt:     "worker-1-lease-1",
	}, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNeverReclaimsExhaustedLeases(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{PollInterval: time.Hour})

	// A row stuck in running on its final attempt is parked as failed, and the
	// stale-lease branch of the claim only matches rows with attempts left.
	mock.ExpectBegin()
	expectExpire(mock, 1)
	mock.ExpectQuery(regexp.QuoteMeta("OR (status = ? AND locked_until < ? AND attempts < max_attempts)")).
		WithArgs(statusPending, testNow, statusRunning, testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "attempts", "max_attempts", "created_at"}))
	mock.ExpectRollback()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Claim(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimSurfacesExpireErrors(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{})
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(expireQuery)).WillReturnError(errors.New("lock wait timeout"))
	mock.ExpectRollback()

	_, err := q.Claim(context.Background())
	require.ErrorContains(t, err, "expire exhausted leases")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDefaultLeasesAreUniquePerClaim(t *testing.T) {
	t.Parallel()

	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close() //nolint:errcheck
	q, err := NewWithDB(sqlx.NewDb(mockDB, "sqlmock"), Config{WorkerID: "host-1"})
	require.NoError(t, err)

	first, second := q.newLease(), q.newLease()
	require.NotEqual(t, first, second)
	require.True(t, strings.HasPrefix(first, "host-1-"))
	require.LessOrEqual(t, len(first), 128)
}

func TestClaimWaitsWhenEmpty(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{PollInterval: time.Hour})

	mock.ExpectBegin()
	expectExpire(mock, 0)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, url")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "attempts", "max_attempts", "created_at"}))
	mock.ExpectRollback()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Claim(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimSurfacesQueryErrors(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{})
	mock.ExpectBegin()
	expectExpire(mock, 0)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, url")).WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	_, err := q.Claim(context.Background())
	require.ErrorContains(t, err, "deadlock")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAfterStopIntake(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{})
	q.StopIntake()
	q.StopIntake()

	_, err := q.Claim(context.Background())
	require.ErrorIs(t, err, media.ErrQueueClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteStoresSummary(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{})
	mock.ExpectExec(regexp.QuoteMeta("UPDATE scrape_jobs\nSET status = ?, summary = ?")).
		WithArgs(statusCompleted, []byte(`{"found":3}`), testNow, "j1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.Complete(context.Background(), media.Job{ID: "j1", Receipt: "worker-1"}, media.Summary{Found: 3})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{})
	mock.ExpectExec(regexp.QuoteMeta("SET status = ?, last_error = ?, available_at = ?")).
		WithArgs(statusPending, "boom", testNow.Add(2*time.Second), testNow, "j1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := media.Job{ID: "j1", Attempt: 2, MaxAttempts: 3, Receipt: "worker-1"}
	require.NoError(t, q.Fail(context.Background(), job, errors.New("boom")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailMarksExhaustedAndTerminalJobsFailed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		job   media.Job
		cause error
	}{
		{name: "exhausted", job: media.Job{ID: "j1", Attempt: 3, Receipt: "worker-1"}, cause: errors.New("boom")},
		{name: "terminal", job: media.Job{ID: "j1", Attempt: 1, Receipt: "worker-1"}, cause: media.Terminal(errors.New("boom"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q, mock := newMockQueue(t, Config{})
			mock.ExpectExec(regexp.QuoteMeta("SET status = ?, last_error = ?, locked_by = NULL")).
				WithArgs(statusFailed, tt.cause.Error(), testNow, "j1", "worker-1").
				WillReturnResult(sqlmock.NewResult(0, 1))

			require.NoError(t, q.Fail(context.Background(), tt.job, tt.cause))
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestReportAfterLeaseLost(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{})
	mock.ExpectExec(regexp.QuoteMeta("UPDATE scrape_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.Complete(context.Background(), media.Job{ID: "j1", Receipt: "worker-1"}, media.Summary{})
	require.ErrorContains(t, err, "no longer held")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithDBValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWithDB(nil, Config{})
	require.Error(t, err)

	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close() //nolint:errcheck
	_, err = NewWithDB(sqlx.NewDb(mockDB, "sqlmock"), Config{Table: "jobs; DROP TABLE x"})
	require.ErrorContains(t, err, "invalid table name")
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn is required")
}
