// Package mysqlqueue implements a durable job queue on a MySQL table. Workers claim
// rows with FOR UPDATE SKIP LOCKED and hold a lease until they report.
package mysqlqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/queue"
	"github.com/JakeFAU/mediascrape/internal/retry"
)

const (
	statusPending   = "pending"
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"

	leaseExpiredError = "lease expired on final attempt"

	defaultTable        = "scrape_jobs"
	defaultPollInterval = 500 * time.Millisecond
	defaultLockTimeout  = 2 * time.Minute
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the MySQL queue.
type Config struct {
	DSN          string
	Table        string
	PollInterval time.Duration
	LockTimeout  time.Duration
	WorkerID     string
	Migrate      bool
	Policy       retry.Policy
	IDs          media.IDGenerator
	Clock        media.Clock
	Logger       *zap.Logger
}

// Queue is a media.JobQueue backed by MySQL rows.
type Queue struct {
	db       *sqlx.DB
	cfg      Config
	stopOnce sync.Once
	stopped  chan struct{}
	// newLease returns the owner token written to locked_by for one claim.
	newLease func() string
}

type jobRow struct {
	ID          string    `db:"id"`
	URL         string    `db:"url"`
	Attempts    int       `db:"attempts"`
	MaxAttempts int       `db:"max_attempts"`
	CreatedAt   time.Time `db:"created_at"`
}

// Open connects to MySQL, applies migrations when asked and returns the queue.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, errors.New("queue.mysql.dsn is required")
	}
	dsnCfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	dsnCfg.ParseTime = true
	dsnCfg.Loc = time.UTC
	db, err := sqlx.ConnectContext(ctx, "mysql", dsnCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	if cfg.Migrate {
		if err := runMigrations(db.DB); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	q, err := NewWithDB(db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// NewWithDB builds a queue on an existing handle (primarily for testing).
func NewWithDB(db *sqlx.DB, cfg Config) (*Queue, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.NewPolicy(0, 0, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	workerID := cfg.WorkerID
	return &Queue{
		db:       db,
		cfg:      cfg,
		stopped:  make(chan struct{}),
		newLease: func() string { return workerID + "-" + uuid.NewString() },
	}, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Enqueue inserts one pending row per URL in a single transaction.
func (q *Queue) Enqueue(ctx context.Context, urls ...string) ([]media.Job, error) {
	jobs, err := queue.NewJobs(q.cfg.IDs, q.cfg.Clock, q.cfg.Policy.MaxAttempts, urls)
	if err != nil {
		return nil, err
	}
	placeholders := make([]string, 0, len(jobs))
	args := make([]any, 0, len(jobs)*7)
	for _, job := range jobs {
		at := job.EnqueuedAt.UTC().Round(time.Microsecond)
		placeholders = append(placeholders, "(?, ?, ?, 0, ?, ?, ?, ?)")
		args = append(args, job.ID, job.URL, statusPending, job.MaxAttempts, at, at, at)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (id, url, status, attempts, max_attempts, available_at, created_at, updated_at) VALUES %s",
		q.cfg.Table, strings.Join(placeholders, ", "),
	)
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert jobs: %w", err)
	}
	return jobs, nil
}

// Claim polls until a row is available, ctx ends, or intake stops. Rows whose
// lease expired while running are reclaimed and count as a new attempt; rows
// that expired on their last attempt are marked failed instead.
func (q *Queue) Claim(ctx context.Context) (media.Job, error) {
	for {
		select {
		case <-q.stopped:
			return media.Job{}, media.ErrQueueClosed
		default:
		}
		job, err := q.tryClaim(ctx)
		switch {
		case err == nil:
			return job, nil
		case !errors.Is(err, sql.ErrNoRows):
			return media.Job{}, err
		}
		select {
		case <-ctx.Done():
			return media.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.stopped:
			return media.Job{}, media.ErrQueueClosed
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

func (q *Queue) tryClaim(ctx context.Context) (job media.Job, err error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return media.Job{}, fmt.Errorf("begin claim: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := q.now()
	expire := fmt.Sprintf(`UPDATE %s
SET status = ?, last_error = ?, locked_by = NULL, locked_until = NULL, updated_at = ?
WHERE status = ? AND locked_until < ? AND attempts >= max_attempts`, q.cfg.Table)
	res, err := tx.ExecContext(ctx, expire, statusFailed, leaseExpiredError, now, statusRunning, now)
	if err != nil {
		return media.Job{}, fmt.Errorf("expire exhausted leases: %w", err)
	}
	if n, rerr := res.RowsAffected(); rerr == nil && n > 0 {
		q.cfg.Logger.Warn("failed jobs whose final attempt lost its lease", zap.Int64("jobs", n))
	}

	var row jobRow
	query := fmt.Sprintf(`SELECT id, url, attempts, max_attempts, created_at
FROM %s
WHERE (status = ? AND available_at <= ?)
   OR (status = ? AND locked_until < ? AND attempts < max_attempts)
ORDER BY available_at
LIMIT 1
FOR UPDATE SKIP LOCKED`, q.cfg.Table)
	if err = tx.GetContext(ctx, &row, query, statusPending, now, statusRunning, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return media.Job{}, sql.ErrNoRows
		}
		return media.Job{}, fmt.Errorf("select job: %w", err)
	}

	lease := q.newLease()
	update := fmt.Sprintf(`UPDATE %s
SET status = ?, attempts = attempts + 1, locked_by = ?, locked_until = ?, updated_at = ?
WHERE id = ?`, q.cfg.Table)
	if _, err = tx.ExecContext(ctx, update, statusRunning, lease, now.Add(q.cfg.LockTimeout), now, row.ID); err != nil {
		return media.Job{}, fmt.Errorf("lock job %s: %w", row.ID, err)
	}
	if err = tx.Commit(); err != nil {
		return media.Job{}, fmt.Errorf("commit claim: %w", err)
	}
	return media.Job{
		ID:          row.ID,
		URL:         row.URL,
		Attempt:     row.Attempts + 1,
		MaxAttempts: row.MaxAttempts,
		EnqueuedAt:  row.CreatedAt,
		Receipt:     lease,
	}, nil
}

// Complete marks the row completed and stores the summary.
func (q *Queue) Complete(ctx context.Context, job media.Job, summary media.Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s
SET status = ?, summary = ?, last_error = NULL, locked_by = NULL, locked_until = NULL, updated_at = ?
WHERE id = ? AND locked_by = ?`, q.cfg.Table)
	return q.finish(ctx, job, query, statusCompleted, payload, q.now(), job.ID, job.Receipt)
}

// Fail reschedules the row with backoff or marks it failed for good.
func (q *Queue) Fail(ctx context.Context, job media.Job, cause error) error {
	now := q.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if q.cfg.Policy.ShouldRetry(cause, job.Attempt) {
		query := fmt.Sprintf(`UPDATE %s
SET status = ?, last_error = ?, available_at = ?, locked_by = NULL, locked_until = NULL, updated_at = ?
WHERE id = ? AND locked_by = ?`, q.cfg.Table)
		next := now.Add(q.cfg.Policy.Backoff(job.Attempt))
		return q.finish(ctx, job, query, statusPending, msg, next, now, job.ID, job.Receipt)
	}
	query := fmt.Sprintf(`UPDATE %s
SET status = ?, last_error = ?, locked_by = NULL, locked_until = NULL, updated_at = ?
WHERE id = ? AND locked_by = ?`, q.cfg.Table)
	return q.finish(ctx, job, query, statusFailed, msg, now, job.ID, job.Receipt)
}

func (q *Queue) finish(ctx context.Context, job media.Job, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n == 0 {
		// Lease expired and another worker reclaimed the row.
		q.cfg.Logger.Warn("job lease lost before report", zap.String("job_id", job.ID))
		return fmt.Errorf("job %s is no longer held by %s", job.ID, job.Receipt)
	}
	return nil
}

// StopIntake makes Claim return media.ErrQueueClosed.
func (q *Queue) StopIntake() {
	q.stopOnce.Do(func() { close(q.stopped) })
}

// Close stops intake and closes the connection pool.
func (q *Queue) Close(context.Context) error {
	q.StopIntake()
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("close mysql: %w", err)
	}
	return nil
}

func (q *Queue) now() time.Time {
	return q.cfg.Clock.Now().UTC().Round(time.Microsecond)
}
