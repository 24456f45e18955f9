package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/basket/crownd/internal/shared"
)

type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobRunning    JobStatus = "RUNNING"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobDeadLetter JobStatus = "DEAD_LETTER"
)

const (
	defaultMaxAttempts = 3
	retryBaseDelay     = time.Second
	retryMaxDelay      = 30 * time.Second
)

type Job struct {
	ID             string
	Type           string
	Payload        string
	Status         JobStatus
	Attempt        int
	MaxAttempts    int
	AvailableAt    time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FailureDecision reports what HandleJobFailure did with a failed job.
type FailureDecision struct {
	Attempt      int
	MaxAttempts  int
	DeadLettered bool
	RetryAt      time.Time
}

const jobColumns = `id, job_type, payload, status, attempt, max_attempts, available_at,
	COALESCE(lease_owner, ''), lease_expires_at, last_error, created_at, updated_at`

func scanJob(scanFn func(dest ...any) error, job *Job) error {
	var (
		availableAt          string
		leaseExpires         sql.NullString
		createdAt, updatedAt string
	)
	if err := scanFn(
		&job.ID,
		&job.Type,
		&job.Payload,
		&job.Status,
		&job.Attempt,
		&job.MaxAttempts,
		&availableAt,
		&job.LeaseOwner,
		&leaseExpires,
		&job.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return err
	}
	job.AvailableAt = parseTime(availableAt)
	job.LeaseExpiresAt = parseNullTime(leaseExpires)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return nil
}

func enqueue(ctx context.Context, q queryer, now time.Time, jobType, payload string, delay time.Duration) (string, error) {
	if payload == "" {
		payload = "{}"
	}
	id := uuid.NewString()
	ts := formatTime(now)
	if _, err := q.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, payload, status, max_attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, id, jobType, payload, JobQueued, defaultMaxAttempts, formatTime(now.Add(delay)), ts, ts); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// Enqueue adds a job in the same transaction as the state change that
// requested it, so a committed transition always has its work queued.
func (t *Tx) Enqueue(ctx context.Context, jobType, payload string, delay time.Duration) (string, error) {
	return enqueue(ctx, t.tx, t.Now(), jobType, payload, delay)
}

func (s *Store) Enqueue(ctx context.Context, jobType, payload string, delay time.Duration) (string, error) {
	var id string
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		id, err = enqueue(ctx, s.db, s.now(), jobType, payload, delay)
		return err
	})
	return id, err
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	if err := scanJob(row.Scan, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// ClaimNextJob leases the oldest due QUEUED job, or returns nil when none is due.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	var result *Job
	err := retryOnBusy(ctx, 5, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		var job Job
		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE status = ? AND available_at <= ?
			ORDER BY available_at ASC, created_at ASC, id ASC
			LIMIT 1;
		`, JobQueued, formatTime(now))
		if err := scanJob(row.Scan, &job); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select queued job: %w", err)
		}

		leaseOwner := uuid.NewString()
		leaseExpiresAt := now.Add(s.lease)
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, JobRunning, leaseOwner, formatTime(leaseExpiresAt), formatTime(now), job.ID, JobQueued)
		if err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		job.Status = JobRunning
		job.LeaseOwner = leaseOwner
		job.LeaseExpiresAt = &leaseExpiresAt
		result = &job
		return nil
	})
	return result, err
}

// HeartbeatJob extends the lease. It reports false once the lease has been
// taken away from leaseOwner.
func (s *Store) HeartbeatJob(ctx context.Context, jobID, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, formatTime(now.Add(s.lease)), formatTime(now), jobID, leaseOwner, JobRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// CompleteJob marks a leased job succeeded. A lost lease is not an error; the
// job was already handed to someone else.
func (s *Store) CompleteJob(ctx context.Context, jobID, leaseOwner string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, lease_owner = NULL, lease_expires_at = NULL, last_error = '', updated_at = ?
			WHERE id = ? AND lease_owner = ? AND status = ?;
		`, JobSucceeded, formatTime(s.now()), jobID, leaseOwner, JobRunning)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return nil
	})
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

// retryDelay doubles from retryBaseDelay up to retryMaxDelay and adds a
// deterministic jitter of up to half the base.
func retryDelay(jobID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(jobID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	delay := base + time.Duration(int64(jitterSource%uint64(jitterMax)))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// HandleJobFailure requeues a failed job with backoff, or dead-letters it
// once its attempts are used up or when retryable is false.
func (s *Store) HandleJobFailure(ctx context.Context, jobID, leaseOwner, errMsg string, retryable bool) (FailureDecision, error) {
	var decision FailureDecision
	errMsg = shared.Redact(errMsg)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin handle failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			status      JobStatus
			owner       string
			attempt     int
			maxAttempts int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, COALESCE(lease_owner, ''), attempt, max_attempts FROM jobs WHERE id = ?;
		`, jobID).Scan(&status, &owner, &attempt, &maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("select job for failure handling: %w", err)
		}
		if status != JobRunning || owner != leaseOwner {
			return ErrJobNotFound
		}
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}

		now := s.now()
		decision = FailureDecision{Attempt: attempt + 1, MaxAttempts: maxAttempts}
		if !retryable || decision.Attempt >= maxAttempts {
			decision.DeadLettered = true
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = ?, attempt = ?, last_error = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
				WHERE id = ?;
			`, JobDeadLetter, decision.Attempt, errMsg, formatTime(now), jobID); err != nil {
				return fmt.Errorf("dead letter job: %w", err)
			}
		} else {
			decision.RetryAt = now.Add(retryDelay(jobID, decision.Attempt))
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = ?, attempt = ?, last_error = ?, available_at = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
				WHERE id = ?;
			`, JobQueued, decision.Attempt, errMsg, formatTime(decision.RetryAt), formatTime(now), jobID); err != nil {
				return fmt.Errorf("requeue job: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit handle failure tx: %w", err)
		}
		return nil
	})
	return decision, err
}

// RequeueExpiredLeases returns RUNNING jobs whose lease lapsed to the queue.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?;
	`, JobQueued, now, JobRunning, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}
	return res.RowsAffected()
}

// RecoverRunningJobs requeues every RUNNING job. It is only safe at startup,
// before any worker of this process holds a lease.
func (s *Store) RecoverRunningJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE status = ?;
	`, JobQueued, formatTime(s.now()), JobRunning)
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	return res.RowsAffected()
}

// ListJobs returns jobs of the given status, oldest first. An empty status
// lists all jobs.
func (s *Store) ListJobs(ctx context.Context, status JobStatus) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var job Job
		if err := scanJob(rows.Scan, &job); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// QueueDepth counts jobs waiting to be claimed.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?;`, JobQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
