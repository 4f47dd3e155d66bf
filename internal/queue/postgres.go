package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/model"
)

const jobColumns = `
	id, payload, attempts, max_attempts, state, visible_at, enqueued_at,
	leased_by, lease_token, lease_until, last_error, finished_at
`

// Postgres keeps jobs in queue.jobs. Lease relies on FOR UPDATE SKIP LOCKED,
// so concurrent workers never pick the same row.
type Postgres struct {
	db   *pgxpool.Pool
	cfg  Config
	opts options
}

func NewPostgres(db *pgxpool.Pool, cfg Config, opts ...Option) *Postgres {
	return &Postgres{
		db:   db,
		cfg:  cfg,
		opts: buildOptions(opts),
	}
}

func (q *Postgres) Enqueue(ctx context.Context, payload model.JobPayload, delay time.Duration) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	if delay < 0 {
		delay = 0
	}

	now := q.opts.now()
	state := model.JobWaiting
	if delay > 0 {
		state = model.JobDelayed
	}

	const query = `
		INSERT INTO queue.jobs (id, queue_name, payload, max_attempts, state, visible_at, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`

	id := newJobID()
	if _, err := q.db.Exec(ctx, query, id, q.cfg.Name, raw, q.cfg.MaxAttempts, state, now.Add(delay), now); err != nil {
		return "", fmt.Errorf("%w: failed to insert job: %v", apperrors.ErrQueueUnavailable, err)
	}

	return id, nil
}

func (q *Postgres) Lease(ctx context.Context, workerID string) (*model.Job, error) {
	now := q.opts.now()

	query := `
		UPDATE queue.jobs
		SET state = 'active', leased_by = $2, lease_token = $3, lease_until = $4
		WHERE id = (
			SELECT id FROM queue.jobs
			WHERE queue_name = $1
			  AND state IN ('waiting', 'delayed')
			  AND visible_at <= $5
			ORDER BY visible_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns + `;`

	row := q.db.QueryRow(ctx, query, q.cfg.Name, workerID, newLeaseToken(), now.Add(q.cfg.LeaseTTL), now)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to lease job: %v", apperrors.ErrQueueUnavailable, err)
	}

	return job, nil
}

func (q *Postgres) Ack(ctx context.Context, jobID, token string) error {
	const query = `
		UPDATE queue.jobs
		SET state = 'completed', attempts = attempts + 1, finished_at = $3,
		    leased_by = NULL, lease_token = NULL, lease_until = NULL,
		    payload = payload - 'credentials'
		WHERE id = $1 AND state = 'active' AND lease_token = $2;
	`

	tag, err := q.db.Exec(ctx, query, jobID, token, q.opts.now())
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", jobID, err)
	}

	if tag.RowsAffected() == 0 {
		return q.missingOrLost(ctx, jobID)
	}

	return nil
}

func (q *Postgres) Nack(ctx context.Context, jobID, token string, cause error) (*model.Job, error) {
	return q.settle(ctx, jobID, token, cause, false)
}

func (q *Postgres) Fail(ctx context.Context, jobID, token string, cause error) (*model.Job, error) {
	return q.settle(ctx, jobID, token, cause, true)
}

func (q *Postgres) settle(ctx context.Context, jobID, token string, cause error, permanent bool) (*model.Job, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue.jobs WHERE id = $1 FOR UPDATE;`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to settle job %s: %w", jobID, apperrors.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select job %s: %w", jobID, err)
	}

	if job.State != model.JobActive || job.LeaseToken != token {
		return nil, fmt.Errorf("failed to settle job %s: %w", jobID, apperrors.ErrLeaseLost)
	}

	q.retryOrFail(job, errorText(cause), permanent)

	if err := updateSettled(ctx, tx, job); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("error committing transaction: %w", err)
	}

	return job, nil
}

func (q *Postgres) retryOrFail(job *model.Job, lastErr string, permanent bool) {
	now := q.opts.now()

	job.Attempts++
	job.LastError = lastErr
	clearLease(job)

	if permanent || job.Attempts >= job.MaxAttempts {
		job.State = model.JobFailed
		job.FinishedAt = &now
		dropCredentials(job)
		return
	}

	job.State = model.JobDelayed
	job.VisibleAt = now.Add(q.cfg.backoff().Delay(job.Attempts))
}

func updateSettled(ctx context.Context, tx pgx.Tx, job *model.Job) error {
	const query = `
		UPDATE queue.jobs
		SET state = $2, attempts = $3, visible_at = $4, last_error = $5, finished_at = $6,
		    leased_by = NULL, lease_token = NULL, lease_until = NULL,
		    payload = CASE WHEN $7 THEN payload - 'credentials' ELSE payload END
		WHERE id = $1;
	`

	failed := job.State == model.JobFailed
	if _, err := tx.Exec(ctx, query, job.ID, job.State, job.Attempts, job.VisibleAt, job.LastError, job.FinishedAt, failed); err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}

	return nil
}

func (q *Postgres) ReapExpired(ctx context.Context) ([]*model.Job, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		SELECT ` + jobColumns + `
		FROM queue.jobs
		WHERE queue_name = $1 AND state = 'active' AND lease_until <= $2
		ORDER BY lease_until
		LIMIT $3
		FOR UPDATE SKIP LOCKED;
	`

	rows, err := tx.Query(ctx, query, q.cfg.Name, q.opts.now(), reapBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired leases: %w", err)
	}

	var expired []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, job)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read expired leases: %w", err)
	}

	var failed []*model.Job
	for _, job := range expired {
		q.retryOrFail(job, apperrors.ErrLeaseExpired.Error(), false)

		if err := updateSettled(ctx, tx, job); err != nil {
			return nil, err
		}

		if job.State == model.JobFailed {
			failed = append(failed, job)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("error committing transaction: %w", err)
	}

	return failed, nil
}

func (q *Postgres) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := scanJob(q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue.jobs WHERE id = $1;`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, apperrors.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	if job.State == model.JobDelayed && !job.VisibleAt.After(q.opts.now()) {
		job.State = model.JobWaiting
	}

	return job, nil
}

func (q *Postgres) Stats(ctx context.Context) (model.QueueStats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE state IN ('waiting', 'delayed') AND visible_at <= $2),
			COUNT(*) FILTER (WHERE state IN ('waiting', 'delayed') AND visible_at > $2),
			COUNT(*) FILTER (WHERE state = 'active'),
			COUNT(*) FILTER (WHERE state = 'completed'),
			COUNT(*) FILTER (WHERE state = 'failed')
		FROM queue.jobs
		WHERE queue_name = $1;
	`

	var stats model.QueueStats
	err := q.db.QueryRow(ctx, query, q.cfg.Name, q.opts.now()).Scan(
		&stats.Waiting,
		&stats.Delayed,
		&stats.Active,
		&stats.Completed,
		&stats.Failed,
	)
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return stats, nil
}

// Close is a no-op; the pool belongs to pkg/postgres.
func (q *Postgres) Close() error {
	return nil
}

func (q *Postgres) missingOrLost(ctx context.Context, jobID string) error {
	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue.jobs WHERE id = $1);`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check job %s: %w", jobID, err)
	}

	if !exists {
		return fmt.Errorf("failed to settle job %s: %w", jobID, apperrors.ErrJobNotFound)
	}

	return fmt.Errorf("failed to settle job %s: %w", jobID, apperrors.ErrLeaseLost)
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job        model.Job
		raw        []byte
		state      string
		leasedBy   *string
		leaseToken *string
		lastError  *string
	)

	err := row.Scan(
		&job.ID,
		&raw,
		&job.Attempts,
		&job.MaxAttempts,
		&state,
		&job.VisibleAt,
		&job.EnqueuedAt,
		&leasedBy,
		&leaseToken,
		&job.LeaseUntil,
		&lastError,
		&job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(raw, &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode job %s payload: %w", job.ID, err)
	}

	job.State = model.JobState(state)
	if leasedBy != nil {
		job.LeasedBy = *leasedBy
	}
	if leaseToken != nil {
		job.LeaseToken = *leaseToken
	}
	if lastError != nil {
		job.LastError = *lastError
	}

	return &job, nil
}
