package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/model"
)

type memoryEntry struct {
	job *model.Job
	seq int64
}

// Memory keeps jobs in process. It serves tests and single-process setups
// where the API and the workers share one binary.
type Memory struct {
	cfg  Config
	opts options

	mu     sync.Mutex
	seq    int64
	jobs   map[string]*memoryEntry
	closed bool
}

func NewMemory(cfg Config, opts ...Option) *Memory {
	return &Memory{
		cfg:  cfg,
		opts: buildOptions(opts),
		jobs: make(map[string]*memoryEntry),
	}
}

func (m *Memory) Enqueue(ctx context.Context, payload model.JobPayload, delay time.Duration) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", apperrors.ErrQueueUnavailable
	}

	if delay < 0 {
		delay = 0
	}

	now := m.opts.now()
	state := model.JobWaiting
	if delay > 0 {
		state = model.JobDelayed
	}

	m.seq++
	job := &model.Job{
		ID:          newJobID(),
		Payload:     payload,
		MaxAttempts: m.cfg.MaxAttempts,
		State:       state,
		VisibleAt:   now.Add(delay),
		EnqueuedAt:  now,
	}
	m.jobs[job.ID] = &memoryEntry{job: job, seq: m.seq}

	return job.ID, nil
}

func (m *Memory) Lease(ctx context.Context, workerID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, apperrors.ErrQueueUnavailable
	}

	now := m.opts.now()

	var next *memoryEntry
	for _, e := range m.jobs {
		if e.job.State != model.JobWaiting && e.job.State != model.JobDelayed {
			continue
		}

		if e.job.VisibleAt.After(now) {
			continue
		}

		if next == nil || before(e, next) {
			next = e
		}
	}

	if next == nil {
		return nil, nil
	}

	until := now.Add(m.cfg.LeaseTTL)
	next.job.State = model.JobActive
	next.job.LeasedBy = workerID
	next.job.LeaseToken = newLeaseToken()
	next.job.LeaseUntil = &until

	return cloneJob(next.job), nil
}

func before(a, b *memoryEntry) bool {
	if !a.job.VisibleAt.Equal(b.job.VisibleAt) {
		return a.job.VisibleAt.Before(b.job.VisibleAt)
	}

	return a.seq < b.seq
}

func (m *Memory) Ack(ctx context.Context, jobID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.leased(jobID, token)
	if err != nil {
		return err
	}

	now := m.opts.now()
	job.Attempts++
	job.State = model.JobCompleted
	job.FinishedAt = &now
	clearLease(job)
	dropCredentials(job)

	return nil
}

func (m *Memory) Nack(ctx context.Context, jobID, token string, cause error) (*model.Job, error) {
	return m.settle(jobID, token, cause, false)
}

func (m *Memory) Fail(ctx context.Context, jobID, token string, cause error) (*model.Job, error) {
	return m.settle(jobID, token, cause, true)
}

func (m *Memory) settle(jobID, token string, cause error, permanent bool) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.leased(jobID, token)
	if err != nil {
		return nil, err
	}

	m.retryOrFail(job, errorText(cause), permanent)

	return cloneJob(job), nil
}

func (m *Memory) retryOrFail(job *model.Job, lastErr string, permanent bool) {
	now := m.opts.now()

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
	job.VisibleAt = now.Add(m.cfg.backoff().Delay(job.Attempts))
}

func (m *Memory) ReapExpired(ctx context.Context) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()

	var failed []*model.Job
	for _, e := range m.jobs {
		job := e.job
		if job.State != model.JobActive || job.LeaseUntil == nil || job.LeaseUntil.After(now) {
			continue
		}

		m.retryOrFail(job, apperrors.ErrLeaseExpired.Error(), false)
		if job.State == model.JobFailed {
			failed = append(failed, cloneJob(job))
		}
	}

	return failed, nil
}

func (m *Memory) Get(ctx context.Context, jobID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, apperrors.ErrJobNotFound)
	}

	job := cloneJob(e.job)
	if job.State == model.JobDelayed && !job.VisibleAt.After(m.opts.now()) {
		job.State = model.JobWaiting
	}

	return job, nil
}

func (m *Memory) Stats(ctx context.Context) (model.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()

	var stats model.QueueStats
	for _, e := range m.jobs {
		switch e.job.State {
		case model.JobWaiting:
			stats.Waiting++
		case model.JobDelayed:
			if e.job.VisibleAt.After(now) {
				stats.Delayed++
			} else {
				stats.Waiting++
			}
		case model.JobActive:
			stats.Active++
		case model.JobCompleted:
			stats.Completed++
		case model.JobFailed:
			stats.Failed++
		}
	}

	return stats, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

func (m *Memory) leased(jobID, token string) (*model.Job, error) {
	e, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("failed to settle job %s: %w", jobID, apperrors.ErrJobNotFound)
	}

	if e.job.State != model.JobActive || e.job.LeaseToken != token {
		return nil, fmt.Errorf("failed to settle job %s: %w", jobID, apperrors.ErrLeaseLost)
	}

	return e.job, nil
}

func clearLease(job *model.Job) {
	job.LeasedBy = ""
	job.LeaseToken = ""
	job.LeaseUntil = nil
}

// dropCredentials runs once a job is terminal: nothing sends it again, so the
// stored record must not keep the SMTP password.
func dropCredentials(job *model.Job) {
	job.Payload.Credentials = model.Credentials{}
}

func cloneJob(job *model.Job) *model.Job {
	c := *job
	c.Payload.AttachmentURLs = append([]string(nil), job.Payload.AttachmentURLs...)

	if job.LeaseUntil != nil {
		t := *job.LeaseUntil
		c.LeaseUntil = &t
	}

	if job.FinishedAt != nil {
		t := *job.FinishedAt
		c.FinishedAt = &t
	}

	return &c
}
