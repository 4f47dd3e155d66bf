// Package queue is the durable email job queue shared by the API and the
// workers. A job is leased by exactly one worker at a time and moves through
// waiting/delayed -> active -> completed | failed.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"nexora-dispatch/internal/model"
	"nexora-dispatch/pkg/backoff"
)

type Queue interface {
	// Enqueue stores payload and makes it leasable after delay.
	Enqueue(ctx context.Context, payload model.JobPayload, delay time.Duration) (string, error)
	// Lease hands the oldest visible job to workerID. It returns nil, nil when
	// nothing is visible.
	Lease(ctx context.Context, workerID string) (*model.Job, error)
	Ack(ctx context.Context, jobID, token string) error
	// Nack records a failed attempt; the job is re-delayed with backoff or
	// moved to failed when attempts are exhausted. The updated job is returned.
	Nack(ctx context.Context, jobID, token string, cause error) (*model.Job, error)
	// Fail records a failed attempt and moves the job to failed immediately.
	Fail(ctx context.Context, jobID, token string, cause error) (*model.Job, error)
	// ReapExpired returns jobs whose lease ran out to the queue, counting the
	// expiry as a failed attempt. Jobs that ended up failed are returned.
	ReapExpired(ctx context.Context) ([]*model.Job, error)
	Get(ctx context.Context, jobID string) (*model.Job, error)
	Stats(ctx context.Context) (model.QueueStats, error)
	Close() error
}

type Config struct {
	Name        string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	LeaseTTL    time.Duration
}

func (c Config) backoff() backoff.Exponential {
	return backoff.Exponential{Base: c.BackoffBase, Cap: c.BackoffCap}
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now; tests use it to move time forward.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

func newJobID() string {
	return uuid.NewString()
}

func newLeaseToken() string {
	return uuid.NewString()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
