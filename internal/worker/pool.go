// Package worker runs the delivery workers. Each worker leases one job at a
// time, builds the message with its attachments, submits it with the job's
// own credentials and settles the job in the queue. Terminal outcomes go to
// the status writer over a channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/model"
	"nexora-dispatch/pkg/mailer"
)

type Config struct {
	Count          int
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	ReapInterval   time.Duration
	// FailFastPermanent sends permanent delivery errors straight to failed
	// instead of spending the remaining attempts.
	FailFastPermanent bool
}

type Queue interface {
	Lease(ctx context.Context, workerID string) (*model.Job, error)
	Ack(ctx context.Context, jobID, token string) error
	Nack(ctx context.Context, jobID, token string, cause error) (*model.Job, error)
	Fail(ctx context.Context, jobID, token string, cause error) (*model.Job, error)
	ReapExpired(ctx context.Context) ([]*model.Job, error)
}

type Fetcher interface {
	FetchAll(ctx context.Context, urls []string) []model.FetchedAttachment
}

type Pool struct {
	log      *zap.Logger
	cfg      Config
	queue    Queue
	fetcher  Fetcher
	mailer   mailer.Mailer
	outcomes chan<- model.Outcome
	name     string
}

func NewPool(log *zap.Logger, cfg Config, queue Queue, fetcher Fetcher, m mailer.Mailer, outcomes chan<- model.Outcome) *Pool {
	if cfg.Count < 1 {
		cfg.Count = 1
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}

	return &Pool{
		log:      log,
		cfg:      cfg,
		queue:    queue,
		fetcher:  fetcher,
		mailer:   m,
		outcomes: outcomes,
		name:     fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Run blocks until ctx is cancelled and every in-flight job is settled. It
// closes the outcomes channel on return.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.outcomes)

	g, gCtx := errgroup.WithContext(ctx)

	for i := range p.cfg.Count {
		workerID := fmt.Sprintf("%s-%d", p.name, i)

		g.Go(func() error {
			p.work(gCtx, workerID)
			return nil
		})
	}

	if p.cfg.ReapInterval > 0 {
		g.Go(func() error {
			p.reap(gCtx)
			return nil
		})
	}

	p.log.Info("worker pool started",
		zap.Int("workers", p.cfg.Count),
		zap.Duration("attempt_timeout", p.cfg.AttemptTimeout),
		zap.Bool("fail_fast_permanent", p.cfg.FailFastPermanent),
	)

	err := g.Wait()

	p.log.Info("worker pool stopped")

	return err
}

func (p *Pool) work(ctx context.Context, workerID string) {
	log := p.log.With(zap.String("worker_id", workerID))

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Lease(ctx, workerID)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn("failed to lease job", zap.Error(err))
			}

			if !wait(ctx, p.cfg.PollInterval) {
				return
			}

			continue
		}

		if job == nil {
			if !wait(ctx, p.cfg.PollInterval) {
				return
			}

			continue
		}

		p.process(ctx, log, job)
	}
}

// process runs one attempt. Shutdown does not cut it short; the attempt
// timeout bounds it instead.
func (p *Pool) process(ctx context.Context, log *zap.Logger, job *model.Job) {
	jobCtx := context.WithoutCancel(ctx)

	log = log.With(
		zap.String("job_id", job.ID),
		zap.String("email_id", job.Payload.EmailID.String()),
		zap.Int("attempt", job.Attempts+1),
		zap.Int("max_attempts", job.MaxAttempts),
	)

	attemptCtx := jobCtx
	if p.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(jobCtx, p.cfg.AttemptTimeout)
		defer cancel()
	}

	err := p.deliver(attemptCtx, job)
	if err == nil {
		p.succeed(jobCtx, log, job)
		return
	}

	p.retryOrFail(jobCtx, log, job, err)
}

func (p *Pool) deliver(ctx context.Context, job *model.Job) error {
	fetched := p.fetcher.FetchAll(ctx, job.Payload.AttachmentURLs)

	attachments := make([]mailer.Attachment, 0, len(fetched))
	for _, a := range fetched {
		attachments = append(attachments, mailer.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}

	msg := &mailer.Message{
		From:        job.Payload.Credentials.Username,
		To:          job.Payload.Recipient,
		Subject:     job.Payload.Subject,
		HTML:        job.Payload.Body,
		Attachments: attachments,
	}

	creds := mailer.Credentials{
		Username: job.Payload.Credentials.Username,
		Password: job.Payload.Credentials.Password,
	}

	if err := p.mailer.Send(ctx, creds, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}

		return apperrors.NewDeliveryError(err, mailer.IsPermanent(err))
	}

	return nil
}

func (p *Pool) succeed(ctx context.Context, log *zap.Logger, job *model.Job) {
	if err := p.queue.Ack(ctx, job.ID, job.LeaseToken); err != nil {
		// the email went out; record it even if the lease was lost meanwhile
		log.Warn("failed to ack delivered job", zap.Error(err))
	}

	log.Info("email delivered")

	p.emit(model.Outcome{
		JobID:   job.ID,
		EmailID: job.Payload.EmailID,
		Status:  model.EmailDone,
		At:      time.Now(),
	})
}

func (p *Pool) retryOrFail(ctx context.Context, log *zap.Logger, job *model.Job, cause error) {
	permanent := apperrors.IsPermanent(cause)

	var (
		settled *model.Job
		err     error
	)

	if permanent && p.cfg.FailFastPermanent {
		settled, err = p.queue.Fail(ctx, job.ID, job.LeaseToken, cause)
	} else {
		settled, err = p.queue.Nack(ctx, job.ID, job.LeaseToken, cause)
	}

	if err != nil {
		log.Error("failed to settle job", zap.Error(err), zap.NamedError("cause", cause))
		return
	}

	if settled.State != model.JobFailed {
		log.Warn("delivery failed, will retry",
			zap.Error(cause),
			zap.Bool("permanent", permanent),
			zap.Time("retry_at", settled.VisibleAt),
		)

		return
	}

	log.Error("delivery failed, giving up", zap.Error(cause), zap.Bool("permanent", permanent))

	p.emit(model.Outcome{
		JobID:   job.ID,
		EmailID: job.Payload.EmailID,
		Status:  model.EmailFailed,
		At:      time.Now(),
		Err:     cause,
	})
}

func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failed, err := p.queue.ReapExpired(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.log.Warn("failed to reap expired leases", zap.Error(err))
				}

				continue
			}

			for _, job := range failed {
				p.log.Error("lease expired on last attempt, giving up",
					zap.String("job_id", job.ID),
					zap.String("email_id", job.Payload.EmailID.String()),
				)

				p.emit(model.Outcome{
					JobID:   job.ID,
					EmailID: job.Payload.EmailID,
					Status:  model.EmailFailed,
					At:      time.Now(),
					Err:     apperrors.ErrLeaseExpired,
				})
			}
		}
	}
}

func (p *Pool) emit(o model.Outcome) {
	p.outcomes <- o
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
