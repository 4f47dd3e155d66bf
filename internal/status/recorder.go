// Package status persists terminal delivery outcomes. Writes are retried
// independently of the delivery job and never move a record out of a
// terminal state.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/model"
	"nexora-dispatch/pkg/backoff"
)

type Updater interface {
	UpdateEmailStatus(ctx context.Context, id uuid.UUID, status model.EmailStatus, sentAt time.Time) (bool, error)
}

type Config struct {
	Attempts     int
	Base         time.Duration
	Cap          time.Duration
	WriteTimeout time.Duration
}

type Recorder struct {
	log     *zap.Logger
	store   Updater
	cfg     Config
	backoff backoff.Exponential
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRecorder(log *zap.Logger, store Updater, cfg Config) *Recorder {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	return &Recorder{
		log:     log,
		store:   store,
		cfg:     cfg,
		backoff: backoff.Exponential{Base: cfg.Base, Cap: cfg.Cap},
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func (r *Recorder) MarkDone(ctx context.Context, emailID uuid.UUID) error {
	return r.write(ctx, emailID, model.EmailDone, r.now())
}

func (r *Recorder) MarkFailed(ctx context.Context, emailID uuid.UUID) error {
	return r.write(ctx, emailID, model.EmailFailed, r.now())
}

func (r *Recorder) Record(ctx context.Context, o model.Outcome) error {
	at := o.At
	if at.IsZero() {
		at = r.now()
	}

	return r.write(ctx, o.EmailID, o.Status, at)
}

// Run writes every outcome until the channel is closed. Writes outlive ctx
// so outcomes produced before shutdown are still persisted.
func (r *Recorder) Run(ctx context.Context, outcomes <-chan model.Outcome) error {
	writeCtx := context.WithoutCancel(ctx)

	for o := range outcomes {
		// failures are logged by write; the loop keeps draining
		_ = r.Record(writeCtx, o)
	}

	return nil
}

func (r *Recorder) write(ctx context.Context, emailID uuid.UUID, status model.EmailStatus, at time.Time) error {
	var (
		lastErr  error
		attempts int
	)

	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		attempts = attempt

		applied, err := r.update(ctx, emailID, status, at)
		if err == nil {
			if applied {
				r.log.Info("email status recorded",
					zap.String("email_id", emailID.String()),
					zap.String("status", string(status)),
				)
			} else {
				r.log.Debug("email status already terminal",
					zap.String("email_id", emailID.String()),
					zap.String("status", string(status)),
				)
			}

			return nil
		}

		lastErr = err

		if errors.Is(err, apperrors.ErrEmailDoesNotExist) {
			break
		}

		r.log.Warn("failed to record email status",
			zap.String("email_id", emailID.String()),
			zap.String("status", string(status)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt == r.cfg.Attempts {
			break
		}

		if err := r.sleep(ctx, r.backoff.Delay(attempt)); err != nil {
			lastErr = fmt.Errorf("%w (after %v)", err, lastErr)
			break
		}
	}

	werr := &apperrors.StatusWriteError{
		EmailID:  emailID.String(),
		Status:   string(status),
		Attempts: attempts,
		Err:      lastErr,
	}

	r.log.Error("email status lost, record stays pending",
		zap.String("email_id", emailID.String()),
		zap.String("status", string(status)),
		zap.Error(werr),
	)

	return werr
}

func (r *Recorder) update(ctx context.Context, emailID uuid.UUID, status model.EmailStatus, at time.Time) (bool, error) {
	if r.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.WriteTimeout)
		defer cancel()
	}

	return r.store.UpdateEmailStatus(ctx, emailID, status, at)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
