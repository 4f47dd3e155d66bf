package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"nexora-dispatch/internal/model"
	"nexora-dispatch/internal/repository"
)

// Transactor is satisfied by *pgxpool.Pool.
type Transactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type StatusEmailRepository interface {
	UpdateStatus(ctx context.Context, ext repository.RepoExtension, id uuid.UUID, status model.EmailStatus, sentAt time.Time) (bool, error)
}

type OutboxRepository interface {
	InsertMessage(ctx context.Context, ext repository.RepoExtension, message model.OutboxMessage) error
}

type StatusService struct {
	log        *zap.Logger
	tx         Transactor
	emailRepo  StatusEmailRepository
	outboxRepo OutboxRepository
	topic      string
}

// NewStatusService builds the terminal status writer. An empty topic turns
// status events off.
func NewStatusService(log *zap.Logger, tx Transactor, emailRepo StatusEmailRepository, outboxRepo OutboxRepository, topic string) *StatusService {
	return &StatusService{
		log:        log,
		tx:         tx,
		emailRepo:  emailRepo,
		outboxRepo: outboxRepo,
		topic:      topic,
	}
}

// UpdateEmailStatus moves a Pending record to status. The event for the
// change is written in the same transaction. It returns false when the
// record was already terminal.
func (s *StatusService) UpdateEmailStatus(ctx context.Context, id uuid.UUID, status model.EmailStatus, sentAt time.Time) (applied bool, err error) {
	tx, err := s.tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	applied, err = s.emailRepo.UpdateStatus(ctx, tx, id, status, sentAt)
	if err != nil {
		return false, fmt.Errorf("failed to update email status: %w", err)
	}

	if !applied {
		s.log.Debug("email already terminal", zap.String("email_id", id.String()), zap.String("status", string(status)))
		return false, nil
	}

	if s.topic != "" {
		payload, err := json.Marshal(model.EmailStatusEvent{EmailID: id, Status: status, SentAt: sentAt})
		if err != nil {
			return false, fmt.Errorf("failed to marshal status event: %w", err)
		}

		message := model.OutboxMessage{
			ID:      uuid.New(),
			Topic:   s.topic,
			Key:     []byte(id.String()),
			Payload: payload,
		}

		if err := s.outboxRepo.InsertMessage(ctx, tx, message); err != nil {
			return false, fmt.Errorf("failed to insert outbox message: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("error committing transaction: %w", err)
	}

	return true, nil
}
