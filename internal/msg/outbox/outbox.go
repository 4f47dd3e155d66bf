// Package outbox relays email status events written alongside status
// changes to Kafka.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nexora-dispatch/internal/model"
	"nexora-dispatch/internal/repository"
	"nexora-dispatch/pkg/kafka"
)

const batchSizeMultiply = 5

type Repository interface {
	UpdateAsSent(ctx context.Context, ext repository.RepoExtension, messageID uuid.UUID) error
	SelectUnsentBatch(ctx context.Context, ext repository.RepoExtension, batchSize int) ([]model.OutboxMessage, error)
}

type Config struct {
	Name         string
	WorkerCount  int
	PollInterval time.Duration
	BatchSize    int
}

type Publisher struct {
	l          *zap.Logger
	cfg        Config
	producer   kafka.Producer
	outboxRepo Repository
}

func NewPublisher(l *zap.Logger, cfg Config, producer kafka.Producer, outboxRepo Repository) *Publisher {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}

	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}

	return &Publisher{
		l:          l.With(zap.String("publisher", cfg.Name)),
		cfg:        cfg,
		producer:   producer,
		outboxRepo: outboxRepo,
	}
}

// Run polls for unsent messages until ctx is done. A batch is fully handled
// before the next poll so no message is picked up twice by one publisher.
func (p *Publisher) Run(ctx context.Context) {
	messagePipe := make(chan model.OutboxMessage, p.cfg.BatchSize*batchSizeMultiply)

	var (
		workers sync.WaitGroup
		batch   sync.WaitGroup
	)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		workers.Add(1)

		go func(id int) {
			defer workers.Done()
			p.worker(ctx, id, messagePipe, &batch)
		}(i)
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(messagePipe)
			workers.Wait()
			p.l.Info("Outbox publisher stopped")

			return
		case <-ticker.C:
			messages, err := p.outboxRepo.SelectUnsentBatch(ctx, nil, p.cfg.BatchSize)
			if err != nil {
				p.l.Error("Failed to select unsent messages", zap.Error(err))
				continue
			}

			batch.Add(len(messages))

			for _, msg := range messages {
				messagePipe <- msg
			}

			batch.Wait()
		}
	}
}

func (p *Publisher) worker(ctx context.Context, id int, messagePipe <-chan model.OutboxMessage, batch *sync.WaitGroup) {
	p.l.Debug("Outbox worker started", zap.Int("id", id))

	for msg := range messagePipe {
		partition, offset, err := p.sendAndMark(ctx, msg)
		batch.Done()

		if err != nil {
			p.l.Error("Failed to send message", zap.Error(err), zap.String("message_id", msg.ID.String()))
			continue
		}

		p.l.Debug("Message sent",
			zap.String("message_id", msg.ID.String()),
			zap.String("topic", msg.Topic),
			zap.Int32("partition", partition),
			zap.Int64("offset", offset),
		)
	}

	p.l.Debug("Outbox worker stopped", zap.Int("id", id))
}

func (p *Publisher) sendAndMark(ctx context.Context, message model.OutboxMessage) (partition int32, offset int64, err error) {
	key := message.Key
	if len(key) == 0 {
		if key, err = message.ID.MarshalBinary(); err != nil {
			return 0, 0, fmt.Errorf("failed to marshal message id: %w", err)
		}
	}

	partition, offset, err = p.producer.PushMessage(ctx, key, message.Payload, message.Topic)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to push message: %w", err)
	}

	if err := p.outboxRepo.UpdateAsSent(ctx, nil, message.ID); err != nil {
		return 0, 0, fmt.Errorf("failed to update as sent: %w", err)
	}

	return partition, offset, nil
}
