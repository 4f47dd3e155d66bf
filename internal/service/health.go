package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"nexora-dispatch/internal/model"
	"nexora-dispatch/internal/repository"
)

type HealthRepository interface {
	Ping(ctx context.Context, ext repository.RepoExtension) error
}

type QueueStatter interface {
	Stats(ctx context.Context) (model.QueueStats, error)
}

type HealthService struct {
	log        *zap.Logger
	healthRepo HealthRepository
	queue      QueueStatter
}

func NewHealthService(log *zap.Logger, healthRepo HealthRepository, queue QueueStatter) *HealthService {
	return &HealthService{
		log:        log,
		healthRepo: healthRepo,
		queue:      queue,
	}
}

// Check reports whether the database and the queue store answer.
func (s *HealthService) Check(ctx context.Context) error {
	s.log.Debug("HealthService.Check()")

	if s.healthRepo != nil {
		if err := s.healthRepo.Ping(ctx, nil); err != nil {
			return fmt.Errorf("database unavailable: %w", err)
		}
	}

	if s.queue != nil {
		if _, err := s.queue.Stats(ctx); err != nil {
			return fmt.Errorf("queue unavailable: %w", err)
		}
	}

	return nil
}
