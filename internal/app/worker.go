package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nexora-dispatch/internal/api/http/handler"
	"nexora-dispatch/internal/api/http/route"
	"nexora-dispatch/internal/attachment"
	"nexora-dispatch/internal/config"
	"nexora-dispatch/internal/model"
	"nexora-dispatch/internal/msg/outbox"
	"nexora-dispatch/internal/repository"
	"nexora-dispatch/internal/service"
	"nexora-dispatch/internal/status"
	"nexora-dispatch/internal/worker"
	"nexora-dispatch/pkg/kafka"
	"nexora-dispatch/pkg/mailer"
	"nexora-dispatch/pkg/server"
)

// outcomeBuffer per worker lets deliveries continue while a status write retries.
const outcomeBuffer = 16

// Worker is the delivery process: it leases jobs, sends them and records
// the terminal status of every email.
type Worker struct {
	Cfg          *config.Config
	Log          *zap.Logger
	Pool         *worker.Pool
	Recorder     *status.Recorder
	Publisher    *outbox.Publisher
	HealthServer server.HTTPServer

	outcomes chan model.Outcome
	producer kafka.Producer
	infra    *infra
}

func NewWorker(cfg *config.Config, log *zap.Logger) (*Worker, error) {
	inf, err := initInfra(log, cfg)
	if err != nil {
		return nil, err
	}

	pool := inf.db.Pool()
	emailRepo := repository.NewEmailRepository(pool)
	outboxRepo := repository.NewOutboxRepository(pool)

	statusService := service.NewStatusService(log, pool, emailRepo, outboxRepo, statusTopic(&cfg.Kafka))

	recorder := status.NewRecorder(log, statusService, status.Config{
		Attempts:     cfg.Worker.StatusRetry.Attempts,
		Base:         cfg.Worker.StatusRetry.Base,
		Cap:          cfg.Worker.StatusRetry.Cap,
		WriteTimeout: cfg.Worker.StatusRetry.WriteTimeout,
	})
	log.Debug("Status recorder initialized")

	mlr := initMailer(log, &cfg.SMTP)

	fetcher := attachment.NewFetcher(attachment.Config{
		Timeout:     cfg.Fetcher.Timeout,
		MaxBytes:    cfg.Fetcher.MaxBytes,
		Concurrency: cfg.Fetcher.Concurrency,
	}, log)
	log.Debug("Attachment fetcher initialized")

	outcomes := make(chan model.Outcome, cfg.Worker.Count*outcomeBuffer)

	workerPool := worker.NewPool(log, worker.Config{
		Count:             cfg.Worker.Count,
		PollInterval:      cfg.Worker.PollInterval,
		AttemptTimeout:    cfg.Worker.AttemptTimeout,
		ReapInterval:      cfg.Worker.ReapInterval,
		FailFastPermanent: cfg.Worker.FailFastPermanent,
	}, inf.queue, fetcher, mlr, outcomes)
	log.Debug("Worker pool initialized")

	w := &Worker{
		Cfg:      cfg,
		Log:      log,
		Pool:     workerPool,
		Recorder: recorder,
		outcomes: outcomes,
		infra:    inf,
	}

	if cfg.Kafka.Enable {
		producer, err := initProducer(log, &cfg.Kafka)
		if err != nil {
			_ = inf.close()
			return nil, err
		}

		w.producer = producer
		w.Publisher = outbox.NewPublisher(log, outbox.Config{
			Name:         cfg.Kafka.Publisher.Name,
			WorkerCount:  cfg.Kafka.Publisher.WorkerCount,
			PollInterval: cfg.Kafka.Publisher.PollInterval,
			BatchSize:    cfg.Kafka.Publisher.BatchSize,
		}, producer, outboxRepo)
		log.Debug("Outbox publisher initialized")
	}

	healthHandler := handler.NewHealthHandler(log, service.NewHealthService(log, repository.NewHealthRepository(pool), inf.queue))

	healthCfg := cfg.HTTPServer
	healthCfg.Host = cfg.Worker.Health.Host
	healthCfg.Port = cfg.Worker.Health.Port

	w.HealthServer = server.NewHTTPServer(
		server.WithAddr(healthCfg.Host, healthCfg.Port),
		server.WithTimeout(healthCfg.Timeout.Read, healthCfg.Timeout.Write, healthCfg.Timeout.Idle),
		server.WithHandler(route.SetupRouter(log, healthCfg, healthHandler, nil)),
	)

	return w, nil
}

func MustNewWorker(cfg *config.Config, log *zap.Logger) *Worker {
	w, err := NewWorker(cfg, log)
	if err != nil {
		panic(err)
	}
	return w
}

// Run blocks until ctx is done and every in-flight job and status write has finished.
func (w *Worker) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Pool.Run(gCtx)
	})

	g.Go(func() error {
		return w.Recorder.Run(gCtx, w.outcomes)
	})

	if w.Publisher != nil {
		g.Go(func() error {
			w.Publisher.Run(gCtx)
			return nil
		})
	}

	g.Go(func() error {
		return w.HealthServer.Run()
	})

	g.Go(func() error {
		<-gCtx.Done()
		return w.HealthServer.Shutdown()
	})

	w.Log.Info("Worker started",
		zap.String("queue", w.Cfg.Queue.Name),
		zap.Uint16("health_port", w.Cfg.Worker.Health.Port),
	)

	return g.Wait()
}

func (w *Worker) Shutdown() error {
	var err error

	if w.producer != nil {
		if pErr := w.producer.Close(); pErr != nil {
			err = fmt.Errorf("failed to close kafka producer: %w", pErr)
		}

		w.Log.Debug("Kafka producer closed")
	}

	if infraErr := w.infra.close(); infraErr != nil {
		if err != nil {
			return fmt.Errorf("%w, %w", err, infraErr)
		}

		return infraErr
	}

	w.Log.Debug("Database and queue closed")

	return err
}

func initMailer(log *zap.Logger, cfg *config.SMTP) mailer.Mailer {
	mailerCfg := &mailer.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		DialTimeout:        cfg.DialTimeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		LocalName:          cfg.LocalName,
	}

	mlr := mailer.New(mailerCfg)
	log.Debug("Mailer initialized")
	return mlr
}
