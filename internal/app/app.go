package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"nexora-dispatch/internal/api/http/handler"
	"nexora-dispatch/internal/api/http/route"
	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/config"
	"nexora-dispatch/internal/repository"
	"nexora-dispatch/internal/service"
	"nexora-dispatch/pkg/server"
)

// App is the HTTP process: it stores email records and queues jobs.
type App struct {
	Cfg        *config.Config
	Log        *zap.Logger
	Handler    *Handler
	Service    *Service
	HTTPServer server.HTTPServer

	infra *infra
}

type Repository struct {
	HealthRepository     *repository.HealthRepository
	ContactRepository    *repository.ContactRepository
	EmailRepository      *repository.EmailRepository
	AttachmentRepository *repository.AttachmentRepository
	OutboxRepository     *repository.OutboxRepository
}

type Service struct {
	HealthService *service.HealthService
	StatusService *service.StatusService
	MailService   *service.MailService
}

type Handler struct {
	HealthHandler *handler.HealthHandler
	MailHandler   *handler.MailHandler
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	inf, err := initInfra(log, cfg)
	if err != nil {
		return nil, err
	}

	repo := initRepository(log, inf)

	svc := initService(log, cfg, inf, repo)

	hdl := initHandler(log, svc)

	httpServer := initHTTPServer(log, cfg, hdl)

	return &App{
		Cfg:        cfg,
		Log:        log,
		Handler:    hdl,
		Service:    svc,
		HTTPServer: httpServer,
		infra:      inf,
	}, nil
}

func MustNew(cfg *config.Config, log *zap.Logger) *App {
	app, err := New(cfg, log)
	if err != nil {
		panic(err)
	}
	return app
}

func (a *App) Run(ctx context.Context) error {
	a.Log.Info("HTTP server starting",
		zap.String("host", a.Cfg.HTTPServer.Host),
		zap.Uint16("port", a.Cfg.HTTPServer.Port),
	)

	return a.HTTPServer.Run()
}

func (a *App) Shutdown() error {
	var errs []error

	if err := a.HTTPServer.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
	}

	a.Log.Debug("Http server shutdown")

	if err := a.infra.close(); err != nil {
		errs = append(errs, err)
	}

	a.Log.Debug("Database and queue closed")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", apperrors.ErrShutdown, errors.Join(errs...))
	}

	return nil
}

func initRepository(log *zap.Logger, inf *infra) *Repository {
	pool := inf.db.Pool()

	repo := &Repository{
		HealthRepository:     repository.NewHealthRepository(pool),
		ContactRepository:    repository.NewContactRepository(pool),
		EmailRepository:      repository.NewEmailRepository(pool),
		AttachmentRepository: repository.NewAttachmentRepository(pool),
		OutboxRepository:     repository.NewOutboxRepository(pool),
	}

	log.Debug("Repositories initialized")

	return repo
}

func initService(log *zap.Logger, cfg *config.Config, inf *infra, repo *Repository) *Service {
	healthService := service.NewHealthService(log, repo.HealthRepository, inf.queue)
	log.Debug("Health service initialized")

	statusService := service.NewStatusService(log, inf.db.Pool(), repo.EmailRepository, repo.OutboxRepository, statusTopic(&cfg.Kafka))
	log.Debug("Status service initialized")

	mailService := service.NewMailService(
		log,
		inf.db.Pool(),
		repo.ContactRepository,
		repo.EmailRepository,
		repo.AttachmentRepository,
		inf.queue,
		statusService,
		cfg.Queue.InitialDelay,
	)
	log.Debug("Mail service initialized")

	return &Service{
		HealthService: healthService,
		StatusService: statusService,
		MailService:   mailService,
	}
}

func initHandler(log *zap.Logger, svc *Service) *Handler {
	healthHandler := handler.NewHealthHandler(log, svc.HealthService)
	log.Debug("Health handler initialized")

	mailHandler := handler.NewMailHandler(log, svc.MailService)
	log.Debug("Mail handler initialized")

	return &Handler{
		HealthHandler: healthHandler,
		MailHandler:   mailHandler,
	}
}

func initHTTPServer(log *zap.Logger, cfg *config.Config, hdl *Handler) server.HTTPServer {
	router := route.SetupRouter(
		log,
		cfg.HTTPServer,
		hdl.HealthHandler,
		hdl.MailHandler,
	)

	return server.NewHTTPServer(
		server.WithAddr(cfg.HTTPServer.Host, cfg.HTTPServer.Port),
		server.WithTimeout(cfg.HTTPServer.Timeout.Read, cfg.HTTPServer.Timeout.Write, cfg.HTTPServer.Timeout.Idle),
		server.WithHandler(router),
	)
}

// statusTopic is empty when Kafka is off, which disables outbox events.
func statusTopic(cfg *config.Kafka) string {
	if !cfg.Enable {
		return ""
	}

	return cfg.Topic
}
