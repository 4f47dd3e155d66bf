package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/model"
	"nexora-dispatch/internal/repository"
)

type ContactRepository interface {
	UpsertContact(ctx context.Context, ext repository.RepoExtension, contact *model.Contact) (*model.Contact, error)
}

type EmailRepository interface {
	InsertEmail(ctx context.Context, ext repository.RepoExtension, email *model.EmailSent) error
	SelectHistory(ctx context.Context, ext repository.RepoExtension, userID uuid.UUID) ([]model.ContactHistory, error)
}

type AttachmentRepository interface {
	InsertAttachments(ctx context.Context, ext repository.RepoExtension, attachments []model.Attachment) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, payload model.JobPayload, delay time.Duration) (string, error)
	Get(ctx context.Context, jobID string) (*model.Job, error)
	Stats(ctx context.Context) (model.QueueStats, error)
}

type StatusUpdater interface {
	UpdateEmailStatus(ctx context.Context, id uuid.UUID, status model.EmailStatus, sentAt time.Time) (bool, error)
}

type MailService struct {
	log            *zap.Logger
	tx             Transactor
	contactRepo    ContactRepository
	emailRepo      EmailRepository
	attachmentRepo AttachmentRepository
	queue          JobQueue
	status         StatusUpdater
	initialDelay   time.Duration
}

func NewMailService(
	log *zap.Logger,
	tx Transactor,
	contactRepo ContactRepository,
	emailRepo EmailRepository,
	attachmentRepo AttachmentRepository,
	queue JobQueue,
	status StatusUpdater,
	initialDelay time.Duration,
) *MailService {
	return &MailService{
		log:            log,
		tx:             tx,
		contactRepo:    contactRepo,
		emailRepo:      emailRepo,
		attachmentRepo: attachmentRepo,
		queue:          queue,
		status:         status,
		initialDelay:   initialDelay,
	}
}

// draft is one recipient's email before it is stored and queued.
type draft struct {
	recipient   string
	companyName string
	platform    string
	subject     string
	body        string
}

type sender struct {
	userID      uuid.UUID
	credentials model.Credentials
	attachments []model.AttachmentRef
}

// SendMail queues the same subject and body for every recipient.
func (s *MailService) SendMail(ctx context.Context, req *model.SendMailRequest) ([]model.QueuedEmail, error) {
	if len(req.Recipients) == 0 {
		return nil, apperrors.ErrNoRecipients
	}

	drafts := make([]draft, 0, len(req.Recipients))
	for _, recipient := range req.Recipients {
		drafts = append(drafts, draft{
			recipient:   recipient,
			companyName: req.CompanyName,
			platform:    req.Platform,
			subject:     req.Subject,
			body:        req.Body,
		})
	}

	return s.queueAll(ctx, sender{
		userID:      req.UserID,
		credentials: model.Credentials{Username: req.AppUsername, Password: req.AppPassword},
		attachments: req.Attachments,
	}, drafts)
}

// BulkSend queues one personalized email per entry.
func (s *MailService) BulkSend(ctx context.Context, req *model.BulkSendRequest) ([]model.QueuedEmail, error) {
	if len(req.Emails) == 0 {
		return nil, apperrors.ErrNoRecipients
	}

	drafts := make([]draft, 0, len(req.Emails))
	for _, e := range req.Emails {
		drafts = append(drafts, draft{
			recipient:   e.Email,
			companyName: e.CompanyName,
			platform:    e.Platform,
			subject:     e.Subject,
			body:        e.Body,
		})
	}

	return s.queueAll(ctx, sender{
		userID:      req.UserID,
		credentials: model.Credentials{Username: req.AppUsername, Password: req.AppPassword},
		attachments: req.Attachments,
	}, drafts)
}

// queueAll validates every draft before storing anything, then stops at
// the first recipient that cannot be queued; the ones before it stay queued
// and are returned with the error.
func (s *MailService) queueAll(ctx context.Context, from sender, drafts []draft) ([]model.QueuedEmail, error) {
	payloads := make([]model.JobPayload, 0, len(drafts))
	for _, d := range drafts {
		payload := s.buildPayload(from, d)
		if err := payload.Validate(); err != nil {
			return nil, err
		}

		payloads = append(payloads, payload)
	}

	queued := make([]model.QueuedEmail, 0, len(drafts))

	for i, d := range drafts {
		q, err := s.queueOne(ctx, from, d, payloads[i])
		if err != nil {
			if len(queued) > 0 {
				s.log.Error("batch stopped after partial enqueue",
					zap.String("user_id", from.userID.String()),
					zap.Int("queued", len(queued)),
					zap.Int("total", len(drafts)),
					zap.Error(err),
				)
			}

			return queued, err
		}

		queued = append(queued, q)
	}

	s.log.Info("emails queued",
		zap.String("user_id", from.userID.String()),
		zap.Int("count", len(queued)),
	)

	return queued, nil
}

func (s *MailService) buildPayload(from sender, d draft) model.JobPayload {
	urls := make([]string, 0, len(from.attachments))
	for _, a := range from.attachments {
		urls = append(urls, a.URL)
	}

	return model.JobPayload{
		UserID:         from.userID,
		EmailID:        uuid.New(),
		Recipient:      strings.TrimSpace(d.recipient),
		Subject:        d.subject,
		Body:           d.body,
		AttachmentURLs: urls,
		Credentials:    from.credentials,
	}
}

func (s *MailService) queueOne(ctx context.Context, from sender, d draft, payload model.JobPayload) (model.QueuedEmail, error) {
	emailID := payload.EmailID

	if err := s.storeRecord(ctx, from, d, payload); err != nil {
		return model.QueuedEmail{}, err
	}

	jobID, err := s.queue.Enqueue(ctx, payload, s.initialDelay)
	if err != nil {
		s.markUnqueued(ctx, emailID, err)

		if errors.Is(err, apperrors.ErrInvalidPayload) {
			return model.QueuedEmail{}, err
		}

		if errors.Is(err, apperrors.ErrQueueUnavailable) {
			return model.QueuedEmail{}, fmt.Errorf("failed to enqueue email %s: %w", emailID, err)
		}

		return model.QueuedEmail{}, fmt.Errorf("failed to enqueue email %s: %w: %v", emailID, apperrors.ErrQueueUnavailable, err)
	}

	s.log.Debug("email queued",
		zap.String("email_id", emailID.String()),
		zap.String("job_id", jobID),
	)

	return model.QueuedEmail{
		EmailID:   emailID,
		JobID:     jobID,
		Recipient: payload.Recipient,
		Status:    model.EmailPending,
	}, nil
}

func (s *MailService) storeRecord(ctx context.Context, from sender, d draft, payload model.JobPayload) error {
	tx, err := s.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	contact, err := s.contactRepo.UpsertContact(ctx, tx, &model.Contact{
		ID:          uuid.New(),
		UserID:      from.userID,
		Email:       payload.Recipient,
		CompanyName: d.companyName,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}

	email := &model.EmailSent{
		ID:        payload.EmailID,
		UserID:    from.userID,
		ContactID: contact.ID,
		Subject:   d.subject,
		Body:      d.body,
		Platform:  d.platform,
		Status:    model.EmailPending,
	}

	if err := s.emailRepo.InsertEmail(ctx, tx, email); err != nil {
		return fmt.Errorf("failed to insert email: %w", err)
	}

	if len(from.attachments) > 0 {
		attachments := make([]model.Attachment, 0, len(from.attachments))
		for _, a := range from.attachments {
			attachments = append(attachments, model.Attachment{
				ID:          uuid.New(),
				EmailSentID: email.ID,
				FileKey:     a.FileKey,
				FileName:    a.FileName,
				FileURL:     a.URL,
			})
		}

		if err := s.attachmentRepo.InsertAttachments(ctx, tx, attachments); err != nil {
			return fmt.Errorf("failed to insert attachments: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// markUnqueued fails a record whose job never reached the queue, so it does
// not stay Pending forever.
func (s *MailService) markUnqueued(ctx context.Context, emailID uuid.UUID, cause error) {
	s.log.Error("failed to enqueue email",
		zap.String("email_id", emailID.String()),
		zap.Error(cause),
	)

	if _, err := s.status.UpdateEmailStatus(context.WithoutCancel(ctx), emailID, model.EmailFailed, time.Now()); err != nil {
		s.log.Error("failed to mark unqueued email as failed",
			zap.String("email_id", emailID.String()),
			zap.Error(err),
		)
	}
}

func (s *MailService) History(ctx context.Context, userID uuid.UUID) ([]model.ContactHistory, error) {
	history, err := s.emailRepo.SelectHistory(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select history: %w", err)
	}

	return history, nil
}

func (s *MailService) GetJob(ctx context.Context, jobID string) (*model.JobInfo, error) {
	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	info := job.Info()

	return &info, nil
}

func (s *MailService) QueueStats(ctx context.Context) (model.QueueStats, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return stats, nil
}
