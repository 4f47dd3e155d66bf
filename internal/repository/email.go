package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/model"
)

type EmailRepository struct {
	db *pgxpool.Pool
}

func NewEmailRepository(db *pgxpool.Pool) *EmailRepository {
	return &EmailRepository{db: db}
}

func (r *EmailRepository) Pool() *pgxpool.Pool {
	return r.db
}

func (r *EmailRepository) InsertEmail(ctx context.Context, ext RepoExtension, email *model.EmailSent) error {
	if ext == nil {
		ext = r.db
	}

	const query = `
		INSERT INTO mail.emails_sent (id, user_id, contact_id, subject, body, platform, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at;
	`

	return ext.QueryRow(ctx, query,
		email.ID,
		email.UserID,
		email.ContactID,
		email.Subject,
		email.Body,
		email.Platform,
		email.Status,
	).Scan(&email.CreatedAt)
}

// UpdateStatus moves a Pending record to a terminal status. It reports false
// when the record already left Pending; the stored status is then kept.
func (r *EmailRepository) UpdateStatus(ctx context.Context, ext RepoExtension, id uuid.UUID, status model.EmailStatus, sentAt time.Time) (bool, error) {
	if ext == nil {
		ext = r.db
	}

	const query = `
		UPDATE mail.emails_sent
		SET status = $2, sent_at = $3
		WHERE id = $1 AND status = 'PENDING';
	`

	tag, err := ext.Exec(ctx, query, id, status, sentAt)
	if err != nil {
		return false, err
	}

	if tag.RowsAffected() == 1 {
		return true, nil
	}

	if _, err := r.SelectStatus(ctx, ext, id); err != nil {
		return false, err
	}

	return false, nil
}

func (r *EmailRepository) SelectStatus(ctx context.Context, ext RepoExtension, id uuid.UUID) (model.EmailStatus, error) {
	if ext == nil {
		ext = r.db
	}

	const query = `
		SELECT status FROM mail.emails_sent WHERE id = $1;
	`

	var status model.EmailStatus

	if err := ext.QueryRow(ctx, query, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.ErrEmailDoesNotExist
		}

		return "", err
	}

	return status, nil
}

// SelectHistory lists the user's contacts, newest first, each with the emails
// sent to it.
func (r *EmailRepository) SelectHistory(ctx context.Context, ext RepoExtension, userID uuid.UUID) ([]model.ContactHistory, error) {
	if ext == nil {
		ext = r.db
	}

	const query = `
		SELECT c.id, c.user_id, c.email, c.company_name, c.created_at,
		       e.id, e.subject, e.platform, e.status, e.sent_at
		FROM mail.contacts c
		LEFT JOIN mail.emails_sent e ON e.contact_id = c.id
		WHERE c.user_id = $1
		ORDER BY c.created_at DESC, c.id, e.created_at DESC;
	`

	rows, err := ext.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	history := make([]model.ContactHistory, 0)
	index := make(map[uuid.UUID]int)

	for rows.Next() {
		var (
			contact  model.Contact
			emailID  *uuid.UUID
			subject  *string
			platform *string
			status   *string
			sentAt   *time.Time
		)

		if err := rows.Scan(
			&contact.ID,
			&contact.UserID,
			&contact.Email,
			&contact.CompanyName,
			&contact.CreatedAt,
			&emailID,
			&subject,
			&platform,
			&status,
			&sentAt,
		); err != nil {
			return nil, err
		}

		i, ok := index[contact.ID]
		if !ok {
			history = append(history, model.ContactHistory{Contact: contact, EmailsSent: []model.EmailHistoryEntry{}})
			i = len(history) - 1
			index[contact.ID] = i
		}

		if emailID == nil {
			continue
		}

		history[i].EmailsSent = append(history[i].EmailsSent, model.EmailHistoryEntry{
			ID:       *emailID,
			Subject:  deref(subject),
			Platform: deref(platform),
			Status:   model.EmailStatus(deref(status)),
			SentAt:   sentAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return history, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
