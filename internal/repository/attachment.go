package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nexora-dispatch/internal/model"
)

type AttachmentRepository struct {
	db *pgxpool.Pool
}

func NewAttachmentRepository(db *pgxpool.Pool) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

func (r *AttachmentRepository) InsertAttachments(ctx context.Context, ext RepoExtension, attachments []model.Attachment) error {
	if ext == nil {
		ext = r.db
	}

	if len(attachments) == 0 {
		return nil
	}

	const query = `
		INSERT INTO mail.attachments (id, email_sent_id, file_key, file_name, file_url)
		VALUES ($1, $2, $3, $4, $5);
	`

	batch := &pgx.Batch{}
	for _, a := range attachments {
		batch.Queue(query, a.ID, a.EmailSentID, a.FileKey, a.FileName, a.FileURL)
	}

	results := ext.SendBatch(ctx, batch)

	for range attachments {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}

	return results.Close()
}

func (r *AttachmentRepository) SelectAttachmentsByEmail(ctx context.Context, ext RepoExtension, emailID uuid.UUID) ([]model.Attachment, error) {
	if ext == nil {
		ext = r.db
	}

	const query = `
		SELECT id, email_sent_id, file_key, file_name, file_url
		FROM mail.attachments
		WHERE email_sent_id = $1;
	`

	rows, err := ext.Query(ctx, query, emailID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var attachments []model.Attachment

	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.EmailSentID, &a.FileKey, &a.FileName, &a.FileURL); err != nil {
			return nil, err
		}

		attachments = append(attachments, a)
	}

	return attachments, rows.Err()
}
