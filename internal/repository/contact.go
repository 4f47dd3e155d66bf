package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/model"
)

type ContactRepository struct {
	db *pgxpool.Pool
}

func NewContactRepository(db *pgxpool.Pool) *ContactRepository {
	return &ContactRepository{db: db}
}

func (r *ContactRepository) Pool() *pgxpool.Pool {
	return r.db
}

// UpsertContact finds the user's contact by email or creates it. A non-empty
// company name overwrites the stored one.
func (r *ContactRepository) UpsertContact(ctx context.Context, ext RepoExtension, contact *model.Contact) (*model.Contact, error) {
	if ext == nil {
		ext = r.db
	}

	const query = `
		INSERT INTO mail.contacts (id, user_id, email, company_name)
		VALUES ($1, $2, lower($3), $4)
		ON CONFLICT (user_id, email) DO UPDATE
		SET company_name = COALESCE(NULLIF(EXCLUDED.company_name, ''), mail.contacts.company_name)
		RETURNING id, user_id, email, company_name, created_at;
	`

	var out model.Contact

	err := ext.QueryRow(ctx, query,
		contact.ID,
		contact.UserID,
		contact.Email,
		contact.CompanyName,
	).Scan(
		&out.ID,
		&out.UserID,
		&out.Email,
		&out.CompanyName,
		&out.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

func (r *ContactRepository) SelectContactByEmail(ctx context.Context, ext RepoExtension, userID uuid.UUID, email string) (*model.Contact, error) {
	if ext == nil {
		ext = r.db
	}

	const query = `
		SELECT id, user_id, email, company_name, created_at
		FROM mail.contacts
		WHERE user_id = $1 AND email = lower($2);
	`

	var contact model.Contact

	if err := ext.QueryRow(ctx, query, userID, email).Scan(
		&contact.ID,
		&contact.UserID,
		&contact.Email,
		&contact.CompanyName,
		&contact.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrContactDoesNotExist
		}

		return nil, err
	}

	return &contact, nil
}
