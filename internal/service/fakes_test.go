package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"nexora-dispatch/internal/model"
	"nexora-dispatch/internal/repository"
)

type fakeTx struct {
	pgx.Tx

	mu         sync.Mutex
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.committed = true

	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed {
		return pgx.ErrTxClosed
	}

	t.rolledBack = true

	return nil
}

type fakeTransactor struct {
	mu  sync.Mutex
	txs []*fakeTx
	err error
}

func (f *fakeTransactor) Begin(ctx context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	tx := &fakeTx{}
	f.txs = append(f.txs, tx)

	return tx, nil
}

func (f *fakeTransactor) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, tx := range f.txs {
		if tx.committed {
			n++
		}
	}

	return n
}

type fakeContactRepo struct {
	mu       sync.Mutex
	contacts map[string]*model.Contact
}

func newFakeContactRepo() *fakeContactRepo {
	return &fakeContactRepo{contacts: make(map[string]*model.Contact)}
}

func (r *fakeContactRepo) UpsertContact(ctx context.Context, ext repository.RepoExtension, contact *model.Contact) (*model.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := contact.UserID.String() + "/" + contact.Email
	if existing, ok := r.contacts[key]; ok {
		if contact.CompanyName != "" {
			existing.CompanyName = contact.CompanyName
		}
		c := *existing
		return &c, nil
	}

	c := *contact
	c.CreatedAt = time.Now()
	r.contacts[key] = &c

	out := c

	return &out, nil
}

type fakeEmailRepo struct {
	mu      sync.Mutex
	emails  map[uuid.UUID]*model.EmailSent
	updates []model.EmailStatus
	err     error
	// failInsert makes the n-th InsertEmail call fail when non-zero.
	failInsert int
	inserts    int
}

func newFakeEmailRepo() *fakeEmailRepo {
	return &fakeEmailRepo{emails: make(map[uuid.UUID]*model.EmailSent)}
}

func (r *fakeEmailRepo) InsertEmail(ctx context.Context, ext repository.RepoExtension, email *model.EmailSent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	r.inserts++
	if r.failInsert != 0 && r.inserts == r.failInsert {
		return errors.New("connection reset by peer")
	}

	e := *email
	e.CreatedAt = time.Now()
	r.emails[email.ID] = &e

	return nil
}

func (r *fakeEmailRepo) UpdateStatus(ctx context.Context, ext repository.RepoExtension, id uuid.UUID, status model.EmailStatus, sentAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return false, r.err
	}

	e, ok := r.emails[id]
	if !ok {
		return false, errors.New("email record does not exist")
	}

	if e.Status != model.EmailPending {
		return false, nil
	}

	e.Status = status
	e.SentAt = &sentAt
	r.updates = append(r.updates, status)

	return true, nil
}

func (r *fakeEmailRepo) SelectHistory(ctx context.Context, ext repository.RepoExtension, userID uuid.UUID) ([]model.ContactHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.ContactHistory
	for _, e := range r.emails {
		if e.UserID != userID {
			continue
		}

		out = append(out, model.ContactHistory{
			Contact:    model.Contact{ID: e.ContactID, UserID: userID},
			EmailsSent: []model.EmailHistoryEntry{{ID: e.ID, Subject: e.Subject, Status: e.Status, SentAt: e.SentAt}},
		})
	}

	return out, nil
}

func (r *fakeEmailRepo) status(id uuid.UUID) model.EmailStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.emails[id]; ok {
		return e.Status
	}

	return ""
}

type fakeAttachmentRepo struct {
	mu          sync.Mutex
	attachments []model.Attachment
}

func (r *fakeAttachmentRepo) InsertAttachments(ctx context.Context, ext repository.RepoExtension, attachments []model.Attachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attachments = append(r.attachments, attachments...)

	return nil
}

type fakeOutboxRepo struct {
	mu       sync.Mutex
	messages []model.OutboxMessage
}

func (r *fakeOutboxRepo) InsertMessage(ctx context.Context, ext repository.RepoExtension, message model.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, message)

	return nil
}
