package model

import (
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"nexora-dispatch/internal/apperrors"
)

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobDelayed   JobState = "delayed"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Credentials of the sender's own SMTP account, supplied per send request.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// JobPayload is everything a worker needs to deliver one email to one recipient.
type JobPayload struct {
	UserID         uuid.UUID   `json:"user_id"`
	EmailID        uuid.UUID   `json:"email_id"`
	Recipient      string      `json:"recipient"`
	Subject        string      `json:"subject"`
	Body           string      `json:"body"`
	AttachmentURLs []string    `json:"attachment_urls,omitempty"`
	Credentials    Credentials `json:"credentials"`
}

func (p *JobPayload) Validate() error {
	if p.EmailID == uuid.Nil {
		return fmt.Errorf("%w: email_id is required", apperrors.ErrInvalidPayload)
	}

	if p.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id is required", apperrors.ErrInvalidPayload)
	}

	if _, err := mail.ParseAddress(p.Recipient); err != nil {
		return fmt.Errorf("%w: recipient %q: %v", apperrors.ErrInvalidPayload, p.Recipient, err)
	}

	if strings.TrimSpace(p.Credentials.Username) == "" || p.Credentials.Password == "" {
		return fmt.Errorf("%w: sender credentials are required", apperrors.ErrInvalidPayload)
	}

	// the username is written as the From header
	if _, err := mail.ParseAddress(p.Credentials.Username); err != nil {
		return fmt.Errorf("%w: sender %q: %v", apperrors.ErrInvalidPayload, p.Credentials.Username, err)
	}

	for _, raw := range p.AttachmentURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: attachment url %q", apperrors.ErrInvalidPayload, raw)
		}
	}

	return nil
}

type Job struct {
	ID          string
	Payload     JobPayload
	Attempts    int
	MaxAttempts int
	State       JobState
	VisibleAt   time.Time
	EnqueuedAt  time.Time
	LeasedBy    string
	LeaseToken  string
	LeaseUntil  *time.Time
	LastError   string
	FinishedAt  *time.Time
}

// JobInfo is the externally visible view of a job; it never carries credentials.
type JobInfo struct {
	ID          string     `json:"id"`
	EmailID     uuid.UUID  `json:"email_id"`
	Recipient   string     `json:"recipient"`
	State       JobState   `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	VisibleAt   time.Time  `json:"visible_at"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	LastError   string     `json:"last_error,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func (j *Job) Info() JobInfo {
	return JobInfo{
		ID:          j.ID,
		EmailID:     j.Payload.EmailID,
		Recipient:   j.Payload.Recipient,
		State:       j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		VisibleAt:   j.VisibleAt,
		EnqueuedAt:  j.EnqueuedAt,
		LastError:   j.LastError,
		FinishedAt:  j.FinishedAt,
	}
}

type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Outcome is a terminal delivery result handed from the workers to the status writer.
type Outcome struct {
	JobID   string
	EmailID uuid.UUID
	Status  EmailStatus
	At      time.Time
	Err     error
}
