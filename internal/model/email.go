package model

import (
	"time"

	"github.com/google/uuid"
)

type EmailStatus string

const (
	EmailPending EmailStatus = "PENDING"
	EmailDone    EmailStatus = "DONE"
	EmailFailed  EmailStatus = "FAILED"
)

func (s EmailStatus) Terminal() bool {
	return s == EmailDone || s == EmailFailed
}

type Contact struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	UserID      uuid.UUID `db:"user_id"      json:"user_id"`
	Email       string    `db:"email"        json:"email"`
	CompanyName string    `db:"company_name" json:"company_name"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}

type EmailSent struct {
	ID        uuid.UUID   `db:"id"         json:"id"`
	UserID    uuid.UUID   `db:"user_id"    json:"user_id"`
	ContactID uuid.UUID   `db:"contact_id" json:"contact_id"`
	Subject   string      `db:"subject"    json:"subject"`
	Body      string      `db:"body"       json:"body"`
	Platform  string      `db:"platform"   json:"platform"`
	Status    EmailStatus `db:"status"     json:"status"`
	SentAt    *time.Time  `db:"sent_at"    json:"sent_at"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

type Attachment struct {
	ID          uuid.UUID `db:"id"            json:"id"`
	EmailSentID uuid.UUID `db:"email_sent_id" json:"email_sent_id"`
	FileKey     string    `db:"file_key"      json:"file_key"`
	FileName    string    `db:"file_name"     json:"file_name"`
	FileURL     string    `db:"file_url"      json:"file_url"`
}

// FetchedAttachment is attachment content held only while one job is processed.
type FetchedAttachment struct {
	URL         string
	Filename    string
	ContentType string
	Content     []byte
}

// AttachmentRef points at a blob already uploaded to object storage.
type AttachmentRef struct {
	FileKey  string `json:"file_key"`
	FileName string `json:"file_name" binding:"required"`
	URL      string `json:"url"       binding:"required,url"`
}

// SendMailRequest sends the same subject and body to every recipient.
type SendMailRequest struct {
	UserID      uuid.UUID       `json:"user_id"      binding:"required"`
	Recipients  []string        `json:"recipients"   binding:"required,min=1,dive,email"`
	Subject     string          `json:"subject"      binding:"required,max=255"`
	Body        string          `json:"body"         binding:"required"`
	Platform    string          `json:"platform"`
	CompanyName string          `json:"company_name"`
	AppUsername string          `json:"app_username" binding:"required"`
	AppPassword string          `json:"app_password" binding:"required"`
	Attachments []AttachmentRef `json:"attachments"  binding:"dive"`
}

// BulkMail is one personalized email of a bulk send.
type BulkMail struct {
	Name        string `json:"name"`
	Email       string `json:"email"       binding:"required,email"`
	CompanyName string `json:"companyname"`
	Platform    string `json:"platform"`
	Subject     string `json:"subject"     binding:"required,max=255"`
	Body        string `json:"body"        binding:"required"`
}

type BulkSendRequest struct {
	UserID      uuid.UUID       `json:"user_id"      binding:"required"`
	Emails      []BulkMail      `json:"emails"       binding:"required,min=1,dive"`
	AppUsername string          `json:"app_username" binding:"required"`
	AppPassword string          `json:"app_password" binding:"required"`
	Attachments []AttachmentRef `json:"attachments"  binding:"dive"`
}

type EmailHistoryEntry struct {
	ID       uuid.UUID   `json:"id"`
	Subject  string      `json:"subject"`
	Platform string      `json:"platform"`
	Status   EmailStatus `json:"status"`
	SentAt   *time.Time  `json:"sent_at"`
}

type ContactHistory struct {
	Contact
	EmailsSent []EmailHistoryEntry `json:"emails_sent"`
}

// EmailStatusEvent is published when a record reaches a terminal status.
type EmailStatusEvent struct {
	EmailID uuid.UUID   `json:"email_id"`
	Status  EmailStatus `json:"status"`
	SentAt  time.Time   `json:"sent_at"`
}

// QueuedEmail is the handle returned for every recipient of a send request.
type QueuedEmail struct {
	EmailID   uuid.UUID   `json:"email_id"`
	JobID     string      `json:"job_id"`
	Recipient string      `json:"recipient"`
	Status    EmailStatus `json:"status"`
}
