package model

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"nexora-dispatch/internal/apperrors"
)

func validPayload() JobPayload {
	return JobPayload{
		UserID:         uuid.New(),
		EmailID:        uuid.New(),
		Recipient:      "jane@example.com",
		Subject:        "Hi",
		Body:           "<p>Hi</p>",
		AttachmentURLs: []string{"https://bucket.s3.amazonaws.com/nexora/a.pdf"},
		Credentials:    Credentials{Username: "me@example.com", Password: "app-password"},
	}
}

func TestJobPayloadValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(p *JobPayload)
		wantErr bool
	}{
		{name: "valid", mutate: func(p *JobPayload) {}},
		{name: "missing email id", mutate: func(p *JobPayload) { p.EmailID = uuid.Nil }, wantErr: true},
		{name: "missing user id", mutate: func(p *JobPayload) { p.UserID = uuid.Nil }, wantErr: true},
		{name: "bad recipient", mutate: func(p *JobPayload) { p.Recipient = "jane at example" }, wantErr: true},
		{name: "missing username", mutate: func(p *JobPayload) { p.Credentials.Username = " " }, wantErr: true},
		{name: "sender not an address", mutate: func(p *JobPayload) { p.Credentials.Username = "my-login" }, wantErr: true},
		{name: "sender header injection", mutate: func(p *JobPayload) { p.Credentials.Username = "me@example.com\r\nBcc: victim@example.com" }, wantErr: true},
		{name: "sender with display name", mutate: func(p *JobPayload) { p.Credentials.Username = "Jane Doe <me@example.com>" }},
		{name: "missing password", mutate: func(p *JobPayload) { p.Credentials.Password = "" }, wantErr: true},
		{name: "non-http attachment", mutate: func(p *JobPayload) { p.AttachmentURLs = []string{"ftp://host/file"} }, wantErr: true},
		{name: "no attachments", mutate: func(p *JobPayload) { p.AttachmentURLs = nil }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPayload()
			tc.mutate(&p)

			err := p.Validate()
			if tc.wantErr {
				if !errors.Is(err, apperrors.ErrInvalidPayload) {
					t.Fatalf("expected ErrInvalidPayload, got %v", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestJobInfoOmitsCredentials(t *testing.T) {
	job := &Job{ID: "j1", Payload: validPayload(), State: JobActive, Attempts: 1, MaxAttempts: 3}

	info := job.Info()

	if info.ID != "j1" || info.State != JobActive || info.Recipient != "jane@example.com" {
		t.Errorf("unexpected info: %+v", info)
	}
}
