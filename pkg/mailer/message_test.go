package mailer

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
)

func TestMessageBytesWithoutAttachments(t *testing.T) {
	msg := &Message{
		From:    "sender@example.com",
		To:      "recipient@example.com",
		Subject: "Quarterly update",
		HTML:    "<p>Hello</p>",
	}

	data, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() returned error: %v", err)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to parse message: %v", err)
	}

	if got := parsed.Header.Get("To"); got != "recipient@example.com" {
		t.Errorf("To = %q, want recipient@example.com", got)
	}

	mediaType, _, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("failed to parse content type: %v", err)
	}

	if mediaType != "text/html" {
		t.Errorf("media type = %q, want text/html", mediaType)
	}

	raw, _ := io.ReadAll(parsed.Body)
	body, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(raw), "\r\n", ""))
	if err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}

	if string(body) != "<p>Hello</p>" {
		t.Errorf("body = %q", body)
	}
}

func TestMessageBytesWithAttachments(t *testing.T) {
	msg := &Message{
		From:    "Sender <sender@example.com>",
		To:      "recipient@example.com",
		Subject: "Отчёт",
		HTML:    "<p>See attached</p>",
		Attachments: []Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: bytes.Repeat([]byte("x"), 200)},
			{Filename: "notes.txt", Content: []byte("notes")},
		},
	}

	data, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() returned error: %v", err)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to parse message: %v", err)
	}

	subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
	if err != nil {
		t.Fatalf("failed to decode subject: %v", err)
	}

	if subject != "Отчёт" {
		t.Errorf("subject = %q, want Отчёт", subject)
	}

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("failed to parse content type: %v", err)
	}

	if mediaType != "multipart/mixed" {
		t.Fatalf("media type = %q, want multipart/mixed", mediaType)
	}

	mr := multipart.NewReader(parsed.Body, params["boundary"])

	var filenames []string
	parts := 0

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}

		if err != nil {
			t.Fatalf("failed to read part: %v", err)
		}

		parts++

		if name := p.FileName(); name != "" {
			filenames = append(filenames, name)
		}
	}

	if parts != 3 {
		t.Errorf("parts = %d, want 3", parts)
	}

	if len(filenames) != 2 || filenames[0] != "report.pdf" || filenames[1] != "notes.txt" {
		t.Errorf("filenames = %v", filenames)
	}
}

func TestWriteBase64WrapsLines(t *testing.T) {
	var buf bytes.Buffer

	writeBase64(&buf, bytes.Repeat([]byte("a"), 300))

	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\r\n"), "\r\n") {
		if len(line) > base64LineLength {
			t.Fatalf("line length %d exceeds %d", len(line), base64LineLength)
		}
	}
}
