package mailer

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"
)

const (
	base64LineLength   = 76
	defaultContentType = "application/octet-stream"
)

type Message struct {
	From        string
	To          string
	Subject     string
	HTML        string
	Attachments []Attachment
	Date        time.Time
}

type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Bytes renders the message as RFC 5322 text. Messages with attachments are
// multipart/mixed with the HTML body as the first part.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	headers := []string{
		fmt.Sprintf("From: %s", m.From),
		fmt.Sprintf("To: %s", m.To),
		fmt.Sprintf("Subject: %s", mime.QEncoding.Encode("utf-8", m.Subject)),
		fmt.Sprintf("Date: %s", date.Format(time.RFC1123Z)),
		fmt.Sprintf("Message-ID: <%s@%s>", randomID(), domainOf(parseFromEmail(m.From))),
		"MIME-Version: 1.0",
	}

	if len(m.Attachments) == 0 {
		headers = append(headers,
			"Content-Type: text/html; charset=UTF-8",
			"Content-Transfer-Encoding: base64",
		)
		buf.WriteString(strings.Join(headers, "\r\n") + "\r\n\r\n")
		writeBase64(&buf, []byte(m.HTML))

		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)

	headers = append(headers, fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q", mw.Boundary()))

	// headers must precede the first boundary written by mw
	var head bytes.Buffer
	head.WriteString(strings.Join(headers, "\r\n") + "\r\n\r\n")

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=UTF-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, fmt.Errorf("create body part: %w", err)
	}

	writeBase64(body, []byte(m.HTML))

	for _, a := range m.Attachments {
		contentType := a.ContentType
		if contentType == "" {
			contentType = defaultContentType
		}

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(contentType, map[string]string{"name": a.Filename})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, fmt.Errorf("create attachment part %s: %w", a.Filename, err)
		}

		writeBase64(part, a.Content)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	return append(head.Bytes(), buf.Bytes()...), nil
}

func writeBase64(w io.Writer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)

	for len(encoded) > base64LineLength {
		_, _ = w.Write([]byte(encoded[:base64LineLength] + "\r\n"))
		encoded = encoded[base64LineLength:]
	}

	_, _ = w.Write([]byte(encoded + "\r\n"))
}

func randomID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)

	return hex.EncodeToString(b)
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}

	return "localhost"
}
