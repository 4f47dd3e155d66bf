package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

const implicitTLSPort = 465

var ErrEmptyRecipient = errors.New("empty recipient")

// Mailer submits a fully assembled message using the credentials of the
// account the message is sent from.
type Mailer interface {
	Send(ctx context.Context, creds Credentials, msg *Message) error
}

type Config struct {
	Host               string
	Port               int
	DialTimeout        time.Duration
	InsecureSkipVerify bool
	// LocalName is sent in HELO/EHLO; empty keeps net/smtp's "localhost".
	LocalName string
}

type Credentials struct {
	Username string
	Password string
}

type mailer struct {
	cfg *Config
}

func New(cfg *Config) Mailer {
	return &mailer{cfg: cfg}
}

func (m *mailer) Send(ctx context.Context, creds Credentials, msg *Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrEmptyRecipient
	}

	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return &AddressError{Address: msg.To, Err: err}
	}

	from := parseFromEmail(msg.From)

	data, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// net/smtp has no context support; closing the conn unblocks it on cancel.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("new client: %w", err)
	}

	defer func() {
		_ = c.Close()
	}()

	if m.cfg.LocalName != "" {
		if err := c.Hello(m.cfg.LocalName); err != nil {
			return fmt.Errorf("hello: %w", err)
		}
	}

	if m.cfg.Port != implicitTLSPort {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(m.tlsConfig()); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	// PlainAuth refuses to send credentials over an unencrypted connection
	// unless the server is localhost, so only authenticate when offered.
	if creds.Username != "" && creds.Password != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", creds.Username, creds.Password, m.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	if err := c.Rcpt(to.Address); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	return c.Quit()
}

func (m *mailer) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	d := &net.Dialer{Timeout: m.cfg.DialTimeout}

	if m.cfg.Port == implicitTLSPort {
		td := &tls.Dialer{NetDialer: d, Config: m.tlsConfig()}

		conn, err := td.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial tls: %w", err)
		}

		return conn, nil
	}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return conn, nil
}

func (m *mailer) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         m.cfg.Host,
		InsecureSkipVerify: m.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for local relays
		MinVersion:         tls.VersionTLS12,
	}
}

func parseFromEmail(from string) string {
	if i := strings.Index(from, "<"); i >= 0 {
		if j := strings.Index(from[i:], ">"); j > 0 {
			return strings.TrimSpace(from[i+1 : i+j])
		}
	}
	return strings.TrimSpace(from)
}

type AddressError struct {
	Address string
	Err     error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid address %q: %v", e.Address, e.Err)
}

func (e *AddressError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether retrying err cannot succeed: malformed
// addresses and 5xx replies from the relay.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrEmptyRecipient) {
		return true
	}

	var addrErr *AddressError
	if errors.As(err, &addrErr) {
		return true
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 500 && protoErr.Code < 600
	}

	return false
}
