package mailer

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/unclebandit/mailleopard-backend/internal/model"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTPSender delivers mail through the SMTP endpoint of each profile.
type SMTPSender struct {
	Timeout time.Duration
	Logger  *slog.Logger
	// TLSConfig is cloned per connection; ServerName is always overwritten.
	TLSConfig *tls.Config
	now       func() time.Time
}

func NewSMTPSender(timeout time.Duration, log *slog.Logger) *SMTPSender {
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	return &SMTPSender{Timeout: timeout, Logger: log, now: time.Now}
}

func (s *SMTPSender) Send(ctx context.Context, profile *model.SenderProfile, email *Email) error {
	msg, err := Build(email, s.now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	client, conn, err := s.dial(ctx, profile)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()

	if profile.Encryption == model.EncryptionTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fmt.Errorf("%w: %s does not support STARTTLS", ErrConnectionFailed, profile.Address())
		}
		if err := client.StartTLS(s.tlsConfig(profile.Host)); err != nil {
			return fmt.Errorf("%w: starttls: %v", ErrConnectionFailed, err)
		}
	}

	if profile.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := authenticate(client, profile); err != nil {
				return err
			}
		}
	}

	if err := client.Mail(email.From); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %v", ErrSendFailed, err)
	}
	for _, rcpt := range email.Recipients() {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("%w: RCPT TO %s: %v", ErrSendFailed, rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA: %v", ErrSendFailed, err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("%w: write: %v", ErrSendFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	// The message is accepted at this point; QUIT errors are not delivery failures.
	if err := client.Quit(); err != nil && s.Logger != nil {
		s.Logger.DebugContext(ctx, "smtp quit failed", slog.String("host", profile.Host), slog.Any("error", err))
	}
	return nil
}

func (s *SMTPSender) dial(ctx context.Context, profile *model.SenderProfile) (*smtp.Client, net.Conn, error) {
	addr := profile.Address()
	dialer := &net.Dialer{Timeout: s.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if profile.Encryption == model.EncryptionSSL {
		td := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig(profile.Host)}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, profile.Host)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return client, conn, nil
}

func (s *SMTPSender) tlsConfig(host string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.TLSConfig != nil {
		cfg = s.TLSConfig.Clone()
	}
	cfg.ServerName = host
	return cfg
}

// authenticate tries PLAIN first and falls back to LOGIN, which some
// providers require.
func authenticate(client *smtp.Client, profile *model.SenderProfile) error {
	plain := smtp.PlainAuth("", profile.Username, profile.Password, profile.Host)
	err := client.Auth(plain)
	if err == nil {
		return nil
	}
	if errLogin := client.Auth(newLoginAuth(profile.Username, profile.Password)); errLogin != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, errors.Join(err, errLogin))
	}
	return nil
}

// loginAuth implements the LOGIN SASL mechanism.
type loginAuth struct {
	username, password string
}

func newLoginAuth(username, password string) smtp.Auth {
	return &loginAuth{username: username, password: password}
}

func (a *loginAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	prompt := strings.TrimSpace(string(fromServer))
	if resp, ok := a.answer(prompt); ok {
		return resp, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(prompt); err == nil {
		if resp, ok := a.answer(string(decoded)); ok {
			return resp, nil
		}
	}
	return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
}

func (a *loginAuth) answer(prompt string) ([]byte, bool) {
	switch strings.TrimSuffix(strings.ToLower(prompt), ":") {
	case "username":
		return []byte(a.username), true
	case "password":
		return []byte(a.password), true
	}
	return nil, false
}
