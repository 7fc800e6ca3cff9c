// Package mailer builds MIME messages and delivers them over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/unclebandit/mailleopard-backend/internal/model"
)

var (
	ErrNoRecipients     = errors.New("mailer: at least one recipient is required")
	ErrNoSender         = errors.New("mailer: sender address is required")
	ErrConnectionFailed = errors.New("mailer: smtp connection failed")
	ErrAuthFailed       = errors.New("mailer: smtp authentication failed")
	ErrSendFailed       = errors.New("mailer: smtp send failed")
)

// Sender delivers a prepared Email through the given profile. The profile is
// passed on every call; senders hold no global transport state.
type Sender interface {
	Send(ctx context.Context, profile *model.SenderProfile, email *Email) error
}

// Email is a fully rendered message.
type Email struct {
	FromName    string
	From        string
	To          []string
	Cc          []string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

// Attachment is a file loaded into memory for sending.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Recipients returns the envelope recipients (To followed by Cc).
func (e *Email) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc))
	out = append(out, e.To...)
	return append(out, e.Cc...)
}

func (e *Email) validate() error {
	if e.From == "" {
		return ErrNoSender
	}
	if len(e.To) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// FormatAddress returns "Name <email>" or just the email.
func FormatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}
