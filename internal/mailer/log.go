package mailer

import (
	"context"
	"log/slog"

	"github.com/unclebandit/mailleopard-backend/internal/model"
)

// LogSender logs emails instead of sending them. Useful for development.
type LogSender struct {
	Logger *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{Logger: log}
}

func (s *LogSender) Send(ctx context.Context, profile *model.SenderProfile, email *Email) error {
	if err := email.validate(); err != nil {
		return err
	}
	names := make([]string, 0, len(email.Attachments))
	for _, a := range email.Attachments {
		names = append(names, a.Filename)
	}
	s.Logger.InfoContext(ctx, "email (log driver, not sent)",
		slog.String("profile", profile.ID),
		slog.String("from", email.From),
		slog.Any("to", email.To),
		slog.Any("cc", email.Cc),
		slog.String("subject", email.Subject),
		slog.Any("attachments", names),
	)
	return nil
}
