package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/logger"
	"github.com/unclebandit/mailleopard-backend/internal/mailer"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

const defaultBatchSize = 50

// SenderResolver picks and checks the credentials a campaign sends with.
type SenderResolver interface {
	Resolve(ctx context.Context, userID int64, selectedID string) (*model.SenderProfile, error)
	Validate(p *model.SenderProfile) ValidationResult
}

// AttachmentStore stages and reads the files a campaign sends.
type AttachmentStore interface {
	ResolveRecipient(ctx context.Context, r *model.Recipient, uploaded []model.Attachment, folder string)
	Available(ctx context.Context, att model.Attachment) bool
	Load(ctx context.Context, att model.Attachment) ([]byte, error)
	Cleanup(ctx context.Context, attachments []model.Attachment) error
}

// DispatchService sends a campaign to its recipients one at a time,
// recording every outcome in the delivery log.
type DispatchService struct {
	Logs        repository.DeliveryLogRepositoryInterface
	Senders     SenderResolver
	Mailer      mailer.Sender
	Attachments AttachmentStore
	Logger      *slog.Logger

	BatchSize int
	// RatePerMinute spaces sends evenly; zero disables throttling.
	RatePerMinute int

	now func() time.Time
}

func NewDispatchService(logs repository.DeliveryLogRepositoryInterface, senders SenderResolver, m mailer.Sender, atts AttachmentStore, batchSize, ratePerMinute int, log *slog.Logger) *DispatchService {
	return &DispatchService{
		Logs:          logs,
		Senders:       senders,
		Mailer:        m,
		Attachments:   atts,
		Logger:        log,
		BatchSize:     batchSize,
		RatePerMinute: ratePerMinute,
		now:           time.Now,
	}
}

// Dispatch runs one campaign. It returns an error only when the campaign
// cannot start; per-recipient failures end up in the delivery log. Errors
// wrapped as permanent must not be retried by the job runner.
func (s *DispatchService) Dispatch(ctx context.Context, job model.DispatchJob) (*model.CampaignSummary, error) {
	c := &job.Campaign
	ctx = logger.WithUserID(logger.WithJobID(ctx, job.JobID), c.UserID)
	summary := &model.CampaignSummary{JobID: job.JobID}

	profile, err := s.preflight(ctx, c)
	if err != nil {
		if appErrors.IsPermanent(err) {
			s.Logger.ErrorContext(ctx, "campaign aborted before sending", slog.Any("error", err))
			s.cleanup(ctx, campaignAttachments(c))
		}
		return nil, err
	}

	s.Logger.InfoContext(ctx, "campaign started",
		slog.Int("recipients", len(c.Recipients)),
		slog.String("sender", profile.ID),
		slog.Bool("same_attachment_for_all", c.SameAttachmentForAll),
	)

	s.stageRecipients(ctx, job)

	limiter := s.limiter()
	batchSize := s.BatchSize
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}

	var runErr error
	for start := 0; start < len(c.Recipients) && runErr == nil; start += batchSize {
		end := min(start+batchSize, len(c.Recipients))
		s.Logger.DebugContext(ctx, "processing batch", slog.Int("from", start), slog.Int("to", end))

		for _, r := range c.Recipients[start:end] {
			if runErr = s.sendOne(ctx, job, profile, r, limiter, summary); runErr != nil {
				break
			}
		}
	}

	s.cleanup(ctx, campaignAttachments(c))

	s.Logger.InfoContext(ctx, "campaign finished",
		slog.Int("attempted", summary.Attempted),
		slog.Int("sent", summary.Sent),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
	)

	if runErr != nil {
		// Rerunning would send to recipients already marked sent.
		return summary, appErrors.Permanent(fmt.Errorf("campaign interrupted: %w", runErr))
	}
	return summary, nil
}

// stageRecipients resolves each recipient's CC list and attachment paths
// into the campaign folder. Unreachable files are dropped by the resolver.
func (s *DispatchService) stageRecipients(ctx context.Context, job model.DispatchJob) {
	c := &job.Campaign
	folder := AttachmentFolder(c.UserID, job.JobID)
	for i, r := range c.Recipients {
		if ctx.Err() != nil {
			return
		}
		if c.SameAttachmentForAll {
			r.RawAttachments = nil
		}
		if len(r.RawAttachments) == 0 && len(r.RawCc) == 0 {
			continue
		}
		s.Attachments.ResolveRecipient(ctx, r, c.GlobalAttachments, path.Join(folder, "recipients", strconv.Itoa(i)))
	}
}

func (s *DispatchService) preflight(ctx context.Context, c *model.Campaign) (*model.SenderProfile, error) {
	if strings.TrimSpace(c.SubjectTemplate) == "" || strings.TrimSpace(c.BodyTemplate) == "" {
		return nil, appErrors.Permanent(appErrors.ErrMissingTemplate)
	}

	profile, err := s.Senders.Resolve(ctx, c.UserID, c.SenderID)
	if err != nil {
		if errors.Is(err, appErrors.ErrSenderNotFound) {
			return nil, appErrors.Permanent(err)
		}
		return nil, err
	}
	if res := s.Senders.Validate(profile); !res.Valid {
		return nil, appErrors.Permanent(res.Err(profile.ID))
	}
	return profile, nil
}

// sendOne handles a single recipient. It only returns an error when the run
// itself must stop (cancellation or deadline).
func (s *DispatchService) sendOne(ctx context.Context, job model.DispatchJob, profile *model.SenderProfile, r *model.Recipient, limiter *rate.Limiter, summary *model.CampaignSummary) error {
	c := &job.Campaign
	email, ok := validRecipientEmail(r.Email())
	if !ok {
		summary.Skipped++
		s.Logger.WarnContext(ctx, "recipient skipped", slog.String("email", r.Email()), slog.Any("error", appErrors.ErrInvalidEmail))
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	attachments := r.ResolvedAttachments
	if c.SameAttachmentForAll {
		attachments = c.GlobalAttachments
	}
	attachments = s.availableAttachments(ctx, attachments)

	cc := make([]string, 0, len(r.ResolvedCc))
	for _, e := range r.ResolvedCc {
		cc = append(cc, e.Address)
	}

	userID := c.UserID
	jobID := job.JobID
	entry := &model.DeliveryLogEntry{
		UserID:         &userID,
		JobID:          &jobID,
		SenderID:       profile.ID,
		RecipientEmail: email,
		Cc:             cc,
		Subject:        RenderForRecipient(c.SubjectTemplate, r),
		Body:           RenderForRecipient(c.BodyTemplate, r),
		Variables:      r.Map(),
		Attachments:    attachments,
		Status:         model.StatusPending,
	}
	if err := s.Logs.Create(ctx, entry); err != nil {
		summary.Skipped++
		s.Logger.ErrorContext(ctx, "could not record delivery, recipient skipped", slog.String("email", email), slog.Any("error", err))
		return nil
	}

	summary.Attempted++
	if s.deliver(ctx, profile, entry) {
		summary.Sent++
	} else {
		summary.Failed++
	}
	return nil
}

// Retry re-sends a delivery log entry that an operator reset to pending.
func (s *DispatchService) Retry(ctx context.Context, job model.RetryJob) error {
	ctx = logger.WithUserID(ctx, job.UserID)

	entry, err := s.Logs.GetByID(ctx, job.EntryID)
	if err != nil {
		if errors.Is(err, appErrors.ErrLogEntryNotFound) {
			return appErrors.Permanent(err)
		}
		return err
	}
	if entry.UserID != nil && *entry.UserID != job.UserID {
		return appErrors.Permanent(appErrors.ErrLogEntryNotFound)
	}
	if entry.Status != model.StatusPending {
		return appErrors.Permanent(fmt.Errorf("%w: entry %d is %s", appErrors.ErrNotRetryable, entry.ID, entry.Status))
	}
	if entry.JobID != nil {
		ctx = logger.WithJobID(ctx, *entry.JobID)
	}

	profile, err := s.Senders.Resolve(ctx, job.UserID, entry.SenderID)
	if err == nil {
		if res := s.Senders.Validate(profile); !res.Valid {
			err = res.Err(profile.ID)
		}
	}
	if err != nil {
		if !errors.Is(err, appErrors.ErrSenderNotFound) && !isValidationError(err) {
			return err
		}
		entry.MarkFailed(err, s.clock().UTC())
		return s.Logs.Update(ctx, entry)
	}

	entry.Attachments = s.availableAttachments(ctx, entry.Attachments)
	s.deliver(ctx, profile, entry)
	return nil
}

// deliver sends the entry's rendered message and records the outcome.
func (s *DispatchService) deliver(ctx context.Context, profile *model.SenderProfile, entry *model.DeliveryLogEntry) bool {
	email := &mailer.Email{
		FromName: profile.Name,
		From:     profile.Email,
		To:       []string{entry.RecipientEmail},
		Cc:       entry.Cc,
		Subject:  entry.Subject,
		HTML:     entry.Body,
	}
	for _, att := range entry.Attachments {
		content, err := s.Attachments.Load(ctx, att)
		if err != nil {
			s.Logger.WarnContext(ctx, "attachment unreadable, dropped", slog.String("file", att.DisplayName), slog.Any("error", err))
			continue
		}
		email.Attachments = append(email.Attachments, mailer.Attachment{
			Filename:    att.DisplayName,
			ContentType: att.MimeType,
			Content:     content,
		})
	}

	sendErr := s.Mailer.Send(ctx, profile, email)
	now := s.clock().UTC()
	if sendErr != nil {
		entry.MarkFailed(sendErr, now)
		s.Logger.ErrorContext(ctx, "send failed",
			slog.Int64("entry_id", entry.ID),
			slog.String("email", entry.RecipientEmail),
			slog.Int("attempts", entry.Attempts),
			slog.Any("error", sendErr),
		)
	} else {
		entry.MarkSent(now)
	}

	// The outcome must be recorded even if the job context just expired.
	if err := s.Logs.Update(context.WithoutCancel(ctx), entry); err != nil {
		s.Logger.ErrorContext(ctx, "could not record delivery outcome",
			slog.Int64("entry_id", entry.ID),
			slog.String("status", string(entry.Status)),
			slog.Any("error", err),
		)
	}
	return sendErr == nil
}

func (s *DispatchService) availableAttachments(ctx context.Context, atts []model.Attachment) []model.Attachment {
	out := make([]model.Attachment, 0, len(atts))
	for _, att := range atts {
		if !s.Attachments.Available(ctx, att) {
			s.Logger.WarnContext(ctx, "attachment missing at send time, dropped", slog.String("file", att.DisplayName), slog.String("path", att.Path))
			continue
		}
		out = append(out, att)
	}
	return out
}

func (s *DispatchService) cleanup(ctx context.Context, atts []model.Attachment) {
	if len(atts) == 0 {
		return
	}
	if err := s.Attachments.Cleanup(context.WithoutCancel(ctx), atts); err != nil {
		s.Logger.WarnContext(ctx, "attachment cleanup incomplete", slog.Any("error", err))
	}
}

func (s *DispatchService) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func (s *DispatchService) limiter() *rate.Limiter {
	if s.RatePerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.RatePerMinute)), 1)
}

// campaignAttachments lists every staged file the campaign owns.
func campaignAttachments(c *model.Campaign) []model.Attachment {
	out := append([]model.Attachment(nil), c.GlobalAttachments...)
	for _, r := range c.Recipients {
		out = append(out, r.ResolvedAttachments...)
	}
	return out
}

// validRecipientEmail accepts a bare RFC 5322 address.
func validRecipientEmail(s string) (string, bool) {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", false
	}
	return addr.Address, true
}

func isValidationError(err error) bool {
	var v *appErrors.SenderValidationError
	return errors.As(err, &v)
}
