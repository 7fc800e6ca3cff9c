// internal/service/campaign_service.go
package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/queue"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

const (
	StatusQueued = "queued"

	ExportCSV  = "csv"
	ExportJSON = "json"
)

var ErrUnknownExportFormat = errors.New("unknown export format")

// CampaignService implements the operator actions around campaigns and the
// delivery log.
type CampaignService struct {
	Logs        repository.DeliveryLogRepositoryInterface
	Ingestor    *CsvIngestor
	Attachments *AttachmentResolver
	Senders     SenderResolver
	Queue       queue.Queue
	Logger      *slog.Logger

	Enabled     bool
	MaxAttempts int

	newID func() string
	now   func() time.Time
}

func NewCampaignService(logs repository.DeliveryLogRepositoryInterface, ingestor *CsvIngestor, atts *AttachmentResolver, senders SenderResolver, q queue.Queue, enabled bool, maxAttempts int, log *slog.Logger) *CampaignService {
	return &CampaignService{
		Logs:        logs,
		Ingestor:    ingestor,
		Attachments: atts,
		Senders:     senders,
		Queue:       q,
		Logger:      log,
		Enabled:     enabled,
		MaxAttempts: maxAttempts,
		newID:       uuid.NewString,
		now:         time.Now,
	}
}

// SubmitRequest is a campaign send request.
type SubmitRequest struct {
	UserID int64
	// CSV holds the recipient list. When nil, Recipients is used.
	CSV                  io.Reader
	Recipients           [][]model.Variable
	SubjectTemplate      string
	BodyTemplate         string
	Uploads              []UploadedFile
	SameAttachmentForAll bool
	SenderID             string
}

// SubmitResult is returned as soon as the campaign is queued.
type SubmitResult struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Recipients int    `json:"recipients"`
	Skipped    int    `json:"skipped"`
}

// Submit ingests recipients, checks the sender, stores uploaded files and
// queues the campaign. Paths named in the CSV are resolved by the dispatch
// job, so submission never waits on remote fetches.
func (s *CampaignService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if !s.Enabled {
		return nil, appErrors.ErrDispatchDisabled
	}
	if strings.TrimSpace(req.SubjectTemplate) == "" || strings.TrimSpace(req.BodyTemplate) == "" {
		return nil, appErrors.ErrMissingTemplate
	}

	recipients, skipped, err := s.recipients(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, appErrors.ErrNoRecipients
	}
	if err := s.checkSender(ctx, req.UserID, req.SenderID); err != nil {
		return nil, err
	}
	if req.SameAttachmentForAll {
		for _, r := range recipients {
			r.RawAttachments = nil
		}
	}

	jobID := s.id()
	uploaded := s.Attachments.ResolveUploaded(ctx, req.Uploads, path.Join(AttachmentFolder(req.UserID, jobID), "global"))

	job := model.DispatchJob{
		JobID: jobID,
		Campaign: model.Campaign{
			ID:                   jobID,
			UserID:               req.UserID,
			Recipients:           recipients,
			SubjectTemplate:      req.SubjectTemplate,
			BodyTemplate:         req.BodyTemplate,
			GlobalAttachments:    uploaded,
			SameAttachmentForAll: req.SameAttachmentForAll,
			SenderID:             req.SenderID,
		},
	}
	if err := queue.PublishJSON(ctx, s.Queue, queue.TopicCampaignSends, job); err != nil {
		if cerr := s.Attachments.Cleanup(context.WithoutCancel(ctx), campaignAttachments(&job.Campaign)); cerr != nil {
			s.Logger.WarnContext(ctx, "attachment cleanup incomplete", slog.Any("error", cerr))
		}
		return nil, fmt.Errorf("queue campaign: %w", err)
	}

	s.Logger.InfoContext(ctx, "campaign queued",
		slog.String("job_id", jobID),
		slog.Int("recipients", len(recipients)),
		slog.Int("attachments", len(uploaded)),
	)
	return &SubmitResult{JobID: jobID, Status: StatusQueued, Recipients: len(recipients), Skipped: skipped}, nil
}

func (s *CampaignService) recipients(ctx context.Context, req SubmitRequest) ([]*model.Recipient, int, error) {
	if req.CSV != nil {
		res, err := s.Ingestor.Parse(ctx, req.CSV)
		if err != nil {
			return nil, 0, err
		}
		return res.Recipients, res.Skipped, nil
	}

	out := make([]*model.Recipient, 0, len(req.Recipients))
	skipped := 0
	for _, vars := range req.Recipients {
		r, err := model.NewRecipient(vars)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, r)
	}
	return out, skipped, nil
}

// checkSender rejects a campaign whose sender cannot be used, before any
// work is queued. The dispatch job checks again before sending.
func (s *CampaignService) checkSender(ctx context.Context, userID int64, senderID string) error {
	if s.Senders == nil {
		return nil
	}
	profile, err := s.Senders.Resolve(ctx, userID, senderID)
	if err != nil {
		return err
	}
	return s.Senders.Validate(profile).Err(profile.ID)
}

// PreviewResult shows how the first recipient will see the campaign.
type PreviewResult struct {
	Variables         Variables         `json:"variables"`
	TemplateVariables []string          `json:"template_variables"`
	UnknownVariables  []string          `json:"unknown_variables"`
	Recipients        int               `json:"recipients"`
	Skipped           int               `json:"skipped"`
	Sample            map[string]string `json:"sample,omitempty"`
	Subject           string            `json:"subject"`
	Body              string            `json:"body"`
}

// Preview parses a recipient CSV and renders the templates for the first
// recipient without sending anything.
func (s *CampaignService) Preview(ctx context.Context, r io.Reader, subject, body string, sameAttachmentForAll bool) (*PreviewResult, error) {
	res, err := s.Ingestor.Parse(ctx, r)
	if err != nil {
		return nil, err
	}

	vars := res.Variables
	if sameAttachmentForAll {
		vars = vars.Remove(model.FieldAttachments)
	}

	out := &PreviewResult{
		Variables:        vars,
		Recipients:       len(res.Recipients),
		Skipped:          res.Skipped,
		UnknownVariables: []string{},
	}
	out.TemplateVariables = Variables(ExtractVariables(subject)).merge(ExtractVariables(body))
	for _, name := range out.TemplateVariables {
		if !vars.Has(name) && !vars.Has(strings.ToLower(name)) {
			out.UnknownVariables = append(out.UnknownVariables, name)
		}
	}

	if len(res.Recipients) > 0 {
		first := res.Recipients[0]
		out.Sample = first.Map()
		out.Subject = RenderForRecipient(subject, first)
		out.Body = RenderForRecipient(body, first)
	}
	return out, nil
}

func (v Variables) merge(names []string) Variables {
	out := append(Variables(nil), v...)
	for _, n := range names {
		out = out.Add(n)
	}
	return out
}

// ListLogs returns one page of delivery log entries, newest first.
func (s *CampaignService) ListLogs(ctx context.Context, f model.LogFilter, page, pageSize int) ([]*model.DeliveryLogEntry, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	f.Offset = (page - 1) * pageSize
	f.Limit = pageSize

	entries, total, err := s.Logs.List(ctx, f)
	if err != nil {
		return nil, nil, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return entries, pagination, nil
}

// Stats counts delivery log entries by status.
func (s *CampaignService) Stats(ctx context.Context, f model.LogFilter) (*model.LogStats, error) {
	return s.Logs.Stats(ctx, f)
}

// Export writes every entry matching f as CSV or JSON.
func (s *CampaignService) Export(ctx context.Context, w io.Writer, f model.LogFilter, format string) error {
	if format != ExportCSV && format != ExportJSON {
		return fmt.Errorf("%w: %q", ErrUnknownExportFormat, format)
	}
	f.Offset, f.Limit = 0, 0
	entries, _, err := s.Logs.List(ctx, f)
	if err != nil {
		return err
	}

	if format == ExportJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	cw := csv.NewWriter(w)
	header := []string{"id", "job_id", "sender_id", "recipient_email", "cc", "subject", "status", "attempts", "error_message", "sent_at", "created_at"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, e := range entries {
		record := []string{
			strconv.FormatInt(e.ID, 10),
			deref(e.JobID),
			e.SenderID,
			e.RecipientEmail,
			strings.Join(e.Cc, ", "),
			e.Subject,
			string(e.Status),
			strconv.Itoa(e.Attempts),
			e.ErrorMessage,
			formatTime(e.SentAt),
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Purge deletes entries older than the given age.
func (s *CampaignService) Purge(ctx context.Context, userID *int64, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("purge age must be positive, got %s", olderThan)
	}
	cutoff := s.clock().Add(-olderThan)
	n, err := s.Logs.PurgeOlderThan(ctx, cutoff, userID)
	if err != nil {
		return 0, err
	}
	s.Logger.InfoContext(ctx, "delivery logs purged", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
	return n, nil
}

// ParseAge reads a purge age: a Go duration or whole days such as "30d".
func ParseAge(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("purge age is required")
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid purge age %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid purge age %q", s)
	}
	return d, nil
}

// RetryEntry resets a failed entry to pending and queues a re-send.
func (s *CampaignService) RetryEntry(ctx context.Context, userID int64, id int64) (*model.DeliveryLogEntry, error) {
	current, err := s.Logs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.UserID != nil && *current.UserID != userID {
		return nil, appErrors.ErrLogEntryNotFound
	}

	entry, err := s.Logs.ResetToPending(ctx, id, s.MaxAttempts)
	if err != nil {
		return nil, err
	}
	if err := queue.PublishJSON(ctx, s.Queue, queue.TopicLogRetries, model.RetryJob{EntryID: id, UserID: userID}); err != nil {
		// Put the entry back to failed so it can be retried once the queue recovers.
		if rerr := s.Logs.Update(context.WithoutCancel(ctx), current); rerr != nil {
			s.Logger.ErrorContext(ctx, "could not restore failed entry", slog.Int64("entry_id", id), slog.Any("error", rerr))
		}
		return nil, fmt.Errorf("queue retry: %w", err)
	}
	return entry, nil
}

func (s *CampaignService) id() string {
	if s.newID == nil {
		return uuid.NewString()
	}
	return s.newID()
}

func (s *CampaignService) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
