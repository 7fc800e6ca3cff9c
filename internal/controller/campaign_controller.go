// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

const defaultMaxFormBytes = 64 << 20

type CampaignController struct {
	CampaignService *service.CampaignService
	Logger          *slog.Logger
	// MaxFormBytes bounds multipart submissions held in memory.
	MaxFormBytes int64
}

// Routes mounts campaign and delivery log endpoints.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns/send", c.SendCampaign)
	r.Post("/campaigns/preview", c.Preview)

	r.Get("/logs", c.ListLogs)
	r.Delete("/logs", c.PurgeLogs)
	r.Get("/logs/stats", c.LogStats)
	r.Get("/logs/export", c.ExportLogs)
	r.Post("/logs/{id}/retry", c.RetryLog)
}

type campaignBody struct {
	Subject              string `json:"subject"`
	Body                 string `json:"body"`
	SenderID             string `json:"sender_id"`
	SameAttachmentForAll bool   `json:"same_attachment_for_all"`
	CSV                  string `json:"csv"`
	Recipients           []struct {
		Variables []model.Variable `json:"variables"`
	} `json:"recipients"`
}

// SendCampaign accepts a multipart form (csv file, attachments files and
// template fields) or a JSON body, and answers 202 once the campaign is queued.
func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	req := service.SubmitRequest{UserID: UserID(r)}

	if isMultipart(r) {
		if err := r.ParseMultipartForm(c.maxFormBytes()); err != nil {
			http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer r.MultipartForm.RemoveAll()

		req.SubjectTemplate = r.FormValue("subject")
		req.BodyTemplate = r.FormValue("body")
		req.SenderID = r.FormValue("sender_id")
		req.SameAttachmentForAll, _ = strconv.ParseBool(r.FormValue("same_attachment_for_all"))

		csvFile, _, err := r.FormFile("csv")
		if err != nil {
			http.Error(w, "csv file is required", http.StatusBadRequest)
			return
		}
		defer csvFile.Close()
		req.CSV = csvFile

		uploads, closeAll, err := uploadedFiles(r.MultipartForm.File["attachments"])
		defer closeAll()
		if err != nil {
			http.Error(w, "invalid attachment: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.Uploads = uploads
	} else {
		var body campaignBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		req.SubjectTemplate = body.Subject
		req.BodyTemplate = body.Body
		req.SenderID = body.SenderID
		req.SameAttachmentForAll = body.SameAttachmentForAll
		if body.CSV != "" {
			req.CSV = strings.NewReader(body.CSV)
		}
		for _, rec := range body.Recipients {
			req.Recipients = append(req.Recipients, rec.Variables)
		}
	}

	result, err := c.CampaignService.Submit(r.Context(), req)
	if err != nil {
		RespondError(w, r, c.Logger, err)
		return
	}
	RespondJSON(w, http.StatusAccepted, result)
}

// Preview renders the templates against the first CSV recipient.
func (c *CampaignController) Preview(w http.ResponseWriter, r *http.Request) {
	var (
		csvData io.Reader
		body    campaignBody
	)
	if isMultipart(r) {
		if err := r.ParseMultipartForm(c.maxFormBytes()); err != nil {
			http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer r.MultipartForm.RemoveAll()
		body.Subject = r.FormValue("subject")
		body.Body = r.FormValue("body")
		body.SameAttachmentForAll, _ = strconv.ParseBool(r.FormValue("same_attachment_for_all"))

		f, _, err := r.FormFile("csv")
		if err != nil {
			http.Error(w, "csv file is required", http.StatusBadRequest)
			return
		}
		defer f.Close()
		csvData = f
	} else {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		csvData = strings.NewReader(body.CSV)
	}

	preview, err := c.CampaignService.Preview(r.Context(), csvData, body.Subject, body.Body, body.SameAttachmentForAll)
	if err != nil {
		RespondError(w, r, c.Logger, err)
		return
	}
	RespondJSON(w, http.StatusOK, preview)
}

func (c *CampaignController) ListLogs(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	filter, err := logFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, pagination, err := c.CampaignService.ListLogs(r.Context(), filter, page, pageSize)
	if err != nil {
		RespondError(w, r, c.Logger, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"data":       entries,
		"pagination": pagination,
	})
}

func (c *CampaignController) LogStats(w http.ResponseWriter, r *http.Request) {
	filter, err := logFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := c.CampaignService.Stats(r.Context(), filter)
	if err != nil {
		RespondError(w, r, c.Logger, err)
		return
	}
	RespondJSON(w, http.StatusOK, stats)
}

// ExportLogs streams matching entries as csv (default) or json.
func (c *CampaignController) ExportLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := logFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = service.ExportCSV
	}
	if format != service.ExportCSV && format != service.ExportJSON {
		http.Error(w, "format must be csv or json", http.StatusBadRequest)
		return
	}

	contentType := "text/csv; charset=utf-8"
	if format == service.ExportJSON {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="delivery-logs-%s.%s"`, time.Now().UTC().Format("20060102-150405"), format))

	if err := c.CampaignService.Export(r.Context(), w, filter, format); err != nil && c.Logger != nil {
		// Headers are already sent; the client sees a truncated file.
		c.Logger.ErrorContext(r.Context(), "log export failed", slog.Any("error", err))
	}
}

// PurgeLogs deletes the account's entries older than ?older_than.
func (c *CampaignController) PurgeLogs(w http.ResponseWriter, r *http.Request) {
	age, err := service.ParseAge(r.URL.Query().Get("older_than"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID := UserID(r)
	deleted, err := c.CampaignService.Purge(r.Context(), &userID, age)
	if err != nil {
		RespondError(w, r, c.Logger, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (c *CampaignController) RetryLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid log entry id", http.StatusBadRequest)
		return
	}
	entry, err := c.CampaignService.RetryEntry(r.Context(), UserID(r), id)
	if err != nil {
		RespondError(w, r, c.Logger, err)
		return
	}
	RespondJSON(w, http.StatusAccepted, entry)
}

func (c *CampaignController) maxFormBytes() int64 {
	if c.MaxFormBytes > 0 {
		return c.MaxFormBytes
	}
	return defaultMaxFormBytes
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

func uploadedFiles(headers []*multipart.FileHeader) ([]service.UploadedFile, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	files := make([]service.UploadedFile, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			return nil, closeAll, err
		}
		opened = append(opened, f)
		files = append(files, service.UploadedFile{
			Name:        h.Filename,
			ContentType: h.Header.Get("Content-Type"),
			Size:        h.Size,
			Content:     f,
		})
	}
	return files, closeAll, nil
}

func logFilter(r *http.Request) (model.LogFilter, error) {
	q := r.URL.Query()
	userID := UserID(r)
	f := model.LogFilter{
		UserID: &userID,
		Status: model.DeliveryStatus(q.Get("status")),
		Search: strings.TrimSpace(q.Get("search")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("unknown status %q", f.Status)
	}
	for key, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := parseDate(raw)
		if err != nil {
			return f, fmt.Errorf("invalid %s date %q", key, raw)
		}
		if key == "to" && !strings.Contains(raw, "T") {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		*dst = &t
	}
	return f, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
