// internal/service/csv_ingestor.go
package service

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"strings"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
)

const utf8BOM = "\uFEFF"

// ignoredHeaders are UI artifacts exported along with recipient tables.
var ignoredHeaders = map[string]struct{}{
	"#":       {},
	"actions": {},
}

// Variables is the ordered, duplicate-free list of template variable names.
type Variables []string

// Has reports whether name is present.
func (v Variables) Has(name string) bool {
	for _, n := range v {
		if n == name {
			return true
		}
	}
	return false
}

// Add appends name unless already present.
func (v Variables) Add(name string) Variables {
	if v.Has(name) {
		return v
	}
	return append(v, name)
}

// Remove drops name wherever it is.
func (v Variables) Remove(name string) Variables {
	out := make(Variables, 0, len(v))
	for _, n := range v {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// IngestResult is the outcome of parsing a recipient CSV.
type IngestResult struct {
	Variables      Variables          `json:"variables"`
	Recipients     []*model.Recipient `json:"recipients"`
	HasAttachments bool               `json:"has_attachments"`
	HasCc          bool               `json:"has_cc"`
	Total          int                `json:"total"`
	Skipped        int                `json:"skipped"`
	Success        bool               `json:"success"`
}

// CsvIngestor turns uploaded CSV content into recipients.
type CsvIngestor struct {
	Logger *slog.Logger
}

// NewCsvIngestor creates an ingestor.
func NewCsvIngestor(log *slog.Logger) *CsvIngestor {
	return &CsvIngestor{Logger: log}
}

// Parse reads comma-separated content with a header row. It returns
// ErrEmptyCSV (with Success=false) when there is no header to read.
func (c *CsvIngestor) Parse(ctx context.Context, r io.Reader) (*IngestResult, error) {
	result := &IngestResult{}

	br := bufio.NewReader(r)
	if bom, err := br.Peek(len(utf8BOM)); err == nil && string(bom) == utf8BOM {
		_, _ = br.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	// encoding/csv already skips blank lines, so the first record is the
	// first non-empty line.
	rawHeaders, err := reader.Read()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			c.Logger.WarnContext(ctx, "csv header unreadable", slog.Any("error", err))
		}
		return result, appErrors.ErrEmptyCSV
	}

	headers := normalizeHeaders(rawHeaders)
	if len(headers) == 0 {
		return result, appErrors.ErrEmptyCSV
	}

	// columns keeps every usable header with its position; duplicates stay so
	// the last occurrence wins when a row is filled.
	type column struct {
		name  string
		index int
	}
	var columns []column
	var variables Variables
	for i, h := range headers {
		if h == "" {
			continue
		}
		if _, skip := ignoredHeaders[h]; skip {
			continue
		}
		columns = append(columns, column{name: h, index: i})
		variables = variables.Add(h)
	}
	// Without an email header one is prepended, and rows map positionally onto
	// the extended header list, so the first cell lands in email.
	if !variables.Has(model.FieldEmail) {
		variables = append(Variables{model.FieldEmail}, variables...)
		for i := range columns {
			columns[i].index++
		}
		columns = append([]column{{name: model.FieldEmail, index: 0}}, columns...)
	}
	result.Variables = variables
	result.HasAttachments = variables.Has(model.FieldAttachments)
	result.HasCc = variables.Has(model.FieldCc)

	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			result.Total++
			result.Skipped++
			c.Logger.WarnContext(ctx, "csv row skipped: malformed", slog.Int("line", line), slog.Any("error", err))
			continue
		}
		if isBlankRecord(record) {
			continue
		}
		result.Total++

		vars := make([]model.Variable, 0, len(variables))
		// Every variable gets a slot, so short rows default to "".
		for _, name := range variables {
			vars = append(vars, model.Variable{Name: name})
		}
		for _, col := range columns {
			value := ""
			if col.index < len(record) {
				value = strings.TrimSpace(record[col.index])
			}
			vars = append(vars, model.Variable{Name: col.name, Value: value})
		}

		recipient, err := model.NewRecipient(vars)
		if err != nil {
			result.Skipped++
			c.Logger.DebugContext(ctx, "csv row skipped: no email", slog.Int("line", line))
			continue
		}
		result.Recipients = append(result.Recipients, recipient)
	}

	result.Success = true
	c.Logger.InfoContext(ctx, "csv ingested",
		slog.Int("recipients", len(result.Recipients)),
		slog.Int("skipped", result.Skipped),
		slog.Int("variables", len(result.Variables)),
	)
	return result, nil
}

func normalizeHeaders(raw []string) []string {
	out := make([]string, len(raw))
	for i, h := range raw {
		h = strings.TrimPrefix(h, utf8BOM)
		out[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return out
}

func isBlankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
