package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
)

type DeliveryLogRepositoryInterface interface {
	Create(ctx context.Context, e *model.DeliveryLogEntry) error
	Update(ctx context.Context, e *model.DeliveryLogEntry) error
	GetByID(ctx context.Context, id int64) (*model.DeliveryLogEntry, error)
	List(ctx context.Context, f model.LogFilter) ([]*model.DeliveryLogEntry, int, error)
	Stats(ctx context.Context, f model.LogFilter) (*model.LogStats, error)
	ResetToPending(ctx context.Context, id int64, maxAttempts int) (*model.DeliveryLogEntry, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time, userID *int64) (int64, error)
}

type DeliveryLogRepository struct {
	DB *sql.DB
}

const deliveryLogColumns = `id, user_id, job_id, sender_id, recipient_email, cc, subject, body, variables,
        attachments, status, error_message, attempts, sent_at, created_at, updated_at`

func (r *DeliveryLogRepository) Create(ctx context.Context, e *model.DeliveryLogEntry) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = model.StatusPending
	}

	cc, vars, atts, err := encodeEntryJSON(e)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO delivery_logs
        (user_id, job_id, sender_id, recipient_email, cc, subject, body, variables, attachments,
         status, error_message, attempts, sent_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		e.UserID,
		e.JobID,
		e.SenderID,
		e.RecipientEmail,
		cc,
		e.Subject,
		e.Body,
		vars,
		atts,
		e.Status,
		e.ErrorMessage,
		e.Attempts,
		e.SentAt,
		e.CreatedAt,
		e.UpdatedAt,
	).Scan(&e.ID)
}

// Update persists the mutable delivery fields (status, error, attempts, sent time).
func (r *DeliveryLogRepository) Update(ctx context.Context, e *model.DeliveryLogEntry) error {
	e.UpdatedAt = time.Now().UTC()
	query := `
        UPDATE delivery_logs
        SET status=$1, error_message=$2, attempts=$3, sent_at=$4, updated_at=$5
        WHERE id=$6
    `
	res, err := r.DB.ExecContext(ctx, query, e.Status, e.ErrorMessage, e.Attempts, e.SentAt, e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.ErrLogEntryNotFound
	}
	return nil
}

func (r *DeliveryLogRepository) GetByID(ctx context.Context, id int64) (*model.DeliveryLogEntry, error) {
	query := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs WHERE id=$1`
	e, err := scanEntry(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.ErrLogEntryNotFound
	}
	return e, err
}

func (r *DeliveryLogRepository) List(ctx context.Context, f model.LogFilter) ([]*model.DeliveryLogEntry, int, error) {
	where, args := buildLogWhere(f)

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []*model.DeliveryLogEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *DeliveryLogRepository) Stats(ctx context.Context, f model.LogFilter) (*model.LogStats, error) {
	f.Status = ""
	where, args := buildLogWhere(f)
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM delivery_logs`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &model.LogStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch model.DeliveryStatus(status) {
		case model.StatusPending:
			stats.Pending = count
		case model.StatusSent:
			stats.Sent = count
		case model.StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

// ResetToPending moves a failed entry with attempts left back to pending.
func (r *DeliveryLogRepository) ResetToPending(ctx context.Context, id int64, maxAttempts int) (*model.DeliveryLogEntry, error) {
	query := `
        UPDATE delivery_logs
        SET status=$1, error_message='', updated_at=$2
        WHERE id=$3 AND status=$4 AND attempts < $5
        RETURNING ` + deliveryLogColumns
	e, err := scanEntry(r.DB.QueryRowContext(ctx, query, model.StatusPending, time.Now().UTC(), id, model.StatusFailed, maxAttempts))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != model.StatusFailed {
		return nil, appErrors.ErrNotRetryable
	}
	return nil, appErrors.ErrRetryExhausted
}

func (r *DeliveryLogRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time, userID *int64) (int64, error) {
	query := `DELETE FROM delivery_logs WHERE created_at < $1`
	args := []any{cutoff}
	if userID != nil {
		query += ` AND user_id = $2`
		args = append(args, *userID)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildLogWhere(f model.LogFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(recipient_email ILIKE $%d OR subject ILIKE $%d)", n, n))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.DeliveryLogEntry, error) {
	var (
		e                     model.DeliveryLogEntry
		userID                sql.NullInt64
		jobID                 sql.NullString
		sentAt                sql.NullTime
		cc, vars, attachments []byte
	)
	err := row.Scan(
		&e.ID,
		&userID,
		&jobID,
		&e.SenderID,
		&e.RecipientEmail,
		&cc,
		&e.Subject,
		&e.Body,
		&vars,
		&attachments,
		&e.Status,
		&e.ErrorMessage,
		&e.Attempts,
		&sentAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		e.UserID = &userID.Int64
	}
	if jobID.Valid {
		e.JobID = &jobID.String
	}
	if sentAt.Valid {
		e.SentAt = &sentAt.Time
	}
	if err := decodeJSON(cc, &e.Cc); err != nil {
		return nil, fmt.Errorf("decode cc: %w", err)
	}
	if err := decodeJSON(vars, &e.Variables); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	if err := decodeJSON(attachments, &e.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return &e, nil
}

func encodeEntryJSON(e *model.DeliveryLogEntry) (cc, vars, atts []byte, err error) {
	if cc, err = json.Marshal(nonNilSlice(e.Cc)); err != nil {
		return nil, nil, nil, err
	}
	variables := e.Variables
	if variables == nil {
		variables = map[string]string{}
	}
	if vars, err = json.Marshal(variables); err != nil {
		return nil, nil, nil, err
	}
	if atts, err = json.Marshal(nonNilSlice(e.Attachments)); err != nil {
		return nil, nil, nil, err
	}
	return cc, vars, atts, nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
