// internal/model/delivery_log.go
package model

import "time"

// DeliveryStatus is the state of a delivery log entry.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// DeliveryLogEntry records one recipient's send attempts.
type DeliveryLogEntry struct {
	ID             int64             `db:"id" json:"id"`
	UserID         *int64            `db:"user_id" json:"user_id,omitempty"`
	JobID          *string           `db:"job_id" json:"job_id,omitempty"`
	SenderID       string            `db:"sender_id" json:"sender_id,omitempty"`
	RecipientEmail string            `db:"recipient_email" json:"recipient_email"`
	Cc             []string          `db:"cc" json:"cc,omitempty"`
	Subject        string            `db:"subject" json:"subject"`
	Body           string            `db:"body" json:"body"`
	Variables      map[string]string `db:"variables" json:"variables"`
	Attachments    []Attachment      `db:"attachments" json:"attachments"`
	Status         DeliveryStatus    `db:"status" json:"status"`
	ErrorMessage   string            `db:"error_message" json:"error_message,omitempty"`
	Attempts       int               `db:"attempts" json:"attempts"`
	SentAt         *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

// MarkSent records a successful attempt.
func (e *DeliveryLogEntry) MarkSent(now time.Time) {
	e.Attempts++
	e.Status = StatusSent
	e.ErrorMessage = ""
	e.SentAt = &now
	e.UpdatedAt = now
}

// MarkFailed records a failed attempt.
func (e *DeliveryLogEntry) MarkFailed(err error, now time.Time) {
	e.Attempts++
	e.Status = StatusFailed
	e.ErrorMessage = err.Error()
	e.SentAt = nil
	e.UpdatedAt = now
}

// Retryable reports whether an operator may reset the entry to pending.
func (e *DeliveryLogEntry) Retryable(maxAttempts int) bool {
	return e.Status == StatusFailed && e.Attempts < maxAttempts
}

// LogFilter narrows delivery log queries. Zero values mean no constraint.
type LogFilter struct {
	UserID *int64
	Status DeliveryStatus
	From   *time.Time
	To     *time.Time
	Search string
	Offset int
	Limit  int
}

// LogStats counts entries by status.
type LogStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}
