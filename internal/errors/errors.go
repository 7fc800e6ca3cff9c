// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyCSV         = errors.New("csv input is empty or unreadable")
	ErrMissingEmail     = errors.New("recipient has no email")
	ErrInvalidEmail     = errors.New("recipient email is not a valid address")
	ErrMissingTemplate  = errors.New("subject and body templates are required")
	ErrNoRecipients     = errors.New("campaign has no recipients")
	ErrSenderNotFound   = errors.New("sender profile not found")
	ErrDuplicateSender  = errors.New("a sender profile with this email already exists")
	ErrSenderTestFailed = errors.New("sender profile test email could not be sent")
	ErrSenderReadOnly   = errors.New("configured sender profiles cannot be modified")
	ErrInvalidSender    = errors.New("sender profile is invalid")
	ErrLogEntryNotFound = errors.New("delivery log entry not found")
	ErrNotRetryable     = errors.New("delivery log entry is not in failed state")
	ErrRetryExhausted   = errors.New("delivery log entry reached the maximum number of attempts")
	ErrDispatchDisabled = errors.New("mail dispatch is disabled")
	ErrAttachmentTooBig = errors.New("attachment exceeds size limit")
	ErrAttachmentType   = errors.New("attachment type not allowed")

	ErrAttachmentNotPermitted = errors.New("attachment source is not permitted")
)

// SenderValidationError lists the SMTP fields that prevented a profile from being used.
type SenderValidationError struct {
	ProfileID string
	Missing   []string
	Empty     []string
	Invalid   []string
}

func (e *SenderValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Empty) > 0 {
		parts = append(parts, "empty: "+strings.Join(e.Empty, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(e.Invalid, ", "))
	}
	return fmt.Sprintf("sender profile %q is not usable (%s)", e.ProfileID, strings.Join(parts, "; "))
}

// PermanentError marks a job failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so job runners give up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
