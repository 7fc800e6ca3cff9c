package controller

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/logger"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

// UserHeader carries the authenticated account id set by the gateway.
const UserHeader = "X-User-ID"

// RequireUser rejects requests without a numeric account id and stores the
// id in the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "missing or invalid "+UserHeader, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(logger.WithUserID(r.Context(), id)))
	})
}

// UserID returns the account id stored by RequireUser.
func UserID(r *http.Request) int64 {
	id, _ := logger.UserID(r.Context())
	return id
}

// RespondJSON writes v with the given status.
func RespondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RespondError maps domain errors onto HTTP status codes.
func RespondError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var verr *appErrors.SenderValidationError
	if errors.As(err, &verr) {
		RespondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":          verr.Error(),
			"missing_fields": verr.Missing,
			"empty_fields":   verr.Empty,
			"invalid_fields": verr.Invalid,
		})
		return
	}

	status := StatusFor(err)
	if status >= http.StatusInternalServerError && log != nil {
		log.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	http.Error(w, err.Error(), status)
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, appErrors.ErrEmptyCSV),
		errors.Is(err, appErrors.ErrMissingTemplate),
		errors.Is(err, appErrors.ErrNoRecipients),
		errors.Is(err, appErrors.ErrInvalidSender),
		errors.Is(err, service.ErrUnknownExportFormat):
		return http.StatusBadRequest
	case errors.Is(err, appErrors.ErrSenderReadOnly):
		return http.StatusForbidden
	case errors.Is(err, appErrors.ErrSenderNotFound),
		errors.Is(err, appErrors.ErrLogEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrDuplicateSender),
		errors.Is(err, appErrors.ErrNotRetryable),
		errors.Is(err, appErrors.ErrRetryExhausted):
		return http.StatusConflict
	case errors.Is(err, appErrors.ErrSenderTestFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, appErrors.ErrDispatchDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
