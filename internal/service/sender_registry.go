package service

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/mailer"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

// smtpFields are the credential fields every usable profile must carry.
var smtpFields = []string{"host", "port", "username", "password", "encryption"}

// identityFields name the sender in outgoing mail.
var identityFields = []string{"name", "email"}

// ValidationResult reports why a profile cannot be used.
type ValidationResult struct {
	Valid         bool     `json:"valid"`
	MissingFields []string `json:"missing_fields"`
	EmptyFields   []string `json:"empty_fields"`
	InvalidFields []string `json:"invalid_fields"`
}

// Err converts an invalid result into a *SenderValidationError.
func (v ValidationResult) Err(profileID string) error {
	if v.Valid {
		return nil
	}
	return &appErrors.SenderValidationError{ProfileID: profileID, Missing: v.MissingFields, Empty: v.EmptyFields, Invalid: v.InvalidFields}
}

// SenderRegistry resolves SMTP credentials for campaigns.
type SenderRegistry struct {
	Static      []model.SenderProfile
	Default     model.SenderProfile
	Repo        repository.SenderProfileRepositoryInterface
	Sender      mailer.Sender
	Logger      *slog.Logger
	TestTimeout time.Duration
}

func NewSenderRegistry(static []model.SenderProfile, def model.SenderProfile, repo repository.SenderProfileRepositoryInterface, sender mailer.Sender, log *slog.Logger) *SenderRegistry {
	return &SenderRegistry{Static: static, Default: def, Repo: repo, Sender: sender, Logger: log, TestTimeout: 30 * time.Second}
}

// ListProfiles returns configured profiles followed by the account's own.
func (s *SenderRegistry) ListProfiles(ctx context.Context, userID int64) ([]*model.SenderProfile, error) {
	out := make([]*model.SenderProfile, 0, len(s.Static))
	for i := range s.Static {
		p := s.Static[i]
		out = append(out, &p)
	}
	if s.Repo == nil {
		return out, nil
	}
	persisted, err := s.Repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sender profiles: %w", err)
	}
	return append(out, persisted...), nil
}

// ResolveCredentials finds selectedID among profiles. Static profiles get
// undeclared fields backfilled from the default configuration. The returned
// profile is a copy.
func (s *SenderRegistry) ResolveCredentials(profiles []*model.SenderProfile, selectedID string) *model.SenderProfile {
	for _, p := range profiles {
		if p.ID != selectedID {
			continue
		}
		resolved := *p
		if resolved.Static {
			s.backfill(&resolved)
		}
		return &resolved
	}
	return nil
}

// Resolve picks the profile a campaign sends with. An empty id selects the
// system default configuration.
func (s *SenderRegistry) Resolve(ctx context.Context, userID int64, selectedID string) (*model.SenderProfile, error) {
	if selectedID == "" || selectedID == model.DefaultProfileID {
		def := s.Default
		return &def, nil
	}
	profiles, err := s.ListProfiles(ctx, userID)
	if err != nil {
		return nil, err
	}
	p := s.ResolveCredentials(profiles, selectedID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", appErrors.ErrSenderNotFound, selectedID)
	}
	return p, nil
}

func (s *SenderRegistry) backfill(p *model.SenderProfile) {
	var still []string
	for _, field := range p.Undeclared {
		switch field {
		case "host":
			p.Host = s.Default.Host
		case "port":
			p.Port = s.Default.Port
		case "username":
			p.Username = s.Default.Username
		case "password":
			p.Password = s.Default.Password
		case "encryption":
			p.Encryption = s.Default.Encryption
		}
		if fieldEmpty(p, field) {
			still = append(still, field)
		}
	}
	p.Undeclared = still
}

// Validate checks that the sender identity and every SMTP field are present,
// non-empty and well formed.
func (s *SenderRegistry) Validate(p *model.SenderProfile) ValidationResult {
	res := ValidationResult{MissingFields: []string{}, EmptyFields: []string{}, InvalidFields: []string{}}
	undeclared := make(map[string]bool, len(p.Undeclared))
	for _, f := range p.Undeclared {
		undeclared[f] = true
	}
	for _, field := range identityFields {
		if fieldEmpty(p, field) {
			res.EmptyFields = append(res.EmptyFields, field)
		}
	}
	for _, field := range smtpFields {
		switch {
		case undeclared[field]:
			res.MissingFields = append(res.MissingFields, field)
		case fieldEmpty(p, field):
			res.EmptyFields = append(res.EmptyFields, field)
		}
	}

	if !fieldEmpty(p, "email") {
		if addr, err := mail.ParseAddress(p.Email); err != nil || addr.Address != strings.TrimSpace(p.Email) {
			res.InvalidFields = append(res.InvalidFields, "email")
		}
	}
	// An unknown mode would otherwise fall through to a plaintext session.
	if p.Encryption != "" && !p.Encryption.Valid() {
		res.InvalidFields = append(res.InvalidFields, "encryption")
	}

	res.Valid = len(res.MissingFields) == 0 && len(res.EmptyFields) == 0 && len(res.InvalidFields) == 0
	return res
}

func fieldEmpty(p *model.SenderProfile, field string) bool {
	switch field {
	case "name":
		return strings.TrimSpace(p.Name) == ""
	case "email":
		return strings.TrimSpace(p.Email) == ""
	case "host":
		return strings.TrimSpace(p.Host) == ""
	case "port":
		return p.Port <= 0
	case "username":
		return strings.TrimSpace(p.Username) == ""
	case "password":
		return p.Password == ""
	case "encryption":
		return p.Encryption == ""
	}
	return false
}

// TestProfile sends a test email to the profile's own address using the
// profile's own credentials. It blocks on network I/O.
func (s *SenderRegistry) TestProfile(ctx context.Context, p *model.SenderProfile) (bool, error) {
	if s.TestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.TestTimeout)
		defer cancel()
	}
	msg := &mailer.Email{
		FromName: p.Name,
		From:     p.Email,
		To:       []string{p.Email},
		Subject:  "Sender profile test",
		HTML:     "<p>This message confirms that the sender profile <b>" + html.EscapeString(p.Name) + "</b> can deliver mail.</p>",
	}
	if err := s.Sender.Send(ctx, p, msg); err != nil {
		s.Logger.WarnContext(ctx, "sender profile test failed",
			slog.String("profile", p.ID),
			slog.String("host", p.Host),
			slog.Any("error", err),
		)
		return false, err
	}
	return true, nil
}

// Create validates, live-tests and persists a new profile.
func (s *SenderRegistry) Create(ctx context.Context, p *model.SenderProfile) (*ValidationResult, error) {
	if _, err := mail.ParseAddress(p.Email); err != nil {
		return nil, fmt.Errorf("%w: invalid email %q", appErrors.ErrInvalidSender, p.Email)
	}
	if p.Encryption != "" && !p.Encryption.Valid() {
		return nil, fmt.Errorf("%w: unknown encryption %q", appErrors.ErrInvalidSender, p.Encryption)
	}
	p.Static = false
	p.Undeclared = nil

	res := s.Validate(p)
	if !res.Valid {
		return &res, res.Err(p.ID)
	}
	if ok, err := s.TestProfile(ctx, p); !ok {
		return &res, fmt.Errorf("%w: %v", appErrors.ErrSenderTestFailed, err)
	}
	if err := s.Repo.Create(ctx, p); err != nil {
		return &res, err
	}
	return &res, nil
}

// Test live-tests an existing profile by id.
func (s *SenderRegistry) Test(ctx context.Context, userID int64, id string) (*ValidationResult, error) {
	p, err := s.Resolve(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	res := s.Validate(p)
	if !res.Valid {
		return &res, res.Err(p.ID)
	}
	if ok, err := s.TestProfile(ctx, p); !ok {
		return &res, fmt.Errorf("%w: %v", appErrors.ErrSenderTestFailed, err)
	}
	return &res, nil
}

// Delete removes a persisted profile. Configured profiles are read-only.
func (s *SenderRegistry) Delete(ctx context.Context, userID int64, id string) error {
	if id == model.DefaultProfileID || strings.HasPrefix(id, model.StaticProfilePrefix) {
		return appErrors.ErrSenderReadOnly
	}
	return s.Repo.Delete(ctx, userID, id)
}
