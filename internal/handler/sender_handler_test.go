package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/mailleopard-backend/internal/controller"
	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/handler"
	"github.com/unclebandit/mailleopard-backend/internal/mailer"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

type MockSenderRepo struct {
	profiles []*model.SenderProfile
}

func (m *MockSenderRepo) ListByUser(_ context.Context, userID int64) ([]*model.SenderProfile, error) {
	var out []*model.SenderProfile
	for _, p := range m.profiles {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockSenderRepo) GetByID(_ context.Context, userID int64, id string) (*model.SenderProfile, error) {
	for _, p := range m.profiles {
		if p.UserID == userID && p.ID == id {
			return p, nil
		}
	}
	return nil, appErrors.ErrSenderNotFound
}

func (m *MockSenderRepo) Create(_ context.Context, p *model.SenderProfile) error {
	for _, existing := range m.profiles {
		if existing.UserID == p.UserID && strings.EqualFold(existing.Email, p.Email) {
			return appErrors.ErrDuplicateSender
		}
	}
	p.ID = strconv.Itoa(100 + len(m.profiles))
	m.profiles = append(m.profiles, p)
	return nil
}

func (m *MockSenderRepo) Delete(_ context.Context, userID int64, id string) error {
	if _, err := m.GetByID(context.Background(), userID, id); err != nil {
		return err
	}
	return nil
}

// MockMailer fails for hosts listed in failHosts.
type MockMailer struct {
	sent      int
	failHosts map[string]bool
}

func (m *MockMailer) Send(_ context.Context, p *model.SenderProfile, _ *mailer.Email) error {
	if m.failHosts[p.Host] {
		return errors.New("dial tcp: connection refused")
	}
	m.sent++
	return nil
}

func newRouter(repo *MockSenderRepo, m *MockMailer) http.Handler {
	static := []model.SenderProfile{
		{ID: "config_0", Name: "Sales", Email: "sales@example.com", Host: "smtp.example.com", Port: 587, Username: "sales", Password: "", Encryption: model.EncryptionTLS, Static: true},
	}
	def := model.SenderProfile{ID: model.DefaultProfileID, Name: "System", Email: "noreply@example.com", Host: "smtp.example.com", Port: 587, Username: "sys", Password: "pw", Encryption: model.EncryptionTLS, Static: true}
	log := slog.New(slog.DiscardHandler)
	reg := service.NewSenderRegistry(static, def, repo, m, log)

	r := chi.NewRouter()
	r.Use(controller.RequireUser)
	handler.NewSenderHandler(reg, log).Routes(r)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(controller.UserHeader, "7")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestListSendersHandler(t *testing.T) {
	repo := &MockSenderRepo{profiles: []*model.SenderProfile{
		{ID: "12", UserID: 7, Name: "Me", Email: "me@example.com", Host: "smtp.me.test", Port: 465, Username: "me", Password: "pw", Encryption: model.EncryptionSSL},
	}}
	w := do(newRouter(repo, &MockMailer{}), "GET", "/senders", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var res struct {
		Data []struct {
			ID         string                   `json:"id"`
			Password   string                   `json:"password"`
			Validation service.ValidationResult `json:"validation"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(res.Data) != 2 || res.Data[0].ID != "config_0" || res.Data[1].ID != "12" {
		t.Fatalf("expected configured profile first, got %+v", res.Data)
	}
	if res.Data[0].Validation.Valid || len(res.Data[0].Validation.EmptyFields) != 1 {
		t.Errorf("expected config_0 to report an empty password, got %+v", res.Data[0].Validation)
	}
	if !res.Data[1].Validation.Valid {
		t.Errorf("expected persisted profile to be valid")
	}
	if res.Data[1].Password != "" {
		t.Errorf("password must never be serialized")
	}
}

func TestCreateSenderHandler(t *testing.T) {
	repo := &MockSenderRepo{}
	m := &MockMailer{failHosts: map[string]bool{"down.test": true}}
	h := newRouter(repo, m)

	good := `{"name":"Me","email":"me@example.com","host":"smtp.me.test","port":587,"username":"me","password":"pw","encryption":"tls"}`
	if w := do(h, "POST", "/senders", good); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(repo.profiles) != 1 || repo.profiles[0].UserID != 7 {
		t.Fatalf("expected profile stored for user 7, got %+v", repo.profiles)
	}
	if m.sent != 1 {
		t.Errorf("expected one test email, got %d", m.sent)
	}

	if w := do(h, "POST", "/senders", good); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate email, got %d", w.Code)
	}

	down := strings.Replace(good, "smtp.me.test", "down.test", 1)
	down = strings.Replace(down, "me@example.com", "other@example.com", 1)
	if w := do(h, "POST", "/senders", down); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 when the test send fails, got %d", w.Code)
	}

	incomplete := `{"name":"Me","email":"x@example.com","host":"","port":587,"username":"me","password":"pw","encryption":"tls"}`
	w := do(h, "POST", "/senders", incomplete)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for incomplete profile, got %d", w.Code)
	}
	var res map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&res)
	if fields, _ := res["empty_fields"].([]interface{}); len(fields) != 1 || fields[0] != "host" {
		t.Errorf("expected empty_fields [host], got %v", res["empty_fields"])
	}

	if w := do(h, "POST", "/senders", "{"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestTestSenderHandler(t *testing.T) {
	m := &MockMailer{}
	h := newRouter(&MockSenderRepo{}, m)

	if w := do(h, "POST", "/senders/default/test", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 for default profile, got %d", w.Code)
	}
	if w := do(h, "POST", "/senders/config_0/test", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for profile without password, got %d", w.Code)
	}
	if m.sent != 1 {
		t.Errorf("invalid profiles must not reach the transport, sent %d", m.sent)
	}
	if w := do(h, "POST", "/senders/404/test", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDeleteSenderHandler(t *testing.T) {
	repo := &MockSenderRepo{profiles: []*model.SenderProfile{{ID: "12", UserID: 7}}}
	h := newRouter(repo, &MockMailer{})

	if w := do(h, "DELETE", "/senders/12", ""); w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if w := do(h, "DELETE", "/senders/config_0", ""); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	if w := do(h, "DELETE", "/senders/13", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
