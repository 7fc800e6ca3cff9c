package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/mailer"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/queue"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// MockLogRepo keeps delivery log entries in memory.
type MockLogRepo struct {
	mu      sync.Mutex
	entries map[int64]*model.DeliveryLogEntry
	order   []int64
	nextID  int64
	failOn  error
}

func newMockLogRepo() *MockLogRepo {
	return &MockLogRepo{entries: make(map[int64]*model.DeliveryLogEntry)}
}

func (m *MockLogRepo) Create(_ context.Context, e *model.DeliveryLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil {
		return m.failOn
	}
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	m.entries[e.ID] = &cp
	m.order = append(m.order, e.ID)
	return nil
}

func (m *MockLogRepo) Update(_ context.Context, e *model.DeliveryLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; !ok {
		return appErrors.ErrLogEntryNotFound
	}
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *MockLogRepo) GetByID(_ context.Context, id int64) (*model.DeliveryLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, appErrors.ErrLogEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MockLogRepo) List(_ context.Context, f model.LogFilter) ([]*model.DeliveryLogEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := append([]int64(nil), m.order...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var matched []*model.DeliveryLogEntry
	for _, id := range ids {
		e := m.entries[id]
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	total := len(matched)
	if f.Limit > 0 {
		start := min(f.Offset, total)
		end := min(start+f.Limit, total)
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (m *MockLogRepo) Stats(_ context.Context, _ model.LogFilter) (*model.LogStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &model.LogStats{}
	for _, e := range m.entries {
		s.Total++
		switch e.Status {
		case model.StatusPending:
			s.Pending++
		case model.StatusSent:
			s.Sent++
		case model.StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (m *MockLogRepo) ResetToPending(_ context.Context, id int64, maxAttempts int) (*model.DeliveryLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, appErrors.ErrLogEntryNotFound
	}
	if e.Status != model.StatusFailed {
		return nil, appErrors.ErrNotRetryable
	}
	if e.Attempts >= maxAttempts {
		return nil, appErrors.ErrRetryExhausted
	}
	e.Status = model.StatusPending
	e.ErrorMessage = ""
	cp := *e
	return &cp, nil
}

func (m *MockLogRepo) PurgeOlderThan(_ context.Context, cutoff time.Time, _ *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

// all returns stored entries in creation order.
func (m *MockLogRepo) all() []*model.DeliveryLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.DeliveryLogEntry, 0, len(m.order))
	for _, id := range m.order {
		if e, ok := m.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

type sentMail struct {
	profile string
	email   *mailer.Email
}

// MockMailer records sends and fails for configured recipients.
type MockMailer struct {
	mu     sync.Mutex
	sent   []sentMail
	failTo map[string]error
}

func (m *MockMailer) Send(_ context.Context, p *model.SenderProfile, e *mailer.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failTo[e.To[0]]; ok {
		return err
	}
	m.sent = append(m.sent, sentMail{profile: p.ID, email: e})
	return nil
}

// MockSenders resolves every id to the same profile.
type MockSenders struct {
	profile    *model.SenderProfile
	resolveErr error
	invalid    bool
}

func (m *MockSenders) Resolve(_ context.Context, _ int64, id string) (*model.SenderProfile, error) {
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	p := *m.profile
	if id != "" {
		p.ID = id
	}
	return &p, nil
}

func (m *MockSenders) Validate(p *model.SenderProfile) service.ValidationResult {
	if m.invalid {
		return service.ValidationResult{Valid: false, EmptyFields: []string{"password"}}
	}
	return service.ValidationResult{Valid: true}
}

func validProfile() *model.SenderProfile {
	return &model.SenderProfile{
		ID: "config_0", Name: "Ops", Email: "ops@example.com",
		Host: "smtp.example.com", Port: 587, Username: "ops", Password: "pw", Encryption: model.EncryptionTLS,
	}
}

// MockQueue records published payloads without running them.
type MockQueue struct {
	mu        sync.Mutex
	published map[string][][]byte
	err       error
}

func newMockQueue() *MockQueue { return &MockQueue{published: map[string][][]byte{}} }

func (q *MockQueue) Publish(_ context.Context, topic string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.published[topic] = append(q.published[topic], payload)
	return nil
}

func (q *MockQueue) Subscribe(string, queue.Handler) error {
	return errors.New("not supported")
}

func (q *MockQueue) decode(topic string, i int, v any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return json.Unmarshal(q.published[topic][i], v)
}

func mustRecipient(vars ...string) *model.Recipient {
	var vs []model.Variable
	for i := 0; i+1 < len(vars); i += 2 {
		vs = append(vs, model.Variable{Name: vars[i], Value: vars[i+1]})
	}
	r, err := model.NewRecipient(vs)
	if err != nil {
		panic(err)
	}
	return r
}
