package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/certforge/certforge-backend/internal/apierr"
	"github.com/certforge/certforge-backend/internal/clients/sendgrid"
	"github.com/certforge/certforge-backend/internal/logger"
	"github.com/certforge/certforge-backend/internal/scene"
	"github.com/certforge/certforge-backend/internal/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// --- repo fakes ---

type fakeUserRepo struct {
	mu         sync.Mutex
	users      map[uuid.UUID]*types.User
	increments []int
}

func newFakeUserRepo(users ...*types.User) *fakeUserRepo {
	m := make(map[uuid.UUID]*types.User)
	for _, u := range users {
		m[u.ID] = u
	}
	return &fakeUserRepo{users: m}
}

func (f *fakeUserRepo) Create(_ context.Context, _ *gorm.DB, users []*types.User) ([]*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range users {
		f.users[u.ID] = u
	}
	return users, nil
}

func (f *fakeUserRepo) GetByIDs(_ context.Context, _ *gorm.DB, ids []uuid.UUID) ([]*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.User
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUserRepo) EmailExists(_ context.Context, _ *gorm.DB, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUserRepo) IncrementFreeGenerations(_ context.Context, _ *gorm.DB, userID uuid.UUID, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments = append(f.increments, n)
	if u, ok := f.users[userID]; ok {
		u.FreeGenerationsUsed += n
	}
	return nil
}

type fakeRunRepo struct {
	mu      sync.Mutex
	created []*types.GenerationRun
	fields  map[uuid.UUID]map[string]any
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{fields: make(map[uuid.UUID]map[string]any)}
}

func (f *fakeRunRepo) Create(_ context.Context, _ *gorm.DB, runs []*types.GenerationRun) ([]*types.GenerationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, runs...)
	return runs, nil
}

func (f *fakeRunRepo) GetByIDs(_ context.Context, _ *gorm.DB, ids []uuid.UUID) ([]*types.GenerationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.GenerationRun
	for _, id := range ids {
		for _, r := range f.created {
			if r.ID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeRunRepo) GetLatestForUser(_ context.Context, _ *gorm.DB, userID uuid.UUID) (*types.GenerationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.created) - 1; i >= 0; i-- {
		if f.created[i].UserID == userID {
			return f.created[i], nil
		}
	}
	return nil, nil
}

func (f *fakeRunRepo) UpdateFields(_ context.Context, _ *gorm.DB, id uuid.UUID, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged, ok := f.fields[id]
	if !ok {
		merged = make(map[string]any)
		f.fields[id] = merged
	}
	for k, v := range fields {
		merged[k] = v
	}
	return nil
}

func (f *fakeRunRepo) finalStatus(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, _ := f.fields[id]["status"].(string)
	return s
}

type fakeCertRepo struct {
	mu       sync.Mutex
	certs    []*types.Certificate
	statuses map[uuid.UUID]string
	details  map[uuid.UUID]string
}

func newFakeCertRepo() *fakeCertRepo {
	return &fakeCertRepo{
		statuses: make(map[uuid.UUID]string),
		details:  make(map[uuid.UUID]string),
	}
}

func (f *fakeCertRepo) Create(_ context.Context, _ *gorm.DB, certs []*types.Certificate) ([]*types.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.certs = append(f.certs, certs...)
	return certs, nil
}

func (f *fakeCertRepo) GetByIDs(_ context.Context, _ *gorm.DB, ids []uuid.UUID) ([]*types.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Certificate
	for _, id := range ids {
		for _, c := range f.certs {
			if c.ID == id {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (f *fakeCertRepo) GetByUserID(_ context.Context, _ *gorm.DB, userID uuid.UUID) ([]*types.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Certificate
	for _, c := range f.certs {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCertRepo) UpdateDeliveryStatus(_ context.Context, _ *gorm.DB, id uuid.UUID, status, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	f.details[id] = detail
	return nil
}

type fakeEmailLogRepo struct {
	mu   sync.Mutex
	logs []*types.EmailLog
}

func (f *fakeEmailLogRepo) Create(_ context.Context, _ *gorm.DB, logs []*types.EmailLog) ([]*types.EmailLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, logs...)
	return logs, nil
}

func (f *fakeEmailLogRepo) GetByRunID(_ context.Context, _ *gorm.DB, runID uuid.UUID) ([]*types.EmailLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.EmailLog
	for _, l := range f.logs {
		if l.RunID != nil && *l.RunID == runID {
			out = append(out, l)
		}
	}
	return out, nil
}

// --- service fakes ---

type fakeQuota struct {
	mu        sync.Mutex
	allowance GenerationAllowance
	commits   []int
	sendCalls int
	sendsLeft int
}

func (f *fakeQuota) CheckGenerationAllowance(_ context.Context, _ *gorm.DB, _ uuid.UUID, _ int) (*GenerationAllowance, error) {
	a := f.allowance
	return &a, nil
}

func (f *fakeQuota) CommitGenerations(_ context.Context, _ *gorm.DB, _ uuid.UUID, produced int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, produced)
	return nil
}

func (f *fakeQuota) AllowEmailSend(_ context.Context, _ uuid.UUID, _ bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendsLeft <= 0 {
		return 0, errQuotaDenied
	}
	f.sendsLeft--
	return f.sendsLeft, nil
}

func (f *fakeQuota) IsPremium(_ context.Context, _ *gorm.DB, _ uuid.UUID) (bool, error) {
	return f.allowance.Premium, nil
}

type fakeIssuer struct {
	base string
}

func (f *fakeIssuer) NewCertificateID() uuid.UUID { return uuid.New() }

func (f *fakeIssuer) VerificationURL(id uuid.UUID) string {
	return f.base + "/verify/" + id.String()
}

func (f *fakeIssuer) QRCode(id uuid.UUID) ([]byte, error) {
	return []byte("qr:" + id.String()), nil
}

// fakeSurface renders any graph to a fixed payload. A non-empty failText
// fails every graph containing that text; started and gate make row timing
// deterministic.
type fakeSurface struct {
	failText string
	started  chan struct{}
	gate     chan struct{}

	mu      sync.Mutex
	renders int
}

func (s *fakeSurface) Reset(_, _ int) {}

func (s *fakeSurface) Render(ctx context.Context, g *scene.Graph) ([]byte, error) {
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	s.renders++
	s.mu.Unlock()

	if s.failText != "" {
		for _, el := range g.Elements {
			if el.Text == s.failText {
				return nil, errors.New("unrenderable element")
			}
		}
	}
	return []byte("png-bytes"), nil
}

type fakeDelivery struct {
	mu     sync.Mutex
	inputs []DeliveryInput
	report *DeliveryReport
}

func (f *fakeDelivery) Dispatch(_ context.Context, in DeliveryInput) *DeliveryReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.report != nil {
		return f.report
	}
	return &DeliveryReport{}
}

type fakeMail struct {
	mu      sync.Mutex
	sent    []sendgrid.SendEmailRequest
	failFor map[string]bool
}

func (f *fakeMail) Send(_ context.Context, req sendgrid.SendEmailRequest) (*sendgrid.SendEmailResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(req.To) > 0 && f.failFor[req.To[0].Email] {
		return nil, errors.New("smtp rejected")
	}
	f.sent = append(f.sent, req)
	return &sendgrid.SendEmailResult{StatusCode: 202, MessageID: "msg-123"}, nil
}

var errQuotaDenied = apierr.New(http.StatusTooManyRequests, apierr.CodeRateLimitExceeded,
	errors.New("daily email limit reached"))
