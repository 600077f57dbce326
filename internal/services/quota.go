package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/certforge/certforge-backend/internal/apierr"
	"github.com/certforge/certforge-backend/internal/clients/redis"
	"github.com/certforge/certforge-backend/internal/logger"
	"github.com/certforge/certforge-backend/internal/repos"
)

type QuotaConfig struct {
	FreeGenerationLimit int
	DailyEmailLimit     int
	FreeBulkEmailLimit  int
}

type GenerationAllowance struct {
	Allowed   bool
	Premium   bool
	Remaining int
}

// QuotaService enforces the two independent gates: the free-tier generation
// cap (whole-batch preflight) and the per-day send cap (per recipient).
type QuotaService interface {
	CheckGenerationAllowance(ctx context.Context, tx *gorm.DB, userID uuid.UUID, batchSize int) (*GenerationAllowance, error)
	CommitGenerations(ctx context.Context, tx *gorm.DB, userID uuid.UUID, produced int) error
	AllowEmailSend(ctx context.Context, userID uuid.UUID, premium bool) (remaining int, err error)
	IsPremium(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (bool, error)
}

type quotaService struct {
	log      *logger.Logger
	cfg      QuotaConfig
	userRepo repos.UserRepo
	counters redis.CounterStore
}

func NewQuotaService(log *logger.Logger, cfg QuotaConfig, userRepo repos.UserRepo, counters redis.CounterStore) QuotaService {
	if cfg.FreeGenerationLimit <= 0 {
		cfg.FreeGenerationLimit = 5
	}
	if cfg.DailyEmailLimit <= 0 {
		cfg.DailyEmailLimit = 300
	}
	if cfg.FreeBulkEmailLimit <= 0 {
		cfg.FreeBulkEmailLimit = 5
	}
	return &quotaService{
		log:      log.With("service", "QuotaService"),
		cfg:      cfg,
		userRepo: userRepo,
		counters: counters,
	}
}

func (qs *quotaService) IsPremium(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (bool, error) {
	users, err := qs.userRepo.GetByIDs(ctx, tx, []uuid.UUID{userID})
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}
	if len(users) == 0 || users[0] == nil {
		return false, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("user %s not found", userID))
	}
	return users[0].IsPremium, nil
}

// CheckGenerationAllowance is the whole-batch preflight: a non-premium batch
// that would cross the free limit is rejected up front, never partially run.
func (qs *quotaService) CheckGenerationAllowance(ctx context.Context, tx *gorm.DB, userID uuid.UUID, batchSize int) (*GenerationAllowance, error) {
	users, err := qs.userRepo.GetByIDs(ctx, tx, []uuid.UUID{userID})
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if len(users) == 0 || users[0] == nil {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("user %s not found", userID))
	}
	u := users[0]

	if u.IsPremium {
		return &GenerationAllowance{Allowed: true, Premium: true, Remaining: -1}, nil
	}

	remaining := qs.cfg.FreeGenerationLimit - u.FreeGenerationsUsed
	if remaining < 0 {
		remaining = 0
	}
	return &GenerationAllowance{
		Allowed:   batchSize <= remaining,
		Remaining: remaining,
	}, nil
}

// CommitGenerations charges the quota by artifacts actually produced, not
// rows requested.
func (qs *quotaService) CommitGenerations(ctx context.Context, tx *gorm.DB, userID uuid.UUID, produced int) error {
	if produced <= 0 {
		return nil
	}
	return qs.userRepo.IncrementFreeGenerations(ctx, tx, userID, produced)
}

// AllowEmailSend admits or rejects one send attempt against the per-user,
// per-day counter. The first call of a (user, day) pair creates the counter
// at 1; rejection carries the rate-limit code.
func (qs *quotaService) AllowEmailSend(ctx context.Context, userID uuid.UUID, premium bool) (int, error) {
	ceiling := qs.cfg.FreeBulkEmailLimit
	if premium {
		ceiling = qs.cfg.DailyEmailLimit
	}

	day := time.Now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("email_quota:%s:%s", userID, day)

	// Day-keyed counters expire on their own; 48h comfortably outlives the
	// day they belong to.
	count, allowed, err := qs.counters.IncrWithCeiling(ctx, key, ceiling, 48*time.Hour)
	if err != nil {
		return 0, fmt.Errorf("email quota counter: %w", err)
	}
	remaining := ceiling - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if !allowed {
		return remaining, apierr.New(http.StatusTooManyRequests, apierr.CodeRateLimitExceeded,
			fmt.Errorf("daily email limit of %d reached", ceiling))
	}
	return remaining, nil
}

// MemoryCounterStore is a process-local CounterStore used when REDIS_ADDR is
// unset (single-instance deployments) and by tests. Same admit semantics as
// the redis script.
type MemoryCounterStore struct {
	mu     sync.Mutex
	counts map[string]memoryCounter
	now    func() time.Time
}

type memoryCounter struct {
	count   int64
	expires time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counts: make(map[string]memoryCounter),
		now:    time.Now,
	}
}

func (m *MemoryCounterStore) IncrWithCeiling(ctx context.Context, key string, ceiling int, ttl time.Duration) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if ceiling <= 0 {
		return 0, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.evictExpiredLocked(now)

	c := m.counts[key]
	if c.count >= int64(ceiling) {
		return c.count, false, nil
	}
	if c.count == 0 {
		c.expires = now.Add(ttl)
	}
	c.count++
	m.counts[key] = c
	return c.count, true, nil
}

// evictExpiredLocked drops lapsed entries so day-keyed counters do not
// accumulate without bound. Caller holds mu.
func (m *MemoryCounterStore) evictExpiredLocked(now time.Time) {
	for k, c := range m.counts {
		if !c.expires.After(now) {
			delete(m.counts, k)
		}
	}
}

func (m *MemoryCounterStore) Close() error { return nil }
