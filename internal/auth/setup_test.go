package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/cache"
	"github.com/signalix/identity/internal/repo"
	"github.com/signalix/identity/internal/repo/memory"
	"github.com/signalix/identity/internal/testutil"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc     *Service
	store   *memory.Store
	cache   cache.Store
	gateway *testutil.Gateway
	clock   *testutil.FakeClock
}

func testOptions() Options {
	return Options{
		Vault: VaultConfig{AccessTTL: 15 * time.Minute, RefreshTTL: 7 * 24 * time.Hour},
		Codes: CodeConfig{
			Pepper:          []byte("test-pepper"),
			CodeLength:      6,
			TTL:             5 * time.Minute,
			MaxAttempts:     5,
			RequestLimit:    3,
			RequestWindow:   15 * time.Minute,
			ResendCooldown:  30 * time.Second,
			DispatchTimeout: time.Second,
		},
		Signup: SignupConfig{StateTTL: time.Hour, BcryptCost: 4},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithCache(t, nil)
}

func newHarnessWithCache(t *testing.T, c cache.Store) *harness {
	t.Helper()
	h := &harness{
		store:   memory.NewStore(),
		gateway: &testutil.Gateway{},
		clock:   testutil.NewFakeClock(testStart),
	}
	if c == nil {
		c = cache.NewMemory(h.clock)
	}
	h.cache = c
	h.svc = NewService(Deps{
		Store:   h.store,
		Cache:   h.cache,
		Gateway: h.gateway,
		Clock:   h.clock,
		Logger:  zap.NewNop(),
	}, testOptions())
	return h
}

// downCache fails every call, as an unreachable Redis would.
type downCache struct{}

var errCacheDown = errors.New("connection refused")

func (downCache) Get(context.Context, string) (string, error) { return "", errCacheDown }
func (downCache) Set(context.Context, string, string, time.Duration) error {
	return errCacheDown
}
func (downCache) Delete(context.Context, ...string) error { return errCacheDown }
func (downCache) DeletePattern(context.Context, string) (int, error) {
	return 0, errCacheDown
}
func (downCache) Hit(context.Context, string, int, time.Duration) (cache.WindowResult, error) {
	return cache.WindowResult{}, errCacheDown
}

var errDriver = errors.New("driver: bad connection")

// completionFailStore loses the connection whenever a challenge is marked
// completed.
type completionFailStore struct{ *memory.Store }

func (s completionFailStore) InTx(ctx context.Context, fn func(ctx context.Context, r repo.Repositories) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		return fn(ctx, completionFailRepos{r})
	})
}

type completionFailRepos struct{ repo.Repositories }

func (r completionFailRepos) Challenges() repo.ChallengeRepo {
	return completionFailChallenges{r.Repositories.Challenges()}
}

type completionFailChallenges struct{ repo.ChallengeRepo }

func (completionFailChallenges) MarkCompleted(context.Context, uuid.UUID, time.Time) (bool, error) {
	return false, errDriver
}
