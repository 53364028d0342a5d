package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-trader/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// portfolios. Commits and resets go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
//
// Tx reads always go to the primary so the commit precondition is never
// taken from a stale cache entry.
//
// Invalidation records the committed version under a floor key. A
// read-through fill older than the floor is dropped, so a reader that
// raced a commit cannot repopulate the cache with the version it replaced.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: tx, cache: s}, nil
}

func (s *CachedStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.CreatePortfolio(ctx, p); err != nil {
		return err
	}
	s.cachePortfolio(ctx, p)
	return nil
}

func (s *CachedStore) ResetPortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.ResetPortfolio(ctx, p); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.invalidate(ctx, p.UserID, p.Version)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(userID)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			if p.Holdings == nil {
				p.Holdings = make(map[string]model.Holding)
			}
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.cachePortfolio(ctx, p)
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID, limit)
}

func (s *CachedStore) ListSnapshots(ctx context.Context, userID string, limit int) ([]model.Snapshot, error) {
	return s.primary.ListSnapshots(ctx, userID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cachePortfolio(ctx context.Context, p *model.Portfolio) {
	if data, err := json.Marshal(p); err == nil {
		fillScript.Run(ctx, s.rdb,
			[]string{portfolioKey(p.UserID), floorKey(p.UserID)},
			data, p.Version, s.ttl.Milliseconds())
	}
}

func (s *CachedStore) invalidate(ctx context.Context, userID string, version int64) {
	keys := []string{portfolioKey(userID), floorKey(userID)}
	if err := invalidateScript.Run(ctx, s.rdb, keys, version, s.ttl.Milliseconds()).Err(); err != nil {
		s.rdb.Del(ctx, keys[0])
	}
}

func portfolioKey(uid string) string { return fmt.Sprintf("portfolio:%s", uid) }

func floorKey(uid string) string { return fmt.Sprintf("portfolio:%s:floor", uid) }

// fillScript caches ARGV[1] unless its version ARGV[2] is below the floor.
var fillScript = redis.NewScript(`
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(ARGV[2]) < floor then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// invalidateScript drops the entry and raises the floor to ARGV[1].
var invalidateScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(ARGV[1]) > floor then
  floor = tonumber(ARGV[1])
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[2], floor, 'PX', ARGV[2])
else
  redis.call('SET', KEYS[2], floor)
end
return floor
`)

// cachedTx invalidates the portfolio entry after a successful commit.
type cachedTx struct {
	Tx
	cache     *CachedStore
	portfolio *model.Portfolio
}

func (t *cachedTx) UpdatePortfolio(p *model.Portfolio) {
	t.portfolio = p
	t.Tx.UpdatePortfolio(p)
}

func (t *cachedTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	if t.portfolio != nil {
		t.cache.invalidate(ctx, t.portfolio.UserID, t.portfolio.Version)
	}
	return nil
}
