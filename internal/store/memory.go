package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/paper-trader/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	portfolios map[string]*model.Portfolio
	trades     map[string][]model.Trade
	snapshots  map[string][]model.Snapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios: make(map[string]*model.Portfolio),
		trades:     make(map[string][]model.Trade),
		snapshots:  make(map[string][]model.Snapshot),
	}
}

func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	return newBufferedTx(s), nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[p.UserID]; ok {
		return ErrExists
	}
	p.Version = 1
	s.portfolios[p.UserID] = p.Clone()
	return nil
}

func (s *MemoryStore) commit(_ context.Context, ws *writeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := ws.portfolio
	current, ok := s.portfolios[p.UserID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != p.Version {
		return ErrConflict
	}

	stored := p.Clone()
	stored.Version = p.Version + 1
	s.portfolios[p.UserID] = stored
	s.trades[p.UserID] = append(s.trades[p.UserID], ws.trades...)
	s.snapshots[p.UserID] = append(s.snapshots[p.UserID], ws.snapshots...)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	out := reversed(s.trades[userID])
	s.mu.RUnlock()

	// Client-side ordering: newest first, later inserts win ties.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, userID string, limit int) ([]model.Snapshot, error) {
	s.mu.RLock()
	out := reversed(s.snapshots[userID])
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) ResetPortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := int64(1)
	if current, ok := s.portfolios[p.UserID]; ok {
		version = current.Version + 1
	}
	p.Version = version
	s.portfolios[p.UserID] = p.Clone()
	delete(s.trades, p.UserID)
	delete(s.snapshots, p.UserID)
	return nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func reversed[T any](items []T) []T {
	out := make([]T, len(items))
	for i, it := range items {
		out[len(items)-1-i] = it
	}
	return out
}
