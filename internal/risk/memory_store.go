package risk

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	scores  map[string]*Score   // transactionID → score
	byPayer map[string][]string // payerID → transaction IDs, oldest first
}

// NewMemoryStore creates an in-memory risk score store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scores:  make(map[string]*Score),
		byPayer: make(map[string][]string),
	}
}

func (s *MemoryStore) Record(ctx context.Context, score *Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scores[score.TransactionID]; exists {
		return ErrScoreExists
	}
	if score.PayerID != "" {
		s.byPayer[score.PayerID] = append(s.byPayer[score.PayerID], score.TransactionID)
	}
	s.scores[score.TransactionID] = cloneScore(score)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, transactionID string) (*Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	score, ok := s.scores[transactionID]
	if !ok {
		return nil, ErrScoreNotFound
	}
	return cloneScore(score), nil
}

func (s *MemoryStore) ListByPayer(ctx context.Context, payerID string, limit int, opts ...ListOption) ([]*Score, error) {
	o := applyListOpts(opts)

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byPayer[payerID]
	result := make([]*Score, 0, len(ids))
	for _, id := range ids {
		if score := s.scores[id]; o.cursor.After(score.CheckedAt, score.TransactionID) {
			result = append(result, cloneScore(score))
		}
	}

	// Most recent first
	sort.Slice(result, func(i, j int) bool {
		if result[i].CheckedAt.Equal(result[j].CheckedAt) {
			return result[i].TransactionID > result[j].TransactionID
		}
		return result[i].CheckedAt.After(result[j].CheckedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}
