package questions

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"streamrelay/internal/models"
)

// MemoryStore keeps question records in process memory with a TTL.
type MemoryStore struct {
	cache *cache.Cache
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &MemoryStore{cache: cache.New(ttl, 10*time.Minute)}
}

func (s *MemoryStore) Save(ctx context.Context, q *models.Question) error {
	clone := *q
	s.cache.SetDefault(q.QuestionID, &clone)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, questionID string) (*models.Question, error) {
	v, ok := s.cache.Get(questionID)
	if !ok {
		return nil, ErrNotFound
	}
	clone := *v.(*models.Question)
	return &clone, nil
}
