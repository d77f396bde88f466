package questions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"streamrelay/internal/models"
)

const keyPrefix = "question:"

// RedisStore keeps question records as JSON strings with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns a store whose records expire after ttl. Zero keeps
// them until deleted.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, q *models.Question) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal question: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+q.QuestionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save question %s: %w", q.QuestionID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, questionID string) (*models.Question, error) {
	data, err := s.client.Get(ctx, keyPrefix+questionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load question %s: %w", questionID, err)
	}
	var q models.Question
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to unmarshal question %s: %w", questionID, err)
	}
	return &q, nil
}
