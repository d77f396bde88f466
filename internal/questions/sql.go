package questions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"streamrelay/internal/database"
	"streamrelay/internal/models"
)

// SQLStore keeps question records in the questions table. Records are not
// expired.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Save(ctx context.Context, q *models.Question) error {
	query := `
		INSERT INTO questions (question_id, topic, topic_question, stream_name, stream_start_id, stream_end_id, failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if s.db.Driver == database.DriverMySQL {
		query += ` ON DUPLICATE KEY UPDATE stream_start_id = VALUES(stream_start_id), stream_end_id = VALUES(stream_end_id), failed = VALUES(failed)`
	} else {
		query += ` ON CONFLICT(question_id) DO UPDATE SET stream_start_id = excluded.stream_start_id, stream_end_id = excluded.stream_end_id, failed = excluded.failed`
	}

	createdAt := q.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		q.QuestionID, q.Topic, q.TopicQuestion, q.StreamName,
		q.StreamStartMessageID, q.StreamEndMessageID, q.Failed, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save question %s: %w", q.QuestionID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, questionID string) (*models.Question, error) {
	var q models.Question
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT question_id, topic, topic_question, stream_name, stream_start_id, stream_end_id, failed, created_at
		FROM questions WHERE question_id = ?
	`, questionID).Scan(
		&q.QuestionID, &q.Topic, &q.TopicQuestion, &q.StreamName,
		&q.StreamStartMessageID, &q.StreamEndMessageID, &q.Failed, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load question %s: %w", questionID, err)
	}
	q.CreatedAt = time.UnixMilli(createdAt)
	return &q, nil
}
