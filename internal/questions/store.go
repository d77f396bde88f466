// Package questions persists the Question records written when a streamed
// answer completes, so a session can be found and replayed later.
package questions

import (
	"context"
	"errors"

	"streamrelay/internal/models"
)

var ErrNotFound = errors.New("questions: not found")

// Store saves and loads question records keyed by question id.
type Store interface {
	Save(ctx context.Context, q *models.Question) error
	Get(ctx context.Context, questionID string) (*models.Question, error)
}
