package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"streamrelay/internal/bridge"
	"streamrelay/internal/middleware"
	"streamrelay/internal/models"
	"streamrelay/internal/producer"
	"streamrelay/internal/questions"
	"streamrelay/internal/session"
)

// AskHandler serves the non-streaming ask and answer lookups
type AskHandler struct {
	bridge *bridge.Bridge
}

// NewAskHandler creates a new ask handler
func NewAskHandler(br *bridge.Bridge) *AskHandler {
	return &AskHandler{bridge: br}
}

// Ask answers a question in one response
// POST /api/ask
func (h *AskHandler) Ask(c *fiber.Ctx) error {
	var req models.AskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	output, err := h.bridge.AskSync(c.UserContext(), producer.Prompt{Topic: req.Topic, Question: req.TopicQuestion})
	if err != nil {
		if errors.Is(err, producer.ErrEmptyPrompt) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "topic and topicQuestion are required",
			})
		}
		log.Printf("❌ [ASK] Producer failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to answer question",
		})
	}

	return c.JSON(models.AskResponse{Output: output})
}

// GetQuestion returns the stored record of a completed answer. Authenticated
// callers only see their own records.
// GET /api/questions/:id
func (h *AskHandler) GetQuestion(c *fiber.Ctx) error {
	q, err := h.bridge.Question(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return lookupError(c, err)
	}
	return c.JSON(q)
}

// Replay rebuilds a completed answer from the log
// GET /api/questions/:id/replay
func (h *AskHandler) Replay(c *fiber.Ctx) error {
	replay, err := h.bridge.Replay(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return lookupError(c, err)
	}
	return c.JSON(replay)
}

func lookupError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, questions.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Question not found",
		})
	case errors.Is(err, session.ErrNoBounds):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Question has no recorded answer",
		})
	default:
		log.Printf("❌ [ASK] Lookup failed for %s: %v", c.Params("id"), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load question",
		})
	}
}
