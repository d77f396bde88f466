package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"streamrelay/internal/bridge"
	"streamrelay/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	connManager *services.ConnectionManager
	bridge      *bridge.Bridge
	ping        func(ctx context.Context) error // nil when no Redis backend is configured
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(connManager *services.ConnectionManager, br *bridge.Bridge, ping func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{connManager: connManager, bridge: br, ping: ping}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	status := "healthy"
	code := fiber.StatusOK
	redisStatus := "disabled"

	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			status = "degraded"
			code = fiber.StatusServiceUnavailable
			redisStatus = err.Error()
		} else {
			redisStatus = "ok"
		}
	}

	return c.Status(code).JSON(fiber.Map{
		"status":      status,
		"connections": h.connManager.Count(),
		"in_flight":   h.bridge.InFlight(),
		"redis":       redisStatus,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
