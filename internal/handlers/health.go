package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"daybreak/internal/database"
	"daybreak/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	mongodb      *database.MongoDB
	redisService *services.RedisService
	queueEnabled bool
	lockEnabled  bool
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(mongodb *database.MongoDB, redisService *services.RedisService, queueEnabled, lockEnabled bool) *HealthHandler {
	return &HealthHandler{
		mongodb:      mongodb,
		redisService: redisService,
		queueEnabled: queueEnabled,
		lockEnabled:  lockEnabled,
	}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	mongoStatus := "disabled"
	if h.mongodb != nil {
		mongoStatus = "up"
		if err := h.mongodb.Ping(ctx); err != nil {
			mongoStatus = "down"
		}
	}

	redisStatus := "disabled"
	if h.redisService != nil {
		redisStatus = "up"
		if err := h.redisService.Ping(ctx); err != nil {
			redisStatus = "down"
		}
	}

	status := "healthy"
	if mongoStatus == "down" || redisStatus == "down" {
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"status":    status,
		"mongodb":   mongoStatus,
		"redis":     redisStatus,
		"queue":     h.queueEnabled,
		"lock":      h.lockEnabled,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
