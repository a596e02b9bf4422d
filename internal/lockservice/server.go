package lockservice

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// DefaultTTL applies when an acquire request omits ttlMs.
const DefaultTTL = 10 * time.Minute

// acquireRequest is the wire shape of POST /acquire.
type acquireRequest struct {
	Key   string `json:"key"`
	TTLMs int64  `json:"ttlMs,omitempty"`
}

type releaseRequest struct {
	Key string `json:"key"`
}

// NewServer builds the lock service HTTP app: POST /acquire, POST /release,
// anything else 404.
func NewServer(table *Table) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Post("/acquire", func(c *fiber.Ctx) error {
		var req acquireRequest
		if err := c.BodyParser(&req); err != nil || req.Key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "key is required",
			})
		}

		ttl := DefaultTTL
		if req.TTLMs > 0 {
			ttl = time.Duration(req.TTLMs) * time.Millisecond
		}

		return c.JSON(table.Acquire(req.Key, ttl))
	})

	app.Post("/release", func(c *fiber.Ctx) error {
		var req releaseRequest
		if err := c.BodyParser(&req); err != nil || req.Key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "key is required",
			})
		}

		table.Release(req.Key)
		return c.JSON(fiber.Map{"ok": true})
	})

	return app
}
