package handlers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"daybreak/internal/services"
)

// draftRateLimit bounds generation requests per user per minute when Redis
// is available.
const (
	draftRateLimit  = 30
	draftRateWindow = time.Minute
)

// DiaryHandler handles diary API endpoints
type DiaryHandler struct {
	diaryService *services.DiaryService
	redisService *services.RedisService // nil disables per-user rate limiting
}

// NewDiaryHandler creates a new diary handler
func NewDiaryHandler(diaryService *services.DiaryService, redisService *services.RedisService) *DiaryHandler {
	return &DiaryHandler{
		diaryService: diaryService,
		redisService: redisService,
	}
}

type draftRequest struct {
	UserID   string `json:"userId"`
	Date     string `json:"date"`
	Timezone string `json:"timezone"`
}

type editRequest struct {
	UserID    string `json:"userId"`
	FinalText string `json:"finalText"`
	Confirm   bool   `json:"confirm"`
}

// RequestDraft serves a draft for an upcoming day, generating it if needed.
// POST /api/v1/diary/draft
func (h *DiaryHandler) RequestDraft(c *fiber.Ctx) error {
	var req draftRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "userId is required",
		})
	}
	if !validDate(req.Date) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "date must be YYYY-MM-DD",
		})
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "unknown timezone",
			})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if h.redisService != nil {
		_, exceeded, err := h.redisService.CheckRateLimit(ctx, "ratelimit:draft:"+req.UserID, draftRateLimit, draftRateWindow)
		if err != nil {
			log.Printf("⚠️ [DIARY-API] Rate limit check failed: %v (allowing request)", err)
		} else if exceeded {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many draft requests, please wait",
			})
		}
	}

	resp, err := h.diaryService.RequestDraft(ctx, req.UserID, req.Date, req.Timezone)
	if err != nil {
		if errors.Is(err, services.ErrInvalidStyleHints) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "Draft style configuration is invalid",
			})
		}
		log.Printf("❌ [DIARY-API] Draft request failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to serve draft",
		})
	}

	return c.JSON(resp)
}

// GetEntry returns one entry with its displayable body.
// GET /api/v1/diary/entries/:date?userId=...
func (h *DiaryHandler) GetEntry(c *fiber.Ctx) error {
	userID := c.Query("userId")
	date := c.Params("date")
	if userID == "" || !validDate(date) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "userId and a YYYY-MM-DD date are required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry, err := h.diaryService.GetEntry(ctx, userID, date)
	if err != nil {
		if errors.Is(err, services.ErrEntryNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Entry not found",
			})
		}
		log.Printf("❌ [DIARY-API] Failed to load entry: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load entry",
		})
	}

	return c.JSON(fiber.Map{
		"entry": entry,
		"body":  entry.DisplayText(),
	})
}

// ListEntries returns entries in a date range.
// GET /api/v1/diary/entries?userId=...&from=...&to=...
func (h *DiaryHandler) ListEntries(c *fiber.Ctx) error {
	userID := c.Query("userId")
	from := c.Query("from")
	to := c.Query("to")
	if userID == "" || !validDate(from) || !validDate(to) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "userId, from, and to (YYYY-MM-DD) are required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := h.diaryService.ListEntries(ctx, userID, from, to)
	if err != nil {
		log.Printf("❌ [DIARY-API] Failed to list entries: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list entries",
		})
	}

	return c.JSON(fiber.Map{
		"entries": entries,
		"count":   len(entries),
	})
}

// EditEntry writes the user's own account over the generated draft.
// PUT /api/v1/diary/entries/:date
func (h *DiaryHandler) EditEntry(c *fiber.Ctx) error {
	date := c.Params("date")
	var req editRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" || !validDate(date) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "userId and a YYYY-MM-DD date are required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry, err := h.diaryService.EditEntry(ctx, req.UserID, date, req.FinalText, req.Confirm)
	if err != nil {
		if errors.Is(err, services.ErrEntryNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Entry not found",
			})
		}
		log.Printf("❌ [DIARY-API] Failed to edit entry: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to edit entry",
		})
	}

	return c.JSON(fiber.Map{
		"entry": entry,
		"body":  entry.DisplayText(),
	})
}

// ListRevisions returns an entry's revision history.
// GET /api/v1/diary/entries/:date/revisions?userId=...
func (h *DiaryHandler) ListRevisions(c *fiber.Ctx) error {
	userID := c.Query("userId")
	date := c.Params("date")
	if userID == "" || !validDate(date) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "userId and a YYYY-MM-DD date are required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	revisions, err := h.diaryService.ListRevisions(ctx, userID, date)
	if err != nil {
		log.Printf("❌ [DIARY-API] Failed to list revisions: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list revisions",
		})
	}

	return c.JSON(fiber.Map{
		"revisions": revisions,
		"count":     len(revisions),
	})
}

func validDate(date string) bool {
	if date == "" {
		return false
	}
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}
