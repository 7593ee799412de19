package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ahoum/outreach-backend/internal/models"
	"github.com/ahoum/outreach-backend/internal/storage"
)

// DashboardHandler exposes the read-only reporting surface over persisted
// call records. Only classified outcomes are surfaced, never raw errors.
type DashboardHandler struct {
	store storage.Store
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(store storage.Store) *DashboardHandler {
	return &DashboardHandler{store: store}
}

// ListSessions returns recent call sessions, optionally filtered by status
func (h *DashboardHandler) ListSessions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)

	if status := c.Query("status"); status != "" {
		s := models.SessionStatus(status)
		if !s.IsTerminal() && s != models.SessionInProgress {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "unknown status filter",
			})
		}
		sessions, err := h.store.GetSessionsByStatus(s)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "could not load sessions",
			})
		}
		return c.JSON(fiber.Map{"sessions": sessions, "count": len(sessions)})
	}

	sessions, err := h.store.GetRecentSessions(limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "could not load sessions",
		})
	}
	return c.JSON(fiber.Map{"sessions": sessions, "count": len(sessions)})
}

// GetSession returns one call session by id
func (h *DashboardHandler) GetSession(c *fiber.Ctx) error {
	session, err := h.store.GetCallSession(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}
	return c.JSON(session)
}

// GetSessionTurns returns the ordered transcript for a session
func (h *DashboardHandler) GetSessionTurns(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if _, err := h.store.GetCallSession(sessionID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}

	turns, err := h.store.GetTurns(sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "could not load transcript",
		})
	}
	return c.JSON(fiber.Map{"session_id": sessionID, "turns": turns, "count": len(turns)})
}

// GetStats returns the aggregate session statistics
func (h *DashboardHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.store.GetSessionStats()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "could not compute stats",
		})
	}
	return c.JSON(stats)
}
