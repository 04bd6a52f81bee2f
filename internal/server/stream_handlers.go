package server

import (
	"strings"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/transport"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type createStreamRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// CreateStream registers a new stream owned by the caller.
func (s *Server) CreateStream(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req createStreamRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if strings.TrimSpace(req.Title) == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Title is required"))
	}

	stream := &models.Stream{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
	}
	if err := s.streamRepo.CreateStream(c.Context(), stream); err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}
	return c.Status(fiber.StatusCreated).JSON(stream)
}

// GetLiveStreams lists currently live streams, optionally by category.
func (s *Server) GetLiveStreams(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	streams, total, err := s.streamRepo.GetLiveStreams(c.Context(), c.Query("category"), limit, offset)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{
		"streams": streams,
		"total":   total,
	})
}

// GetStreamCategories lists the predefined categories.
func (s *Server) GetStreamCategories(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"categories": models.StreamCategories})
}

// GetStream returns one stream with its live viewer count from the presence
// registry, which is fresher than the persisted column.
func (s *Server) GetStream(c *fiber.Ctx) error {
	id := c.Params("id")
	stream, err := s.streamRepo.GetStreamByID(c.Context(), id)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Stream", id))
	}
	if count := s.presence.ViewerCount(id); count > 0 {
		stream.ViewerCount = count
	}
	return c.JSON(stream)
}

// GetStreamMessages returns recent chat history, oldest first. Cleared
// messages are tombstoned and never returned.
func (s *Server) GetStreamMessages(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	messages, err := s.streamRepo.GetStreamMessages(c.Context(), c.Params("id"), limit, offset)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{"messages": messages})
}

// GoLive marks the caller's stream live.
func (s *Server) GoLive(c *fiber.Ctx) error {
	stream, err := s.ownedStream(c)
	if err != nil {
		return err
	}

	if err := s.streamRepo.SetStreamLive(c.Context(), stream.ID, true); err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{"status": "live"})
}

// EndStream marks the caller's stream offline and closes its chat room,
// disconnecting every socket in it.
func (s *Server) EndStream(c *fiber.Ctx) error {
	stream, err := s.ownedStream(c)
	if err != nil {
		return err
	}

	if err := s.streamRepo.SetStreamLive(c.Context(), stream.ID, false); err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}

	s.emitter.EmitToRoom(transport.StreamRoom(stream.ID), "stream:ended", fiber.Map{
		"streamId": stream.ID,
	})
	s.presence.CloseRoom(c.Context(), stream.ID)
	s.slowMode.SetDelay(stream.ID, 0)

	return c.JSON(fiber.Map{"status": "ended"})
}

// ownedStream loads the :id stream and verifies the caller owns it or is a
// platform admin.
func (s *Server) ownedStream(c *fiber.Ctx) (*models.Stream, error) {
	userID := c.Locals("userID").(uint)
	id := c.Params("id")

	stream, err := s.streamRepo.GetStreamByID(c.Context(), id)
	if err != nil {
		return nil, models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Stream", id))
	}
	if stream.UserID != userID {
		user, err := s.userRepo.GetByID(c.Context(), userID)
		if err != nil || !user.IsAdmin() {
			return nil, models.RespondWithError(c, fiber.StatusForbidden,
				models.NewUnauthorizedError("You do not own this stream"))
		}
	}
	return stream, nil
}

// RateLimitStats returns the limiter's operational snapshot.
func (s *Server) RateLimitStats(c *fiber.Ctx) error {
	topN := c.QueryInt("top", 10)
	return c.JSON(s.limiter.Stats(topN))
}

type resetLimitsRequest struct {
	Identity  string `json:"identity"`
	EventType string `json:"eventType"`
}

// ResetRateLimits clears one or all event-type windows for an identity.
func (s *Server) ResetRateLimits(c *fiber.Ctx) error {
	var req resetLimitsRequest
	if err := c.BodyParser(&req); err != nil || req.Identity == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("identity is required"))
	}
	s.limiter.ResetLimits(req.Identity, req.EventType)
	return c.JSON(fiber.Map{"status": "reset"})
}

type applyPenaltyRequest struct {
	Identity        string `json:"identity"`
	EventType       string `json:"eventType"`
	DurationSeconds int    `json:"durationSeconds"`
}

// ApplyRateLimitPenalty blocks an identity's event type, the manual
// counterpart of the limiter's denial escalation. A zero duration falls back
// to the policy cooldown.
func (s *Server) ApplyRateLimitPenalty(c *fiber.Ctx) error {
	var req applyPenaltyRequest
	if err := c.BodyParser(&req); err != nil || req.Identity == "" || req.EventType == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("identity and eventType are required"))
	}
	s.limiter.ApplyPenalty(req.EventType, req.Identity, time.Duration(req.DurationSeconds)*time.Second)
	return c.JSON(fiber.Map{"status": "blocked"})
}

// GetModerationHistory lists a stream's moderation records, newest first.
func (s *Server) GetModerationHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	records, err := s.moderationRepo.ListRecords(c.Context(), c.Params("id"), limit, offset)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{"records": records})
}
