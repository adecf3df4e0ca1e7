package httpd

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/tidewater/loom/internal/models"
	"github.com/tidewater/loom/internal/provider"
)

// handleListThreads lists the most recently active threads.
func (s *Server) handleListThreads(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)

	threads, err := models.ListThreads(c.Context(), s.DB, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	value := make([]fiber.Map, 0, len(threads))
	for _, thread := range threads {
		value = append(value, fiber.Map{
			"uid":           thread.UID,
			"subject":       thread.SubjectAnchor,
			"status":        thread.Status,
			"last_activity": thread.LastActivityAt,
		})
	}

	return c.JSON(fiber.Map{"value": value})
}

// handleGetThread returns a thread with its member messages in arrival
// order, including the resolution diagnostics per message.
func (s *Server) handleGetThread(c *fiber.Ctx) error {
	thread, err := models.ThreadByUID(c.Context(), s.DB, c.Params("uid"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if thread == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no such thread"})
	}

	messages, err := models.MessagesOnThread(c.Context(), s.DB, thread.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	members := make([]fiber.Map, 0, len(messages))
	for _, message := range messages {
		members = append(members, fiber.Map{
			"provider_id": message.ProviderID,
			"subject":     message.RawSubject,
			"sender":      message.Sender,
			"sent_at":     message.SentAt,
			"direction":   message.Direction,
			"resolution": fiber.Map{
				"method":     message.ResolutionMethod,
				"confidence": message.ResolutionConfidence,
			},
		})
	}

	return c.JSON(fiber.Map{
		"uid":           thread.UID,
		"subject":       thread.SubjectAnchor,
		"status":        thread.Status,
		"last_activity": thread.LastActivityAt,
		"messages":      members,
	})
}

type replyRequest struct {
	Body string `json:"body"`
}

// handleReply sends a reply on a thread through the provider, stamping
// the correlation header so the counterpart's answer can be re-linked
// even when every standard threading signal gets lost on the way.
func (s *Server) handleReply(c *fiber.Ctx) error {
	thread, err := models.ThreadByUID(c.Context(), s.DB, c.Params("uid"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if thread == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no such thread"})
	}

	var request replyRequest
	if err := c.BodyParser(&request); err != nil || request.Body == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "body is required"})
	}

	last, err := models.LastMessageOnThread(c.Context(), s.DB, thread.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if last == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "thread has no messages"})
	}

	token := thread.CorrelationToken
	if token == "" {
		token = uuid.NewString()
		if err := s.Aggregator.RecordToken(c.Context(), thread.ID, token); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
	}

	draft := provider.Draft{
		To:      []string{last.Sender},
		Cc:      last.CcAddresses(),
		Subject: "Re: " + last.RawSubject,
		Body:    request.Body,
		Headers: map[string]string{
			provider.CorrelationHeader: token,
		},
	}
	if err := s.Provider.SendMessage(c.Context(), draft); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"status": "sent",
		"token":  token,
	})
}
