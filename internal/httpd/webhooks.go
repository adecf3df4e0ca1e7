package httpd

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/tidewater/loom/internal/models"
	"github.com/tidewater/loom/internal/provider"
)

// How long a fresh subscription lease runs for.
const subscriptionLease = 3 * 24 * time.Hour

// handleNotify receives the provider's change notifications. The
// endpoint answers validation handshakes with the raw token, checks the
// clientState secret on every notification and queues the rest. It
// always answers quickly, the actual work happens on the pipeline
// workers.
func (s *Server) handleNotify(c *fiber.Ctx) error {
	// Subscription validation handshake: echo the token back as plain
	// text before touching the body.
	if token := c.Query("validationToken"); token != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.SendString(token)
	}

	var batch provider.NotificationBatch
	if err := c.BodyParser(&batch); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid notification body",
		})
	}

	queued := 0
	rejected := 0

	for _, notification := range batch.Value {
		if notification.ClientState != s.Secret {
			rejected++
			slog.Warn(
				"rejecting notification with bad client state",
				"subscription", notification.SubscriptionID,
			)
			continue
		}

		if _, err := s.Pipeline.Enqueue(c.Context(), notification); err != nil {
			slog.Error("could not queue notification", "err", err)
			continue
		}
		queued++
	}

	return c.JSON(fiber.Map{
		"status":   "accepted",
		"queued":   queued,
		"rejected": rejected,
	})
}

type subscribeRequest struct {
	Mailbox  string `json:"mailbox"`
	Resource string `json:"resource"`
}

// handleSubscribe creates a push subscription for a mailbox, or renews
// the lease when one already exists locally.
func (s *Server) handleSubscribe(c *fiber.Ctx) error {
	var request subscribeRequest
	if err := c.BodyParser(&request); err != nil || request.Mailbox == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "mailbox is required",
		})
	}
	if request.Resource == "" {
		request.Resource = "/me/mailFolders('inbox')/messages"
	}

	created, err := s.Provider.CreateSubscription(c.Context(), provider.SubscriptionRequest{
		Resource:        request.Resource,
		ChangeTypes:     "created,updated,deleted",
		NotificationURL: s.Endpoint,
		ClientState:     s.Secret,
		ExpiresAt:       time.Now().Add(subscriptionLease),
	})
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	subscription := &models.Subscription{
		ProviderID:  created.ID,
		Mailbox:     request.Mailbox,
		Resource:    request.Resource,
		ClientState: s.Secret,
		Active:      true,
		ExpiresAt:   created.ExpirationDateTime,
	}
	if _, err := s.DB.NewInsert().Model(subscription).Exec(c.Context()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	slog.Info("created subscription", "subscription", created.ID, "mailbox", request.Mailbox)

	return c.JSON(fiber.Map{
		"subscription_id": created.ID,
		"expires_at":      created.ExpirationDateTime,
	})
}

// handleUnsubscribe tears a subscription down. Local state is cleared
// even when the provider side delete fails, the subscription may
// already be gone over there.
func (s *Server) handleUnsubscribe(c *fiber.Ctx) error {
	providerID := c.Query("subscription_id")
	if providerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "subscription_id is required",
		})
	}

	subscription, err := models.SubscriptionByProviderID(c.Context(), s.DB, providerID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if subscription == nil {
		return c.JSON(fiber.Map{"status": "no-subscription"})
	}

	status := "deleted"
	if err := s.Provider.DeleteSubscription(c.Context(), providerID); err != nil {
		slog.Warn("could not delete provider subscription", "subscription", providerID, "err", err)
		status = "cleared"
	}

	if err := models.DeactivateSubscription(c.Context(), s.DB, subscription.ID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"status": status})
}

// handleStatus reports every subscription with its lease and sweep
// checkpoint.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	subscriptions, err := models.ActiveSubscriptions(c.Context(), s.DB)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	now := time.Now()
	value := make([]fiber.Map, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		value = append(value, fiber.Map{
			"subscription_id": subscription.ProviderID,
			"mailbox":         subscription.Mailbox,
			"expires_at":      subscription.ExpiresAt,
			"expired":         subscription.ExpiresAt.Before(now),
			"checkpoint":      subscription.Checkpoint,
		})
	}

	return c.JSON(fiber.Map{"value": value})
}
