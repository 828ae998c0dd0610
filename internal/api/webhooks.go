package api

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"whatsapp-relay/internal/callbacks"
)

// VerifyWebhook handles the provider's GET subscription handshake.
func (h *Handlers) VerifyWebhook(c *fiber.Ctx) error {
	challenge, ok := h.callbacks.VerifySubscription(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"))
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "verification failed"})
	}
	return c.SendString(challenge)
}

// ReceiveWebhook handles POST status callbacks. The signature is checked
// against the raw body before anything is parsed or persisted.
func (h *Handlers) ReceiveWebhook(c *fiber.Ctx) error {
	body := c.Body()
	if !h.callbacks.VerifySignature(body, c.Get("X-Hub-Signature-256")) {
		h.logger.Warn("webhook signature verification failed")
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "invalid signature"})
	}

	var payload callbacks.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	applied, err := h.callbacks.ProcessWebhook(c.UserContext(), &payload)
	if err != nil {
		// A status raced ahead of its send settling; a non-2xx makes the
		// provider redeliver the batch once the row has advanced.
		h.logger.Info("webhook partially applied, requesting redelivery",
			zap.Int("applied", applied), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "retry later"})
	}
	h.logger.Debug("webhook processed", zap.Int("applied", applied))
	return c.JSON(fiber.Map{"processed": applied})
}
