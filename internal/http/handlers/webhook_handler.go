// Webhook HTTP handler.
//
// This file exposes the payment provider's notification endpoint:
//   - POST /webhook/provider
//
// The endpoint is source-address gated: the resolved client address must fall
// inside the provider's published notification networks, with forwarded
// headers honored only behind trusted proxies. Response codes steer the
// provider's redelivery: 200 stops it, 4xx stops it (permanent rejection),
// 5xx asks for a retry.
package handlers

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-docproc-backend/internal/payments"
	"github.com/tbourn/go-docproc-backend/internal/services"
)

// maxWebhookBody bounds how much of a notification body is read.
const maxWebhookBody = 1 << 20

// WebhookService defines the notification gate consumed by the HTTP handler.
type WebhookService interface {
	HandleNotification(ctx context.Context, n *payments.Notification) error
}

// ProviderWebhook godoc
// @ID          providerWebhook
// @Summary     Payment provider notification endpoint
// @Description Accepts payment/refund notifications from the provider's
// @Description published networks and settles matching payment intents.
// @Tags        Webhook
// @Accept      json
// @Produce     json
//
// @Success     200  {object}  map[string]string
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed notification"
// @Failure     403  {object}  handlers.ErrorResponse  "Source not allowed"
// @Failure     502  {object}  handlers.ErrorResponse  "Verification unavailable"
// @Router      /webhook/provider [post]
func (h *Handlers) ProviderWebhook(c *gin.Context) {
	peer, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		peer = c.Request.RemoteAddr
	}
	client := payments.ResolveClientAddr(
		peer,
		c.GetHeader("X-Real-IP"),
		c.GetHeader("X-Forwarded-For"),
		h.trustedProxies,
	)
	if !payments.IsProviderAddr(client) {
		log.Warn().Str("client", client).Str("peer", peer).Msg("webhook rejected: source not allowed")
		fail(c, http.StatusForbidden, ErrCodeForbidden, "source not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}

	n, err := payments.ParseNotification(body)
	if err != nil {
		// Permanently malformed: a 4xx stops the provider's redelivery.
		log.Warn().Err(err).Msg("webhook rejected: malformed notification")
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed notification")
		return
	}

	if err := h.webhookSvc.HandleNotification(c.Request.Context(), n); err != nil {
		if errors.Is(err, services.ErrVerificationUnavailable) {
			fail(c, http.StatusBadGateway, ErrCodeInternal, "verification unavailable, retry later")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "notification processing failed")
		return
	}

	ok(c, http.StatusOK, gin.H{"status": "ok"})
}
