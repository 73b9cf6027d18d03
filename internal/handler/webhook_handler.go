package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/thakurdotdev/deploy/internal/githubapp"
	"github.com/thakurdotdev/deploy/internal/middleware"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
	"github.com/thakurdotdev/deploy/internal/service"
)

// maxWebhookBody caps webhook payload reads. GitHub documents a 25MB
// ceiling; pushes the platform cares about are far smaller.
const maxWebhookBody = 5 << 20

// WebhookHandler is the ingress for GitHub App deliveries. The raw body
// must be read before any decoding because the signature covers the exact
// bytes on the wire.
type WebhookHandler struct {
	webhookService service.WebhookService
	secret         []byte
	logger         *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(webhookService service.WebhookService, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookService: webhookService,
		secret:         []byte(secret),
		logger:         logger.With(slog.String("component", "webhook_handler")),
	}
}

// Handle handles POST /github/webhook
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Failed to read webhook payload"))
		return
	}

	if err := githubapp.VerifySignature(h.secret, payload, r.Header.Get(githubapp.SignatureHeader)); err != nil {
		middleware.ObserveWebhookDelivery("rejected")
		h.logger.Warn("rejected webhook delivery",
			slog.String("delivery_id", r.Header.Get(githubapp.DeliveryHeader)),
			slog.String("reason", err.Error()))
		response.Error(w, apierrors.ErrUnauthorized.WithMessage("Invalid webhook signature"))
		return
	}

	event := r.Header.Get(githubapp.EventHeader)
	middleware.ObserveWebhookDelivery(event)
	h.logger.Info("webhook delivery",
		slog.String("event", event),
		slog.String("delivery_id", r.Header.Get(githubapp.DeliveryHeader)))

	switch event {
	case "ping":
		response.OK(w, map[string]string{"message": "pong"})

	case "push":
		var push githubapp.PushEvent
		if err := json.Unmarshal(payload, &push); err != nil {
			response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid push payload"))
			return
		}
		result, err := h.webhookService.HandlePush(r.Context(), &push)
		if err != nil {
			response.Error(w, err)
			return
		}
		for i := 0; i < result.BuildsTriggered; i++ {
			middleware.IncrementBuildsCreated()
		}
		response.OK(w, result)

	case "installation":
		var installation githubapp.InstallationEvent
		if err := json.Unmarshal(payload, &installation); err != nil {
			response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid installation payload"))
			return
		}
		result, err := h.webhookService.HandleInstallation(r.Context(), &installation)
		if err != nil {
			response.Error(w, err)
			return
		}
		response.OK(w, result)

	default:
		// Unrecognized events still 200 so GitHub does not mark the
		// endpoint as failing.
		response.OK(w, map[string]string{"message": "Event ignored", "event": event})
	}
}
