package handler

import (
	"io"
	"net/http"

	"marketplace-escrow/internal/adapter/http/dto"
	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/pkg/apperror"
	"marketplace-escrow/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	HeaderRazorpaySignature = "X-Razorpay-Signature"
	HeaderRazorpayEventID   = "X-Razorpay-Event-Id"
)

// WebhookHandler receives gateway events.
type WebhookHandler struct {
	webhookSvc ports.WebhookService
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(webhookSvc ports.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookSvc: webhookSvc}
}

// Razorpay handles POST /api/v1/webhooks/razorpay. The raw body is passed
// through untouched because the signature covers its exact bytes.
func (h *WebhookHandler) Razorpay(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Error(c, apperror.Validation("cannot read request body"))
		return
	}

	err = h.webhookSvc.HandleWebhook(
		c.Request.Context(),
		body,
		c.GetHeader(HeaderRazorpaySignature),
		c.GetHeader(HeaderRazorpayEventID),
	)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.WebhookAck{Status: "ok"})
}
