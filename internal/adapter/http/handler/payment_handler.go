package handler

import (
	"marketplace-escrow/internal/adapter/http/dto"
	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/pkg/apperror"
	"marketplace-escrow/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PaymentHandler handles escrow payments made by clients.
type PaymentHandler struct {
	escrowSvc ports.EscrowService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(escrowSvc ports.EscrowService) *PaymentHandler {
	return &PaymentHandler{escrowSvc: escrowSvc}
}

// PayWithWallet handles POST /api/v1/payments/wallet.
func (h *PaymentHandler) PayWithWallet(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var req dto.ProjectPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	txn, err := h.escrowSvc.CreateWalletPayment(c.Request.Context(), p.UserID, uuid.MustParse(req.ProjectID))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, txn)
}

// CreateOrder handles POST /api/v1/payments/orders.
func (h *PaymentHandler) CreateOrder(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var req dto.ProjectPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	order, err := h.escrowSvc.CreateServicePaymentOrder(c.Request.Context(), p.UserID, uuid.MustParse(req.ProjectID))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, order)
}

// VerifyPayment handles POST /api/v1/payments/verify.
func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	if _, ok := principal(c); !ok {
		return
	}

	var req dto.CheckoutVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	txn, err := h.escrowSvc.ProcessServicePayment(c.Request.Context(), req.RazorpayOrderID, req.RazorpayPaymentID, req.RazorpaySignature)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, txn)
}

// GetTransaction handles GET /api/v1/payments/:id.
func (h *PaymentHandler) GetTransaction(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "Transaction")
	if !ok {
		return
	}

	txn, err := h.escrowSvc.GetTransaction(c.Request.Context(), id, p)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, txn)
}
