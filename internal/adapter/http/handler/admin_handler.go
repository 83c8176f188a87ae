package handler

import (
	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/pkg/response"

	"github.com/gin-gonic/gin"
)

// AdminHandler handles escrow release and payout operations.
type AdminHandler struct {
	payoutSvc ports.PayoutService
	walletSvc ports.WalletService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(payoutSvc ports.PayoutService, walletSvc ports.WalletService) *AdminHandler {
	return &AdminHandler{payoutSvc: payoutSvc, walletSvc: walletSvc}
}

// Release handles POST /api/v1/admin/transactions/:id/release.
func (h *AdminHandler) Release(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "Transaction")
	if !ok {
		return
	}

	txn, err := h.payoutSvc.ReleasePayment(c.Request.Context(), id, p.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, txn)
}

// RetryPayout handles POST /api/v1/admin/transactions/:id/retry-payout.
func (h *AdminHandler) RetryPayout(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "Transaction")
	if !ok {
		return
	}

	payout, err := h.payoutSvc.RetryPayout(c.Request.Context(), id, p.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, payout)
}

// GetPayout handles GET /api/v1/admin/payouts/:id.
func (h *AdminHandler) GetPayout(c *gin.Context) {
	id, ok := pathID(c, "Payout")
	if !ok {
		return
	}

	payout, err := h.payoutSvc.GetPayout(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, payout)
}

// AuditWallet handles GET /api/v1/admin/wallets/:id/audit.
func (h *AdminHandler) AuditWallet(c *gin.Context) {
	id, ok := pathID(c, "Wallet")
	if !ok {
		return
	}

	audit, err := h.walletSvc.VerifyLedger(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, audit)
}
