package handler

import (
	"marketplace-escrow/internal/adapter/http/dto"
	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/pkg/apperror"
	"marketplace-escrow/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const defaultPageSize = 20

// WalletHandler handles the caller's own wallet.
type WalletHandler struct {
	walletSvc ports.WalletService
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(walletSvc ports.WalletService) *WalletHandler {
	return &WalletHandler{walletSvc: walletSvc}
}

// GetWallet handles GET /api/v1/wallet.
func (h *WalletHandler) GetWallet(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	wallet, err := h.walletSvc.GetWallet(c.Request.Context(), p.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.NewWalletResponse(wallet))
}

// ListTransactions handles GET /api/v1/wallet/transactions.
func (h *WalletHandler) ListTransactions(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var q dto.PageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = defaultPageSize
	}

	entries, total, err := h.walletSvc.History(c.Request.Context(), p.UserID, q.Page, q.PageSize)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Paged(c, dto.NewLedgerEntryResponses(entries), q.Page, q.PageSize, total)
}

// CreateLoadOrder handles POST /api/v1/wallet/load-orders.
func (h *WalletHandler) CreateLoadOrder(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var req dto.LoadOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		response.Error(c, apperror.ErrInvalidAmount())
		return
	}

	order, err := h.walletSvc.CreateLoadOrder(c.Request.Context(), p.UserID, amount)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, order)
}

// VerifyLoad handles POST /api/v1/wallet/load-orders/verify.
func (h *WalletHandler) VerifyLoad(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var req dto.CheckoutVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	wallet, err := h.walletSvc.VerifyLoad(c.Request.Context(), p.UserID, req.RazorpayOrderID, req.RazorpayPaymentID, req.RazorpaySignature)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.NewWalletResponse(wallet))
}
