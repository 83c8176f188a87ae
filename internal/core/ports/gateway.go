package ports

//go:generate mockgen -source=gateway.go -destination=mocks/mock_gateway.go -package=mocks

import (
	"context"
	"errors"

	"marketplace-escrow/internal/core/domain"
)

// ErrGatewayTimeout means the gateway may or may not have accepted the request.
var ErrGatewayTimeout = errors.New("payment gateway timeout")

// PaymentGateway is the outbound payment provider.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*GatewayOrder, error)
	CreateContact(ctx context.Context, req ContactRequest) (string, error)
	CreateFundAccount(ctx context.Context, req FundAccountRequest) (string, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*GatewayPayout, error)
}

type OrderRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

type GatewayOrder struct {
	ID          string
	AmountMinor int64
	Currency    string
	Status      string
}

type ContactRequest struct {
	Name        string
	ReferenceID string
}

type FundAccountRequest struct {
	ContactID     string
	AccountType   domain.AccountType
	Name          string
	IFSC          string
	AccountNumber string
	VPA           string
}

type PayoutRequest struct {
	FundAccountID string
	AmountMinor   int64
	Currency      string
	Mode          domain.PayoutMode
	ReferenceID   string // also sent as the idempotency header
	Narration     string
}

type GatewayPayout struct {
	ID            string
	FundAccountID string
	Status        string
	UTR           string
}
