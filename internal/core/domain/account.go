package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccountType is the kind of payout destination.
type AccountType string

const (
	AccountTypeBank AccountType = "BANK_ACCOUNT"
	AccountTypeVPA  AccountType = "VPA"
)

// VerificationStatus is set by the KYC service.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationVerified VerificationStatus = "VERIFIED"
	VerificationRejected VerificationStatus = "REJECTED"
)

// FreelancerAccount is a payout destination. AccountNumberEnc is AES-256-GCM
// ciphertext written by the KYC service.
type FreelancerAccount struct {
	ID                    uuid.UUID          `json:"id"`
	FreelancerID          uuid.UUID          `json:"freelancer_id"`
	AccountType           AccountType        `json:"account_type"`
	AccountHolderName     string             `json:"account_holder_name"`
	AccountNumberEnc      *string            `json:"-"`
	IFSC                  *string            `json:"ifsc,omitempty"`
	VPA                   *string            `json:"vpa,omitempty"`
	VerificationStatus    VerificationStatus `json:"verification_status"`
	IsActive              bool               `json:"is_active"`
	RazorpayContactID     *string            `json:"-"`
	RazorpayFundAccountID *string            `json:"-"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// CanReceivePayouts reports whether the account is active and verified.
func (a *FreelancerAccount) CanReceivePayouts() bool {
	return a.IsActive && a.VerificationStatus == VerificationVerified
}

// PayoutMode picks the rail for this account.
func (a *FreelancerAccount) PayoutMode() PayoutMode {
	if a.AccountType == AccountTypeVPA {
		return PayoutModeUPI
	}
	return PayoutModeIMPS
}
