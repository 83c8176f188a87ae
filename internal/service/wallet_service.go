package service

import (
	"context"
	"fmt"
	"time"

	"marketplace-escrow/internal/core/domain"
	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/internal/metrics"
	"marketplace-escrow/internal/telemetry"
	"marketplace-escrow/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GatewayCredentials are the Razorpay API keys used to sign and open checkouts.
type GatewayCredentials struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
}

// WalletServiceImpl implements ports.WalletService.
type WalletServiceImpl struct {
	walletRepo ports.WalletRepository
	orderRepo  ports.OrderRepository
	gateway    ports.PaymentGateway
	sigSvc     ports.SignatureService
	audit      ports.AuditService
	transactor ports.DBTransactor
	creds      GatewayCredentials
	currency   string
	log        zerolog.Logger
}

// NewWalletService creates a new WalletServiceImpl.
func NewWalletService(
	walletRepo ports.WalletRepository,
	orderRepo ports.OrderRepository,
	gateway ports.PaymentGateway,
	sigSvc ports.SignatureService,
	audit ports.AuditService,
	transactor ports.DBTransactor,
	creds GatewayCredentials,
	currency string,
	log zerolog.Logger,
) *WalletServiceImpl {
	return &WalletServiceImpl{
		walletRepo: walletRepo,
		orderRepo:  orderRepo,
		gateway:    gateway,
		sigSvc:     sigSvc,
		audit:      audit,
		transactor: transactor,
		creds:      creds,
		currency:   currency,
		log:        log,
	}
}

// GetBalance returns the user's balance, or zero when no wallet exists yet.
func (s *WalletServiceImpl) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	wallet, err := s.walletRepo.GetByUserID(ctx, userID)
	if err != nil {
		return decimal.Zero, apperror.ErrDatabaseError(fmt.Errorf("get wallet: %w", err))
	}
	if wallet == nil {
		return decimal.Zero, nil
	}
	return wallet.Balance, nil
}

// GetWallet returns the user's wallet, creating an empty one on first access.
func (s *WalletServiceImpl) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	wallet, err := s.walletRepo.GetOrCreate(ctx, userID, s.currency)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get or create wallet: %w", err))
	}
	return wallet, nil
}

// Credit adds funds to a wallet in its own database transaction.
func (s *WalletServiceImpl) Credit(ctx context.Context, req domain.LedgerEntryRequest) (*domain.BalanceChange, error) {
	var change *domain.BalanceChange
	err := runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		var err error
		change, err = s.CreditTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// Debit removes funds from a wallet in its own database transaction.
func (s *WalletServiceImpl) Debit(ctx context.Context, req domain.LedgerEntryRequest) (*domain.BalanceChange, error) {
	var change *domain.BalanceChange
	err := runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		var err error
		change, err = s.DebitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// CreditTx adds funds inside the caller's transaction.
func (s *WalletServiceImpl) CreditTx(ctx context.Context, tx pgx.Tx, req domain.LedgerEntryRequest) (*domain.BalanceChange, error) {
	return s.apply(ctx, tx, domain.LedgerCredit, req)
}

// DebitTx removes funds inside the caller's transaction. The balance never
// goes below zero.
func (s *WalletServiceImpl) DebitTx(ctx context.Context, tx pgx.Tx, req domain.LedgerEntryRequest) (*domain.BalanceChange, error) {
	return s.apply(ctx, tx, domain.LedgerDebit, req)
}

// apply locks the wallet row, writes the new balance and appends the ledger row.
func (s *WalletServiceImpl) apply(ctx context.Context, tx pgx.Tx, entryType domain.LedgerEntryType, req domain.LedgerEntryRequest) (*domain.BalanceChange, error) {
	if !req.Amount.IsPositive() {
		return nil, apperror.ErrInvalidAmount()
	}

	wallet, err := s.walletRepo.GetByIDForUpdate(ctx, tx, req.WalletID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock wallet: %w", err))
	}
	if wallet == nil {
		return nil, apperror.ErrWalletNotFound()
	}

	before := wallet.Balance
	var after decimal.Decimal
	switch entryType {
	case domain.LedgerCredit:
		after = before.Add(req.Amount)
	case domain.LedgerDebit:
		if wallet.Status == domain.WalletStatusFrozen {
			return nil, apperror.ErrInvalidState("wallet is frozen")
		}
		if before.LessThan(req.Amount) {
			return nil, apperror.ErrInsufficientFunds()
		}
		after = before.Sub(req.Amount)
	}

	if err := s.walletRepo.UpdateBalance(ctx, tx, wallet.ID, after); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update balance: %w", err))
	}

	entry := &domain.WalletTransaction{
		ID:            uuid.New(),
		WalletID:      wallet.ID,
		Type:          entryType,
		Amount:        req.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Description:   req.Description,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.walletRepo.CreateEntry(ctx, tx, entry); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create ledger entry: %w", err))
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(entryType), string(req.ReferenceType)).Inc()
	s.log.Debug().
		Str("wallet_id", wallet.ID.String()).
		Str("type", string(entryType)).
		Str("amount", req.Amount.StringFixed(2)).
		Str("balance_after", after.StringFixed(2)).
		Msg("ledger entry applied")

	return &domain.BalanceChange{BalanceBefore: before, BalanceAfter: after}, nil
}

// History returns one page of the user's ledger, newest first.
func (s *WalletServiceImpl) History(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]domain.WalletTransaction, int64, error) {
	page, pageSize = normalizePage(page, pageSize)

	wallet, err := s.walletRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(fmt.Errorf("get wallet: %w", err))
	}
	if wallet == nil {
		return []domain.WalletTransaction{}, 0, nil
	}

	entries, total, err := s.walletRepo.ListEntries(ctx, wallet.ID, page, pageSize)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(fmt.Errorf("list ledger: %w", err))
	}
	return entries, total, nil
}

// VerifyLedger replays a wallet's ledger against its stored balance.
func (s *WalletServiceImpl) VerifyLedger(ctx context.Context, walletID uuid.UUID) (*domain.LedgerAudit, error) {
	ctx, span := telemetry.StartSpan(ctx, "wallet.verify_ledger", telemetry.WalletID(walletID.String()))
	defer span.End()

	wallet, err := s.walletRepo.GetByID(ctx, walletID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get wallet: %w", err))
	}
	if wallet == nil {
		return nil, apperror.ErrWalletNotFound()
	}

	audit, err := s.walletRepo.SummarizeLedger(ctx, walletID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("summarize ledger: %w", err))
	}
	audit.WalletID = walletID
	audit.Balance = wallet.Balance
	audit.Evaluate()

	if !audit.Consistent {
		metrics.LedgerMismatches.Inc()
		s.log.Error().
			Str("wallet_id", walletID.String()).
			Str("balance", audit.Balance.StringFixed(2)).
			Str("credits", audit.TotalCredits.StringFixed(2)).
			Str("debits", audit.TotalDebits.StringFixed(2)).
			Str("last_balance_after", audit.LastBalanceAfter.StringFixed(2)).
			Msg("ledger mismatch")
	}
	return audit, nil
}

// CreateLoadOrder opens a gateway checkout that credits the user's wallet once paid.
func (s *WalletServiceImpl) CreateLoadOrder(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*domain.CheckoutOrder, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return nil, apperror.ErrInvalidAmount()
	}

	wallet, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	orderID := uuid.New()
	receipt := "wl_" + orderID.String()[:24]
	gwOrder, err := s.gateway.CreateOrder(ctx, ports.OrderRequest{
		AmountMinor: domain.ToMinorUnits(amount),
		Currency:    wallet.Currency,
		Receipt:     receipt,
		Notes: map[string]string{
			"purpose":   string(domain.OrderPurposeWalletLoad),
			"wallet_id": wallet.ID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &domain.RazorpayOrder{
		ID:              orderID,
		RazorpayOrderID: gwOrder.ID,
		UserID:          userID,
		Purpose:         domain.OrderPurposeWalletLoad,
		ReferenceID:     wallet.ID,
		Amount:          amount,
		Currency:        wallet.Currency,
		Receipt:         receipt,
		Status:          domain.OrderStatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orderRepo.Create(ctx, nil, order); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create order: %w", err))
	}

	s.log.Info().
		Str("user_id", userID.String()).
		Str("order_id", gwOrder.ID).
		Str("amount", amount.StringFixed(2)).
		Msg("wallet load order created")

	return &domain.CheckoutOrder{
		OrderID:     gwOrder.ID,
		AmountMinor: gwOrder.AmountMinor,
		Currency:    gwOrder.Currency,
		KeyID:       s.creds.KeyID,
	}, nil
}

// VerifyLoad completes a wallet load from the checkout callback. Repeating it
// returns the current wallet without crediting twice.
func (s *WalletServiceImpl) VerifyLoad(ctx context.Context, userID uuid.UUID, razorpayOrderID, paymentID, signature string) (*domain.Wallet, error) {
	if !s.sigSvc.Verify(s.creds.KeySecret, CheckoutPayload(razorpayOrderID, paymentID), signature) {
		return nil, apperror.ErrInvalidSignature()
	}

	order, err := s.orderRepo.GetByRazorpayOrderID(ctx, razorpayOrderID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get order: %w", err))
	}
	if order == nil || order.Purpose != domain.OrderPurposeWalletLoad || order.UserID != userID {
		return nil, apperror.ErrNotFound("Order")
	}

	credited, err := s.CompleteLoad(ctx, razorpayOrderID, paymentID)
	if err != nil {
		return nil, err
	}
	if credited {
		s.audit.Log(ctx, &domain.AuditLog{
			ID:           uuid.New(),
			ActorID:      &userID,
			Action:       domain.AuditActionWalletLoad,
			ResourceType: "wallet",
			ResourceID:   order.ReferenceID.String(),
			CreatedAt:    time.Now().UTC(),
		})
	}

	wallet, err := s.walletRepo.GetByID(ctx, order.ReferenceID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get wallet: %w", err))
	}
	if wallet == nil {
		return nil, apperror.ErrWalletNotFound()
	}
	return wallet, nil
}

// CompleteLoad moves a WALLET_LOAD order to PAID and credits the wallet in the
// same transaction. An order whose earlier attempt failed is still credited.
// It reports false when this payment already settled the order, and returns
// ErrUnappliedCapture when a different payment did.
func (s *WalletServiceImpl) CompleteLoad(ctx context.Context, razorpayOrderID, paymentID string) (bool, error) {
	credited := false
	err := runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		order, err := s.orderRepo.GetByRazorpayOrderIDForUpdate(ctx, tx, razorpayOrderID)
		if err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("lock order: %w", err))
		}
		if order == nil {
			return apperror.ErrNotFound("Order")
		}
		if order.Purpose != domain.OrderPurposeWalletLoad {
			return apperror.ErrInvalidState("order is not a wallet load")
		}

		moved, err := s.orderRepo.MarkPaid(ctx, tx, razorpayOrderID, paymentID)
		if err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("mark order paid: %w", err))
		}
		if !moved {
			if order.PaidBy(paymentID) {
				return nil
			}
			return apperror.ErrUnappliedCapture("order was already paid by another payment")
		}

		ref := order.ID
		if _, err := s.CreditTx(ctx, tx, domain.LedgerEntryRequest{
			WalletID:      order.ReferenceID,
			Amount:        order.Amount,
			ReferenceType: domain.ReferenceLoad,
			ReferenceID:   &ref,
			Description:   "Wallet load via Razorpay " + paymentID,
		}); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if credited {
		s.log.Info().Str("order_id", razorpayOrderID).Str("payment_id", paymentID).Msg("wallet load credited")
	}
	return credited, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

var _ ports.WalletService = (*WalletServiceImpl)(nil)

