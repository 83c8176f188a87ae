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

// EscrowServiceImpl implements ports.EscrowService.
type EscrowServiceImpl struct {
	txRepo       ports.TransactionRepository
	projectRepo  ports.ProjectRepository
	orderRepo    ports.OrderRepository
	walletRepo   ports.WalletRepository
	settingsRepo ports.SettingsRepository
	walletSvc    ports.WalletService
	gateway      ports.PaymentGateway
	sigSvc       ports.SignatureService
	audit        ports.AuditService
	transactor   ports.DBTransactor
	creds        GatewayCredentials
	defaultPct   decimal.Decimal
	currency     string
	log          zerolog.Logger
}

// NewEscrowService creates a new EscrowServiceImpl. defaultPct is used when
// platform_settings has no commission row.
func NewEscrowService(
	txRepo ports.TransactionRepository,
	projectRepo ports.ProjectRepository,
	orderRepo ports.OrderRepository,
	walletRepo ports.WalletRepository,
	settingsRepo ports.SettingsRepository,
	walletSvc ports.WalletService,
	gateway ports.PaymentGateway,
	sigSvc ports.SignatureService,
	audit ports.AuditService,
	transactor ports.DBTransactor,
	creds GatewayCredentials,
	defaultPct decimal.Decimal,
	currency string,
	log zerolog.Logger,
) *EscrowServiceImpl {
	return &EscrowServiceImpl{
		txRepo:       txRepo,
		projectRepo:  projectRepo,
		orderRepo:    orderRepo,
		walletRepo:   walletRepo,
		settingsRepo: settingsRepo,
		walletSvc:    walletSvc,
		gateway:      gateway,
		sigSvc:       sigSvc,
		audit:        audit,
		transactor:   transactor,
		creds:        creds,
		defaultPct:   defaultPct,
		currency:     currency,
		log:          log,
	}
}

// CreateWalletPayment debits the client's wallet and holds the project budget
// in escrow, all in one database transaction.
func (s *EscrowServiceImpl) CreateWalletPayment(ctx context.Context, clientID, projectID uuid.UUID) (*domain.Transaction, error) {
	ctx, span := telemetry.StartSpan(ctx, "escrow.create_wallet_payment")
	var err error
	defer func() { telemetry.End(span, err) }()

	pct, err := s.commissionPercentage(ctx)
	if err != nil {
		return nil, err
	}

	var txn *domain.Transaction
	err = runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		project, err := s.projectRepo.GetByIDForUpdate(ctx, tx, projectID)
		if err != nil {
			return dbError("lock project", err)
		}
		if err := validateProject(project, clientID); err != nil {
			return err
		}
		if err := s.rejectDuplicate(ctx, tx, projectID); err != nil {
			return err
		}

		wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, clientID)
		if err != nil {
			return dbError("lock wallet", err)
		}
		if wallet == nil {
			return apperror.ErrWalletNotFound()
		}

		split := domain.SplitCommission(project.Budget, pct)
		txn = s.newTransaction(project, split, domain.PaymentSourceWallet)
		now := time.Now().UTC()
		txn.Status = domain.TransactionStatusHeld
		txn.HeldAt = &now

		ref := txn.ID
		if _, err := s.walletSvc.DebitTx(ctx, tx, domain.LedgerEntryRequest{
			WalletID:      wallet.ID,
			Amount:        split.Total,
			ReferenceType: domain.ReferencePayment,
			ReferenceID:   &ref,
			Description:   "Escrow payment for " + project.Title,
		}); err != nil {
			return err
		}

		if err := s.txRepo.Create(ctx, tx, txn); err != nil {
			if isUniqueViolation(err) {
				return apperror.ErrDuplicatePayment()
			}
			return dbError("create transaction", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(domain.TransactionStatusHeld)).Inc()
	s.audit.Log(ctx, &domain.AuditLog{
		ID:           uuid.New(),
		ActorID:      &clientID,
		Action:       domain.AuditActionWalletPayment,
		ResourceType: "transaction",
		ResourceID:   txn.ID.String(),
		Details:      fmt.Sprintf(`{"project_id":%q,"amount":%q}`, projectID, txn.TotalAmount.StringFixed(2)),
		CreatedAt:    time.Now().UTC(),
	})
	s.log.Info().
		Str("transaction_id", txn.ID.String()).
		Str("project_id", projectID.String()).
		Str("amount", txn.TotalAmount.StringFixed(2)).
		Msg("wallet payment held in escrow")

	return txn, nil
}

// CreateServicePaymentOrder opens a gateway checkout for the project budget
// and records an INITIATED transaction. No funds move.
func (s *EscrowServiceImpl) CreateServicePaymentOrder(ctx context.Context, clientID, projectID uuid.UUID) (*domain.CheckoutOrder, error) {
	ctx, span := telemetry.StartSpan(ctx, "escrow.create_service_payment_order")
	var err error
	defer func() { telemetry.End(span, err) }()

	project, err := s.projectRepo.GetByID(ctx, projectID)
	if err != nil {
		return nil, dbError("get project", err)
	}
	if err = validateProject(project, clientID); err != nil {
		return nil, err
	}
	if err = s.rejectDuplicate(ctx, nil, projectID); err != nil {
		return nil, err
	}

	pct, err := s.commissionPercentage(ctx)
	if err != nil {
		return nil, err
	}
	split := domain.SplitCommission(project.Budget, pct)
	txn := s.newTransaction(project, split, domain.PaymentSourceRazorpay)

	receipt := "txn_" + txn.ID.String()[:24]
	gwOrder, err := s.gateway.CreateOrder(ctx, ports.OrderRequest{
		AmountMinor: domain.ToMinorUnits(split.Total),
		Currency:    txn.Currency,
		Receipt:     receipt,
		Notes: map[string]string{
			"purpose":        string(domain.OrderPurposeServicePayment),
			"transaction_id": txn.ID.String(),
			"project_id":     projectID.String(),
		},
	})
	if err != nil {
		return nil, err
	}
	txn.RazorpayOrderID = &gwOrder.ID

	err = runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		locked, err := s.projectRepo.GetByIDForUpdate(ctx, tx, projectID)
		if err != nil {
			return dbError("lock project", err)
		}
		if err := validateProject(locked, clientID); err != nil {
			return err
		}
		if err := s.rejectDuplicate(ctx, tx, projectID); err != nil {
			return err
		}
		if err := s.txRepo.Create(ctx, tx, txn); err != nil {
			if isUniqueViolation(err) {
				return apperror.ErrDuplicatePayment()
			}
			return dbError("create transaction", err)
		}

		now := time.Now().UTC()
		return dbError("create order", s.orderRepo.Create(ctx, tx, &domain.RazorpayOrder{
			ID:              uuid.New(),
			RazorpayOrderID: gwOrder.ID,
			UserID:          clientID,
			Purpose:         domain.OrderPurposeServicePayment,
			ReferenceID:     txn.ID,
			Amount:          split.Total,
			Currency:        txn.Currency,
			Receipt:         receipt,
			Status:          domain.OrderStatusCreated,
			CreatedAt:       now,
			UpdatedAt:       now,
		}))
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(domain.TransactionStatusInitiated)).Inc()
	s.log.Info().
		Str("transaction_id", txn.ID.String()).
		Str("order_id", gwOrder.ID).
		Msg("service payment order created")

	return &domain.CheckoutOrder{
		Transaction: txn,
		OrderID:     gwOrder.ID,
		AmountMinor: gwOrder.AmountMinor,
		Currency:    gwOrder.Currency,
		KeyID:       s.creds.KeyID,
	}, nil
}

// ProcessServicePayment confirms a checkout callback and moves the
// transaction INITIATED -> HELD. Repeating it with the same payment returns
// the held transaction.
func (s *EscrowServiceImpl) ProcessServicePayment(ctx context.Context, razorpayOrderID, paymentID, signature string) (*domain.Transaction, error) {
	if !s.sigSvc.Verify(s.creds.KeySecret, CheckoutPayload(razorpayOrderID, paymentID), signature) {
		return nil, apperror.ErrInvalidSignature()
	}

	var txn *domain.Transaction
	moved := false
	err := runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		var err error
		txn, err = s.txRepo.GetByOrderIDForUpdate(ctx, tx, razorpayOrderID)
		if err != nil {
			return dbError("lock transaction", err)
		}
		if txn == nil {
			return apperror.ErrNotFound("Transaction")
		}

		if txn.Status == domain.TransactionStatusHeld &&
			txn.RazorpayPaymentID != nil && *txn.RazorpayPaymentID == paymentID {
			return nil
		}
		if txn.Status != domain.TransactionStatusInitiated {
			return apperror.ErrInvalidState(fmt.Sprintf("transaction is %s", txn.Status))
		}

		if err := s.hold(ctx, tx, txn, paymentID); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if moved {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(domain.TransactionStatusHeld)).Inc()
		s.log.Info().
			Str("transaction_id", txn.ID.String()).
			Str("payment_id", paymentID).
			Msg("service payment held in escrow")
	}
	return txn, nil
}

// GetTransaction returns a transaction visible to the requester. Others get NotFound.
func (s *EscrowServiceImpl) GetTransaction(ctx context.Context, id uuid.UUID, requester domain.Principal) (*domain.Transaction, error) {
	txn, err := s.txRepo.GetByID(ctx, id)
	if err != nil {
		return nil, dbError("get transaction", err)
	}
	if txn == nil || !txn.IsVisibleTo(requester.UserID, requester.Role) {
		return nil, apperror.ErrNotFound("Transaction")
	}
	return txn, nil
}

// ConfirmCapturedPayment holds an INITIATED service payment when the checkout
// callback never arrived. A capture that a FAILED transaction or a different
// payment already decided is recorded on the order and reported as
// ErrUnappliedCapture so it can be refunded.
func (s *EscrowServiceImpl) ConfirmCapturedPayment(ctx context.Context, razorpayOrderID, paymentID string) error {
	moved, unapplied := false, false
	var txID uuid.UUID
	var status domain.TransactionStatus
	err := runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		txn, err := s.txRepo.GetByOrderIDForUpdate(ctx, tx, razorpayOrderID)
		if err != nil {
			return dbError("lock transaction", err)
		}
		if txn == nil {
			s.log.Warn().Str("order_id", razorpayOrderID).Msg("captured payment for unknown transaction")
			return nil
		}
		txID, status = txn.ID, txn.Status

		if txn.Status == domain.TransactionStatusInitiated {
			if err := s.hold(ctx, tx, txn, paymentID); err != nil {
				return err
			}
			moved = true
			return nil
		}

		if _, err := s.orderRepo.MarkPaid(ctx, tx, razorpayOrderID, paymentID); err != nil {
			return dbError("mark order paid", err)
		}
		unapplied = !txn.FundedBy(paymentID)
		return nil
	})
	if err != nil {
		return err
	}

	if unapplied {
		return apperror.ErrUnappliedCapture(fmt.Sprintf("transaction %s is %s", txID, status))
	}
	if moved {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(domain.TransactionStatusHeld)).Inc()
		s.log.Info().
			Str("transaction_id", txID.String()).
			Str("payment_id", paymentID).
			Msg("service payment held from webhook")
	}
	return nil
}

// MarkPaymentFailed fails the order and its transaction. A HELD transaction
// only fails when the failed payment is the one that funded it.
func (s *EscrowServiceImpl) MarkPaymentFailed(ctx context.Context, razorpayOrderID, paymentID, reason string) error {
	moved := false
	var txID uuid.UUID
	err := runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		if _, err := s.orderRepo.MarkFailed(ctx, tx, razorpayOrderID, paymentID); err != nil {
			return dbError("mark order failed", err)
		}

		txn, err := s.txRepo.GetByOrderIDForUpdate(ctx, tx, razorpayOrderID)
		if err != nil {
			return dbError("lock transaction", err)
		}
		if txn == nil {
			return nil
		}
		txID = txn.ID

		switch txn.Status {
		case domain.TransactionStatusInitiated:
		case domain.TransactionStatusHeld:
			if txn.RazorpayPaymentID != nil && *txn.RazorpayPaymentID != "" && *txn.RazorpayPaymentID != paymentID {
				return nil
			}
		default:
			return nil
		}

		failure := reason
		if failure == "" {
			failure = "payment failed"
		}
		moved, err = s.txRepo.Transition(ctx, tx, ports.TransactionTransition{
			ID:            txn.ID,
			From:          []domain.TransactionStatus{txn.Status},
			To:            domain.TransactionStatusFailed,
			FailureReason: &failure,
		})
		return dbError("fail transaction", err)
	})
	if err != nil {
		return err
	}

	if moved {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(domain.TransactionStatusFailed)).Inc()
		s.log.Warn().
			Str("transaction_id", txID.String()).
			Str("payment_id", paymentID).
			Str("reason", reason).
			Msg("payment failed")
	}
	return nil
}

// hold moves a locked INITIATED transaction to HELD and marks its order paid.
func (s *EscrowServiceImpl) hold(ctx context.Context, tx pgx.Tx, txn *domain.Transaction, paymentID string) error {
	now := time.Now().UTC()
	ok, err := s.txRepo.Transition(ctx, tx, ports.TransactionTransition{
		ID:                txn.ID,
		From:              domain.AllowedFrom(domain.TransactionStatusHeld),
		To:                domain.TransactionStatusHeld,
		RazorpayPaymentID: &paymentID,
		HeldAt:            &now,
	})
	if err != nil {
		return dbError("hold transaction", err)
	}
	if !ok {
		return apperror.ErrInvalidState("transaction changed concurrently")
	}
	if _, err := s.orderRepo.MarkPaid(ctx, tx, *txn.RazorpayOrderID, paymentID); err != nil {
		return dbError("mark order paid", err)
	}

	txn.Status = domain.TransactionStatusHeld
	txn.RazorpayPaymentID = &paymentID
	txn.HeldAt = &now
	return nil
}

func (s *EscrowServiceImpl) rejectDuplicate(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) error {
	active, err := s.txRepo.HasActiveForProject(ctx, tx, projectID)
	if err != nil {
		return dbError("check active transaction", err)
	}
	if active {
		return apperror.ErrDuplicatePayment()
	}
	return nil
}

func (s *EscrowServiceImpl) newTransaction(project *domain.Project, split domain.CommissionSplit, source domain.PaymentSource) *domain.Transaction {
	currency := project.Currency
	if currency == "" {
		currency = s.currency
	}
	now := time.Now().UTC()
	return &domain.Transaction{
		ID:                           uuid.New(),
		ProjectID:                    project.ID,
		ClientID:                     project.ClientID,
		FreelancerID:                 *project.FreelancerID,
		TotalAmount:                  split.Total,
		PlatformCommission:           split.Commission,
		PlatformCommissionPercentage: split.Percentage,
		FreelancerAmount:             split.FreelancerAmount,
		Currency:                     currency,
		PaymentSource:                source,
		Status:                       domain.TransactionStatusInitiated,
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}
}

// commissionPercentage reads the live rate, falling back to the configured default.
func (s *EscrowServiceImpl) commissionPercentage(ctx context.Context) (decimal.Decimal, error) {
	raw, err := s.settingsRepo.Get(ctx, domain.SettingCommissionPercentage)
	if err != nil {
		return decimal.Zero, dbError("get commission setting", err)
	}
	if raw == nil {
		return s.defaultPct, nil
	}
	pct, err := decimal.NewFromString(*raw)
	if err != nil || pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		s.log.Error().Str("value", *raw).Msg("invalid commission setting, using default")
		return s.defaultPct, nil
	}
	return pct, nil
}

// validateProject checks that clientID may pay for project.
func validateProject(project *domain.Project, clientID uuid.UUID) error {
	switch {
	case project == nil:
		return apperror.ErrNotFound("Project")
	case project.ClientID != clientID:
		return apperror.ErrForbidden("only the project owner can pay for it")
	case project.FreelancerID == nil:
		return apperror.ErrInvalidState("project has no freelancer assigned")
	case project.IsClosed():
		return apperror.ErrInvalidState(fmt.Sprintf("project is %s", project.Status))
	case !project.Budget.IsPositive():
		return apperror.ErrInvalidAmount()
	}
	return nil
}

var _ ports.EscrowService = (*EscrowServiceImpl)(nil)
