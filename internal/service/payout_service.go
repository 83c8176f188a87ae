package service

import (
	"context"
	"errors"
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
)

const (
	payoutNarration = "Marketplace payout"
	staleSweepLimit = 100
)

// PayoutServiceImpl implements ports.PayoutService.
type PayoutServiceImpl struct {
	txRepo      ports.TransactionRepository
	payoutRepo  ports.PayoutRepository
	projectRepo ports.ProjectRepository
	accountRepo ports.FreelancerAccountRepository
	queue       ports.PayoutQueue
	gateway     ports.PaymentGateway
	encSvc      ports.EncryptionService
	audit       ports.AuditService
	transactor  ports.DBTransactor
	log         zerolog.Logger
}

// NewPayoutService creates a new PayoutServiceImpl.
func NewPayoutService(
	txRepo ports.TransactionRepository,
	payoutRepo ports.PayoutRepository,
	projectRepo ports.ProjectRepository,
	accountRepo ports.FreelancerAccountRepository,
	queue ports.PayoutQueue,
	gateway ports.PaymentGateway,
	encSvc ports.EncryptionService,
	audit ports.AuditService,
	transactor ports.DBTransactor,
	log zerolog.Logger,
) *PayoutServiceImpl {
	return &PayoutServiceImpl{
		txRepo:      txRepo,
		payoutRepo:  payoutRepo,
		projectRepo: projectRepo,
		accountRepo: accountRepo,
		queue:       queue,
		gateway:     gateway,
		encSvc:      encSvc,
		audit:       audit,
		transactor:  transactor,
		log:         log,
	}
}

// ReleasePayment releases a HELD transaction for a COMPLETED project and
// queues the freelancer payout. The payout itself runs on the worker.
func (s *PayoutServiceImpl) ReleasePayment(ctx context.Context, transactionID, adminID uuid.UUID) (*domain.Transaction, error) {
	ctx, span := telemetry.StartSpan(ctx, "payout.release", telemetry.TransactionID(transactionID.String()))
	var err error
	defer func() { telemetry.End(span, err) }()

	var txn *domain.Transaction
	var payout *domain.Payout
	err = runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		var err error
		txn, err = s.txRepo.GetByIDForUpdate(ctx, tx, transactionID)
		if err != nil {
			return dbError("lock transaction", err)
		}
		if txn == nil {
			return apperror.ErrNotFound("Transaction")
		}
		if txn.Status != domain.TransactionStatusHeld {
			return apperror.ErrInvalidState(fmt.Sprintf("transaction is %s, expected HELD", txn.Status))
		}

		project, err := s.projectRepo.GetByIDForUpdate(ctx, tx, txn.ProjectID)
		if err != nil {
			return dbError("lock project", err)
		}
		if project == nil {
			return apperror.ErrNotFound("Project")
		}
		if project.Status != domain.ProjectStatusCompleted {
			return apperror.ErrInvalidState(fmt.Sprintf("project is %s, expected COMPLETED", project.Status))
		}

		account, err := s.payoutAccount(ctx, tx, txn.FreelancerID)
		if err != nil {
			return err
		}

		payout = newPayout(txn, account, 1, time.Now().UTC())
		if err := s.payoutRepo.Create(ctx, tx, payout); err != nil {
			return dbError("create payout", err)
		}

		now := time.Now().UTC()
		queued := domain.PayoutStatusQueued
		ok, err := s.txRepo.Transition(ctx, tx, ports.TransactionTransition{
			ID:           txn.ID,
			From:         domain.AllowedFrom(domain.TransactionStatusReleased),
			To:           domain.TransactionStatusReleased,
			ReleasedAt:   &now,
			ReleasedBy:   &adminID,
			PayoutID:     &payout.ID,
			PayoutStatus: &queued,
		})
		if err != nil {
			return dbError("release transaction", err)
		}
		if !ok {
			return apperror.ErrInvalidState("transaction changed concurrently")
		}

		txn.Status = domain.TransactionStatusReleased
		txn.ReleasedAt = &now
		txn.ReleasedBy = &adminID
		txn.PayoutID = &payout.ID
		txn.PayoutStatus = &queued
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(domain.TransactionStatusReleased)).Inc()
	metrics.PayoutTransitionsTotal.WithLabelValues(string(domain.PayoutStatusQueued)).Inc()
	s.enqueue(ctx, payout.ID)
	s.audit.Log(ctx, &domain.AuditLog{
		ID:           uuid.New(),
		ActorID:      &adminID,
		Action:       domain.AuditActionReleasePayment,
		ResourceType: "transaction",
		ResourceID:   txn.ID.String(),
		Details:      fmt.Sprintf(`{"payout_id":%q,"amount":%q}`, payout.ID, payout.Amount.StringFixed(2)),
		CreatedAt:    time.Now().UTC(),
	})
	s.log.Info().
		Str("transaction_id", txn.ID.String()).
		Str("payout_id", payout.ID.String()).
		Str("admin_id", adminID.String()).
		Msg("escrow released")

	return txn, nil
}

// RetryPayout queues a fresh payout for a RELEASED transaction whose last
// payout failed.
func (s *PayoutServiceImpl) RetryPayout(ctx context.Context, transactionID, adminID uuid.UUID) (*domain.Payout, error) {
	var payout *domain.Payout
	err := runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		txn, err := s.txRepo.GetByIDForUpdate(ctx, tx, transactionID)
		if err != nil {
			return dbError("lock transaction", err)
		}
		if txn == nil {
			return apperror.ErrNotFound("Transaction")
		}
		if txn.Status != domain.TransactionStatusReleased ||
			txn.PayoutStatus == nil || *txn.PayoutStatus != domain.PayoutStatusFailed {
			return apperror.ErrInvalidState("only a RELEASED transaction with a failed payout can be retried")
		}

		attempt := 1
		at := time.Now().UTC()
		if txn.PayoutID != nil {
			previous, err := s.payoutRepo.GetByIDForUpdate(ctx, tx, *txn.PayoutID)
			if err != nil {
				return dbError("lock payout", err)
			}
			if previous != nil {
				attempt = previous.Attempt + 1
				// reference_id is unique, so it must be strictly later than the last attempt's.
				if at.UnixMilli() <= previous.CreatedAt.UnixMilli() {
					at = previous.CreatedAt.Add(time.Millisecond)
				}
			}
		}

		account, err := s.payoutAccount(ctx, tx, txn.FreelancerID)
		if err != nil {
			return err
		}

		payout = newPayout(txn, account, attempt, at)
		if err := s.payoutRepo.Create(ctx, tx, payout); err != nil {
			return dbError("create payout", err)
		}
		return dbError("point transaction at payout",
			s.txRepo.AttachPayout(ctx, tx, txn.ID, payout.ID))
	})
	if err != nil {
		return nil, err
	}

	metrics.PayoutTransitionsTotal.WithLabelValues(string(domain.PayoutStatusQueued)).Inc()
	s.enqueue(ctx, payout.ID)
	s.audit.Log(ctx, &domain.AuditLog{
		ID:           uuid.New(),
		ActorID:      &adminID,
		Action:       domain.AuditActionRetryPayout,
		ResourceType: "payout",
		ResourceID:   payout.ID.String(),
		Details:      fmt.Sprintf(`{"transaction_id":%q,"attempt":%d}`, transactionID, payout.Attempt),
		CreatedAt:    time.Now().UTC(),
	})
	s.log.Info().
		Str("transaction_id", transactionID.String()).
		Str("payout_id", payout.ID.String()).
		Int("attempt", payout.Attempt).
		Msg("payout retry queued")

	return payout, nil
}

// ProcessPayout submits one payout to the gateway. Redelivered jobs for
// payouts already past PENDING are ignored.
func (s *PayoutServiceImpl) ProcessPayout(ctx context.Context, payoutID uuid.UUID) error {
	ctx, span := telemetry.StartSpan(ctx, "payout.process", telemetry.PayoutID(payoutID.String()))
	var err error
	defer func() { telemetry.End(span, err) }()

	payout, err := s.claim(ctx, payoutID)
	if err != nil || payout == nil {
		return err
	}

	// Outcome bookkeeping must land even when the job deadline expired or the
	// worker was cancelled during a gateway call.
	bookCtx := context.WithoutCancel(ctx)

	account, err := s.accountRepo.GetByID(ctx, payout.FreelancerAccountID)
	if err != nil {
		return dbError("get payout account", err)
	}
	if account == nil {
		err = apperror.ErrAccountNotVerified()
		if ferr := s.fail(bookCtx, payout, "payout account no longer exists"); ferr != nil {
			err = ferr
		}
		return err
	}

	fundAccountID, err := s.ensureFundAccount(ctx, account)
	if err != nil {
		if isGatewayTimeout(err) {
			s.log.Warn().Err(err).Str("payout_id", payout.ID.String()).Msg("fund account setup timed out, payout left PENDING")
			return err
		}
		if ferr := s.fail(bookCtx, payout, err.Error()); ferr != nil {
			return ferr
		}
		return err
	}

	result, gwErr := s.gateway.CreatePayout(ctx, ports.PayoutRequest{
		FundAccountID: fundAccountID,
		AmountMinor:   domain.ToMinorUnits(payout.Amount),
		Currency:      payout.Currency,
		Mode:          payout.Mode,
		ReferenceID:   payout.ReferenceID,
		Narration:     payoutNarration,
	})

	switch {
	case gwErr == nil:
		err = s.markSubmitted(bookCtx, payout, &result.ID, &fundAccountID)
		return err
	case isGatewayTimeout(gwErr):
		s.log.Warn().
			Err(gwErr).
			Str("payout_id", payout.ID.String()).
			Str("reference_id", payout.ReferenceID).
			Msg("payout submission timed out, awaiting webhook")
		err = s.markSubmitted(bookCtx, payout, nil, &fundAccountID)
		return err
	default:
		if ferr := s.fail(bookCtx, payout, gwErr.Error()); ferr != nil {
			err = ferr
			return err
		}
		err = gwErr
		return err
	}
}

// UpdatePayoutStatus applies a terminal status reported by the gateway and
// cascades it onto the escrow transaction.
func (s *PayoutServiceImpl) UpdatePayoutStatus(ctx context.Context, update domain.PayoutStatusUpdate) error {
	var payout *domain.Payout
	changed := false
	err := runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		var err error
		if update.RazorpayPayoutID != "" {
			payout, err = s.payoutRepo.GetByRazorpayIDForUpdate(ctx, tx, update.RazorpayPayoutID)
			if err != nil {
				return dbError("lock payout", err)
			}
		}
		if payout == nil && update.ReferenceID != "" {
			payout, err = s.payoutRepo.GetByReferenceForUpdate(ctx, tx, update.ReferenceID)
			if err != nil {
				return dbError("lock payout", err)
			}
		}
		if payout == nil {
			return apperror.ErrNotFound("Payout")
		}

		if payout.Status == update.Status {
			return nil
		}
		if !domain.CanTransitionPayout(payout.Status, update.Status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrStaleTransition, payout.Status, update.Status)
		}

		t := ports.PayoutTransition{
			ID:   payout.ID,
			From: []domain.PayoutStatus{payout.Status},
			To:   update.Status,
		}
		if payout.RazorpayPayoutID == nil && update.RazorpayPayoutID != "" {
			t.RazorpayPayoutID = &update.RazorpayPayoutID
		}
		if update.UTR != "" {
			t.UTR = &update.UTR
		}
		if update.FailureReason != "" {
			t.FailureReason = &update.FailureReason
		}
		if update.Status == domain.PayoutStatusProcessed {
			now := time.Now().UTC()
			t.ProcessedAt = &now
		}
		ok, err := s.payoutRepo.Transition(ctx, tx, t)
		if err != nil {
			return dbError("update payout", err)
		}
		if !ok {
			return fmt.Errorf("%w: payout %s changed concurrently", domain.ErrStaleTransition, payout.ID)
		}
		changed = true

		return s.cascade(ctx, tx, payout, update)
	})
	if err != nil {
		return err
	}

	if changed {
		metrics.PayoutTransitionsTotal.WithLabelValues(string(update.Status)).Inc()
		s.log.Info().
			Str("payout_id", payout.ID.String()).
			Str("transaction_id", payout.TransactionID.String()).
			Str("status", string(update.Status)).
			Str("utr", update.UTR).
			Msg("payout status updated")
	}
	return nil
}

// GetPayout returns a payout by id.
func (s *PayoutServiceImpl) GetPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	payout, err := s.payoutRepo.GetByID(ctx, id)
	if err != nil {
		return nil, dbError("get payout", err)
	}
	if payout == nil {
		return nil, apperror.ErrNotFound("Payout")
	}
	return payout, nil
}

// SweepStalePayouts re-enqueues QUEUED and PENDING payouts untouched for
// longer than olderThan and returns how many were enqueued.
func (s *PayoutServiceImpl) SweepStalePayouts(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.payoutRepo.ListStale(ctx,
		[]domain.PayoutStatus{domain.PayoutStatusQueued, domain.PayoutStatusPending},
		time.Now().UTC().Add(-olderThan), staleSweepLimit)
	if err != nil {
		return 0, dbError("list stale payouts", err)
	}

	enqueued := 0
	for _, p := range stale {
		if err := s.queue.Enqueue(ctx, p.ID); err != nil {
			s.log.Error().Err(err).Str("payout_id", p.ID.String()).Msg("failed to re-enqueue stale payout")
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.log.Info().Int("count", enqueued).Msg("stale payouts re-enqueued")
	}
	return enqueued, nil
}

// claim moves a QUEUED payout to PENDING. It returns nil when the payout is
// no longer dispatchable.
func (s *PayoutServiceImpl) claim(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	var payout *domain.Payout
	err := runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		p, err := s.payoutRepo.GetByIDForUpdate(ctx, tx, payoutID)
		if err != nil {
			return dbError("lock payout", err)
		}
		if p == nil {
			return apperror.ErrNotFound("Payout")
		}
		if !p.Status.IsDispatchable() {
			s.log.Debug().Str("payout_id", p.ID.String()).Str("status", string(p.Status)).Msg("payout already dispatched")
			return nil
		}
		if p.Status == domain.PayoutStatusQueued {
			ok, err := s.payoutRepo.Transition(ctx, tx, ports.PayoutTransition{
				ID:   p.ID,
				From: domain.PayoutAllowedFrom(domain.PayoutStatusPending),
				To:   domain.PayoutStatusPending,
			})
			if err != nil {
				return dbError("claim payout", err)
			}
			if !ok {
				return nil
			}
			if err := s.mirror(ctx, tx, p, domain.PayoutStatusPending); err != nil {
				return err
			}
			p.Status = domain.PayoutStatusPending
			metrics.PayoutTransitionsTotal.WithLabelValues(string(domain.PayoutStatusPending)).Inc()
		}
		payout = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}

// markSubmitted moves a PENDING payout to PROCESSING. payoutRef is nil when
// the submission timed out and the gateway id is not yet known.
func (s *PayoutServiceImpl) markSubmitted(ctx context.Context, payout *domain.Payout, payoutRef, fundAccountID *string) error {
	moved := false
	err := runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		ok, err := s.payoutRepo.Transition(ctx, tx, ports.PayoutTransition{
			ID:                    payout.ID,
			From:                  domain.PayoutAllowedFrom(domain.PayoutStatusProcessing),
			To:                    domain.PayoutStatusProcessing,
			RazorpayPayoutID:      payoutRef,
			RazorpayFundAccountID: fundAccountID,
			InitiatedAt:           &now,
		})
		if err != nil {
			return dbError("mark payout processing", err)
		}
		if !ok {
			return nil
		}
		moved = true
		return s.mirror(ctx, tx, payout, domain.PayoutStatusProcessing)
	})
	if err != nil {
		return err
	}

	if moved {
		metrics.PayoutTransitionsTotal.WithLabelValues(string(domain.PayoutStatusProcessing)).Inc()
		ev := s.log.Info().Str("payout_id", payout.ID.String()).Str("reference_id", payout.ReferenceID)
		if payoutRef != nil {
			ev = ev.Str("razorpay_payout_id", *payoutRef)
		}
		ev.Msg("payout submitted")
	}
	return nil
}

// fail moves a PENDING payout to FAILED and mirrors it on the transaction.
func (s *PayoutServiceImpl) fail(ctx context.Context, payout *domain.Payout, reason string) error {
	moved := false
	err := runInTx(ctx, s.transactor, func(tx pgx.Tx) error {
		ok, err := s.payoutRepo.Transition(ctx, tx, ports.PayoutTransition{
			ID:            payout.ID,
			From:          []domain.PayoutStatus{domain.PayoutStatusPending},
			To:            domain.PayoutStatusFailed,
			FailureReason: &reason,
		})
		if err != nil {
			return dbError("mark payout failed", err)
		}
		if !ok {
			return nil
		}
		moved = true
		return s.mirror(ctx, tx, payout, domain.PayoutStatusFailed)
	})
	if err != nil {
		return err
	}

	if moved {
		metrics.PayoutTransitionsTotal.WithLabelValues(string(domain.PayoutStatusFailed)).Inc()
		s.log.Error().
			Str("payout_id", payout.ID.String()).
			Str("transaction_id", payout.TransactionID.String()).
			Str("reason", reason).
			Msg("payout failed")
	}
	return nil
}

// cascade reflects a gateway-reported payout status on its transaction.
// Updates for a payout the transaction no longer points at are ignored.
func (s *PayoutServiceImpl) cascade(ctx context.Context, tx pgx.Tx, payout *domain.Payout, update domain.PayoutStatusUpdate) error {
	txn, err := s.txRepo.GetByIDForUpdate(ctx, tx, payout.TransactionID)
	if err != nil {
		return dbError("lock transaction", err)
	}
	if txn == nil || txn.PayoutID == nil || *txn.PayoutID != payout.ID {
		s.log.Warn().Str("payout_id", payout.ID.String()).Msg("payout is not current for its transaction, skipping cascade")
		return nil
	}

	switch update.Status {
	case domain.PayoutStatusProcessed:
		processed := domain.PayoutStatusProcessed
		t := ports.TransactionTransition{
			ID:           txn.ID,
			From:         domain.AllowedFrom(domain.TransactionStatusCompleted),
			To:           domain.TransactionStatusCompleted,
			PayoutStatus: &processed,
		}
		if update.UTR != "" {
			t.PayoutUTR = &update.UTR
		}
		ok, err := s.txRepo.Transition(ctx, tx, t)
		if err != nil {
			return dbError("complete transaction", err)
		}
		if ok {
			metrics.EscrowTransitionsTotal.WithLabelValues(string(domain.TransactionStatusCompleted)).Inc()
		}
		return nil
	case domain.PayoutStatusFailed, domain.PayoutStatusReversed:
		return dbError("mirror payout failure",
			s.txRepo.SetPayoutState(ctx, tx, txn.ID, &payout.ID, domain.PayoutStatusFailed, nil))
	}
	return nil
}

// mirror copies a payout status onto its transaction when the transaction
// still points at this payout.
func (s *PayoutServiceImpl) mirror(ctx context.Context, tx pgx.Tx, payout *domain.Payout, status domain.PayoutStatus) error {
	return dbError("mirror payout status",
		s.txRepo.SetPayoutState(ctx, tx, payout.TransactionID, &payout.ID, status, nil))
}

// ensureFundAccount returns the gateway fund account for a payout account,
// creating the contact and fund account on first use.
func (s *PayoutServiceImpl) ensureFundAccount(ctx context.Context, account *domain.FreelancerAccount) (string, error) {
	if account.RazorpayFundAccountID != nil && *account.RazorpayFundAccountID != "" {
		return *account.RazorpayFundAccountID, nil
	}

	contactID := ""
	if account.RazorpayContactID != nil {
		contactID = *account.RazorpayContactID
	}
	if contactID == "" {
		id, err := s.gateway.CreateContact(ctx, ports.ContactRequest{
			Name:        account.AccountHolderName,
			ReferenceID: account.FreelancerID.String(),
		})
		if err != nil {
			return "", err
		}
		contactID = id
	}

	req := ports.FundAccountRequest{
		ContactID:   contactID,
		AccountType: account.AccountType,
		Name:        account.AccountHolderName,
	}
	switch account.AccountType {
	case domain.AccountTypeVPA:
		if account.VPA == nil {
			return "", errors.New("vpa account has no address")
		}
		req.VPA = *account.VPA
	default:
		if account.AccountNumberEnc == nil || account.IFSC == nil {
			return "", errors.New("bank account is incomplete")
		}
		number, err := s.encSvc.Decrypt(*account.AccountNumberEnc)
		if err != nil {
			return "", apperror.ErrEncryptionFailure(err)
		}
		req.AccountNumber = number
		req.IFSC = *account.IFSC
	}

	fundAccountID, err := s.gateway.CreateFundAccount(ctx, req)
	if err != nil {
		return "", err
	}

	if err := s.accountRepo.SaveGatewayIDs(context.WithoutCancel(ctx), account.ID, contactID, fundAccountID); err != nil {
		s.log.Warn().Err(err).Str("account_id", account.ID.String()).Msg("failed to cache gateway ids")
	}
	return fundAccountID, nil
}

func (s *PayoutServiceImpl) payoutAccount(ctx context.Context, tx pgx.Tx, freelancerID uuid.UUID) (*domain.FreelancerAccount, error) {
	account, err := s.accountRepo.GetActiveByFreelancerID(ctx, tx, freelancerID)
	if err != nil {
		return nil, dbError("get payout account", err)
	}
	if account == nil || !account.CanReceivePayouts() {
		return nil, apperror.ErrAccountNotVerified()
	}
	return account, nil
}

func (s *PayoutServiceImpl) enqueue(ctx context.Context, payoutID uuid.UUID) {
	if err := s.queue.Enqueue(ctx, payoutID); err != nil {
		s.log.Error().Err(err).Str("payout_id", payoutID.String()).Msg("failed to enqueue payout, sweeper will retry")
	}
}

func newPayout(txn *domain.Transaction, account *domain.FreelancerAccount, attempt int, now time.Time) *domain.Payout {
	return &domain.Payout{
		ID:                  uuid.New(),
		TransactionID:       txn.ID,
		FreelancerID:        txn.FreelancerID,
		FreelancerAccountID: account.ID,
		Amount:              txn.FreelancerAmount,
		Currency:            txn.Currency,
		Mode:                account.PayoutMode(),
		Status:              domain.PayoutStatusQueued,
		ReferenceID:         domain.PayoutReference(txn.ID, now),
		Attempt:             attempt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// isGatewayTimeout reports an outcome the gateway may or may not have acted on.
// A cancelled call counts too: the request could already have been sent.
func isGatewayTimeout(err error) bool {
	return errors.Is(err, ports.ErrGatewayTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

var _ ports.PayoutService = (*PayoutServiceImpl)(nil)
