package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"marketplace-escrow/internal/core/domain"
	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/internal/core/ports/mocks"
	"marketplace-escrow/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type payoutTestDeps struct {
	svc         *PayoutServiceImpl
	txRepo      *mocks.MockTransactionRepository
	payoutRepo  *mocks.MockPayoutRepository
	projectRepo *mocks.MockProjectRepository
	accountRepo *mocks.MockFreelancerAccountRepository
	queue       *mocks.MockPayoutQueue
	gateway     *mocks.MockPaymentGateway
	encSvc      *mocks.MockEncryptionService
	audit       *mocks.MockAuditService
	transactor  *mocks.MockDBTransactor
	ctrl        *gomock.Controller
}

func setupPayoutService(t *testing.T) *payoutTestDeps {
	ctrl := gomock.NewController(t)
	d := &payoutTestDeps{
		txRepo:      mocks.NewMockTransactionRepository(ctrl),
		payoutRepo:  mocks.NewMockPayoutRepository(ctrl),
		projectRepo: mocks.NewMockProjectRepository(ctrl),
		accountRepo: mocks.NewMockFreelancerAccountRepository(ctrl),
		queue:       mocks.NewMockPayoutQueue(ctrl),
		gateway:     mocks.NewMockPaymentGateway(ctrl),
		encSvc:      mocks.NewMockEncryptionService(ctrl),
		audit:       mocks.NewMockAuditService(ctrl),
		transactor:  mocks.NewMockDBTransactor(ctrl),
		ctrl:        ctrl,
	}
	d.svc = NewPayoutService(
		d.txRepo, d.payoutRepo, d.projectRepo, d.accountRepo, d.queue,
		d.gateway, d.encSvc, d.audit, d.transactor, zerolog.Nop(),
	)
	return d
}

func heldTxn() *domain.Transaction {
	return &domain.Transaction{
		ID:                 uuid.New(),
		ProjectID:          uuid.New(),
		ClientID:           uuid.New(),
		FreelancerID:       uuid.New(),
		TotalAmount:        dec("500"),
		PlatformCommission: dec("50"),
		FreelancerAmount:   dec("450"),
		Currency:           "INR",
		Status:             domain.TransactionStatusHeld,
	}
}

func verifiedAccount(freelancerID uuid.UUID) *domain.FreelancerAccount {
	return &domain.FreelancerAccount{
		ID:                    uuid.New(),
		FreelancerID:          freelancerID,
		AccountType:           domain.AccountTypeBank,
		AccountHolderName:     "Asha Rao",
		AccountNumberEnc:      strPtr("enc_acct"),
		IFSC:                  strPtr("HDFC0000001"),
		VerificationStatus:    domain.VerificationVerified,
		IsActive:              true,
		RazorpayContactID:     strPtr("cont_1"),
		RazorpayFundAccountID: strPtr("fa_1"),
	}
}

func pendingPayout(status domain.PayoutStatus) *domain.Payout {
	return &domain.Payout{
		ID:                  uuid.New(),
		TransactionID:       uuid.New(),
		FreelancerID:        uuid.New(),
		FreelancerAccountID: uuid.New(),
		Amount:              dec("450"),
		Currency:            "INR",
		Mode:                domain.PayoutModeIMPS,
		Status:              status,
		ReferenceID:         "TXN_ref_1",
		Attempt:             1,
	}
}

// ==================== ReleasePayment ====================

func TestPayoutService_ReleasePayment_Success(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	txn := heldTxn()
	adminID := uuid.New()
	account := verifiedAccount(txn.FreelancerID)

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.txRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ID).Return(txn, nil)
	d.projectRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ProjectID).Return(&domain.Project{
		ID: txn.ProjectID, Status: domain.ProjectStatusCompleted,
	}, nil)
	d.accountRepo.EXPECT().GetActiveByFreelancerID(gomock.Any(), tx, txn.FreelancerID).Return(account, nil)

	var created *domain.Payout
	d.payoutRepo.EXPECT().Create(gomock.Any(), tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, p *domain.Payout) error {
			created = p
			assert.Equal(t, domain.PayoutStatusQueued, p.Status)
			assert.True(t, p.Amount.Equal(dec("450")))
			assert.Equal(t, account.ID, p.FreelancerAccountID)
			assert.Equal(t, domain.PayoutModeIMPS, p.Mode)
			assert.Contains(t, p.ReferenceID, "TXN_"+txn.ID.String()+"_")
			assert.Equal(t, 1, p.Attempt)
			return nil
		})
	d.txRepo.EXPECT().Transition(gomock.Any(), tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, tr ports.TransactionTransition) (bool, error) {
			assert.Equal(t, domain.TransactionStatusReleased, tr.To)
			assert.Equal(t, []domain.TransactionStatus{domain.TransactionStatusHeld}, tr.From)
			assert.Equal(t, adminID, *tr.ReleasedBy)
			assert.Equal(t, domain.PayoutStatusQueued, *tr.PayoutStatus)
			assert.Equal(t, created.ID, *tr.PayoutID)
			return true, nil
		})
	d.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil)
	d.audit.EXPECT().Log(gomock.Any(), gomock.Any()).Do(func(_ context.Context, entry *domain.AuditLog) {
		assert.Equal(t, domain.AuditActionReleasePayment, entry.Action)
		assert.Equal(t, &adminID, entry.ActorID)
	})

	got, err := d.svc.ReleasePayment(context.Background(), txn.ID, adminID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusReleased, got.Status)
	assert.Equal(t, created.ID, *got.PayoutID)
}

func TestPayoutService_ReleasePayment_ProjectNotCompleted(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	txn := heldTxn()

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.txRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ID).Return(txn, nil)
	d.projectRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ProjectID).Return(&domain.Project{
		ID: txn.ProjectID, Status: domain.ProjectStatusInProgress,
	}, nil)

	_, err := d.svc.ReleasePayment(context.Background(), txn.ID, uuid.New())
	assertAppError(t, err, apperror.CodeInvalidState)
}

func TestPayoutService_ReleasePayment_NotHeld(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	txn := heldTxn()
	txn.Status = domain.TransactionStatusInitiated

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.txRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ID).Return(txn, nil)

	_, err := d.svc.ReleasePayment(context.Background(), txn.ID, uuid.New())
	assertAppError(t, err, apperror.CodeInvalidState)
}

func TestPayoutService_ReleasePayment_AccountNotVerified(t *testing.T) {
	for name, account := range map[string]*domain.FreelancerAccount{
		"missing":    nil,
		"unverified": {IsActive: true, VerificationStatus: domain.VerificationPending},
	} {
		t.Run(name, func(t *testing.T) {
			d := setupPayoutService(t)
			defer d.ctrl.Finish()

			tx := &mockTx{}
			txn := heldTxn()

			d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
			d.txRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ID).Return(txn, nil)
			d.projectRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ProjectID).Return(&domain.Project{
				Status: domain.ProjectStatusCompleted,
			}, nil)
			d.accountRepo.EXPECT().GetActiveByFreelancerID(gomock.Any(), tx, txn.FreelancerID).Return(account, nil)

			_, err := d.svc.ReleasePayment(context.Background(), txn.ID, uuid.New())
			assertAppError(t, err, apperror.CodeAccountNotVerified)
		})
	}
}

func TestPayoutService_ReleasePayment_EnqueueFailureStillReleases(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	txn := heldTxn()

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.txRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ID).Return(txn, nil)
	d.projectRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ProjectID).Return(&domain.Project{
		Status: domain.ProjectStatusCompleted,
	}, nil)
	d.accountRepo.EXPECT().GetActiveByFreelancerID(gomock.Any(), tx, txn.FreelancerID).Return(verifiedAccount(txn.FreelancerID), nil)
	d.payoutRepo.EXPECT().Create(gomock.Any(), tx, gomock.Any()).Return(nil)
	d.txRepo.EXPECT().Transition(gomock.Any(), tx, gomock.Any()).Return(true, nil)
	d.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(errors.New("redis down"))
	d.audit.EXPECT().Log(gomock.Any(), gomock.Any())

	got, err := d.svc.ReleasePayment(context.Background(), txn.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusReleased, got.Status)
}

// ==================== ProcessPayout ====================

func expectClaim(d *payoutTestDeps, tx *mockTx, payout *domain.Payout) {
	d.payoutRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, payout.ID).Return(payout, nil)
	d.payoutRepo.EXPECT().Transition(gomock.Any(), tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, tr ports.PayoutTransition) (bool, error) {
			if tr.To != domain.PayoutStatusPending {
				return false, errors.New("unexpected claim target")
			}
			return true, nil
		})
	d.txRepo.EXPECT().SetPayoutState(gomock.Any(), tx, payout.TransactionID, &payout.ID, domain.PayoutStatusPending, nil).Return(nil)
}

func TestPayoutService_ProcessPayout_Success(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx1, tx2 := &mockTx{}, &mockTx{}
	payout := pendingPayout(domain.PayoutStatusQueued)
	account := verifiedAccount(payout.FreelancerID)

	gomock.InOrder(
		d.transactor.EXPECT().Begin(gomock.Any()).Return(tx1, nil),
		d.transactor.EXPECT().Begin(gomock.Any()).Return(tx2, nil),
	)
	expectClaim(d, tx1, payout)
	d.accountRepo.EXPECT().GetByID(gomock.Any(), payout.FreelancerAccountID).Return(account, nil)
	d.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req ports.PayoutRequest) (*ports.GatewayPayout, error) {
			assert.Equal(t, "fa_1", req.FundAccountID)
			assert.Equal(t, int64(45000), req.AmountMinor)
			assert.Equal(t, "TXN_ref_1", req.ReferenceID)
			assert.Equal(t, domain.PayoutModeIMPS, req.Mode)
			return &ports.GatewayPayout{ID: "pout_1", Status: "processing"}, nil
		})
	d.payoutRepo.EXPECT().Transition(gomock.Any(), tx2, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, tr ports.PayoutTransition) (bool, error) {
			assert.Equal(t, domain.PayoutStatusProcessing, tr.To)
			assert.Equal(t, []domain.PayoutStatus{domain.PayoutStatusPending}, tr.From)
			assert.Equal(t, "pout_1", *tr.RazorpayPayoutID)
			assert.Equal(t, "fa_1", *tr.RazorpayFundAccountID)
			return true, nil
		})
	d.txRepo.EXPECT().SetPayoutState(gomock.Any(), tx2, payout.TransactionID, &payout.ID, domain.PayoutStatusProcessing, nil).Return(nil)

	require.NoError(t, d.svc.ProcessPayout(context.Background(), payout.ID))
}

func TestPayoutService_ProcessPayout_GatewayFailure(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx1, tx2 := &mockTx{}, &mockTx{}
	payout := pendingPayout(domain.PayoutStatusQueued)

	gomock.InOrder(
		d.transactor.EXPECT().Begin(gomock.Any()).Return(tx1, nil),
		d.transactor.EXPECT().Begin(gomock.Any()).Return(tx2, nil),
	)
	expectClaim(d, tx1, payout)
	d.accountRepo.EXPECT().GetByID(gomock.Any(), payout.FreelancerAccountID).Return(verifiedAccount(payout.FreelancerID), nil)
	gwErr := apperror.ErrExternalGateway(errors.New("razorpay POST /v1/payouts: 400 invalid fund account"))
	d.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).Return(nil, gwErr)
	d.payoutRepo.EXPECT().Transition(gomock.Any(), tx2, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, tr ports.PayoutTransition) (bool, error) {
			assert.Equal(t, domain.PayoutStatusFailed, tr.To)
			require.NotNil(t, tr.FailureReason)
			assert.Contains(t, *tr.FailureReason, "invalid fund account")
			return true, nil
		})
	d.txRepo.EXPECT().SetPayoutState(gomock.Any(), tx2, payout.TransactionID, &payout.ID, domain.PayoutStatusFailed, nil).Return(nil)

	err := d.svc.ProcessPayout(context.Background(), payout.ID)
	assertAppError(t, err, apperror.CodeExternalGateway)
}

func TestPayoutService_ProcessPayout_TimeoutLeavesProcessing(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx1, tx2 := &mockTx{}, &mockTx{}
	payout := pendingPayout(domain.PayoutStatusQueued)

	gomock.InOrder(
		d.transactor.EXPECT().Begin(gomock.Any()).Return(tx1, nil),
		d.transactor.EXPECT().Begin(gomock.Any()).Return(tx2, nil),
	)
	expectClaim(d, tx1, payout)
	d.accountRepo.EXPECT().GetByID(gomock.Any(), payout.FreelancerAccountID).Return(verifiedAccount(payout.FreelancerID), nil)
	d.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).
		Return(nil, apperror.ErrExternalGateway(ports.ErrGatewayTimeout))
	d.payoutRepo.EXPECT().Transition(gomock.Any(), tx2, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, tr ports.PayoutTransition) (bool, error) {
			assert.Equal(t, domain.PayoutStatusProcessing, tr.To)
			assert.Nil(t, tr.RazorpayPayoutID)
			assert.Nil(t, tr.FailureReason)
			return true, nil
		})
	d.txRepo.EXPECT().SetPayoutState(gomock.Any(), tx2, payout.TransactionID, &payout.ID, domain.PayoutStatusProcessing, nil).Return(nil)

	require.NoError(t, d.svc.ProcessPayout(context.Background(), payout.ID))
}

// beginUnlessDone fails like pgxpool.Begin once ctx is done.
func beginUnlessDone(tx pgx.Tx) func(context.Context) (pgx.Tx, error) {
	return func(ctx context.Context) (pgx.Tx, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return tx, nil
	}
}

func TestPayoutService_ProcessPayout_JobDeadlineDuringSubmission(t *testing.T) {
	tests := []struct {
		name   string
		gwErr  func(ctx context.Context) error
		target domain.PayoutStatus
	}{
		{
			name:   "timeout leaves processing",
			gwErr:  func(ctx context.Context) error { return apperror.ErrExternalGateway(ctx.Err()) },
			target: domain.PayoutStatusProcessing,
		},
		{
			name:   "rejection still fails the payout",
			gwErr:  func(context.Context) error { return apperror.ErrExternalGateway(errors.New("status 400: BAD_REQUEST_ERROR")) },
			target: domain.PayoutStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupPayoutService(t)
			defer d.ctrl.Finish()

			tx1, tx2 := &mockTx{}, &mockTx{}
			payout := pendingPayout(domain.PayoutStatusQueued)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			gomock.InOrder(
				d.transactor.EXPECT().Begin(gomock.Any()).DoAndReturn(beginUnlessDone(tx1)),
				d.transactor.EXPECT().Begin(gomock.Any()).DoAndReturn(beginUnlessDone(tx2)),
			)
			expectClaim(d, tx1, payout)
			d.accountRepo.EXPECT().GetByID(gomock.Any(), payout.FreelancerAccountID).Return(verifiedAccount(payout.FreelancerID), nil)
			d.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).DoAndReturn(
				func(ctx context.Context, _ ports.PayoutRequest) (*ports.GatewayPayout, error) {
					<-ctx.Done()
					return nil, tt.gwErr(ctx)
				})
			d.payoutRepo.EXPECT().Transition(gomock.Any(), tx2, gomock.Any()).DoAndReturn(
				func(ctx context.Context, _ any, tr ports.PayoutTransition) (bool, error) {
					assert.NoError(t, ctx.Err())
					assert.Equal(t, tt.target, tr.To)
					return true, nil
				})
			d.txRepo.EXPECT().SetPayoutState(gomock.Any(), tx2, payout.TransactionID, &payout.ID, tt.target, nil).Return(nil)

			err := d.svc.ProcessPayout(ctx, payout.ID)
			if tt.target == domain.PayoutStatusProcessing {
				assert.NoError(t, err)
			} else {
				assertAppError(t, err, apperror.CodeExternalGateway)
			}
		})
	}
}

func TestPayoutService_ProcessPayout_CancelledSubmissionIsNotFailed(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx1, tx2 := &mockTx{}, &mockTx{}
	payout := pendingPayout(domain.PayoutStatusQueued)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		d.transactor.EXPECT().Begin(gomock.Any()).DoAndReturn(beginUnlessDone(tx1)),
		d.transactor.EXPECT().Begin(gomock.Any()).DoAndReturn(beginUnlessDone(tx2)),
	)
	expectClaim(d, tx1, payout)
	d.accountRepo.EXPECT().GetByID(gomock.Any(), payout.FreelancerAccountID).Return(verifiedAccount(payout.FreelancerID), nil)
	d.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, ports.PayoutRequest) (*ports.GatewayPayout, error) {
			cancel()
			return nil, apperror.ErrExternalGateway(fmt.Errorf("post payout: %w", context.Canceled))
		})
	d.payoutRepo.EXPECT().Transition(gomock.Any(), tx2, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, tr ports.PayoutTransition) (bool, error) {
			assert.Equal(t, domain.PayoutStatusProcessing, tr.To)
			assert.Nil(t, tr.FailureReason)
			return true, nil
		})
	d.txRepo.EXPECT().SetPayoutState(gomock.Any(), tx2, payout.TransactionID, &payout.ID, domain.PayoutStatusProcessing, nil).Return(nil)

	require.NoError(t, d.svc.ProcessPayout(ctx, payout.ID))
}

func TestPayoutService_ProcessPayout_AlreadyDispatched(t *testing.T) {
	for _, status := range []domain.PayoutStatus{
		domain.PayoutStatusProcessing, domain.PayoutStatusProcessed, domain.PayoutStatusFailed,
	} {
		t.Run(string(status), func(t *testing.T) {
			d := setupPayoutService(t)
			defer d.ctrl.Finish()

			tx := &mockTx{}
			payout := pendingPayout(status)
			d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
			d.payoutRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, payout.ID).Return(payout, nil)

			require.NoError(t, d.svc.ProcessPayout(context.Background(), payout.ID))
		})
	}
}

func TestPayoutService_ProcessPayout_CreatesFundAccountLazily(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx1, tx2 := &mockTx{}, &mockTx{}
	payout := pendingPayout(domain.PayoutStatusPending)
	account := verifiedAccount(payout.FreelancerID)
	account.RazorpayContactID = nil
	account.RazorpayFundAccountID = nil

	gomock.InOrder(
		d.transactor.EXPECT().Begin(gomock.Any()).Return(tx1, nil),
		d.transactor.EXPECT().Begin(gomock.Any()).Return(tx2, nil),
	)
	// Redelivered PENDING payouts are resubmitted without another claim transition.
	d.payoutRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx1, payout.ID).Return(payout, nil)
	d.accountRepo.EXPECT().GetByID(gomock.Any(), payout.FreelancerAccountID).Return(account, nil)
	d.gateway.EXPECT().CreateContact(gomock.Any(), ports.ContactRequest{
		Name: "Asha Rao", ReferenceID: payout.FreelancerID.String(),
	}).Return("cont_new", nil)
	d.encSvc.EXPECT().Decrypt("enc_acct").Return("50100012345678", nil)
	d.gateway.EXPECT().CreateFundAccount(gomock.Any(), ports.FundAccountRequest{
		ContactID:     "cont_new",
		AccountType:   domain.AccountTypeBank,
		Name:          "Asha Rao",
		IFSC:          "HDFC0000001",
		AccountNumber: "50100012345678",
	}).Return("fa_new", nil)
	d.accountRepo.EXPECT().SaveGatewayIDs(gomock.Any(), account.ID, "cont_new", "fa_new").Return(nil)
	d.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req ports.PayoutRequest) (*ports.GatewayPayout, error) {
			assert.Equal(t, "fa_new", req.FundAccountID)
			return &ports.GatewayPayout{ID: "pout_2"}, nil
		})
	d.payoutRepo.EXPECT().Transition(gomock.Any(), tx2, gomock.Any()).Return(true, nil)
	d.txRepo.EXPECT().SetPayoutState(gomock.Any(), tx2, payout.TransactionID, &payout.ID, domain.PayoutStatusProcessing, nil).Return(nil)

	require.NoError(t, d.svc.ProcessPayout(context.Background(), payout.ID))
}

func TestPayoutService_ProcessPayout_ContactTimeoutStaysPending(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	payout := pendingPayout(domain.PayoutStatusPending)
	account := verifiedAccount(payout.FreelancerID)
	account.RazorpayContactID = nil
	account.RazorpayFundAccountID = nil

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, payout.ID).Return(payout, nil)
	d.accountRepo.EXPECT().GetByID(gomock.Any(), payout.FreelancerAccountID).Return(account, nil)
	d.gateway.EXPECT().CreateContact(gomock.Any(), gomock.Any()).
		Return("", apperror.ErrExternalGateway(ports.ErrGatewayTimeout))

	err := d.svc.ProcessPayout(context.Background(), payout.ID)
	assert.ErrorIs(t, err, ports.ErrGatewayTimeout)
}

// ==================== UpdatePayoutStatus ====================

func TestPayoutService_UpdatePayoutStatus_ProcessedCompletesTransaction(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	payout := pendingPayout(domain.PayoutStatusProcessing)
	payout.RazorpayPayoutID = strPtr("pout_1")
	txn := heldTxn()
	txn.ID = payout.TransactionID
	txn.Status = domain.TransactionStatusReleased
	txn.PayoutID = &payout.ID

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByRazorpayIDForUpdate(gomock.Any(), tx, "pout_1").Return(payout, nil)
	d.payoutRepo.EXPECT().Transition(gomock.Any(), tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, tr ports.PayoutTransition) (bool, error) {
			assert.Equal(t, domain.PayoutStatusProcessed, tr.To)
			assert.Equal(t, "UTR123", *tr.UTR)
			assert.NotNil(t, tr.ProcessedAt)
			return true, nil
		})
	d.txRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ID).Return(txn, nil)
	d.txRepo.EXPECT().Transition(gomock.Any(), tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, tr ports.TransactionTransition) (bool, error) {
			assert.Equal(t, domain.TransactionStatusCompleted, tr.To)
			assert.Equal(t, []domain.TransactionStatus{domain.TransactionStatusReleased}, tr.From)
			assert.Equal(t, domain.PayoutStatusProcessed, *tr.PayoutStatus)
			assert.Equal(t, "UTR123", *tr.PayoutUTR)
			return true, nil
		})

	err := d.svc.UpdatePayoutStatus(context.Background(), domain.PayoutStatusUpdate{
		RazorpayPayoutID: "pout_1",
		Status:           domain.PayoutStatusProcessed,
		UTR:              "UTR123",
	})
	require.NoError(t, err)
}

func TestPayoutService_UpdatePayoutStatus_FallsBackToReference(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	payout := pendingPayout(domain.PayoutStatusProcessing)
	txn := heldTxn()
	txn.ID = payout.TransactionID
	txn.Status = domain.TransactionStatusReleased
	txn.PayoutID = &payout.ID

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByRazorpayIDForUpdate(gomock.Any(), tx, "pout_late").Return(nil, nil)
	d.payoutRepo.EXPECT().GetByReferenceForUpdate(gomock.Any(), tx, payout.ReferenceID).Return(payout, nil)
	d.payoutRepo.EXPECT().Transition(gomock.Any(), tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, tr ports.PayoutTransition) (bool, error) {
			require.NotNil(t, tr.RazorpayPayoutID)
			assert.Equal(t, "pout_late", *tr.RazorpayPayoutID)
			return true, nil
		})
	d.txRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ID).Return(txn, nil)
	d.txRepo.EXPECT().SetPayoutState(gomock.Any(), tx, txn.ID, &payout.ID, domain.PayoutStatusFailed, nil).Return(nil)

	err := d.svc.UpdatePayoutStatus(context.Background(), domain.PayoutStatusUpdate{
		RazorpayPayoutID: "pout_late",
		ReferenceID:      payout.ReferenceID,
		Status:           domain.PayoutStatusFailed,
		FailureReason:    "beneficiary bank offline",
	})
	require.NoError(t, err)
}

func TestPayoutService_UpdatePayoutStatus_SameStatusIsNoop(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	payout := pendingPayout(domain.PayoutStatusProcessed)

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByRazorpayIDForUpdate(gomock.Any(), tx, "pout_1").Return(payout, nil)

	err := d.svc.UpdatePayoutStatus(context.Background(), domain.PayoutStatusUpdate{
		RazorpayPayoutID: "pout_1",
		Status:           domain.PayoutStatusProcessed,
	})
	require.NoError(t, err)
}

func TestPayoutService_UpdatePayoutStatus_Stale(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	payout := pendingPayout(domain.PayoutStatusFailed)

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByRazorpayIDForUpdate(gomock.Any(), tx, "pout_1").Return(payout, nil)

	err := d.svc.UpdatePayoutStatus(context.Background(), domain.PayoutStatusUpdate{
		RazorpayPayoutID: "pout_1",
		Status:           domain.PayoutStatusProcessed,
	})
	assert.ErrorIs(t, err, domain.ErrStaleTransition)
}

func TestPayoutService_UpdatePayoutStatus_ReversedAfterProcessed(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	payout := pendingPayout(domain.PayoutStatusProcessed)
	txn := heldTxn()
	txn.ID = payout.TransactionID
	txn.Status = domain.TransactionStatusCompleted
	txn.PayoutID = &payout.ID

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByRazorpayIDForUpdate(gomock.Any(), tx, "pout_1").Return(payout, nil)
	d.payoutRepo.EXPECT().Transition(gomock.Any(), tx, gomock.Any()).Return(true, nil)
	d.txRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ID).Return(txn, nil)
	d.txRepo.EXPECT().SetPayoutState(gomock.Any(), tx, txn.ID, &payout.ID, domain.PayoutStatusFailed, nil).Return(nil)

	err := d.svc.UpdatePayoutStatus(context.Background(), domain.PayoutStatusUpdate{
		RazorpayPayoutID: "pout_1",
		Status:           domain.PayoutStatusReversed,
	})
	require.NoError(t, err)
}

func TestPayoutService_UpdatePayoutStatus_UnknownPayout(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByRazorpayIDForUpdate(gomock.Any(), tx, "pout_x").Return(nil, nil)

	err := d.svc.UpdatePayoutStatus(context.Background(), domain.PayoutStatusUpdate{
		RazorpayPayoutID: "pout_x",
		Status:           domain.PayoutStatusProcessed,
	})
	assertAppError(t, err, apperror.CodeNotFound)
}

// ==================== Retry, reads, sweeper ====================

func TestPayoutService_RetryPayout_Success(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	failed := domain.PayoutStatusFailed
	previous := pendingPayout(domain.PayoutStatusFailed)
	txn := heldTxn()
	txn.Status = domain.TransactionStatusReleased
	txn.PayoutID = &previous.ID
	txn.PayoutStatus = &failed

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.txRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ID).Return(txn, nil)
	d.payoutRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, previous.ID).Return(previous, nil)
	d.accountRepo.EXPECT().GetActiveByFreelancerID(gomock.Any(), tx, txn.FreelancerID).Return(verifiedAccount(txn.FreelancerID), nil)
	d.payoutRepo.EXPECT().Create(gomock.Any(), tx, gomock.Any()).Return(nil)
	d.txRepo.EXPECT().AttachPayout(gomock.Any(), tx, txn.ID, gomock.Any()).Return(nil)
	d.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil)
	d.audit.EXPECT().Log(gomock.Any(), gomock.Any())

	payout, err := d.svc.RetryPayout(context.Background(), txn.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 2, payout.Attempt)
	assert.Equal(t, domain.PayoutStatusQueued, payout.Status)
	assert.NotEqual(t, previous.ID, payout.ID)
}

func TestPayoutService_RetryPayout_NotFailed(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	tx := &mockTx{}
	processing := domain.PayoutStatusProcessing
	txn := heldTxn()
	txn.Status = domain.TransactionStatusReleased
	txn.PayoutStatus = &processing

	d.transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	d.txRepo.EXPECT().GetByIDForUpdate(gomock.Any(), tx, txn.ID).Return(txn, nil)

	_, err := d.svc.RetryPayout(context.Background(), txn.ID, uuid.New())
	assertAppError(t, err, apperror.CodeInvalidState)
}

func TestPayoutService_GetPayout_NotFound(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	id := uuid.New()
	d.payoutRepo.EXPECT().GetByID(gomock.Any(), id).Return(nil, nil)

	_, err := d.svc.GetPayout(context.Background(), id)
	assertAppError(t, err, apperror.CodeNotFound)
}

func TestPayoutService_SweepStalePayouts(t *testing.T) {
	d := setupPayoutService(t)
	defer d.ctrl.Finish()

	stale := []domain.Payout{*pendingPayout(domain.PayoutStatusQueued), *pendingPayout(domain.PayoutStatusPending)}
	d.payoutRepo.EXPECT().ListStale(gomock.Any(),
		[]domain.PayoutStatus{domain.PayoutStatusQueued, domain.PayoutStatusPending},
		gomock.Any(), staleSweepLimit,
	).DoAndReturn(func(_ context.Context, _ []domain.PayoutStatus, before time.Time, _ int) ([]domain.Payout, error) {
		assert.WithinDuration(t, time.Now().Add(-5*time.Minute), before, time.Minute)
		return stale, nil
	})
	d.queue.EXPECT().Enqueue(gomock.Any(), stale[0].ID).Return(nil)
	d.queue.EXPECT().Enqueue(gomock.Any(), stale[1].ID).Return(errors.New("redis down"))

	n, err := d.svc.SweepStalePayouts(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
