package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"marketplace-escrow/internal/core/domain"
	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/internal/metrics"
	"marketplace-escrow/internal/telemetry"
	"marketplace-escrow/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// processedEventTTL bounds how long a handled event id is remembered.
const processedEventTTL = 72 * time.Hour

// webhookService reconciles Razorpay events with local state.
type webhookService struct {
	webhookRepo ports.WebhookRepository
	orderRepo   ports.OrderRepository
	events      ports.ProcessedEventStore
	walletSvc   ports.WalletService
	escrowSvc   ports.EscrowService
	payoutSvc   ports.PayoutService
	sigSvc      ports.SignatureService
	secret      string
	log         zerolog.Logger
}

// NewWebhookService creates a new webhook reconciler.
func NewWebhookService(
	webhookRepo ports.WebhookRepository,
	orderRepo ports.OrderRepository,
	events ports.ProcessedEventStore,
	walletSvc ports.WalletService,
	escrowSvc ports.EscrowService,
	payoutSvc ports.PayoutService,
	sigSvc ports.SignatureService,
	webhookSecret string,
	log zerolog.Logger,
) ports.WebhookService {
	return &webhookService{
		webhookRepo: webhookRepo,
		orderRepo:   orderRepo,
		events:      events,
		walletSvc:   walletSvc,
		escrowSvc:   escrowSvc,
		payoutSvc:   payoutSvc,
		sigSvc:      sigSvc,
		secret:      webhookSecret,
		log:         log,
	}
}

// HandleWebhook logs, authenticates and applies one gateway event. A nil
// return acknowledges the event; any error makes the gateway redeliver it.
func (s *webhookService) HandleWebhook(ctx context.Context, body []byte, signature, eventID string) error {
	env := domain.ParseWebhookEnvelope(body)
	if eventID == "" {
		eventID = env.ID
	}
	if eventID == "" {
		sum := sha256.Sum256(body)
		eventID = "body_" + hex.EncodeToString(sum[:16])
	}

	ctx, span := telemetry.StartSpan(ctx, "webhook.handle", telemetry.Event(env.Event))
	var err error
	defer func() { telemetry.End(span, err) }()

	entry := &domain.WebhookLog{
		ID:        uuid.New(),
		EventType: env.Event,
		EventID:   eventID,
		Payload:   body,
		Signature: signature,
		CreatedAt: time.Now().UTC(),
	}
	if err = s.webhookRepo.Create(ctx, entry); err != nil {
		s.record(env.Event, "error")
		err = apperror.ErrDatabaseError(fmt.Errorf("store webhook: %w", err))
		return err
	}

	log := s.log.With().Str("event", env.Event).Str("event_id", eventID).Logger()

	if !s.sigSvc.Verify(s.secret, string(body), signature) {
		s.markFailed(ctx, entry.ID, "invalid signature")
		s.record(env.Event, "invalid_signature")
		log.Warn().Msg("webhook signature rejected")
		err = apperror.ErrInvalidSignature()
		return err
	}

	seen, serr := s.events.IsProcessed(ctx, eventID)
	if serr != nil {
		log.Warn().Err(serr).Msg("processed-event lookup failed, relying on conditional updates")
	}
	if seen {
		s.markProcessed(ctx, entry.ID)
		s.record(env.Event, "duplicate")
		log.Debug().Msg("duplicate webhook acknowledged")
		return nil
	}

	if herr := s.dispatch(ctx, env, log); herr != nil {
		s.markFailed(ctx, entry.ID, herr.Error())
		s.record(env.Event, "error")
		log.Error().Err(herr).Msg("webhook handling failed")
		err = apperror.InternalError(herr)
		return err
	}

	s.markProcessed(ctx, entry.ID)
	if _, serr := s.events.MarkProcessed(ctx, eventID, processedEventTTL); serr != nil {
		log.Warn().Err(serr).Msg("failed to set processed-event marker")
	}
	s.record(env.Event, "processed")
	return nil
}

func (s *webhookService) dispatch(ctx context.Context, env domain.WebhookEnvelope, log zerolog.Logger) error {
	switch env.Event {
	case domain.EventPaymentCaptured, domain.EventPaymentFailed:
		if env.Payload.Payment == nil {
			log.Warn().Msg("payment event without payment entity")
			return nil
		}
		return s.handlePayment(ctx, env.Event, env.Payload.Payment.Entity, log)

	case domain.EventPayoutProcessed, domain.EventPayoutFailed, domain.EventPayoutReversed:
		if env.Payload.Payout == nil {
			log.Warn().Msg("payout event without payout entity")
			return nil
		}
		return s.handlePayout(ctx, env.Event, env.Payload.Payout.Entity, log)

	default:
		log.Info().Msg("ignoring unhandled webhook event")
		return nil
	}
}

func (s *webhookService) handlePayment(ctx context.Context, event string, payment domain.PaymentEntity, log zerolog.Logger) error {
	order, err := s.orderRepo.GetByRazorpayOrderID(ctx, payment.OrderID)
	if err != nil {
		return fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		log.Warn().Str("order_id", payment.OrderID).Msg("payment event for unknown order")
		return nil
	}

	switch {
	case event == domain.EventPaymentCaptured && order.Purpose == domain.OrderPurposeWalletLoad:
		_, err = s.walletSvc.CompleteLoad(ctx, payment.OrderID, payment.ID)
	case event == domain.EventPaymentCaptured:
		err = s.escrowSvc.ConfirmCapturedPayment(ctx, payment.OrderID, payment.ID)
	case order.Purpose == domain.OrderPurposeWalletLoad:
		_, err = s.orderRepo.MarkFailed(ctx, nil, payment.OrderID, payment.ID)
	default:
		err = s.escrowSvc.MarkPaymentFailed(ctx, payment.OrderID, payment.ID, payment.ErrorDescription)
	}
	if errors.Is(err, apperror.ErrCaptureNotApplied) {
		// Funds are with the gateway but nothing local owns them; needs a refund.
		log.Error().Err(err).
			Str("order_id", payment.OrderID).
			Str("payment_id", payment.ID).
			Str("purpose", string(order.Purpose)).
			Int64("amount", payment.Amount).
			Msg("captured payment not applied")
		metrics.UnappliedCapturesTotal.WithLabelValues(string(order.Purpose)).Inc()
		return nil
	}
	return err
}

func (s *webhookService) handlePayout(ctx context.Context, event string, payout domain.PayoutEntity, log zerolog.Logger) error {
	update := domain.PayoutStatusUpdate{
		RazorpayPayoutID: payout.ID,
		ReferenceID:      payout.ReferenceID,
		UTR:              payout.UTR,
	}
	switch event {
	case domain.EventPayoutProcessed:
		update.Status = domain.PayoutStatusProcessed
	case domain.EventPayoutFailed:
		update.Status = domain.PayoutStatusFailed
		update.FailureReason = payout.Reason()
	case domain.EventPayoutReversed:
		update.Status = domain.PayoutStatusReversed
		update.FailureReason = payout.Reason()
	}

	err := s.payoutSvc.UpdatePayoutStatus(ctx, update)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrStaleTransition):
		log.Warn().Err(err).Str("payout_id", payout.ID).Msg("stale payout event acknowledged")
		return nil
	case apperror.HasCode(err, apperror.CodeNotFound):
		log.Warn().Str("payout_id", payout.ID).Str("reference_id", payout.ReferenceID).Msg("payout event for unknown payout")
		return nil
	default:
		return err
	}
}

func (s *webhookService) markProcessed(ctx context.Context, id uuid.UUID) {
	if err := s.webhookRepo.MarkProcessed(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("webhook_id", id.String()).Msg("failed to mark webhook processed")
	}
}

func (s *webhookService) markFailed(ctx context.Context, id uuid.UUID, reason string) {
	if err := s.webhookRepo.MarkFailed(ctx, id, reason); err != nil {
		s.log.Warn().Err(err).Str("webhook_id", id.String()).Msg("failed to mark webhook failed")
	}
}

func (s *webhookService) record(event, result string) {
	if event == "" {
		event = "unknown"
	}
	metrics.WebhooksTotal.WithLabelValues(event, result).Inc()
}
