// Package services – WebhookService
//
// This file implements the webhook consistency gate. Inbound provider
// notifications are never trusted on their own: a payment.succeeded event is
// settled only after the payment is read back from the provider's status API
// and its status and exact amount match the frozen intent. Settlement (intent
// flip plus ledger credit) happens in one transaction under the intent's row
// lock, so double-delivered notifications serialize and the second one sees a
// terminal intent and does nothing.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-docproc-backend/internal/domain"
	"github.com/tbourn/go-docproc-backend/internal/notify"
	"github.com/tbourn/go-docproc-backend/internal/payments"
	"github.com/tbourn/go-docproc-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PaymentReader is the slice of the provider client the gate needs: the
// authoritative status read-back.
type PaymentReader interface {
	GetPayment(ctx context.Context, paymentID string) (*payments.Payment, error)
}

// WebhookService settles payment intents from provider notifications.
type WebhookService struct {
	DB       *gorm.DB
	Provider PaymentReader
	Ledger   *LedgerService
	Notifier notify.Notifier
}

// NewWebhookService constructs a WebhookService.
func NewWebhookService(db *gorm.DB, provider PaymentReader, ledger *LedgerService, n notify.Notifier) *WebhookService {
	return &WebhookService{DB: db, Provider: provider, Ledger: ledger, Notifier: n}
}

// HandleNotification processes one parsed webhook notification.
//
// Return contract for the HTTP layer:
//   - nil: acknowledged, provider must not redeliver;
//   - ErrVerificationUnavailable: transient, provider should retry later;
//   - anything else: internal failure, also retryable.
//
// Events that are well-formed but carry no action (unknown kinds, unmatched
// payments) are acknowledged so the provider stops resending them.
func (s *WebhookService) HandleNotification(ctx context.Context, n *payments.Notification) error {
	tr := otel.Tracer("services/WebhookService")
	ctx, span := tr.Start(ctx, "HandleNotification",
		trace.WithAttributes(attribute.String("webhook.event", n.Event)),
	)
	defer span.End()

	switch {
	case n.Ignored:
		log.Info().Str("event", n.Event).Msg("webhook ignored: unhandled event")
		return nil
	case n.Refund != nil:
		return s.handleRefund(ctx, n.Refund)
	case n.Payment != nil:
		return s.handlePayment(ctx, n.Payment)
	default:
		log.Warn().Str("event", n.Event).Msg("webhook ignored: empty notification")
		return nil
	}
}

// handleRefund records the refund id; the primary-key insert is the dedup.
// Replays hit ErrDuplicate and are acknowledged silently.
func (s *WebhookService) handleRefund(ctx context.Context, r *payments.RefundNotification) error {
	err := repo.InsertRefundRecord(ctx, s.DB, r.ID, r.PaymentID)
	if errors.Is(err, repo.ErrDuplicate) {
		log.Info().
			Str("refund_id", r.ID).
			Str("payment_id", r.PaymentID).
			Msg("webhook refund replay: already processed")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().
		Str("refund_id", r.ID).
		Str("payment_id", r.PaymentID).
		Msg("webhook refund recorded")
	return nil
}

func (s *WebhookService) handlePayment(ctx context.Context, p *payments.PaymentNotification) error {
	var (
		externalID string
		credited   int
		outcome    string
	)

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		intent, err := repo.GetIntentByProviderIDForUpdate(ctx, tx, p.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// No intent references this payment: ack and move on.
				outcome = "no_matching_intent"
				return nil
			}
			return err
		}

		if intent.Terminal() {
			outcome = "already_settled"
			return nil
		}

		externalID = intentExternalID(ctx, tx, intent)

		if p.Event == payments.EventPaymentCanceled {
			if err := repo.UpdateIntentStatus(ctx, tx, intent.ID, domain.IntentCanceled); err != nil {
				return err
			}
			outcome = "canceled"
			return nil
		}

		// payment.succeeded: read back the authoritative state before any
		// money moves.
		authoritative, err := s.Provider.GetPayment(ctx, intent.ProviderPaymentID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
		}
		if authoritative.Status != payments.StatusSucceeded {
			return fmt.Errorf("%w: provider status %q", ErrVerificationFailed, authoritative.Status)
		}
		if !authoritative.Amount.Value.Round(2).Equal(intent.Amount.Round(2)) {
			return fmt.Errorf("%w: amount %s != intent %s",
				ErrVerificationFailed,
				authoritative.Amount.Value.StringFixed(2),
				intent.Amount.StringFixed(2))
		}

		if err := repo.UpdateIntentStatus(ctx, tx, intent.ID, domain.IntentSucceeded); err != nil {
			return err
		}
		// Credit exactly what was sold: the frozen snapshot, never the live
		// catalog.
		if err := s.Ledger.CreditPurchased(ctx, tx, intent.AccountID, intent.UnitCount); err != nil {
			return err
		}
		credited = intent.UnitCount
		outcome = "credited"
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrVerificationFailed) {
			// Permanent mismatch: log loudly, ack so the provider stops
			// retrying, leave the intent pending for manual review.
			log.Error().
				Err(err).
				Str("payment_id", p.ID).
				Msg("webhook payment verification failed")
			return nil
		}
		return err
	}

	log.Info().
		Str("payment_id", p.ID).
		Str("event", p.Event).
		Str("outcome", outcome).
		Int("credited", credited).
		Msg("webhook payment processed")

	if outcome == "credited" && externalID != "" {
		notify.Async(s.Notifier, externalID,
			fmt.Sprintf("Payment received. %d pages have been added to your balance.", credited))
	}
	return nil
}

// intentExternalID resolves the platform user id for post-commit
// notification. Lookup failures only cost the notification.
func intentExternalID(ctx context.Context, tx *gorm.DB, intent *domain.PaymentIntent) string {
	a, err := repo.GetAccount(ctx, tx, intent.AccountID)
	if err != nil {
		return ""
	}
	return a.ExternalID
}
