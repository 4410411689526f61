// Package services – PaymentService
//
// This file implements PaymentService, which opens payment intents. An
// intent freezes the selected package (name, page count, price) at checkout
// time, carries the idempotency key used for the provider's charge-creation
// call, and enforces a velocity cap on pending intents so a stuck client
// cannot open an unbounded number of checkouts. If the provider rejects the
// charge, the intent row is deleted — a dangling pending intent would count
// against the cap forever and could never settle.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-docproc-backend/internal/cache"
	"github.com/tbourn/go-docproc-backend/internal/domain"
	"github.com/tbourn/go-docproc-backend/internal/payments"
	"github.com/tbourn/go-docproc-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChargeCreator is the slice of the provider client the PaymentService
// needs: opening a charge and obtaining its checkout URL.
type ChargeCreator interface {
	CreatePayment(ctx context.Context, req payments.CreatePaymentRequest, idempotenceKey string) (*payments.Payment, error)
}

// PaymentService opens payment intents against the credit-package catalog.
type PaymentService struct {
	DB       *gorm.DB
	Provider ChargeCreator
	Catalog  *cache.Catalog
	Ledger   *LedgerService

	// ReturnURL is shown to the user after checkout completes.
	ReturnURL string
	// MaxPendingIntents and PendingWindow define the velocity cap.
	MaxPendingIntents int
	PendingWindow     time.Duration
}

// Checkout is the result of OpenIntent: the persisted intent plus the
// provider's confirmation URL the user must visit.
type Checkout struct {
	Intent          *domain.PaymentIntent
	ConfirmationURL string
}

// OpenIntent creates a pending intent for the platform user and package,
// opens the charge with the provider, and returns the checkout. Business
// rejections: ErrPackageUnavailable, ErrTooManyPendingIntents. Provider
// failures surface as ErrCheckoutFailed after the intent row has been removed.
func (s *PaymentService) OpenIntent(ctx context.Context, externalID, packageCode string) (*Checkout, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "OpenIntent",
		trace.WithAttributes(
			attribute.String("account.external_id", externalID),
			attribute.String("package.code", packageCode),
		),
	)
	defer span.End()

	account, err := s.Ledger.GetOrCreateAccount(ctx, externalID)
	if err != nil {
		return nil, err
	}
	accountID := account.ID

	pkg, err := s.Catalog.ByCode(ctx, packageCode)
	if err != nil {
		return nil, err
	}
	if pkg == nil || !pkg.IsActive {
		return nil, ErrPackageUnavailable
	}

	since := time.Now().UTC().Add(-s.PendingWindow)
	pending, err := repo.CountPendingIntentsSince(ctx, s.DB, accountID, since)
	if err != nil {
		return nil, err
	}
	if pending >= int64(s.MaxPendingIntents) {
		return nil, ErrTooManyPendingIntents
	}

	intent := &domain.PaymentIntent{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		PackageCode:    pkg.Code,
		PackageName:    pkg.Name,
		UnitCount:      pkg.Pages,
		Amount:         pkg.Price,
		Currency:       pkg.Currency,
		IdempotencyKey: uuid.NewString(),
		Status:         domain.IntentPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := repo.CreateIntent(ctx, s.DB, intent); err != nil {
		return nil, err
	}

	payment, err := s.Provider.CreatePayment(ctx, payments.CreatePaymentRequest{
		Amount:      pkg.Price,
		Currency:    pkg.Currency,
		Description: fmt.Sprintf("%s: %d pages", pkg.Name, pkg.Pages),
		ReturnURL:   s.ReturnURL,
		Metadata: map[string]string{
			"account_id":   accountID,
			"external_id":  externalID,
			"package_code": pkg.Code,
			"intent_id":    intent.ID,
		},
	}, intent.IdempotencyKey)
	if err != nil {
		// Never leave a dangling pending intent behind a failed charge.
		if derr := repo.DeleteIntent(ctx, s.DB, intent.ID); derr != nil {
			return nil, derr
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}

	if err := repo.SetIntentProviderPaymentID(ctx, s.DB, intent.ID, payment.ID); err != nil {
		// The charge exists upstream but the intent cannot reference it, so
		// it would hang pending forever. Remove it and leave a trail for
		// manual reconciliation against the provider's payment id.
		log.Error().Err(err).
			Str("intent_id", intent.ID).
			Str("provider_payment_id", payment.ID).
			Msg("payment intent could not be bound to its charge")
		if derr := repo.DeleteIntent(ctx, s.DB, intent.ID); derr != nil {
			return nil, derr
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	intent.ProviderPaymentID = payment.ID

	return &Checkout{Intent: intent, ConfirmationURL: payment.ConfirmationURL}, nil
}

// ListPackages returns the purchasable catalog through the TTL cache.
func (s *PaymentService) ListPackages(ctx context.Context) ([]domain.CreditPackage, error) {
	return s.Catalog.Active(ctx)
}

// UpsertPackage writes a catalog entry and invalidates the cache so the
// next read observes it.
func (s *PaymentService) UpsertPackage(ctx context.Context, pkg *domain.CreditPackage) error {
	if err := repo.UpsertPackage(ctx, s.DB, pkg); err != nil {
		return err
	}
	s.Catalog.Invalidate()
	return nil
}
