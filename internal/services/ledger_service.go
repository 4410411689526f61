// Package services – LedgerService
//
// This file implements the LedgerService, the atomic two-tier quota ledger.
// Every balance mutation — interactive spend at submission, mid-job delta
// reservation, failure refund, payment crediting, stale-job reclaim — goes
// through the three primitives here, always inside a transaction supplied by
// the caller and always under the account's exclusive row lock. That lock is
// the serialization point that keeps concurrent spend, refund, and credit on
// one account from ever interleaving non-atomically.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// account identifiers and amounts.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-docproc-backend/internal/domain"
	"github.com/tbourn/go-docproc-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LedgerService owns account rows and their two quota tiers. Reserve,
// Release, and CreditPurchased take the caller's transaction handle so the
// balance mutation commits or rolls back together with the domain mutation
// (job or payment row) that triggered it.
type LedgerService struct {
	DB *gorm.DB

	// FreeAllowance is granted to accounts created on first contact.
	FreeAllowance int
}

// NewLedgerService constructs a LedgerService.
func NewLedgerService(db *gorm.DB, freeAllowance int) *LedgerService {
	return &LedgerService{DB: db, FreeAllowance: freeAllowance}
}

// GetOrCreateAccount returns the account for the platform user id, creating
// it with the configured free allowance on first contact.
func (s *LedgerService) GetOrCreateAccount(ctx context.Context, externalID string) (*domain.Account, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "GetOrCreateAccount",
		trace.WithAttributes(attribute.String("account.external_id", externalID)),
	)
	defer span.End()

	a, err := repo.GetAccountByExternalID(ctx, s.DB, externalID)
	if err == nil {
		return a, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	a, err = repo.CreateAccount(ctx, s.DB, externalID, s.FreeAllowance)
	if err == nil {
		return a, nil
	}
	// Lost a create race: another request inserted the row first.
	if existing, gerr := repo.GetAccountByExternalID(ctx, s.DB, externalID); gerr == nil {
		return existing, nil
	}
	return nil, err
}

// Balance returns the account's current tier balances.
func (s *LedgerService) Balance(ctx context.Context, accountID string) (free, purchased int, err error) {
	a, err := repo.GetAccount(ctx, s.DB, accountID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, 0, ErrAccountNotFound
		}
		return 0, 0, err
	}
	return a.QuotaFree, a.QuotaPurchased, nil
}

// Reserve deducts amount pages from the account, preferring the free tier
// and falling back to purchased. It must be called inside tx; the account
// row is locked FOR UPDATE, so two concurrent reservations can never jointly
// exceed the balance either of them observed.
//
// Returns the split actually taken from each tier. On insufficient total it
// returns ErrInsufficientBalance and mutates nothing.
func (s *LedgerService) Reserve(ctx context.Context, tx *gorm.DB, accountID string, amount int) (reservedFree, reservedPaid int, err error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "Reserve",
		trace.WithAttributes(
			attribute.String("account.id", accountID),
			attribute.Int("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return 0, 0, nil
	}

	a, err := repo.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, 0, ErrAccountNotFound
		}
		return 0, 0, err
	}

	if a.QuotaFree+a.QuotaPurchased < amount {
		return 0, 0, ErrInsufficientBalance
	}

	reservedFree = amount
	if reservedFree > a.QuotaFree {
		reservedFree = a.QuotaFree
	}
	reservedPaid = amount - reservedFree

	err = repo.UpdateAccountQuota(ctx, tx, accountID, a.QuotaFree-reservedFree, a.QuotaPurchased-reservedPaid)
	if err != nil {
		return 0, 0, err
	}
	return reservedFree, reservedPaid, nil
}

// Release restores a previously reserved split to its original tiers. It
// always pairs with an exact prior reservation, so no clamping is needed.
// Must be called inside tx.
func (s *LedgerService) Release(ctx context.Context, tx *gorm.DB, accountID string, free, paid int) error {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "Release",
		trace.WithAttributes(
			attribute.String("account.id", accountID),
			attribute.Int("free", free),
			attribute.Int("paid", paid),
		),
	)
	defer span.End()

	if free <= 0 && paid <= 0 {
		return nil
	}

	a, err := repo.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrAccountNotFound
		}
		return err
	}
	return repo.UpdateAccountQuota(ctx, tx, accountID, a.QuotaFree+free, a.QuotaPurchased+paid)
}

// ReleaseToFree restores pages to the free tier regardless of origin. Used
// by the stale-job reclaimer, which mirrors the provenance-less refund the
// original reclaim policy applies.
func (s *LedgerService) ReleaseToFree(ctx context.Context, tx *gorm.DB, accountID string, pages int) error {
	if pages <= 0 {
		return nil
	}
	a, err := repo.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrAccountNotFound
		}
		return err
	}
	return repo.UpdateAccountQuota(ctx, tx, accountID, a.QuotaFree+pages, a.QuotaPurchased)
}

// CreditPurchased adds units to the purchased tier. Must be called inside tx
// together with the payment-intent status flip so a crash cannot separate
// the credit from the settlement.
func (s *LedgerService) CreditPurchased(ctx context.Context, tx *gorm.DB, accountID string, units int) error {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "CreditPurchased",
		trace.WithAttributes(
			attribute.String("account.id", accountID),
			attribute.Int("units", units),
		),
	)
	defer span.End()

	if units <= 0 {
		return nil
	}
	a, err := repo.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrAccountNotFound
		}
		return err
	}
	return repo.UpdateAccountQuota(ctx, tx, accountID, a.QuotaFree, a.QuotaPurchased+units)
}

// ResetFreeTier refreshes every account's free tier to the given allowance.
// Returns the number of accounts touched.
func (s *LedgerService) ResetFreeTier(ctx context.Context, allowance int) (int64, error) {
	return repo.ResetFreeTier(ctx, s.DB, allowance)
}
