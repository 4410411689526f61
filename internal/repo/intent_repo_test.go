package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-docproc-backend/internal/domain"
)

func newIntent(accountID string) *domain.PaymentIntent {
	return &domain.PaymentIntent{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		PackageCode:    "pages_50",
		PackageName:    "Standard",
		UnitCount:      50,
		Amount:         decimal.RequireFromString("399.00"),
		Currency:       "RUB",
		IdempotencyKey: uuid.NewString(),
		Status:         domain.IntentPending,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestIntent_CreateAndDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db, "u1", 0)

	intent := newIntent(a.ID)
	if err := CreateIntent(ctx, db, intent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := DeleteIntent(ctx, db, intent.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	n, err := CountPendingIntentsSince(ctx, db, a.ID, time.Now().UTC().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("count after delete = %d, %v", n, err)
	}
}

func TestIntent_CountPendingWindow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db, "u1", 0)

	recent := newIntent(a.ID)
	if err := CreateIntent(ctx, db, recent); err != nil {
		t.Fatalf("create: %v", err)
	}

	old := newIntent(a.ID)
	if err := CreateIntent(ctx, db, old); err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Model(&domain.PaymentIntent{}).
		Where("id = ?", old.ID).
		Update("created_at", time.Now().UTC().Add(-2*time.Hour))

	settled := newIntent(a.ID)
	settled.Status = domain.IntentSucceeded
	if err := CreateIntent(ctx, db, settled); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Only the recent, still-pending intent is inside the window.
	n, err := CountPendingIntentsSince(ctx, db, a.ID, time.Now().UTC().Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v, want 1", n, err)
	}
}

func TestIntent_ProviderIDBindingAndStatusFlip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db, "u1", 0)

	intent := newIntent(a.ID)
	if err := CreateIntent(ctx, db, intent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := SetIntentProviderPaymentID(ctx, db, intent.ID, "pay-7"); err != nil {
		t.Fatalf("bind provider id: %v", err)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		got, err := GetIntentByProviderIDForUpdate(ctx, tx, "pay-7")
		if err != nil {
			return err
		}
		if got.ID != intent.ID {
			t.Fatalf("wrong intent: %s", got.ID)
		}
		return UpdateIntentStatus(ctx, tx, got.ID, domain.IntentSucceeded)
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		got, err := GetIntentByProviderIDForUpdate(ctx, tx, "pay-7")
		if err != nil {
			return err
		}
		if !got.Terminal() {
			t.Fatalf("status = %q, want terminal", got.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := GetIntentByProviderIDForUpdate(ctx, tx, "no-such-payment")
		return err
	})
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestIntent_UpdateStatusUnknownID(t *testing.T) {
	db := newTestDB(t)
	err := UpdateIntentStatus(context.Background(), db, uuid.NewString(), domain.IntentCanceled)
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
