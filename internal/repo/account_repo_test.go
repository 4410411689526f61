package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func TestAccount_CreateAndLookups(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := seedAccount(t, db, "u1", 3)
	if a.QuotaFree != 3 || a.FreeResetAt == nil {
		t.Fatalf("new account = %+v", a)
	}

	byID, err := GetAccount(ctx, db, a.ID)
	if err != nil || byID.ExternalID != "u1" {
		t.Fatalf("GetAccount: %+v, %v", byID, err)
	}
	byExt, err := GetAccountByExternalID(ctx, db, "u1")
	if err != nil || byExt.ID != a.ID {
		t.Fatalf("GetAccountByExternalID: %+v, %v", byExt, err)
	}

	if _, err := GetAccount(ctx, db, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAccount_ExternalIDUnique(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "u1", 3)

	if _, err := CreateAccount(context.Background(), db, "u1", 3); err == nil {
		t.Fatalf("expected unique violation for duplicate external id")
	}
}

func TestAccount_UpdateQuota(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db, "u1", 3)

	if err := UpdateAccountQuota(ctx, db, a.ID, 1, 7); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := GetAccount(ctx, db, a.ID)
	if got.QuotaFree != 1 || got.QuotaPurchased != 7 {
		t.Fatalf("quota = (%d,%d)", got.QuotaFree, got.QuotaPurchased)
	}

	if err := UpdateAccountQuota(ctx, db, uuid.NewString(), 1, 1); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not-found for unknown account, got %v", err)
	}
}

func TestAccount_GetForUpdateInsideTx(t *testing.T) {
	db := newTestDB(t)
	a := seedAccount(t, db, "u1", 3)

	err := db.Transaction(func(tx *gorm.DB) error {
		locked, err := GetAccountForUpdate(context.Background(), tx, a.ID)
		if err != nil {
			return err
		}
		return UpdateAccountQuota(context.Background(), tx, locked.ID, locked.QuotaFree-1, locked.QuotaPurchased)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	got, _ := GetAccount(context.Background(), db, a.ID)
	if got.QuotaFree != 2 {
		t.Fatalf("QuotaFree = %d, want 2", got.QuotaFree)
	}
}

func TestAccount_ResetFreeTier(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a1 := seedAccount(t, db, "u1", 0)
	a2 := seedAccount(t, db, "u2", 1)

	n, err := ResetFreeTier(ctx, db, 5)
	if err != nil || n != 2 {
		t.Fatalf("reset = %d, %v", n, err)
	}
	for _, id := range []string{a1.ID, a2.ID} {
		got, _ := GetAccount(ctx, db, id)
		if got.QuotaFree != 5 {
			t.Fatalf("account %s free = %d", id, got.QuotaFree)
		}
	}
}
