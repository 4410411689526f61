// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Account
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When an account is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// The single correctness-critical helper is GetAccountForUpdate: every
// balance mutation in the service layer loads the account through it inside
// a transaction, so concurrent spend/refund/credit on one account serialize
// on the row lock.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-docproc-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateAccount inserts a new Account row for the given external user id with
// the configured free-tier allowance. The account ID is a randomly generated
// UUID and CreatedAt is set to UTC.
func CreateAccount(ctx context.Context, db *gorm.DB, externalID string, freeAllowance int) (*domain.Account, error) {
	now := time.Now().UTC()
	a := &domain.Account{
		ID:          uuid.NewString(),
		ExternalID:  externalID,
		QuotaFree:   freeAllowance,
		FreeResetAt: &now,
		CreatedAt:   now,
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// GetAccount fetches an account by its primary key, or ErrNotFound.
func GetAccount(ctx context.Context, db *gorm.DB, id string) (*domain.Account, error) {
	var a domain.Account
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccountByExternalID fetches an account by the consuming platform's user
// id, or ErrNotFound.
func GetAccountByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Account, error) {
	var a domain.Account
	if err := db.WithContext(ctx).Where("external_id = ?", externalID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccountForUpdate fetches an account by primary key under an exclusive
// row lock. Must be called inside a transaction; the lock is held until that
// transaction commits or rolls back.
func GetAccountForUpdate(ctx context.Context, db *gorm.DB, id string) (*domain.Account, error) {
	var a domain.Account
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAccountQuota persists new tier balances for an account. Intended to
// be called inside the same transaction that loaded the row FOR UPDATE.
func UpdateAccountQuota(ctx context.Context, db *gorm.DB, id string, free, purchased int) error {
	res := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(map[string]any{"quota_free": free, "quota_purchased": purchased})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ResetFreeTier sets every account's free tier to the given allowance and
// stamps FreeResetAt. Returns the number of rows updated.
func ResetFreeTier(ctx context.Context, db *gorm.DB, allowance int) (int64, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("1 = 1").
		Updates(map[string]any{"quota_free": allowance, "free_reset_at": now})
	return res.RowsAffected, res.Error
}
