// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// PaymentIntent model.
//
// Intents are written at checkout time with a frozen package snapshot and
// settled exclusively through the webhook path, which loads them FOR UPDATE
// by the provider's payment id so double-delivered notifications serialize
// on the row lock.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-docproc-backend/internal/domain"
)

// CreateIntent inserts a pending PaymentIntent. The caller supplies the
// fully-populated struct (id, account, frozen snapshot, idempotency key).
func CreateIntent(ctx context.Context, db *gorm.DB, intent *domain.PaymentIntent) error {
	return db.WithContext(ctx).Create(intent).Error
}

// DeleteIntent removes an intent by primary key. Used when the provider's
// charge-creation call fails so no dangling pending intent remains.
func DeleteIntent(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Delete(&domain.PaymentIntent{}, "id = ?", id).Error
}

// SetIntentProviderPaymentID records the id the provider assigned to the
// charge once checkout creation succeeds.
func SetIntentProviderPaymentID(ctx context.Context, db *gorm.DB, id, providerPaymentID string) error {
	res := db.WithContext(ctx).
		Model(&domain.PaymentIntent{}).
		Where("id = ?", id).
		Update("provider_payment_id", providerPaymentID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountPendingIntentsSince returns how many pending intents the account has
// created after the given instant. Backs the checkout velocity cap.
func CountPendingIntentsSince(ctx context.Context, db *gorm.DB, accountID string, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.PaymentIntent{}).
		Where("account_id = ? AND status = ? AND created_at >= ?", accountID, domain.IntentPending, since).
		Count(&n).Error
	return n, err
}

// GetIntentByProviderIDForUpdate locates an intent by the provider's payment
// id under an exclusive row lock. Must run inside a transaction. Returns
// ErrNotFound when no intent references the payment.
func GetIntentByProviderIDForUpdate(ctx context.Context, db *gorm.DB, providerPaymentID string) (*domain.PaymentIntent, error) {
	var p domain.PaymentIntent
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_payment_id = ?", providerPaymentID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateIntentStatus moves an intent to a new status. State-machine
// enforcement (pending-only transitions) lives in the service layer, which
// holds the row lock when calling this.
func UpdateIntentStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	res := db.WithContext(ctx).
		Model(&domain.PaymentIntent{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
