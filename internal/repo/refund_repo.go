// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// RefundRecord dedup table.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-docproc-backend/internal/domain"
)

// ErrDuplicate indicates that a row with the same unique key already exists.
var ErrDuplicate = errors.New("duplicate")

// InsertRefundRecord records a processed refund notification. The refund id
// is the primary key: a second insert for the same id returns ErrDuplicate,
// which callers treat as "already handled".
func InsertRefundRecord(ctx context.Context, db *gorm.DB, refundID, paymentID string) error {
	rec := &domain.RefundRecord{
		RefundID:    refundID,
		PaymentID:   paymentID,
		ProcessedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// RefundRecordExists reports whether the refund id has been processed.
func RefundRecordExists(ctx context.Context, db *gorm.DB, refundID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.RefundRecord{}).
		Where("refund_id = ?", refundID).
		Count(&n).Error
	return n > 0, err
}

// isUniqueViolation detects unique-constraint failures across drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
