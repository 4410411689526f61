// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// CreditPackage catalog.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-docproc-backend/internal/domain"
)

// ListActivePackages returns the purchasable catalog ordered for display.
func ListActivePackages(ctx context.Context, db *gorm.DB) ([]domain.CreditPackage, error) {
	var out []domain.CreditPackage
	err := db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("sort_order asc, pages asc").
		Find(&out).Error
	return out, err
}

// GetPackageByCode fetches a catalog entry by its unique code, active or
// not, or ErrNotFound.
func GetPackageByCode(ctx context.Context, db *gorm.DB, code string) (*domain.CreditPackage, error) {
	var p domain.CreditPackage
	if err := db.WithContext(ctx).Where("code = ?", code).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPackage inserts or updates a catalog entry keyed by code.
func UpsertPackage(ctx context.Context, db *gorm.DB, pkg *domain.CreditPackage) error {
	var existing domain.CreditPackage
	err := db.WithContext(ctx).Where("code = ?", pkg.Code).First(&existing).Error
	if err == nil {
		pkg.ID = existing.ID
		return db.WithContext(ctx).Save(pkg).Error
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	return db.WithContext(ctx).Create(pkg).Error
}
