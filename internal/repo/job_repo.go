// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// ProcessingJob model.
//
// Job rows carry the quota reservation split (reserved_free/reserved_paid)
// alongside the status, so a worker redelivery or the stale-job sweep can
// always see exactly what was removed from the account and has not yet been
// consumed or refunded.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-docproc-backend/internal/domain"
)

// CreateJob inserts a pending job with its initial reservation split.
func CreateJob(ctx context.Context, db *gorm.DB, accountID, fileName, mimeType string, pageCount, reservedFree, reservedPaid int) (*domain.ProcessingJob, error) {
	j := &domain.ProcessingJob{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		FileName:     fileName,
		MimeType:     mimeType,
		PageCount:    pageCount,
		Status:       domain.JobPending,
		ReservedFree: reservedFree,
		ReservedPaid: reservedPaid,
		CreatedAt:    time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(j).Error; err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob fetches a job by primary key, or ErrNotFound.
func GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.ProcessingJob, error) {
	var j domain.ProcessingJob
	if err := db.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJobForUpdate fetches a job under an exclusive row lock. Must run inside
// a transaction. The worker and the reclaimer both go through this before
// touching a job's reservation, so a sweep and a late worker cannot both
// refund it.
func GetJobForUpdate(ctx context.Context, db *gorm.DB, id string) (*domain.ProcessingJob, error) {
	var j domain.ProcessingJob
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&j).Error
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJobStatus moves a job to a new status, optionally recording an error
// message (pass "" to clear it).
func UpdateJobStatus(ctx context.Context, db *gorm.DB, id, status, errMsg string) error {
	res := db.WithContext(ctx).
		Model(&domain.ProcessingJob{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "error_message": errMsg})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateJobReservation persists a new reservation split after a mid-job
// delta reservation or a refund.
func UpdateJobReservation(ctx context.Context, db *gorm.DB, id string, reservedFree, reservedPaid int) error {
	res := db.WithContext(ctx).
		Model(&domain.ProcessingJob{}).
		Where("id = ?", id).
		Updates(map[string]any{"reserved_free": reservedFree, "reserved_paid": reservedPaid})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CompleteJob marks a job done and stores the result text. The reservation
// split is left in place as the immutable record of consumed quota. Only jobs
// still pending/processing match: a job the reclaimer already failed keeps
// its terminal state, and the call reports ErrRecordNotFound.
func CompleteJob(ctx context.Context, db *gorm.DB, id, resultText string) error {
	res := db.WithContext(ctx).
		Model(&domain.ProcessingJob{}).
		Where("id = ? AND status IN ?", id, []string{domain.JobPending, domain.JobProcessing}).
		Updates(map[string]any{
			"status":        domain.JobDone,
			"error_message": "",
			"result_text":   resultText,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListStaleJobs returns jobs still pending/processing that were created
// before the cutoff. Terminal jobs never match, which keeps the reclaimer
// sweep idempotent per job.
func ListStaleJobs(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]domain.ProcessingJob, error) {
	var out []domain.ProcessingJob
	err := db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{domain.JobPending, domain.JobProcessing}, cutoff).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// CountJobs returns the total number of jobs owned by the account.
func CountJobs(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.ProcessingJob{}).
		Where("account_id = ?", accountID).
		Count(&total).Error
	return total, err
}

// ListJobsPage returns a paginated slice of the account's jobs, newest first.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListJobsPage(ctx context.Context, db *gorm.DB, accountID string, offset, limit int) ([]domain.ProcessingJob, error) {
	var out []domain.ProcessingJob
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
