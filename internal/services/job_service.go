// Package services – JobService
//
// This file implements job submission and read access. Submission reserves
// one page (the pre-analysis minimum) and creates the job row in the same
// transaction, so a crash can never leave a reservation without a job to
// refund it from. The worker later reserves the delta once the true page
// count is known.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-docproc-backend/internal/domain"
	"github.com/tbourn/go-docproc-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Enqueuer hands a persisted job and its page payloads to the processing
// queue. Page content travels on the queue message, not in the job row.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobID string, pages []string) error
}

// JobService submits documents for processing and serves job reads.
type JobService struct {
	DB     *gorm.DB
	Ledger *LedgerService
	Queue  Enqueuer

	// MaxPages is the hard cap on pages per submitted document.
	MaxPages int
	// IdempotencyTTL bounds how long a submission key replays the same job.
	IdempotencyTTL time.Duration
}

// NewJobService constructs a JobService.
func NewJobService(db *gorm.DB, ledger *LedgerService, queue Enqueuer, maxPages int, idemTTL time.Duration) *JobService {
	return &JobService{DB: db, Ledger: ledger, Queue: queue, MaxPages: maxPages, IdempotencyTTL: idemTTL}
}

// SubmitInput describes one submission.
type SubmitInput struct {
	ExternalID     string
	FileName       string
	MimeType       string
	Pages          []string
	IdempotencyKey string
}

// Submit reserves the up-front page, persists the job, and enqueues it.
// Returns ErrInsufficientBalance when the account cannot cover even one page
// and ErrEmptyDocument when no file name is supplied.
//
// When an idempotency key is supplied, a replay within the TTL returns the
// previously created job without reserving again.
func (s *JobService) Submit(ctx context.Context, in SubmitInput) (*domain.ProcessingJob, error) {
	tr := otel.Tracer("services/JobService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(attribute.String("account.external_id", in.ExternalID)),
	)
	defer span.End()

	if len(in.Pages) == 0 {
		return nil, ErrEmptyDocument
	}
	if s.MaxPages > 0 && len(in.Pages) > s.MaxPages {
		return nil, ErrTooManyPages
	}

	account, err := s.Ledger.GetOrCreateAccount(ctx, in.ExternalID)
	if err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" {
		rec, err := repo.GetIdempotency(ctx, s.DB, account.ID, in.IdempotencyKey, time.Now().UTC())
		if err == nil && rec.JobID != "" {
			return repo.GetJob(ctx, s.DB, rec.JobID)
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	var job *domain.ProcessingJob
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		free, paid, err := s.Ledger.Reserve(ctx, tx, account.ID, 1)
		if err != nil {
			return err
		}
		job, err = repo.CreateJob(ctx, tx, account.ID, in.FileName, in.MimeType, len(in.Pages), free, paid)
		return err
	})
	if err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" {
		if _, err := repo.CreateIdempotency(ctx, s.DB, account.ID, in.IdempotencyKey, job.ID, 0, s.IdempotencyTTL); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("idempotency record write failed")
		}
	}

	if err := s.Queue.EnqueueJob(ctx, job.ID, in.Pages); err != nil {
		// The job never reached the queue: refund the up-front page and
		// terminate the job so the reservation cannot leak.
		ferr := s.DB.Transaction(func(tx *gorm.DB) error {
			locked, err := repo.GetJobForUpdate(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			if err := s.Ledger.Release(ctx, tx, locked.AccountID, locked.ReservedFree, locked.ReservedPaid); err != nil {
				return err
			}
			if err := repo.UpdateJobReservation(ctx, tx, locked.ID, 0, 0); err != nil {
				return err
			}
			return repo.UpdateJobStatus(ctx, tx, locked.ID, domain.JobError, "enqueue failed")
		})
		if ferr != nil {
			log.Error().Err(ferr).Str("job_id", job.ID).Msg("enqueue-failure refund failed")
		}
		return nil, err
	}

	log.Info().
		Str("job_id", job.ID).
		Str("account_id", account.ID).
		Str("file_name", in.FileName).
		Msg("job submitted")
	return job, nil
}

// GetJob returns a job owned by the given platform user. Jobs belonging to
// other accounts surface as ErrJobNotFound, not as a permission error.
func (s *JobService) GetJob(ctx context.Context, externalID, jobID string) (*domain.ProcessingJob, error) {
	account, err := repo.GetAccountByExternalID(ctx, s.DB, externalID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	job, err := repo.GetJob(ctx, s.DB, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if job.AccountID != account.ID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns one page of the user's jobs, newest first, plus the total.
func (s *JobService) ListJobs(ctx context.Context, externalID string, page, pageSize int) ([]domain.ProcessingJob, int64, error) {
	account, err := repo.GetAccountByExternalID(ctx, s.DB, externalID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []domain.ProcessingJob{}, 0, nil
		}
		return nil, 0, err
	}
	total, err := repo.CountJobs(ctx, s.DB, account.ID)
	if err != nil {
		return nil, 0, err
	}
	jobs, err := repo.ListJobsPage(ctx, s.DB, account.ID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}
