package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-docproc-backend/internal/domain"
	"github.com/tbourn/go-docproc-backend/internal/notify"
	"github.com/tbourn/go-docproc-backend/internal/repo"
	"github.com/tbourn/go-docproc-backend/internal/services"
)

// Reclaimer is the background sweep for jobs stuck in pending/processing.
// A job older than Threshold has its recorded reservation refunded to the
// free tier and is marked failed. Terminal jobs never match the sweep query
// and each refund runs under the job's row lock, so a sweep racing a late
// worker (or a second sweep) refunds at most once.
type Reclaimer struct {
	DB       *gorm.DB
	Ledger   *services.LedgerService
	Notifier notify.Notifier

	Threshold time.Duration
	Interval  time.Duration

	// FreeResetInterval > 0 enables the periodic free-tier refresh.
	FreeResetInterval time.Duration
	FreeAllowance     int
}

// Run blocks, sweeping every Interval and refreshing the free tier every
// FreeResetInterval, until ctx is canceled.
func (r *Reclaimer) Run(ctx context.Context) {
	sweep := time.NewTicker(r.Interval)
	defer sweep.Stop()

	var reset <-chan time.Time
	if r.FreeResetInterval > 0 {
		t := time.NewTicker(r.FreeResetInterval)
		defer t.Stop()
		reset = t.C
	}

	log.Info().
		Dur("interval", r.Interval).
		Dur("threshold", r.Threshold).
		Msg("stale-job reclaimer started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n, err := r.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("stale-job sweep failed")
			} else if n > 0 {
				log.Info().Int("reclaimed", n).Msg("stale jobs reclaimed")
			}
		case <-reset:
			if n, err := r.Ledger.ResetFreeTier(ctx, r.FreeAllowance); err != nil {
				log.Error().Err(err).Msg("free-tier reset failed")
			} else {
				log.Info().Int64("accounts", n).Msg("free tier reset")
			}
		}
	}
}

// Sweep reclaims every job stuck longer than Threshold and returns how many
// were reclaimed. Failures on one job do not stop the sweep.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.Threshold)
	stale, err := repo.ListStaleJobs(ctx, r.DB, cutoff)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for i := range stale {
		job := stale[i]
		done, externalID, err := r.reclaim(ctx, job.ID)
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("reclaim failed")
			continue
		}
		if !done {
			continue
		}
		reclaimed++
		if externalID != "" {
			notify.Async(r.Notifier, externalID,
				fmt.Sprintf("Processing of %s timed out. Your reserved pages were refunded.", job.FileName))
		}
	}
	return reclaimed, nil
}

// reclaim refunds and fails one job under its row lock. done is false when
// the job had already reached a terminal state by the time the lock was
// taken.
func (r *Reclaimer) reclaim(ctx context.Context, jobID string) (done bool, externalID string, err error) {
	err = r.DB.Transaction(func(tx *gorm.DB) error {
		job, err := repo.GetJobForUpdate(ctx, tx, jobID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if job.Terminal() {
			return nil
		}

		pages := job.ReservedFree + job.ReservedPaid
		if err := r.Ledger.ReleaseToFree(ctx, tx, job.AccountID, pages); err != nil {
			return err
		}
		if err := repo.UpdateJobReservation(ctx, tx, job.ID, 0, 0); err != nil {
			return err
		}
		if err := repo.UpdateJobStatus(ctx, tx, job.ID, domain.JobError, "processing timed out"); err != nil {
			return err
		}
		done = true

		if a, err := repo.GetAccount(ctx, tx, job.AccountID); err == nil {
			externalID = a.ExternalID
		}
		return nil
	})
	return done, externalID, err
}
