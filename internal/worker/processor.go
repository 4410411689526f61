package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-docproc-backend/internal/domain"
	"github.com/tbourn/go-docproc-backend/internal/notify"
	"github.com/tbourn/go-docproc-backend/internal/repo"
	"github.com/tbourn/go-docproc-backend/internal/services"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PageClass is the analyzer's verdict for one page.
type PageClass int

const (
	// PageCheap means the page already carries usable extracted text.
	PageCheap PageClass = iota
	// PageExpensive means the page needs full recognition and is billed.
	PageExpensive
)

// Analyzer classifies a page as cheap or expensive before any quota beyond
// the up-front page is reserved.
type Analyzer interface {
	Classify(ctx context.Context, page string) (PageClass, error)
}

// Recognizer runs full recognition on one expensive page.
type Recognizer interface {
	Recognize(ctx context.Context, page string) (string, error)
}

// LengthAnalyzer classifies by extracted-text length: pages that already
// carry at least MinTextLen characters of text are cheap.
type LengthAnalyzer struct {
	MinTextLen int
}

// Classify implements Analyzer.
func (a LengthAnalyzer) Classify(_ context.Context, page string) (PageClass, error) {
	if len(strings.TrimSpace(page)) >= a.MinTextLen {
		return PageCheap, nil
	}
	return PageExpensive, nil
}

// PassthroughRecognizer is the no-engine fallback: it returns the extracted
// text as-is. Real deployments inject an OCR engine implementation instead.
type PassthroughRecognizer struct{}

// Recognize implements Recognizer.
func (PassthroughRecognizer) Recognize(ctx context.Context, page string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(page), nil
}

// OutcomeKind tags the orchestrator's result for the queue runtime.
type OutcomeKind int

const (
	// OutcomeCompleted means the job reached a terminal state; ack.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeRetry means a transient failure; redeliver after Backoff.
	OutcomeRetry
	// OutcomeTerminal means a permanent failure already recorded on the
	// job; ack so the message is not redelivered.
	OutcomeTerminal
)

// Outcome is what Process hands back to the queue layer.
type Outcome struct {
	Kind    OutcomeKind
	Backoff time.Duration
	Err     error
}

func completed() Outcome         { return Outcome{Kind: OutcomeCompleted} }
func terminal(err error) Outcome { return Outcome{Kind: OutcomeTerminal, Err: err} }

func retry(b time.Duration, err error) Outcome {
	return Outcome{Kind: OutcomeRetry, Backoff: b, Err: err}
}

// Processor orchestrates one document job end to end: status re-read,
// pre-analysis, delta reservation, per-page recognition, completion, and the
// failure paths that refund the reservation.
type Processor struct {
	DB         *gorm.DB
	Ledger     *services.LedgerService
	Notifier   notify.Notifier
	Analyzer   Analyzer
	Recognizer Recognizer

	OCRTimeout time.Duration
	MaxPages   int
	MaxDeliver int
	RetryBase  time.Duration
	RetryCap   time.Duration
}

// Process runs one delivery of one job. delivery is 1-based; when a
// transient failure occurs on the last allowed delivery the reservation is
// refunded and the job is marked failed instead of retried.
func (p *Processor) Process(ctx context.Context, jobID string, pages []string, delivery int) Outcome {
	tr := otel.Tracer("worker/Processor")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.Int("job.delivery", delivery),
		),
	)
	defer span.End()

	job, err := repo.GetJob(ctx, p.DB, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Message outlived its job row. Nothing to refund, nothing to do.
			return terminal(fmt.Errorf("job %s not found", jobID))
		}
		return p.transient(ctx, jobID, delivery, err)
	}
	if job.Terminal() {
		// Redelivery of an already settled job: the reservation has been
		// consumed or refunded, never spend again.
		return completed()
	}

	if job.Status != domain.JobProcessing {
		if err := repo.UpdateJobStatus(ctx, p.DB, job.ID, domain.JobProcessing, ""); err != nil {
			return p.transient(ctx, jobID, delivery, err)
		}
	}

	externalID := p.jobExternalID(ctx, job)

	if p.MaxPages > 0 && len(pages) > p.MaxPages {
		return p.failPermanently(ctx, job, externalID,
			fmt.Sprintf("document has %d pages, limit is %d", len(pages), p.MaxPages))
	}

	classes := make([]PageClass, len(pages))
	expensive := 0
	for i, page := range pages {
		c, err := p.Analyzer.Classify(ctx, page)
		if err != nil {
			return p.transient(ctx, jobID, delivery, fmt.Errorf("classify page %d: %w", i+1, err))
		}
		classes[i] = c
		if c == PageExpensive {
			expensive++
		}
	}

	trueCost := expensive
	if trueCost < 1 {
		trueCost = 1
	}

	shortfall, err := p.reserveDelta(ctx, job.ID, trueCost)
	if err != nil {
		return p.transient(ctx, jobID, delivery, err)
	}
	if shortfall {
		notify.Async(p.Notifier, externalID,
			fmt.Sprintf("Not enough balance for this document (%d pages needed). Your reserved pages were refunded.", trueCost))
		return terminal(services.ErrInsufficientBalance)
	}

	parts := make([]string, len(pages))
	for i, page := range pages {
		if classes[i] == PageCheap {
			parts[i] = page
			continue
		}
		text, err := p.recognizePage(ctx, page)
		if err != nil {
			// A failed page degrades inline; it never fails the document.
			log.Warn().Err(err).Str("job_id", job.ID).Int("page", i+1).Msg("page recognition failed")
			parts[i] = fmt.Sprintf("[page %d: recognition failed]", i+1)
			continue
		}
		parts[i] = text
	}
	result := strings.Join(parts, "\n\n")

	// Completion runs under the job's row lock. The stale-job sweep may have
	// refunded the reservation while pages were being recognized; completing
	// on top of that would hand out the work for free.
	reclaimed := false
	err = p.DB.Transaction(func(tx *gorm.DB) error {
		locked, err := repo.GetJobForUpdate(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if locked.Terminal() {
			reclaimed = true
			return nil
		}
		return repo.CompleteJob(ctx, tx, locked.ID, result)
	})
	if err != nil {
		return p.transient(ctx, jobID, delivery, err)
	}
	if reclaimed {
		log.Warn().Str("job_id", job.ID).Msg("job reclaimed during processing, result discarded")
		return completed()
	}

	log.Info().
		Str("job_id", job.ID).
		Int("pages", len(pages)).
		Int("billed", trueCost).
		Msg("job completed")
	notify.Async(p.Notifier, externalID, resultMessage(job.FileName, result))
	return completed()
}

// reserveDelta brings the job's reservation up to trueCost pages. On an
// insufficient balance it refunds the entire reservation, marks the job
// failed, and reports shortfall=true.
func (p *Processor) reserveDelta(ctx context.Context, jobID string, trueCost int) (shortfall bool, err error) {
	err = p.DB.Transaction(func(tx *gorm.DB) error {
		job, err := repo.GetJobForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		held := job.ReservedFree + job.ReservedPaid
		delta := trueCost - held
		if delta <= 0 {
			return nil
		}

		free, paid, err := p.Ledger.Reserve(ctx, tx, job.AccountID, delta)
		if errors.Is(err, services.ErrInsufficientBalance) {
			// All or nothing: give back what submission already took.
			if rerr := p.Ledger.Release(ctx, tx, job.AccountID, job.ReservedFree, job.ReservedPaid); rerr != nil {
				return rerr
			}
			if rerr := repo.UpdateJobReservation(ctx, tx, job.ID, 0, 0); rerr != nil {
				return rerr
			}
			if rerr := repo.UpdateJobStatus(ctx, tx, job.ID, domain.JobError,
				fmt.Sprintf("insufficient balance: %d pages required", trueCost)); rerr != nil {
				return rerr
			}
			shortfall = true
			return nil
		}
		if err != nil {
			return err
		}
		return repo.UpdateJobReservation(ctx, tx, job.ID, job.ReservedFree+free, job.ReservedPaid+paid)
	})
	return shortfall, err
}

// recognizePage runs the recognizer with the per-page timeout.
func (p *Processor) recognizePage(ctx context.Context, page string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.OCRTimeout)
	defer cancel()
	return p.Recognizer.Recognize(ctx, page)
}

// transient classifies an infrastructure failure: retry with bounded
// exponential backoff until deliveries are exhausted, then refund the
// reservation and fail the job permanently.
func (p *Processor) transient(ctx context.Context, jobID string, delivery int, cause error) Outcome {
	if delivery < p.MaxDeliver {
		return retry(p.backoff(delivery), cause)
	}

	refunded := false
	externalID := ""
	err := p.DB.Transaction(func(tx *gorm.DB) error {
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
		if err := p.Ledger.Release(ctx, tx, job.AccountID, job.ReservedFree, job.ReservedPaid); err != nil {
			return err
		}
		if err := repo.UpdateJobReservation(ctx, tx, job.ID, 0, 0); err != nil {
			return err
		}
		if err := repo.UpdateJobStatus(ctx, tx, job.ID, domain.JobError, "processing failed: "+cause.Error()); err != nil {
			return err
		}
		refunded = true
		if a, err := repo.GetAccount(ctx, tx, job.AccountID); err == nil {
			externalID = a.ExternalID
		}
		return nil
	})
	if err != nil {
		// Refund did not stick; keep the message alive for one more pass.
		return retry(p.RetryCap, err)
	}
	if refunded {
		notify.Async(p.Notifier, externalID,
			"Your document could not be processed. Your reserved pages were refunded.")
	}
	return terminal(fmt.Errorf("retries exhausted: %w", cause))
}

// failPermanently refunds the reservation and marks the job failed with the
// given reason. Used for permanent rejections like the page cap.
func (p *Processor) failPermanently(ctx context.Context, job *domain.ProcessingJob, externalID, reason string) Outcome {
	err := p.DB.Transaction(func(tx *gorm.DB) error {
		locked, err := repo.GetJobForUpdate(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if locked.Terminal() {
			return nil
		}
		if err := p.Ledger.Release(ctx, tx, locked.AccountID, locked.ReservedFree, locked.ReservedPaid); err != nil {
			return err
		}
		if err := repo.UpdateJobReservation(ctx, tx, locked.ID, 0, 0); err != nil {
			return err
		}
		return repo.UpdateJobStatus(ctx, tx, locked.ID, domain.JobError, reason)
	})
	if err != nil {
		return retry(p.RetryBase, err)
	}
	notify.Async(p.Notifier, externalID, "Your document could not be processed: "+reason)
	return terminal(errors.New(reason))
}

// backoff computes the delay before redelivery n+1 (delivery is 1-based),
// doubling from RetryBase and capped at RetryCap.
func (p *Processor) backoff(delivery int) time.Duration {
	d := p.RetryBase
	for i := 1; i < delivery; i++ {
		d *= 2
		if d >= p.RetryCap {
			return p.RetryCap
		}
	}
	if d > p.RetryCap {
		return p.RetryCap
	}
	return d
}

// jobExternalID resolves the owner's platform id for notifications.
func (p *Processor) jobExternalID(ctx context.Context, job *domain.ProcessingJob) string {
	a, err := repo.GetAccount(ctx, p.DB, job.AccountID)
	if err != nil {
		return ""
	}
	return a.ExternalID
}

// resultMessage renders the completion notification: short results inline,
// long ones announced only.
func resultMessage(fileName, result string) string {
	const inlineLimit = 3500
	if len(result) <= inlineLimit {
		return fmt.Sprintf("Done: %s\n\n%s", fileName, result)
	}
	return fmt.Sprintf("Done: %s. The recognized text is ready (%d characters); fetch it from your job history.", fileName, len(result))
}
