package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-docproc-backend/internal/domain"
	"github.com/tbourn/go-docproc-backend/internal/repo"
)

// fakeQueue records enqueued jobs and optionally fails.
type fakeQueue struct {
	jobIDs []string
	pages  [][]string
	err    error
}

func (f *fakeQueue) EnqueueJob(_ context.Context, jobID string, pages []string) error {
	if f.err != nil {
		return f.err
	}
	f.jobIDs = append(f.jobIDs, jobID)
	f.pages = append(f.pages, pages)
	return nil
}

func TestJob_Submit_ReservesUpFrontPage(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedgerService(db, 3)
	queue := &fakeQueue{}
	svc := NewJobService(db, ledger, queue, 100, time.Hour)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitInput{
		ExternalID: "u1",
		FileName:   "scan.pdf",
		MimeType:   "application/pdf",
		Pages:      []string{"p1", "p2"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != domain.JobPending {
		t.Fatalf("status = %q, want pending", job.Status)
	}
	if job.ReservedFree != 1 || job.ReservedPaid != 0 {
		t.Fatalf("reservation = (%d,%d), want (1,0)", job.ReservedFree, job.ReservedPaid)
	}
	if job.PageCount != 2 {
		t.Fatalf("page count = %d, want 2", job.PageCount)
	}

	f, p, _ := ledger.Balance(ctx, job.AccountID)
	if f != 2 || p != 0 {
		t.Fatalf("balances = (%d,%d), want (2,0)", f, p)
	}

	if len(queue.jobIDs) != 1 || queue.jobIDs[0] != job.ID {
		t.Fatalf("enqueued = %v", queue.jobIDs)
	}
	if len(queue.pages[0]) != 2 {
		t.Fatalf("page payload = %v", queue.pages[0])
	}
}

func TestJob_Submit_EmptyDocument(t *testing.T) {
	db := newTestDB(t)
	svc := NewJobService(db, NewLedgerService(db, 3), &fakeQueue{}, 100, time.Hour)

	_, err := svc.Submit(context.Background(), SubmitInput{ExternalID: "u1", FileName: "x.pdf"})
	if !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
}

func TestJob_Submit_TooManyPages(t *testing.T) {
	db := newTestDB(t)
	svc := NewJobService(db, NewLedgerService(db, 3), &fakeQueue{}, 2, time.Hour)

	_, err := svc.Submit(context.Background(), SubmitInput{
		ExternalID: "u1",
		FileName:   "x.pdf",
		Pages:      []string{"a", "b", "c"},
	})
	if !errors.Is(err, ErrTooManyPages) {
		t.Fatalf("expected ErrTooManyPages, got %v", err)
	}
}

func TestJob_Submit_InsufficientBalance(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedgerService(db, 0) // no free allowance, nothing purchased
	queue := &fakeQueue{}
	svc := NewJobService(db, ledger, queue, 100, time.Hour)

	_, err := svc.Submit(context.Background(), SubmitInput{
		ExternalID: "u1",
		FileName:   "x.pdf",
		Pages:      []string{"a"},
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(queue.jobIDs) != 0 {
		t.Fatalf("nothing should be enqueued on a failed reserve")
	}
}

func TestJob_Submit_IdempotentReplay(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedgerService(db, 3)
	queue := &fakeQueue{}
	svc := NewJobService(db, ledger, queue, 100, time.Hour)
	ctx := context.Background()

	in := SubmitInput{
		ExternalID:     "u1",
		FileName:       "scan.pdf",
		Pages:          []string{"p1"},
		IdempotencyKey: "k-1",
	}
	first, err := svc.Submit(ctx, in)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.Submit(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("replay created a new job: %s vs %s", second.ID, first.ID)
	}
	if len(queue.jobIDs) != 1 {
		t.Fatalf("replay enqueued again: %v", queue.jobIDs)
	}

	// Only one page was ever reserved.
	f, _, _ := ledger.Balance(ctx, first.AccountID)
	if f != 2 {
		t.Fatalf("free = %d, want 2 after replay", f)
	}
}

func TestJob_Submit_EnqueueFailureRefunds(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedgerService(db, 3)
	queue := &fakeQueue{err: errors.New("broker down")}
	svc := NewJobService(db, ledger, queue, 100, time.Hour)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitInput{
		ExternalID: "u1",
		FileName:   "scan.pdf",
		Pages:      []string{"p1"},
	})
	if err == nil {
		t.Fatalf("expected enqueue error to surface")
	}

	account, err := repo.GetAccountByExternalID(ctx, db, "u1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	f, p, _ := ledger.Balance(ctx, account.ID)
	if f != 3 || p != 0 {
		t.Fatalf("balances = (%d,%d), want full refund (3,0)", f, p)
	}

	jobs, err := repo.ListJobsPage(ctx, db, account.ID, 0, 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %v err = %v", jobs, err)
	}
	if jobs[0].Status != domain.JobError || jobs[0].ReservedFree != 0 || jobs[0].ReservedPaid != 0 {
		t.Fatalf("job not terminated cleanly: %+v", jobs[0])
	}
}

func TestJob_GetJob_OwnershipHidden(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedgerService(db, 3)
	svc := NewJobService(db, ledger, &fakeQueue{}, 100, time.Hour)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitInput{ExternalID: "u1", FileName: "a.pdf", Pages: []string{"p"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := svc.GetJob(ctx, "u1", job.ID); err != nil {
		t.Fatalf("owner read: %v", err)
	}

	// Another user sees not-found, never a permission error.
	if _, err := svc.GetJob(ctx, "u2", job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for foreign job, got %v", err)
	}
	if _, err := svc.GetJob(ctx, "u1", "no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for missing job, got %v", err)
	}
}

func TestJob_ListJobs_NewestFirstAndUnknownUserEmpty(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedgerService(db, 10)
	svc := NewJobService(db, ledger, &fakeQueue{}, 100, time.Hour)
	ctx := context.Background()

	account, _ := ledger.GetOrCreateAccount(ctx, "u1")
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		j, err := repo.CreateJob(ctx, db, account.ID, "f.pdf", "", 1, 1, 0)
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		db.Model(&domain.ProcessingJob{}).
			Where("id = ?", j.ID).
			Update("created_at", base.Add(time.Duration(i)*time.Minute))
	}

	jobs, total, err := svc.ListJobs(ctx, "u1", 1, 2)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 3 || len(jobs) != 2 {
		t.Fatalf("total=%d len=%d, want 3/2", total, len(jobs))
	}
	if !jobs[0].CreatedAt.After(jobs[1].CreatedAt) {
		t.Fatalf("expected newest first: %v then %v", jobs[0].CreatedAt, jobs[1].CreatedAt)
	}

	jobs, total, err = svc.ListJobs(ctx, "stranger", 1, 10)
	if err != nil || total != 0 || len(jobs) != 0 {
		t.Fatalf("unknown user: jobs=%v total=%d err=%v", jobs, total, err)
	}
}
