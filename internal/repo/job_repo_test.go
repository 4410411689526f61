package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-docproc-backend/internal/domain"
)

func TestJob_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db, "u1", 3)

	j, err := CreateJob(ctx, db, a.ID, "scan.pdf", "application/pdf", 4, 1, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.Status != domain.JobPending || j.PageCount != 4 {
		t.Fatalf("job = %+v", j)
	}

	got, err := GetJob(ctx, db, j.ID)
	if err != nil || got.FileName != "scan.pdf" {
		t.Fatalf("get: %+v, %v", got, err)
	}

	if _, err := GetJob(ctx, db, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJob_StatusReservationAndCompletion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db, "u1", 3)
	j, _ := CreateJob(ctx, db, a.ID, "scan.pdf", "", 2, 1, 0)

	if err := UpdateJobStatus(ctx, db, j.ID, domain.JobProcessing, ""); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := UpdateJobReservation(ctx, db, j.ID, 1, 1); err != nil {
		t.Fatalf("reservation: %v", err)
	}
	if err := CompleteJob(ctx, db, j.ID, "recognized text"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := GetJob(ctx, db, j.ID)
	if got.Status != domain.JobDone || got.ResultText != "recognized text" {
		t.Fatalf("job = %+v", got)
	}
	// Completion keeps the reservation split as the consumption record.
	if got.ReservedFree != 1 || got.ReservedPaid != 1 {
		t.Fatalf("reservation = (%d,%d)", got.ReservedFree, got.ReservedPaid)
	}
}

func TestJob_CompleteAfterTerminalState_DoesNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db, "u1", 3)
	j, _ := CreateJob(ctx, db, a.ID, "scan.pdf", "", 1, 1, 0)

	if err := UpdateJobStatus(ctx, db, j.ID, domain.JobError, "processing timed out"); err != nil {
		t.Fatalf("status: %v", err)
	}

	// A late completion must not overwrite the terminal state.
	if err := CompleteJob(ctx, db, j.ID, "late result"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not-found on terminal job, got %v", err)
	}

	got, _ := GetJob(ctx, db, j.ID)
	if got.Status != domain.JobError || got.ResultText != "" {
		t.Fatalf("terminal job was overwritten: %+v", got)
	}
}

func TestJob_ListStale(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db, "u1", 3)

	oldPending, _ := CreateJob(ctx, db, a.ID, "a.pdf", "", 1, 1, 0)
	oldDone, _ := CreateJob(ctx, db, a.ID, "b.pdf", "", 1, 1, 0)
	fresh, _ := CreateJob(ctx, db, a.ID, "c.pdf", "", 1, 1, 0)

	past := time.Now().UTC().Add(-2 * time.Hour)
	for _, id := range []string{oldPending.ID, oldDone.ID} {
		db.Model(&domain.ProcessingJob{}).Where("id = ?", id).Update("created_at", past)
	}
	if err := CompleteJob(ctx, db, oldDone.ID, "x"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stale, err := ListStaleJobs(ctx, db, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != oldPending.ID {
		t.Fatalf("stale = %+v", stale)
	}
	_ = fresh
}

func TestJob_CountAndPage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db, "u1", 3)
	other := seedAccount(t, db, "u2", 3)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		j, _ := CreateJob(ctx, db, a.ID, "f.pdf", "", 1, 1, 0)
		db.Model(&domain.ProcessingJob{}).
			Where("id = ?", j.ID).
			Update("created_at", base.Add(time.Duration(i)*time.Minute))
	}
	if _, err := CreateJob(ctx, db, other.ID, "g.pdf", "", 1, 1, 0); err != nil {
		t.Fatalf("other job: %v", err)
	}

	total, err := CountJobs(ctx, db, a.ID)
	if err != nil || total != 5 {
		t.Fatalf("count = %d, %v", total, err)
	}

	page, err := ListJobsPage(ctx, db, a.ID, 0, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("page = %+v, %v", page, err)
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Fatalf("expected newest first")
	}

	rest, err := ListJobsPage(ctx, db, a.ID, 4, 2)
	if err != nil || len(rest) != 1 {
		t.Fatalf("last page = %+v, %v", rest, err)
	}
}

func TestJob_UpdateUnknownID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := UpdateJobStatus(ctx, db, uuid.NewString(), domain.JobDone, ""); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("status: expected not-found, got %v", err)
	}
	if err := UpdateJobReservation(ctx, db, uuid.NewString(), 0, 0); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("reservation: expected not-found, got %v", err)
	}
	if err := CompleteJob(ctx, db, uuid.NewString(), "x"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("complete: expected not-found, got %v", err)
	}
}
