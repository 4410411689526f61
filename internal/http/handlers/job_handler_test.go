package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-docproc-backend/internal/domain"
	"github.com/tbourn/go-docproc-backend/internal/http/middleware"
	"github.com/tbourn/go-docproc-backend/internal/payments"
	"github.com/tbourn/go-docproc-backend/internal/services"
)

//
// Fakes
//

type fakeJobService struct {
	submitErr  error
	submitJob  *domain.ProcessingJob
	lastSubmit services.SubmitInput

	getErr error
	getJob *domain.ProcessingJob

	listJobs  []domain.ProcessingJob
	listTotal int64
	listErr   error
}

func (f *fakeJobService) Submit(_ context.Context, in services.SubmitInput) (*domain.ProcessingJob, error) {
	f.lastSubmit = in
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.submitJob, nil
}

func (f *fakeJobService) GetJob(context.Context, string, string) (*domain.ProcessingJob, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.getJob, nil
}

func (f *fakeJobService) ListJobs(context.Context, string, int, int) ([]domain.ProcessingJob, int64, error) {
	return f.listJobs, f.listTotal, f.listErr
}

type fakeBalanceService struct {
	account *domain.Account
	err     error
}

func (f *fakeBalanceService) GetOrCreateAccount(context.Context, string) (*domain.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.account, nil
}

type fakePaymentService struct {
	checkout *services.Checkout
	openErr  error
	packages []domain.CreditPackage
	listErr  error
}

func (f *fakePaymentService) OpenIntent(context.Context, string, string) (*services.Checkout, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.checkout, nil
}

func (f *fakePaymentService) ListPackages(context.Context) ([]domain.CreditPackage, error) {
	return f.packages, f.listErr
}

type fakeWebhookService struct {
	err  error
	last *payments.Notification
}

func (f *fakeWebhookService) HandleNotification(_ context.Context, n *payments.Notification) error {
	f.last = n
	return f.err
}

func newTestRouter(job *fakeJobService, bal *fakeBalanceService, pay *fakePaymentService, wh *fakeWebhookService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(job, bal, pay, wh, nil)

	r := gin.New()
	r.POST("/jobs", h.SubmitJob)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/:id", h.GetJob)
	r.GET("/balance", h.GetBalance)
	r.GET("/packages", h.ListPackages)
	r.POST("/payments", h.CreatePayment)
	r.POST("/webhook/provider", h.ProviderWebhook)
	return r
}

func doJSON(r *gin.Engine, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

//
// SubmitJob
//

func TestSubmitJob_Accepted(t *testing.T) {
	job := &fakeJobService{submitJob: &domain.ProcessingJob{ID: "j-1", Status: domain.JobPending}}
	r := newTestRouter(job, &fakeBalanceService{}, &fakePaymentService{}, &fakeWebhookService{})

	w := doJSON(r, http.MethodPost, "/jobs",
		`{"file_name":"scan.pdf","mime_type":"application/pdf","pages":["p1","p2"]}`,
		map[string]string{middleware.HeaderAccountID: "u1"})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp SubmitJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != "j-1" || resp.Status != domain.JobPending {
		t.Fatalf("resp = %+v", resp)
	}
	if job.lastSubmit.ExternalID != "u1" || len(job.lastSubmit.Pages) != 2 {
		t.Fatalf("submit input = %+v", job.lastSubmit)
	}
}

func TestSubmitJob_InvalidBody(t *testing.T) {
	r := newTestRouter(&fakeJobService{}, &fakeBalanceService{}, &fakePaymentService{}, &fakeWebhookService{})

	w := doJSON(r, http.MethodPost, "/jobs", `{"mime_type":"x"}`, nil) // file_name and pages missing
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSubmitJob_ErrorMapping(t *testing.T) {
	cases := []struct {
		err      error
		status   int
		wantCode string
	}{
		{services.ErrEmptyDocument, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrTooManyPages, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrInsufficientBalance, http.StatusPaymentRequired, ErrCodeInsufficientBalance},
		{context.DeadlineExceeded, http.StatusInternalServerError, ErrCodeSubmitFailed},
	}
	for _, tc := range cases {
		r := newTestRouter(&fakeJobService{submitErr: tc.err}, &fakeBalanceService{}, &fakePaymentService{}, &fakeWebhookService{})
		w := doJSON(r, http.MethodPost, "/jobs", `{"file_name":"a.pdf","pages":["p"]}`, nil)
		if w.Code != tc.status {
			t.Fatalf("%v: status = %d, want %d", tc.err, w.Code, tc.status)
		}
		var resp ErrorResponse
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Code != tc.wantCode {
			t.Fatalf("%v: code = %q, want %q", tc.err, resp.Code, tc.wantCode)
		}
	}
}

//
// GetJob
//

func TestGetJob_ResultOnlyWhenDone(t *testing.T) {
	id := uuid.NewString()
	svc := &fakeJobService{getJob: &domain.ProcessingJob{
		ID:         id,
		Status:     domain.JobProcessing,
		ResultText: "secret-in-progress",
		CreatedAt:  time.Now().UTC(),
	}}
	r := newTestRouter(svc, &fakeBalanceService{}, &fakePaymentService{}, &fakeWebhookService{})

	w := doJSON(r, http.MethodGet, "/jobs/"+id, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp JobResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ResultText != "" {
		t.Fatalf("result leaked before completion: %q", resp.ResultText)
	}

	svc.getJob.Status = domain.JobDone
	w = doJSON(r, http.MethodGet, "/jobs/"+id, "", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ResultText != "secret-in-progress" {
		t.Fatalf("result missing on done job: %+v", resp)
	}
}

func TestGetJob_BadIDAndNotFound(t *testing.T) {
	r := newTestRouter(&fakeJobService{getErr: services.ErrJobNotFound}, &fakeBalanceService{}, &fakePaymentService{}, &fakeWebhookService{})

	if w := doJSON(r, http.MethodGet, "/jobs/not-a-uuid", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", w.Code)
	}
	if w := doJSON(r, http.MethodGet, "/jobs/"+uuid.NewString(), "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing job: status = %d", w.Code)
	}
}

//
// ListJobs
//

func TestListJobs_Pagination(t *testing.T) {
	svc := &fakeJobService{
		listJobs:  []domain.ProcessingJob{{ID: "j-1"}, {ID: "j-2"}},
		listTotal: 5,
	}
	r := newTestRouter(svc, &fakeBalanceService{}, &fakePaymentService{}, &fakeWebhookService{})

	w := doJSON(r, http.MethodGet, "/jobs?page=1&page_size=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ListJobsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Pagination.Total != 5 || resp.Pagination.TotalPages != 3 || !resp.Pagination.HasNext {
		t.Fatalf("pagination = %+v", resp.Pagination)
	}
}

//
// GetBalance
//

func TestGetBalance(t *testing.T) {
	bal := &fakeBalanceService{account: &domain.Account{QuotaFree: 2, QuotaPurchased: 50}}
	r := newTestRouter(&fakeJobService{}, bal, &fakePaymentService{}, &fakeWebhookService{})

	w := doJSON(r, http.MethodGet, "/balance", "", map[string]string{middleware.HeaderAccountID: "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp BalanceResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Free != 2 || resp.Purchased != 50 {
		t.Fatalf("balance = %+v", resp)
	}
}
