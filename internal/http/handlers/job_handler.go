// Job HTTP handlers.
//
// This file exposes REST endpoints for document-processing jobs:
//   - POST /jobs        (submit a document)
//   - GET  /jobs        (list, paginated)
//   - GET  /jobs/{id}   (status + result)
//   - GET  /balance     (current quota tiers)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-docproc-backend/internal/domain"
	"github.com/tbourn/go-docproc-backend/internal/http/middleware"
	"github.com/tbourn/go-docproc-backend/internal/services"
	"github.com/tbourn/go-docproc-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// JobService defines job submission and retrieval operations consumed by
// HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type JobService interface {
	// Submit reserves quota, persists the job, and enqueues it.
	Submit(ctx context.Context, in services.SubmitInput) (*domain.ProcessingJob, error)
	// GetJob returns a job owned by the given platform user.
	GetJob(ctx context.Context, externalID, jobID string) (*domain.ProcessingJob, error)
	// ListJobs returns a page of the user's jobs and the total count.
	ListJobs(ctx context.Context, externalID string, page, pageSize int) ([]domain.ProcessingJob, int64, error)
}

// BalanceService exposes the account's quota tiers.
type BalanceService interface {
	// GetOrCreateAccount resolves the account for the platform user id.
	GetOrCreateAccount(ctx context.Context, externalID string) (*domain.Account, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for jobs, balance, payments, and the
// provider webhook. It depends on abstract service interfaces to keep
// transport concerns separate from business logic.
type Handlers struct {
	jobSvc     JobService
	balanceSvc BalanceService
	paySvc     PaymentService
	webhookSvc WebhookService

	// trustedProxies lists extra CIDRs whose forwarded headers the webhook
	// endpoint may believe.
	trustedProxies []string
}

// New constructs and returns a Handlers instance bound to the given services.
func New(jobSvc JobService, balanceSvc BalanceService, paySvc PaymentService, webhookSvc WebhookService, trustedProxies []string) *Handlers {
	return &Handlers{
		jobSvc:         jobSvc,
		balanceSvc:     balanceSvc,
		paySvc:         paySvc,
		webhookSvc:     webhookSvc,
		trustedProxies: trustedProxies,
	}
}

//
// DTOs
//

// SubmitJobRequest is the JSON payload for submitting a document.
type SubmitJobRequest struct {
	// FileName is the original document name.
	FileName string `json:"file_name" binding:"required,min=1,max=512" example:"contract.pdf"`
	// MimeType optionally declares the document type.
	MimeType string `json:"mime_type" example:"application/pdf"`
	// Pages carries the per-page extracted content to process.
	Pages []string `json:"pages" binding:"required"`
}

// SubmitJobResponse acknowledges an accepted submission.
type SubmitJobResponse struct {
	JobID  string `json:"job_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	Status string `json:"status" example:"pending"`
}

// BalanceResponse reports the caller's quota tiers.
type BalanceResponse struct {
	Free      int `json:"free"`
	Purchased int `json:"purchased"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListJobsResponse wraps a page of jobs and pagination information.
type ListJobsResponse struct {
	Jobs       []domain.ProcessingJob `json:"jobs"`
	Pagination Pagination             `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// SubmitJob godoc
// @ID          submitJob
// @Summary     Submit a document for processing
// @Description Reserves one page up front, persists the job, and enqueues it.
// @Tags        Jobs
// @Accept      json
// @Produce     json
//
// @Param       X-Account-ID     header  string  false "Platform user ID"  example(user123)
// @Param       Idempotency-Key  header  string  false "Safe-retry key"
// @Param       body             body    handlers.SubmitJobRequest  true  "Document payload"
//
// @Success     202  {object}  handlers.SubmitJobResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient balance"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /jobs [post]
func (h *Handlers) SubmitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	job, err := h.jobSvc.Submit(c.Request.Context(), services.SubmitInput{
		ExternalID:     middleware.AccountIDFromCtx(c),
		FileName:       strings.TrimSpace(req.FileName),
		MimeType:       strings.TrimSpace(req.MimeType),
		Pages:          req.Pages,
		IdempotencyKey: key,
	})
	switch {
	case errors.Is(err, services.ErrEmptyDocument):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "document has no pages")
		return
	case errors.Is(err, services.ErrTooManyPages):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "document exceeds the page limit")
		return
	case errors.Is(err, services.ErrInsufficientBalance):
		fail(c, http.StatusPaymentRequired, ErrCodeInsufficientBalance, "not enough pages on balance")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeSubmitFailed, err.Error())
		return
	}

	ok(c, http.StatusAccepted, SubmitJobResponse{JobID: job.ID, Status: job.Status})
}

// GetJob godoc
// @ID          getJob
// @Summary     Get job status
// @Description Returns the job's status, and the recognized text once done.
// @Tags        Jobs
// @Produce     json
//
// @Param       X-Account-ID  header  string  false "Platform user ID"  example(user123)
// @Param       id            path    string  true  "Job ID (UUID)"     format(uuid)
//
// @Success     200  {object}  handlers.JobResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Job not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /jobs/{id} [get]
func (h *Handlers) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := uuid.Parse(jobID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "job id must be a UUID")
		return
	}

	job, err := h.jobSvc.GetJob(c.Request.Context(), middleware.AccountIDFromCtx(c), jobID)
	if err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	ok(c, http.StatusOK, toJobResponse(job))
}

// ListJobs godoc
// @ID          listJobs
// @Summary     List jobs (paginated)
// @Description Returns a page of the user's jobs, newest first.
// @Tags        Jobs
// @Produce     json
//
// @Param       X-Account-ID  header  string  false "Platform user ID"  example(user123)
// @Param       page          query   int     false "Page number"       minimum(1) default(1)
// @Param       page_size     query   int     false "Items per page"    minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListJobsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /jobs [get]
func (h *Handlers) ListJobs(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.jobSvc.ListJobs(c.Request.Context(), middleware.AccountIDFromCtx(c), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListJobsResponse{
		Jobs: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetBalance godoc
// @ID          getBalance
// @Summary     Get quota balance
// @Description Returns the caller's free and purchased page balances.
// @Tags        Balance
// @Produce     json
//
// @Param       X-Account-ID  header  string  false "Platform user ID"  example(user123)
//
// @Success     200  {object}  handlers.BalanceResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /balance [get]
func (h *Handlers) GetBalance(c *gin.Context) {
	account, err := h.balanceSvc.GetOrCreateAccount(c.Request.Context(), middleware.AccountIDFromCtx(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, BalanceResponse{Free: account.QuotaFree, Purchased: account.QuotaPurchased})
}

// JobResponse is the public job representation: result text is included only
// for completed jobs.
type JobResponse struct {
	ID           string `json:"id"`
	FileName     string `json:"file_name"`
	Status       string `json:"status"`
	PageCount    int    `json:"page_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	ResultText   string `json:"result_text,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func toJobResponse(j *domain.ProcessingJob) JobResponse {
	resp := JobResponse{
		ID:           j.ID,
		FileName:     j.FileName,
		Status:       j.Status,
		PageCount:    j.PageCount,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if j.Status == domain.JobDone {
		resp.ResultText = j.ResultText
	}
	return resp
}
