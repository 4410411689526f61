// Payment HTTP handlers.
//
// This file exposes REST endpoints for the credit-package catalog and
// checkout creation:
//   - GET  /packages   (active catalog)
//   - POST /payments   (open a payment intent, returns the checkout URL)
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-docproc-backend/internal/domain"
	"github.com/tbourn/go-docproc-backend/internal/http/middleware"
	"github.com/tbourn/go-docproc-backend/internal/services"
)

// PaymentService defines checkout operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type PaymentService interface {
	// OpenIntent freezes a package snapshot and opens a provider charge.
	OpenIntent(ctx context.Context, externalID, packageCode string) (*services.Checkout, error)
	// ListPackages returns the purchasable catalog.
	ListPackages(ctx context.Context) ([]domain.CreditPackage, error)
}

// CreatePaymentRequest is the JSON payload for opening a checkout.
type CreatePaymentRequest struct {
	// PackageCode selects the credit package to purchase.
	PackageCode string `json:"package_code" binding:"required,min=1,max=64" example:"pages_50"`
}

// CreatePaymentResponse returns the opened intent and where to pay.
type CreatePaymentResponse struct {
	IntentID        string `json:"intent_id"`
	PackageCode     string `json:"package_code"`
	Pages           int    `json:"pages"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	ConfirmationURL string `json:"confirmation_url"`
}

// ListPackages godoc
// @ID          listPackages
// @Summary     List credit packages
// @Description Returns the active, purchasable credit packages.
// @Tags        Payments
// @Produce     json
//
// @Success     200  {array}   domain.CreditPackage
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /packages [get]
func (h *Handlers) ListPackages(c *gin.Context) {
	items, err := h.paySvc.ListPackages(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, items)
}

// CreatePayment godoc
// @ID          createPayment
// @Summary     Open a checkout for a credit package
// @Description Creates a pending payment intent with a frozen package snapshot
// @Description and returns the provider's confirmation URL.
// @Tags        Payments
// @Accept      json
// @Produce     json
//
// @Param       X-Account-ID  header  string  false "Platform user ID"  example(user123)
// @Param       body          body    handlers.CreatePaymentRequest  true  "Package selection"
//
// @Success     201  {object}  handlers.CreatePaymentResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Package unavailable"
// @Failure     429  {object}  handlers.ErrorResponse  "Too many pending intents"
// @Failure     502  {object}  handlers.ErrorResponse  "Checkout failed"
// @Router      /payments [post]
func (h *Handlers) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.PackageCode) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "package_code required")
		return
	}

	checkout, err := h.paySvc.OpenIntent(c.Request.Context(), middleware.AccountIDFromCtx(c), strings.TrimSpace(req.PackageCode))
	switch {
	case errors.Is(err, services.ErrPackageUnavailable):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "credit package unavailable")
		return
	case errors.Is(err, services.ErrTooManyPendingIntents):
		fail(c, http.StatusTooManyRequests, ErrCodeTooManyIntents, "too many pending payment intents, finish or wait out the open ones")
		return
	case errors.Is(err, services.ErrCheckoutFailed):
		fail(c, http.StatusBadGateway, ErrCodeCheckoutFailed, "payment provider rejected the checkout")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	intent := checkout.Intent
	ok(c, http.StatusCreated, CreatePaymentResponse{
		IntentID:        intent.ID,
		PackageCode:     intent.PackageCode,
		Pages:           intent.UnitCount,
		Amount:          intent.Amount.StringFixed(2),
		Currency:        intent.Currency,
		ConfirmationURL: checkout.ConfirmationURL,
	})
}
