package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tbourn/go-docproc-backend/internal/domain"
	"github.com/tbourn/go-docproc-backend/internal/services"
)

func TestListPackages(t *testing.T) {
	pay := &fakePaymentService{packages: []domain.CreditPackage{
		{Code: "pages_10", Pages: 10},
		{Code: "pages_50", Pages: 50},
	}}
	r := newTestRouter(&fakeJobService{}, &fakeBalanceService{}, pay, &fakeWebhookService{})

	w := doJSON(r, http.MethodGet, "/packages", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var items []domain.CreditPackage
	if err := json.Unmarshal(w.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 2 || items[0].Code != "pages_10" {
		t.Fatalf("items = %+v", items)
	}
}

func TestCreatePayment_Created(t *testing.T) {
	pay := &fakePaymentService{checkout: &services.Checkout{
		Intent: &domain.PaymentIntent{
			ID:          "i-1",
			PackageCode: "pages_50",
			UnitCount:   50,
			Amount:      decimal.RequireFromString("399"),
			Currency:    "RUB",
		},
		ConfirmationURL: "https://pay.example/c/1",
	}}
	r := newTestRouter(&fakeJobService{}, &fakeBalanceService{}, pay, &fakeWebhookService{})

	w := doJSON(r, http.MethodPost, "/payments", `{"package_code":"pages_50"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp CreatePaymentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.IntentID != "i-1" || resp.Pages != 50 || resp.ConfirmationURL == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Amount != "399.00" {
		t.Fatalf("amount = %q, want fixed two decimals", resp.Amount)
	}
}

func TestCreatePayment_BadBody(t *testing.T) {
	r := newTestRouter(&fakeJobService{}, &fakeBalanceService{}, &fakePaymentService{}, &fakeWebhookService{})

	for _, body := range []string{``, `{}`, `{"package_code":"  "}`} {
		if w := doJSON(r, http.MethodPost, "/payments", body, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d", body, w.Code)
		}
	}
}

func TestCreatePayment_ErrorMapping(t *testing.T) {
	cases := []struct {
		err      error
		status   int
		wantCode string
	}{
		{services.ErrPackageUnavailable, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrTooManyPendingIntents, http.StatusTooManyRequests, ErrCodeTooManyIntents},
		{services.ErrCheckoutFailed, http.StatusBadGateway, ErrCodeCheckoutFailed},
		{errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		pay := &fakePaymentService{openErr: tc.err}
		r := newTestRouter(&fakeJobService{}, &fakeBalanceService{}, pay, &fakeWebhookService{})

		w := doJSON(r, http.MethodPost, "/payments", `{"package_code":"pages_50"}`, nil)
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
