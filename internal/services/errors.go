// Package services defines the business logic for the balance ledger,
// payment intents, webhook settlement, and job submission. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

var (
	// ErrAccountNotFound indicates that the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientBalance is returned when a reservation asks for more
	// quota than the account's free and purchased tiers hold together.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTooManyPendingIntents is returned when an account hits the velocity
	// cap on open (pending) payment intents within the configured window.
	ErrTooManyPendingIntents = errors.New("too many pending payment intents")

	// ErrPackageUnavailable is returned when the requested credit package
	// does not exist or is not active.
	ErrPackageUnavailable = errors.New("credit package unavailable")

	// ErrCheckoutFailed is returned when the payment provider rejected or
	// failed the charge-creation call; the intent has been rolled back.
	ErrCheckoutFailed = errors.New("checkout creation failed")

	// ErrJobNotFound indicates that the requested processing job does not
	// exist or is not accessible to the current account.
	ErrJobNotFound = errors.New("job not found")

	// ErrEmptyDocument is returned when a submitted document contains no
	// billable pages.
	ErrEmptyDocument = errors.New("document has no pages")

	// ErrTooManyPages is returned when a submitted document exceeds the
	// per-document page cap.
	ErrTooManyPages = errors.New("document exceeds page limit")

	// ErrVerificationFailed is returned when the provider's status read-back
	// could not confirm a payment (wrong status or amount mismatch). The
	// intent stays pending for manual reconciliation.
	ErrVerificationFailed = errors.New("payment verification failed")

	// ErrVerificationUnavailable is returned when the provider's status API
	// could not be reached; the notification should be retried by the
	// provider, so the webhook surfaces a 5xx.
	ErrVerificationUnavailable = errors.New("payment verification unavailable")
)
