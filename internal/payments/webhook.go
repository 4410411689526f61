// Package payments – webhook notification parsing.
//
// Notification bodies are parsed strictly per event kind: a body that does
// not carry the fields its event requires is permanently rejected with
// ErrMalformed, which the HTTP layer maps to a 4xx so the provider stops
// retrying it.
package payments

import (
	"encoding/json"
	"errors"
	"strings"
)

// Webhook event names handled by the gate. Any other event is acknowledged
// and ignored.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
	EventRefundSucceeded  = "refund.succeeded"
)

// ErrMalformed indicates a notification body that cannot be interpreted for
// its declared event. Such bodies are never retried.
var ErrMalformed = errors.New("malformed webhook notification")

// PaymentNotification is a parsed payment.* webhook body.
type PaymentNotification struct {
	Event    string
	ID       string
	Status   string
	Amount   *Amount
	Metadata map[string]string
}

// RefundNotification is a parsed refund.succeeded webhook body.
type RefundNotification struct {
	ID        string
	PaymentID string
	Status    string
	Amount    *Amount
}

// Notification is the union of webhook bodies the gate understands. Exactly
// one of Payment/Refund is non-nil; Event is always set for recognized
// shapes, and Ignored is true for well-formed events the gate does not act on.
type Notification struct {
	Event   string
	Ignored bool
	Payment *PaymentNotification
	Refund  *RefundNotification
}

// ParseNotification strictly parses a webhook body. It returns ErrMalformed
// for bodies that are not valid JSON, lack an event, or are missing the
// object fields their event requires.
func ParseNotification(body []byte) (*Notification, error) {
	var envelope struct {
		Type   string          `json:"type"`
		Event  string          `json:"event"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, ErrMalformed
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, ErrMalformed
	}

	switch event {
	case EventRefundSucceeded:
		var obj struct {
			ID        string  `json:"id"`
			PaymentID string  `json:"payment_id"`
			Status    string  `json:"status"`
			Amount    *Amount `json:"amount"`
		}
		if err := json.Unmarshal(envelope.Object, &obj); err != nil {
			return nil, ErrMalformed
		}
		if strings.TrimSpace(obj.ID) == "" || strings.TrimSpace(obj.PaymentID) == "" {
			return nil, ErrMalformed
		}
		return &Notification{
			Event: event,
			Refund: &RefundNotification{
				ID:        strings.TrimSpace(obj.ID),
				PaymentID: strings.TrimSpace(obj.PaymentID),
				Status:    obj.Status,
				Amount:    obj.Amount,
			},
		}, nil

	case EventPaymentSucceeded, EventPaymentCanceled:
		var obj struct {
			ID       string            `json:"id"`
			Status   string            `json:"status"`
			Amount   *Amount           `json:"amount"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(envelope.Object, &obj); err != nil {
			return nil, ErrMalformed
		}
		if strings.TrimSpace(obj.ID) == "" {
			return nil, ErrMalformed
		}
		return &Notification{
			Event: event,
			Payment: &PaymentNotification{
				Event:    event,
				ID:       strings.TrimSpace(obj.ID),
				Status:   obj.Status,
				Amount:   obj.Amount,
				Metadata: obj.Metadata,
			},
		}, nil

	default:
		// Well-formed but unhandled: acknowledged upstream without action.
		return &Notification{Event: event, Ignored: true}, nil
	}
}
