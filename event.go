package stripewebhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// timestampLayout matches the automation endpoint's ISO-8601 expectation.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// ErrMissingEventObject is returned when a handled event carries no data.object.
var ErrMissingEventObject = errors.New("event has no data object")

// Event is the Stripe webhook envelope
type Event struct {
	ID       string           `json:"id"`
	Type     stripe.EventType `json:"type"`
	Created  int64            `json:"created"`
	Livemode bool             `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes the raw webhook body into an Event.
func ParseEvent(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return &event, nil
}

// ExpandableID holds the id of a field Stripe sends either as a plain id
// string or as an expanded object.
type ExpandableID struct {
	ID *string
}

// UnmarshalJSON accepts "id", {"id": "..."} or null
func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		e.ID = nil
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		e.ID = &id
		return nil
	}

	var obj struct {
		ID *string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("expandable field is neither id nor object: %w", err)
	}
	e.ID = obj.ID
	return nil
}

// CheckoutSession is the subset of a Stripe checkout session that gets forwarded.
// Every field is optional.
type CheckoutSession struct {
	ID                *string                              `json:"id"`
	ClientReferenceID *string                              `json:"client_reference_id"`
	CustomerDetails   *CheckoutCustomerDetails             `json:"customer_details"`
	CustomerEmail     *string                              `json:"customer_email"`
	Customer          ExpandableID                         `json:"customer"`
	PaymentIntent     ExpandableID                         `json:"payment_intent"`
	AmountTotal       *int64                               `json:"amount_total"`
	Currency          *stripe.Currency                     `json:"currency"`
	PaymentStatus     *stripe.CheckoutSessionPaymentStatus `json:"payment_status"`
	Metadata          map[string]any                       `json:"metadata"`
}

// CheckoutCustomerDetails carries the e-mail collected at checkout
type CheckoutCustomerDetails struct {
	Email *string `json:"email"`
}

// Email prefers the e-mail collected at checkout over the preset one.
func (s *CheckoutSession) Email() *string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != nil && *s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

// CheckoutSession decodes data.object as a checkout session.
func (e *Event) CheckoutSession() (*CheckoutSession, error) {
	raw := bytes.TrimSpace(e.Data.Object)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrMissingEventObject
	}

	var session CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to parse checkout session: %w", err)
	}
	return &session, nil
}

// ForwardPayload is the notification sent to the automation endpoint.
// Absent session fields are sent as null.
type ForwardPayload struct {
	EventType         stripe.EventType                     `json:"event_type"`
	CheckoutSessionID *string                              `json:"checkout_session_id"`
	ClientReferenceID *string                              `json:"client_reference_id"`
	CustomerEmail     *string                              `json:"customer_email"`
	CustomerID        *string                              `json:"customer_id"`
	PaymentIntentID   *string                              `json:"payment_intent_id"`
	AmountTotal       *int64                               `json:"amount_total"`
	Currency          *stripe.Currency                     `json:"currency"`
	PaymentStatus     *stripe.CheckoutSessionPaymentStatus `json:"payment_status"`
	Metadata          map[string]any                       `json:"metadata"`
	Timestamp         string                               `json:"timestamp"`
}

// NewForwardPayload projects a completed checkout session onto the forward shape.
func NewForwardPayload(eventType stripe.EventType, s *CheckoutSession, now time.Time) *ForwardPayload {
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return &ForwardPayload{
		EventType:         eventType,
		CheckoutSessionID: s.ID,
		ClientReferenceID: s.ClientReferenceID,
		CustomerEmail:     s.Email(),
		CustomerID:        s.Customer.ID,
		PaymentIntentID:   s.PaymentIntent.ID,
		AmountTotal:       s.AmountTotal,
		Currency:          s.Currency,
		PaymentStatus:     s.PaymentStatus,
		Metadata:          metadata,
		Timestamp:         now.UTC().Format(timestampLayout),
	}
}
