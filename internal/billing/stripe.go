// Package billing turns Stripe webhook deliveries into normalized
// model.BillingEvent values. It verifies the Stripe-Signature header and
// extracts the customer, email, products and access key hint; it makes no
// decisions about keys.
package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/zepia/keygate/internal/model"
)

// DefaultTolerance is the maximum age of a signed delivery.
const DefaultTolerance = webhook.DefaultTolerance

// SignatureHeader is the HTTP header carrying the delivery signature.
const SignatureHeader = "Stripe-Signature"

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrInvalidSignature = errors.New("no signatures found matching the expected signature for payload")
	ErrStaleTimestamp   = errors.New("timestamp outside the tolerance zone")
	ErrMalformedPayload = errors.New("malformed event payload")
)

// Verifier checks webhook signatures. A Verifier with an empty secret
// accepts every payload, which is only meant for local development.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. tolerance <= 0 means DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Enabled reports whether signatures are checked.
func (v *Verifier) Enabled() bool { return v.secret != "" }

// Construct verifies header against payload and decodes the event. Any
// matching v1 signature in the header passes. Signature failures wrap one
// of ErrMissingSignature, ErrInvalidSignature or ErrStaleTimestamp; a
// verified payload that does not decode wraps ErrMalformedPayload.
func (v *Verifier) Construct(payload []byte, header string) (model.BillingEvent, error) {
	if !v.Enabled() {
		return Parse(payload)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance: v.tolerance,
		// Only a handful of stable fields are read, so events rendered
		// for any account API version are accepted.
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return model.BillingEvent{}, signatureError(err)
	}
	return normalize(evt)
}

func signatureError(err error) error {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return ErrMissingSignature
	case errors.Is(err, webhook.ErrTooOld):
		return ErrStaleTimestamp
	case errors.Is(err, webhook.ErrNoValidSignature):
		return ErrInvalidSignature
	case errors.Is(err, webhook.ErrInvalidHeader):
		return fmt.Errorf("%w: unable to extract timestamp and signatures from header", ErrInvalidSignature)
	}
	return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
}

// Sign renders a header for payload at ts that Construct accepts.
func (v *Verifier) Sign(payload []byte, ts time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    v.secret,
		Timestamp: ts,
	}).Header
}

// ---------------------------------------------------------------------------
// Event decoding
// ---------------------------------------------------------------------------

// hintKey is the metadata or custom field name that carries an existing
// access key entered at checkout.
const hintKey = "access_key"

// Parse decodes a payload without checking its signature. Event types that
// do not affect keys come back with Type EventUnrecognized and a nil error.
func Parse(payload []byte) (model.BillingEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return model.BillingEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return normalize(evt)
}

func normalize(evt stripe.Event) (model.BillingEvent, error) {
	ev := model.BillingEvent{ID: evt.ID, RawType: string(evt.Type)}

	switch ev.RawType {
	case "checkout.session.completed":
		var s stripe.CheckoutSession
		if err := decodeObject(evt, &s); err != nil {
			return ev, err
		}
		ev.Type = model.EventCheckoutCompleted
		ev.CustomerRef = customerID(s.Customer)
		ev.Email = s.CustomerEmail
		if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
			ev.Email = s.CustomerDetails.Email
		}
		var prices []*stripe.Price
		if s.LineItems != nil {
			for _, it := range s.LineItems.Data {
				prices = append(prices, it.Price)
			}
		}
		ev.ProductIDs = products(s.Metadata, prices)
		ev.RenewalHint = s.Metadata[hintKey]
		for _, f := range s.CustomFields {
			if f.Key == hintKey && f.Text != nil && f.Text.Value != "" {
				ev.RenewalHint = f.Text.Value
			}
		}

	case "invoice.paid", "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := decodeObject(evt, &inv); err != nil {
			return ev, err
		}
		ev.Type = model.EventInvoicePaid
		ev.CustomerRef = customerID(inv.Customer)
		ev.Email = inv.CustomerEmail
		var prices []*stripe.Price
		if inv.Lines != nil {
			for _, it := range inv.Lines.Data {
				prices = append(prices, it.Price)
			}
		}
		ev.ProductIDs = products(inv.Metadata, prices)
		ev.RenewalHint = inv.Metadata[hintKey]

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := decodeObject(evt, &sub); err != nil {
			return ev, err
		}
		ev.Type = model.EventSubscriptionDeleted
		ev.CustomerRef = customerID(sub.Customer)
		var prices []*stripe.Price
		if sub.Items != nil {
			for _, it := range sub.Items.Data {
				prices = append(prices, it.Price)
			}
		}
		ev.ProductIDs = products(sub.Metadata, prices)

	default:
		ev.Type = model.EventUnrecognized
	}

	ev.Email = strings.TrimSpace(ev.Email)
	ev.RenewalHint = strings.TrimSpace(ev.RenewalHint)
	return ev, nil
}

func decodeObject(evt stripe.Event, v any) error {
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s has no data object", ErrMalformedPayload, evt.ID)
	}
	if err := json.Unmarshal(evt.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// customerID reads a customer that Stripe renders either as an id or, when
// expanded, as an object.
func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// products collects product ids from metadata.product_id and line item
// prices, without duplicates.
func products(meta map[string]string, prices []*stripe.Price) []string {
	var out []string
	add := func(id string) {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	add(meta["product_id"])
	for _, p := range prices {
		if p != nil && p.Product != nil {
			add(p.Product.ID)
		}
	}
	return out
}
