package model

// EventType identifies a normalized billing event.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.session.completed"
	EventInvoicePaid         EventType = "invoice.paid"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
	EventUnrecognized        EventType = "unrecognized"
)

// BillingEvent is an already-authenticated payment event reduced to the
// fields activation needs.
type BillingEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	RawType     string    `json:"raw_type,omitempty"`
	CustomerRef string    `json:"customer_ref,omitempty"`
	Email       string    `json:"email,omitempty"`
	ProductIDs  []string  `json:"product_ids,omitempty"`
	// RenewalHint is an access key the purchaser supplied at checkout.
	RenewalHint string `json:"renewal_hint,omitempty"`
}

// Notification is the payload handed to the outbound notifier after a key
// is created or renewed.
type Notification struct {
	RecipientEmail string `json:"recipient_email"`
	AccessKey      string `json:"access_key"`
	IsRenewal      bool   `json:"is_renewal"`
}
