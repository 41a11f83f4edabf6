package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/model"
)

// Identity is the record field a renewal without a key hint is matched on.
type Identity string

const (
	IdentityCustomerRef Identity = "customer_ref"
	IdentityEmail       Identity = "email"
)

// ParseIdentity accepts the configured identity key, including the
// camel-case spelling used by older deployments.
func ParseIdentity(s string) (Identity, error) {
	switch s {
	case "customer_ref", "customerRef", "customer":
		return IdentityCustomerRef, nil
	case "email":
		return IdentityEmail, nil
	}
	return "", fmt.Errorf("unknown renewal identity %q (want customer_ref or email)", s)
}

// Outcome is the result of reconciling one billing event.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeCreated   Outcome = "created"
	OutcomeRenewed   Outcome = "renewed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result carries the outcome and, unless ignored, the affected record.
type Result struct {
	Outcome Outcome
	Record  *model.AccessKey
}

// Notifier receives a request after a key is created or renewed.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n model.Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n model.Notification) error { return f(ctx, n) }

// ReconcilerConfig tunes the activation reconciler.
type ReconcilerConfig struct {
	// ProductIDs is the allow-list of billing products that grant a key.
	// Empty accepts every product.
	ProductIDs      []string
	RenewalIdentity Identity
	Period          Period
	StoreTimeout    time.Duration

	// Now returns the current time; nil means time.Now.
	Now func() time.Time
	// NewAccessKey generates access keys; nil means a random UUID.
	NewAccessKey func() string
}

// Reconciler turns billing events into key creations, renewals and
// cancellations.
type Reconciler struct {
	store    keystore.Store
	notifier Notifier
	cfg      ReconcilerConfig
	logger   *slog.Logger
}

// NewReconciler creates a reconciler. notifier may be nil.
func NewReconciler(store keystore.Store, notifier Notifier, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.RenewalIdentity == "" {
		cfg.RenewalIdentity = IdentityCustomerRef
	}
	if cfg.Period.IsZero() {
		cfg.Period = DefaultPeriod
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewAccessKey == nil {
		cfg.NewAccessKey = func() string { return uuid.NewString() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, notifier: notifier, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (r *Reconciler) Config() ReconcilerConfig { return r.cfg }

// Dispatch routes a normalized event to its handler. Unrecognized types
// are acknowledged as ignored.
func (r *Reconciler) Dispatch(ctx context.Context, ev model.BillingEvent) (Result, error) {
	switch ev.Type {
	case model.EventCheckoutCompleted:
		return r.HandleCheckoutCompleted(ctx, ev)
	case model.EventInvoicePaid:
		return r.HandleInvoicePaid(ctx, ev)
	case model.EventSubscriptionDeleted:
		return r.HandleSubscriptionDeleted(ctx, ev)
	}
	r.logger.Debug("billing event ignored", "event_id", ev.ID, "type", ev.RawType)
	return Result{Outcome: OutcomeIgnored}, nil
}

// HandleCheckoutCompleted activates a key for a completed checkout.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, ev model.BillingEvent) (Result, error) {
	return r.activate(ctx, ev)
}

// HandleInvoicePaid activates or renews a key for a paid invoice.
func (r *Reconciler) HandleInvoicePaid(ctx context.Context, ev model.BillingEvent) (Result, error) {
	return r.activate(ctx, ev)
}

// HandleSubscriptionDeleted cancels the customer's key. Events that carry
// product ids must match the allow-list; events without any are accepted,
// since providers do not always repeat line items on cancellation.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, ev model.BillingEvent) (Result, error) {
	if len(ev.ProductIDs) > 0 && !r.productMatched(ev.ProductIDs) {
		r.logger.Debug("cancellation for other product ignored", "event_id", ev.ID)
		return Result{Outcome: OutcomeIgnored}, nil
	}
	return r.Deactivate(ctx, ev.CustomerRef)
}

// Grant issues a key for a purchase recorded outside the billing provider,
// or renews the one already held by the same identity. The product
// allow-list does not apply.
func (r *Reconciler) Grant(ctx context.Context, email, customerRef string) (Result, error) {
	return r.reconcile(ctx, model.BillingEvent{
		ID:          "manual",
		Type:        model.EventCheckoutCompleted,
		Email:       email,
		CustomerRef: customerRef,
	})
}

// Deactivate marks the key held by customerRef as CANCELLED. An unknown
// customer is logged and dropped.
func (r *Reconciler) Deactivate(ctx context.Context, customerRef string) (Result, error) {
	if customerRef == "" {
		r.logger.Warn("cancellation without customer reference dropped")
		return Result{Outcome: OutcomeIgnored}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	existing, err := r.store.GetByCustomerRef(ctx, customerRef)
	if errors.Is(err, keystore.ErrNotFound) {
		r.logger.Warn("cancellation for unknown customer dropped", "customer_ref", customerRef)
		return Result{Outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return Result{}, storeError(err)
	}

	rec, err := r.store.AtomicUpdate(ctx, existing.AccessKey, func(rec *model.AccessKey) error {
		if rec.Status == model.StatusCancelled {
			return keystore.ErrNoChange
		}
		rec.Status = model.StatusCancelled
		return nil
	})
	if err != nil {
		return Result{}, storeError(err)
	}
	r.logger.Info("access key cancelled", "key", rec.Prefix(), "customer_ref", customerRef)
	return Result{Outcome: OutcomeCancelled, Record: rec}, nil
}

func (r *Reconciler) activate(ctx context.Context, ev model.BillingEvent) (Result, error) {
	if !r.productMatched(ev.ProductIDs) {
		r.logger.Info("billing event for other product ignored", "event_id", ev.ID, "products", ev.ProductIDs)
		return Result{Outcome: OutcomeIgnored}, nil
	}
	return r.reconcile(ctx, ev)
}

// productMatched applies the allow-list. An empty allow-list accepts all.
func (r *Reconciler) productMatched(ids []string) bool {
	if len(r.cfg.ProductIDs) == 0 {
		return true
	}
	for _, id := range ids {
		if slices.Contains(r.cfg.ProductIDs, id) {
			return true
		}
	}
	return false
}

func (r *Reconciler) reconcile(ctx context.Context, ev model.BillingEvent) (Result, error) {
	now := r.cfg.Now().UTC()
	window := window{from: now, to: r.cfg.Period.End(now)}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	if ev.RenewalHint != "" {
		rec, err := r.renew(ctx, ev.RenewalHint, ev, window)
		switch {
		case err == nil:
			r.logger.Info("access key renewed by hint", "event_id", ev.ID, "key", rec.Prefix())
			return r.finish(ctx, OutcomeRenewed, rec), nil
		case !errors.Is(err, keystore.ErrNotFound):
			return Result{}, storeError(err)
		}
		r.logger.Info("renewal hint matched no key", "event_id", ev.ID, "hint", model.KeyPrefix(ev.RenewalHint))
	}

	existing, err := r.lookup(ctx, ev)
	if err != nil && !errors.Is(err, keystore.ErrNotFound) {
		return Result{}, storeError(err)
	}
	if existing != nil {
		rec, err := r.renew(ctx, existing.AccessKey, ev, window)
		if err == nil {
			r.logger.Info("access key renewed", "event_id", ev.ID, "key", rec.Prefix())
			return r.finish(ctx, OutcomeRenewed, rec), nil
		}
		if !errors.Is(err, keystore.ErrNotFound) {
			return Result{}, storeError(err)
		}
	}

	rec := &model.AccessKey{
		AccessKey:   r.cfg.NewAccessKey(),
		Email:       ev.Email,
		CustomerRef: ev.CustomerRef,
		Status:      model.StatusActive,
		SubFrom:     window.from,
		SubTo:       window.to,
		SessionIDs:  []string{},
		CreatedAt:   now,
	}
	err = r.store.InsertClaimed(ctx, rec, r.claim(ev))
	if errors.Is(err, keystore.ErrDuplicate) {
		// A concurrent event for the same identity created the record first.
		existing, lookupErr := r.lookup(ctx, ev)
		if errors.Is(lookupErr, keystore.ErrNotFound) && ev.CustomerRef != "" {
			existing, lookupErr = r.store.GetByCustomerRef(ctx, ev.CustomerRef)
		}
		if errors.Is(lookupErr, keystore.ErrNotFound) {
			return Result{}, storeError(err)
		}
		if lookupErr != nil {
			return Result{}, storeError(lookupErr)
		}
		renewed, renewErr := r.renew(ctx, existing.AccessKey, ev, window)
		if renewErr != nil {
			return Result{}, storeError(renewErr)
		}
		r.logger.Info("access key renewed after concurrent create", "event_id", ev.ID, "key", renewed.Prefix())
		return r.finish(ctx, OutcomeRenewed, renewed), nil
	}
	if err != nil {
		return Result{}, storeError(err)
	}
	if stored, err := r.store.GetByAccessKey(ctx, rec.AccessKey); err == nil {
		rec = stored
	}
	r.logger.Info("access key created", "event_id", ev.ID, "key", rec.Prefix())
	return r.finish(ctx, OutcomeCreated, rec), nil
}

type window struct{ from, to time.Time }

// identity picks the field an event is matched on: the configured one when
// the event carries it, otherwise whichever it does carry.
func (r *Reconciler) identity(ev model.BillingEvent) keystore.Claim {
	switch {
	case r.cfg.RenewalIdentity == IdentityEmail && ev.Email != "":
		return keystore.Claim{Field: keystore.ClaimEmail, Value: ev.Email}
	case ev.CustomerRef != "":
		return keystore.Claim{Field: keystore.ClaimCustomerRef, Value: ev.CustomerRef}
	case ev.Email != "":
		return keystore.Claim{Field: keystore.ClaimEmail, Value: ev.Email}
	}
	return keystore.Claim{}
}

// lookup finds an existing record by the event's identity.
func (r *Reconciler) lookup(ctx context.Context, ev model.BillingEvent) (*model.AccessKey, error) {
	id := r.identity(ev)
	switch id.Field {
	case keystore.ClaimEmail:
		return r.store.GetByEmail(ctx, id.Value)
	case keystore.ClaimCustomerRef:
		return r.store.GetByCustomerRef(ctx, id.Value)
	}
	return nil, keystore.ErrNotFound
}

// claim is what a new record for ev reserves. Customer references are
// already unique in every store, and a renewal may move one to another key,
// so only email identities are claimed. A record's email never changes once
// set, so the claim holder is always found by lookup.
func (r *Reconciler) claim(ev model.BillingEvent) keystore.Claim {
	if id := r.identity(ev); id.Field == keystore.ClaimEmail {
		return id
	}
	return keystore.Claim{}
}

// renew reactivates accessKey with a fresh window and attaches the event's
// customer reference. If that reference already belongs to another key the
// renewal proceeds without it.
func (r *Reconciler) renew(ctx context.Context, accessKey string, ev model.BillingEvent, w window) (*model.AccessKey, error) {
	mutate := func(attach bool) keystore.MutateFunc {
		return func(rec *model.AccessKey) error {
			rec.Status = model.StatusActive
			rec.SubFrom = w.from
			rec.SubTo = w.to
			if attach && ev.CustomerRef != "" {
				rec.CustomerRef = ev.CustomerRef
			}
			if rec.Email == "" {
				rec.Email = ev.Email
			}
			return nil
		}
	}
	rec, err := r.store.AtomicUpdate(ctx, accessKey, mutate(true))
	if errors.Is(err, keystore.ErrDuplicate) {
		r.logger.Warn("customer reference already linked to another key",
			"key", model.KeyPrefix(accessKey), "customer_ref", ev.CustomerRef)
		rec, err = r.store.AtomicUpdate(ctx, accessKey, mutate(false))
	}
	return rec, err
}

// finish emits the notification for a created or renewed record. Delivery
// errors are logged and never change the result.
func (r *Reconciler) finish(ctx context.Context, outcome Outcome, rec *model.AccessKey) Result {
	res := Result{Outcome: outcome, Record: rec}
	if r.notifier == nil {
		return res
	}
	if rec.Email == "" {
		r.logger.Warn("no recipient for access key notification", "key", rec.Prefix())
		return res
	}
	n := model.Notification{
		RecipientEmail: rec.Email,
		AccessKey:      rec.AccessKey,
		IsRenewal:      outcome == OutcomeRenewed,
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Error("notification failed", "key", rec.Prefix(), "error", err)
	}
	return res
}
