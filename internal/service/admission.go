package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/model"
)

// Mode selects the admission policy.
type Mode string

const (
	// ModeLogin caps the number of outstanding logins per key.
	ModeLogin Mode = "login"
	// ModeSession caps the number of concurrently bound session ids per key.
	ModeSession Mode = "session"
)

// Defaults for AdmissionConfig.
const (
	DefaultMaxLogins    = 20
	DefaultMaxSessions  = 3
	DefaultStoreTimeout = 5 * time.Second
)

// AdmissionConfig tunes the admission controller.
type AdmissionConfig struct {
	Mode         Mode
	MaxLogins    int
	MaxSessions  int
	StoreTimeout time.Duration

	// Now returns the current time; nil means time.Now.
	Now func() time.Time
	// NewSessionID generates session ids; nil means a random UUID.
	NewSessionID func() string
}

// Admission decides whether a login, bind, or validation may proceed and
// applies the resulting counter or session change. All reads and writes go
// through a single keystore AtomicUpdate per call, so concurrent calls for
// the same key cannot both pass a quota check.
type Admission struct {
	store  keystore.Store
	cfg    AdmissionConfig
	logger *slog.Logger
}

// NewAdmission creates an admission controller. Zero config fields take the
// package defaults.
func NewAdmission(store keystore.Store, cfg AdmissionConfig, logger *slog.Logger) *Admission {
	if cfg.Mode == "" {
		cfg.Mode = ModeLogin
	}
	if cfg.MaxLogins <= 0 {
		cfg.MaxLogins = DefaultMaxLogins
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = func() string { return uuid.NewString() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admission{store: store, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (a *Admission) Config() AdmissionConfig { return a.cfg }

// expiredStatus is what an elapsed window is persisted as. Login-count mode
// marks the key INACTIVE, session-binding mode marks it EXPIRED.
func (a *Admission) expiredStatus() model.Status {
	if a.cfg.Mode == ModeSession {
		return model.StatusExpired
	}
	return model.StatusInactive
}

// ---------------------------------------------------------------------------
// Login-count mode
// ---------------------------------------------------------------------------

// Login admits one more login for accessKey and returns the updated record.
func (a *Admission) Login(ctx context.Context, accessKey string) (*model.AccessKey, error) {
	return a.apply(ctx, "login", accessKey, func(rec *model.AccessKey, now time.Time) error {
		status, _ := Evaluate(rec, now)
		switch {
		case status == model.StatusExpired:
			rec.Status = a.expiredStatus()
			return ErrSubscriptionExpired
		case status != model.StatusActive:
			return ErrKeyInvalid
		case rec.LoginCount >= a.cfg.MaxLogins:
			return ErrLoginLimitReached
		}
		rec.LoginCount++
		return nil
	})
}

// Logout releases one login. The count never drops below zero and expiry
// does not block logout.
func (a *Admission) Logout(ctx context.Context, accessKey string) (*model.AccessKey, error) {
	return a.apply(ctx, "logout", accessKey, func(rec *model.AccessKey, _ time.Time) error {
		if rec.LoginCount > 0 {
			rec.LoginCount--
		}
		return nil
	})
}

// Fetch returns the record for accessKey without touching its counters. An
// elapsed window is persisted and reported as ErrSubscriptionExpired.
func (a *Admission) Fetch(ctx context.Context, accessKey string) (*model.AccessKey, error) {
	return a.apply(ctx, "fetch", accessKey, func(rec *model.AccessKey, now time.Time) error {
		if status, _ := Evaluate(rec, now); status == model.StatusExpired {
			rec.Status = a.expiredStatus()
			return ErrSubscriptionExpired
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Session-binding mode
// ---------------------------------------------------------------------------

// Bind issues a new session id for accessKey if the key is active and has a
// free slot. It returns the updated record and the new id.
func (a *Admission) Bind(ctx context.Context, accessKey string) (*model.AccessKey, string, error) {
	var sessionID string
	rec, err := a.apply(ctx, "bind", accessKey, func(rec *model.AccessKey, now time.Time) error {
		sessionID = ""
		if err := a.checkSessionKey(rec, now); err != nil {
			return err
		}
		if len(rec.SessionIDs) >= a.cfg.MaxSessions {
			return ErrSessionQuotaExceeded
		}
		id := a.cfg.NewSessionID()
		for rec.HasSession(id) {
			id = a.cfg.NewSessionID()
		}
		rec.SessionIDs = append(rec.SessionIDs, id)
		sessionID = id
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return rec, sessionID, nil
}

// Unbind releases sessionID. An empty sessionID is a plain read and an id
// that is not bound is ignored.
func (a *Admission) Unbind(ctx context.Context, accessKey, sessionID string) (*model.AccessKey, error) {
	return a.apply(ctx, "unbind", accessKey, func(rec *model.AccessKey, now time.Time) error {
		if err := a.checkSessionKey(rec, now); err != nil {
			return err
		}
		if sessionID != "" {
			rec.RemoveSession(sessionID)
		}
		return nil
	})
}

// ValidateSession checks that accessKey is usable and reports whether
// sessionID is bound to it. A live key is never modified. A key that went
// bad has sessionID released, if it held it, before the failure is returned.
func (a *Admission) ValidateSession(ctx context.Context, accessKey, sessionID string) (*model.AccessKey, bool, error) {
	if sessionID == "" {
		return nil, false, ErrSessionIDRequired
	}
	var bound bool
	rec, err := a.apply(ctx, "validate", accessKey, func(rec *model.AccessKey, now time.Time) error {
		bound = false
		status, _ := Evaluate(rec, now)
		switch {
		case status == model.StatusExpired:
			rec.Status = model.StatusExpired
			rec.RemoveSession(sessionID)
			return ErrSubscriptionExpired
		case status != model.StatusActive:
			rec.RemoveSession(sessionID)
			return ErrKeyInvalid
		}
		bound = rec.HasSession(sessionID)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, bound, nil
}

// checkSessionKey is the shared bind/unbind gate. An elapsed window is
// marked EXPIRED on rec.
func (a *Admission) checkSessionKey(rec *model.AccessKey, now time.Time) error {
	status, _ := Evaluate(rec, now)
	switch {
	case status == model.StatusExpired:
		rec.Status = model.StatusExpired
		return ErrSubscriptionExpired
	case status != model.StatusActive:
		return ErrKeyInvalid
	}
	return nil
}

// ---------------------------------------------------------------------------
// Store plumbing
// ---------------------------------------------------------------------------

// stepFunc inspects and possibly changes rec. A non-nil return is the
// domain failure reported to the caller once any change made to rec is
// committed; a write made alongside a failure is a best-effort writeback.
type stepFunc func(rec *model.AccessKey, now time.Time) error

func (a *Admission) apply(ctx context.Context, op, accessKey string, step stepFunc) (*model.AccessKey, error) {
	if accessKey == "" {
		return nil, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()

	var failure error
	rec, err := a.store.AtomicUpdate(ctx, accessKey, func(rec *model.AccessKey) error {
		before := rec.Clone()
		failure = step(rec, a.cfg.Now())
		if !changed(before, rec) {
			return keystore.ErrNoChange
		}
		return nil
	})
	if err != nil {
		if failure != nil {
			a.logger.Warn("state writeback failed",
				"op", op, "key", model.KeyPrefix(accessKey), "reason", Code(failure), "error", err)
			return nil, failure
		}
		wrapped := storeError(err)
		if Code(wrapped) == CodeStoreUnavailable {
			a.logger.Error("key store error", "op", op, "key", model.KeyPrefix(accessKey), "error", err)
		}
		return nil, wrapped
	}
	if failure != nil {
		a.logger.Debug("admission denied", "op", op, "key", model.KeyPrefix(accessKey), "reason", Code(failure))
		return nil, failure
	}
	return rec, nil
}

// changed reports whether step modified any persisted admission field.
func changed(before, after *model.AccessKey) bool {
	return before.Status != after.Status ||
		before.LoginCount != after.LoginCount ||
		!slices.Equal(before.SessionIDs, after.SessionIDs)
}

// String renders a mode for flags and logs.
func (m Mode) String() string { return string(m) }

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLogin, ModeSession:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown admission mode %q (want login or session)", s)
}
