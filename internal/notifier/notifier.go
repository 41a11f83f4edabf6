// Package notifier delivers access key notifications to purchasers and
// operators. Channels are combined with Multi and decoupled from the
// caller with Async.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zepia/keygate/internal/model"
)

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Channel is a named Notifier.
type Channel interface {
	Notifier
	Name() string
}

// Observer is told the result of every channel delivery.
type Observer interface {
	ObserveNotification(channel string, err error)
}

// DefaultParallel caps how many channels Multi delivers to at once.
const DefaultParallel = 4

// Multi fans a notification out to its channels concurrently, at most
// DefaultParallel at a time.
type Multi struct {
	channels []Channel
	observer Observer
	parallel int
}

// NewMulti combines channels. observer may be nil.
func NewMulti(observer Observer, channels ...Channel) *Multi {
	return &Multi{channels: channels, observer: observer, parallel: DefaultParallel}
}

// Channels returns the channel names in registration order.
func (m *Multi) Channels() []string {
	names := make([]string, len(m.channels))
	for i, c := range m.channels {
		names[i] = c.Name()
	}
	return names
}

// Notify delivers to all channels and joins their errors. One failing
// channel does not stop the others.
func (m *Multi) Notify(ctx context.Context, n model.Notification) error {
	var g errgroup.Group
	g.SetLimit(m.parallel)
	errs := make([]error, len(m.channels))
	for i, c := range m.channels {
		g.Go(func() error {
			err := c.Notify(ctx, n)
			if m.observer != nil {
				m.observer.ObserveNotification(c.Name(), err)
			}
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.Name(), err)
			}
			return errs[i]
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	return errors.Join(errs...)
}

// DefaultTimeout bounds one asynchronous delivery.
const DefaultTimeout = 30 * time.Second

// Async hands notifications to a background goroutine and returns at once.
// Each delivery runs on a context detached from the caller's cancellation
// with its own timeout.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps next. timeout <= 0 means DefaultTimeout.
func NewAsync(next Notifier, timeout time.Duration, logger *slog.Logger) *Async {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Notify schedules delivery and always returns nil.
func (a *Async) Notify(ctx context.Context, n model.Notification) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, n); err != nil {
			a.logger.Error("notification delivery failed",
				"key", model.KeyPrefix(n.AccessKey), "renewal", n.IsRenewal, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (a *Async) Wait() { a.wg.Wait() }

// maskKey hides all but the first and last four characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
