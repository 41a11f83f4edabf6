package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/zepia/keygate/internal/config"
	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/keystore/boltstore"
	"github.com/zepia/keygate/internal/keystore/memstore"
	"github.com/zepia/keygate/internal/keystore/redisstore"
	"github.com/zepia/keygate/internal/keystore/sqlstore"
	"github.com/zepia/keygate/internal/metrics"
	"github.com/zepia/keygate/internal/notifier"
	"github.com/zepia/keygate/internal/service"
)

// loadSettings decodes and validates the effective configuration.
func loadSettings() (*config.Settings, error) {
	s, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return s, nil
}

// newRegistry creates a store registry with every supported backend registered.
func newRegistry() *keystore.Registry {
	registry := keystore.NewRegistry()
	registry.RegisterDriver("memory", memstore.Open)
	for _, d := range sqlstore.Dialects() {
		registry.RegisterDriver(d, sqlstore.Open)
	}
	registry.RegisterDriver("bolt", boltstore.Open)
	registry.RegisterDriver("redis", redisstore.Open)
	return registry
}

// openStore opens the configured key store.
func openStore(s *config.Settings) (keystore.Store, error) {
	return newRegistry().Open(s.StoreConfig())
}

// newLogger builds the process logger on stderr. dev forces debug level.
func newLogger(s *config.Settings, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(s.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if s.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newNotifier builds the configured delivery channels behind an Async
// wrapper. The log channel is used when nothing else is configured. Call
// Wait on the result before exiting so queued deliveries finish.
func newNotifier(s *config.Settings, m *metrics.Metrics, logger *slog.Logger) *notifier.Async {
	var channels []notifier.Channel

	if s.Notify.SMTP.Host != "" {
		email, err := notifier.NewEmail(notifier.SMTPConfig{
			Host:        s.Notify.SMTP.Host,
			Port:        s.Notify.SMTP.Port,
			Username:    s.Notify.SMTP.Username,
			Password:    s.Notify.SMTP.Password,
			From:        s.Notify.SMTP.From,
			ImplicitTLS: s.Notify.SMTP.ImplicitTLS,
			Brand:       s.Notify.Brand,
		})
		if err != nil {
			logger.Error("email notifications disabled", "error", err)
		} else {
			channels = append(channels, email)
		}
	}

	if s.Notify.Telegram.Token != "" {
		tg, err := notifier.NewTelegram(s.Notify.Telegram.Token, s.Notify.Telegram.ChatID)
		if err != nil {
			logger.Error("telegram alerts disabled", "error", err)
		} else {
			channels = append(channels, tg)
		}
	}

	if len(channels) == 0 {
		channels = append(channels, notifier.NewLog(logger))
	}

	multi := notifier.NewMulti(observerFor(m), channels...)
	logger.Info("notifier initialized", "channels", multi.Channels())
	return notifier.NewAsync(multi, s.Notify.Timeout, logger)
}

// observerFor keeps a nil *metrics.Metrics from becoming a non-nil
// Observer interface.
func observerFor(m *metrics.Metrics) notifier.Observer {
	if m == nil {
		return nil
	}
	return m
}

// newReconciler builds the reconciler for CLI and MCP use. n may be nil.
func newReconciler(s *config.Settings, store keystore.Store, n service.Notifier, logger *slog.Logger) (*service.Reconciler, error) {
	rc, err := s.ReconcilerConfig()
	if err != nil {
		return nil, err
	}
	return service.NewReconciler(store, n, rc, logger), nil
}

// cmdCtx returns a background context bounded by the store timeout.
func cmdCtx(s *config.Settings) (context.Context, context.CancelFunc) {
	timeout := s.Store.Timeout
	if timeout <= 0 {
		timeout = service.DefaultStoreTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
