package notifier

import (
	"context"
	"log/slog"

	"github.com/zepia/keygate/internal/model"
)

// Log records notifications in the application log. It is the fallback
// channel when no delivery channel is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Notify(ctx context.Context, n model.Notification) error {
	l.logger.InfoContext(ctx, "access key notification",
		"to", n.RecipientEmail, "key", model.KeyPrefix(n.AccessKey), "renewal", n.IsRenewal)
	return nil
}
