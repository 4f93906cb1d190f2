// Package notify delivers operator notifications. Every Notifier is
// fire-and-forget: delivery failures are logged, never returned.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

// Log writes notifications to a zap logger at a level matching their severity.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Notifier backed by logger.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify")}
}

// Notify logs n.
func (l *Log) Notify(_ context.Context, n crawler.Notification) {
	level := zapcore.InfoLevel
	switch n.Severity {
	case crawler.SeverityWarning:
		level = zapcore.WarnLevel
	case crawler.SeverityError:
		level = zapcore.ErrorLevel
	}
	l.logger.Log(level, n.Body,
		zap.String("category", n.Category),
		zap.Time("at", stamp(n).At),
	)
}

// Multi fans a notification out to several notifiers in order.
type Multi []crawler.Notifier

// Notify forwards n to every non-nil notifier.
func (m Multi) Notify(ctx context.Context, n crawler.Notification) {
	n = stamp(n)
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(ctx, n)
		}
	}
}

// Nop discards notifications.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, crawler.Notification) {}

// stamp fills in the notification time when the caller left it empty.
func stamp(n crawler.Notification) crawler.Notification {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	return n
}

// Warn builds a warning notification.
func Warn(category, body string) crawler.Notification {
	return crawler.Notification{Severity: crawler.SeverityWarning, Category: category, Body: body}
}

// Error builds an error notification.
func Error(category, body string) crawler.Notification {
	return crawler.Notification{Severity: crawler.SeverityError, Category: category, Body: body}
}

// Info builds an informational notification.
func Info(category, body string) crawler.Notification {
	return crawler.Notification{Severity: crawler.SeverityInfo, Category: category, Body: body}
}
