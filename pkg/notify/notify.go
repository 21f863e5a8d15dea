// Package notify is the "tell the user something happened" sink used for
// background failures. Every implementation is fire-and-forget.
package notify

import (
	"context"
	"time"

	"ai-coach-context/internal/pkg/logger"
	"ai-coach-context/pkg/events"

	"github.com/google/uuid"
)

const logModule = "notify"

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notification struct {
	Level   Level
	Kind    string // one of the events.Type* constants
	Message string
	Path    string
	At      time.Time
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop drops notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// LogNotifier writes notifications to the application log.
type LogNotifier struct {
	log logger.ILogger
}

func NewLogNotifier(log logger.ILogger) *LogNotifier {
	return &LogNotifier{log: logger.OrNop(log)}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) {
	details := map[string]interface{}{"kind": n.Kind, "path": n.Path}
	switch n.Level {
	case LevelError:
		l.log.Error(logModule, n.Message, details)
	case LevelWarning:
		l.log.Warn(logModule, n.Message, details)
	default:
		l.log.Info(logModule, n.Message, details)
	}
}

// EventPublisher is the slice of the NATS publisher the notifier needs.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// BusNotifier publishes notifications as events so a UI process can surface them.
type BusNotifier struct {
	pub     EventPublisher
	log     logger.ILogger
	timeout time.Duration
}

func NewBusNotifier(pub EventPublisher, log logger.ILogger) *BusNotifier {
	return &BusNotifier{pub: pub, log: logger.OrNop(log), timeout: 3 * time.Second}
}

func (b *BusNotifier) Notify(ctx context.Context, n Notification) {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	event := events.BaseEvent{
		ID:   uuid.NewString(),
		Type: n.Kind,
		Data: map[string]interface{}{
			"level":   string(n.Level),
			"message": n.Message,
			"path":    n.Path,
		},
		OccurredAt: at,
	}

	// detached from the caller: the originating task may already be finishing
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()
	if err := b.pub.Publish(pubCtx, event); err != nil {
		b.log.Warn(logModule, "Failed to publish notification", map[string]interface{}{
			"error": err.Error(),
			"kind":  n.Kind,
		})
	}
}

// Multi fans a notification out to several sinks.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(ctx, n)
		}
	}
}
