// Package notify fans Agreement lifecycle events out to human channels
// (Telegram, Discord). Events can be filtered by type and throttled per
// event type so a burst of fills does not flood a chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Modulend/core-v1/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Throttle caps how many notifications of one event type go out per window.
type Throttle struct {
	Limiter domain.RateLimiter
	Limit   int
	Window  time.Duration
}

// Notifier dispatches notifications to one or more Senders. Notify only
// forwards event types in the allowed set; NotifyAll bypasses the filter.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	throttle *Throttle
	logger   *slog.Logger
}

// NewNotifier creates a Notifier for the given senders. An empty events
// list allows every event type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// WithThrottle enables per-event-type throttling.
func (n *Notifier) WithThrottle(t Throttle) *Notifier {
	n.throttle = &t
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify sends a notification for event if the event type is allowed and
// not throttled.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.throttle != nil && n.throttle.Limiter != nil {
		ok, err := n.throttle.Limiter.Allow(ctx, "notify:"+event, n.throttle.Limit, n.throttle.Window)
		if err != nil {
			n.logger.WarnContext(ctx, "notify throttle unavailable", slog.String("error", err.Error()))
		} else if !ok {
			n.logger.DebugContext(ctx, "event throttled", slog.String("event", event))
			return nil
		}
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch delivers to every sender. One failing sender does not stop the
// others; all failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
