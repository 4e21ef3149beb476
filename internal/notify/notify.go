// Package notify defines the boundary to the notification gateway.
// Template rendering lives on the gateway side; the core only names a
// template and supplies a context map with named placeholders.
package notify

import (
	"context"
	"log/slog"
)

// Template keys for every event the core raises.
const (
	TemplateConfirmationRequired = "session_confirmation_required"
	TemplateConfirmed            = "session_confirmed"
	TemplateDisconnected         = "session_disconnected"
	TemplateExpired              = "session_expired"
	TemplateReminder             = "session_reminder"
)

// Notifier delivers a templated message to a grantee. Implementations
// are external collaborators (chat bots, webhooks); failures are logged
// by callers and never block a state transition.
type Notifier interface {
	Notify(ctx context.Context, granteeID, template string, context map[string]string) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, granteeID, template string, context map[string]string) error

func (f Func) Notify(ctx context.Context, granteeID, template string, c map[string]string) error {
	return f(ctx, granteeID, template, c)
}

// Nop discards every notification.
func Nop() Notifier {
	return Func(func(context.Context, string, string, map[string]string) error { return nil })
}

// Logger writes notifications to the log; the default when no gateway
// is configured.
func Logger(log *slog.Logger) Notifier {
	return Func(func(_ context.Context, granteeID, template string, c map[string]string) error {
		log.Info("notify",
			"grantee_id", granteeID,
			"template", template,
			"context", c,
		)
		return nil
	})
}
