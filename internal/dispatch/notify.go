// Package dispatch delivers what the core has to say to drivers, riders and
// operators: push notifications through a Sender and realtime events over
// kv pub/sub channels, relayed to apps by a websocket hub.
package dispatch

import (
	"context"
	"log/slog"
)

// Notification templates.
const (
	TemplateAssigned        = "assigned"
	TemplateBookingAssigned = "bookingAssigned"
	TemplateCanceled        = "canceled"
	TemplateNewOffer        = "newOffer"
	TemplateNoDriverFound   = "noDriverFound"
	TemplateMessage         = "message"
)

var titles = map[string]string{
	TemplateAssigned:        "Driver on the way",
	TemplateBookingAssigned: "Booking assigned",
	TemplateCanceled:        "Order canceled",
	TemplateNewOffer:        "New ride request",
	TemplateNoDriverFound:   "No driver found",
	TemplateMessage:         "New message",
}

// Title returns the display title for a template key.
func Title(template string) string {
	if t, ok := titles[template]; ok {
		return t
	}
	return template
}

type Push struct {
	Token    string
	Template string
	Args     map[string]string
}

// Sender is a push backend.
type Sender interface {
	Send(ctx context.Context, p Push) error
}

// Notifier is the fire-and-forget front of a Sender: errors are logged, never returned.
type Notifier struct {
	sender Sender
	logger *slog.Logger
}

func NewNotifier(sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, logger: logger.With("component", "notify")}
}

func (n *Notifier) Send(ctx context.Context, token, template string, args map[string]string) {
	if token == "" {
		return
	}
	if err := n.sender.Send(ctx, Push{Token: token, Template: template, Args: args}); err != nil {
		n.logger.WarnContext(ctx, "notification dropped", "template", template, "err", err)
	}
}

// LogSender only logs pushes. Used when no push provider is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) Send(ctx context.Context, p Push) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "push", "template", p.Template, "args", p.Args)
	return nil
}
