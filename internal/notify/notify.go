package notify

import (
	"context"
	"fmt"
	"html"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mailgram-io/mailgram/internal/models"
)

var (
	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_delivered_total",
		Help: "Notifications handed to the delivery collaborator",
	})
	renderFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_render_failed_total",
		Help: "Notifications skipped because rendering failed",
	})
	deliverFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_deliver_failed_total",
		Help: "Delivery attempts that returned an error",
	})
)

// Renderer turns notification HTML into an image. Rendering may fail
// on unrenderable content; callers skip the notification in that case.
type Renderer interface {
	Render(ctx context.Context, htmlContent string) ([]byte, error)
}

// Sender delivers a rendered notification to the mailbox owner.
// Delivery is fire-and-forget from this subsystem's perspective.
type Sender interface {
	Deliver(ctx context.Context, ownerID int64, image []byte) error
}

// Notifier composes, renders, and dispatches one notification per
// matched message.
type Notifier struct {
	renderer Renderer
	sender   Sender
	policy   *bluemonday.Policy
	logger   *log.Logger
}

// NotifierOption customizes a Notifier.
type NotifierOption func(*Notifier)

// WithLogger overrides the logger used for delivery diagnostics.
func WithLogger(logger *log.Logger) NotifierOption {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier wires the rendering and delivery collaborators.
func NewNotifier(renderer Renderer, sender Sender, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		renderer: renderer,
		sender:   sender,
		policy:   notificationPolicy(),
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// notificationPolicy keeps only the minimal markup the composed
// snippet uses; everything else in decoded content is stripped before
// it reaches the renderer.
func notificationPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "br")
	return p
}

// Notify renders the message and hands it to the sender. Render
// failure skips the notification (the message still counts as seen);
// delivery failure is logged, never retried here.
func (n *Notifier) Notify(ctx context.Context, ownerID int64, msg *models.DecodedMessage) error {
	id := uuid.NewString()

	image, err := n.renderer.Render(ctx, n.ComposeHTML(msg))
	if err != nil {
		renderFailedTotal.Inc()
		n.logger.Printf("notify %s: render failed for owner %d, skipping: %v", id, ownerID, err)
		return nil
	}

	if err := n.sender.Deliver(ctx, ownerID, image); err != nil {
		deliverFailedTotal.Inc()
		n.logger.Printf("notify %s: delivery failed for owner %d: %v", id, ownerID, err)
		return nil
	}

	deliveredTotal.Inc()
	return nil
}

// ComposeHTML builds the snippet handed to the image renderer: one
// line per header plus the cleaned body.
func (n *Notifier) ComposeHTML(msg *models.DecodedMessage) string {
	var b strings.Builder
	writeLine := func(label, value string) {
		fmt.Fprintf(&b, "<b>%s:</b> %s<br>", label, html.EscapeString(value))
	}
	writeLine("Date", msg.Date)
	writeLine("From", msg.Sender)
	writeLine("To", msg.Recipient)
	writeLine("Subject", msg.Subject)
	writeLine("Message", msg.Body)
	return n.policy.Sanitize(b.String())
}
