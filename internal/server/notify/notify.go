// Package notify sends upload lifecycle emails through SendGrid.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	texttemplate "text/template"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Event selects the template used for a notification.
type Event string

const (
	EventConfirmation Event = "upload_confirmation"
	EventComplete     Event = "upload_complete"
	EventFailed       Event = "upload_failed"
)

var notificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "intake_notifications_total",
		Help: "Upload notification emails by event and result.",
	},
	[]string{"event", "result"},
)

// Message is the data rendered into a notification.
type Message struct {
	ToEmail  string
	ToName   string
	UploadID string
	Filename string
	Summary  string
	Reason   string
}

// sender is the SendGrid client surface in use.
type sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailNotifier renders fixed templates and hands them to SendGrid.
type EmailNotifier struct {
	client  sender
	from    *mail.Email
	enabled bool
	logger  *slog.Logger
}

// NewEmailNotifier creates a notifier. Without an API key or with enabled
// false every send is skipped.
func NewEmailNotifier(apiKey, fromAddr, fromName string, enabled bool, logger *slog.Logger) *EmailNotifier {
	logger = logger.With("component", "notify")
	if enabled && apiKey == "" {
		logger.Warn("SENDGRID_API_KEY not set, email notifications disabled")
		enabled = false
	}
	var client sender
	if enabled {
		client = sendgrid.NewSendClient(apiKey)
	}
	return &EmailNotifier{
		client:  client,
		from:    mail.NewEmail(fromName, fromAddr),
		enabled: enabled,
		logger:  logger,
	}
}

func (n *EmailNotifier) SendUploadConfirmation(ctx context.Context, msg Message) error {
	return n.send(ctx, EventConfirmation, msg)
}

func (n *EmailNotifier) SendUploadComplete(ctx context.Context, msg Message) error {
	return n.send(ctx, EventComplete, msg)
}

func (n *EmailNotifier) SendUploadFailed(ctx context.Context, msg Message) error {
	return n.send(ctx, EventFailed, msg)
}

func (n *EmailNotifier) send(ctx context.Context, event Event, msg Message) error {
	if !n.enabled || msg.ToEmail == "" {
		n.logger.Debug("notification skipped", "event", event, "upload_id", msg.UploadID)
		notificationsTotal.WithLabelValues(string(event), "skipped").Inc()
		return nil
	}

	email, err := render(event, n.from, msg)
	if err != nil {
		notificationsTotal.WithLabelValues(string(event), "error").Inc()
		return err
	}

	resp, err := n.client.SendWithContext(ctx, email)
	if err != nil {
		notificationsTotal.WithLabelValues(string(event), "error").Inc()
		return fmt.Errorf("sendgrid %s: %w", event, err)
	}
	if resp.StatusCode >= 300 {
		notificationsTotal.WithLabelValues(string(event), "error").Inc()
		return fmt.Errorf("sendgrid %s: status %d: %s", event, resp.StatusCode, resp.Body)
	}

	notificationsTotal.WithLabelValues(string(event), "sent").Inc()
	n.logger.Info("notification sent", "event", event, "upload_id", msg.UploadID)
	return nil
}

type template struct {
	subject string
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

var templates = map[Event]template{
	EventConfirmation: {
		subject: "We received your file",
		text: texttemplate.Must(texttemplate.New("confirmation.txt").Parse(
			"Hi {{.ToName}},\n\nWe received {{.Filename}} and are checking it now. " +
				"You will hear from us once it has been processed.\n\nReference: {{.UploadID}}\n")),
		html: htmltemplate.Must(htmltemplate.New("confirmation.html").Parse(
			`<p>Hi {{.ToName}},</p><p>We received <strong>{{.Filename}}</strong> and are checking it now. ` +
				`You will hear from us once it has been processed.</p><p>Reference: {{.UploadID}}</p>`)),
	},
	EventComplete: {
		subject: "Your file has been processed",
		text: texttemplate.Must(texttemplate.New("complete.txt").Parse(
			"Hi {{.ToName}},\n\n{{.Filename}} has been processed.\n\n{{.Summary}}\n\nReference: {{.UploadID}}\n")),
		html: htmltemplate.Must(htmltemplate.New("complete.html").Parse(
			`<p>Hi {{.ToName}},</p><p><strong>{{.Filename}}</strong> has been processed.</p>` +
				`<p>{{.Summary}}</p><p>Reference: {{.UploadID}}</p>`)),
	},
	EventFailed: {
		subject: "We could not process your file",
		text: texttemplate.Must(texttemplate.New("failed.txt").Parse(
			"Hi {{.ToName}},\n\nWe could not process {{.Filename}}: {{.Reason}}\n\n" +
				"Please contact us and quote reference {{.UploadID}}.\n")),
		html: htmltemplate.Must(htmltemplate.New("failed.html").Parse(
			`<p>Hi {{.ToName}},</p><p>We could not process <strong>{{.Filename}}</strong>: {{.Reason}}</p>` +
				`<p>Please contact us and quote reference {{.UploadID}}.</p>`)),
	},
}

func render(event Event, from *mail.Email, msg Message) (*mail.SGMailV3, error) {
	tpl, ok := templates[event]
	if !ok {
		return nil, errors.New("unknown notification event " + string(event))
	}
	if msg.ToName == "" {
		msg.ToName = "there"
	}

	var text, html bytes.Buffer
	if err := tpl.text.Execute(&text, msg); err != nil {
		return nil, fmt.Errorf("render %s text: %w", event, err)
	}
	if err := tpl.html.Execute(&html, msg); err != nil {
		return nil, fmt.Errorf("render %s html: %w", event, err)
	}

	to := mail.NewEmail(msg.ToName, msg.ToEmail)
	return mail.NewSingleEmail(from, tpl.subject, to, text.String(), html.String()), nil
}
