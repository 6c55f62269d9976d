package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

const defaultWebhookTemplate = `{"event":{{ toJson .Event }}}`

// WebhookPayload is the template context for webhook deliveries.
type WebhookPayload struct {
	Event       Event
	GeneratedAt time.Time
}

// WebhookSink delivers events to a generic webhook endpoint.
type WebhookSink struct {
	template *template.Template
	delivery *delivery
}

// WebhookOption customizes WebhookSink behavior.
type WebhookOption func(*WebhookSink)

// WithWebhookTiming overrides delivery timing (primarily for testing).
func WithWebhookTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) WebhookOption {
	return func(s *WebhookSink) {
		s.delivery.timing.rateInterval = rateInterval
		s.delivery.timing.rateBurst = rateBurst
		s.delivery.timing.backoffInitial = backoffInitial
		s.delivery.timing.backoffMax = backoffMax
		s.delivery.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewWebhookSink creates a webhook sink with the provided template.
// Returns nil when no URL is configured.
func NewWebhookSink(logger zerolog.Logger, webhookURL string, tmpl string, opts ...WebhookOption) (*WebhookSink, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(template.FuncMap{
		"toJson": func(v any) (string, error) {
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	}).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	sink := &WebhookSink{
		template: parsed,
		delivery: newDelivery(logger, webhookURL, defaultDeliveryTiming),
	}
	for _, opt := range opts {
		opt(sink)
	}
	return sink, nil
}

// Publish implements Sink.
func (s *WebhookSink) Publish(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}

	payload := WebhookPayload{
		Event:       event,
		GeneratedAt: time.Now().UTC(),
	}

	var buf bytes.Buffer
	if err := s.template.Execute(&buf, payload); err != nil {
		return fmt.Errorf("render webhook template: %w", err)
	}

	return s.delivery.send(ctx, event, buf.Bytes())
}
