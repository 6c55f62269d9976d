package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackSink posts lifecycle events to a Slack incoming webhook.
type SlackSink struct {
	delivery *delivery
}

// SlackOption customizes SlackSink behavior.
type SlackOption func(*SlackSink)

// WithSlackTiming overrides delivery timing (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackSink) {
		s.delivery.timing.rateInterval = rateInterval
		s.delivery.timing.rateBurst = rateBurst
		s.delivery.timing.backoffInitial = backoffInitial
		s.delivery.timing.backoffMax = backoffMax
		s.delivery.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackSink creates a Slack sink or a noop sink when the webhook is empty.
func NewSlackSink(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Sink {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	sink := &SlackSink{
		delivery: newDelivery(logger, webhookURL, defaultDeliveryTiming),
	}
	for _, opt := range opts {
		opt(sink)
	}
	return sink
}

// Publish implements Sink.
func (s *SlackSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(buildSlackMessage(event))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return s.delivery.send(ctx, event, payload)
}

func buildSlackMessage(event Event) slack.WebhookMessage {
	summary := slackSummary(event)
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))

	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Resource: *%s*", event.Resource), false, false),
	}
	if event.Kind != "" {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Kind: `%s`", event.Kind), false, false))
	}
	contextBlock := slack.NewContextBlock("", contextElements...)

	fields := make([]*slack.TextBlockObject, 0, 3)
	if event.From != "" || event.To != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Transition:*\n`%s` → `%s`", event.From, event.To), false, false))
	}
	if event.Operation != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Operation:*\n"+event.Operation, false, false))
	}
	if event.Diagnostic != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Diagnostic:*\n"+event.Diagnostic, false, false))
	}
	if event.Error != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Error:*\n"+event.Error, false, false))
	}

	blocks := []slack.Block{header, contextBlock}
	if len(fields) > 0 {
		text := slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*", event.Resource), false, false)
		blocks = append(blocks, slack.NewSectionBlock(text, fields, nil))
	}

	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}

func slackSummary(event Event) string {
	switch event.Type {
	case TypeStateChanged:
		return fmt.Sprintf("Resource %s: %s → %s", event.Resource, event.From, event.To)
	case TypeHealthChanged:
		return fmt.Sprintf("Resource %s health: %s → %s", event.Resource, event.From, event.To)
	case TypePoolExhausted:
		return fmt.Sprintf("Resource %s: connection pool exhausted", event.Resource)
	default:
		return fmt.Sprintf("Resource %s: %s failed", event.Resource, event.Operation)
	}
}
