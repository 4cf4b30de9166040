// Package slack posts incident notifications to Slack via incoming
// webhooks. New incidents always notify; merges only notify once they
// reach critical urgency, so a busy incident does not flood the channel.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/flashpoint/internal/engine"
	"github.com/linnemanlabs/flashpoint/internal/fragment"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends incident updates to a Slack webhook. It implements
// engine.UpdateListener.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, every send
// is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// OnIncidentUpdate posts notable updates to the webhook. Errors are
// logged and swallowed; notification failure never affects aggregation.
func (n *Notifier) OnIncidentUpdate(ctx context.Context, in *engine.Incident, outcome string) {
	if !notable(in, outcome) {
		return
	}
	if err := n.Send(ctx, in, outcome); err != nil {
		n.logger.Error(ctx, err, "slack notification failed", "incident_id", in.ID)
	}
}

func notable(in *engine.Incident, outcome string) bool {
	if outcome == engine.OutcomeCreated {
		return true
	}
	return outcome == engine.OutcomeMerged && in.Urgency == fragment.UrgencyCritical
}

// Send posts one incident to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, in *engine.Incident, outcome string) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(in, outcome)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(in *engine.Incident, outcome string) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(in, outcome),
			{"type": "divider"},
			fieldsBlock(in),
			{"type": "divider"},
			summaryBlock(in),
			{"type": "divider"},
			contextBlock(in),
		},
	}
}

func headerBlock(in *engine.Incident, outcome string) map[string]any {
	title := "Incident Update"
	if outcome == engine.OutcomeCreated {
		title = "New Incident"
	}
	text := fmt.Sprintf("%s %s: %s", urgencyEmoji(in.Urgency), title, eventTitle(in.EventType))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(in *engine.Incident) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Urgency:* %s", in.Urgency),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", in.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Reports:* %d", len(in.FragmentIDs)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Location:* %s", locationLine(in)),
		},
	}
	if in.Casualties != nil {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Casualties:* %d-%d", in.Casualties.Low, in.Casualties.High),
		})
	}
	if len(in.Needs) > 0 {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Needs:* %s", strings.Join(in.Needs, ", ")),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(in *engine.Incident) map[string]any {
	text := truncate(in.Summary, maxSummaryLen)
	if text == "" {
		text = "_No summary available yet._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Summary*\n\n%s", text),
		},
	}
}

func contextBlock(in *engine.Incident) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("flashpoint • incident %s v%d • %s", in.ID, in.Version,
				in.LastFragmentAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func urgencyEmoji(u fragment.Urgency) string {
	switch {
	case u >= fragment.UrgencyCritical:
		return "\U0001f534" // red circle
	case u >= fragment.UrgencyHigh:
		return "\U0001f7e0" // orange circle
	case u >= fragment.UrgencyMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func eventTitle(et fragment.EventType) string {
	return strings.Title(strings.ReplaceAll(string(et), "_", " ")) //nolint:staticcheck // SA1019: event type names are ASCII
}

func locationLine(in *engine.Incident) string {
	if in.HasCoordinates {
		return fmt.Sprintf("%.4f, %.4f", in.Centroid.Lat, in.Centroid.Lon)
	}
	if in.RawLocationText != "" {
		return in.RawLocationText
	}
	return "unknown"
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
