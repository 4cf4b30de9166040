// Package summarize turns incident state into an operator-facing
// narrative. It listens for incident updates, asks Claude for a summary
// and recommended actions, and writes the result back through the
// engine's versioned summary path. A summary is presentation only; it
// never feeds back into matching.
package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/flashpoint/internal/engine"
)

// Applier is the engine surface the summarizer writes back through.
type Applier interface {
	ApplySummary(ctx context.Context, id string, expectedVersion int64, summary string, actions []string) (*engine.Incident, error)
}

// MessageClient is the subset of the Anthropic client the summarizer
// calls. Tests substitute a fake.
type MessageClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Config carries the summarizer tunables.
type Config struct {
	Model     string
	MaxTokens int64
	// Timeout bounds one LLM call including retries.
	Timeout time.Duration
}

// Summarizer implements engine.UpdateListener.
type Summarizer struct {
	client  MessageClient
	applier Applier
	cfg     Config
	logger  log.Logger
}

// New creates a summarizer. logger may be nil.
func New(client MessageClient, applier Applier, cfg Config, logger log.Logger) *Summarizer {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Summarizer{client: client, applier: applier, cfg: cfg, logger: logger}
}

// OnIncidentUpdate requests a fresh narrative for the incident and
// applies it against the version the update carried. A version conflict
// means a newer merge superseded this request; the next update event
// will trigger a new summary, so the stale one is dropped.
func (s *Summarizer) OnIncidentUpdate(ctx context.Context, in *engine.Incident, outcome string) {
	L := s.logger.With("component", "summarize", "incident_id", in.ID, "incident_version", in.Version)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	summary, actions, err := s.generate(ctx, in)
	if err != nil {
		L.Error(ctx, err, "summary generation failed", "outcome", outcome)
		return
	}

	if _, err := s.applier.ApplySummary(ctx, in.ID, in.Version, summary, actions); err != nil {
		if errors.Is(err, engine.ErrVersionConflict) {
			L.Info(ctx, "summary superseded, dropping")
			return
		}
		L.Error(ctx, err, "summary write-back failed")
		return
	}
	L.Info(ctx, "summary applied", "actions", len(actions))
}

func (s *Summarizer) generate(ctx context.Context, in *engine.Incident) (string, []string, error) {
	prompt := buildPrompt(in)

	op := func() (*anthropic.Message, error) {
		return s.client.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(s.cfg.Model),
			MaxTokens: s.cfg.MaxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second

	msg, err := backoff.Retry(ctx, op, backoff.WithBackOff(eb), backoff.WithMaxTries(3))
	if err != nil {
		return "", nil, fmt.Errorf("claude call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return parseResponse(text)
}

type summaryResponse struct {
	Summary            string   `json:"summary"`
	RecommendedActions []string `json:"recommended_actions"`
}

// parseResponse extracts the JSON payload from the model output,
// tolerating markdown code fences and surrounding prose.
func parseResponse(text string) (string, []string, error) {
	payload := extractJSON(text)
	if payload == "" {
		return "", nil, fmt.Errorf("no JSON object in response: %.200s", text)
	}
	var resp summaryResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return "", nil, fmt.Errorf("parse response: %w", err)
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return "", nil, errors.New("response has empty summary")
	}
	return resp.Summary, resp.RecommendedActions, nil
}

func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func buildPrompt(in *engine.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are writing a situation report for emergency response coordinators.

Summarize the following incident in 2-3 factual sentences, then recommend
concrete response actions. Respond with ONLY a JSON object of the form
{"summary": "...", "recommended_actions": ["...", "..."]}.

Incident:
- Type: %s
- Urgency: %s
- Reports aggregated: %d
- Observed window: %s to %s (UTC)
- Status: %s
`,
		in.EventType, in.Urgency, len(in.FragmentIDs),
		in.Window.Start.UTC().Format(time.RFC3339), in.Window.End.UTC().Format(time.RFC3339),
		in.Status,
	)
	if in.HasCoordinates {
		fmt.Fprintf(&b, "- Location: %.4f, %.4f\n", in.Centroid.Lat, in.Centroid.Lon)
	}
	if in.RawLocationText != "" {
		fmt.Fprintf(&b, "- Reported locations: %s\n", in.RawLocationText)
	}
	if in.Casualties != nil {
		fmt.Fprintf(&b, "- Estimated casualties: %d-%d\n", in.Casualties.Low, in.Casualties.High)
	}
	if in.Displaced != nil {
		fmt.Fprintf(&b, "- Estimated displaced: %d-%d\n", in.Displaced.Low, in.Displaced.High)
	}
	if len(in.Needs) > 0 {
		fmt.Fprintf(&b, "- Humanitarian needs: %s\n", strings.Join(in.Needs, ", "))
	}
	return b.String()
}
