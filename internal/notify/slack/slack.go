// Package slack announces finished RCAs to Slack via incoming webhooks.
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

	"github.com/linnemanlabs/arbiter/internal/policy"
	"github.com/linnemanlabs/arbiter/internal/triage"
)

const (
	maxRootCauseLen = 2500
	maxReasoningLen = 800
	httpTimeout     = 10 * time.Second
)

// Notifier posts RCA summaries to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ triage.Notifier = (*Notifier)(nil)

// New creates a Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts an RCA summary to the configured webhook.
func (n *Notifier) Send(ctx context.Context, rca *triage.RCA) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(rca))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // webhookURL is from trusted config
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "rca notification sent", "incident_id", rca.Incident.ID, "decision", rca.Decision.Outcome)
	return nil
}

func buildMessage(r *triage.RCA) map[string]any {
	blocks := []map[string]any{
		headerBlock(r),
		fieldsBlock(r),
		{"type": "divider"},
		textSection("Root cause", truncate(r.Investigation.RootCause, maxRootCauseLen), "_No root cause reported._"),
		textSection("Decision", truncate(r.Decision.Reasoning, maxReasoningLen), "_No reasoning recorded._"),
	}
	if len(r.Guardrails) > 0 {
		blocks = append(blocks, guardrailBlock(r.Guardrails))
	}
	blocks = append(blocks, contextBlock(r))
	return map[string]any{"blocks": blocks}
}

func headerBlock(r *triage.RCA) map[string]any {
	title := r.Incident.ShortDescription
	if title == "" {
		title = r.Incident.ID
	}
	text := fmt.Sprintf("%s %s: %s", outcomeEmoji(r), outcomeTitle(r), title)
	return map[string]any{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": truncate(text, 150)},
	}
}

func fieldsBlock(r *triage.RCA) map[string]any {
	field := func(format string, args ...any) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf(format, args...)}
	}
	fields := []map[string]any{
		field("*Incident:* %s", r.Incident.ID),
		field("*Decision:* %s", r.Decision.Outcome),
		field("*Intent:* %s (%.2f)", r.Classification.Intent, r.Classification.Confidence),
		field("*Evidence:* %.2f", r.Investigation.EvidenceScore),
		field("*Score:* %.2f", r.Decision.Score),
		field("*Action:* %s", actionSummary(r.Action)),
	}
	return map[string]any{"type": "section", "fields": fields}
}

func textSection(title, text, empty string) map[string]any {
	if text == "" {
		text = empty
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s*\n%s", title, text)},
	}
}

func guardrailBlock(recs []triage.GuardrailRecord) map[string]any {
	lines := make([]string, 0, len(recs))
	for _, g := range recs {
		lines = append(lines, fmt.Sprintf("• %s: %s → %s", g.Type, g.Original, g.Enforced))
	}
	return textSection("Guardrails", strings.Join(lines, "\n"), "")
}

func contextBlock(r *triage.RCA) map[string]any {
	ts := r.GeneratedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{{
			"type": "mrkdwn",
			"text": fmt.Sprintf("arbiter • rca %s • %.1fs • %s", r.ID, r.Duration, ts.UTC().Format("2006-01-02 15:04 UTC")),
		}},
	}
}

func outcomeTitle(r *triage.RCA) string {
	if r.Status == triage.RCAAborted {
		return "Triage Aborted"
	}
	return "Triage Complete"
}

func outcomeEmoji(r *triage.RCA) string {
	if r.Status == triage.RCAAborted {
		return "\U0001f534" // red circle
	}
	switch r.Decision.Outcome {
	case policy.AutoClose, policy.AutoRetry:
		return "\U0001f7e2" // green circle
	case policy.Escalate:
		return "\U0001f7e0" // orange circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func actionSummary(a triage.ActionResult) string {
	if !a.Attempted() {
		return triage.ActionNone
	}
	if a.Success {
		return a.Action + " (ok)"
	}
	return a.Action + " (failed)"
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
