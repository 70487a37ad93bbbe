// Package servicenow writes triage outcomes back to ServiceNow incidents via
// the Table API.
package servicenow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/arbiter/internal/policy"
	"github.com/linnemanlabs/arbiter/internal/triage"
)

const (
	httpTimeout   = 15 * time.Second
	maxNoteDetail = 1500
)

// Config holds the instance URL and basic-auth credentials.
type Config struct {
	InstanceURL string
	Username    string
	Password    string
}

// Client updates incident state and work notes.
type Client struct {
	base     string
	username string
	password string
	client   *http.Client
}

var _ triage.TicketUpdater = (*Client)(nil)

// New creates a ServiceNow client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.InstanceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("servicenow: invalid instance url %q", cfg.InstanceURL)
	}
	return &Client{
		base:     strings.TrimRight(cfg.InstanceURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: httpTimeout},
	}, nil
}

type updateBody struct {
	State     string `json:"state"`
	WorkNotes string `json:"work_notes"`
}

// UpdateTicket sets the incident state from the fixed outcome mapping and
// appends a work note summarising the decision.
func (c *Client) UpdateTicket(ctx context.Context, incidentID string, outcome policy.Outcome, rca *triage.RCA) error {
	if !outcome.Valid() {
		return fmt.Errorf("servicenow: no ticket status for outcome %q", outcome)
	}

	body, err := json.Marshal(updateBody{State: policy.TicketStatus(outcome), WorkNotes: workNotes(outcome, rca)})
	if err != nil {
		return fmt.Errorf("servicenow: marshal update: %w", err)
	}

	endpoint := c.base + "/api/now/table/incident/" + url.PathEscape(incidentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("servicenow: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req) //nolint:gosec // base url is from trusted config
	if err != nil {
		return fmt.Errorf("servicenow: patch incident %s: %w", incidentID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("servicenow: incident %s returned %d: %s", incidentID, resp.StatusCode, string(respBody))
	}
	return nil
}

func workNotes(outcome policy.Outcome, rca *triage.RCA) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated analysis complete. Decision: %s", outcome)
	if rca == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "\nIntent: %s (confidence %.2f)", rca.Classification.Intent, rca.Classification.Confidence)
	if rc := rca.Investigation.RootCause; rc != "" {
		fmt.Fprintf(&b, "\nRoot cause: %s", clip(rc, maxNoteDetail))
	}
	if rca.Action.Attempted() {
		fmt.Fprintf(&b, "\nAction: %s (success=%t)", rca.Action.Action, rca.Action.Success)
	}
	if r := rca.Decision.Reasoning; r != "" {
		fmt.Fprintf(&b, "\nReasoning: %s", clip(r, maxNoteDetail))
	}
	return b.String()
}

// clip bounds s to n bytes, cutting on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
