package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

const (
	defaultLogLimit  = 100
	maxLogLimit      = 500
	defaultLogWindow = time.Hour
	maxLogWindow     = 6 * time.Hour
	maxLogBodySize   = 5 << 20
)

const successStatus = "success"

// LokiQuery searches pipeline logs in Loki with LogQL.
type LokiQuery struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

type lokiInput struct {
	Query string `json:"query"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type logLine struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

// NewLokiQuery creates a log search tool. tenantID is sent as X-Scope-OrgID
// when non-empty.
func NewLokiQuery(endpoint, tenantID string) *LokiQuery {
	return &LokiQuery{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *LokiQuery) Name() string { return "search_logs" }

func (l *LokiQuery) Description() string {
	return `Search pipeline logs with LogQL. Use this to find the task or job error that
caused an incident: DAG task failures, Glue or EMR step errors, Athena query
errors, Kafka consumer exceptions.

Typical selectors: {app="airflow", dag_id="orders_daily"}, {job="glue", job_name="..."}.
Add line filters: |= "ERROR" or |~ "AccessDenied|Throttling".
Prefer exact matches (|=) over regex. The window is capped at 6 hours per
query; make several queries for longer investigations.`
}

func (l *LokiQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {"type": "string", "description": "LogQL expression, e.g. {app=\"airflow\"} |= \"ERROR\""},
            "start": {"type": "string", "description": "Start time (RFC3339). Defaults to 1 hour before end."},
            "end":   {"type": "string", "description": "End time (RFC3339). Defaults to now."},
            "limit": {"type": "integer", "description": "Maximum log lines. Default 100, max 500."}
        },
        "required": ["query"]
    }`)
}

// parseLokiInput validates params and fills defaults. The window is clamped
// to maxLogWindow ending at end.
func parseLokiInput(params json.RawMessage, now time.Time) (lokiInput, error) {
	var input lokiInput
	if err := json.Unmarshal(params, &input); err != nil {
		return input, fmt.Errorf("invalid params: %w", err)
	}
	if input.Query == "" {
		return input, fmt.Errorf("query is required")
	}

	switch {
	case input.Limit <= 0:
		input.Limit = defaultLogLimit
	case input.Limit > maxLogLimit:
		input.Limit = maxLogLimit
	}

	end := now.UTC()
	if input.End != "" {
		t, err := time.Parse(time.RFC3339, input.End)
		if err != nil {
			return input, fmt.Errorf("invalid end: %w", err)
		}
		end = t
	}
	start := end.Add(-defaultLogWindow)
	if input.Start != "" {
		t, err := time.Parse(time.RFC3339, input.Start)
		if err != nil {
			return input, fmt.Errorf("invalid start: %w", err)
		}
		start = t
	}
	if !start.Before(end) {
		return input, fmt.Errorf("start must be before end")
	}
	if end.Sub(start) > maxLogWindow {
		start = end.Add(-maxLogWindow)
	}

	input.Start = start.Format(time.RFC3339Nano)
	input.End = end.Format(time.RFC3339Nano)
	return input, nil
}

// flattenStreams merges streams into at most limit lines. Labels are attached
// to the first line of each stream only.
func flattenStreams(results []lokiStream, limit int) []logLine {
	lines := make([]logLine, 0, limit)
	for _, stream := range results {
		labels := stream.Stream
		for _, entry := range stream.Values {
			if len(entry) < 2 {
				continue
			}
			lines = append(lines, logLine{Timestamp: entry[0], Line: entry[1], Labels: labels})
			labels = nil
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}

func (l *LokiQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	input, err := parseLokiInput(params, time.Now())
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	q := u.Query()
	q.Set("query", input.Query)
	q.Set("start", input.Start)
	q.Set("end", input.End)
	q.Set("limit", strconv.Itoa(input.Limit))
	q.Set("direction", "backward")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if l.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.tenantID)
	}

	resp, err := l.httpClient.Do(req) //nolint:gosec // endpoint comes from config, tool params are query-encoded
	if err != nil {
		return nil, fmt.Errorf("loki query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLogBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki returned %d: %s", resp.StatusCode, string(body))
	}

	var lokiResp lokiResponse
	if err := json.Unmarshal(body, &lokiResp); err != nil {
		return body, nil
	}
	if lokiResp.Status != successStatus {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	lines := flattenStreams(lokiResp.Data.Result, input.Limit)
	return json.Marshal(map[string]any{
		"stream_count": len(lokiResp.Data.Result),
		"line_count":   len(lines),
		"lines":        lines,
		"truncated":    len(lines) >= input.Limit,
	})
}
