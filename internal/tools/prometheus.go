package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

const (
	maxMetricSeries   = 30
	defaultRangeStep  = "60"
	maxMetricBodySize = 5 << 20
)

// MetricsQuery runs PromQL against a Prometheus-compatible API (Prometheus,
// Mimir, Thanos). With a start time it runs a range query, otherwise an
// instant query.
type MetricsQuery struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

type metricsInput struct {
	Query string `json:"query"`
	Time  string `json:"time,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Step  string `json:"step,omitempty"`
}

func (in metricsInput) ranged() bool { return in.Start != "" }

// NewMetricsQuery creates a metrics tool. tenantID is sent as X-Scope-OrgID
// when non-empty.
func NewMetricsQuery(endpoint, tenantID string) *MetricsQuery {
	return &MetricsQuery{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *MetricsQuery) Name() string { return "query_metrics" }

func (p *MetricsQuery) Description() string {
	return `Query pipeline and platform metrics with PromQL. Use this to check job
failure counts, consumer lag, row counts landed per partition, and resource
saturation around the time an incident was raised.

Omit start for an instant query at "time" (default now). Pass start (and
optionally end and step in seconds) to get a range query; prefer a coarse
step over long windows.`
}

func (p *MetricsQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {"type": "string", "description": "PromQL expression"},
            "time":  {"type": "string", "description": "Instant evaluation time (RFC3339 or unix). Defaults to now."},
            "start": {"type": "string", "description": "Range start (RFC3339 or unix). Switches to a range query."},
            "end":   {"type": "string", "description": "Range end. Defaults to now."},
            "step":  {"type": "string", "description": "Range step in seconds. Defaults to 60."}
        },
        "required": ["query"]
    }`)
}

func (p *MetricsQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input metricsInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	q := u.Query()
	q.Set("query", input.Query)
	if input.ranged() {
		u.Path = path.Join(u.Path, "api/v1/query_range")
		end := input.End
		if end == "" {
			end = time.Now().UTC().Format(time.RFC3339)
		}
		step := input.Step
		if step == "" {
			step = defaultRangeStep
		}
		q.Set("start", input.Start)
		q.Set("end", end)
		q.Set("step", step)
	} else {
		u.Path = path.Join(u.Path, "api/v1/query")
		if input.Time != "" {
			q.Set("time", input.Time)
		}
	}
	u.RawQuery = q.Encode()

	body, err := p.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var promResp struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string            `json:"resultType"`
			Result     []json.RawMessage `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &promResp); err != nil {
		return body, nil
	}
	if promResp.Status != successStatus {
		return nil, fmt.Errorf("metrics query failed: %s", string(body))
	}

	series := promResp.Data.Result
	truncated := len(series) > maxMetricSeries
	if truncated {
		series = series[:maxMetricSeries]
	}

	return json.Marshal(map[string]any{
		"result_type":  promResp.Data.ResultType,
		"result_count": len(promResp.Data.Result),
		"results":      series,
		"truncated":    truncated,
	})
}

func (p *MetricsQuery) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if p.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", p.tenantID)
	}

	resp, err := p.httpClient.Do(req) //nolint:gosec // endpoint comes from config, tool params are query-encoded
	if err != nil {
		return nil, fmt.Errorf("metrics query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetricBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics backend returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
