package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the service-level settings. go-core packages register their
// own configs alongside this one.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string

	PolicyFile          string
	StageTimeoutSeconds int
	BatchConcurrency    int
	LLMRouter           bool

	ClaudeAPIKey       string
	ClaudeModel        string
	AgentMaxToolRounds int
	AgentMaxTokens     int

	PrometheusEndpoint string
	PrometheusTenantID string
	LokiEndpoint       string
	LokiTenantID       string
	ToolGatewayURL     string

	DatabaseURL     string
	DBMaxConns      int
	SlowQueryMillis int

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ClaimTTLSeconds int

	RCABucket  string
	RCAPrefix  string
	AWSRegion  string
	S3Endpoint string

	ServiceNowURL      string
	ServiceNowUser     string
	ServiceNowPassword string

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated bearer tokens accepted by the incident API")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML policy table layered over the built-in defaults (empty = defaults)")
	fs.IntVar(&c.StageTimeoutSeconds, "stage-timeout-seconds", 120, "timeout per collaborator call (1..900)")
	fs.IntVar(&c.BatchConcurrency, "batch-concurrency", 4, "incidents processed concurrently by one batch request (1..64)")
	fs.BoolVar(&c.LLMRouter, "llm-router", false, "ask the model which optional stages to run (policy rules still bound the plan)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.IntVar(&c.AgentMaxToolRounds, "agent-max-tool-rounds", 15, "tool rounds per collaborator call (1..50)")
	fs.IntVar(&c.AgentMaxTokens, "agent-max-tokens", 50000, "token budget per collaborator call (1000..500000)")

	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus-compatible endpoint for the metrics tool (empty = disabled)")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "X-Scope-OrgID for the metrics tool")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for the log search tool (empty = disabled)")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "X-Scope-OrgID for the log search tool")
	fs.StringVar(&c.ToolGatewayURL, "tool-gateway-url", "", "MCP streamable-HTTP endpoint offering pipeline tools (empty = disabled)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL connections (1..200)")
	fs.IntVar(&c.SlowQueryMillis, "slow-query-ms", 500, "log queries slower than this many milliseconds (0 = log every query)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for cross-replica incident claims (empty = single replica)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.IntVar(&c.ClaimTTLSeconds, "claim-ttl-seconds", 900, "lifetime of an incident claim (60..7200)")

	fs.StringVar(&c.RCABucket, "rca-bucket", "", "S3 bucket for archived RCAs (empty = disabled)")
	fs.StringVar(&c.RCAPrefix, "rca-prefix", "rca/", "key prefix for archived RCAs")
	fs.StringVar(&c.AWSRegion, "aws-region", "us-east-1", "AWS region for the RCA bucket")
	fs.StringVar(&c.S3Endpoint, "s3-endpoint", "", "custom S3 endpoint (MinIO, LocalStack)")

	fs.StringVar(&c.ServiceNowURL, "servicenow-url", "", "ServiceNow instance URL for ticket updates (empty = disabled)")
	fs.StringVar(&c.ServiceNowUser, "servicenow-user", "", "ServiceNow basic-auth user")
	fs.StringVar(&c.ServiceNowPassword, "servicenow-password", "", "ServiceNow basic-auth password")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for RCA notifications")
}

// Tokens returns the configured API tokens with blanks removed.
func (c *Config) Tokens() []string {
	var out []string
	for _, t := range strings.Split(c.APITokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// StageTimeout returns the per-collaborator timeout.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

// ClaimTTL returns the incident claim lifetime.
func (c *Config) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

// SlowQuery returns the slow-query log threshold.
func (c *Config) SlowQuery() time.Duration {
	return time.Duration(c.SlowQueryMillis) * time.Millisecond
}

// Validate checks all configuration fields for correctness.
// It returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if len(c.Tokens()) == 0 {
		errs = append(errs, errors.New("API_TOKENS is required"))
	}

	errs = appendRange(errs, "STAGE_TIMEOUT_SECONDS", c.StageTimeoutSeconds, 1, 900)
	errs = appendRange(errs, "BATCH_CONCURRENCY", c.BatchConcurrency, 1, 64)
	errs = appendRange(errs, "AGENT_MAX_TOOL_ROUNDS", c.AgentMaxToolRounds, 1, 50)
	errs = appendRange(errs, "AGENT_MAX_TOKENS", c.AgentMaxTokens, 1000, 500000)
	errs = appendRange(errs, "DB_MAX_CONNS", c.DBMaxConns, 1, 200)
	errs = appendRange(errs, "CLAIM_TTL_SECONDS", c.ClaimTTLSeconds, 60, 7200)
	if c.SlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid SLOW_QUERY_MS %d (must be >= 0)", c.SlowQueryMillis))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}

	// The collaborators cannot run without a model
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	for name, raw := range map[string]string{
		"PROMETHEUS_ENDPOINT": c.PrometheusEndpoint,
		"LOKI_ENDPOINT":       c.LokiEndpoint,
		"TOOL_GATEWAY_URL":    c.ToolGatewayURL,
		"S3_ENDPOINT":         c.S3Endpoint,
		"SERVICENOW_URL":      c.ServiceNowURL,
		"SLACK_WEBHOOK_URL":   c.SlackWebhookURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid %s %q (must be an absolute URL)", name, raw))
		}
	}

	if c.ServiceNowURL != "" && (c.ServiceNowUser == "" || c.ServiceNowPassword == "") {
		errs = append(errs, errors.New("SERVICENOW_USER and SERVICENOW_PASSWORD are required when SERVICENOW_URL is set"))
	}
	if c.RCABucket != "" && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required when RCA_BUCKET is set"))
	}

	return errors.Join(errs...)
}

func appendRange(errs []error, name string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return append(errs, fmt.Errorf("invalid %s %d (must be %d..%d)", name, v, lo, hi))
	}
	return errs
}
