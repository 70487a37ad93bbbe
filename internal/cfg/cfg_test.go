package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// defaults returns a Config holding the registered flag defaults.
func defaults(t testing.TB) Config {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}
	return c
}

// validBase returns the defaults plus every required field.
func validBase(t testing.TB) Config {
	c := defaults(t)
	c.APITokens = "test-token-123"
	c.ClaudeAPIKey = "sk-test-key"
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	c := defaults(t)

	checks := []struct {
		name      string
		got, want any
	}{
		{"DrainSeconds", c.DrainSeconds, 60},
		{"ShutdownBudgetSeconds", c.ShutdownBudgetSeconds, 90},
		{"APIPort", c.APIPort, 8080},
		{"StageTimeoutSeconds", c.StageTimeoutSeconds, 120},
		{"BatchConcurrency", c.BatchConcurrency, 4},
		{"LLMRouter", c.LLMRouter, false},
		{"ClaudeModel", c.ClaudeModel, "claude-sonnet-4-20250514"},
		{"AgentMaxToolRounds", c.AgentMaxToolRounds, 15},
		{"AgentMaxTokens", c.AgentMaxTokens, 50000},
		{"ClaimTTLSeconds", c.ClaimTTLSeconds, 900},
		{"RCAPrefix", c.RCAPrefix, "rca/"},
		{"AWSRegion", c.AWSRegion, "us-east-1"},
	}
	for _, ch := range checks {
		if ch.got != ch.want {
			t.Errorf("%s = %v, want %v", ch.name, ch.got, ch.want)
		}
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-http-port", "9090",
		"-api-tokens", "a, b ,,c",
		"-policy-file", "/etc/arbiter/policy.yaml",
		"-stage-timeout-seconds", "30",
		"-llm-router",
		"-claude-api-key", "sk-override",
		"-redis-addr", "redis:6379",
		"-slow-query-ms", "250",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if got := c.Tokens(); strings.Join(got, "|") != "a|b|c" {
		t.Errorf("Tokens() = %q, want [a b c]", got)
	}
	if c.PolicyFile != "/etc/arbiter/policy.yaml" {
		t.Errorf("PolicyFile = %q", c.PolicyFile)
	}
	if c.StageTimeout() != 30*time.Second {
		t.Errorf("StageTimeout() = %v, want 30s", c.StageTimeout())
	}
	if !c.LLMRouter {
		t.Error("LLMRouter = false, want true")
	}
	if c.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q", c.RedisAddr)
	}
	if c.SlowQuery() != 250*time.Millisecond {
		t.Errorf("SlowQuery() = %v, want 250ms", c.SlowQuery())
	}
	if c.ClaimTTL() != 15*time.Minute {
		t.Errorf("ClaimTTL() = %v, want 15m", c.ClaimTTL())
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errSubstr []string
	}{
		{name: "defaults plus required are valid", mutate: func(*Config) {}},
		{
			name: "minimum valid values",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
				c.StageTimeoutSeconds, c.BatchConcurrency, c.AgentMaxToolRounds = 1, 1, 1
				c.AgentMaxTokens, c.DBMaxConns, c.ClaimTTLSeconds, c.SlowQueryMillis = 1000, 1, 60, 0
			},
		},
		{
			name: "maximum valid values",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
				c.StageTimeoutSeconds, c.BatchConcurrency, c.AgentMaxToolRounds = 900, 64, 50
				c.AgentMaxTokens, c.DBMaxConns, c.ClaimTTLSeconds = 500000, 200, 7200
			},
		},
		{name: "drain zero", mutate: func(c *Config) { c.DrainSeconds = 0 }, wantErr: true, errSubstr: []string{"DRAIN_SECONDS"}},
		{name: "drain above max", mutate: func(c *Config) { c.DrainSeconds = 301 }, wantErr: true, errSubstr: []string{"DRAIN_SECONDS"}},
		{name: "budget above max", mutate: func(c *Config) { c.ShutdownBudgetSeconds = 301 }, wantErr: true, errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"}},
		{name: "budget equals drain", mutate: func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds }, wantErr: true, errSubstr: []string{"must be greater than"}},
		{name: "port above max", mutate: func(c *Config) { c.APIPort = 65536 }, wantErr: true, errSubstr: []string{"HTTP_PORT"}},
		{name: "no api tokens", mutate: func(c *Config) { c.APITokens = " , " }, wantErr: true, errSubstr: []string{"API_TOKENS"}},
		{name: "no claude key", mutate: func(c *Config) { c.ClaudeAPIKey = "" }, wantErr: true, errSubstr: []string{"CLAUDE_API_KEY"}},
		{name: "no claude model", mutate: func(c *Config) { c.ClaudeModel = "" }, wantErr: true, errSubstr: []string{"CLAUDE_MODEL"}},
		{name: "stage timeout zero", mutate: func(c *Config) { c.StageTimeoutSeconds = 0 }, wantErr: true, errSubstr: []string{"STAGE_TIMEOUT_SECONDS"}},
		{name: "batch too wide", mutate: func(c *Config) { c.BatchConcurrency = 65 }, wantErr: true, errSubstr: []string{"BATCH_CONCURRENCY"}},
		{name: "token budget too small", mutate: func(c *Config) { c.AgentMaxTokens = 10 }, wantErr: true, errSubstr: []string{"AGENT_MAX_TOKENS"}},
		{name: "claim ttl too short", mutate: func(c *Config) { c.ClaimTTLSeconds = 5 }, wantErr: true, errSubstr: []string{"CLAIM_TTL_SECONDS"}},
		{name: "negative slow query", mutate: func(c *Config) { c.SlowQueryMillis = -1 }, wantErr: true, errSubstr: []string{"SLOW_QUERY_MS"}},
		{name: "negative redis db", mutate: func(c *Config) { c.RedisDB = -1 }, wantErr: true, errSubstr: []string{"REDIS_DB"}},
		{name: "relative loki url", mutate: func(c *Config) { c.LokiEndpoint = "loki:3100" }, wantErr: true, errSubstr: []string{"LOKI_ENDPOINT"}},
		{name: "valid tool urls", mutate: func(c *Config) {
			c.PrometheusEndpoint = "http://mimir:8080/prometheus"
			c.LokiEndpoint = "http://loki:3100"
			c.ToolGatewayURL = "https://gateway.internal/mcp"
		}},
		{name: "servicenow without credentials", mutate: func(c *Config) { c.ServiceNowURL = "https://acme.service-now.com" }, wantErr: true, errSubstr: []string{"SERVICENOW_USER"}},
		{name: "servicenow with credentials", mutate: func(c *Config) {
			c.ServiceNowURL, c.ServiceNowUser, c.ServiceNowPassword = "https://acme.service-now.com", "u", "p"
		}},
		{name: "bucket without region", mutate: func(c *Config) { c.RCABucket, c.AWSRegion = "rcas", "" }, wantErr: true, errSubstr: []string{"AWS_REGION"}},
		{
			name: "errors accumulate",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 0, 0, 0
				c.APITokens, c.ClaudeAPIKey = "", ""
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "API_TOKENS", "CLAUDE_API_KEY"},
		},
		{
			name: "extreme negative values",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase(t)
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				for _, sub := range tt.errSubstr {
					if !strings.Contains(err.Error(), sub) {
						t.Errorf("error %q does not contain %q", err, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	f.Add(60, 90, 8080, "tok", "sk-test")
	f.Add(1, 2, 1, "t", "k")
	f.Add(299, 300, 65535, "a,b", "k")
	f.Add(0, 0, 0, "", "")
	f.Add(300, 300, 65535, "t", "k")
	f.Add(150, 100, 8080, " , ", "k")
	f.Add(math.MinInt32, math.MinInt32, math.MinInt32, "", "")
	f.Add(math.MaxInt32, math.MaxInt32, math.MaxInt32, "t", "k")

	base := validBase(f)
	f.Fuzz(func(t *testing.T, drain, budget, port int, tokens, key string) {
		c := base
		c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = drain, budget, port
		c.APITokens, c.ClaudeAPIKey = tokens, key
		err := c.Validate()

		allValid := drain >= 1 && drain <= 300 &&
			budget >= 1 && budget <= 300 &&
			port >= 1 && port <= 65535 &&
			budget > drain &&
			len(c.Tokens()) > 0 &&
			key != ""

		if allValid && err != nil {
			t.Errorf("expected no error for valid config, got: %v", err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
