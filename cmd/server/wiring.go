package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/arbiter/internal/agent"
	vc "github.com/linnemanlabs/arbiter/internal/cfg"
	"github.com/linnemanlabs/arbiter/internal/llm/claude"
	"github.com/linnemanlabs/arbiter/internal/notify/slack"
	"github.com/linnemanlabs/arbiter/internal/policy"
	"github.com/linnemanlabs/arbiter/internal/postgres"
	rcas3 "github.com/linnemanlabs/arbiter/internal/rcasink/s3"
	"github.com/linnemanlabs/arbiter/internal/ticket/servicenow"
	"github.com/linnemanlabs/arbiter/internal/tools"
	"github.com/linnemanlabs/arbiter/internal/triage"
	"github.com/linnemanlabs/arbiter/internal/triage/memstore"
	"github.com/linnemanlabs/arbiter/internal/triage/pgstore"
	"github.com/linnemanlabs/arbiter/internal/triage/redisclaim"
)

// cleanup collects resources to release on shutdown, in reverse order.
type cleanup []func()

func (c *cleanup) add(fn func()) { *c = append(*c, fn) }

func (c cleanup) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// buildRegistry registers every configured tool. Gateway tools are listed once
// at startup; a gateway that is configured but unreachable is fatal.
func buildRegistry(ctx context.Context, L log.Logger, appCfg *vc.Config, cl *cleanup) (*tools.Registry, error) {
	registry := tools.NewRegistry()

	if appCfg.PrometheusEndpoint != "" {
		t := tools.NewMetricsQuery(appCfg.PrometheusEndpoint, appCfg.PrometheusTenantID)
		registry.Register(t)
		L.Info(ctx, "registered tool", "name", t.Name(), "endpoint", appCfg.PrometheusEndpoint)
	}
	if appCfg.LokiEndpoint != "" {
		t := tools.NewLokiQuery(appCfg.LokiEndpoint, appCfg.LokiTenantID)
		registry.Register(t)
		L.Info(ctx, "registered tool", "name", t.Name(), "endpoint", appCfg.LokiEndpoint)
	}
	if appCfg.ToolGatewayURL != "" {
		gw, err := tools.ConnectGateway(ctx, appCfg.ToolGatewayURL, appCfg.StageTimeout())
		if err != nil {
			return nil, err
		}
		cl.add(func() { _ = gw.Close() })
		n, err := gw.RegisterAll(ctx, registry)
		if err != nil {
			return nil, err
		}
		L.Info(ctx, "registered gateway tools", "count", n, "endpoint", appCfg.ToolGatewayURL)
	}

	return registry, nil
}

// buildStore returns the postgres store when a database is configured and the
// in-memory store otherwise. Query durations feed dbQueryDuration.
func buildStore(ctx context.Context, L log.Logger, appCfg *vc.Config, reg prometheus.Registerer, cl *cleanup) (triage.Store, error) {
	if appCfg.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(), nil
	}

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbiter_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route", "outcome"})
	reg.MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, operation, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(operation, route, outcome).Observe(dur.Seconds())
		},
	))

	pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.PoolOptions{
		MaxConns:  int32(appCfg.DBMaxConns), //nolint:gosec // validated to 1..200
		SlowQuery: appCfg.SlowQuery(),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	cl.add(pool.Close)

	store, err := pgstore.New(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres store", "max_conns", appCfg.DBMaxConns)
	return store, nil
}

// buildServiceOptions wires the optional sinks and the cross-replica claimer.
// Interfaces are only assigned when configured so nil checks stay meaningful.
func buildServiceOptions(ctx context.Context, L log.Logger, appCfg *vc.Config, m *triage.Metrics, cl *cleanup) (triage.ServiceOptions, error) {
	opts := triage.ServiceOptions{
		ClaimTTL:   appCfg.ClaimTTL(),
		BatchLimit: appCfg.BatchConcurrency,
		Metrics:    m,
	}

	if appCfg.RCABucket != "" {
		sink, err := rcas3.New(ctx, rcas3.Config{
			Bucket:   appCfg.RCABucket,
			Region:   appCfg.AWSRegion,
			Endpoint: appCfg.S3Endpoint,
			Prefix:   appCfg.RCAPrefix,
		})
		if err != nil {
			return opts, fmt.Errorf("rca sink: %w", err)
		}
		opts.Sink = sink
		L.Info(ctx, "rca archive enabled", "bucket", appCfg.RCABucket, "prefix", appCfg.RCAPrefix)
	}

	if appCfg.ServiceNowURL != "" {
		sn, err := servicenow.New(servicenow.Config{
			InstanceURL: appCfg.ServiceNowURL,
			Username:    appCfg.ServiceNowUser,
			Password:    appCfg.ServiceNowPassword,
		})
		if err != nil {
			return opts, err
		}
		opts.Tickets = sn
		L.Info(ctx, "ticket updates enabled", "type", "servicenow")
	}

	if appCfg.SlackWebhookURL != "" {
		opts.Notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	if appCfg.RedisAddr != "" {
		rdb, err := redisclaim.Dial(ctx, appCfg.RedisAddr, appCfg.RedisPassword, appCfg.RedisDB)
		if err != nil {
			return opts, err
		}
		cl.add(func() { _ = rdb.Close() })
		opts.Claimer = redisclaim.New(rdb, "")
		L.Info(ctx, "cross-replica claims enabled", "redis_addr", appCfg.RedisAddr, "claim_ttl", appCfg.ClaimTTL().String())
	}

	return opts, nil
}

// buildEngine assembles the LLM-backed collaborators around the policy table.
func buildEngine(ctx context.Context, L log.Logger, appCfg *vc.Config, tbl *policy.Table, registry *tools.Registry, m *triage.Metrics) *triage.Engine {
	provider := claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
	L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)

	runner := agent.NewRunner(provider, L, agent.Budget{
		MaxToolRounds: appCfg.AgentMaxToolRounds,
		MaxTokens:     appCfg.AgentMaxTokens,
	}, agent.Hooks{
		OnLLMCall:  m.ObserveLLMCall,
		OnToolCall: m.ObserveToolCall,
	})

	diagnostic, remediation := registry.Split()
	L.Info(ctx, "tool registries ready", "diagnostic", diagnostic.Names(), "remediation", remediation.Names())

	collab := triage.Collaborators{
		Classifier:   agent.NewClassifier(runner, tbl, L),
		Investigator: agent.NewInvestigator(runner, tbl, diagnostic, L),
		Executor:     agent.NewExecutor(runner, remediation, L),
	}
	if appCfg.LLMRouter {
		collab.Router = agent.NewRouter(runner)
		L.Info(ctx, "advisory llm router enabled")
	}

	return triage.NewEngine(tbl, collab, L, m.Hooks()).WithStageTimeout(appCfg.StageTimeout())
}
