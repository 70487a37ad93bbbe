package triage

import "github.com/prometheus/client_golang/prometheus"

// lowConfidence marks classifications worth alerting on.
const lowConfidence = 0.3

// Metrics holds Prometheus metrics for the decision pipeline.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	DecisionsTotal   *prometheus.CounterVec
	Confidence       prometheus.Histogram
	LowConfidence    prometheus.Counter
	GateTotal        *prometheus.CounterVec
	GuardrailsTotal  *prometheus.CounterVec
	StageErrorsTotal *prometheus.CounterVec
	LLMCallsTotal    prometheus.Counter
	LLMTokensIn      prometheus.Counter
	LLMTokensOut     prometheus.Counter
	LLMDuration      prometheus.Histogram
	ToolCallsTotal   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	SubmitsTotal     *prometheus.CounterVec
	SinkWritesTotal  *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_runs_total",
			Help: "Total pipeline runs by RCA status and intent.",
		}, []string{"status", "intent"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s .. ~17m
		}, []string{"status"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_decisions_total",
			Help: "Final decisions by outcome and whether an override applied.",
		}, []string{"outcome", "override"}),
		Confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_classification_confidence",
			Help:    "Classification confidence per run.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10), // 0.1 .. 1.0
		}),
		LowConfidence: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_low_confidence_total",
			Help: "Runs whose classification confidence was below 0.3.",
		}),
		GateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_gate_evaluations_total",
			Help: "Gate evaluations by gate and verdict.",
		}, []string{"gate", "approved"}),
		GuardrailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_guardrail_corrections_total",
			Help: "Guardrail corrections by rule type.",
		}, []string{"type"}),
		StageErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_stage_errors_total",
			Help: "Collaborator failures by stage.",
		}, []string{"stage"}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_llm_calls_total",
			Help: "Total LLM provider calls.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_tool_calls_total",
			Help: "Total tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}, []string{"tool"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_submits_total",
			Help: "Total incident submissions by result.",
		}, []string{"result"}),
		SinkWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_sink_writes_total",
			Help: "RCA fan-out writes by sink and status.",
		}, []string{"sink", "status"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.DecisionsTotal,
		m.Confidence,
		m.LowConfidence,
		m.GateTotal,
		m.GuardrailsTotal,
		m.StageErrorsTotal,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.SubmitsTotal,
		m.SinkWritesTotal,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnStageError: func(stage Stage, _ error) {
			m.StageErrorsTotal.WithLabelValues(string(stage)).Inc()
		},
		OnGate: func(r *GateResult) {
			approved := "false"
			if r.Approved {
				approved = "true"
			}
			m.GateTotal.WithLabelValues(r.Gate, approved).Inc()
		},
		OnGuardrail: func(rec *GuardrailRecord) {
			m.GuardrailsTotal.WithLabelValues(string(rec.Type)).Inc()
		},
		OnComplete: func(e *CompleteEvent) {
			m.RunsTotal.WithLabelValues(string(e.Status), e.Intent).Inc()
			m.RunDuration.WithLabelValues(string(e.Status)).Observe(e.Duration)
			override := "false"
			if e.Overridden {
				override = "true"
			}
			m.DecisionsTotal.WithLabelValues(string(e.Outcome), override).Inc()
			m.Confidence.Observe(e.Confidence)
			if e.Confidence < lowConfidence {
				m.LowConfidence.Inc()
			}
		},
	}
}

// ObserveLLMCall records one provider round trip.
func (m *Metrics) ObserveLLMCall(inputTokens, outputTokens int, duration float64) {
	m.LLMCallsTotal.Inc()
	m.LLMTokensIn.Add(float64(inputTokens))
	m.LLMTokensOut.Add(float64(outputTokens))
	m.LLMDuration.Observe(duration)
}

// ObserveToolCall records one tool execution.
func (m *Metrics) ObserveToolCall(name string, duration float64, isError bool) {
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolCallsTotal.WithLabelValues(name, status).Inc()
	m.ToolDuration.WithLabelValues(name).Observe(duration)
}
