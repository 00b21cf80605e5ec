package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the task executor.
type Metrics struct {
	// LLMCalls counts model calls by provider and status.
	LLMCalls *prometheus.CounterVec

	// LLMCallDuration tracks model call latency by provider.
	LLMCallDuration *prometheus.HistogramVec

	// LLMTokens counts tokens by direction ("input" or "output").
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool calls by tool and outcome.
	ToolExecutions *prometheus.CounterVec

	// LoopInterventions counts loop-breaker firings by kind.
	LoopInterventions *prometheus.CounterVec

	// Compactions counts context compactions by mode ("proactive" or
	// "reactive").
	Compactions *prometheus.CounterVec

	// BudgetEvents counts budget lifecycle events by kind.
	BudgetEvents *prometheus.CounterVec

	// TasksFinished counts finished tasks by terminal status.
	TasksFinished *prometheus.CounterVec

	// StepsFinished counts plan steps by outcome.
	StepsFinished *prometheus.CounterVec
}

// NewMetrics registers the executor metrics with reg, or the default
// registerer when reg is nil. Call once per process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "praxis_llm_calls_total",
				Help: "Total LLM calls by provider and status",
			},
			[]string{"provider", "status"},
		),
		LLMCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "praxis_llm_call_duration_seconds",
				Help:    "LLM call latency in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "praxis_llm_tokens_total",
				Help: "Total tokens consumed by direction",
			},
			[]string{"direction"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "praxis_tool_executions_total",
				Help: "Total tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		LoopInterventions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "praxis_loop_interventions_total",
				Help: "Loop-breaker interventions by kind",
			},
			[]string{"kind"},
		),
		Compactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "praxis_compactions_total",
				Help: "Context compactions by mode",
			},
			[]string{"mode"},
		),
		BudgetEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "praxis_budget_events_total",
				Help: "Budget lifecycle events by kind",
			},
			[]string{"kind"},
		),
		TasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "praxis_tasks_finished_total",
				Help: "Finished tasks by terminal status",
			},
			[]string{"terminal_status"},
		),
		StepsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "praxis_steps_finished_total",
				Help: "Plan steps by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// RecordLLMCall records one model call.
func (m *Metrics) RecordLLMCall(provider, status string, seconds float64, inputTokens, outputTokens int) {
	m.LLMCalls.WithLabelValues(provider, status).Inc()
	m.LLMCallDuration.WithLabelValues(provider).Observe(seconds)
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one gatekept tool call.
func (m *Metrics) RecordToolExecution(tool, outcome string) {
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
}
