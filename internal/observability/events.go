package observability

import (
	"log/slog"

	"github.com/praxisworks/praxis/pkg/models"
)

// Sink receives executor events. It mirrors the executor's sink
// capability so the recorder can both satisfy it and chain to
// downstream sinks.
type Sink interface {
	Emit(models.Event)
}

// EventRecorder bridges executor events into the logger and metrics,
// then forwards them to any downstream sinks. It never blocks.
type EventRecorder struct {
	logger   *slog.Logger
	metrics  *Metrics
	provider string
	next     []Sink
}

// NewEventRecorder builds a recorder. provider labels LLM metrics and
// should be the chain head's name. metrics may be nil to log only.
func NewEventRecorder(logger *slog.Logger, metrics *Metrics, provider string, next ...Sink) *EventRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == "" {
		provider = "primary"
	}
	return &EventRecorder{logger: logger, metrics: metrics, provider: provider, next: next}
}

func (r *EventRecorder) Emit(ev models.Event) {
	r.log(ev)
	if r.metrics != nil {
		r.record(ev)
	}
	for _, sink := range r.next {
		sink.Emit(ev)
	}
}

func (r *EventRecorder) log(ev models.Event) {
	attrs := []any{"task_id", ev.TaskID, "seq", ev.Sequence}
	if ev.StepID != "" {
		attrs = append(attrs, "step_id", ev.StepID)
	}
	for k, v := range ev.Payload {
		attrs = append(attrs, k, v)
	}

	switch ev.Type {
	case models.EventTaskCompleted, models.EventTaskPaused, models.EventPlanCreated,
		models.EventBudgetSoftLanding, models.EventBudgetReset, models.EventAwaitingUserInput:
		r.logger.Info(string(ev.Type), attrs...)
	case models.EventError:
		r.logger.Error(string(ev.Type), attrs...)
	case models.EventToolBlocked, models.EventToolWarning, models.EventLowProgressLoop,
		models.EventVariedFailureLoop, models.EventModeGateBlocked:
		r.logger.Warn(string(ev.Type), attrs...)
	default:
		r.logger.Debug(string(ev.Type), attrs...)
	}
}

func (r *EventRecorder) record(ev models.Event) {
	switch ev.Type {
	case models.EventLLMUsage:
		r.metrics.LLMCalls.WithLabelValues(r.provider, "ok").Inc()
		if in := payloadInt(ev.Payload, "input_tokens"); in > 0 {
			r.metrics.LLMTokens.WithLabelValues("input").Add(float64(in))
		}
		if out := payloadInt(ev.Payload, "output_tokens"); out > 0 {
			r.metrics.LLMTokens.WithLabelValues("output").Add(float64(out))
		}
	case models.EventLLMRetry:
		r.metrics.LLMCalls.WithLabelValues(r.provider, "retry").Inc()

	case models.EventToolResult:
		r.metrics.ToolExecutions.WithLabelValues(payloadString(ev.Payload, "tool"), "success").Inc()
	case models.EventToolError:
		r.metrics.ToolExecutions.WithLabelValues(payloadString(ev.Payload, "tool"), "error").Inc()
	case models.EventToolBlocked:
		r.metrics.ToolExecutions.WithLabelValues(payloadString(ev.Payload, "tool"), "blocked").Inc()

	case models.EventLowProgressLoop, models.EventVariedFailureLoop,
		models.EventStopReasonNudge, models.EventToolRecoveryPrompted,
		models.EventModeGateBlocked:
		r.metrics.LoopInterventions.WithLabelValues(string(ev.Type)).Inc()

	case models.EventContextSummarized:
		mode := "reactive"
		if b, ok := ev.Payload["proactive"].(bool); ok && b {
			mode = "proactive"
		}
		r.metrics.Compactions.WithLabelValues(mode).Inc()

	case models.EventBudgetSoftLanding:
		r.metrics.BudgetEvents.WithLabelValues("soft_landing").Inc()
	case models.EventBudgetReset:
		r.metrics.BudgetEvents.WithLabelValues("reset").Inc()

	case models.EventTaskCompleted:
		r.metrics.TasksFinished.WithLabelValues(payloadString(ev.Payload, "terminal_status")).Inc()

	case models.EventStepCompleted:
		r.metrics.StepsFinished.WithLabelValues("completed").Inc()
	case models.EventStepFailed:
		r.metrics.StepsFinished.WithLabelValues("failed").Inc()
	case models.EventStepSkipped:
		r.metrics.StepsFinished.WithLabelValues("skipped").Inc()
	}
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func payloadString(payload map[string]any, key string) string {
	if s, ok := payload[key].(string); ok && s != "" {
		return s
	}
	return "unknown"
}
