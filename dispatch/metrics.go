package dispatch

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "taskboard-sync/dispatch"
	dispatchSpanName    = "taskboard.dispatch"
	dispatchEventName   = "taskboard.dispatch.message"
	dispatchEventDomain = "taskboard"
	observabilityEvent  = "observability.event"
)

// Outcome classifies how a command ended.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeNotFound Outcome = "not_found"
	OutcomeInvalid  Outcome = "invalid"
	OutcomeFailed   Outcome = "failed"
)

type dispatchMetrics struct {
	logger            *log.Logger
	span              trace.Span
	start             time.Time
	event             string
	origin            string
	taskID            string
	applyDuration     time.Duration
	broadcastDuration time.Duration
	delivered         int
}

func newDispatchMetrics(ctx context.Context, logger *log.Logger, event, origin string) (*dispatchMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, dispatchSpanName, trace.WithSpanKind(trace.SpanKindInternal))
	return &dispatchMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		event:  event,
		origin: origin,
	}, spanCtx
}

func (m *dispatchMetrics) ObserveApply(d time.Duration) {
	if d <= 0 {
		return
	}
	m.applyDuration = d
}

func (m *dispatchMetrics) ObserveBroadcast(d time.Duration) {
	if d <= 0 {
		return
	}
	m.broadcastDuration = d
}

func (m *dispatchMetrics) SetTaskID(id string) {
	if id != "" {
		m.taskID = id
	}
}

func (m *dispatchMetrics) SetDelivered(n int) {
	if n < 0 {
		n = 0
	}
	m.delivered = n
}

// Log ends the span and writes one observability event for the command.
func (m *dispatchMetrics) Log(outcome Outcome, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForOutcome(outcome, err)

	attrs := map[string]any{
		"taskboard.event":     m.event,
		"taskboard.outcome":   string(outcome),
		"taskboard.delivered": m.delivered,
		"taskboard.total_ms":  durationToMillis(time.Since(m.start)),
	}
	if m.origin != "" {
		attrs["taskboard.origin"] = m.origin
	}
	if m.taskID != "" {
		attrs["taskboard.task_id"] = m.taskID
	}
	if m.applyDuration > 0 {
		attrs["taskboard.apply_ms"] = durationToMillis(m.applyDuration)
	}
	if m.broadcastDuration > 0 {
		attrs["taskboard.broadcast_ms"] = durationToMillis(m.broadcastDuration)
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	if m.span != nil {
		kvs := toKeyValues(attrs)
		m.span.SetAttributes(kvs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", dispatchEventName),
			attribute.String("event.domain", dispatchEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, kvs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if outcome == OutcomeFailed {
			desc := string(outcome)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      dispatchEventName,
		"event.domain":    dispatchEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	m.logger.WithFields(fields).Log(levelForOutcome(outcome), observabilityEvent)
}

func severityForOutcome(outcome Outcome, err error) (string, int) {
	switch outcome {
	case OutcomeApplied:
		if err != nil {
			return "ERROR", 17
		}
		return "INFO", 9
	case OutcomeNotFound:
		return "DEBUG", 5
	case OutcomeInvalid:
		return "WARN", 13
	default:
		return "ERROR", 17
	}
}

func levelForOutcome(outcome Outcome) log.Level {
	switch outcome {
	case OutcomeApplied:
		return log.InfoLevel
	case OutcomeNotFound:
		return log.DebugLevel
	case OutcomeInvalid:
		return log.WarnLevel
	default:
		return log.ErrorLevel
	}
}

func toKeyValues(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
