package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all crownd metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EvaluationDuration metric.Float64Histogram
	ModelCalls         metric.Int64Counter
	ModelErrors        metric.Int64Counter
	Transitions        metric.Int64Counter
	SweepRepairs       metric.Int64Counter
	DiffFetchDuration  metric.Float64Histogram
	JobsProcessed      metric.Int64Counter
	BusEvents          metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EvaluationDuration, err = meter.Float64Histogram("crown.evaluation.duration",
		metric.WithDescription("Crown evaluation attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelCalls, err = meter.Int64Counter("crown.model.calls",
		metric.WithDescription("Structured model invocations"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelErrors, err = meter.Int64Counter("crown.model.errors",
		metric.WithDescription("Failed or invalid structured model invocations"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("crown.transitions",
		metric.WithDescription("Crown status transitions committed"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepRepairs, err = meter.Int64Counter("crown.sweep.repairs",
		metric.WithDescription("Tasks repaired or rescheduled by reconciliation sweeps"),
	)
	if err != nil {
		return nil, err
	}

	m.DiffFetchDuration, err = meter.Float64Histogram("crown.diff.fetch.duration",
		metric.WithDescription("Candidate diff fetch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsProcessed, err = meter.Int64Counter("crown.jobs.processed",
		metric.WithDescription("Scheduler jobs handled, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.BusEvents, err = meter.Int64Counter("crown.bus.events",
		metric.WithDescription("Crown events observed on the in-process bus"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) ObserveEvaluation(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) CountModelCall(ctx context.Context, provider, purpose string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrProvider.String(provider), AttrPurpose.String(purpose))
	m.ModelCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.ModelErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) CountTransition(ctx context.Context, from, to, trigger string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		AttrTrigger.String(trigger),
	))
}

func (m *Metrics) CountRepairs(ctx context.Context, sweep string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepRepairs.Add(ctx, int64(n), metric.WithAttributes(AttrSweep.String(sweep)))
}

func (m *Metrics) ObserveDiffFetch(ctx context.Context, d time.Duration, source string) {
	if m == nil {
		return
	}
	m.DiffFetchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) CountJob(ctx context.Context, jobType, outcome string) {
	if m == nil {
		return
	}
	m.JobsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", jobType),
		AttrOutcome.String(outcome),
	))
}

func (m *Metrics) CountBusEvent(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.BusEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		AttrOutcome.String("delivered"),
	))
}

// CountBusDrop records an event a slow subscriber missed.
func (m *Metrics) CountBusDrop(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.BusEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		AttrOutcome.String("dropped"),
	))
}
