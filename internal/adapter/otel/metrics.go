package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "switchyard"

// Metrics holds all Switchyard metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	TasksSubmitted metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksLost      metric.Int64Counter
	Routes         metric.Int64Counter
	RepairAttempts metric.Int64Counter
	TaskDuration   metric.Float64Histogram
	RepairCost     metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksSubmitted, err = meter.Int64Counter("switchyard.tasks.submitted",
		metric.WithDescription("Number of tasks submitted"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("switchyard.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("switchyard.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.TasksLost, err = meter.Int64Counter("switchyard.tasks.lost",
		metric.WithDescription("Number of traces marked lost by the watchdog"))
	if err != nil {
		return nil, err
	}

	m.Routes, err = meter.Int64Counter("switchyard.routes",
		metric.WithDescription("Decision gate outcomes by route"))
	if err != nil {
		return nil, err
	}

	m.RepairAttempts, err = meter.Int64Counter("switchyard.repair.attempts",
		metric.WithDescription("Self-repair attempts by outcome"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("switchyard.task.duration_seconds",
		metric.WithDescription("Task duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.RepairCost, err = meter.Float64Histogram("switchyard.repair.cost_usd",
		metric.WithDescription("Self-repair loop cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskSubmitted counts a submission.
func (m *Metrics) TaskSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.TasksSubmitted.Add(ctx, 1)
}

// TaskFinished counts a terminal task and records its duration.
func (m *Metrics) TaskFinished(ctx context.Context, completed bool, route, code string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("route", route))
	if completed {
		m.TasksCompleted.Add(ctx, 1, attrs)
	} else {
		m.TasksFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("code", code),
		))
	}
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
}

// TaskLost counts a watchdog timeout.
func (m *Metrics) TaskLost(ctx context.Context) {
	if m == nil {
		return
	}
	m.TasksLost.Add(ctx, 1)
}

// RouteChosen counts a decision gate outcome.
func (m *Metrics) RouteChosen(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.Routes.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

// RepairFinished records the attempts and cost of a repair loop.
func (m *Metrics) RepairFinished(ctx context.Context, outcome string, attempts int, costUSD float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.RepairAttempts.Add(ctx, int64(attempts), attrs)
	m.RepairCost.Record(ctx, costUSD, attrs)
}
