package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the systerd instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	TaskRuns          metric.Int64Counter
	NeuroBusPublishes metric.Int64Counter
}

// NewMetrics registers every systerd instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	seconds := func(name, desc string) (metric.Float64Histogram, error) {
		return meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	}
	count := func(name, desc string) (metric.Int64Counter, error) {
		return meter.Int64Counter(name, metric.WithDescription(desc))
	}

	var m Metrics
	var errs [6]error
	m.RequestDuration, errs[0] = seconds("systerd.request.duration", "JSON-RPC request duration")
	m.ToolCallDuration, errs[1] = seconds("systerd.tool.duration", "Tool call duration")
	m.ToolCallErrors, errs[2] = count("systerd.tool.errors", "Tool calls that did not succeed")
	m.TaskDuration, errs[3] = seconds("systerd.task.duration", "Scheduled task execution duration")
	m.TaskRuns, errs[4] = count("systerd.task.runs", "Scheduled task executions by outcome")
	m.NeuroBusPublishes, errs[5] = count("systerd.neurobus.publishes", "Rows appended to the NeuroBus")
	if err := errors.Join(errs[:]...); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return &m, nil
}

// RecordRequest records one JSON-RPC request.
func (m *Metrics) RecordRequest(ctx context.Context, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrMethod.String(method)))
}

// RecordToolCall records one tools/call outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrToolName.String(tool), AttrOutcome.String(outcome))
	m.ToolCallDuration.Record(ctx, d.Seconds(), attrs)
	if outcome != "ok" {
		m.ToolCallErrors.Add(ctx, 1, attrs)
	}
}

// RecordTaskRun records one scheduled execution.
func (m *Metrics) RecordTaskRun(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
	m.TaskRuns.Add(ctx, 1, attrs)
}

// RecordPublish counts one NeuroBus append.
func (m *Metrics) RecordPublish(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.NeuroBusPublishes.Add(ctx, 1, metric.WithAttributes(attribute.String("systerd.neurobus.kind", kind)))
}
