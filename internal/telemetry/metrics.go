package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/queue"
)

const meterName = "github.com/nidhogg/nuka-orchestra"

// Metrics records engine events as OpenTelemetry instruments. It is an
// engine.EventSink; Snapshot reads the current values without an exporter.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
	meter    metric.Meter
	logger   *zap.Logger

	tasks            metric.Int64Counter
	taskDuration     metric.Float64Histogram
	workflows        metric.Int64Counter
	workflowDuration metric.Float64Histogram
	checkpoints      metric.Int64Counter
}

// Point is one flattened data point of a snapshot.
type Point struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// New creates the meter provider and its instruments.
func New(logger *zap.Logger) (*Metrics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := &Metrics{
		provider: provider,
		reader:   reader,
		meter:    provider.Meter(meterName),
		logger:   logger,
	}

	var err error
	if m.tasks, err = m.meter.Int64Counter("orchestra.tasks",
		metric.WithDescription("Finished task attempts by role and status")); err != nil {
		return nil, fmt.Errorf("tasks counter: %w", err)
	}
	if m.taskDuration, err = m.meter.Float64Histogram("orchestra.task.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Task attempt duration")); err != nil {
		return nil, fmt.Errorf("task duration histogram: %w", err)
	}
	if m.workflows, err = m.meter.Int64Counter("orchestra.workflows",
		metric.WithDescription("Finished workflows by status")); err != nil {
		return nil, fmt.Errorf("workflows counter: %w", err)
	}
	if m.workflowDuration, err = m.meter.Float64Histogram("orchestra.workflow.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Workflow wall-clock duration")); err != nil {
		return nil, fmt.Errorf("workflow duration histogram: %w", err)
	}
	if m.checkpoints, err = m.meter.Int64Counter("orchestra.checkpoints",
		metric.WithDescription("Checkpoints saved")); err != nil {
		return nil, fmt.Errorf("checkpoints counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) HandleEvent(ctx context.Context, ev engine.Event) error {
	switch ev.Kind {
	case engine.EventTaskCompleted, engine.EventTaskFailed:
		attrs := metric.WithAttributes(
			attribute.String("role", ev.Role),
			attribute.String("status", ev.Status),
		)
		m.tasks.Add(ctx, 1, attrs)
		m.taskDuration.Record(ctx, ev.Duration.Seconds(), attrs)
	case engine.EventWorkflowCompleted, engine.EventWorkflowFailed:
		attrs := metric.WithAttributes(attribute.String("status", ev.Status))
		m.workflows.Add(ctx, 1, attrs)
		m.workflowDuration.Record(ctx, ev.Duration.Seconds(), attrs)
	case engine.EventCheckpointSaved:
		m.checkpoints.Add(ctx, 1)
	}
	return nil
}

// ObserveQueue exports the queue's live gauges, read on every collection.
func (m *Metrics) ObserveQueue(stats func() queue.Stats) error {
	running, err := m.meter.Int64ObservableGauge("orchestra.queue.running")
	if err != nil {
		return err
	}
	ready, err := m.meter.Int64ObservableGauge("orchestra.queue.ready")
	if err != nil {
		return err
	}
	delayed, err := m.meter.Int64ObservableGauge("orchestra.queue.delayed")
	if err != nil {
		return err
	}
	overrunning, err := m.meter.Int64ObservableGauge("orchestra.queue.overrunning")
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(running, int64(s.Running))
		o.ObserveInt64(ready, int64(s.Ready))
		o.ObserveInt64(delayed, int64(s.Delayed))
		o.ObserveInt64(overrunning, int64(s.Overrunning))
		return nil
	}, running, ready, delayed, overrunning)
	return err
}

// Snapshot collects every instrument and flattens the data points, sorted
// by name then attributes.
func (m *Metrics) Snapshot(ctx context.Context) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	var out []Point
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out = append(out, Point{Name: md.Name, Attributes: attrMap(dp.Attributes), Value: float64(dp.Value)})
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out = append(out, Point{Name: md.Name, Attributes: attrMap(dp.Attributes), Value: float64(dp.Value)})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out = append(out, Point{Name: md.Name, Attributes: attrMap(dp.Attributes), Value: dp.Sum, Count: dp.Count})
				}
			default:
				m.logger.Debug("unsupported metric data", zap.String("metric", md.Name))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return attrKey(out[i].Attributes) < attrKey(out[j].Attributes)
	})
	return out, nil
}

// Shutdown releases the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func attrKey(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var s string
	for _, k := range keys {
		s += k + "=" + attrs[k] + ","
	}
	return s
}
