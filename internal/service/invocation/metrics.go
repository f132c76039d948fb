package invocation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/telemetry"
)

type metrics struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
}

func newMetrics(s *Service) *metrics {
	meter := telemetry.Meter("refly/invocation")
	invocations, _ := meter.Int64Counter("refly.skill.invocations",
		metric.WithDescription("Finished skill invocations by skill and status"),
	)
	duration, _ := meter.Float64Histogram("refly.skill.invocation.duration",
		metric.WithDescription("Wall time from start to terminal event (ms)"),
		metric.WithUnit("ms"),
	)
	_, _ = meter.Int64ObservableGauge("refly.skill.in_flight",
		metric.WithDescription("Invocations running on this instance"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.InFlight()))
			return nil
		}),
	)
	return &metrics{invocations: invocations, duration: duration}
}

func (m *metrics) record(log model.SkillLog, terminal model.SkillEvent) {
	attrs := []attribute.KeyValue{
		attribute.String("skill", log.SkillName),
		attribute.String("status", string(log.Status)),
	}
	if kind := terminal.Kind(); kind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(kind)))
	}
	ctx := context.Background()
	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil && log.StartedAt != nil {
		ms := float64(terminal.CreatedAt.Sub(*log.StartedAt)) / float64(time.Millisecond)
		m.duration.Record(ctx, ms, metric.WithAttributes(attrs...))
	}
}
