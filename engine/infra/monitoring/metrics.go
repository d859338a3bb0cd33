package monitoring

import (
	"context"

	"github.com/flowgate/flowgate/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RouterMetrics carries the domain instruments of the routing core. A nil
// receiver is a valid no-op so tests can pass nil.
type RouterMetrics struct {
	submissions     metric.Int64Counter
	refreshes       metric.Int64Counter
	leaseContention metric.Int64Counter
	pollerTicks     metric.Int64Counter
	callbackRejects metric.Int64Counter
}

func NewRouterMetrics(ctx context.Context, meter metric.Meter) *RouterMetrics {
	log := logger.FromContext(ctx)
	m := &RouterMetrics{}
	var err error
	if m.submissions, err = meter.Int64Counter(
		"flowgate_submissions_total",
		metric.WithDescription("Submissions dispatched, by route and outcome"),
	); err != nil {
		log.Error("Failed to create submissions counter", "error", err)
	}
	if m.refreshes, err = meter.Int64Counter(
		"flowgate_refreshes_total",
		metric.WithDescription("Status refreshes, by trigger and outcome"),
	); err != nil {
		log.Error("Failed to create refreshes counter", "error", err)
	}
	if m.leaseContention, err = meter.Int64Counter(
		"flowgate_refresh_lease_contention_total",
		metric.WithDescription("Refresh attempts that found the lease held"),
	); err != nil {
		log.Error("Failed to create lease contention counter", "error", err)
	}
	if m.pollerTicks, err = meter.Int64Counter(
		"flowgate_poller_ticks_total",
		metric.WithDescription("Status poller tick executions"),
	); err != nil {
		log.Error("Failed to create poller ticks counter", "error", err)
	}
	if m.callbackRejects, err = meter.Int64Counter(
		"flowgate_callback_rejections_total",
		metric.WithDescription("Callbacks that failed verification, by route"),
	); err != nil {
		log.Error("Failed to create callback rejections counter", "error", err)
	}
	return m
}

func (m *RouterMetrics) RecordSubmission(ctx context.Context, routeID, outcome string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route_id", routeID),
		attribute.String("outcome", outcome),
	))
}

func (m *RouterMetrics) RecordRefresh(ctx context.Context, trigger, outcome string) {
	if m == nil || m.refreshes == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", outcome),
	))
}

func (m *RouterMetrics) RecordLeaseContention(ctx context.Context, trigger string) {
	if m == nil || m.leaseContention == nil {
		return
	}
	m.leaseContention.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

func (m *RouterMetrics) RecordPollerTick(ctx context.Context) {
	if m == nil || m.pollerTicks == nil {
		return
	}
	m.pollerTicks.Add(ctx, 1)
}

func (m *RouterMetrics) RecordCallbackRejection(ctx context.Context, routeID string) {
	if m == nil || m.callbackRejects == nil {
		return
	}
	m.callbackRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("route_id", routeID)))
}
