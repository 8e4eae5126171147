package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce    sync.Once
	taskOpsCounter     metric.Int64Counter
	messagesCounter    metric.Int64Counter
	escalationsCounter metric.Int64Counter
	phaseEntryCounter  metric.Int64Counter
	eventsCounter      metric.Int64Counter
	subscribersGauge   metric.Int64ObservableGauge
	subscribers        int64
	subscribersMu      sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("crewmesh_task_operations_total", metric.WithDescription("Total task operations (create, assign, progress, handoff, complete, fail)"))
		if err != nil {
			return
		}
		messagesCounter, err = m.Int64Counter("crewmesh_messages_total", metric.WithDescription("Total messages routed, by type and delivery status"))
		if err != nil {
			return
		}
		escalationsCounter, err = m.Int64Counter("crewmesh_escalations_total", metric.WithDescription("Total escalations opened, by severity"))
		if err != nil {
			return
		}
		phaseEntryCounter, err = m.Int64Counter("crewmesh_phase_entries_total", metric.WithDescription("Workflow phase entry requests, by phase and outcome"))
		if err != nil {
			return
		}
		eventsCounter, err = m.Int64Counter("crewmesh_events_total", metric.WithDescription("Monitoring events published to the hub"))
		if err != nil {
			return
		}
		subscribersGauge, err = m.Int64ObservableGauge("crewmesh_event_subscribers", metric.WithDescription("Current event hub subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			subscribersMu.Lock()
			n := subscribers
			subscribersMu.Unlock()
			o.ObserveInt64(subscribersGauge, n)
			return nil
		}, subscribersGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordTaskOp records a task operation (create, assign, progress, etc.).
func RecordTaskOp(ctx context.Context, op, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(op),
		AttrStatus.String(status),
	))
}

// RecordMessage records one routed message by type and delivery status.
func RecordMessage(ctx context.Context, typ, status string) {
	if messagesCounter == nil {
		return
	}
	messagesCounter.Add(ctx, 1, metric.WithAttributes(
		AttrType.String(typ),
		AttrStatus.String(status),
	))
}

// RecordEscalation records an opened escalation by severity.
func RecordEscalation(ctx context.Context, severity string) {
	if escalationsCounter == nil {
		return
	}
	escalationsCounter.Add(ctx, 1, metric.WithAttributes(AttrSeverity.String(severity)))
}

// RecordPhaseEntry records a phase entry request and its outcome.
func RecordPhaseEntry(ctx context.Context, phase, outcome string) {
	if phaseEntryCounter == nil {
		return
	}
	phaseEntryCounter.Add(ctx, 1, metric.WithAttributes(
		AttrPhase.String(phase),
		AttrStatus.String(outcome),
	))
}

// RecordEvent records one monitoring event published to the hub.
func RecordEvent(typ string) {
	if eventsCounter == nil {
		return
	}
	eventsCounter.Add(context.Background(), 1, metric.WithAttributes(AttrType.String(typ)))
}

// AddEventSubscriber adds 1 to the subscriber gauge (call on subscribe).
func AddEventSubscriber() {
	subscribersMu.Lock()
	subscribers++
	subscribersMu.Unlock()
}

// RemoveEventSubscriber subtracts 1 from the subscriber gauge (call on unsubscribe).
func RemoveEventSubscriber() {
	subscribersMu.Lock()
	subscribers--
	if subscribers < 0 {
		subscribers = 0
	}
	subscribersMu.Unlock()
}

// InboxDepthFunc returns the total queued message count across inboxes.
type InboxDepthFunc func() int64

// InitMetricsWithInboxDepth creates instruments and registers a callback
// reporting router inbox depth. If depth is nil, the gauge is not reported.
func InitMetricsWithInboxDepth(ctx context.Context, depth InboxDepthFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if depth == nil {
		return nil
	}
	m := Meter()
	gauge, err := m.Int64ObservableGauge("crewmesh_inbox_depth", metric.WithDescription("Total messages queued in agent inboxes"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, depth())
		return nil
	}, gauge)
	return err
}
