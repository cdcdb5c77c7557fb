package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/hollowbit/taskdeck/internal/bus"
)

// Metrics holds all taskdeck metric instruments.
type Metrics struct {
	TaskTransitions  metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	PollDuration     metric.Float64Histogram
	BridgeFailures   metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	ExecutorRestarts metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskTransitions, err = meter.Int64Counter("taskdeck.task.transitions",
		metric.WithDescription("Task state-machine transitions by new status"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskdeck.task.duration",
		metric.WithDescription("Task wall time from creation to a terminal status in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PollDuration, err = meter.Float64Histogram("taskdeck.executor.poll.duration",
		metric.WithDescription("Executor poll round-trip in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgeFailures, err = meter.Int64Counter("taskdeck.bridge.failures",
		metric.WithDescription("Best-effort tracker mirror failures"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("taskdeck.sessions.active",
		metric.WithDescription("Open interactive terminal sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutorRestarts, err = meter.Int64Counter("taskdeck.executor.start.retries",
		metric.WithDescription("Executor start attempts retried after a transient failure"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Observe counts task transitions and bridge failures off the event bus
// until ctx is done. Terminal transitions additionally record the task's
// wall time when the event carries a creation timestamp. Run it in its
// own goroutine.
func (m *Metrics) Observe(ctx context.Context, eventBus *bus.Bus) {
	taskSub := eventBus.Subscribe("task.")
	bridgeSub := eventBus.Subscribe("bridge.")
	defer eventBus.Unsubscribe(taskSub)
	defer eventBus.Unsubscribe(bridgeSub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-taskSub.Ch():
			payload, ok := ev.Payload.(bus.TaskEvent)
			if !ok {
				continue
			}
			m.TaskTransitions.Add(ctx, 1, metric.WithAttributes(
				AttrStatus.String(payload.NewStatus),
			))
			switch payload.NewStatus {
			case "SUCCEEDED", "FAILED", "CANCELLED":
				if !payload.CreatedAt.IsZero() {
					m.TaskDuration.Record(ctx, time.Since(payload.CreatedAt).Seconds(), metric.WithAttributes(
						AttrStatus.String(payload.NewStatus),
					))
				}
			}
		case ev := <-bridgeSub.Ch():
			payload, ok := ev.Payload.(bus.BridgeEvent)
			if !ok {
				continue
			}
			m.BridgeFailures.Add(ctx, 1, metric.WithAttributes(
				AttrBridgeOp.String(payload.Op),
			))
		}
	}
}

// RecordPoll records one executor poll round-trip. Safe on a nil receiver
// so callers need no metrics to run.
func (m *Metrics) RecordPoll(ctx context.Context, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.PollDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrExecutorKind.String(kind),
	))
}

// CountStartRetry counts one retried executor start attempt. Safe on a
// nil receiver.
func (m *Metrics) CountStartRetry(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ExecutorRestarts.Add(ctx, 1, metric.WithAttributes(
		AttrExecutorKind.String(kind),
	))
}

// SessionOpened moves the active-session gauge up by one. Safe on a nil
// receiver.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(context.Background(), 1)
}

// SessionClosed moves the active-session gauge down by one. Safe on a nil
// receiver.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(context.Background(), -1)
}
