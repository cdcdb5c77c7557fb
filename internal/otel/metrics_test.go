package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hollowbit/taskdeck/internal/bus"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TaskTransitions == nil {
		t.Error("TaskTransitions is nil")
	}
	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.PollDuration == nil {
		t.Error("PollDuration is nil")
	}
	if m.BridgeFailures == nil {
		t.Error("BridgeFailures is nil")
	}
	if m.ActiveSessions == nil {
		t.Error("ActiveSessions is nil")
	}
	if m.ExecutorRestarts == nil {
		t.Error("ExecutorRestarts is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestObserve_StopsOnContextCancel(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	eventBus := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Observe(ctx, eventBus)
		close(done)
	}()

	// Publishing through the noop meter must not panic.
	time.Sleep(10 * time.Millisecond)
	eventBus.Publish(bus.TopicTaskRunning, bus.TaskEvent{TaskID: "t-1", NewStatus: "RUNNING"})
	eventBus.Publish(bus.TopicBridgeMirrorFailed, bus.BridgeEvent{TaskID: "t-1", Op: "create"})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe did not stop after cancel")
	}

	if eventBus.SubscriberCount() != 0 {
		t.Fatalf("subscriptions leaked: %d", eventBus.SubscriberCount())
	}
}

// collectMetric pulls the current reading for one instrument from a
// manual reader, or reports it absent.
func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) (metricdata.Metrics, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			if mt.Name == name {
				return mt, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestObserve_RecordsTaskDurationOnTerminalEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	eventBus := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Observe(ctx, eventBus)
		close(done)
	}()

	// Wait for Observe to register its task and bridge subscriptions so
	// the non-blocking bus does not drop the events published below.
	for start := time.Now(); eventBus.SubscriberCount() < 2 && time.Since(start) < 2*time.Second; {
		time.Sleep(time.Millisecond)
	}

	// Only the terminal event carrying a creation time counts: RUNNING is
	// not terminal, and a terminal event without the timestamp has no
	// duration to report.
	eventBus.Publish(bus.TopicTaskRunning, bus.TaskEvent{
		TaskID: "t-1", NewStatus: "RUNNING", CreatedAt: time.Now(),
	})
	eventBus.Publish(bus.TopicTaskFailed, bus.TaskEvent{
		TaskID: "t-2", NewStatus: "FAILED",
	})
	eventBus.Publish(bus.TopicTaskSucceeded, bus.TaskEvent{
		TaskID: "t-3", NewStatus: "SUCCEEDED", CreatedAt: time.Now().Add(-3 * time.Second),
	})

	var hist metricdata.Histogram[float64]
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mt, ok := collectMetric(t, reader, "taskdeck.task.duration")
		if ok {
			hist, ok = mt.Data.(metricdata.Histogram[float64])
			if ok && len(hist.DataPoints) > 0 {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if len(hist.DataPoints) != 1 {
		t.Fatalf("duration data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Fatalf("duration count = %d, want 1", dp.Count)
	}
	if dp.Sum < 3 {
		t.Fatalf("duration sum = %f, want at least the task's 3s age", dp.Sum)
	}
}

func TestMetrics_RecordingHelpers(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.RecordPoll(ctx, "claude", 250*time.Millisecond)
	m.CountStartRetry(ctx, "codex")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	mt, ok := collectMetric(t, reader, "taskdeck.executor.poll.duration")
	if !ok {
		t.Fatal("poll duration never recorded")
	}
	hist, ok := mt.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("poll duration = %+v", mt.Data)
	}

	mt, ok = collectMetric(t, reader, "taskdeck.executor.start.retries")
	if !ok {
		t.Fatal("start retries never counted")
	}
	retries, ok := mt.Data.(metricdata.Sum[int64])
	if !ok || len(retries.DataPoints) != 1 || retries.DataPoints[0].Value != 1 {
		t.Fatalf("start retries = %+v", mt.Data)
	}

	mt, ok = collectMetric(t, reader, "taskdeck.sessions.active")
	if !ok {
		t.Fatal("session gauge never moved")
	}
	sessions, ok := mt.Data.(metricdata.Sum[int64])
	if !ok || len(sessions.DataPoints) != 1 || sessions.DataPoints[0].Value != 1 {
		t.Fatalf("active sessions = %+v", mt.Data)
	}
}

func TestMetrics_NilReceiverHelpersAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordPoll(context.Background(), "claude", time.Second)
	m.CountStartRetry(context.Background(), "claude")
	m.SessionOpened()
	m.SessionClosed()
}
