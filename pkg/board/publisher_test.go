package board

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEventPublisherForwardsAfterStart(t *testing.T) {
	pub, err := NewEventPublisher(nil)
	if err != nil {
		t.Fatalf("NewEventPublisher returned error: %v", err)
	}

	if err := pub.Publish(context.Background(), SensorUpdateEvent{NodeID: "n1", SensorID: "t1", Value: 1}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	out := make(chan *SensorUpdateEvent, 1)
	if err := pub.Start(out); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := pub.Start(out); err == nil {
		t.Fatalf("expected second Start to fail")
	}

	select {
	case ev := <-out:
		if ev.SensorID != "t1" || ev.Value != 1 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not forwarded")
	}

	if err := pub.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := pub.Publish(context.Background(), SensorUpdateEvent{NodeID: "n1", SensorID: "t1"}); !errors.Is(err, ErrPublisherClosed) {
		t.Fatalf("expected ErrPublisherClosed, got %v", err)
	}
}

func TestEventPublisherDropPolicy(t *testing.T) {
	pub, err := NewEventPublisher(&EventPublisherConfig{Buffer: 1, OnFull: "drop"})
	if err != nil {
		t.Fatalf("NewEventPublisher returned error: %v", err)
	}
	defer pub.Stop()

	ev := SensorUpdateEvent{NodeID: "n1", SensorID: "t1"}
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("first Publish returned error: %v", err)
	}
	if err := pub.Publish(context.Background(), ev); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestEventPublisherBlockHonorsContext(t *testing.T) {
	pub, err := NewEventPublisher(&EventPublisherConfig{Buffer: 1})
	if err != nil {
		t.Fatalf("NewEventPublisher returned error: %v", err)
	}
	defer pub.Stop()

	ev := SensorUpdateEvent{NodeID: "n1", SensorID: "t1"}
	_ = pub.Publish(context.Background(), ev)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pub.Publish(ctx, ev); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestEventPublisherValidation(t *testing.T) {
	if _, err := NewEventPublisher(&EventPublisherConfig{OnFull: "spill"}); err == nil {
		t.Fatalf("expected invalid policy to be rejected")
	}
	pub, _ := NewEventPublisher(nil)
	if err := pub.Publish(context.Background(), SensorUpdateEvent{SensorID: "t1"}); err == nil {
		t.Fatalf("expected missing node id to be rejected")
	}
}

func TestEventPublisherFeedsRuntime(t *testing.T) {
	pub, err := NewEventPublisher(nil)
	if err != nil {
		t.Fatalf("NewEventPublisher returned error: %v", err)
	}
	rt, err := NewRuntime(testConfig(t),
		WithObservability(&stubObservability{}),
		WithSnapshotLoader(&stubLoader{graph: testGraph()}),
		WithTransport(newStubTransport()),
		WithCollector(pub),
	)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitFor(t, "snapshot", func() bool { return rt.Graph().Graph != nil })
	if err := pub.Publish(ctx, SensorUpdateEvent{MineID: "m1", NodeID: "n1", SensorID: "t1", Value: 77}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	waitFor(t, "merged value", func() bool {
		v := rt.Graph()
		return v.Graph != nil && v.Graph.Nodes[0].Sensors[0].Value == 77
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}
