package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/toolsforexperiments/instrumentserver/wire"
)

type recordingPublisher struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingPublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, topic+":"+string(body))
	return nil
}

func TestBusEmitPublishesOutOfProcess(t *testing.T) {
	pub := &recordingPublisher{}
	bus := New(pub)
	bus.Emit(context.Background(), Event{Topic: "dmm.voltage", Body: wire.BroadcastBody{Value: 1.25, TS: 1.0}})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.calls) != 1 {
		t.Fatalf("expected 1 publish call, got %d", len(pub.calls))
	}
}

func TestBusSubscribeFiltersByPrefix(t *testing.T) {
	bus := New(NopPublisher{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "dmm.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bus.Emit(context.Background(), Event{Topic: "dmm.voltage", Body: wire.BroadcastBody{Value: 1.0}})
	bus.Emit(context.Background(), Event{Topic: "source.voltage", Body: wire.BroadcastBody{Value: 5.0}})

	select {
	case ev := <-sub.C():
		if ev.Topic != "dmm.voltage" {
			t.Fatalf("expected dmm.voltage, got %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	select {
	case ev, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected extra event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
		// no unfiltered event arrived, as expected
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := New(NopPublisher{}, WithBufferSize(1), WithDrop(true))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 5; i++ {
		bus.Emit(context.Background(), Event{Topic: "x", Body: wire.BroadcastBody{Value: i}})
	}
	// Only the buffered capacity's worth should be deliverable without
	// blocking; draining must not hang.
	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expected at least one buffered event")
	}
}

func TestBusCloseClosesSubscriptions(t *testing.T) {
	bus := New(NopPublisher{})
	sub, err := bus.Subscribe(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, ok := <-sub.C()
	if ok {
		t.Fatal("expected subscription channel to be closed")
	}
}

func TestBroadcastBodyRoundTrip(t *testing.T) {
	body := wire.BroadcastBody{Value: 1.25, Unit: "V", TS: 123.5}
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded wire.BroadcastBody
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded != body {
		t.Fatalf("expected round trip, got %+v", decoded)
	}
}
