package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/toolsforexperiments/instrumentserver/broadcast"
	"github.com/toolsforexperiments/instrumentserver/instrument"
	"github.com/toolsforexperiments/instrumentserver/parammgr"
	"github.com/toolsforexperiments/instrumentserver/registry"
	"github.com/toolsforexperiments/instrumentserver/wire"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *broadcast.Bus) {
	t.Helper()
	factory := registry.MapFactory{
		"t.Dummy":  instrument.NewDummy,
		"t.Source": instrument.NewSource,
	}
	reg := registry.New(factory)
	bus := broadcast.New(broadcast.NopPublisher{})
	d := New(reg, bus)
	t.Cleanup(d.Close)
	return d, reg, bus
}

// TestCreateAndReadScenario matches spec.md #8's scenario 1.
func TestCreateAndReadScenario(t *testing.T) {
	d, _, bus := newTestDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, encode(t, &wire.Instruction{
		Operation: wire.OpCreateInstrument, Target: "dmm", ClassPath: "t.Dummy",
	}))
	assertOK(t, resp)

	resp = d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpGetBlueprint, Target: "dmm"}))
	var r wire.Response
	decode(t, resp, &r)
	if !r.OK {
		t.Fatalf("expected ok, got %+v", r)
	}

	sub, err := bus.Subscribe(ctx, "dmm.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp = d.Dispatch(ctx, encode(t, &wire.Instruction{
		Operation: wire.OpSet, Target: "dmm", Path: "voltage", Value: 1.25,
	}))
	assertOK(t, resp)

	select {
	case ev := <-sub.C():
		if ev.Topic != "dmm.voltage" || ev.Body.Unit != "V" || ev.Body.Value != 1.25 {
			t.Fatalf("expected {dmm.voltage, 1.25, V}, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	resp = d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpGet, Target: "dmm", Path: "voltage"}))
	decode(t, resp, &r)
	if !r.OK || r.Value != 1.25 {
		t.Fatalf("expected 1.25, got %+v", r)
	}
}

// TestConcurrencyAcrossInstruments matches spec.md #8's scenario 2.
func TestConcurrencyAcrossInstruments(t *testing.T) {
	d, _, bus := newTestDispatcher(t)
	ctx := context.Background()
	mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpCreateInstrument, Target: "a", ClassPath: "t.Dummy"})))
	mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpCreateInstrument, Target: "b", ClassPath: "t.Source"})))

	sub, err := bus.Subscribe(ctx, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpSet, Target: "a", Path: "voltage", Value: 1.0})))
	}()
	go func() {
		defer wg.Done()
		mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpSet, Target: "b", Path: "voltage", Value: 2.0})))
	}()
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C():
			seen[ev.Topic] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcasts")
		}
	}
	if !seen["a.voltage"] || !seen["b.voltage"] {
		t.Fatalf("expected broadcasts for both topics, got %+v", seen)
	}
}

// TestValidationRejectsOutOfRangeAndLeavesStateUnchanged matches spec.md
// #8's scenario 4.
func TestValidationRejectsOutOfRangeAndLeavesStateUnchanged(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpCreateInstrument, Target: "dmm", ClassPath: "t.Dummy"})))

	var r wire.Response
	decode(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpSet, Target: "dmm", Path: "range", Value: 5.0})), &r)
	if r.OK || r.Err == nil || r.Err.Kind != wire.KindValidation {
		t.Fatalf("expected Validation error, got %+v", r)
	}

	decode(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpGet, Target: "dmm", Path: "range"})), &r)
	if !r.OK || r.Value != 1.0 {
		t.Fatalf("expected previous value 1.0 preserved, got %+v", r)
	}
}

// TestConcurrencyWithinInstrument matches spec.md #8's scenario 3: two
// concurrent sets against the same instrument/path must serialize (final
// get observes one of the two values) and must broadcast in commit order.
func TestConcurrencyWithinInstrument(t *testing.T) {
	d, _, bus := newTestDispatcher(t)
	ctx := context.Background()
	mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpCreateInstrument, Target: "a", ClassPath: "t.Dummy"})))

	sub, err := bus.Subscribe(ctx, "a.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpSet, Target: "a", Path: "voltage", Value: 1.0})))
	}()
	go func() {
		defer wg.Done()
		mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpSet, Target: "a", Path: "voltage", Value: 2.0})))
	}()
	wg.Wait()

	var values []float64
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C():
			if ev.Topic != "a.voltage" {
				t.Fatalf("expected topic a.voltage, got %s", ev.Topic)
			}
			v, ok := ev.Body.Value.(float64)
			if !ok {
				t.Fatalf("expected float64 broadcast value, got %+v", ev.Body.Value)
			}
			values = append(values, v)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcasts")
		}
	}
	if len(values) != 2 {
		t.Fatalf("expected two broadcasts, got %v", values)
	}

	var r wire.Response
	decode(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpGet, Target: "a", Path: "voltage"})), &r)
	final, ok := r.Value.(float64)
	if !ok || (final != 1.0 && final != 2.0) {
		t.Fatalf("expected final value in {1,2}, got %+v", r.Value)
	}
	// The broadcast order must match whichever set actually committed last.
	if values[len(values)-1] != final {
		t.Fatalf("expected last broadcast %v to match final value %v", values, final)
	}
}

// TestParameterManagerScenario matches spec.md #8's scenario 5, exercised
// through the full add_parameter/get/remove_parameter/get dispatcher path
// rather than the Manager's Go API directly.
func TestParameterManagerScenario(t *testing.T) {
	mgr, err := parammgr.New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	factory := registry.MapFactory{
		"t.Dummy": instrument.NewDummy,
		parammgr.ClassPath: func(_ []any, _ map[string]any) (instrument.Instrument, error) {
			return mgr, nil
		},
	}
	reg := registry.New(factory)
	bus := broadcast.New(broadcast.NopPublisher{})
	d := New(reg, bus)
	t.Cleanup(d.Close)
	ctx := context.Background()

	_, createErr := reg.Create("qubit", parammgr.ClassPath, nil, nil, false)
	if createErr != nil {
		t.Fatalf("unexpected error: %v", createErr)
	}

	mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{
		Operation: wire.OpAddParameter, Target: "qubit", Path: "pi.length", Value: 40,
		Kwargs: map[string]any{"unit": "ns"},
	})))

	var r wire.Response
	decode(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpGet, Target: "qubit", Path: "pi.length"})), &r)
	if !r.OK {
		t.Fatalf("expected ok, got %+v", r)
	}
	if n, ok := r.Value.(float64); !ok || n != 40 {
		t.Fatalf("expected 40, got %+v", r.Value)
	}

	mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpRemoveParameter, Target: "qubit", Path: "pi.length"})))

	decode(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpGet, Target: "qubit", Path: "pi.length"})), &r)
	if r.OK || r.Err == nil || r.Err.Kind != wire.KindNotFound {
		t.Fatalf("expected NotFound, got %+v", r)
	}
}

// TestSubscriberTopicFilterScenario matches spec.md #8's scenario 6: a
// subscriber filtered to "dmm." receives scenario 1's broadcast but not a
// broadcast from a different instrument.
func TestSubscriberTopicFilterScenario(t *testing.T) {
	d, _, bus := newTestDispatcher(t)
	ctx := context.Background()
	mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpCreateInstrument, Target: "dmm", ClassPath: "t.Dummy"})))
	mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpCreateInstrument, Target: "source", ClassPath: "t.Source"})))

	sub, err := bus.Subscribe(ctx, "dmm.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpSet, Target: "dmm", Path: "voltage", Value: 1.25})))
	mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpSet, Target: "source", Path: "voltage", Value: 5.0})))

	select {
	case ev := <-sub.C():
		if ev.Topic != "dmm.voltage" {
			t.Fatalf("expected dmm.voltage, got %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dmm.voltage broadcast")
	}

	select {
	case ev := <-sub.C():
		t.Fatalf("expected no further broadcasts for prefix dmm., got %+v", ev)
	case <-time.After(200 * time.Millisecond):
		// expected: source.voltage is filtered out
	}
}

func TestSetUnsettableYieldsUnsupported(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	ctx := context.Background()
	_, err := reg.Create("ro", "t.Dummy", nil, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inst, unlock, _ := reg.Lock("ro")
	inst.(interface {
		Params() map[string]*instrument.Parameter
	}).Params()["voltage"].Settable = false
	unlock()

	var r wire.Response
	decode(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpSet, Target: "ro", Path: "voltage", Value: 1.0})), &r)
	if r.OK || r.Err == nil || r.Err.Kind != wire.KindUnsupported {
		t.Fatalf("expected Unsupported, got %+v", r)
	}
}

func TestListInstruments(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustOK(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpCreateInstrument, Target: "dmm", ClassPath: "t.Dummy"})))

	var r wire.Response
	decode(t, d.Dispatch(ctx, encode(t, &wire.Instruction{Operation: wire.OpListInstruments})), &r)
	names, ok := r.Value.([]any)
	if !ok || len(names) != 1 || names[0] != "dmm" {
		t.Fatalf("expected [dmm], got %+v", r.Value)
	}
}

func TestUnknownOperationIsProtocolError(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	var r wire.Response
	decode(t, d.Dispatch(context.Background(), []byte(`{"operation":"frobnicate"}`)), &r)
	if r.OK || r.Err == nil || r.Err.Kind != wire.KindProtocol {
		t.Fatalf("expected ProtocolError, got %+v", r)
	}
}

func encode(t *testing.T, in *wire.Instruction) []byte {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return data
}

func decode(t *testing.T, data []byte, r *wire.Response) {
	t.Helper()
	if err := json.Unmarshal(data, r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertOK(t *testing.T, data []byte) {
	t.Helper()
	var r wire.Response
	decode(t, data, &r)
	if !r.OK {
		t.Fatalf("expected ok, got %+v", r)
	}
}

func mustOK(t *testing.T, data []byte) { assertOK(t, data) }
