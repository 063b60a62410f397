// Package dispatch implements the request/reply half of the server
// (spec.md #4.2): decoding a wire.Instruction, acquiring the addressed
// instrument's lock, running the operation, emitting a broadcast event on
// a successful set/add_parameter/remove_parameter, and encoding the
// reply. Concurrency shape (bounded worker pool fed by a job channel) is
// generalized from the corpus's in-memory workflow engine
// (runtime/agent/engine/inmem/engine.go).
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/toolsforexperiments/instrumentserver/broadcast"
	"github.com/toolsforexperiments/instrumentserver/instrument"
	"github.com/toolsforexperiments/instrumentserver/registry"
	"github.com/toolsforexperiments/instrumentserver/telemetry"
	"github.com/toolsforexperiments/instrumentserver/wire"
)

// paramManager is the extra capability the parameter-manager virtual
// instrument exposes beyond the generic Instrument contract (spec.md
// #4.6). Any registered instrument that happens to implement it can serve
// add_parameter/remove_parameter/save; in practice only the parameter
// manager does.
type paramManager interface {
	AddParameter(path string, initial any, unit string, v instrument.Validator) error
	RemoveParameter(path string) error
	SaveProfile() error
}

// Dispatcher routes decoded instructions to the registry and broadcast
// bus. It is transport-agnostic: transport/ feeds it raw payloads and
// receives raw reply payloads back.
type Dispatcher struct {
	reg     *registry.Registry
	bus     *broadcast.Bus
	pool    *workerPool
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the worker pool size (spec.md #4.2, default 5).
func WithWorkers(n int) Option {
	return func(d *Dispatcher) { d.pool = newWorkerPool(n) }
}

// WithLogger attaches a Logger.
func WithLogger(l telemetry.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics attaches a Metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer attaches a Tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// New constructs a Dispatcher over reg and bus.
func New(reg *registry.Registry, bus *broadcast.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:     reg,
		bus:     bus,
		logger:  telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
		tracer:  telemetry.NoopTracer{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pool == nil {
		d.pool = newWorkerPool(5)
	}
	return d
}

// Close drains the worker pool, waiting for in-flight requests to finish.
func (d *Dispatcher) Close() { d.pool.Close() }

// Dispatch decodes payload, routes it synchronously and returns the
// encoded reply. Callers that want pool-bounded concurrency should use
// Submit instead.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) []byte {
	in, decodeErr := wire.DecodeInstruction(payload)
	if decodeErr != nil {
		return wire.EncodeResponse(wire.ErrResponse(decodeErr))
	}
	return wire.EncodeResponse(d.handle(ctx, in))
}

// Submit enqueues payload's decoding and handling onto the bounded worker
// pool (spec.md #4.2) and invokes reply with the encoded response once
// done. Submit does not wait for this payload's handler to run; it blocks
// only while the pool's job queue is full.
func (d *Dispatcher) Submit(ctx context.Context, payload []byte, reply func([]byte)) {
	d.metrics.RecordGauge("dispatch.queue_depth", float64(d.pool.QueueDepth()))
	d.pool.Submit(func() {
		reply(d.Dispatch(ctx, payload))
	})
}

// requestID returns a correlation id for log/metric lines covering a
// single instruction, prefixed with the operation name for readability
// (same shape as the corpus's run-id generator: a normalized prefix
// joined to a fresh UUID).
func requestID(op wire.Operation) string {
	return string(op) + "-" + uuid.NewString()
}

func (d *Dispatcher) handle(ctx context.Context, in *wire.Instruction) wire.Response {
	rid := requestID(in.Operation)
	ctx, span := d.tracer.Start(ctx, "dispatch."+string(in.Operation))
	defer span.End()
	span.AddEvent("instruction received", "request_id", rid, "target", in.Target)

	d.logger.Debug(ctx, "dispatch instruction", "request_id", rid, "operation", in.Operation, "target", in.Target)
	start := time.Now()
	resp := d.dispatchOp(ctx, in)
	d.metrics.RecordTimer("dispatch.handler.duration", time.Since(start), "operation", string(in.Operation))

	if !resp.OK {
		span.SetStatus(codes.Error, resp.Err.Message)
		span.RecordError(resp.Err)
		d.logger.Warn(ctx, "instruction failed", "request_id", rid, "operation", in.Operation, "target", in.Target, "error", resp.Err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return resp
}

func (d *Dispatcher) dispatchOp(ctx context.Context, in *wire.Instruction) (resp wire.Response) {
	// A panic inside instrument code must not escape to the worker pool:
	// handlers release their locks through defer, and the panic becomes an
	// InstrumentFailure reply.
	defer func() {
		if r := recover(); r != nil {
			resp = wire.ErrResponse(wire.InstrumentFailuref("%s panicked: %v", in.Operation, r))
		}
	}()
	switch in.Operation {
	case wire.OpListInstruments:
		return d.handleListInstruments()
	case wire.OpCreateInstrument:
		return d.handleCreateInstrument(in)
	case wire.OpGetBlueprint:
		return d.handleGetBlueprint(in)
	case wire.OpGet:
		return d.handleGet(in)
	case wire.OpSet:
		return d.handleSet(ctx, in)
	case wire.OpCall:
		return d.handleCall(in)
	case wire.OpSnapshot:
		return d.handleSnapshot(in)
	case wire.OpAddParameter:
		return d.handleAddParameter(ctx, in)
	case wire.OpRemoveParameter:
		return d.handleRemoveParameter(ctx, in)
	case wire.OpSaveProfile:
		return d.handleSaveProfile(in)
	default:
		return wire.ErrResponse(wire.Protocolf("unknown operation %q", in.Operation))
	}
}

func (d *Dispatcher) handleListInstruments() wire.Response {
	return wire.OKResponse(d.reg.List())
}

func (d *Dispatcher) handleCreateInstrument(in *wire.Instruction) wire.Response {
	if in.Target == "" {
		return wire.ErrResponse(wire.Protocolf("create_instrument requires target"))
	}
	if in.ClassPath == "" {
		return wire.ErrResponse(wire.Protocolf("create_instrument requires class_path"))
	}
	inst, err := d.reg.Create(in.Target, in.ClassPath, in.Args, in.Kwargs, in.FindOrCreate)
	if err != nil {
		return wire.ErrResponse(wire.AsServerError(err))
	}
	return wire.OKResponse(instrument.BuildBlueprint(in.Target, inst))
}

func (d *Dispatcher) lockTarget(in *wire.Instruction) (instrument.Instrument, func(), *wire.ServerError) {
	if in.Target == "" {
		return nil, nil, wire.Protocolf("%s requires target", in.Operation)
	}
	inst, unlock, err := d.reg.Lock(in.Target)
	if err != nil {
		return nil, nil, wire.AsServerError(err)
	}
	return inst, unlock, nil
}

func (d *Dispatcher) handleGetBlueprint(in *wire.Instruction) wire.Response {
	inst, unlock, err := d.lockTarget(in)
	if err != nil {
		return wire.ErrResponse(err)
	}
	defer unlock()
	return wire.OKResponse(instrument.BuildBlueprint(in.Target, inst))
}

func (d *Dispatcher) handleGet(in *wire.Instruction) wire.Response {
	inst, unlock, lockErr := d.lockTarget(in)
	if lockErr != nil {
		return wire.ErrResponse(lockErr)
	}
	defer unlock()
	value, err := inst.Get(in.Path)
	if err != nil {
		return wire.ErrResponse(wire.AsServerError(err))
	}
	return wire.OKResponse(value)
}

func (d *Dispatcher) handleSet(ctx context.Context, in *wire.Instruction) wire.Response {
	inst, unlock, lockErr := d.lockTarget(in)
	if lockErr != nil {
		return wire.ErrResponse(lockErr)
	}
	defer unlock()
	if err := inst.Set(in.Path, in.Value); err != nil {
		return wire.ErrResponse(wire.AsServerError(err))
	}
	unit, _ := inst.Unit(in.Path)
	d.emitValueChange(ctx, in.Target, in.Path, in.Value, unit)
	return wire.OKResponse(nil)
}

func (d *Dispatcher) handleCall(in *wire.Instruction) wire.Response {
	inst, unlock, lockErr := d.lockTarget(in)
	if lockErr != nil {
		return wire.ErrResponse(lockErr)
	}
	defer unlock()
	value, err := inst.Call(in.Path, in.Args, in.Kwargs)
	if err != nil {
		return wire.ErrResponse(wire.AsServerError(err))
	}
	return wire.OKResponse(value)
}

func (d *Dispatcher) handleSnapshot(in *wire.Instruction) wire.Response {
	inst, unlock, lockErr := d.lockTarget(in)
	if lockErr != nil {
		return wire.ErrResponse(lockErr)
	}
	defer unlock()
	return wire.OKResponse(inst.Snapshot())
}

func (d *Dispatcher) asParamManager(in *wire.Instruction) (paramManager, instrument.Instrument, func(), *wire.ServerError) {
	inst, unlock, err := d.lockTarget(in)
	if err != nil {
		return nil, nil, nil, err
	}
	pm, ok := inst.(paramManager)
	if !ok {
		unlock()
		return nil, nil, nil, wire.Unsupportedf("instrument %q does not support parameter management", in.Target)
	}
	return pm, inst, unlock, nil
}

func (d *Dispatcher) handleAddParameter(ctx context.Context, in *wire.Instruction) wire.Response {
	pm, _, unlock, err := d.asParamManager(in)
	if err != nil {
		return wire.ErrResponse(err)
	}
	defer unlock()
	unit, _ := in.Kwargs["unit"].(string)
	v := decodeValidator(in.Kwargs["validator"])
	if addErr := pm.AddParameter(in.Path, in.Value, unit, v); addErr != nil {
		return wire.ErrResponse(wire.AsServerError(addErr))
	}
	d.emitStructural(ctx, in.Target, in.Path, "added", in.Value, unit)
	return wire.OKResponse(nil)
}

func (d *Dispatcher) handleRemoveParameter(ctx context.Context, in *wire.Instruction) wire.Response {
	pm, _, unlock, err := d.asParamManager(in)
	if err != nil {
		return wire.ErrResponse(err)
	}
	defer unlock()
	if rmErr := pm.RemoveParameter(in.Path); rmErr != nil {
		return wire.ErrResponse(wire.AsServerError(rmErr))
	}
	d.emitStructural(ctx, in.Target, in.Path, "removed", nil, "")
	return wire.OKResponse(nil)
}

func (d *Dispatcher) handleSaveProfile(in *wire.Instruction) wire.Response {
	pm, _, unlock, err := d.asParamManager(in)
	if err != nil {
		return wire.ErrResponse(err)
	}
	defer unlock()
	if saveErr := pm.SaveProfile(); saveErr != nil {
		return wire.ErrResponse(wire.AsServerError(saveErr))
	}
	return wire.OKResponse(nil)
}

func (d *Dispatcher) emitValueChange(ctx context.Context, target, path string, value any, unit string) {
	d.bus.Emit(ctx, broadcast.Event{
		Topic: target + "." + path,
		Body: wire.BroadcastBody{
			Value: value,
			Unit:  unit,
			TS:    nowSeconds(),
		},
	})
}

func (d *Dispatcher) emitStructural(ctx context.Context, target, path, kind string, value any, unit string) {
	d.bus.Emit(ctx, broadcast.Event{
		Topic: target + "." + path,
		Body: wire.BroadcastBody{
			Value:      value,
			Unit:       unit,
			TS:         nowSeconds(),
			Structural: true,
			Kind:       kind,
		},
	})
}

// decodeValidator turns the free-form JSON "validator" kwarg into a
// Validator descriptor. Absent or malformed input yields the zero value
// (no validation), matching spec.md #4.6's tolerant add_parameter
// contract.
func decodeValidator(raw any) instrument.Validator {
	m, ok := raw.(map[string]any)
	if !ok {
		return instrument.Validator{}
	}
	v := instrument.Validator{}
	if kind, ok := m["kind"].(string); ok {
		v.Kind = instrument.ValidatorKind(kind)
	}
	if min, ok := m["min"].(float64); ok {
		v.Min = &min
	}
	if max, ok := m["max"].(float64); ok {
		v.Max = &max
	}
	if allowed, ok := m["allowed"].([]any); ok {
		v.Allowed = allowed
	}
	if pid, ok := m["predicate_id"].(string); ok {
		v.PredicateID = pid
	}
	return v
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
