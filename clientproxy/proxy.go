// Package clientproxy builds a local, navigable object tree mirroring a
// server-side instrument's shape from its wire.InstrumentBlueprint (spec.md
// #4.4, Design Note 3). Proxies cache only metadata (kind, unit,
// validator, arity); every get/set/call forwards to the server and never
// caches a value locally.
package clientproxy

import (
	"context"

	"github.com/toolsforexperiments/instrumentserver/wire"
)

// Asker sends a decoded instruction and waits for its response. A
// transport.Client satisfies this.
type Asker interface {
	Ask(ctx context.Context, in *wire.Instruction) (*wire.Response, error)
}

// InstrumentProxy mirrors one node of an instrument's tree: its own
// parameters and methods, plus a proxy per sub-module (spec.md #4.4).
type InstrumentProxy struct {
	ask       Asker
	target    string // registry name of the owning instrument
	path      string // dotted path prefix to this node, "" at the root
	Blueprint *wire.InstrumentBlueprint

	Parameters map[string]*ParameterProxy
	Methods    map[string]*MethodProxy
	Submodules map[string]*InstrumentProxy
}

// ParameterProxy forwards get/set for one parameter to the server.
type ParameterProxy struct {
	ask       Asker
	target    string
	path      string
	Blueprint *wire.ParameterBlueprint
}

// MethodProxy forwards a call for one method to the server.
type MethodProxy struct {
	ask       Asker
	target    string
	path      string
	Blueprint *wire.MethodBlueprint
}

// Build constructs a proxy tree for target using bp as the authoritative
// shape, forwarding every leaf operation through ask.
func Build(ask Asker, target string, bp *wire.InstrumentBlueprint) *InstrumentProxy {
	return build(ask, target, "", bp)
}

func build(ask Asker, target, pathPrefix string, bp *wire.InstrumentBlueprint) *InstrumentProxy {
	p := &InstrumentProxy{
		ask:        ask,
		target:     target,
		path:       pathPrefix,
		Blueprint:  bp,
		Parameters: make(map[string]*ParameterProxy, len(bp.Parameters)),
		Methods:    make(map[string]*MethodProxy, len(bp.Methods)),
		Submodules: make(map[string]*InstrumentProxy, len(bp.Submodules)),
	}
	for _, pb := range bp.Parameters {
		p.Parameters[pb.Path] = &ParameterProxy{
			ask:       ask,
			target:    target,
			path:      joinPath(pathPrefix, pb.Path),
			Blueprint: pb,
		}
	}
	for _, mb := range bp.Methods {
		p.Methods[mb.Path] = &MethodProxy{
			ask:       ask,
			target:    target,
			path:      joinPath(pathPrefix, mb.Path),
			Blueprint: mb,
		}
	}
	for _, sub := range bp.Submodules {
		p.Submodules[sub.Name] = build(ask, target, joinPath(pathPrefix, sub.Name), sub)
	}
	return p
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Get reads the parameter's current value from the server.
func (p *ParameterProxy) Get(ctx context.Context) (any, error) {
	resp, err := p.ask.Ask(ctx, &wire.Instruction{
		Operation: wire.OpGet,
		Target:    p.target,
		Path:      p.path,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, resp.Err
	}
	return resp.Value, nil
}

// Set validates and writes a new value on the server.
func (p *ParameterProxy) Set(ctx context.Context, value any) error {
	resp, err := p.ask.Ask(ctx, &wire.Instruction{
		Operation: wire.OpSet,
		Target:    p.target,
		Path:      p.path,
		Value:     value,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return resp.Err
	}
	return nil
}

// Call invokes the method on the server with the given positional and
// keyword arguments.
func (m *MethodProxy) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	resp, err := m.ask.Ask(ctx, &wire.Instruction{
		Operation: wire.OpCall,
		Target:    m.target,
		Path:      m.path,
		Args:      args,
		Kwargs:    kwargs,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, resp.Err
	}
	return resp.Value, nil
}

// Snapshot fetches every parameter value under the owning instrument in a
// single round trip.
func (p *InstrumentProxy) Snapshot(ctx context.Context) (map[string]any, error) {
	resp, err := p.ask.Ask(ctx, &wire.Instruction{
		Operation: wire.OpSnapshot,
		Target:    p.target,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, resp.Err
	}
	out, _ := resp.Value.(map[string]any)
	return out, nil
}

// Station groups named instrument proxies into a single client-side
// namespace, the way a lab setup names its instruments (spec.md #4.4).
type Station struct {
	proxies map[string]*InstrumentProxy
}

// NewStation constructs an empty Station.
func NewStation() *Station {
	return &Station{proxies: make(map[string]*InstrumentProxy)}
}

// Add registers a proxy under name.
func (s *Station) Add(name string, p *InstrumentProxy) { s.proxies[name] = p }

// Get returns the proxy registered under name, if any.
func (s *Station) Get(name string) (*InstrumentProxy, bool) {
	p, ok := s.proxies[name]
	return p, ok
}

// Names returns every registered instrument name.
func (s *Station) Names() []string {
	names := make([]string, 0, len(s.proxies))
	for name := range s.proxies {
		names = append(names, name)
	}
	return names
}
