package instrument

import (
	"sort"
	"strings"

	"github.com/toolsforexperiments/instrumentserver/wire"
)

// Describer is the read-only structural half of the capability interface a
// driver exposes to the dispatcher (spec.md #9, Design Note 1). It never
// executes anything; it only reports shape.
type Describer interface {
	// ClassPath identifies the concrete driver type for re-creation from a
	// profile and for display.
	ClassPath() string
	// Params returns this node's own parameters, keyed by leaf name.
	Params() map[string]*Parameter
	// Methods returns this node's own methods, keyed by leaf name.
	Methods() map[string]*Method
	// Children returns this node's immediate sub-modules, keyed by leaf
	// name.
	Children() map[string]Describer
}

// Instrument is the full capability interface the dispatcher depends on.
// The dispatcher never reflects into driver internals; every operation in
// spec.md #4.2's table is expressed through this interface. Implementations
// are not internally synchronized: callers must hold the owning
// instrument's lock (spec.md #5) for the duration of any call.
type Instrument interface {
	Describer
	// Get reads the parameter or sub-module parameter addressed by the
	// dotted path.
	Get(path string) (any, error)
	// Set validates and writes the parameter addressed by the dotted path.
	Set(path string, value any) error
	// Call invokes the method addressed by the dotted path.
	Call(path string, args []any, kwargs map[string]any) (any, error)
	// Snapshot returns every parameter's current value keyed by its full
	// dotted path.
	Snapshot() map[string]any
	// Unit reports the declared unit of the parameter addressed by the
	// dotted path, used to populate broadcast bodies (spec.md #3, #6).
	Unit(path string) (string, error)
}

// Node is a generic, recursive implementation of Instrument: a tree of
// named parameters, methods and sub-modules. Both hardware-driver stand-ins
// (Dummy) and the parameter manager are built from Node.
type Node struct {
	classPath string
	params    map[string]*Parameter
	methods   map[string]*Method
	children  map[string]*Node
}

// NewNode constructs an empty Node for the given class path.
func NewNode(classPath string) *Node {
	return &Node{
		classPath: classPath,
		params:    make(map[string]*Parameter),
		methods:   make(map[string]*Method),
		children:  make(map[string]*Node),
	}
}

// AddParameter registers a parameter under its leaf name on this node.
func (n *Node) AddParameter(p *Parameter) { n.params[p.Name] = p }

// AddMethod registers a method under its leaf name on this node.
func (n *Node) AddMethod(m *Method) { n.methods[m.Name] = m }

// Child returns (creating if necessary) the immediate sub-module named
// name.
func (n *Node) Child(name string) *Node {
	c, ok := n.children[name]
	if !ok {
		c = NewNode(n.classPath)
		n.children[name] = c
	}
	return c
}

// ClassPath implements Describer.
func (n *Node) ClassPath() string { return n.classPath }

// Params implements Describer.
func (n *Node) Params() map[string]*Parameter { return n.params }

// Methods implements Describer.
func (n *Node) Methods() map[string]*Method { return n.methods }

// Children implements Describer.
func (n *Node) Children() map[string]Describer {
	out := make(map[string]Describer, len(n.children))
	for k, v := range n.children {
		out[k] = v
	}
	return out
}

// splitPath separates a dotted path into the sub-module segments and the
// leaf (parameter or method) name.
func splitPath(path string) (segments []string, leaf string) {
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return nil, parts[0]
	}
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// resolve walks segments, returning the addressed node. If create is true,
// intermediate nodes are created as needed (used by the parameter
// manager's add_parameter, spec.md #4.6).
func (n *Node) resolve(segments []string, create bool) (*Node, bool) {
	cur := n
	for _, seg := range segments {
		c, ok := cur.children[seg]
		if !ok {
			if !create {
				return nil, false
			}
			c = NewNode(cur.classPath)
			cur.children[seg] = c
		}
		cur = c
	}
	return cur, true
}

func (n *Node) resolveParam(path string) (*Parameter, error) {
	segs, leaf := splitPath(path)
	node, ok := n.resolve(segs, false)
	if !ok {
		return nil, wire.NotFoundf("no sub-module at %q", path)
	}
	p, ok := node.params[leaf]
	if !ok {
		return nil, wire.NotFoundf("unknown parameter %q", path)
	}
	return p, nil
}

// Get implements Instrument.
func (n *Node) Get(path string) (any, error) {
	p, err := n.resolveParam(path)
	if err != nil {
		return nil, err
	}
	return p.Get()
}

// Set implements Instrument.
func (n *Node) Set(path string, value any) error {
	p, err := n.resolveParam(path)
	if err != nil {
		return err
	}
	return p.Set(value)
}

// Unit implements Instrument.
func (n *Node) Unit(path string) (string, error) {
	p, err := n.resolveParam(path)
	if err != nil {
		return "", err
	}
	return p.Unit, nil
}

// Call implements Instrument.
func (n *Node) Call(path string, args []any, kwargs map[string]any) (any, error) {
	segs, leaf := splitPath(path)
	node, ok := n.resolve(segs, false)
	if !ok {
		return nil, wire.NotFoundf("no sub-module at %q", path)
	}
	m, ok := node.methods[leaf]
	if !ok {
		return nil, wire.NotFoundf("unknown method %q", path)
	}
	return m.call(args, kwargs)
}

// RemoveParameter deletes the parameter addressed by path. It returns
// NotFound if no such parameter exists.
func (n *Node) RemoveParameter(path string) error {
	segs, leaf := splitPath(path)
	node, ok := n.resolve(segs, false)
	if !ok {
		return wire.NotFoundf("no sub-module at %q", path)
	}
	if _, ok := node.params[leaf]; !ok {
		return wire.NotFoundf("unknown parameter %q", path)
	}
	delete(node.params, leaf)
	return nil
}

// EnsureChild resolves (creating intermediates as needed) the sub-module
// addressed by the dotted segments, used by add_parameter to implicitly
// create grouping nodes (spec.md #4.6).
func (n *Node) EnsureChild(segments []string) *Node {
	node, _ := n.resolve(segments, true)
	return node
}

// Snapshot implements Instrument, returning every parameter's value keyed
// by its full dotted path.
func (n *Node) Snapshot() map[string]any {
	out := make(map[string]any)
	n.collectSnapshot("", out)
	return out
}

func (n *Node) collectSnapshot(prefix string, out map[string]any) {
	for name, p := range n.params {
		out[joinPath(prefix, name)] = p.Value
	}
	for name, c := range n.children {
		c.collectSnapshot(joinPath(prefix, name), out)
	}
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// sortedKeys returns the map's keys in alphabetical order, used everywhere
// a deterministic walk is required (spec.md #4.4).
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
