// Package instrument defines the Instrument capability interface
// (spec.md #9, Design Note 1) that hardware drivers and virtual
// instruments (the parameter manager) implement, plus the generic Node
// tree used to build them.
package instrument

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/toolsforexperiments/instrumentserver/wire"
)

// Kind is a parameter's declared type (spec.md #3).
type Kind string

const (
	KindInteger Kind = "integer"
	KindFloat   Kind = "float"
	KindBool    Kind = "bool"
	KindString  Kind = "string"
	KindEnum    Kind = "enum"
	KindJSON    Kind = "json"
)

// ValidatorKind tags which validation rule a Validator applies (Design
// Note 2: validators are small serializable descriptors, not closures).
type ValidatorKind string

const (
	ValidatorNone      ValidatorKind = "none"
	ValidatorRange     ValidatorKind = "range"
	ValidatorEnum      ValidatorKind = "enum"
	ValidatorPredicate ValidatorKind = "predicate"
	ValidatorSchema    ValidatorKind = "schema"
)

// Predicate is a named, registered validation function. Predicates are
// referenced from a Validator by PredicateID rather than stored as a
// closure so that Validator (and therefore Parameter) remains a plain
// serializable value.
type Predicate func(value any) error

var predicateRegistry = map[string]Predicate{}

// RegisterPredicate makes a named predicate available to validators by ID.
// Typically called from driver init() functions.
func RegisterPredicate(id string, fn Predicate) {
	predicateRegistry[id] = fn
}

// Validator describes how a parameter's value is checked before it is
// committed (spec.md #3).
type Validator struct {
	Kind        ValidatorKind
	Min         *float64
	Max         *float64
	Allowed     []any
	PredicateID string
	Schema      json.RawMessage

	compiled *jsonschema.Schema
}

// Validate checks value against the rule. It compiles the JSON schema
// lazily and caches it on first use.
func (v *Validator) Validate(value any) error {
	switch v.Kind {
	case "", ValidatorNone:
		return nil
	case ValidatorRange:
		f, ok := asFloat(value)
		if !ok {
			return fmt.Errorf("value %v is not numeric", value)
		}
		if v.Min != nil && f < *v.Min {
			return fmt.Errorf("value %v below minimum %v", value, *v.Min)
		}
		if v.Max != nil && f > *v.Max {
			return fmt.Errorf("value %v above maximum %v", value, *v.Max)
		}
		return nil
	case ValidatorEnum:
		for _, allowed := range v.Allowed {
			if equalNumericAware(allowed, value) {
				return nil
			}
		}
		return fmt.Errorf("value %v is not one of %v", value, v.Allowed)
	case ValidatorPredicate:
		fn, ok := predicateRegistry[v.PredicateID]
		if !ok {
			return fmt.Errorf("unknown predicate %q", v.PredicateID)
		}
		return fn(value)
	case ValidatorSchema:
		if len(v.Schema) == 0 {
			return nil
		}
		if v.compiled == nil {
			var doc any
			if err := json.Unmarshal(v.Schema, &doc); err != nil {
				return fmt.Errorf("invalid schema: %w", err)
			}
			c := jsonschema.NewCompiler()
			if err := c.AddResource("param.json", doc); err != nil {
				return fmt.Errorf("add schema resource: %w", err)
			}
			sch, err := c.Compile("param.json")
			if err != nil {
				return fmt.Errorf("compile schema: %w", err)
			}
			v.compiled = sch
		}
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal value: %w", err)
		}
		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("unmarshal value: %w", err)
		}
		return v.compiled.Validate(doc)
	default:
		return fmt.Errorf("unknown validator kind %q", v.Kind)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func equalNumericAware(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

// Parameter is a typed, validated get/set cell on an instrument (spec.md
// #3). Parameter is mutated only while the owning instrument's lock is
// held; it carries no internal synchronization of its own.
type Parameter struct {
	Name      string
	Kind      Kind
	Unit      string
	Validator Validator
	Readable  bool
	Settable  bool
	Value     any
}

// Get returns the cached value, honoring the readable flag.
func (p *Parameter) Get() (any, error) {
	if !p.Readable {
		return nil, wire.Unsupportedf("parameter %q is not readable", p.Name)
	}
	return p.Value, nil
}

// Set validates and commits a new value, honoring the settable flag.
func (p *Parameter) Set(value any) error {
	if !p.Settable {
		return wire.Unsupportedf("parameter %q is not settable", p.Name)
	}
	if err := p.Validator.Validate(value); err != nil {
		return wire.Validationf("parameter %q: %s", p.Name, err)
	}
	p.Value = value
	return nil
}

// Method is a callable operation on an instrument (spec.md #3).
type Method struct {
	Name       string
	ArgNames   []string
	Keywords   []string
	ReturnType string
	Handler    func(args []any, kwargs map[string]any) (any, error)
}

// call validates arity/keywords and invokes the handler.
func (m *Method) call(args []any, kwargs map[string]any) (any, error) {
	if len(args) != len(m.ArgNames) {
		return nil, wire.Validationf("method %q expects %d positional args, got %d", m.Name, len(m.ArgNames), len(args))
	}
	if len(m.Keywords) > 0 {
		allowed := make(map[string]struct{}, len(m.Keywords))
		for _, k := range m.Keywords {
			allowed[k] = struct{}{}
		}
		for k := range kwargs {
			if _, ok := allowed[k]; !ok {
				return nil, wire.Validationf("method %q: unexpected keyword %q", m.Name, k)
			}
		}
	} else if len(kwargs) > 0 {
		return nil, wire.Validationf("method %q takes no keyword arguments", m.Name)
	}
	if m.Handler == nil {
		return nil, wire.Internalf("method %q has no handler", m.Name)
	}
	return m.Handler(args, kwargs)
}
