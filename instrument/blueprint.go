package instrument

import "github.com/toolsforexperiments/instrumentserver/wire"

// BuildBlueprint reflects an instrument into a transportable
// InstrumentBlueprint (spec.md #4.4). The walk is depth-first and
// alphabetical within each node so blueprints are stable for a given
// instrument shape. It must be called under the instrument's lock to
// observe a consistent snapshot.
func BuildBlueprint(name string, d Describer) *wire.InstrumentBlueprint {
	bp := &wire.InstrumentBlueprint{
		Name:      name,
		ClassPath: d.ClassPath(),
	}
	params := d.Params()
	for _, key := range sortedKeys(params) {
		bp.Parameters = append(bp.Parameters, buildParamBlueprint(params[key]))
	}
	methods := d.Methods()
	for _, key := range sortedKeys(methods) {
		bp.Methods = append(bp.Methods, buildMethodBlueprint(methods[key]))
	}
	children := d.Children()
	for _, key := range sortedKeys(children) {
		bp.Submodules = append(bp.Submodules, BuildBlueprint(key, children[key]))
	}
	return bp
}

func buildParamBlueprint(p *Parameter) *wire.ParameterBlueprint {
	return &wire.ParameterBlueprint{
		Path:      p.Name,
		Kind:      string(p.Kind),
		Unit:      p.Unit,
		Validator: buildValidatorBlueprint(p.Validator),
		Readable:  p.Readable,
		Settable:  p.Settable,
	}
}

func buildValidatorBlueprint(v Validator) *wire.ValidatorBlueprint {
	if v.Kind == "" || v.Kind == ValidatorNone {
		return nil
	}
	return &wire.ValidatorBlueprint{
		Kind:        string(v.Kind),
		Min:         v.Min,
		Max:         v.Max,
		Allowed:     v.Allowed,
		PredicateID: v.PredicateID,
	}
}

func buildMethodBlueprint(m *Method) *wire.MethodBlueprint {
	return &wire.MethodBlueprint{
		Path:       m.Name,
		ArgNames:   m.ArgNames,
		Keywords:   m.Keywords,
		ReturnType: m.ReturnType,
	}
}
