package instrument

// NewDummy constructs the "t.Dummy" reference driver used throughout the
// test suite and the scenario in spec.md #8.1: a voltage parameter and a
// discrete range parameter, plus a reset method.
func NewDummy(args []any, kwargs map[string]any) (Instrument, error) {
	n := NewNode("t.Dummy")
	n.AddParameter(&Parameter{
		Name:     "voltage",
		Kind:     KindFloat,
		Unit:     "V",
		Readable: true,
		Settable: true,
		Value:    0.0,
	})
	allowed := []any{0.1, 1.0, 10.0, 100.0}
	n.AddParameter(&Parameter{
		Name:      "range",
		Kind:      KindEnum,
		Unit:      "V",
		Validator: Validator{Kind: ValidatorEnum, Allowed: allowed},
		Readable:  true,
		Settable:  true,
		Value:     1.0,
	})
	n.AddMethod(&Method{
		Name: "reset",
		Handler: func(args []any, kwargs map[string]any) (any, error) {
			n.params["voltage"].Value = 0.0
			return nil, nil
		},
	})
	return n, nil
}

// NewSource constructs a second minimal reference driver ("t.Source") used
// in the multi-instrument concurrency scenarios (spec.md #8.2).
func NewSource(args []any, kwargs map[string]any) (Instrument, error) {
	n := NewNode("t.Source")
	n.AddParameter(&Parameter{
		Name:     "voltage",
		Kind:     KindFloat,
		Unit:     "V",
		Readable: true,
		Settable: true,
		Value:    0.0,
	})
	return n, nil
}
