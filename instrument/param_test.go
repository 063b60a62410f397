package instrument

import (
	"testing"

	"github.com/toolsforexperiments/instrumentserver/wire"
)

func TestParameterGetUnreadable(t *testing.T) {
	p := &Parameter{Name: "x", Readable: false}
	_, err := p.Get()
	assertKind(t, err, wire.KindUnsupported)
}

func TestParameterSetUnsettable(t *testing.T) {
	p := &Parameter{Name: "x", Settable: false}
	err := p.Set(1.0)
	assertKind(t, err, wire.KindUnsupported)
}

func TestParameterSetValidationFailure(t *testing.T) {
	min, max := 0.0, 10.0
	p := &Parameter{
		Name:      "x",
		Settable:  true,
		Readable:  true,
		Validator: Validator{Kind: ValidatorRange, Min: &min, Max: &max},
		Value:     5.0,
	}
	if err := p.Set(20.0); err == nil {
		t.Fatal("expected validation error")
	} else {
		assertKind(t, err, wire.KindValidation)
	}
	if p.Value != 5.0 {
		t.Fatalf("value should be unchanged on validation failure, got %v", p.Value)
	}
}

func TestParameterSetRoundTrip(t *testing.T) {
	p := &Parameter{Name: "x", Settable: true, Readable: true}
	if err := p.Set(1.25); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := p.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1.25 {
		t.Fatalf("expected 1.25, got %v", got)
	}
}

func TestEnumValidatorAcceptsNumericEquivalence(t *testing.T) {
	v := Validator{Kind: ValidatorEnum, Allowed: []any{0.1, 1.0, 10.0, 100.0}}
	if err := v.Validate(1); err != nil {
		t.Fatalf("expected int 1 to match float 1.0: %v", err)
	}
	if err := v.Validate(5); err == nil {
		t.Fatal("expected 5 to be rejected")
	}
}

func TestMethodCallArityAndKeywords(t *testing.T) {
	called := false
	m := &Method{
		Name:     "reset",
		ArgNames: []string{"a"},
		Keywords: []string{"fast"},
		Handler: func(args []any, kwargs map[string]any) (any, error) {
			called = true
			return nil, nil
		},
	}
	if _, err := m.call(nil, nil); err == nil {
		t.Fatal("expected arity error")
	}
	if _, err := m.call([]any{1}, map[string]any{"slow": true}); err == nil {
		t.Fatal("expected unexpected-keyword error")
	}
	if _, err := m.call([]any{1}, map[string]any{"fast": true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to be invoked")
	}
}

func TestMethodCallNoKeywordsRejectsAny(t *testing.T) {
	m := &Method{Name: "noop", Handler: func([]any, map[string]any) (any, error) { return nil, nil }}
	if _, err := m.call(nil, map[string]any{"x": 1}); err == nil {
		t.Fatal("expected keyword rejection when method declares none")
	}
}

func assertKind(t *testing.T, err error, kind wire.ErrorKind) {
	t.Helper()
	se, ok := err.(*wire.ServerError)
	if !ok {
		t.Fatalf("expected *wire.ServerError, got %T", err)
	}
	if se.Kind != kind {
		t.Fatalf("expected kind %s, got %s", kind, se.Kind)
	}
}
