package typereg_test

import (
	"errors"
	"testing"

	"github.com/ningke/persistds/internal/typereg"
	"github.com/ningke/persistds/internal/wire"
)

func TestRegister_IdempotentForIdenticalFields(t *testing.T) {
	t.Parallel()

	r := typereg.New()

	spec := typereg.TypeDescriptor{
		Name: "counter",
		Fields: []typereg.FieldSpec{
			{Name: "value", Default: wire.Int(0)},
		},
	}

	first, err := r.Register(spec)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	second, err := r.Register(spec)
	if err != nil {
		t.Fatalf("Register (second): %v", err)
	}

	if first != second {
		t.Fatal("Register returned different descriptors for identical re-registration")
	}
}

func TestRegister_MismatchedFieldsReturnsError(t *testing.T) {
	t.Parallel()

	r := typereg.New()

	_, err := r.Register(typereg.TypeDescriptor{
		Name:   "counter",
		Fields: []typereg.FieldSpec{{Name: "value", Default: wire.Int(0)}},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = r.Register(typereg.TypeDescriptor{
		Name:   "counter",
		Fields: []typereg.FieldSpec{{Name: "value", Default: wire.Int(1)}},
	})
	if !errors.Is(err, typereg.ErrTypeMismatch) {
		t.Fatalf("Register (mismatch): err = %v, want ErrTypeMismatch", err)
	}
}

func TestLookup_UnknownType(t *testing.T) {
	t.Parallel()

	r := typereg.New()

	_, err := r.Lookup("nope")
	if !errors.Is(err, typereg.ErrUnknownType) {
		t.Fatalf("Lookup: err = %v, want ErrUnknownType", err)
	}
}

func TestFieldIndex(t *testing.T) {
	t.Parallel()

	r := typereg.New()

	d, err := r.Register(typereg.TypeDescriptor{
		Name: "trienode",
		Fields: []typereg.FieldSpec{
			{Name: "prefix", Default: wire.Bytes(nil)},
			{Name: "value", Default: wire.Null()},
			{Name: "final", Default: wire.Bool(false)},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	idx, err := d.FieldIndex("final")
	if err != nil {
		t.Fatalf("FieldIndex: %v", err)
	}

	if idx != 2 {
		t.Fatalf("FieldIndex(final) = %d, want 2", idx)
	}

	_, err = d.FieldIndex("missing")
	if !errors.Is(err, typereg.ErrUnknownField) {
		t.Fatalf("FieldIndex(missing): err = %v, want ErrUnknownField", err)
	}
}

func TestDefaults_MatchesDeclarationOrder(t *testing.T) {
	t.Parallel()

	r := typereg.New()

	d, err := r.Register(typereg.TypeDescriptor{
		Name: "pair",
		Fields: []typereg.FieldSpec{
			{Name: "a", Default: wire.Int(1)},
			{Name: "b", Default: wire.Int(2)},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	defaults := d.Defaults()
	if len(defaults) != 2 || !defaults[0].Equal(wire.Int(1)) || !defaults[1].Equal(wire.Int(2)) {
		t.Fatalf("Defaults = %+v, want [1 2]", defaults)
	}
}

func TestDefaultRegistry_ResetForTest(t *testing.T) {
	typereg.ResetForTest()

	_, err := typereg.Default().Register(typereg.TypeDescriptor{
		Name:   "scratch",
		Fields: []typereg.FieldSpec{{Name: "x", Default: wire.Int(0)}},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	typereg.ResetForTest()

	_, err = typereg.Default().Lookup("scratch")
	if !errors.Is(err, typereg.ErrUnknownType) {
		t.Fatalf("Lookup after ResetForTest: err = %v, want ErrUnknownType", err)
	}
}
