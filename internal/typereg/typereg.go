// Package typereg implements the process-global TypeRegistry: a lazily
// populated, concurrent-safe map from a type name to its field layout.
//
// A TypeDescriptor is created once per distinct type (at program start, or
// lazily on first use) and interned here so that OIDs read back off disk can
// be matched against field names and default values. This mirrors
// persistds's original PStruct.mkpstruct table, which cached one descriptor
// object per type name for the lifetime of the process.
package typereg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ningke/persistds/internal/wire"
)

// ErrTypeMismatch is returned when a type name is re-registered with a field
// list that differs from the one already interned.
var ErrTypeMismatch = errors.New("typereg: type registered with different fields")

// ErrUnknownType is returned when a lookup or field-index by name fails.
var ErrUnknownType = errors.New("typereg: unknown type")

// ErrUnknownField is returned when a field name is not part of a
// TypeDescriptor.
var ErrUnknownField = errors.New("typereg: unknown field")

// FieldSpec names one field of a TypeDescriptor along with its default
// value, used to fill in fields a caller omits on Create.
type FieldSpec struct {
	Name    string
	Default wire.Value
}

// TypeDescriptor is the field layout for one named type: an ordered list of
// (field name, default value) pairs. Field order is significant — it is the
// order fields are serialized in, and the order a copying collection visits
// OID-valued fields in (spec §4.2, "Ordering and tie-breaks").
type TypeDescriptor struct {
	Name   string
	Fields []FieldSpec
}

// FieldIndex returns the position of name within d.Fields.
func (d *TypeDescriptor) FieldIndex(name string) (int, error) {
	for i, f := range d.Fields {
		if f.Name == name {
			return i, nil
		}
	}

	return 0, fmt.Errorf("%w: %q has no field %q", ErrUnknownField, d.Name, name)
}

// Defaults returns a fresh field-value slice filled with each field's
// default, in declaration order.
func (d *TypeDescriptor) Defaults() []wire.Value {
	values := make([]wire.Value, len(d.Fields))
	for i, f := range d.Fields {
		values[i] = f.Default
	}

	return values
}

func sameFields(a, b []FieldSpec) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i].Name != b[i].Name || !a[i].Default.Equal(b[i].Default) {
			return false
		}
	}

	return true
}

// Registry is a concurrent-safe, read-dominant map of type name to
// TypeDescriptor.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TypeDescriptor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{types: make(map[string]*TypeDescriptor)}
}

// Register interns d under d.Name. Calling Register twice for the same name
// with an identical field list is a no-op; calling it with a different
// field list returns ErrTypeMismatch, matching the "created once per
// distinct type" contract in spec §3.
func (r *Registry) Register(d TypeDescriptor) (*TypeDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[d.Name]; ok {
		if !sameFields(existing.Fields, d.Fields) {
			return nil, fmt.Errorf("%w: %q", ErrTypeMismatch, d.Name)
		}

		return existing, nil
	}

	fields := make([]FieldSpec, len(d.Fields))
	copy(fields, d.Fields)

	interned := &TypeDescriptor{Name: d.Name, Fields: fields}
	r.types[d.Name] = interned

	return interned, nil
}

// Lookup returns the interned descriptor for name, or ErrUnknownType.
func (r *Registry) Lookup(name string) (*TypeDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}

	return d, nil
}

// Names returns the registered type names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}

	return names
}

// default process-global registry, mirroring the original's module-level
// psobj_table singleton.
var defaultRegistry = New() //nolint:gochecknoglobals // intentional process-global, per spec §9

// Default returns the process-global Registry.
func Default() *Registry { return defaultRegistry }

// ResetForTest clears the process-global registry. Tests that register
// types must call this between runs, per spec §9's note that "tests must
// reset [the registry] between runs".
func ResetForTest() {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()

	defaultRegistry.types = make(map[string]*TypeDescriptor)
}
