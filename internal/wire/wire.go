// Package wire implements the deterministic, self-describing field-list
// codec used to serialize payloads inside a RecordPool slot.
//
// A payload is a sequence of [Value]s, each a tagged union of the kinds the
// spec requires: Int, Bool, Bytes, Oid, and Null. Encoding a given value
// list always produces the same bytes (no map iteration, no nondeterministic
// padding), so records are content-comparable byte-for-byte, as spec §3
// requires.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ningke/persistds/internal/oid"
)

// ErrCorrupt indicates a payload could not be decoded.
var ErrCorrupt = errors.New("wire: corrupt payload")

// Kind tags the type of value carried by a Value.
type Kind uint8

// Value kinds. The numeric values are part of the wire format and must
// never be renumbered.
const (
	KindNull Kind = iota
	KindInt
	KindBool
	KindBytes
	KindOid
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	case KindOid:
		return "oid"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a single field in a record's payload: exactly one of its typed
// accessors is meaningful, selected by Kind.
type Value struct {
	kind  Kind
	i     int64
	b     bool
	bytes []byte
	oid   oid.OID
}

// Null returns the Null value.
func Null() Value { return Value{kind: KindNull} }

// Int wraps a signed 64-bit integer as a Value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Bool wraps a boolean as a Value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Bytes wraps a byte string as a Value. The slice is not copied; callers
// must not mutate it after passing it in.
func Bytes(v []byte) Value { return Value{kind: KindBytes, bytes: v} }

// Oid wraps an OID as a Value.
func Oid(v oid.OID) Value { return Value{kind: KindOid, oid: v} }

// Kind reports which accessor on v is meaningful.
func (v Value) Kind() Kind { return v.kind }

// Int returns the wrapped integer. Only meaningful when Kind() == KindInt.
func (v Value) Int() int64 { return v.i }

// Bool returns the wrapped boolean. Only meaningful when Kind() == KindBool.
func (v Value) Bool() bool { return v.b }

// Bytes returns the wrapped byte string. Only meaningful when Kind() == KindBytes.
func (v Value) Bytes() []byte { return v.bytes }

// Oid returns the wrapped OID. Only meaningful when Kind() == KindOid.
func (v Value) Oid() oid.OID { return v.oid }

// Equal reports whether v and other carry the same kind and value.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindInt:
		return v.i == other.i
	case KindBool:
		return v.b == other.b
	case KindBytes:
		return string(v.bytes) == string(other.bytes)
	case KindOid:
		return v.oid == other.oid
	default:
		return false
	}
}

// Encode serializes a field list to its deterministic byte representation.
//
// Layout per value: one tag byte, then:
//   - KindNull: no further bytes.
//   - KindInt: 8 bytes, little-endian two's complement.
//   - KindBool: 1 byte, 0 or 1.
//   - KindBytes: u32 LE length, then that many bytes.
//   - KindOid: oid.Encode's fixed-plus-length-prefixed layout.
func Encode(values []Value) []byte {
	buf := make([]byte, 0, estimateSize(values))

	for _, v := range values {
		buf = append(buf, byte(v.kind))

		switch v.kind {
		case KindNull:
			// no payload
		case KindInt:
			var scratch [8]byte
			binary.LittleEndian.PutUint64(scratch[:], uint64(v.i)) //nolint:gosec // two's complement round-trip
			buf = append(buf, scratch[:]...)
		case KindBool:
			if v.b {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case KindBytes:
			var scratch [4]byte
			binary.LittleEndian.PutUint32(scratch[:], uint32(len(v.bytes))) //nolint:gosec // bounded well under 2^32
			buf = append(buf, scratch[:]...)
			buf = append(buf, v.bytes...)
		case KindOid:
			buf = oid.Encode(buf, v.oid)
		}
	}

	return buf
}

func estimateSize(values []Value) int {
	n := 0
	for _, v := range values {
		n += 1 + len(v.bytes)
	}

	return n + len(values)*8
}

// Decode parses a byte-encoded field list produced by Encode.
func Decode(buf []byte) ([]Value, error) {
	var values []Value

	for len(buf) > 0 {
		kind := Kind(buf[0])
		buf = buf[1:]

		switch kind {
		case KindNull:
			values = append(values, Null())
		case KindInt:
			if len(buf) < 8 {
				return nil, fmt.Errorf("%w: truncated int", ErrCorrupt)
			}

			values = append(values, Int(int64(binary.LittleEndian.Uint64(buf[:8])))) //nolint:gosec // two's complement round-trip
			buf = buf[8:]
		case KindBool:
			if len(buf) < 1 {
				return nil, fmt.Errorf("%w: truncated bool", ErrCorrupt)
			}

			values = append(values, Bool(buf[0] != 0))
			buf = buf[1:]
		case KindBytes:
			if len(buf) < 4 {
				return nil, fmt.Errorf("%w: truncated bytes length", ErrCorrupt)
			}

			length := binary.LittleEndian.Uint32(buf[:4])
			buf = buf[4:]

			if uint64(len(buf)) < uint64(length) {
				return nil, fmt.Errorf("%w: truncated bytes payload", ErrCorrupt)
			}

			values = append(values, Bytes(buf[:length]))
			buf = buf[length:]
		case KindOid:
			o, n, err := oid.Decode(buf)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
			}

			values = append(values, Oid(o))
			buf = buf[n:]
		default:
			return nil, fmt.Errorf("%w: unknown tag %d", ErrCorrupt, kind)
		}
	}

	return values, nil
}
