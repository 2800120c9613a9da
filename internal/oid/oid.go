// Package oid defines the object identifier used throughout persistds.
//
// An OID names a record inside a [RecordPool] managed by an ObjectStore. It
// is an opaque, immutable handle: two OIDs with the same (PoolID, Size, Seq)
// refer to the same record. The zero value, [Null], represents "no object"
// and is never written to a pool.
package oid

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a buffer is too short to hold an encoded OID.
var ErrTruncated = errors.New("oid: truncated buffer")

// OID is an opaque reference to a record inside a RecordPool.
//
// Seq is the record's slot index within the pool that holds it; Seq == 0 is
// reserved and never assigned to a live record. Size is the pool's slot size
// (a power of two). PoolID identifies the owning ObjectStore — in practice
// the store's absolute directory path, which is stable across process
// restarts. TypeName is the type tag used to look the field layout up in a
// TypeRegistry.
type OID struct {
	Seq      uint64
	Size     uint32
	PoolID   string
	TypeName string
}

// Null is the distinguished sentinel for "no object". It is never stored in
// a RecordPool and compares equal to the zero value of OID.
var Null = OID{}

// IsNull reports whether o is the Null sentinel.
func (o OID) IsNull() bool {
	return o == Null
}

// SameRecord reports whether o and other name the same underlying record.
// This is the identity relation from the spec: equal (PoolID, Size, Seq).
func (o OID) SameRecord(other OID) bool {
	return o.PoolID == other.PoolID && o.Size == other.Size && o.Seq == other.Seq
}

// String renders o for logs and error messages.
func (o OID) String() string {
	if o.IsNull() {
		return "<oid.Null>"
	}

	return fmt.Sprintf("<OID %s seq=%d size=%d pool=%s>", o.TypeName, o.Seq, o.Size, o.PoolID)
}

// Encode appends o's wire representation to buf and returns the result.
//
// Layout: seq (u64 LE), size (u32 LE), len-prefixed pool_id (u32 LE length +
// UTF-8 bytes), len-prefixed type_name (u32 LE length + UTF-8 bytes). This is
// the "four constituent components" encoding required by spec §3/§6, used
// both for OID-valued payload fields and for the root-oid file.
func Encode(buf []byte, o OID) []byte {
	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:8], o.Seq)
	buf = append(buf, scratch[:8]...)

	binary.LittleEndian.PutUint32(scratch[:4], o.Size)
	buf = append(buf, scratch[:4]...)

	buf = appendLenPrefixed(buf, o.PoolID)
	buf = appendLenPrefixed(buf, o.TypeName)

	return buf
}

// Decode reads an OID from the front of buf and returns it along with the
// number of bytes consumed.
func Decode(buf []byte) (OID, int, error) {
	if len(buf) < 12 {
		return OID{}, 0, ErrTruncated
	}

	var o OID

	o.Seq = binary.LittleEndian.Uint64(buf[0:8])
	o.Size = binary.LittleEndian.Uint32(buf[8:12])
	n := 12

	poolID, consumed, err := readLenPrefixed(buf[n:])
	if err != nil {
		return OID{}, 0, err
	}

	o.PoolID = poolID
	n += consumed

	typeName, consumed, err := readLenPrefixed(buf[n:])
	if err != nil {
		return OID{}, 0, err
	}

	o.TypeName = typeName
	n += consumed

	return o, n, nil
}

func appendLenPrefixed(buf []byte, s string) []byte {
	var scratch [4]byte

	binary.LittleEndian.PutUint32(scratch[:], uint32(len(s))) //nolint:gosec // names are bounded well under 2^32
	buf = append(buf, scratch[:]...)
	buf = append(buf, s...)

	return buf
}

func readLenPrefixed(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, ErrTruncated
	}

	length := binary.LittleEndian.Uint32(buf[:4])
	if uint64(len(buf)-4) < uint64(length) {
		return "", 0, ErrTruncated
	}

	s := string(buf[4 : 4+length])

	return s, 4 + int(length), nil
}

// EncodedLen returns the number of bytes Encode would append for o.
func EncodedLen(o OID) int {
	return 12 + 4 + len(o.PoolID) + 4 + len(o.TypeName)
}
