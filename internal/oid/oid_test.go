package oid_test

import (
	"testing"

	"github.com/ningke/persistds/internal/oid"
)

func TestNull_IsSingletonZeroValue(t *testing.T) {
	t.Parallel()

	if !oid.Null.IsNull() {
		t.Fatal("oid.Null.IsNull() = false, want true")
	}

	var zero oid.OID
	if zero != oid.Null {
		t.Fatal("zero value of OID does not equal oid.Null")
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	want := oid.OID{Seq: 7, Size: 128, PoolID: "/var/data/store1", TypeName: "trienode"}

	buf := oid.Encode(nil, want)

	got, n, err := oid.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if n != len(buf) {
		t.Fatalf("Decode consumed %d bytes, want %d", n, len(buf))
	}

	if got != want {
		t.Fatalf("Decode = %+v, want %+v", got, want)
	}
}

func TestEncode_AppendsAfterExistingPrefix(t *testing.T) {
	t.Parallel()

	prefix := []byte{0xAA, 0xBB}
	o := oid.OID{Seq: 1, Size: 8, PoolID: "p", TypeName: "t"}

	buf := oid.Encode(prefix, o)

	if len(buf) < 2 || buf[0] != 0xAA || buf[1] != 0xBB {
		t.Fatalf("Encode did not preserve prefix: %v", buf)
	}

	got, _, err := oid.Decode(buf[2:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got != o {
		t.Fatalf("Decode = %+v, want %+v", got, o)
	}
}

func TestDecode_Truncated(t *testing.T) {
	t.Parallel()

	full := oid.Encode(nil, oid.OID{Seq: 1, Size: 8, PoolID: "pool", TypeName: "type"})

	for n := range len(full) {
		_, _, err := oid.Decode(full[:n])
		if err == nil {
			t.Fatalf("Decode(%d bytes of %d) unexpectedly succeeded", n, len(full))
		}
	}
}

func TestSameRecord(t *testing.T) {
	t.Parallel()

	a := oid.OID{Seq: 1, Size: 64, PoolID: "p", TypeName: "x"}
	b := oid.OID{Seq: 1, Size: 64, PoolID: "p", TypeName: "y"}
	c := oid.OID{Seq: 2, Size: 64, PoolID: "p", TypeName: "x"}

	if !a.SameRecord(b) {
		t.Fatal("a and b share (pool_id, size, seq) and should be the same record")
	}

	if a.SameRecord(c) {
		t.Fatal("a and c have different seq and should not be the same record")
	}
}
