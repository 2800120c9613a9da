package oidcache_test

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/ningke/persistds/internal/oid"
	"github.com/ningke/persistds/internal/wire"
	"github.com/ningke/persistds/pkg/oidcache"
)

// fakeStore is a minimal in-memory oidcache.Store, standing in for
// *objectstore.Store so these tests don't need a disk-backed store.
type fakeStore struct {
	nextSeq uint64
	records map[uint64][]wire.Value
	types   map[uint64]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[uint64][]wire.Value), types: make(map[uint64]string)}
}

func (f *fakeStore) Create(typeName string, fields []wire.Value) (oid.OID, error) {
	f.nextSeq++
	seq := f.nextSeq
	f.records[seq] = append([]wire.Value(nil), fields...)
	f.types[seq] = typeName

	return oid.OID{Seq: seq, Size: 64, PoolID: "fake", TypeName: typeName}, nil
}

func (f *fakeStore) Read(o oid.OID) ([]wire.Value, error) {
	values, ok := f.records[o.Seq]
	if !ok {
		return nil, fmt.Errorf("fakeStore: no record %d", o.Seq)
	}

	return values, nil
}

func TestCreateFlush_RoundTrip(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := oidcache.New(8)

	handle, err := cache.Create(store, "point", []oidcache.Field{
		oidcache.Primitive(wire.Int(3)),
		oidcache.Primitive(wire.Int(4)),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := cache.Flush(handle)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	values, err := store.Read(got)
	if err != nil {
		t.Fatalf("store.Read: %v", err)
	}

	if values[0].Int() != 3 || values[1].Int() != 4 {
		t.Fatalf("values = %+v, want x=3 y=4", values)
	}
}

func TestFlush_Idempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := oidcache.New(8)

	handle, err := cache.Create(store, "point", []oidcache.Field{oidcache.Primitive(wire.Int(1))})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := cache.Flush(handle)
	if err != nil {
		t.Fatalf("first Flush: %v", err)
	}

	second, err := cache.Flush(handle)
	if err != nil {
		t.Fatalf("second Flush: %v", err)
	}

	if first != second {
		t.Fatalf("Flush not idempotent: first=%v second=%v", first, second)
	}

	if len(store.records) != 1 {
		t.Fatalf("store.records = %d entries, want 1 (no duplicate write)", len(store.records))
	}
}

func TestFlush_DepthFirstWritesChildBeforeParent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := oidcache.New(8)

	child, err := cache.Create(store, "node", []oidcache.Field{oidcache.Primitive(wire.Int(2))})
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}

	parent, err := cache.Create(store, "node", []oidcache.Field{
		oidcache.Primitive(wire.Int(1)),
		oidcache.Draft(child),
	})
	if err != nil {
		t.Fatalf("Create parent: %v", err)
	}

	parentOID, err := cache.Flush(parent)
	if err != nil {
		t.Fatalf("Flush parent: %v", err)
	}

	if !child.IsBacked() {
		t.Fatalf("child handle not backed after flushing parent")
	}

	parentValues, err := store.Read(parentOID)
	if err != nil {
		t.Fatalf("store.Read parent: %v", err)
	}

	childOID := parentValues[1].Oid()

	childValues, err := store.Read(childOID)
	if err != nil {
		t.Fatalf("store.Read child: %v", err)
	}

	if childValues[0].Int() != 2 {
		t.Fatalf("child value = %d, want 2", childValues[0].Int())
	}
}

func TestRead_ColdLoadAfterEviction(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := oidcache.New(8)

	handle, err := cache.Create(store, "point", []oidcache.Field{oidcache.Primitive(wire.Int(5))})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	backing, err := cache.Flush(handle)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// handle's entry is gone (Flush removes it); Read must cold-load
	// from the store using the now-stamped backing oid.
	fields, err := cache.Read(store, handle)
	if err != nil {
		t.Fatalf("Read after flush-eviction: %v", err)
	}

	if fields[0].Primitive().Int() != 5 {
		t.Fatalf("fields[0] = %v, want 5", fields[0].Primitive())
	}

	_ = backing
}

func TestColdLoad_RejectsNullOID(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := oidcache.New(8)

	if _, err := cache.ColdLoad(store, oid.Null); err == nil {
		t.Fatalf("ColdLoad(Null): want error, got nil")
	}
}

func TestOnFull_FlushesLRUWhenNothingToSweep(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := oidcache.New(2)

	h1, err := cache.Create(store, "point", []oidcache.Field{oidcache.Primitive(wire.Int(1))})
	if err != nil {
		t.Fatalf("Create h1: %v", err)
	}

	if _, err := cache.Create(store, "point", []oidcache.Field{oidcache.Primitive(wire.Int(2))}); err != nil {
		t.Fatalf("Create h2: %v", err)
	}

	// Cache is now at capacity (2). A third Create must trigger onFull,
	// which (since nothing is garbage yet) flushes h1, the LRU entry.
	if _, err := cache.Create(store, "point", []oidcache.Field{oidcache.Primitive(wire.Int(3))}); err != nil {
		t.Fatalf("Create h3: %v", err)
	}

	if !h1.IsBacked() {
		t.Fatalf("h1 should have been flushed by onFull, but is not backed")
	}

	if cache.Len() != 2 {
		t.Fatalf("cache.Len() = %d, want 2 (h1 evicted, h2+h3 live)", cache.Len())
	}
}

func TestFlushAll_FlushesEveryLiveEntry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := oidcache.New(8)

	a, err := cache.Create(store, "point", []oidcache.Field{oidcache.Primitive(wire.Int(1))})
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}

	b, err := cache.Create(store, "point", []oidcache.Field{oidcache.Primitive(wire.Int(2))})
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	if err := cache.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	if !a.IsBacked() || !b.IsBacked() {
		t.Fatalf("FlushAll left handles unbacked: a=%v b=%v", a.IsBacked(), b.IsBacked())
	}

	if cache.Len() != 0 {
		t.Fatalf("cache.Len() after FlushAll = %d, want 0", cache.Len())
	}
}

func TestColdLoad_RespectsCapacity(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := oidcache.New(2)

	var oids []oid.OID

	for i := range 5 {
		o, err := store.Create("point", []wire.Value{wire.Int(int64(i))})
		if err != nil {
			t.Fatalf("store.Create %d: %v", i, err)
		}

		oids = append(oids, o)
	}

	// Cold-loading every oid must run onFull the same way Create does, so
	// the cache never holds more than capacity entries regardless of how
	// many distinct oids are cold-loaded.
	for _, o := range oids {
		if _, err := cache.ColdLoad(store, o); err != nil {
			t.Fatalf("ColdLoad(%v): %v", o, err)
		}

		if cache.Len() > 2 {
			t.Fatalf("cache.Len() = %d after ColdLoad, want <= capacity (2)", cache.Len())
		}
	}
}

func TestRead_ColdLoadLockedRespectsCapacity(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := oidcache.New(2)

	var handles []*oidcache.DraftHandle

	for i := range 5 {
		h, err := cache.Create(store, "point", []oidcache.Field{oidcache.Primitive(wire.Int(int64(i)))})
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}

		if _, err := cache.Flush(h); err != nil {
			t.Fatalf("Flush %d: %v", i, err)
		}

		handles = append(handles, h)
	}

	// Every handle above was flushed (and evicted as a result), so each
	// Read below is a cold-load. Doing five of them into a capacity-2
	// cache must never let the entry count exceed capacity.
	for i, h := range handles {
		if _, err := cache.Read(store, h); err != nil {
			t.Fatalf("Read(handle %d): %v", i, err)
		}

		if cache.Len() > 2 {
			t.Fatalf("cache.Len() = %d after cold-load Read, want <= capacity (2)", cache.Len())
		}
	}
}

func TestSweep_RemovesEntryAfterHandleBecomesUnreachable(t *testing.T) {
	store := newFakeStore()
	cache := oidcache.New(8)

	keep, err := cache.Create(store, "point", []oidcache.Field{oidcache.Primitive(wire.Int(1))})
	if err != nil {
		t.Fatalf("Create keep: %v", err)
	}

	func() {
		dying, err := cache.Create(store, "point", []oidcache.Field{oidcache.Primitive(wire.Int(2))})
		if err != nil {
			t.Fatalf("Create dying: %v", err)
		}

		_ = dying
		// dying goes out of scope here with no other strong reference to
		// its *draftState left anywhere: the cache entry only holds a
		// weak.Pointer to it.
	}()

	if cache.Len() != 2 {
		t.Fatalf("cache.Len() = %d, want 2 before sweep", cache.Len())
	}

	runtime.GC()
	runtime.GC()

	// FlushAll sweeps unconditionally (unlike onFull's throttled sweep),
	// so it's the deterministic way to force the dead entry's removal.
	if err := cache.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	if cache.Len() != 0 {
		t.Fatalf("cache.Len() after FlushAll = %d, want 0 (keep flushed, dying swept as garbage)", cache.Len())
	}

	if !keep.IsBacked() {
		t.Fatalf("keep should have been flushed by FlushAll")
	}
}

func TestFlush_SharedDraftChildFlushedOnce(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := oidcache.New(8)

	shared, err := cache.Create(store, "node", []oidcache.Field{oidcache.Primitive(wire.Int(42))})
	if err != nil {
		t.Fatalf("Create shared: %v", err)
	}

	a, err := cache.Create(store, "node", []oidcache.Field{oidcache.Primitive(wire.Int(1)), oidcache.Draft(shared)})
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}

	b, err := cache.Create(store, "node", []oidcache.Field{oidcache.Primitive(wire.Int(2)), oidcache.Draft(shared)})
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	aOID, err := cache.Flush(a)
	if err != nil {
		t.Fatalf("Flush a: %v", err)
	}

	bOID, err := cache.Flush(b)
	if err != nil {
		t.Fatalf("Flush b: %v", err)
	}

	aValues, _ := store.Read(aOID)
	bValues, _ := store.Read(bOID)

	if aValues[1].Oid() != bValues[1].Oid() {
		t.Fatalf("shared draft flushed to two different oids: a.next=%v b.next=%v", aValues[1].Oid(), bValues[1].Oid())
	}

	if len(store.records) != 3 {
		t.Fatalf("store.records = %d, want 3 (shared, a, b)", len(store.records))
	}
}
