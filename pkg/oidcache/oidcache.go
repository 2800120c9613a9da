// Package oidcache implements OIDCache: a write-back LRU cache of "draft"
// objects that lets a caller build a large structurally-shared graph in
// memory without a disk round-trip per node.
//
// Grounded on original_source/pdscache.py's PDSCache/_CachedOid/_CacheEntry:
// the cache's CacheEntry is the original's _CacheEntry, the DraftHandle is
// its _CachedOid, and Flush is _write_coid's depth-first write-through. The
// one real translation is the garbage hook: Python relies on _CachedOid's
// __del__ calling back into the cache; Go has no destructors, so each
// CacheEntry instead holds a weak.Pointer[draftState] (stdlib weak package,
// Go 1.24+) and a periodic sweep notices when the application's last
// strong reference to a DraftHandle has gone away.
package oidcache

import (
	"fmt"
	"sync"
	"weak"

	"github.com/ningke/persistds/internal/oid"
	"github.com/ningke/persistds/internal/wire"
)

// Store is the subset of *objectstore.Store the cache writes through to.
// Factored out as an interface so tests can substitute a fake without a
// real on-disk store.
type Store interface {
	Create(typeName string, fields []wire.Value) (oid.OID, error)
	Read(o oid.OID) ([]wire.Value, error)
}

// FieldKind tags what a Field carries: a wire primitive, a real OID, or a
// reference to another draft not yet flushed.
type FieldKind uint8

// Field kinds.
const (
	FieldPrimitive FieldKind = iota // wraps a non-Oid wire.Value (Int/Bool/Bytes/Null)
	FieldOid                        // wraps an already-real oid.OID
	FieldDraft                      // wraps a *DraftHandle not yet flushed
)

// Field is one entry of a draft's field list: the cache-aware superset of
// wire.Value that lets a caller mix primitives, real OIDs, and references
// to other drafts (spec §4.3: "field_list (with draft handles or real
// OIDs mixed)").
type Field struct {
	kind  FieldKind
	prim  wire.Value
	oid   oid.OID
	draft *DraftHandle
}

// Primitive wraps a non-OID wire.Value (Int, Bool, Bytes, or Null).
func Primitive(v wire.Value) Field { return Field{kind: FieldPrimitive, prim: v} }

// RealOid wraps an already-committed OID (same-store or cross-store).
func RealOid(o oid.OID) Field { return Field{kind: FieldOid, oid: o} }

// Draft wraps a reference to another not-yet-flushed draft.
func Draft(h *DraftHandle) Field { return Field{kind: FieldDraft, draft: h} }

// Kind reports which accessor on f is meaningful.
func (f Field) Kind() FieldKind { return f.kind }

// Primitive returns f's wrapped primitive wire.Value. Only meaningful
// when Kind() == FieldPrimitive.
func (f Field) Primitive() wire.Value { return f.prim }

// Oid returns f's wrapped real OID. Only meaningful when Kind() == FieldOid.
func (f Field) Oid() oid.OID { return f.oid }

// DraftHandle returns f's wrapped draft reference. Only meaningful when
// Kind() == FieldDraft.
func (f Field) DraftHandle() *DraftHandle { return f.draft }

// draftState is the real memory a DraftHandle and a cacheEntry's weak
// pointer both refer to. It is the "logical OID" of spec §4.3: callers
// hold *DraftHandle (a real pointer wrapping this), so ordinary Go
// garbage collection dropping the last strong reference to it is exactly
// the signal the spec's garbage sweep looks for.
type draftState struct {
	id uint64

	mu      sync.Mutex
	backing oid.OID // oid.Null until flushed
}

// DraftHandle is the application-visible reference returned by Create and
// Read: a lightweight logical OID that may or may not yet be backed by a
// real record.
type DraftHandle struct {
	state *draftState
}

// IsBacked reports whether h has already been flushed to real storage.
func (h *DraftHandle) IsBacked() bool {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	return !h.state.backing.IsNull()
}

// BackingOID returns h's real OID, or oid.Null if h has not been flushed
// yet.
func (h *DraftHandle) BackingOID() oid.OID {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	return h.state.backing
}

// TypeName reports the type name associated with handle, and whether it
// could be determined: either from a still-live cache entry, or (once the
// entry has been flushed and evicted) from the stamped backing OID's own
// TypeName.
func (c *Cache) TypeName(handle *DraftHandle) (string, bool) {
	c.mu.Lock()
	entry, ok := c.entries[handle.state.id]
	c.mu.Unlock()

	if ok {
		return entry.typeName, true
	}

	if backing := handle.BackingOID(); !backing.IsNull() {
		return backing.TypeName, true
	}

	return "", false
}

type cacheEntry struct {
	id        uint64
	store     Store
	typeName  string
	fields    []Field
	weakState weak.Pointer[draftState]

	prev, next *cacheEntry // intrusive LRU list; list.head = LRU, list.tail = MRU
}

// Cache is OIDCache: a bounded, write-back LRU cache of draft records.
type Cache struct {
	mu       sync.Mutex
	capacity int
	nextID   uint64

	entries    map[uint64]*cacheEntry
	head, tail *cacheEntry // head = least recently used, tail = most recently used

	everSwept            bool
	fullEventsSinceSweep int
}

// New returns an empty Cache that flushes entries once it holds capacity
// live drafts.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}

	return &Cache{capacity: capacity, entries: make(map[uint64]*cacheEntry)}
}

// Create allocates a new draft of typeName in store with the given field
// list (which may itself reference other drafts or real OIDs), installs
// it at the LRU tail, and returns its handle. If the cache is already at
// capacity, it runs onFull first (spec §4.3's on_full), which may flush
// an existing entry to make room.
func (c *Cache) Create(store Store, typeName string, fields []Field) (*DraftHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.capacity {
		if err := c.onFullLocked(); err != nil {
			return nil, err
		}
	}

	c.nextID++
	id := c.nextID

	state := &draftState{id: id}
	handle := &DraftHandle{state: state}

	entry := &cacheEntry{
		id:        id,
		store:     store,
		typeName:  typeName,
		fields:    append([]Field(nil), fields...),
		weakState: weak.Make(state),
	}

	c.entries[id] = entry
	c.linkTailLocked(entry)

	return handle, nil
}

// Read returns a copy of handle's field list. A hit moves the entry to
// the MRU tail; a miss (the entry was evicted earlier but the caller
// still holds the handle) cold-loads it from store and re-inserts it.
// Fields that reference other objects come back as FieldOid; a caller
// that wants a draft handle for one of those children (e.g. to keep
// traversing without a bare OID) calls ColdLoad explicitly.
func (c *Cache) Read(store Store, handle *DraftHandle) ([]Field, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[handle.state.id]; ok {
		c.unlinkLocked(entry)
		c.linkTailLocked(entry)

		return append([]Field(nil), entry.fields...), nil
	}

	handle.state.mu.Lock()
	backing := handle.state.backing
	handle.state.mu.Unlock()

	if backing.IsNull() {
		return nil, fmt.Errorf("oidcache: handle %d has no cache entry and no backing oid", handle.state.id)
	}

	return c.coldLoadLocked(store, backing, handle)
}

// coldLoadLocked loads backing's fields from store and reinserts an entry
// for handle, reusing its existing state.
func (c *Cache) coldLoadLocked(store Store, backing oid.OID, handle *DraftHandle) ([]Field, error) {
	values, err := store.Read(backing)
	if err != nil {
		return nil, fmt.Errorf("oidcache: cold-load %s: %w", backing, err)
	}

	if len(c.entries) >= c.capacity {
		if err := c.onFullLocked(); err != nil {
			return nil, err
		}
	}

	fields := fieldsFromWire(values)

	entry := &cacheEntry{
		id:        handle.state.id,
		store:     store,
		typeName:  backing.TypeName,
		fields:    fields,
		weakState: weak.Make(handle.state),
	}

	c.entries[entry.id] = entry
	c.linkTailLocked(entry)

	return append([]Field(nil), fields...), nil
}

// ColdLoad wraps an already-real OID o (read by some other means — e.g. a
// NameDirectory lookup, or a cross-reference returned by Read) as a fresh,
// already-backed draft handle and caches its fields, matching spec §4.3's
// cold-load operation. NullOID must never be passed in.
func (c *Cache) ColdLoad(store Store, o oid.OID) (*DraftHandle, error) {
	if o.IsNull() {
		return nil, fmt.Errorf("oidcache: cannot cold-load oid.Null")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	values, err := store.Read(o)
	if err != nil {
		return nil, fmt.Errorf("oidcache: cold-load %s: %w", o, err)
	}

	if len(c.entries) >= c.capacity {
		if err := c.onFullLocked(); err != nil {
			return nil, err
		}
	}

	c.nextID++
	id := c.nextID

	state := &draftState{id: id, backing: o}
	handle := &DraftHandle{state: state}

	entry := &cacheEntry{
		id:        id,
		store:     store,
		typeName:  o.TypeName,
		fields:    fieldsFromWire(values),
		weakState: weak.Make(state),
	}

	c.entries[id] = entry
	c.linkTailLocked(entry)

	return handle, nil
}

func fieldsFromWire(values []wire.Value) []Field {
	fields := make([]Field, len(values))
	for i, v := range values {
		if v.Kind() == wire.KindOid {
			fields[i] = RealOid(v.Oid())
		} else {
			fields[i] = Primitive(v)
		}
	}

	return fields
}

// Flush materialises handle (and, depth-first, every draft it transitively
// references) into its owning store, stamping the handle with the
// resulting OID. Idempotent: an already-backed handle returns its OID
// immediately without touching the store again.
func (c *Cache) Flush(handle *DraftHandle) (oid.OID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.flushLocked(handle)
}

func (c *Cache) flushLocked(handle *DraftHandle) (oid.OID, error) {
	handle.state.mu.Lock()
	backing := handle.state.backing
	handle.state.mu.Unlock()

	if !backing.IsNull() {
		return backing, nil
	}

	entry, ok := c.entries[handle.state.id]
	if !ok {
		return oid.Null, fmt.Errorf("oidcache: handle %d has no backing oid and no cache entry to flush", handle.state.id)
	}

	values := make([]wire.Value, len(entry.fields))

	for i, f := range entry.fields {
		switch f.kind {
		case FieldPrimitive:
			values[i] = f.prim
		case FieldOid:
			values[i] = wire.Oid(f.oid)
		case FieldDraft:
			childOID, err := c.flushLocked(f.draft)
			if err != nil {
				return oid.Null, err
			}

			values[i] = wire.Oid(childOID)
		}
	}

	newOID, err := entry.store.Create(entry.typeName, values)
	if err != nil {
		return oid.Null, fmt.Errorf("oidcache: flush draft %d: %w", entry.id, err)
	}

	handle.state.mu.Lock()
	handle.state.backing = newOID
	handle.state.mu.Unlock()

	c.unlinkLocked(entry)
	delete(c.entries, entry.id)

	return newOID, nil
}

// FlushAll sweeps dead entries, then flushes every entry still live.
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()

	// Flushing an entry may delete others (shared children) from the map;
	// snapshot the ids up front so ranging over the map while mutating it
	// is safe.
	ids := make([]uint64, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}

	for _, id := range ids {
		entry, ok := c.entries[id]
		if !ok {
			continue // already flushed as another entry's dependency
		}

		state := entry.weakState.Value()
		if state == nil {
			continue // died between the snapshot and now; sweep will reap it
		}

		if _, err := c.flushLocked(&DraftHandle{state: state}); err != nil {
			return err
		}
	}

	return nil
}

// onFullLocked implements spec §4.3's on_full: sweep for garbage, and if
// that freed nothing, flush the single least-recently-used entry. An LRU
// entry that is already backed (a cold-loaded one) or whose handle has died
// has nothing to write back, so it is dropped instead.
func (c *Cache) onFullLocked() error {
	c.fullEventsSinceSweep++

	freed := 0
	if c.shouldSweepLocked() {
		freed = c.sweepLocked()
		c.fullEventsSinceSweep = 0
	}

	if freed > 0 {
		return nil
	}

	if c.head == nil {
		return nil
	}

	lru := c.head
	if state := lru.weakState.Value(); state == nil || (&DraftHandle{state: state}).IsBacked() {
		c.unlinkLocked(lru)
		delete(c.entries, lru.id)

		return nil
	}

	_, err := c.flushLocked(&DraftHandle{state: mustLiveState(lru)})

	return err
}

// mustLiveState recovers a strong pointer to an LRU entry's draftState so
// it can be flushed. If the weak pointer is already dead it returns a
// fresh, unbacked state carrying only the entry's id; onFullLocked drops
// dead entries before calling it, so it only reaches this function with a
// live entry.
func mustLiveState(entry *cacheEntry) *draftState {
	if s := entry.weakState.Value(); s != nil {
		return s
	}

	return &draftState{id: entry.id}
}

// shouldSweepLocked is spec §4.3's throttle: sweep on the first full
// event ever seen, or once full_events_since_sweep / len(entries) > 0.4.
func (c *Cache) shouldSweepLocked() bool {
	if !c.everSwept {
		return true
	}

	if len(c.entries) == 0 {
		return false
	}

	return float64(c.fullEventsSinceSweep)/float64(len(c.entries)) > 0.4
}

// sweepLocked walks the LRU list MRU→LRU, removing every entry whose weak
// pointer has died, repeating until a pass removes nothing (dropping one
// entry's field list can release the last strong reference inside
// another entry, per spec §4.3). Returns the total number of entries
// removed.
func (c *Cache) sweepLocked() int {
	c.everSwept = true

	total := 0

	for {
		removed := 0

		for e := c.tail; e != nil; {
			prev := e.prev

			if e.weakState.Value() == nil {
				c.unlinkLocked(e)
				delete(c.entries, e.id)
				removed++
			}

			e = prev
		}

		total += removed
		if removed == 0 {
			break
		}
	}

	return total
}

func (c *Cache) linkTailLocked(e *cacheEntry) {
	e.prev = c.tail
	e.next = nil

	if c.tail != nil {
		c.tail.next = e
	} else {
		c.head = e
	}

	c.tail = e
}

func (c *Cache) unlinkLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}

	e.prev, e.next = nil, nil
}

// Len reports the number of live cache entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
