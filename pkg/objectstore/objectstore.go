// Package objectstore implements the ObjectStore: a pair of active/standby
// PoolSets, a Cheney-style copying collector between them, and field
// serialization through the TypeRegistry and wire codec.
//
// Grounded on original_source/pstructstor.py's PStructStor (_set_active,
// _swap_active, _move, keepOids) for the GC algorithm and half-space
// bookkeeping, adapted to Go's explicit error returns and the teacher's
// "commit point is a single atomic rename" idiom (its WAL commit in
// internal/store). Per spec §6, the on-disk layout is:
//
//	<dir>/
//	  mem1/size_8, mem1/size_16, ...
//	  mem2/size_8, mem2/size_16, ...
//	  active -> mem1 or mem2   (symlink)
package objectstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ningke/persistds/internal/oid"
	"github.com/ningke/persistds/internal/typereg"
	"github.com/ningke/persistds/internal/wire"
	"github.com/ningke/persistds/pkg/fs"
	"github.com/ningke/persistds/pkg/pdslog"
	"github.com/ningke/persistds/pkg/poolset"
	"github.com/ningke/persistds/pkg/recordpool"
)

const activeLinkName = "active"

const (
	half1 = "mem1"
	half2 = "mem2"
)

// Options configures New.
type Options struct {
	// TypeRegistry supplies field layouts for Create/Read/CopyCollect. If
	// nil, typereg.Default() is used.
	TypeRegistry *typereg.Registry
}

// Store is an ObjectStore: two PoolSets (active, standby) under one
// directory, with a symlink recording which half is current.
type Store struct {
	fsys    fs.FS
	dir     string // absolute path; also this store's pool_id
	typeReg *typereg.Registry

	mu         sync.Mutex
	collecting bool
	activeName string // "mem1" or "mem2"
	active     *poolset.PoolSet
	standby    *poolset.PoolSet
}

// New opens or creates an ObjectStore at dir, an absolute path. The
// directory, its mem1/mem2 halves, and the active symlink are created if
// missing.
func New(fsys fs.FS, dir string, opts Options) (*Store, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("objectstore: dir must be absolute, got %q", dir)
	}

	typeReg := opts.TypeRegistry
	if typeReg == nil {
		typeReg = typereg.Default()
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil { //nolint:mnd
		return nil, fmt.Errorf("objectstore: mkdir %s: %w", dir, err)
	}

	activeName, err := ensureActiveLink(fsys, dir)
	if err != nil {
		return nil, err
	}

	active, standby, err := openHalves(fsys, dir, activeName)
	if err != nil {
		return nil, err
	}

	return &Store{
		fsys:       fsys,
		dir:        dir,
		typeReg:    typeReg,
		activeName: activeName,
		active:     active,
		standby:    standby,
	}, nil
}

func otherHalf(name string) string {
	if name == half1 {
		return half2
	}

	return half1
}

func openHalves(fsys fs.FS, dir, activeName string) (active, standby *poolset.PoolSet, err error) {
	active, err = poolset.Open(fsys, filepath.Join(dir, activeName))
	if err != nil {
		return nil, nil, fmt.Errorf("objectstore: open active half: %w", err)
	}

	if err := active.Discover(); err != nil {
		return nil, nil, fmt.Errorf("objectstore: discover active half: %w", err)
	}

	standby, err = poolset.Open(fsys, filepath.Join(dir, otherHalf(activeName)))
	if err != nil {
		return nil, nil, fmt.Errorf("objectstore: open standby half: %w", err)
	}

	if err := standby.Discover(); err != nil {
		return nil, nil, fmt.Errorf("objectstore: discover standby half: %w", err)
	}

	return active, standby, nil
}

func ensureActiveLink(fsys fs.FS, dir string) (string, error) {
	linkPath := filepath.Join(dir, activeLinkName)

	target, err := fsys.Readlink(linkPath)
	if err == nil {
		if target != half1 && target != half2 {
			err := fmt.Errorf("%w: active symlink points to %q", ErrCorrupt, target)
			pdslog.Corrupt(dir, err)
			return "", err
		}

		return target, nil
	}

	if !os.IsNotExist(err) {
		return "", fmt.Errorf("objectstore: readlink %s: %w", linkPath, err)
	}

	if err := swapActiveLink(fsys, dir, half1); err != nil {
		return "", err
	}

	pdslog.PoolCreated(dir, half1)

	return half1, nil
}

var atomicLinkCounter atomic.Uint64

// swapActiveLink atomically repoints <dir>/active at target ("mem1" or
// "mem2") by creating a temp symlink and renaming it over the existing
// link. This is the GC's sole commit point (spec §5): a crash before the
// rename leaves the previous active half authoritative. natefinch/atomic's
// WriteFile helper covers regular-file content (used for the NameDirectory
// root-oid file); a symlink swap needs the same temp-then-rename shape
// applied directly to Symlink+Rename, since that library only writes bytes.
func swapActiveLink(fsys fs.FS, dir, target string) error {
	linkPath := filepath.Join(dir, activeLinkName)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".active.tmp-%d", atomicLinkCounter.Add(1)))

	if err := fsys.Symlink(target, tmpPath); err != nil {
		return fmt.Errorf("objectstore: create temp symlink: %w", err)
	}

	if err := fsys.Rename(tmpPath, linkPath); err != nil {
		_ = fsys.Remove(tmpPath)

		return fmt.Errorf("objectstore: swap active symlink: %w", err)
	}

	return nil
}

// PoolID returns this store's identity, stamped onto every OID it creates.
func (s *Store) PoolID() string { return s.dir }

// Create serialises fields — positional, in the order typeName's
// registered TypeDescriptor declares them, with registered defaults
// filling any trailing fields the caller omits — prepends the 8-byte zero
// forwarding pointer, routes the record into the active half by
// rounded-up payload size, and returns its OID (spec §4.2). Named access
// to fields (field_dict in the original) lives one layer up, in
// pkg/objectgraph.
func (s *Store) Create(typeName string, fields []wire.Value) (oid.OID, error) {
	desc, err := s.typeReg.Lookup(typeName)
	if err != nil {
		return oid.Null, err
	}

	if len(fields) > len(desc.Fields) {
		return oid.Null, fmt.Errorf("%w: %q has %d fields, got %d values", ErrTypeMismatch, typeName, len(desc.Fields), len(fields))
	}

	values := desc.Defaults()
	copy(values, fields)

	payload := wire.Encode(values)

	s.mu.Lock()
	defer s.mu.Unlock()

	pool, slotSize, err := s.active.PoolForPayload(len(payload))
	if err != nil {
		return oid.Null, fmt.Errorf("objectstore: route payload: %w", err)
	}

	seq, err := pool.Create(payload)
	if err != nil {
		return oid.Null, fmt.Errorf("objectstore: create record: %w", err)
	}

	return oid.OID{Seq: seq, Size: uint32(slotSize), PoolID: s.dir, TypeName: typeName}, nil //nolint:gosec
}

// Read locates o's pool by size in the active half, retrieves the slot,
// strips the forwarding pointer, and deserialises the payload back into a
// field list in o's TypeDescriptor's declaration order. It does not follow
// nested OIDs (spec §4.2) — callers traverse lazily.
func (s *Store) Read(o oid.OID) ([]wire.Value, error) {
	if o.IsNull() {
		return nil, fmt.Errorf("objectstore: %w", ErrForeignOID)
	}

	if o.PoolID != s.dir {
		return nil, ErrForeignOID
	}

	desc, err := s.typeReg.Lookup(o.TypeName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	pool, err := s.active.Pool(int(o.Size)) //nolint:gosec
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("objectstore: locate pool for size %d: %w", o.Size, err)
	}

	return decodeRecord(pool, o.Seq, len(desc.Fields))
}

func decodeRecord(pool *recordpool.Pool, seq uint64, numFields int) ([]wire.Value, error) {
	slot, err := pool.Retrieve(seq)
	if err != nil {
		return nil, fmt.Errorf("objectstore: retrieve seq %d: %w", seq, err)
	}

	payload := slot[recordpool.ForwardPtrSize:]

	values, err := wire.Decode(payload)
	if err != nil {
		err = fmt.Errorf("objectstore: %w: %w", ErrCorrupt, err)
		pdslog.Corrupt(fmt.Sprintf("seq=%d", seq), err)
		return nil, err
	}

	if len(values) < numFields {
		return nil, fmt.Errorf("%w: record decodes to %d fields, type wants %d", ErrTypeMismatch, len(values), numFields)
	}

	// Slot padding decodes as trailing KindNull tag bytes; keep only the
	// fields the type actually declares.
	return values[:numFields], nil
}

// CopyCollect runs one Cheney-style copying collection: every root OID (and
// everything reachable from it through same-store OID-valued fields) is
// copied into the standby half, the active and standby halves are swapped,
// and the new standby (the former active half) is expunged. It returns
// roots' new OIDs in the same order they were given (spec §4.2).
//
// Grounded on original_source/pstructstor.py's PStructStor._move, which
// recurses depth-first over a root's fields, memoising already-copied
// records by forwarding pointer so shared substructure is copied once.
func (s *Store) CopyCollect(roots []oid.OID) ([]oid.OID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collecting {
		return nil, ErrBusy
	}

	// Held for the whole pass, not just this flag flip: spec §5 disallows
	// concurrent read/write during collection, and Create/Read also take
	// s.mu, so this is what actually blocks them out for the duration.
	s.collecting = true
	defer func() { s.collecting = false }()

	runID := pdslog.NewRun()
	start := time.Now()
	pdslog.GCStart(runID, s.dir, len(roots))

	c := &collector{store: s}

	newRoots := make([]oid.OID, len(roots))

	for i, root := range roots {
		newRoot, err := c.copyOne(root)
		if err != nil {
			pdslog.IOFailure(s.dir, "copy_collect", err)
			return nil, err
		}

		newRoots[i] = newRoot
	}

	if err := s.commitCollectionLocked(runID, start); err != nil {
		pdslog.IOFailure(s.dir, "commit_collection", err)
		return nil, err
	}

	return newRoots, nil
}

// collector runs one collection pass; the forwarding pointer written into
// each source slot doubles as the "already copied" memo, so a record
// reachable from more than one root or field is copied exactly once.
type collector struct {
	store *Store
}

func (c *collector) copyOne(o oid.OID) (oid.OID, error) {
	if o.IsNull() {
		return oid.Null, nil
	}

	if o.PoolID != c.store.dir {
		// Cross-store references are left untouched (spec §4.2).
		return o, nil
	}

	srcPool, err := c.store.active.Pool(int(o.Size)) //nolint:gosec
	if err != nil {
		return oid.Null, fmt.Errorf("objectstore: locate source pool size %d: %w", o.Size, err)
	}

	fwd, err := srcPool.ForwardPtr(o.Seq)
	if err != nil {
		return oid.Null, fmt.Errorf("objectstore: read forward pointer seq %d: %w", o.Seq, err)
	}

	if fwd != 0 {
		// Already copied this collection; fwd is the new seq in the
		// same-sized standby pool.
		return oid.OID{Seq: fwd, Size: o.Size, PoolID: o.PoolID, TypeName: o.TypeName}, nil
	}

	desc, err := c.store.typeReg.Lookup(o.TypeName)
	if err != nil {
		return oid.Null, err
	}

	values, err := decodeRecord(srcPool, o.Seq, len(desc.Fields))
	if err != nil {
		return oid.Null, err
	}

	// Recurse into OID-valued fields in declaration order before
	// re-encoding, so nested records are copied (and forwarded) first.
	for i, v := range values {
		if v.Kind() != wire.KindOid {
			continue
		}

		newChild, err := c.copyOne(v.Oid())
		if err != nil {
			return oid.Null, err
		}

		values[i] = wire.Oid(newChild)
	}

	payload := wire.Encode(values)

	dstPool, err := c.store.standby.Pool(int(o.Size)) //nolint:gosec
	if err != nil {
		return oid.Null, fmt.Errorf("objectstore: locate standby pool size %d: %w", o.Size, err)
	}

	newSeq, err := dstPool.Create(payload)
	if err != nil {
		return oid.Null, fmt.Errorf("objectstore: copy seq %d: %w", o.Seq, err)
	}

	if err := srcPool.SetForwardPtr(o.Seq, newSeq); err != nil {
		return oid.Null, fmt.Errorf("objectstore: set forward pointer seq %d: %w", o.Seq, err)
	}

	return oid.OID{Seq: newSeq, Size: o.Size, PoolID: o.PoolID, TypeName: o.TypeName}, nil
}

// commitCollectionLocked swaps active and standby (the GC's sole commit
// point), then expunges every pool of the new standby (the just-vacated
// former active half) back to its reserved slot 0. Callers must hold s.mu.
func (s *Store) commitCollectionLocked(runID string, start time.Time) error {
	vacatedName := s.activeName
	newActiveName := otherHalf(s.activeName)

	if err := swapActiveLink(s.fsys, s.dir, newActiveName); err != nil {
		return err
	}

	s.active, s.standby = s.standby, s.active
	s.activeName = newActiveName

	pdslog.GCSwap(runID, s.dir, newActiveName, time.Since(start))

	for _, size := range s.standby.Sizes() {
		pool, err := s.standby.Pool(size)
		if err != nil {
			return fmt.Errorf("objectstore: locate pool size %d for expunge: %w", size, err)
		}

		if err := pool.Expunge(); err != nil {
			return fmt.Errorf("objectstore: expunge pool size %d: %w", size, err)
		}

		pdslog.PoolExpunged(runID, s.dir, fmt.Sprintf("%s/size_%d", vacatedName, size))
	}

	return nil
}

// Close releases both halves' open pool file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	activeErr := s.active.Close()
	standbyErr := s.standby.Close()

	if activeErr != nil {
		return activeErr
	}

	return standbyErr
}
