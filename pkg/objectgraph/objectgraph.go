// Package objectgraph implements ObjectGraphAPI: the top-level façade
// wiring an OIDCache in front of an ObjectStore, with a NameDirectory as
// the root-enumeration source for garbage collection.
//
// Grounded on original_source/ostore.py's init_ostore, which pairs a
// PStructStor with an OidFS rooted in the same parent directory, and on
// original_source/oidfs.py's store/load/gc methods, elevated here to a
// dedicated façade type per spec.md §4.5.
package objectgraph

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ningke/persistds/internal/oid"
	"github.com/ningke/persistds/internal/typereg"
	"github.com/ningke/persistds/internal/wire"
	"github.com/ningke/persistds/pkg/fs"
	"github.com/ningke/persistds/pkg/namedirectory"
	"github.com/ningke/persistds/pkg/objectstore"
	"github.com/ningke/persistds/pkg/oidcache"
)

// ErrNotFound is returned by LoadNamed when name has no entry in the
// directory.
var ErrNotFound = errors.New("objectgraph: name not found")

const objectsSubdir = "objects"

// defaultCacheCapacity mirrors original_source/pdscache.py's module-level
// singleton: "_pdscache = PDSCache(4)".
const defaultCacheCapacity = 4

// Handle is the application-visible reference to an object in the graph:
// it may be a draft still living only in the cache, or already backed by
// a real record.
type Handle = *oidcache.DraftHandle

// FieldDict is field_dict from spec.md §4.5: a named (rather than
// positional) view of one object's fields. A value may be a plain
// wire.Value-wrapped primitive (oidcache.Primitive), an already-real OID
// (oidcache.RealOid), or a reference to another not-yet-flushed handle
// (oidcache.Draft), letting callers build a graph of new objects before
// ever touching disk.
type FieldDict map[string]oidcache.Field

// Options configures Open.
type Options struct {
	// TypeRegistry supplies the application's type descriptors. Defaults
	// to typereg.Default() if nil.
	TypeRegistry *typereg.Registry

	// CacheCapacity bounds the OIDCache's live draft count. Defaults to
	// defaultCacheCapacity.
	CacheCapacity int
}

// Graph is ObjectGraphAPI: the façade wiring OIDCache + ObjectStore +
// NameDirectory together.
type Graph struct {
	dir     string
	typeReg *typereg.Registry
	store   *objectstore.Store
	cache   *oidcache.Cache
	names   *namedirectory.Directory
}

// Open opens (creating if necessary) the object graph rooted at dir. dir
// must be absolute; it becomes the parent of an "objects" ObjectStore
// directory and a NameDirectory (root-oid file + pds-storage).
func Open(fsys fs.FS, dir string, opts Options) (*Graph, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("objectgraph: dir %q must be absolute", dir)
	}

	typeReg := opts.TypeRegistry
	if typeReg == nil {
		typeReg = typereg.Default()
	}

	capacity := opts.CacheCapacity
	if capacity == 0 {
		capacity = defaultCacheCapacity
	}

	store, err := objectstore.New(fsys, filepath.Join(dir, objectsSubdir), objectstore.Options{TypeRegistry: typeReg})
	if err != nil {
		return nil, fmt.Errorf("objectgraph: opening object store: %w", err)
	}

	names, err := namedirectory.Open(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("objectgraph: opening name directory: %w", err)
	}

	return &Graph{
		dir:     dir,
		typeReg: typeReg,
		store:   store,
		cache:   oidcache.New(capacity),
		names:   names,
	}, nil
}

// CreateObject allocates a new draft object of typeName with the supplied
// named fields; fields not present in the dict take their type's default.
// The result is a Handle the caller can pass as a FieldDict value (via
// oidcache.Draft) when building other objects, or flush later through
// StoreNamed.
func (g *Graph) CreateObject(typeName string, fields FieldDict) (Handle, error) {
	desc, err := g.typeReg.Lookup(typeName)
	if err != nil {
		return nil, fmt.Errorf("objectgraph: %w", err)
	}

	positional := make([]oidcache.Field, len(desc.Fields))
	for i, fspec := range desc.Fields {
		positional[i] = fieldFromWireValue(fspec.Default)
	}

	for name, f := range fields {
		idx, err := desc.FieldIndex(name)
		if err != nil {
			return nil, fmt.Errorf("objectgraph: %w", err)
		}

		positional[idx] = f
	}

	return g.cache.Create(g.store, typeName, positional)
}

func fieldFromWireValue(v wire.Value) oidcache.Field {
	if v.Kind() == wire.KindOid {
		return oidcache.RealOid(v.Oid())
	}

	return oidcache.Primitive(v)
}

// GetFields returns h's fields keyed by field name.
func (g *Graph) GetFields(h Handle) (FieldDict, error) {
	typeName, ok := g.cache.TypeName(h)
	if !ok {
		return nil, fmt.Errorf("objectgraph: handle has no known type (never created through this graph?)")
	}

	desc, err := g.typeReg.Lookup(typeName)
	if err != nil {
		return nil, fmt.Errorf("objectgraph: %w", err)
	}

	fields, err := g.cache.Read(g.store, h)
	if err != nil {
		return nil, fmt.Errorf("objectgraph: %w", err)
	}

	dict := make(FieldDict, len(desc.Fields))
	for i, fspec := range desc.Fields {
		dict[fspec.Name] = fields[i]
	}

	return dict, nil
}

// StoreNamed flushes h to real storage (if not already backed) and binds
// name to its resulting OID in the directory, replacing any previous
// binding.
func (g *Graph) StoreNamed(h Handle, name string) error {
	backing, err := g.cache.Flush(h)
	if err != nil {
		return fmt.Errorf("objectgraph: flushing handle for %q: %w", name, err)
	}

	if err := g.names.Insert(name, backing, func(_, newVal oid.OID) oid.OID { return newVal }); err != nil {
		return fmt.Errorf("objectgraph: binding name %q: %w", name, err)
	}

	return nil
}

// LoadNamed resolves name through the directory and returns a handle
// cold-loaded from the resulting OID. Returns ErrNotFound if name is
// unbound.
func (g *Graph) LoadNamed(name string) (Handle, error) {
	backing, err := g.names.Find(name)
	if err != nil {
		return nil, fmt.Errorf("objectgraph: %w", err)
	}

	if backing.IsNull() {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	h, err := g.cache.ColdLoad(g.store, backing)
	if err != nil {
		return nil, fmt.Errorf("objectgraph: loading %q: %w", name, err)
	}

	return h, nil
}

// rootedStore adapts *objectstore.Store so that Collect can protect a set
// of extra roots through a CopyCollect pass without namedirectory.Collect
// (which only knows about named values) ever seeing them: extras are
// appended before delegating, and stripped back off the result, so the
// returned slice still lines up one-to-one with the roots the caller
// passed in.
type rootedStore struct {
	inner namedirectory.CollectableStore
	extra []oid.OID
}

func (r *rootedStore) PoolID() string { return r.inner.PoolID() }

func (r *rootedStore) CopyCollect(roots []oid.OID) ([]oid.OID, error) {
	all := make([]oid.OID, 0, len(roots)+len(r.extra))
	all = append(all, roots...)
	all = append(all, r.extra...)

	newAll, err := r.inner.CopyCollect(all)
	if err != nil {
		return nil, err
	}

	return newAll[:len(roots)], nil
}

// Collect runs a full garbage collection over the graph: the cache is
// flushed first (every live draft becomes a real OID), then the
// directory's own Collect gathers every named OID, relocates it (and
// extraRoots, kept alive but not returned) via the façade's ObjectStore,
// rebuilds the trie, and rewrites root-oid.
func (g *Graph) Collect(extraRoots ...oid.OID) error {
	if err := g.cache.FlushAll(); err != nil {
		return fmt.Errorf("objectgraph: flushing cache before collection: %w", err)
	}

	stores := map[string]namedirectory.CollectableStore{
		g.store.PoolID(): &rootedStore{inner: g.store, extra: extraRoots},
	}

	if err := g.names.Collect(stores); err != nil {
		return fmt.Errorf("objectgraph: %w", err)
	}

	return nil
}

// FlushAll writes back every live draft in the cache without running a
// garbage-collection pass, so a caller can durably save new objects
// without paying for a copying collection.
func (g *Graph) FlushAll() error {
	if err := g.cache.FlushAll(); err != nil {
		return fmt.Errorf("objectgraph: %w", err)
	}

	return nil
}

// DeleteNamed removes name's binding, if any.
func (g *Graph) DeleteNamed(name string) error {
	if err := g.names.Delete(name); err != nil {
		return fmt.Errorf("objectgraph: %w", err)
	}

	return nil
}

// Names returns a buffered iterator over every (name, oid) binding in the
// directory, in depth-first order.
func (g *Graph) Names() func(yield func(string, oid.OID) bool) {
	return g.names.Names()
}

// DFWalk traverses every named binding depth-first.
func (g *Graph) DFWalk(visit namedirectory.Visit) error {
	return g.names.DFWalk(visit)
}

// BFWalk traverses every named binding breadth-first.
func (g *Graph) BFWalk(visit namedirectory.Visit) error {
	return g.names.BFWalk(visit)
}

// Close closes the façade's backing stores.
func (g *Graph) Close() error {
	namesErr := g.names.Close()
	storeErr := g.store.Close()

	if namesErr != nil {
		return namesErr
	}

	return storeErr
}
