// Package namedirectory implements NameDirectory: a persistent,
// character-level trie mapping text names to OIDs, itself stored as
// objects in a dedicated ObjectStore.
//
// Grounded on original_source/ptrie.py's Ptrie (orderedInsert,
// findByPosition, deleteByPosition, _dfs, _bfs) for the trie algorithm,
// and original_source/oidfs.py's OidFS (root-oid file, pds-storage
// subdirectory, store-grouped gc) for the persistence wrapper. Field
// names follow spec.md's glossary (prefix, value, final, first_child,
// next_sibling) rather than the original's lcp/rsp abbreviations.
package namedirectory

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/ningke/persistds/internal/oid"
	"github.com/ningke/persistds/internal/typereg"
	"github.com/ningke/persistds/internal/wire"
	"github.com/ningke/persistds/pkg/fs"
	"github.com/ningke/persistds/pkg/objectstore"
)

// ErrNoSuchStore is returned by Collect when a gathered OID's owning
// store was not supplied in the stores map.
var ErrNoSuchStore = errors.New("namedirectory: no collectable store registered for this oid's pool")

const (
	typeName       = "trienode"
	storageSubdir  = "pds-storage"
	rootOidFile    = "root-oid"
	fieldPrefix    = 0
	fieldValue     = 1
	fieldFinal     = 2
	fieldFirstChld = 3
	fieldNextSib   = 4
)

func trieDescriptor() typereg.TypeDescriptor {
	return typereg.TypeDescriptor{
		Name: typeName,
		Fields: []typereg.FieldSpec{
			{Name: "prefix", Default: wire.Bytes(nil)},
			{Name: "value", Default: wire.Oid(oid.Null)},
			{Name: "final", Default: wire.Bool(false)},
			{Name: "first_child", Default: wire.Oid(oid.Null)},
			{Name: "next_sibling", Default: wire.Oid(oid.Null)},
		},
	}
}

// MergeFunc resolves a value collision: it is called with the previous
// value stored at a key and the value of a new insert of the same key,
// and returns the value the trie should keep.
type MergeFunc func(old, new oid.OID) oid.OID

// CollectableStore is the subset of *objectstore.Store Collect needs from
// each store that owns a name's target OID.
type CollectableStore interface {
	PoolID() string
	CopyCollect(roots []oid.OID) ([]oid.OID, error)
}

// node is the decoded, in-memory form of one trienode record.
type node struct {
	prefix      []byte
	value       oid.OID
	final       bool
	firstChild  oid.OID
	nextSibling oid.OID
}

func decodeNode(values []wire.Value) node {
	return node{
		prefix:      values[fieldPrefix].Bytes(),
		value:       values[fieldValue].Oid(),
		final:       values[fieldFinal].Bool(),
		firstChild:  values[fieldFirstChld].Oid(),
		nextSibling: values[fieldNextSib].Oid(),
	}
}

func encodeNode(n node) []wire.Value {
	return []wire.Value{
		wire.Bytes(n.prefix),
		wire.Oid(n.value),
		wire.Bool(n.final),
		wire.Oid(n.firstChild),
		wire.Oid(n.nextSibling),
	}
}

// Directory is NameDirectory: a persistent character trie rooted at one
// OID, persisted across restarts via a small root-oid file.
type Directory struct {
	fsys fs.FS
	dir  string

	store   *objectstore.Store
	typeReg *typereg.Registry

	// mu guards root and serializes every trie mutation/traversal. The
	// trie itself is persistent (path-copying), but d.root and the
	// root-oid file are mutable shared state, the same way objectstore.Store
	// guards its active/standby pointers with a mutex.
	mu   sync.Mutex
	root oid.OID
}

// Open opens (creating if necessary) the NameDirectory rooted at dir. dir
// must be absolute; it becomes the parent of the pds-storage ObjectStore
// directory and the root-oid file.
func Open(fsys fs.FS, dir string) (*Directory, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("namedirectory: dir %q must be absolute", dir)
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("namedirectory: creating %s: %w", dir, err)
	}

	reg := typereg.New()
	if _, err := reg.Register(trieDescriptor()); err != nil {
		return nil, fmt.Errorf("namedirectory: registering trienode type: %w", err)
	}

	storeDir := filepath.Join(dir, storageSubdir)

	store, err := objectstore.New(fsys, storeDir, objectstore.Options{TypeRegistry: reg})
	if err != nil {
		return nil, fmt.Errorf("namedirectory: opening trie store: %w", err)
	}

	d := &Directory{fsys: fsys, dir: dir, store: store, typeReg: reg}

	root, err := d.readRootOid()
	if err != nil {
		return nil, err
	}

	d.root = root

	return d, nil
}

func (d *Directory) rootOidPath() string { return filepath.Join(d.dir, rootOidFile) }

func (d *Directory) readRootOid() (oid.OID, error) {
	exists, err := d.fsys.Exists(d.rootOidPath())
	if err != nil {
		return oid.Null, fmt.Errorf("namedirectory: checking root-oid: %w", err)
	}

	if !exists {
		if writeErr := d.writeRootOid(oid.Null); writeErr != nil {
			return oid.Null, writeErr
		}

		return oid.Null, nil
	}

	buf, err := d.fsys.ReadFile(d.rootOidPath())
	if err != nil {
		return oid.Null, fmt.Errorf("namedirectory: reading root-oid: %w", err)
	}

	if len(buf) == 0 {
		return oid.Null, nil
	}

	root, _, err := oid.Decode(buf)
	if err != nil {
		return oid.Null, fmt.Errorf("namedirectory: decoding root-oid: %w", err)
	}

	return root, nil
}

func (d *Directory) writeRootOid(root oid.OID) error {
	buf := oid.Encode(nil, root)

	if err := atomic.WriteFile(d.rootOidPath(), bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("namedirectory: writing root-oid: %w", err)
	}

	return nil
}

// Insert adds (or updates) key -> value in the trie. If key already names
// a terminal node, merge is called with the previous and new values and
// its result is what's stored.
func (d *Directory) Insert(key string, value oid.OID, merge MergeFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	newRoot, err := d.insert(d.root, []byte(key), value, merge, 0)
	if err != nil {
		return err
	}

	d.root = newRoot

	return d.writeRootOid(d.root)
}

// insert mirrors ptrie.py's orderedInsert: head is the current sibling
// chain entry point at endpos, key[:endpos] is already matched by the
// path so far.
func (d *Directory) insert(head oid.OID, key []byte, value oid.OID, merge MergeFunc, endpos int) (oid.OID, error) {
	if endpos > len(key) {
		return head, nil
	}

	final := endpos == len(key)
	prefix := key[:endpos]

	if head.IsNull() {
		child, err := d.insert(oid.Null, key, value, merge, endpos+1)
		if err != nil {
			return oid.Null, err
		}

		return d.create(node{
			prefix:     append([]byte(nil), prefix...),
			value:      pickValue(final, value),
			final:      final,
			firstChild: child,
		})
	}

	headNode, err := d.get(head)
	if err != nil {
		return oid.Null, err
	}

	newKeyChar := charAt(key, endpos-1)
	headKeyChar := charAt(headNode.prefix, endpos-1)

	switch {
	case newKeyChar == headKeyChar:
		child, err := d.insert(headNode.firstChild, key, value, merge, endpos+1)
		if err != nil {
			return oid.Null, err
		}

		resultFinal := final || headNode.final
		resultValue := headNode.value

		if final {
			if headNode.final && merge != nil {
				resultValue = merge(headNode.value, value)
			} else {
				resultValue = value
			}
		}

		return d.create(node{
			prefix:      append([]byte(nil), prefix...),
			value:       pickValue(resultFinal, resultValue),
			final:       resultFinal,
			firstChild:  child,
			nextSibling: headNode.nextSibling,
		})

	case newKeyChar < headKeyChar:
		child, err := d.insert(oid.Null, key, value, merge, endpos+1)
		if err != nil {
			return oid.Null, err
		}

		return d.create(node{
			prefix:      append([]byte(nil), prefix...),
			value:       pickValue(final, value),
			final:       final,
			firstChild:  child,
			nextSibling: head,
		})

	default: // newKeyChar > headKeyChar
		newSibling, err := d.insert(headNode.nextSibling, key, value, merge, endpos)
		if err != nil {
			return oid.Null, err
		}

		return d.create(node{
			prefix:      headNode.prefix,
			value:       headNode.value,
			final:       headNode.final,
			firstChild:  headNode.firstChild,
			nextSibling: newSibling,
		})
	}
}

func pickValue(final bool, v oid.OID) oid.OID {
	if !final {
		return oid.Null
	}

	return v
}

// charAt returns the byte at i, or 0 for an empty/negative slice (mirrors
// Python's string[-1:0] == "" trick used for endpos == 0).
func charAt(b []byte, i int) byte {
	if i < 0 || i >= len(b) {
		return 0
	}

	return b[i]
}

// Find returns the OID stored under key, or oid.Null if key has no
// terminal node (this is the routine, non-error "not found" case —
// spec §7).
func (d *Directory) Find(key string) (oid.OID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.findByPosition(d.root, []byte(key), 0)
}

func (d *Directory) findByPosition(trie oid.OID, key []byte, endpos int) (oid.OID, error) {
	if trie.IsNull() {
		return oid.Null, nil
	}

	n, err := d.get(trie)
	if err != nil {
		return oid.Null, err
	}

	targetKey := charAt(key, endpos-1)
	trieKey := charAt(n.prefix, endpos-1)

	switch {
	case targetKey == trieKey:
		if endpos == len(key) {
			if n.final {
				return n.value, nil
			}

			return oid.Null, nil
		}

		return d.findByPosition(n.firstChild, key, endpos+1)

	case targetKey > trieKey:
		return d.findByPosition(n.nextSibling, key, endpos)

	default:
		return oid.Null, nil
	}
}

// Delete removes key from the trie, if present. Deleting an absent key is
// a no-op.
func (d *Directory) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	newRoot, err := d.deleteByPosition(d.root, []byte(key), 0)
	if err != nil {
		return err
	}

	d.root = newRoot

	return d.writeRootOid(d.root)
}

func (d *Directory) deleteByPosition(trie oid.OID, key []byte, endpos int) (oid.OID, error) {
	if trie.IsNull() {
		return oid.Null, nil
	}

	n, err := d.get(trie)
	if err != nil {
		return oid.Null, err
	}

	targetKey := charAt(key, endpos-1)
	trieKey := charAt(n.prefix, endpos-1)

	if targetKey != trieKey {
		if targetKey > trieKey {
			newSibling, err := d.deleteByPosition(n.nextSibling, key, endpos)
			if err != nil {
				return oid.Null, err
			}

			if newSibling == n.nextSibling {
				return trie, nil
			}

			return d.create(node{prefix: n.prefix, value: n.value, final: n.final, firstChild: n.firstChild, nextSibling: newSibling})
		}

		return trie, nil
	}

	if endpos == len(key) {
		if !n.final {
			return trie, nil
		}

		if !n.firstChild.IsNull() {
			return d.create(node{prefix: n.prefix, value: oid.Null, final: false, firstChild: n.firstChild, nextSibling: n.nextSibling})
		}

		return n.nextSibling, nil
	}

	newChild, err := d.deleteByPosition(n.firstChild, key, endpos+1)
	if err != nil {
		return oid.Null, err
	}

	if newChild == n.firstChild {
		return trie, nil
	}

	return d.create(node{prefix: n.prefix, value: n.value, final: n.final, firstChild: newChild, nextSibling: n.nextSibling})
}

// Visit is called once per terminal node during a traversal, with the
// full name and the OID it maps to. Returning false stops the traversal.
type Visit func(name string, o oid.OID) bool

// DFWalk traverses the trie depth-first, visiting terminal nodes in
// lexicographic order. A node's prefix field already holds the full
// accumulated path to it (per spec.md §4.4), so no extra bookkeeping is
// needed to reconstruct names during the walk.
func (d *Directory) DFWalk(visit Visit) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dfWalk(d.root, visit)
}

func (d *Directory) dfWalk(trie oid.OID, visit Visit) error {
	if trie.IsNull() {
		return nil
	}

	n, err := d.get(trie)
	if err != nil {
		return err
	}

	if n.final {
		if !visit(string(n.prefix), n.value) {
			return nil
		}
	}

	if err := d.dfWalk(n.firstChild, visit); err != nil {
		return err
	}

	return d.dfWalk(n.nextSibling, visit)
}

// Names returns a buffered depth-first iterator over every (name, oid)
// pair in the trie, restoring the generator shape of
// original_source/oidfs.py's oriter (there a Python generator yielding
// (prefix, value) tuples one at a time; here a func(yield) closure over a
// DFWalk-collected snapshot, since a true lazy generator would have to
// hold d.mu across yields — risking deadlock against any mutation the
// caller makes mid-iteration). Grounded on the iter.Seq2-shaped pull-iterator pattern;
// callers range over it with "for name, o := range dir.Names() { ... }".
func (d *Directory) Names() func(yield func(string, oid.OID) bool) {
	type pair struct {
		name string
		oid  oid.OID
	}

	var pairs []pair

	_ = d.DFWalk(func(name string, o oid.OID) bool {
		pairs = append(pairs, pair{name, o})
		return true
	})

	return func(yield func(string, oid.OID) bool) {
		for _, p := range pairs {
			if !yield(p.name, p.oid) {
				return
			}
		}
	}
}

// BFWalk traverses the trie breadth-first, visiting terminal nodes in
// lexicographic order.
func (d *Directory) BFWalk(visit Visit) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.root.IsNull() {
		return nil
	}

	queue := []oid.OID{d.root}

	for len(queue) > 0 {
		trie := queue[0]
		queue = queue[1:]

		n, err := d.get(trie)
		if err != nil {
			return err
		}

		if n.final {
			if !visit(string(n.prefix), n.value) {
				return nil
			}
		}

		if !n.firstChild.IsNull() {
			queue = append(queue, n.firstChild)
		}

		if !n.nextSibling.IsNull() {
			queue = append([]oid.OID{n.nextSibling}, queue...)
		}
	}

	return nil
}

// Collect runs a copying collection over the directory: it gathers every
// terminal (name, user_oid) pair, groups the OIDs by owning store (via
// CollectableStore.PoolID), calls CopyCollect on each group, rebuilds the
// trie from scratch using the relocated OIDs, and finally copy-collects
// the trie's own backing store and rewrites root-oid. stores must contain
// an entry for every distinct PoolID a stored value OID belongs to,
// keyed by that PoolID.
func (d *Directory) Collect(stores map[string]CollectableStore) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	type entry struct {
		name string
		o    oid.OID
	}

	var entries []entry

	if err := d.dfWalk(d.root, func(name string, o oid.OID) bool {
		entries = append(entries, entry{name: name, o: o})

		return true
	}); err != nil {
		return err
	}

	byPool := make(map[string][]int) // pool id -> indices into entries
	for i, e := range entries {
		byPool[e.o.PoolID] = append(byPool[e.o.PoolID], i)
	}

	relocated := make([]oid.OID, len(entries))

	for poolID, indices := range byPool {
		cs, ok := stores[poolID]
		if !ok {
			return fmt.Errorf("%w: pool %q", ErrNoSuchStore, poolID)
		}

		roots := make([]oid.OID, len(indices))
		for i, idx := range indices {
			roots[i] = entries[idx].o
		}

		newRoots, err := cs.CopyCollect(roots)
		if err != nil {
			return fmt.Errorf("namedirectory: collecting pool %q: %w", poolID, err)
		}

		for i, idx := range indices {
			relocated[idx] = newRoots[i]
		}
	}

	d.root = oid.Null

	for i, e := range entries {
		newRoot, err := d.insert(d.root, []byte(e.name), relocated[i], nil, 0)
		if err != nil {
			return err
		}

		d.root = newRoot
	}

	newTrieRoots, err := d.store.CopyCollect([]oid.OID{d.root})
	if err != nil {
		return fmt.Errorf("namedirectory: collecting trie store: %w", err)
	}

	d.root = newTrieRoots[0]

	return d.writeRootOid(d.root)
}

func (d *Directory) create(n node) (oid.OID, error) {
	return d.store.Create(typeName, encodeNode(n))
}

func (d *Directory) get(o oid.OID) (node, error) {
	values, err := d.store.Read(o)
	if err != nil {
		return node{}, fmt.Errorf("namedirectory: reading trie node: %w", err)
	}

	return decodeNode(values), nil
}

// Close closes the directory's backing trie store.
func (d *Directory) Close() error {
	return d.store.Close()
}
