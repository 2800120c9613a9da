package namedirectory_test

import (
	"path/filepath"
	"testing"

	"github.com/ningke/persistds/internal/oid"
	"github.com/ningke/persistds/internal/typereg"
	"github.com/ningke/persistds/internal/wire"
	"github.com/ningke/persistds/pkg/fs"
	"github.com/ningke/persistds/pkg/namedirectory"
	"github.com/ningke/persistds/pkg/objectstore"
)

func newTestDirectory(t *testing.T) *namedirectory.Directory {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "names")

	d, err := namedirectory.Open(fs.NewReal(), dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = d.Close() })

	return d
}

func fakeOid(seq uint64) oid.OID {
	return oid.OID{Seq: seq, Size: 64, PoolID: "/fake/pool", TypeName: "thing"}
}

func TestInsertFind_RoundTrip(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t)

	want := fakeOid(1)
	if err := d.Insert("apple", want, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := d.Find("apple")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if got != want {
		t.Fatalf("Find(apple) = %v, want %v", got, want)
	}
}

func TestFind_MissingNameReturnsNull(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t)

	got, err := d.Find("nope")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if !got.IsNull() {
		t.Fatalf("Find(nope) = %v, want Null", got)
	}
}

func TestInsertFind_SharedPrefixesAndSiblings(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t)

	names := map[string]oid.OID{
		"apple":   fakeOid(1),
		"app":     fakeOid(2),
		"apricot": fakeOid(3),
		"banana":  fakeOid(4),
	}

	for _, key := range []string{"apple", "app", "apricot", "banana"} {
		if err := d.Insert(key, names[key], nil); err != nil {
			t.Fatalf("Insert(%s): %v", key, err)
		}
	}

	for key, want := range names {
		got, err := d.Find(key)
		if err != nil {
			t.Fatalf("Find(%s): %v", key, err)
		}

		if got != want {
			t.Fatalf("Find(%s) = %v, want %v", key, got, want)
		}
	}
}

func TestDelete_LeafRemovesNodeButKeepsSiblings(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t)

	for _, key := range []string{"apple", "app", "apricot", "banana"} {
		if err := d.Insert(key, fakeOid(uint64(len(key))), nil); err != nil {
			t.Fatalf("Insert(%s): %v", key, err)
		}
	}

	if err := d.Delete("app"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := d.Find("app")
	if err != nil {
		t.Fatalf("Find(app): %v", err)
	}

	if !got.IsNull() {
		t.Fatalf("Find(app) after delete = %v, want Null", got)
	}

	got, err = d.Find("apple")
	if err != nil {
		t.Fatalf("Find(apple): %v", err)
	}

	if got.IsNull() {
		t.Fatalf("Find(apple) after deleting app = Null, want still present")
	}
}

func TestInsert_MergeFuncCalledOnCollision(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t)

	first := fakeOid(1)
	second := fakeOid(2)

	if err := d.Insert("key", first, nil); err != nil {
		t.Fatalf("first Insert: %v", err)
	}

	var gotOld, gotNew oid.OID

	merge := func(old, newVal oid.OID) oid.OID {
		gotOld, gotNew = old, newVal

		return newVal
	}

	if err := d.Insert("key", second, merge); err != nil {
		t.Fatalf("second Insert: %v", err)
	}

	if gotOld != first || gotNew != second {
		t.Fatalf("merge called with (%v, %v), want (%v, %v)", gotOld, gotNew, first, second)
	}

	got, err := d.Find("key")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if got != second {
		t.Fatalf("Find(key) = %v, want %v (merge result)", got, second)
	}
}

func TestBFWalk_VisitsInLexicographicOrder(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t)

	for _, key := range []string{"apple", "app", "apricot", "banana"} {
		if err := d.Insert(key, fakeOid(1), nil); err != nil {
			t.Fatalf("Insert(%s): %v", key, err)
		}
	}

	var names []string

	if err := d.BFWalk(func(name string, o oid.OID) bool {
		names = append(names, name)

		return true
	}); err != nil {
		t.Fatalf("BFWalk: %v", err)
	}

	want := []string{"app", "apple", "apricot", "banana"}
	if len(names) != len(want) {
		t.Fatalf("BFWalk visited %v, want %v", names, want)
	}

	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("BFWalk order = %v, want %v", names, want)
		}
	}
}

func TestDFWalk_VisitsEveryTerminal(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t)

	inserted := []string{"apple", "app", "apricot", "banana"}
	for _, key := range inserted {
		if err := d.Insert(key, fakeOid(1), nil); err != nil {
			t.Fatalf("Insert(%s): %v", key, err)
		}
	}

	seen := make(map[string]bool)

	if err := d.DFWalk(func(name string, o oid.OID) bool {
		seen[name] = true

		return true
	}); err != nil {
		t.Fatalf("DFWalk: %v", err)
	}

	for _, key := range inserted {
		if !seen[key] {
			t.Fatalf("DFWalk missed %q", key)
		}
	}
}

func TestOpen_ReopensExistingDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "names")
	fsys := fs.NewReal()

	d1, err := namedirectory.Open(fsys, dir)
	if err != nil {
		t.Fatalf("Open (first): %v", err)
	}

	want := fakeOid(7)
	if err := d1.Insert("persisted", want, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := d1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := namedirectory.Open(fsys, dir)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}

	t.Cleanup(func() { _ = d2.Close() })

	got, err := d2.Find("persisted")
	if err != nil {
		t.Fatalf("Find after reopen: %v", err)
	}

	if got != want {
		t.Fatalf("Find(persisted) after reopen = %v, want %v", got, want)
	}
}

func TestCollect_RelocatesAcrossMultipleStoresAndRebuildsTrie(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "names")
	fsys := fs.NewReal()

	d, err := namedirectory.Open(fsys, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	regSmall := typereg.New()
	if _, err := regSmall.Register(typereg.TypeDescriptor{
		Name:   "small",
		Fields: []typereg.FieldSpec{{Name: "n", Default: wire.Int(0)}},
	}); err != nil {
		t.Fatalf("Register small: %v", err)
	}

	storeSmall, err := objectstore.New(fsys, filepath.Join(t.TempDir(), "small-store"), objectstore.Options{TypeRegistry: regSmall})
	if err != nil {
		t.Fatalf("New storeSmall: %v", err)
	}
	t.Cleanup(func() { _ = storeSmall.Close() })

	regWide := typereg.New()
	if _, err := regWide.Register(typereg.TypeDescriptor{
		Name: "wide",
		Fields: []typereg.FieldSpec{
			{Name: "n", Default: wire.Int(0)},
			{Name: "tag", Default: wire.Bytes(nil)},
		},
	}); err != nil {
		t.Fatalf("Register wide: %v", err)
	}

	storeWide, err := objectstore.New(fsys, filepath.Join(t.TempDir(), "wide-store"), objectstore.Options{TypeRegistry: regWide})
	if err != nil {
		t.Fatalf("New storeWide: %v", err)
	}
	t.Cleanup(func() { _ = storeWide.Close() })

	type placement struct {
		store     *objectstore.Store
		typeName  string
		fields    []wire.Value
		wantValue int64
	}

	names := map[string]placement{
		"alpha":   {storeSmall, "small", []wire.Value{wire.Int(1)}, 1},
		"beta":    {storeWide, "wide", []wire.Value{wire.Int(2), wire.Bytes([]byte("b"))}, 2},
		"gamma":   {storeSmall, "small", []wire.Value{wire.Int(3)}, 3},
		"delta":   {storeWide, "wide", []wire.Value{wire.Int(4), wire.Bytes([]byte("d"))}, 4},
		"epsilon": {storeSmall, "small", []wire.Value{wire.Int(5)}, 5},
	}

	for name, p := range names {
		o, err := p.store.Create(p.typeName, p.fields)
		if err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}

		if err := d.Insert(name, o, nil); err != nil {
			t.Fatalf("Insert(%s): %v", name, err)
		}
	}

	stores := map[string]namedirectory.CollectableStore{
		storeSmall.PoolID(): storeSmall,
		storeWide.PoolID():  storeWide,
	}

	if err := d.Collect(stores); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	checkAll := func(t *testing.T, d *namedirectory.Directory) {
		t.Helper()

		for name, p := range names {
			got, err := d.Find(name)
			if err != nil {
				t.Fatalf("Find(%s): %v", name, err)
			}

			if got.IsNull() {
				t.Fatalf("Find(%s) = Null after Collect, want a relocated oid", name)
			}

			fields, err := p.store.Read(got)
			if err != nil {
				t.Fatalf("Read(%s's relocated oid): %v", name, err)
			}

			if fields[0].Int() != p.wantValue {
				t.Fatalf("%s's relocated record holds n=%d, want %d", name, fields[0].Int(), p.wantValue)
			}
		}
	}

	checkAll(t, d)

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := namedirectory.Open(fsys, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	// root-oid must have been rewritten to the post-collection trie, not
	// left pointing at the pre-collection tree.
	checkAll(t, reopened)
}

func TestNames_YieldsEveryTerminal(t *testing.T) {
	t.Parallel()

	d := newTestDirectory(t)

	for i, name := range []string{"apple", "app", "banana"} {
		if err := d.Insert(name, fakeOid(uint64(i+1)), nil); err != nil {
			t.Fatalf("Insert(%q): %v", name, err)
		}
	}

	seen := map[string]oid.OID{}
	for name, o := range d.Names() {
		seen[name] = o
	}

	if len(seen) != 3 {
		t.Fatalf("Names yielded %d entries, want 3: %+v", len(seen), seen)
	}

	for _, name := range []string{"apple", "app", "banana"} {
		if _, ok := seen[name]; !ok {
			t.Fatalf("Names missing entry for %q", name)
		}
	}
}
