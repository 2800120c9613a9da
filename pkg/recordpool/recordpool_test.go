package recordpool_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ningke/persistds/pkg/fs"
	"github.com/ningke/persistds/pkg/recordpool"
)

func TestOpen_NewFileReservesSlotZero(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "size_64")

	p, err := recordpool.Open(fs.NewReal(), path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (reserved slot 0)", p.Len())
	}
}

func TestCreateRetrieve_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "size_64")

	p, err := recordpool.Open(fs.NewReal(), path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := []byte("hello, record pool")

	seq, err := p.Create(payload)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if seq != 1 {
		t.Fatalf("Create seq = %d, want 1 (first non-reserved slot)", seq)
	}

	slot, err := p.Retrieve(seq)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if len(slot) != 64 {
		t.Fatalf("Retrieve returned %d bytes, want 64", len(slot))
	}

	fwd, err := p.ForwardPtr(seq)
	if err != nil {
		t.Fatalf("ForwardPtr: %v", err)
	}

	if fwd != 0 {
		t.Fatalf("ForwardPtr = %d, want 0 for a fresh record", fwd)
	}

	gotPayload := slot[recordpool.ForwardPtrSize : recordpool.ForwardPtrSize+len(payload)]
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestCreate_PayloadPaddedWithZeros(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "size_32")

	p, err := recordpool.Open(fs.NewReal(), path, 32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	seq, err := p.Create([]byte("ab"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	slot, err := p.Retrieve(seq)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	payload := slot[recordpool.ForwardPtrSize:]
	if payload[0] != 'a' || payload[1] != 'b' {
		t.Fatalf("payload prefix = %v, want 'a','b'", payload[:2])
	}

	for i := 2; i < len(payload); i++ {
		if payload[i] != 0 {
			t.Fatalf("payload[%d] = %d, want 0 (zero padding)", i, payload[i])
		}
	}
}

func TestCreate_OverflowingPayloadErrors(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "size_16")

	p, err := recordpool.Open(fs.NewReal(), path, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err = p.Create(make([]byte, 9)) // capacity is 16-8=8
	if !errors.Is(err, recordpool.ErrOverflow) {
		t.Fatalf("Create: err = %v, want ErrOverflow", err)
	}
}

func TestRetrieve_OutOfRange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "size_16")

	p, err := recordpool.Open(fs.NewReal(), path, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err = p.Retrieve(42)
	if !errors.Is(err, recordpool.ErrOutOfRange) {
		t.Fatalf("Retrieve: err = %v, want ErrOutOfRange", err)
	}
}

func TestSetForwardPtr_OnlyHeaderChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "size_32")

	p, err := recordpool.Open(fs.NewReal(), path, 32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	seq, err := p.Create([]byte("payload-bytes"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	before, err := p.Retrieve(seq)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if err := p.SetForwardPtr(seq, 99); err != nil {
		t.Fatalf("SetForwardPtr: %v", err)
	}

	after, err := p.Retrieve(seq)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	fwd, err := p.ForwardPtr(seq)
	if err != nil {
		t.Fatalf("ForwardPtr: %v", err)
	}

	if fwd != 99 {
		t.Fatalf("ForwardPtr = %d, want 99", fwd)
	}

	beforePayload := before[recordpool.ForwardPtrSize:]
	afterPayload := after[recordpool.ForwardPtrSize:]

	if string(beforePayload) != string(afterPayload) {
		t.Fatalf("payload changed after SetForwardPtr: before=%q after=%q", beforePayload, afterPayload)
	}
}

func TestExpunge_TruncatesToReservedSlot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "size_32")

	p, err := recordpool.Open(fs.NewReal(), path, 32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for range 5 {
		if _, err := p.Create([]byte("x")); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	if err := p.Expunge(); err != nil {
		t.Fatalf("Expunge: %v", err)
	}

	if p.Len() != 1 {
		t.Fatalf("Len() after Expunge = %d, want 1", p.Len())
	}
}

func TestOpen_ReopensExistingPool(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "size_16")

	fsys := fs.NewReal()

	p1, err := recordpool.Open(fsys, path, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	seq, err := p1.Create([]byte("x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	p2, err := recordpool.Open(fsys, path, 16)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}

	slot, err := p2.Retrieve(seq)
	if err != nil {
		t.Fatalf("Retrieve after reopen: %v", err)
	}

	if slot[recordpool.ForwardPtrSize] != 'x' {
		t.Fatalf("Retrieve after reopen: payload[0] = %q, want 'x'", slot[recordpool.ForwardPtrSize])
	}
}

func TestOpen_CorruptFileSizeRejected(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "size_16")

	if err := fsys.WriteFile(path, make([]byte, 17), 0o644); err != nil { //nolint:mnd
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := recordpool.Open(fsys, path, 16)
	if !errors.Is(err, recordpool.ErrCorrupt) {
		t.Fatalf("Open: err = %v, want ErrCorrupt", err)
	}
}

func TestOpen_RejectsNonPowerOfTwoSlotSize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "size_17")

	_, err := recordpool.Open(fs.NewReal(), path, 17)
	if !errors.Is(err, recordpool.ErrInvalidSlotSize) {
		t.Fatalf("Open: err = %v, want ErrInvalidSlotSize", err)
	}
}
