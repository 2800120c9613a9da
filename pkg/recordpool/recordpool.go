// Package recordpool implements RecordPool: a single file partitioned into
// fixed-size slots, addressed by sequence number.
//
// A pool is an append-oriented, flat binary file. Every slot is exactly
// SlotSize bytes: an 8-byte little-endian forwarding pointer followed by a
// payload. Slot 0 is reserved and never allocated, so seq == 0 can mean
// "null" on the wire (spec §4.1). This mirrors the teacher's slotcache
// fixed-slot file format (pkg/slotcache/format.go) trimmed to the much
// simpler append-only, single-size-bucket contract this spec calls for: no
// hash index, no bucket table, no mmap — just Create/Retrieve/Update and a
// pre-truncated slot 0. Per spec §5, the pool file is opened once and kept
// open for the store's lifetime rather than reopened per operation.
package recordpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ningke/persistds/pkg/fs"
)

// ForwardPtrSize is the width of the forwarding-pointer header at the start
// of every slot.
const ForwardPtrSize = 8

// MinSlotSize is the smallest slot size a RecordPool will serve: it must be
// at least wide enough to hold the forwarding pointer header.
const MinSlotSize = ForwardPtrSize

// ErrOutOfRange is returned when a sequence number addresses a slot beyond
// the end of the pool file.
var ErrOutOfRange = errors.New("recordpool: sequence number out of range")

// ErrOverflow is returned when a payload or partial update would not fit
// within a slot.
var ErrOverflow = errors.New("recordpool: value exceeds slot size")

// ErrCorrupt is returned when the underlying file's length is not a
// multiple of the pool's slot size.
var ErrCorrupt = errors.New("recordpool: file size is not a multiple of slot size")

// ErrInvalidSlotSize is returned by Open when slotSize is smaller than
// MinSlotSize or not a power of two.
var ErrInvalidSlotSize = errors.New("recordpool: slot size must be a power of two >= MinSlotSize")

// Pool is one fixed-slot-size file. Create and Retrieve deal in whole
// slots (forwarding pointer plus payload); Update deals in a byte range
// within a slot and is used exclusively to rewrite the forwarding pointer
// during garbage collection (spec §4.1).
type Pool struct {
	path     string
	slotSize int

	mu       sync.Mutex
	file     fs.File
	fileSize int64
}

// Open opens (creating if necessary) the pool file at path with the given
// slot size. If the file doesn't exist or is empty, it is pre-truncated to
// one slot so that slot 0 is reserved, per spec §4.1.
func Open(fsys fs.FS, path string, slotSize int) (*Pool, error) {
	if slotSize < MinSlotSize || slotSize&(slotSize-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSlotSize, slotSize)
	}

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) //nolint:gosec,mnd // pool files are not secrets
	if err != nil {
		return nil, fmt.Errorf("recordpool: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("recordpool: stat %s: %w", path, err)
	}

	p := &Pool{path: path, slotSize: slotSize, file: f, fileSize: info.Size()}

	if p.fileSize == 0 {
		if err := p.initializeLocked(); err != nil {
			f.Close()

			return nil, err
		}

		return p, nil
	}

	if p.fileSize%int64(slotSize) != 0 {
		f.Close()

		return nil, fmt.Errorf("%w: %s has size %d, slot size %d", ErrCorrupt, path, p.fileSize, slotSize)
	}

	return p, nil
}

// initializeLocked pre-truncates a missing or empty pool file to exactly
// one slot, reserving slot 0. Callers must hold p.mu or call this only
// during Open, before the Pool is visible to other goroutines.
func (p *Pool) initializeLocked() error {
	zero := make([]byte, p.slotSize)
	if _, err := p.file.Write(zero); err != nil {
		return fmt.Errorf("recordpool: initialize %s: %w", p.path, err)
	}

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("recordpool: sync %s: %w", p.path, err)
	}

	p.fileSize = int64(p.slotSize)

	return nil
}

// SlotSize reports the fixed slot size this pool serves.
func (p *Pool) SlotSize() int { return p.slotSize }

// Len reports the number of slots currently in the pool, including the
// reserved slot 0.
func (p *Pool) Len() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return uint64(p.fileSize) / uint64(p.slotSize) //nolint:gosec // fileSize is always non-negative
}

// Create appends payload (padded with zero bytes if shorter than SlotSize
// minus the forwarding-pointer header) as a new slot and returns its
// sequence number. Returns ErrOverflow if payload doesn't fit.
func (p *Pool) Create(payload []byte) (uint64, error) {
	if len(payload) > p.slotSize-ForwardPtrSize {
		return 0, fmt.Errorf("%w: payload %d bytes, capacity %d", ErrOverflow, len(payload), p.slotSize-ForwardPtrSize)
	}

	slot := make([]byte, p.slotSize)
	// forwarding pointer starts at zero (no forward)
	copy(slot[ForwardPtrSize:], payload)

	p.mu.Lock()
	defer p.mu.Unlock()

	seq := uint64(p.fileSize) / uint64(p.slotSize) //nolint:gosec

	if err := p.writeAtLocked(p.fileSize, slot); err != nil {
		return 0, fmt.Errorf("recordpool: append to %s: %w", p.path, err)
	}

	p.fileSize += int64(p.slotSize)

	return seq, nil
}

// Retrieve returns the full slot (forwarding pointer plus payload) at seq.
func (p *Pool) Retrieve(seq uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset := int64(seq) * int64(p.slotSize) //nolint:gosec
	if offset < 0 || offset+int64(p.slotSize) > p.fileSize {
		return nil, fmt.Errorf("%w: seq %d", ErrOutOfRange, seq)
	}

	buf := make([]byte, p.slotSize)
	if err := p.readAtLocked(offset, buf); err != nil {
		return nil, fmt.Errorf("recordpool: read seq %d from %s: %w", seq, p.path, err)
	}

	return buf, nil
}

// ForwardPtr returns the record's forwarding-pointer seq (0 means "not
// forwarded").
func (p *Pool) ForwardPtr(seq uint64) (uint64, error) {
	slot, err := p.Retrieve(seq)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(slot[:ForwardPtrSize]), nil
}

// Update overwrites partial at (seq*SlotSize + offset). Used exclusively to
// set forwarding pointers during copying collection (spec §4.1).
func (p *Pool) Update(seq uint64, offset int, partial []byte) error {
	if offset+len(partial) > p.slotSize {
		return fmt.Errorf("%w: offset %d + len %d > slot size %d", ErrOverflow, offset, len(partial), p.slotSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	slotStart := int64(seq) * int64(p.slotSize) //nolint:gosec
	if slotStart < 0 || slotStart+int64(p.slotSize) > p.fileSize {
		return fmt.Errorf("%w: seq %d", ErrOutOfRange, seq)
	}

	at := slotStart + int64(offset)
	if err := p.writeAtLocked(at, partial); err != nil {
		return fmt.Errorf("recordpool: write %s: %w", p.path, err)
	}

	return p.file.Sync()
}

// SetForwardPtr sets the 8-byte forwarding pointer of seq to target.
func (p *Pool) SetForwardPtr(seq, target uint64) error {
	var buf [ForwardPtrSize]byte

	binary.LittleEndian.PutUint64(buf[:], target)

	return p.Update(seq, 0, buf[:])
}

// Expunge truncates the pool file back to a single reserved slot.
func (p *Pool) Expunge() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.file.Truncate(0); err != nil {
		return fmt.Errorf("recordpool: truncate %s: %w", p.path, err)
	}

	p.fileSize = 0

	return p.initializeLocked()
}

// Close releases the pool's open file handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.file.Close()
}

func (p *Pool) writeAtLocked(offset int64, data []byte) error {
	if _, err := p.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	_, err := p.file.Write(data)

	return err
}

func (p *Pool) readAtLocked(offset int64, buf []byte) error {
	if _, err := p.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	_, err := io.ReadFull(p.file, buf)

	return err
}
