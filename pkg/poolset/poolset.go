// Package poolset implements PoolSet: a directory holding one RecordPool
// per power-of-two slot size, named "size_<N>".
//
// PoolSet routes a payload to the pool sized to hold it: the payload length
// plus the forwarding-pointer header is rounded up to the next power of
// two, and a pool for that size is created lazily on first use. This
// mirrors original_source/fixszPDS.py's FixszPDS (nameOfStorfile,
// roundToPowerOf2) — here translated into a directory scan plus a
// concurrent-safe map of already-opened pools instead of FixszPDS's
// dictionary of open file handles.
package poolset

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ningke/persistds/pkg/fs"
	"github.com/ningke/persistds/pkg/recordpool"
)

const poolFilePrefix = "size_"

// MinSlotSize is the smallest slot size a PoolSet will route to, matching
// recordpool.MinSlotSize (the forwarding-pointer header width).
const MinSlotSize = recordpool.MinSlotSize

// PoolSet lazily opens and caches one RecordPool per slot size within a
// single directory.
type PoolSet struct {
	fsys fs.FS
	dir  string

	mu    sync.Mutex
	pools map[int]*recordpool.Pool
}

// Open returns a PoolSet rooted at dir. The directory is created if it
// doesn't exist; existing "size_<N>" files are not eagerly opened — each is
// opened lazily the first time a caller addresses that size.
func Open(fsys fs.FS, dir string) (*PoolSet, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil { //nolint:mnd
		return nil, fmt.Errorf("poolset: mkdir %s: %w", dir, err)
	}

	return &PoolSet{fsys: fsys, dir: dir, pools: make(map[int]*recordpool.Pool)}, nil
}

// RoundSlotSize rounds n (a payload length plus any fixed header) up to the
// next power of two no smaller than MinSlotSize, per spec §4.1's sizing
// policy.
func RoundSlotSize(n int) int {
	size := MinSlotSize
	for size < n {
		size <<= 1
	}

	return size
}

func poolFileName(slotSize int) string {
	return fmt.Sprintf("%s%d", poolFilePrefix, slotSize)
}

// ParseSlotSize extracts the slot size from a pool file's base name,
// reporting ok=false if name doesn't match the "size_<N>" convention.
func ParseSlotSize(name string) (size int, ok bool) {
	suffix, found := strings.CutPrefix(name, poolFilePrefix)
	if !found {
		return 0, false
	}

	n, err := strconv.Atoi(suffix)
	if err != nil || n <= 0 {
		return 0, false
	}

	return n, true
}

// Pool returns the RecordPool for exactly slotSize, opening (and, if
// missing, creating) its backing file on first use.
func (ps *PoolSet) Pool(slotSize int) (*recordpool.Pool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if p, ok := ps.pools[slotSize]; ok {
		return p, nil
	}

	path := fmt.Sprintf("%s/%s", ps.dir, poolFileName(slotSize))

	p, err := recordpool.Open(ps.fsys, path, slotSize)
	if err != nil {
		return nil, err
	}

	ps.pools[slotSize] = p

	return p, nil
}

// PoolForPayload routes a payload of payloadLen bytes (not counting the
// forwarding-pointer header) to the pool sized to hold it.
func (ps *PoolSet) PoolForPayload(payloadLen int) (*recordpool.Pool, int, error) {
	slotSize := RoundSlotSize(payloadLen + recordpool.ForwardPtrSize)

	p, err := ps.Pool(slotSize)

	return p, slotSize, err
}

// Sizes returns the slot sizes of every pool opened so far in this PoolSet
// (either lazily via Pool, or discovered by Discover).
func (ps *PoolSet) Sizes() []int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	sizes := make([]int, 0, len(ps.pools))
	for size := range ps.pools {
		sizes = append(sizes, size)
	}

	return sizes
}

// Discover scans the directory for existing "size_<N>" files and opens
// each one, so that Sizes observes pools created by a previous
// process run without requiring the caller to probe every size up front.
func (ps *PoolSet) Discover() error {
	entries, err := ps.fsys.ReadDir(ps.dir)
	if err != nil {
		return fmt.Errorf("poolset: readdir %s: %w", ps.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		size, ok := ParseSlotSize(entry.Name())
		if !ok {
			continue
		}

		if _, err := ps.Pool(size); err != nil {
			return err
		}
	}

	return nil
}

// Dir returns the PoolSet's backing directory.
func (ps *PoolSet) Dir() string { return ps.dir }

// Close releases every pool's open file handle.
func (ps *PoolSet) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var errs []error

	for _, p := range ps.pools {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
