package objectstore

import (
	"path/filepath"
	"sync"

	"github.com/ningke/persistds/pkg/fs"
)

// Registry deduplicates *Store instances by absolute directory path within
// one process, so that two call sites opening the same store directory
// share one set of pool file handles instead of racing independent ones.
//
// Grounded on original_source/ostore.py's init_ostore and
// pstructstor.py's _pstor_table, a weak-reference cache of already-open
// stores keyed by directory (§11 "Store-identity table"). Two processes
// opening the same directory remains undefined behaviour per spec §5;
// this only covers multiple opens inside one process.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// Open returns the already-open *Store for dir if one exists in r,
// otherwise calls New and interns the result.
func (r *Registry) Open(fsys fs.FS, dir string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[abs]; ok {
		return s, nil
	}

	s, err := New(fsys, abs, opts)
	if err != nil {
		return nil, err
	}

	r.stores[abs] = s

	return s, nil
}

// Close closes every store currently interned in r and empties it.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error

	for dir, s := range r.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		delete(r.stores, dir)
	}

	return firstErr
}

// process-global registry, mirroring the original's module-level
// _pstor_table singleton.
var defaultRegistry = NewRegistry() //nolint:gochecknoglobals // intentional process-global, per spec §11

// Default returns the process-global Registry.
func Default() *Registry { return defaultRegistry }
