// Command pdsbench is a throughput/latency micro-benchmark: it seeds N
// objects into a fresh object graph, binds each under a unique name, times
// the insert phase, then times one full Collect() pass over the result.
//
// Usage:
//
//	pdsbench [--root dir] [--counts 1000,50000] [--cache-capacity n]
//
// Grounded on cmd/tk-seed/main.go's worker-pool seeding shape (parallel
// writers over a buffered work channel) and cmd/tk-bench/main.go's
// Config/flag-parsing structure, narrowed to this module's single
// operation (no hyperfine subprocess: the thing being timed lives
// in-process, so time.Since around the call is the whole benchmark).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ningke/persistds/internal/typereg"
	"github.com/ningke/persistds/internal/wire"
	"github.com/ningke/persistds/pkg/fs"
	"github.com/ningke/persistds/pkg/objectgraph"
	"github.com/ningke/persistds/pkg/oidcache"
)

// itemType is the single benchmark payload type: one int field, enough to
// exercise Create/Flush/CopyCollect without needing a schema file.
var itemType = typereg.TypeDescriptor{
	Name: "bench_item",
	Fields: []typereg.FieldSpec{
		{Name: "n", Default: wire.Int(0)},
	},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	root := flag.String("root", filepath.Join(os.TempDir(), "pdsbench"), "benchmark data root directory")
	countsStr := flag.String("counts", "1000,50000", "comma-separated list of object counts to benchmark")
	cacheCapacity := flag.Int("cache-capacity", 64, "draft cache capacity")
	flag.Parse()

	counts, err := parseCounts(*countsStr)
	if err != nil {
		return err
	}

	reg := typereg.New()
	if _, err := reg.Register(itemType); err != nil {
		return fmt.Errorf("registering bench_item: %w", err)
	}

	for _, count := range counts {
		if err := runOne(*root, count, *cacheCapacity, reg); err != nil {
			return fmt.Errorf("count=%d: %w", count, err)
		}
	}

	return nil
}

func parseCounts(s string) ([]int, error) {
	var counts []int

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad count %q: %w", part, err)
		}

		counts = append(counts, n)
	}

	return counts, nil
}

func runOne(root string, count, cacheCapacity int, reg *typereg.Registry) error {
	dir := filepath.Join(root, strconv.Itoa(count))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clearing %s: %w", dir, err)
	}

	g, err := objectgraph.Open(fs.NewReal(), dir, objectgraph.Options{
		TypeRegistry:  reg,
		CacheCapacity: cacheCapacity,
	})
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	defer g.Close()

	insertStart := time.Now()

	if err := seed(g, count); err != nil {
		return fmt.Errorf("seeding: %w", err)
	}

	insertElapsed := time.Since(insertStart)

	gcStart := time.Now()

	if err := g.Collect(); err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	gcElapsed := time.Since(gcStart)

	fmt.Printf("count=%d insert=%s (%.0f objects/s) collect=%s\n",
		count, insertElapsed, float64(count)/insertElapsed.Seconds(), gcElapsed)

	return nil
}

// seed creates count objects in parallel, each bound under a unique name.
// Every goroutine shares one *objectgraph.Graph: its cache and store are
// both internally mutex-guarded, so this exercises the same contention a
// real multi-writer workload would see.
func seed(g *objectgraph.Graph, count int) error {
	numWorkers := runtime.NumCPU()

	work := make(chan int, numWorkers*2)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstErr error
	)

	for range numWorkers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range work {
				h, err := g.CreateObject("bench_item", objectgraph.FieldDict{
					"n": oidcache.Primitive(wire.Int(int64(i))),
				})
				if err == nil {
					err = g.StoreNamed(h, fmt.Sprintf("item-%08d", i))
				}

				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}

	for i := range count {
		work <- i
	}

	close(work)

	wg.Wait()

	return firstErr
}
