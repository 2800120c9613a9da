// Command pdsctl is an interactive CLI test driver for the object graph:
// spec.md §6's informative CLI surface (help, quit, read, load, find,
// delete, insert, dfwalk, bfwalk, gc, save, ls, rm), plus new/open
// subcommands to create or attach to a store directory.
//
// Usage:
//
//	pdsctl open [--store dir] [--cache-capacity n] [--schema file.yaml]
//	pdsctl new  [--store dir] [--cache-capacity n] [--schema file.yaml]
//
// Grounded on cmd/sloty/main.go's run()/runNew()/runOpen() split and its
// REPL struct, and on the root config.go's JWCC-config-plus-flag-override
// precedence.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/ningke/persistds/internal/typereg"
	"github.com/ningke/persistds/pkg/fs"
	"github.com/ningke/persistds/pkg/objectgraph"
)

var errMissingStore = errors.New("missing --store directory")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]

	sub := "open"
	if len(args) > 0 && (args[0] == "new" || args[0] == "open") {
		sub = args[0]
		args = args[1:]
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	flagSet := flag.NewFlagSet(sub, flag.ContinueOnError)

	store := flagSet.String("store", "", "object graph store directory")
	cacheCapacity := flagSet.Int("cache-capacity", 0, "draft cache capacity")
	schemaPath := flagSet.String("schema", "", "YAML type-schema file to load before starting")
	configPath := flagSet.String("config", "", "explicit config file path")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	changed := map[string]bool{
		"store":          flagSet.Changed("store"),
		"cache-capacity": flagSet.Changed("cache-capacity"),
		"schema":         flagSet.Changed("schema"),
	}

	cfg, _, err := LoadConfig(workDir, *configPath, Config{
		StoreDir:      *store,
		CacheCapacity: *cacheCapacity,
		SchemaPath:    *schemaPath,
	}, changed, os.Environ())
	if err != nil {
		return err
	}

	if cfg.StoreDir == "" {
		return errMissingStore
	}

	storeDir := cfg.StoreDir
	if !filepath.IsAbs(storeDir) {
		storeDir = filepath.Join(workDir, storeDir)
	}

	fsys := fs.NewReal()

	if sub == "new" {
		if exists, _ := fsys.Exists(filepath.Join(storeDir, "root-oid")); exists {
			return fmt.Errorf("store already exists at %s (use 'pdsctl open' to attach to it)", storeDir)
		}
	}

	reg := typereg.Default()

	if cfg.SchemaPath != "" {
		if err := loadSchema(reg, cfg.SchemaPath); err != nil {
			return err
		}
	}

	g, err := objectgraph.Open(fsys, storeDir, objectgraph.Options{
		TypeRegistry:  reg,
		CacheCapacity: cfg.CacheCapacity,
	})
	if err != nil {
		return fmt.Errorf("opening %s: %w", storeDir, err)
	}
	defer g.Close()

	repl := &REPL{graph: g}

	return repl.Run()
}
