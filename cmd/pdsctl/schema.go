package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ningke/persistds/internal/oid"
	"github.com/ningke/persistds/internal/typereg"
	"github.com/ningke/persistds/internal/wire"
)

// schemaFile is the top-level shape of a --schema YAML file: a list of
// types, each an ordered field list with a default kind/value, seeding the
// TypeRegistry before the REPL starts (spec.md's type descriptors have no
// on-disk schema file of their own, so this format is pdsctl's own
// convention for supplying them from the command line).
type schemaFile struct {
	Types []schemaType `yaml:"types"`
}

type schemaType struct {
	Name   string        `yaml:"name"`
	Fields []schemaField `yaml:"fields"`
}

type schemaField struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // int | bool | bytes | oid | null
	Default any    `yaml:"default,omitempty"`
}

// loadSchema reads path and registers every declared type into reg.
func loadSchema(reg *typereg.Registry, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is user-controlled by design
	if err != nil {
		return fmt.Errorf("reading schema %s: %w", path, err)
	}

	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing schema %s: %w", path, err)
	}

	for _, t := range file.Types {
		desc, err := compileType(t)
		if err != nil {
			return fmt.Errorf("schema %s: type %q: %w", path, t.Name, err)
		}

		if _, err := reg.Register(desc); err != nil {
			return fmt.Errorf("registering type %q: %w", t.Name, err)
		}
	}

	return nil
}

func compileType(t schemaType) (typereg.TypeDescriptor, error) {
	fields := make([]typereg.FieldSpec, len(t.Fields))

	for i, f := range t.Fields {
		def, err := compileDefault(f)
		if err != nil {
			return typereg.TypeDescriptor{}, fmt.Errorf("field %q: %w", f.Name, err)
		}

		fields[i] = typereg.FieldSpec{Name: f.Name, Default: def}
	}

	return typereg.TypeDescriptor{Name: t.Name, Fields: fields}, nil
}

func compileDefault(f schemaField) (wire.Value, error) {
	switch f.Kind {
	case "int":
		n, _ := f.Default.(int)
		return wire.Int(int64(n)), nil
	case "bool":
		b, _ := f.Default.(bool)
		return wire.Bool(b), nil
	case "bytes":
		s, _ := f.Default.(string)
		return wire.Bytes([]byte(s)), nil
	case "oid":
		return wire.Oid(oid.Null), nil
	case "null", "":
		return wire.Null(), nil
	default:
		return wire.Value{}, fmt.Errorf("unknown field kind %q", f.Kind)
	}
}
