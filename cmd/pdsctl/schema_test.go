package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ningke/persistds/internal/typereg"
)

func TestLoadSchema_RegistersDeclaredTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`
types:
  - name: point
    fields:
      - name: x
        kind: int
        default: 0
      - name: y
        kind: int
        default: 0
  - name: node
    fields:
      - name: value
        kind: int
      - name: next
        kind: oid
`), 0o644))

	reg := typereg.New()
	require.NoError(t, loadSchema(reg, path))

	point, err := reg.Lookup("point")
	require.NoError(t, err)
	require.Len(t, point.Fields, 2)

	node, err := reg.Lookup("node")
	require.NoError(t, err)
	require.Equal(t, "next", node.Fields[1].Name)
	require.True(t, node.Fields[1].Default.Oid().IsNull())
}

func TestLoadSchema_RejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`
types:
  - name: bad
    fields:
      - name: f
        kind: not-a-kind
`), 0o644))

	reg := typereg.New()
	require.Error(t, loadSchema(reg, path))
}
