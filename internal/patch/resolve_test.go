package patch

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDirect(t *testing.T) {
	root := t.TempDir()
	want := writeFile(t, root, "src/main.go", "package main")

	r := NewResolver(root)
	for _, p := range []string{"src/main.go", "./src/main.go", want} {
		got, err := r.Resolve(p)
		require.NoError(t, err, p)
		assert.Equal(t, want, got)
	}
}

func TestResolveBasenameSearch(t *testing.T) {
	root := t.TempDir()
	want := writeFile(t, root, "internal/deep/nested/handler.go", "package nested")

	got, err := NewResolver(root).Resolve("app/handler.go")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveSkipsIgnoredDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".git/config.js", "x")
	writeFile(t, root, "web/node_modules/lib/config.js", "x")

	_, err := NewResolver(root).Resolve("config.js")
	assert.True(t, errors.Is(err, ErrFileNotFound))

	want := writeFile(t, root, "web/src/config.js", "x")
	got, err := NewResolver(root).Resolve("config.js")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveCustomIgnore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "vendor/dep/util.go", "x")

	r := NewResolver(root)
	r.Ignore = append(r.Ignore, "vendor")
	_, err := r.Resolve("util.go")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestResolveRespectsDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, filepath.Join("a", "b", "c", "d", "leaf.txt"), "x")

	r := NewResolver(root)
	r.MaxDepth = 2
	_, err := r.Resolve("leaf.txt")
	assert.ErrorIs(t, err, ErrFileNotFound)
}
