package patch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrFileNotFound is returned when a patch path cannot be located under the
// repository root.
var ErrFileNotFound = errors.New("file not found under repository root")

var errStopWalk = errors.New("stop walk")

// DefaultIgnore lists directories never descended into during basename search.
var DefaultIgnore = []string{"**/.git", "**/node_modules"}

// Resolver maps paths named in patch text to files on disk.
type Resolver struct {
	Root       string
	Ignore     []string
	MaxDepth   int
	MaxEntries int
}

// NewResolver creates a resolver rooted at root with default limits.
func NewResolver(root string) *Resolver {
	return &Resolver{
		Root:       root,
		Ignore:     DefaultIgnore,
		MaxDepth:   16,
		MaxEntries: 100000,
	}
}

// Resolve returns the absolute path for p. It tries p relative to the root
// (or p itself when absolute), then searches the tree for a file with the
// same basename. The walk is lexical, so the first match is deterministic.
func (r *Resolver) Resolve(p string) (string, error) {
	p = strings.TrimPrefix(filepath.FromSlash(p), "."+string(filepath.Separator))
	if filepath.IsAbs(p) && isFile(p) {
		return p, nil
	}
	direct := filepath.Join(r.Root, p)
	if isFile(direct) {
		return direct, nil
	}

	found, err := r.search(filepath.Base(p))
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s: %w", p, ErrFileNotFound)
	}
	return found, nil
}

func (r *Resolver) search(base string) (string, error) {
	var found string
	visited := 0

	err := filepath.WalkDir(r.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		visited++
		if r.MaxEntries > 0 && visited > r.MaxEntries {
			return errStopWalk
		}

		rel, relErr := filepath.Rel(r.Root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			if r.ignored(rel) {
				return filepath.SkipDir
			}
			if r.MaxDepth > 0 && strings.Count(rel, "/")+1 > r.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Name() == base {
			found = path
			return errStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return "", fmt.Errorf("search %s: %w", base, err)
	}
	return found, nil
}

func (r *Resolver) ignored(rel string) bool {
	for _, pattern := range r.Ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
