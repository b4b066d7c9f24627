package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joss/fraude/internal/logging"
	"github.com/joss/fraude/internal/metrics"
)

var (
	// ErrNotFound is returned for an unknown change ID.
	ErrNotFound = errors.New("pending change not found")

	// ErrSuperseded is returned when applying a change that a newer change to
	// the same path has replaced.
	ErrSuperseded = errors.New("pending change superseded by a newer change")
)

// Store is the process-wide ledger of pending changes. Entries are kept in
// staging order; the newest entry for a path is its live entry.
type Store struct {
	root string

	mu      sync.RWMutex
	entries []*PendingChange
	seq     uint64

	// disk content captured by ApplyAllTemporary, restored by RestoreAll
	snapshot map[string]*string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	log *logging.Logger
}

// NewStore creates a ledger. Relative paths are resolved against root.
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[string]*sync.Mutex),
		log:   logging.New("staging"),
	}
}

// StageOption adjusts a single Stage call.
type StageOption func(*stageOptions)

type stageOptions struct {
	hidden *bool
}

// WithHidden overrides the hidden flag instead of inheriting it.
func WithHidden(hidden bool) StageOption {
	return func(o *stageOptions) { o.hidden = &hidden }
}

// Stage records newContent as the proposed state of path. The first staging
// of a path anchors OriginalContent to the disk; later stagings reuse that
// anchor and diff against the previous live content.
func (s *Store) Stage(path, newContent string, kind Kind, opts ...StageOption) (*PendingChange, error) {
	var o stageOptions
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := s.abs(path)
	if err != nil {
		return nil, err
	}

	unlock := s.lockPath(abs)
	defer unlock()

	change := &PendingChange{
		ID:         uuid.NewString(),
		Path:       abs,
		Kind:       kind,
		NewContent: newContent,
		CreatedAt:  time.Now(),
	}

	if prev := s.live(abs); prev != nil {
		change.OriginalContent = prev.OriginalContent
		change.Base = prev.NewContent
		change.Hidden = prev.Hidden
	} else {
		data, err := os.ReadFile(abs)
		switch {
		case err == nil:
			orig := string(data)
			change.OriginalContent = &orig
			change.Base = orig
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", abs, err)
		}
	}
	if o.hidden != nil {
		change.Hidden = *o.hidden
	}

	patch, hunks, err := unifiedDiff(s.display(abs), change.Base, newContent, change.IsNewFile())
	if err != nil {
		return nil, err
	}
	change.Patch = patch
	change.Diff = hunks

	s.mu.Lock()
	s.seq++
	change.seq = s.seq
	s.entries = append(s.entries, change)
	s.mu.Unlock()

	metrics.Global().StagedChanges.WithLabelValues(string(kind)).Inc()
	s.log.Debug("change_staged", map[string]any{
		"id":     change.ID,
		"path":   abs,
		"hunks":  len(hunks),
		"hidden": change.Hidden,
	})
	return change.clone(), nil
}

// Get returns a change by ID, live or superseded.
func (s *Store) Get(id string) (*PendingChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.entries {
		if c.ID == id {
			return c.clone(), nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
}

// List returns the live entry of every staged path in staging order.
func (s *Store) List(includeHidden bool) []*PendingChange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PendingChange
	for _, c := range s.liveEntriesLocked() {
		if c.Hidden && !includeHidden {
			continue
		}
		out = append(out, c.clone())
	}
	return out
}

// Grouped returns every ledger entry, superseded ones included, keyed by path
// in staging order.
func (s *Store) Grouped(includeHidden bool) map[string][]*PendingChange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]*PendingChange)
	for _, c := range s.entries {
		if c.Hidden && !includeHidden {
			continue
		}
		out[c.Path] = append(out[c.Path], c.clone())
	}
	return out
}

// LatestContent returns the newest staged content for path, else its disk
// content, else "".
func (s *Store) LatestContent(path string) string {
	abs, err := s.abs(path)
	if err != nil {
		return ""
	}
	s.mu.RLock()
	c := s.liveLocked(abs)
	s.mu.RUnlock()
	if c != nil {
		return c.NewContent
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return ""
	}
	return string(data)
}

// SetFeedback attaches a reviewer note to a change.
func (s *Store) SetFeedback(id, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.entries {
		if c.ID == id {
			c.Feedback = feedback
			return nil
		}
	}
	return fmt.Errorf("%s: %w", id, ErrNotFound)
}

// Apply writes a live change to disk and drops it, together with the older
// entries it superseded, from the ledger. On write failure the ledger is
// left untouched so the caller can retry.
func (s *Store) Apply(id string) error {
	c, err := s.Get(id)
	if err != nil {
		return err
	}

	unlock := s.lockPath(c.Path)
	defer unlock()

	s.mu.RLock()
	live := s.liveLocked(c.Path)
	s.mu.RUnlock()
	if live == nil || live.ID != id {
		return fmt.Errorf("%s: %w", id, ErrSuperseded)
	}

	if err := writeAtomic(c.Path, c.NewContent); err != nil {
		metrics.Global().ApplyErrors.Inc()
		s.log.Error("apply_failed", map[string]any{"id": id, "path": c.Path}, err)
		return fmt.Errorf("apply %s: %w", c.Path, err)
	}

	s.mu.Lock()
	s.removeLocked(func(e *PendingChange) bool { return e.Path == c.Path && e.seq <= live.seq })
	delete(s.snapshot, c.Path)
	s.mu.Unlock()

	s.log.Info("change_applied", map[string]any{"id": id, "path": c.Path})
	return nil
}

// ApplyResult reports the outcome of applying one change.
type ApplyResult struct {
	ID   string
	Path string
	Err  error
}

// ApplyAll applies every live change, hidden ones included.
func (s *Store) ApplyAll() []ApplyResult {
	var results []ApplyResult
	for _, c := range s.List(true) {
		results = append(results, ApplyResult{ID: c.ID, Path: c.Path, Err: s.Apply(c.ID)})
	}
	return results
}

// ApplyAllTemporary writes the live content of every staged path to disk
// without touching the ledger. The prior disk state is captured so that
// RestoreAll can undo it.
func (s *Store) ApplyAllTemporary() error {
	s.mu.Lock()
	live := s.liveEntriesLocked()
	if s.snapshot == nil {
		s.snapshot = make(map[string]*string)
	}
	for _, c := range live {
		if _, ok := s.snapshot[c.Path]; ok {
			continue
		}
		data, err := os.ReadFile(c.Path)
		if err != nil {
			s.snapshot[c.Path] = nil
			continue
		}
		prior := string(data)
		s.snapshot[c.Path] = &prior
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range live {
		if err := s.materialize(c); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", c.Path, err))
		}
	}
	return errors.Join(errs...)
}

// materialize writes c under its path lock unless Apply consumed the path
// after the snapshot was taken.
func (s *Store) materialize(c *PendingChange) error {
	unlock := s.lockPath(c.Path)
	defer unlock()

	s.mu.RLock()
	_, captured := s.snapshot[c.Path]
	s.mu.RUnlock()
	if !captured {
		return nil
	}
	return writeAtomic(c.Path, c.NewContent)
}

// RestoreAll reverts the disk. Paths materialized by ApplyAllTemporary get
// their captured content back, whether or not their entry is still in the
// ledger; other live entries get OriginalContent, and files that did not
// exist are removed. A path applied since materialization keeps its applied
// content. The ledger is not modified.
func (s *Store) RestoreAll() error {
	s.mu.RLock()
	paths := make([]string, 0, len(s.snapshot)+len(s.entries))
	for p := range s.snapshot {
		paths = append(paths, p)
	}
	for _, c := range s.liveEntriesLocked() {
		if _, ok := s.snapshot[c.Path]; !ok {
			paths = append(paths, c.Path)
		}
	}
	s.mu.RUnlock()
	sort.Strings(paths)

	restored := 0
	var errs []error
	for _, p := range paths {
		ok, err := s.restorePath(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", p, err))
			continue
		}
		if ok {
			restored++
		}
	}

	s.mu.Lock()
	if len(s.snapshot) == 0 {
		s.snapshot = nil
	}
	s.mu.Unlock()

	s.log.Debug("restored", map[string]any{"paths": restored})
	return errors.Join(errs...)
}

// restorePath reverts one path under its path lock. It reports false when
// there was nothing left to restore because Apply consumed the path.
func (s *Store) restorePath(path string) (bool, error) {
	unlock := s.lockPath(path)
	defer unlock()

	s.mu.Lock()
	target, ok := s.snapshot[path]
	if ok {
		delete(s.snapshot, path)
	} else if c := s.liveLocked(path); c != nil {
		target = c.OriginalContent
	} else {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	return true, restore(path, target)
}

// Reject drops a change without touching the disk.
func (s *Store) Reject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeLocked(func(c *PendingChange) bool { return c.ID == id }) == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// RejectAll empties the ledger without touching the disk.
func (s *Store) RejectAll() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

func (s *Store) live(abs string) *PendingChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveLocked(abs)
}

func (s *Store) liveLocked(abs string) *PendingChange {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Path == abs {
			return s.entries[i]
		}
	}
	return nil
}

// liveEntriesLocked returns the newest entry per path, ordered by the
// staging time of that newest entry.
func (s *Store) liveEntriesLocked() []*PendingChange {
	seen := make(map[string]bool)
	var rev []*PendingChange
	for i := len(s.entries) - 1; i >= 0; i-- {
		c := s.entries[i]
		if seen[c.Path] {
			continue
		}
		seen[c.Path] = true
		rev = append(rev, c)
	}
	out := make([]*PendingChange, len(rev))
	for i, c := range rev {
		out[len(rev)-1-i] = c
	}
	return out
}

func (s *Store) removeLocked(match func(*PendingChange) bool) int {
	kept := s.entries[:0]
	removed := 0
	for _, c := range s.entries {
		if match(c) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.entries = kept
	return removed
}

func (s *Store) lockPath(abs string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[abs]
	if !ok {
		m = &sync.Mutex{}
		s.locks[abs] = m
	}
	s.locksMu.Unlock()

	m.Lock()
	return m.Unlock
}

func (s *Store) abs(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return abs, nil
}

func (s *Store) display(abs string) string {
	if s.root != "" {
		if rel, err := filepath.Rel(s.root, abs); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(abs)
}
