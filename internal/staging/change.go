// Package staging holds proposed file mutations in memory until they are
// confirmed, and can temporarily materialize them on disk for test runs.
package staging

import (
	"strings"
	"time"
)

// Kind distinguishes edits of existing files from whole-file writes.
type Kind string

const (
	KindEdit  Kind = "edit"
	KindWrite Kind = "write"
)

// Hunk is one unified-diff change block. Lines keep their ' ', '+' or '-'
// prefix.
type Hunk struct {
	OldStart int      `json:"old_start"`
	OldLines int      `json:"old_lines"`
	NewStart int      `json:"new_start"`
	NewLines int      `json:"new_lines"`
	Lines    []string `json:"lines"`
}

// PendingChange is a proposed mutation to one file.
type PendingChange struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Kind Kind   `json:"kind"`

	// OriginalContent is the disk content before the path was first staged;
	// nil means the file did not exist.
	OriginalContent *string `json:"original_content"`

	// Base is the content this change was computed against: the previous
	// live change for the path, or OriginalContent.
	Base string `json:"-"`

	NewContent string    `json:"new_content"`
	Diff       []Hunk    `json:"diff"`
	Patch      string    `json:"patch"`
	Feedback   string    `json:"feedback,omitempty"`
	Hidden     bool      `json:"hidden"`
	CreatedAt  time.Time `json:"created_at"`

	seq uint64
}

// IsNewFile reports whether the path did not exist before staging.
func (c *PendingChange) IsNewFile() bool { return c.OriginalContent == nil }

func (c *PendingChange) clone() *PendingChange {
	cp := *c
	cp.Diff = append([]Hunk(nil), c.Diff...)
	return &cp
}

// Stats counts changed lines.
type Stats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// DiffStats counts added and removed lines in a change's diff.
func DiffStats(c *PendingChange) Stats {
	var s Stats
	for _, h := range c.Diff {
		for _, l := range h.Lines {
			switch {
			case strings.HasPrefix(l, "+"):
				s.Added++
			case strings.HasPrefix(l, "-"):
				s.Removed++
			}
		}
	}
	return s
}
