// Package render formats workflow output for the terminal.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Writer prints indented listings: a section title, items under it and
// nested detail lines under items.
type Writer struct {
	out io.Writer
}

// NewWriter creates a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: w}
}

// Stdout returns a Writer on os.Stdout.
func Stdout() *Writer {
	return NewWriter(os.Stdout)
}

// Section writes a section header.
func (w *Writer) Section(title string) {
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, strings.ToUpper(title)+":")
}

// Item writes an indented item line.
func (w *Writer) Item(format string, args ...any) {
	fmt.Fprintf(w.out, "  "+format+"\n", args...)
}

// Nested writes a nested item with tree connector.
func (w *Writer) Nested(format string, args ...any) {
	fmt.Fprintf(w.out, "    └─ "+format+"\n", args...)
}

// Empty writes the message shown in place of an empty listing.
func (w *Writer) Empty(msg string) {
	fmt.Fprintln(w.out, msg)
}

// StatusIcon returns the icon for an interaction status or workflow state.
func StatusIcon(status string) string {
	switch status {
	case "done", "passed":
		return "✓"
	case "cancelled", "interrupted", "failed":
		return "✗"
	case "awaiting_confirmation", "awaiting_comment", "plan_review":
		return "?"
	default:
		return "•"
	}
}

// Truncate shortens a string to max length.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
