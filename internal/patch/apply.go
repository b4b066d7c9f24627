package patch

import (
	"sort"
	"strings"
)

// fuzzWindow is how far from the expected line a REMOVE block is searched
// before falling back to a whole-file scan.
const fuzzWindow = 5

// Outcome reports how one file's sections were applied.
type Outcome struct {
	Content string
	Applied int
	Skipped []Section
}

// Changed reports whether at least one section was applied.
func (o Outcome) Changed() bool { return o.Applied > 0 }

// Apply applies sections to content. Sections are processed in ascending
// line order while tracking the line drift caused by earlier edits. REMOVE
// content is located near its expected position first, then anywhere in the
// file; sections whose REMOVE block cannot be found are skipped.
func Apply(content string, sections []Section) Outcome {
	lines := splitLines(content)

	ordered := make([]Section, len(sections))
	copy(ordered, sections)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Line < ordered[j].Line })

	out := Outcome{}
	offset := 0
	for _, s := range ordered {
		stated := s.Line - 1
		expected := clamp(stated+offset, 0, len(lines))
		at := expected

		if s.HasRemove() {
			found := searchNear(lines, s.Remove, expected)
			if found >= 0 {
				offset += found - expected
			} else {
				found = searchAll(lines, s.Remove)
				if found < 0 {
					out.Skipped = append(out.Skipped, s)
					continue
				}
				offset = found - stated
			}
			lines = splice(lines, found, len(s.Remove), nil)
			offset -= len(s.Remove)
			at = found
		}

		if s.HasAdd() {
			lines = splice(lines, at, 0, s.Add)
			offset += len(s.Add)
		}
		out.Applied++
	}

	out.Content = strings.Join(lines, "\n")
	return out
}

// searchNear looks for block at expected, then expected+1, expected-1, and so
// on out to fuzzWindow. It returns -1 when nothing matches.
func searchNear(lines, block []string, expected int) int {
	if matchAt(lines, block, expected) {
		return expected
	}
	for d := 1; d <= fuzzWindow; d++ {
		if matchAt(lines, block, expected+d) {
			return expected + d
		}
		if matchAt(lines, block, expected-d) {
			return expected - d
		}
	}
	return -1
}

// searchAll returns the first index where block matches, or -1. A block
// repeated in the file always resolves to its first occurrence.
func searchAll(lines, block []string) int {
	for i := 0; i+len(block) <= len(lines); i++ {
		if matchAt(lines, block, i) {
			return i
		}
	}
	return -1
}

func matchAt(lines, block []string, at int) bool {
	if at < 0 || at+len(block) > len(lines) {
		return false
	}
	for i, want := range block {
		if strings.TrimSpace(lines[at+i]) != strings.TrimSpace(want) {
			return false
		}
	}
	return true
}

func splice(lines []string, at, remove int, insert []string) []string {
	out := make([]string, 0, len(lines)-remove+len(insert))
	out = append(out, lines[:at]...)
	out = append(out, insert...)
	out = append(out, lines[at+remove:]...)
	return out
}

func splitLines(content string) []string {
	return strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
