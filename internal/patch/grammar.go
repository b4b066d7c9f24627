// Package patch turns completion output written in the FILE / AT LINE grammar
// into exact file contents.
//
// Grammar, repeated per file:
//
//	FILE: <path>
//	AT LINE <n>:
//	REMOVE:
//	```<lang>
//	<lines to remove>
//	```
//	ADD:
//	```<lang>
//	<lines to add>
//	```
//
// Either REMOVE or ADD may be omitted. A file block whose body is NO CHANGES
// is dropped.
package patch

import (
	"regexp"
	"strconv"
	"strings"
)

// NoChanges is the sentinel body of a file block that needs no edits.
const NoChanges = "NO CHANGES"

var (
	fileSplitRe = regexp.MustCompile(`(?i)\bFILE:\s*`)
	atLineRe    = regexp.MustCompile(`(?i)\bAT LINE\s+`)
	lineNumRe   = regexp.MustCompile(`^(\d+)`)
	removeRe    = regexp.MustCompile("(?is)REMOVE:\\s*```[\\w+#.-]*\\r?\\n(.*?)```")
	addRe       = regexp.MustCompile("(?is)ADD:\\s*```[\\w+#.-]*\\r?\\n(.*?)```")
	extRe       = regexp.MustCompile(`\.\w+$`)
)

// Section is one AT LINE instruction.
type Section struct {
	// Line is the 1-based line number the instruction was written against.
	Line   int
	Remove []string
	Add    []string
}

// HasRemove reports whether the section removes lines.
func (s Section) HasRemove() bool { return len(s.Remove) > 0 }

// HasAdd reports whether the section inserts lines.
func (s Section) HasAdd() bool { return len(s.Add) > 0 }

// FileBlock holds every section addressed to one path, merged across
// repeated FILE headers.
type FileBlock struct {
	Path     string
	Sections []Section
}

// Parse splits patch text into file blocks. Blocks for the same path are
// merged in order of first appearance; NO CHANGES blocks and headers that
// do not look like a path are dropped.
func Parse(text string) []FileBlock {
	var order []string
	byPath := make(map[string]*FileBlock)

	for _, raw := range fileSplitRe.Split(text, -1) {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
		path := cleanPath(lines[0])
		if !looksLikePath(path) {
			continue
		}
		if isNoChanges(lines) {
			continue
		}

		sections := parseSections(raw)
		fb, ok := byPath[path]
		if !ok {
			fb = &FileBlock{Path: path}
			byPath[path] = fb
			order = append(order, path)
		}
		fb.Sections = append(fb.Sections, sections...)
	}

	blocks := make([]FileBlock, 0, len(order))
	for _, p := range order {
		blocks = append(blocks, *byPath[p])
	}
	return blocks
}

func parseSections(block string) []Section {
	parts := atLineRe.Split(block, -1)
	var sections []Section
	for _, part := range parts[1:] {
		m := lineNumRe.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		s := Section{Line: n}
		if rm := removeRe.FindStringSubmatch(part); rm != nil {
			s.Remove = splitBlock(rm[1])
		}
		if am := addRe.FindStringSubmatch(part); am != nil {
			s.Add = splitBlock(am[1])
		}
		if s.HasRemove() || s.HasAdd() {
			sections = append(sections, s)
		}
	}
	return sections
}

// splitBlock trims trailing whitespace from a fenced body and splits it into
// lines. An all-blank body yields nil.
func splitBlock(body string) []string {
	body = strings.TrimRight(strings.ReplaceAll(body, "\r\n", "\n"), " \t\r\n")
	if body == "" {
		return nil
	}
	return strings.Split(body, "\n")
}

func cleanPath(line string) string {
	p := strings.TrimSpace(line)
	p = strings.Trim(p, "*`")
	return strings.TrimSpace(p)
}

func looksLikePath(p string) bool {
	if p == "" || strings.HasPrefix(p, NoChanges) {
		return false
	}
	return strings.Contains(p, "/") || extRe.MatchString(p)
}

// isNoChanges reports whether the first non-blank line after the path is the
// NO CHANGES sentinel. lines[0] holds the path.
func isNoChanges(lines []string) bool {
	for _, l := range lines[1:] {
		l = strings.Trim(strings.TrimSpace(l), "*`")
		if l == "" {
			continue
		}
		return strings.HasPrefix(strings.ToUpper(l), NoChanges)
	}
	return false
}
