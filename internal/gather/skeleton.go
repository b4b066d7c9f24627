package gather

import (
	"fmt"
	"strings"

	"github.com/joss/fraude/internal/graph"
	"github.com/joss/fraude/internal/retrieval"
)

// Skeleton renders a file's chunks. Chunks whose ID is in hits are shown in
// full with absolute line numbers; other chunks collapse to their first line;
// uncovered lines become [EMPTY LINES] markers. Chunks nested inside an
// already rendered chunk are skipped.
func Skeleton(chunks []retrieval.Chunk, hits map[string]bool) string {
	if len(chunks) == 0 {
		return ""
	}
	sorted := append([]retrieval.Chunk(nil), chunks...)
	retrieval.SortChunks(sorted)

	var b strings.Builder
	lastEnd := 0
	for _, c := range sorted {
		start := c.StartLine
		end := c.EndLine
		if end < start {
			end = start
		}
		if start <= lastEnd {
			continue
		}

		if start > lastEnd+1 {
			gapStart, gapEnd := lastEnd+1, start-1
			if gapEnd > gapStart {
				fmt.Fprintf(&b, "%d - %d: [EMPTY LINES]\n", gapStart, gapEnd)
			} else {
				fmt.Fprintf(&b, "%d: [EMPTY LINES]\n", gapStart)
			}
		}

		if hits[c.ID] {
			b.WriteString(numbered(c.RawDocument, start))
		} else {
			first, _, _ := strings.Cut(c.RawDocument, "\n")
			fmt.Fprintf(&b, "%d - %d: %s ...", start, end, first)
		}
		b.WriteByte('\n')
		lastEnd = end
	}
	return b.String()
}

func numbered(content string, start int) string {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = fmt.Sprintf("%d: %s", start+i, l)
	}
	return strings.Join(lines, "\n")
}

// FileContext renders one file section of the prompt context.
func FileContext(path, skeleton string) string {
	return "FILE: " + path + "\nCODE:\n" + skeleton
}

// DependencyBlock renders a structural node with the callers a change to it
// would affect.
func DependencyBlock(n graph.StructuralNode) string {
	impacts := make([]string, 0, len(n.ImpactedCallers))
	for _, c := range n.ImpactedCallers {
		if c.Name == "" {
			continue
		}
		impacts = append(impacts, c.FilePath+" -> "+c.Name)
	}
	impact := "NONE"
	if len(impacts) > 0 {
		impact = "[" + strings.Join(impacts, ", ") + "]"
	}
	return "[DEPENDENCY]\n" +
		"NAME: " + n.Name + "\n" +
		"FILE: " + n.FilePath + "\n" +
		"SIGNATURE: " + n.Signature + "\n" +
		"IMPACTS: " + impact
}
