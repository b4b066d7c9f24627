package staging

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	godiff "github.com/sourcegraph/go-diff/diff"
)

const diffContext = 2

// unifiedDiff renders a unified diff between base and next and parses it into
// hunks. isNew selects /dev/null as the old side.
func unifiedDiff(name, base, next string, isNew bool) (string, []Hunk, error) {
	from := "a/" + name
	if isNew {
		from = "/dev/null"
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(base),
		B:        splitLines(next),
		FromFile: from,
		ToFile:   "b/" + name,
		Context:  diffContext,
	})
	if err != nil {
		return "", nil, fmt.Errorf("compute diff: %w", err)
	}
	if text == "" {
		return "", nil, nil
	}

	fd, err := godiff.ParseFileDiff([]byte(text))
	if err != nil {
		return "", nil, fmt.Errorf("parse diff: %w", err)
	}

	hunks := make([]Hunk, 0, len(fd.Hunks))
	for _, h := range fd.Hunks {
		body := strings.TrimSuffix(string(h.Body), "\n")
		var lines []string
		if body != "" {
			lines = strings.Split(body, "\n")
		}
		hunks = append(hunks, Hunk{
			OldStart: int(h.OrigStartLine),
			OldLines: int(h.OrigLines),
			NewStart: int(h.NewStartLine),
			NewLines: int(h.NewLines),
			Lines:    lines,
		})
	}
	return text, hunks, nil
}

// splitLines splits s keeping line terminators. Empty input yields no lines.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] += "\n"
	}
	return lines
}
