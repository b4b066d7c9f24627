package retrieval

import (
	"fmt"
	"regexp"
	"strings"
)

var definitionRe = regexp.MustCompile(`^(?:async\s+)?(?:def|class|func|function|fn|type)\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)`)

// ChunkFile splits file content into chunks at top-level definitions. Text
// between definitions becomes its own chunk. Blank-only regions are not
// indexed, so they surface as gaps when a skeleton is rendered.
func ChunkFile(filePath, content string) []Chunk {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var chunks []Chunk
	start := -1
	symbol := ""
	flush := func(end int) {
		if start < 0 {
			return
		}
		for end > start && strings.TrimSpace(lines[end-1]) == "" {
			end--
		}
		if end > start {
			chunks = append(chunks, Chunk{
				ID:          fmt.Sprintf("%s:%d", filePath, start+1),
				FilePath:    filePath,
				Symbol:      symbol,
				StartLine:   start + 1,
				EndLine:     end,
				RawDocument: strings.Join(lines[start:end], "\n"),
			})
		}
		start, symbol = -1, ""
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		topLevel := line[0] != ' ' && line[0] != '\t'
		if topLevel {
			if m := definitionRe.FindStringSubmatch(line); m != nil {
				flush(i)
				start, symbol = i, m[1]
				continue
			}
			if symbol != "" && !strings.HasPrefix(strings.TrimSpace(line), "}") && !strings.HasPrefix(line, "@") {
				flush(i)
			}
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(lines))
	return chunks
}
