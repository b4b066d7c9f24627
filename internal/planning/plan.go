package planning

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	fileLine   = regexp.MustCompile(`(?i)^\s*(?:#+\s*)?(?:\d+[.)]\s*)?FILE:\s*(.+?)\s*$`)
	taskPrefix = regexp.MustCompile(`(?i)^\s*(?:\[[ xX]\]\s*)?(?:TASK:\s*)?`)
	taskLine   = regexp.MustCompile(`(?i)^\s*TASK:\s*(.+?)\s*$`)

	markdown = goldmark.New(goldmark.WithExtensions(extension.TaskList))
)

// ParsePlan extracts steps from plan text. Each "FILE: <path>" line opens a
// file section; list items and "TASK:" lines that follow become steps for
// that file. Items appearing before any file line are dropped.
func ParsePlan(plan string) *Plan {
	src := []byte(plan)
	doc := markdown.Parser().Parse(text.NewReader(src))

	p := &Plan{Raw: plan}
	current := ""
	add := func(task string, done bool) {
		task = strings.TrimSpace(task)
		if current == "" || task == "" {
			return
		}
		p.Steps = append(p.Steps, PlanStep{
			Order:  len(p.Steps) + 1,
			File:   current,
			Task:   task,
			Done:   done,
			Status: StepPending,
		})
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch n.Kind() {
		case ast.KindParagraph, ast.KindHeading:
			for _, line := range rawLines(n, src) {
				if f, ok := matchFile(line); ok {
					current = f
				} else if m := taskLine.FindStringSubmatch(clean(line)); m != nil {
					add(m[1], false)
				}
			}
		case ast.KindList:
			for item := n.FirstChild(); item != nil; item = item.NextSibling() {
				lines := itemLines(item, src)
				if len(lines) == 0 {
					continue
				}
				if f, ok := matchFile(lines[0]); ok {
					current = f
					continue
				}
				task := taskPrefix.ReplaceAllString(clean(strings.Join(lines, " ")), "")
				add(task, checked(item))
			}
		}
	}
	return p
}

func matchFile(line string) (string, bool) {
	m := fileLine.FindStringSubmatch(clean(line))
	if m == nil {
		return "", false
	}
	path := strings.Trim(m[1], "`*\"' ")
	return path, path != ""
}

func clean(s string) string {
	return strings.NewReplacer("**", "", "__", "").Replace(s)
}

func rawLines(n ast.Node, src []byte) []string {
	segs := n.Lines()
	out := make([]string, 0, segs.Len())
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		out = append(out, strings.TrimRight(string(seg.Value(src)), "\r\n"))
	}
	return out
}

// itemLines returns the text lines of a list item's first block.
func itemLines(item ast.Node, src []byte) []string {
	first := item.FirstChild()
	if first == nil {
		return nil
	}
	return rawLines(first, src)
}

func checked(item ast.Node) bool {
	var done bool
	_ = ast.Walk(item, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if cb, ok := n.(*extast.TaskCheckBox); ok {
			done = cb.IsChecked
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return done
}
