package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/joss/fraude/internal/archive"
	"github.com/joss/fraude/internal/planning"
	"github.com/joss/fraude/internal/runner"
	"github.com/joss/fraude/internal/staging"
	"github.com/joss/fraude/internal/workflow"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// Renderer formats workflow values. Without pretty it emits plain text
// suitable for pipes and logs.
type Renderer struct {
	pretty bool
}

// New creates a renderer.
func New(pretty bool) *Renderer {
	return &Renderer{pretty: pretty}
}

func (r *Renderer) title(s string) string {
	if !r.pretty {
		return s
	}
	return titleStyle.Render(s)
}

func (r *Renderer) paint(fn func(string, ...any) string, s string) string {
	if !r.pretty {
		return s
	}
	return fn("%s", s)
}

// Changes renders pending changes as unified diffs, one block per file.
func (r *Renderer) Changes(changes []*staging.PendingChange) string {
	if len(changes) == 0 {
		return "No pending changes\n"
	}

	var sb strings.Builder
	for _, c := range changes {
		st := staging.DiffStats(c)
		label := c.Path
		if c.IsNewFile() {
			label += " (new file)"
		}
		fmt.Fprintf(&sb, "%s  %s %s\n",
			r.title(label),
			r.paint(color.GreenString, fmt.Sprintf("+%d", st.Added)),
			r.paint(color.RedString, fmt.Sprintf("-%d", st.Removed)),
		)
		for _, h := range c.Diff {
			sb.WriteString(r.paint(color.CyanString,
				fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)))
			sb.WriteByte('\n')
			for _, l := range h.Lines {
				switch {
				case strings.HasPrefix(l, "+"):
					l = r.paint(color.GreenString, l)
				case strings.HasPrefix(l, "-"):
					l = r.paint(color.RedString, l)
				}
				sb.WriteString(l)
				sb.WriteByte('\n')
			}
		}
		if c.Feedback != "" {
			fmt.Fprintf(&sb, "  feedback: %s\n", c.Feedback)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Plan renders plan steps as a checklist grouped by file.
func (r *Renderer) Plan(steps []planning.PlanStep) string {
	if len(steps) == 0 {
		return "Plan has no steps\n"
	}
	var sb strings.Builder
	file := ""
	for _, s := range steps {
		if s.File != file {
			file = s.File
			sb.WriteString(r.title("FILE: "+file) + "\n")
		}
		box := "[ ]"
		if s.Done || s.Status == planning.StepCompleted {
			box = "[x]"
		}
		fmt.Fprintf(&sb, "  %s %d. %s\n", box, s.Order, s.Task)
	}
	return sb.String()
}

// Update renders one streamed update as a single line. Progress updates
// render empty: the caller prints the text itself.
func (r *Renderer) Update(u workflow.Update) string {
	switch u.Kind {
	case workflow.UpdateTransition:
		return fmt.Sprintf("%s %s → %s", r.paint(color.HiBlackString, u.At.Format("15:04:05")), u.From, u.To)
	case workflow.UpdateWarning:
		return r.paint(color.YellowString, "! "+u.Text)
	case workflow.UpdateChanges:
		return "• " + u.Text
	}
	return ""
}

// Summary renders the outcome of an interaction in a box.
func (r *Renderer) Summary(st *workflow.WorkflowState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s  (%s)\n", StatusIcon(string(st.State)), st.State, st.ID)
	fmt.Fprintf(&sb, "query:   %s\n", Truncate(st.Query, 70))
	fmt.Fprintf(&sb, "mode:    %s\n", st.Mode)
	fmt.Fprintf(&sb, "changed: %d file(s)\n", len(st.ChangedFiles))
	for _, f := range st.ChangedFiles {
		fmt.Fprintf(&sb, "  └─ %s\n", f)
	}
	fmt.Fprintf(&sb, "tokens:  %d in / %d out", st.Usage.PromptTokens, st.Usage.CompletionTokens)
	if st.Error != "" {
		fmt.Fprintf(&sb, "\nerror:   %s", st.Error)
	}
	for _, w := range st.Warnings {
		fmt.Fprintf(&sb, "\nwarning: %s", w)
	}

	out := sb.String()
	if r.pretty {
		return boxStyle.Render(out) + "\n"
	}
	return out + "\n"
}

// TestResult renders a test command run.
func (r *Renderer) TestResult(res runner.Result) string {
	var sb strings.Builder
	icon := r.paint(color.GreenString, "✓")
	if !res.Passed() {
		icon = r.paint(color.RedString, "✗")
	}
	fmt.Fprintf(&sb, "%s %s (exit %d, %.1fs)\n", icon, res.Command, res.ExitCode, res.Duration.Seconds())
	if res.Warning != "" {
		sb.WriteString(r.paint(color.YellowString, "! "+res.Warning) + "\n")
	}
	if out := strings.TrimRight(res.Output, "\n"); out != "" {
		sb.WriteString(out + "\n")
	}
	return sb.String()
}

// History renders archived interaction summaries.
func (r *Renderer) History(list []archive.Summary) string {
	if len(list) == 0 {
		return "No archived interactions\n"
	}
	var sb strings.Builder
	for _, s := range list {
		fmt.Fprintf(&sb, "%s %s %s %-9s %d file(s)  %s\n",
			StatusIcon(string(s.State)),
			r.paint(color.HiBlackString, s.UpdatedAt.Format("2006-01-02 15:04")),
			s.ID, s.State, s.ChangedFiles, Truncate(s.Query, 50))
	}
	return sb.String()
}
