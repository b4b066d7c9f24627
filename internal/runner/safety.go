package runner

import (
	"regexp"
	"strings"
)

// RiskLevel indicates how dangerous a command is to run against a working
// tree that holds temporarily applied changes.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskWarning
	RiskBlocked
)

// Verdict is the guard's decision for one command.
type Verdict struct {
	Level  RiskLevel
	Reason string
}

type rule struct {
	re     *regexp.Regexp
	level  RiskLevel
	reason string
}

// Guard screens commands before they run with staged changes on disk.
type Guard struct {
	rules []rule
}

// NewGuard returns a guard with the default rules.
func NewGuard() *Guard {
	return &Guard{rules: []rule{
		{regexp.MustCompile(`rm\s+(-[rf]+\s+)*(/|/\*|~|\.\.?)(\s|$)`), RiskBlocked,
			"destructive removal of the repository or a system path"},
		{regexp.MustCompile(`rm\s+-rf\s+\.git(\s|$)`), RiskBlocked,
			"removing .git destroys repository history"},
		{regexp.MustCompile(`git\s+(checkout|restore)\s+(--\s+)?\.(\s|$)`), RiskBlocked,
			"discarding the working tree would lose staged changes"},
		{regexp.MustCompile(`git\s+(reset\s+--hard|clean\s+-[a-z]*f|stash)`), RiskBlocked,
			"rewriting the working tree interferes with restoring staged changes"},
		{regexp.MustCompile(`git\s+(commit|push)`), RiskBlocked,
			"temporarily applied changes must not be committed"},
		{regexp.MustCompile(`(mkfs|dd\s+.*of=/dev/)`), RiskBlocked,
			"device writes are never allowed"},
		{regexp.MustCompile(`(curl|wget)\s+.*\|\s*(ba)?sh`), RiskWarning,
			"piping a download into a shell"},
		{regexp.MustCompile(`(^|\s)sudo\s`), RiskWarning,
			"running with elevated privileges"},
	}}
}

// Analyze returns the verdict of the first matching rule.
func (g *Guard) Analyze(command string) Verdict {
	cmd := strings.TrimSpace(command)
	for _, r := range g.rules {
		if r.re.MatchString(cmd) {
			return Verdict{Level: r.level, Reason: r.reason}
		}
	}
	return Verdict{Level: RiskSafe}
}
