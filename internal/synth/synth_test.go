package synth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/fraude/internal/completion"
	"github.com/joss/fraude/internal/gather"
	"github.com/joss/fraude/internal/planning"
)

func testContext() *gather.Context {
	return &gather.Context{
		Files: map[string]string{
			"utils.py": "FILE: utils.py\nCODE:\n1: def add(a, b):\n2:     return a + b\n",
			"main.py":  "FILE: main.py\nCODE:\n1: import utils\n",
		},
		Order:        []string{"utils.py", "main.py"},
		Dependencies: "[DEPENDENCY]\nNAME: add\nFILE: utils.py\nSIGNATURE: def add(a, b)\nIMPACTS: NONE\n\n",
	}
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModePlanning, ParseMode("Planning"))
	assert.Equal(t, ModeFast, ParseMode("fast"))
	assert.Equal(t, ModeFast, ParseMode(""))
}

func TestPlanPromptCarriesContext(t *testing.T) {
	p := PlanPrompt("[DEPENDENCY]", "FILE: a.py", "add logging")
	assert.Equal(t, "plan", p.Purpose)
	assert.Contains(t, p.User, "Structural Context:\n[DEPENDENCY]")
	assert.Contains(t, p.User, "FILE: a.py")
	assert.Contains(t, p.User, `User Request: "add logging"`)
	assert.Contains(t, p.User, "- [ ] TASK:")
}

func TestRevisePlanPrompt(t *testing.T) {
	p := RevisePlanPrompt("goal", "[DEPENDENCY]", "code", "old plan", "also touch b.py")
	assert.Contains(t, p.User, "Original Goal: goal")
	assert.Contains(t, p.User, "Structural Context:\n[DEPENDENCY]")
	assert.Contains(t, p.User, "### BASE PLAN\nold plan")
	assert.Contains(t, p.User, "### CHANGE REQUEST\nalso touch b.py")
}

func TestRevisePlanKeepsStructuralContext(t *testing.T) {
	svc := completion.NewScripted("- [ ] TASK: IN utils.py: add division")
	c := testContext()
	_, err := New(svc).RevisePlan(context.Background(), c, "add division", "old plan", "use utils.py", nil)
	require.NoError(t, err)

	prompts := svc.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "revise_plan", prompts[0].Purpose)
	assert.Contains(t, prompts[0].User, c.Dependencies)
	assert.Contains(t, prompts[0].User, "def add(a, b)")
}

func TestFastPromptOmitsEmptyStructure(t *testing.T) {
	p := FastPrompt("FILE: a.py", "", "q")
	assert.NotContains(t, p.User, "Structural Context")
	assert.Contains(t, p.User, "AT LINE <line_number>:")
}

func TestStepPrompt(t *testing.T) {
	p := StepPrompt("FILE: utils.py\nCODE:\n", "IN utils.py: add division")
	assert.Contains(t, p.System, "<TARGET_CODE>\nFILE: utils.py")
	assert.Equal(t, "Generate patches for the following task: IN utils.py: add division\n\nOUTPUT PATCHES HERE:", p.User)
}

func TestPatchFastStreamsProgress(t *testing.T) {
	svc := completion.NewScripted("FILE: utils.py\nAT LINE 3:\nADD:\n```python\nx = 1\n```\n")
	var purposes []string
	var last string
	out, err := New(svc).PatchFast(context.Background(), testContext(), "add x", func(purpose, total string) {
		purposes = append(purposes, purpose)
		last = total
	})
	require.NoError(t, err)
	assert.Equal(t, out.Text, last)
	assert.Equal(t, "patch_fast", purposes[0])

	prompts := svc.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0].User, "FILE: utils.py\nCODE:")
	assert.Contains(t, prompts[0].User, "FILE: main.py\nCODE:")
}

func TestPatchStepsScopesContextPerFile(t *testing.T) {
	svc := completion.NewScripted("FILE: utils.py\nAT LINE 3:\nADD:\n```\na\n```", "  ", "FILE: new.py\nNO CHANGES")
	svc.Usage = &completion.Usage{PromptTokens: 2, CompletionTokens: 1}
	steps := planning.ParsePlan("FILE: utils.py\n- [ ] TASK: one\n- [ ] TASK: two\n---\nFILE: new.py\n- [ ] TASK: three\n").Steps
	require.Len(t, steps, 3)

	out, err := New(svc).PatchSteps(context.Background(), testContext(), steps, nil)
	require.NoError(t, err)
	assert.Equal(t, "FILE: utils.py\nAT LINE 3:\nADD:\n```\na\n```\n\nFILE: new.py\nNO CHANGES", out.Text)
	assert.Equal(t, 9, out.Usage.Total())

	prompts := svc.Prompts()
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[0].System, "FILE: utils.py")
	assert.NotContains(t, prompts[0].System, "FILE: main.py")
	assert.Contains(t, prompts[1].User, "IN utils.py: two")
	assert.True(t, strings.Contains(prompts[2].System, "FILE: new.py\nCODE:\n"))
	for _, s := range steps {
		assert.Equal(t, planning.StepCompleted, s.Status)
	}
}

func TestPatchStepsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	steps := []planning.PlanStep{{Order: 1, File: "utils.py", Task: "x"}}
	_, err := New(completion.NewScripted("ignored")).PatchSteps(ctx, testContext(), steps, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, planning.StepFailed, steps[0].Status)
}
