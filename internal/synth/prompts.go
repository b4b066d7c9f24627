package synth

import (
	"strings"

	"github.com/joss/fraude/internal/completion"
)

const patchFormat = "FILE: <path/to/file>\n" +
	"AT LINE <line_number>:\n" +
	"REMOVE:\n" +
	"```<language>\n<exact lines to remove>\n```\n" +
	"ADD:\n" +
	"```<language>\n<lines to add>\n```\n"

const planFormat = "FILE: <path/to/file>\n" +
	"- [ ] TASK: <what to change in this file>\n" +
	"---\n"

const planInstructions = `Instructions:
1. Analyze which files need to be changed.
2. Formulate a step-by-step plan for the modifications, grouped by file.
3. Be precise about what logic needs to be updated.
4. Make the minimum number of changes possible.
5. Omit files that need no change.

Output the plan strictly in this format, one section per file:

` + planFormat

// PlanPrompt asks for a per-file task list.
func PlanPrompt(dependencies, code, query string) completion.Prompt {
	var b strings.Builder
	b.WriteString("Context:\n")
	if dependencies != "" {
		b.WriteString("Structural Context:\n" + dependencies + "\n")
	}
	b.WriteString("File Contents:\n" + code + "\n")
	b.WriteString("User Request: \"" + query + "\"\n\n")
	b.WriteString(planInstructions)
	b.WriteString("\nBegin immediately.")

	return completion.Prompt{
		Purpose: "plan",
		System:  "You are an expert software engineer. Your task is to plan how to modify the code in the project based on the user's request.",
		User:    b.String(),
	}
}

// RevisePlanPrompt regenerates a plan from the previous one and the
// reviewer's change request.
func RevisePlanPrompt(query, dependencies, code, previous, feedback string) completion.Prompt {
	var b strings.Builder
	b.WriteString("### REFERENCE DATA\n")
	b.WriteString("- Original Goal: " + query + "\n")
	if dependencies != "" {
		b.WriteString("- Structural Context:\n" + dependencies + "\n")
	}
	b.WriteString("- Code Context:\n```\n" + code + "\n```\n\n")
	b.WriteString("### BASE PLAN\n" + previous + "\n\n")
	b.WriteString("### CHANGE REQUEST\n" + feedback + "\n\n")
	b.WriteString("### INSTRUCTIONS FOR OUTPUT\n")
	b.WriteString(planInstructions)
	b.WriteString("\nBegin immediately.")

	return completion.Prompt{
		Purpose: "revise_plan",
		System:  "You are an expert software engineer. Your task is to correct the base plan based on the user's change request.",
		User:    b.String(),
	}
}

// FastPrompt asks for a minimal patch for the whole request.
func FastPrompt(code, dependencies, query string) completion.Prompt {
	var b strings.Builder
	b.WriteString(`Your job is to apply the MINIMAL POSSIBLE PATCH to fulfill the user's request.

HARD CONSTRAINTS (VIOLATION IS A FAILURE):
1. If the user request does NOT explicitly request modifying or replacing existing logic, you MUST NOT produce any REMOVE blocks.
2. Existing functions, method calls and behavior are IMMUTABLE unless explicitly named in the request.
3. Newly added functionality MUST NOT be wired into existing code unless explicitly requested.
4. You may ONLY modify files that are strictly required.
5. You MUST follow the response format.

`)
	b.WriteString("User Request: \"" + query + "\"\n")
	if dependencies != "" {
		b.WriteString("Structural Context:\n" + dependencies + "\n")
	}
	b.WriteString("File Contents:\n" + code + "\n")
	b.WriteString(`Patch Instructions:
- Provide ONLY the minimal changes.
- Use ONE section per logical change.
- Line numbers refer to the file contents shown above.
- Do NOT rewrite entire files.
- If a file needs no change, output its FILE line followed by NO CHANGES.
- Output ONLY the patch. No explanations.

Response format:

`)
	b.WriteString(patchFormat)

	return completion.Prompt{
		Purpose: "patch_fast",
		System:  "You are an expert software engineer acting as a PATCH GENERATOR.",
		User:    b.String(),
	}
}

// StepPrompt asks for the patch of one plan step, scoped to its file.
func StepPrompt(fileContext, task string) completion.Prompt {
	system := "You are a code modification engine. Your job is to provide the ADD or REMOVE patches needed to complete the provided task.\n\n" +
		"ONLY DO WHAT THE TASK ASKS YOU TO DO. DO NOT ADD ANYTHING ELSE.\n\n" +
		"ONLY OUTPUT THE PATCHES.\n\n" +
		"<TARGET_CODE>\n" + fileContext + "\n</TARGET_CODE>\n\n" +
		"PATCH FORMAT (EXACT):\n\n" + patchFormat + "...\n"

	return completion.Prompt{
		Purpose: "patch_step",
		System:  system,
		User:    "Generate patches for the following task: " + task + "\n\nOUTPUT PATCHES HERE:",
	}
}
