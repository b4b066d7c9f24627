package workflow

import "github.com/joss/fraude/internal/gather"

// contextOf rebuilds the retrieval context held in a state snapshot.
func contextOf(st *WorkflowState) *gather.Context {
	order := make([]string, 0, len(st.CodeContext))
	seen := make(map[string]bool, len(st.CodeContext))
	for _, h := range st.Snippets {
		if _, ok := st.CodeContext[h.FilePath]; ok && !seen[h.FilePath] {
			seen[h.FilePath] = true
			order = append(order, h.FilePath)
		}
	}
	return &gather.Context{
		Hits:         st.Snippets,
		Nodes:        st.Structure,
		Files:        st.CodeContext,
		Order:        order,
		Dependencies: st.Dependencies,
	}
}
