package graph

import (
	"context"
	"fmt"
	"path"
	"sort"
)

// SymbolRef names a symbol found by retrieval.
type SymbolRef struct {
	Symbol   string `json:"symbol"`
	FilePath string `json:"file_path"`
}

// Dependency is a function the symbol calls.
type Dependency struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

// Caller is a function that calls the symbol and would be affected by a
// change to it.
type Caller struct {
	Name     string `json:"name"`
	FilePath string `json:"file_path"`
}

// StructuralNode is a function or class with its graph neighbourhood.
type StructuralNode struct {
	Name            string       `json:"name"`
	FilePath        string       `json:"file_path"`
	StartLine       int          `json:"start_line"`
	Signature       string       `json:"signature"`
	Type            string       `json:"type"`
	Parent          string       `json:"parent,omitempty"`
	Dependencies    []Dependency `json:"dependencies"`
	ImpactedCallers []Caller     `json:"impacted_callers"`
}

const contextForSymbolsQuery = `
MATCH (s)
WHERE s.filePath IN $filePaths AND s.name IN $symbolNames AND (s:Function OR s:Class)
OPTIONAL MATCH (s)<-[:DEFINES]-(parent)
OPTIONAL MATCH (s)-[:CALLS]->(dep:Function)
OPTIONAL MATCH (caller:Function)-[:CALLS]->(s)
RETURN s.name AS name,
       s.filePath AS filePath,
       s.startLine AS startLine,
       s.signature AS signature,
       labels(s)[0] AS type,
       parent.name AS parentName,
       collect(DISTINCT {name: dep.name, sig: dep.signature}) AS dependencies,
       collect(DISTINCT {name: caller.name, file: caller.filePath}) AS impactedCallers
`

const deleteFileDataQuery = `
MATCH (f:File {path: $filePath})
OPTIONAL MATCH (f)-[:DEFINES*]->(s)
DETACH DELETE s, f
`

const deleteSymbolsByPathQuery = `
MATCH (s) WHERE s.filePath = $filePath AND (s:Function OR s:Class)
DETACH DELETE s
`

const mergeFileQuery = `
MERGE (f:File {path: $filePath})
SET f.name = $name
`

const mergeDefinitionQuery = `
MATCH (f:File {path: $filePath})
MERGE (s:%s {filePath: $filePath, name: $name})
SET s.startLine = $startLine,
    s.endLine = $endLine,
    s.signature = $signature,
    s.calls = $calls
WITH f, s
OPTIONAL MATCH (p:Class {filePath: $filePath, name: $parent})
FOREACH (_ IN CASE WHEN p IS NULL THEN [1] ELSE [] END | MERGE (f)-[:DEFINES]->(s))
FOREACH (_ IN CASE WHEN p IS NULL THEN [] ELSE [1] END | MERGE (p)-[:DEFINES]->(s))
`

// linkOutgoingQuery connects the file's functions to the functions they call.
const linkOutgoingQuery = `
MATCH (s:Function {filePath: $filePath})
UNWIND coalesce(s.calls, []) AS callee
MATCH (t:Function {name: callee})
WHERE t <> s
MERGE (s)-[:CALLS]->(t)
`

// linkIncomingQuery restores edges from callers in other files, which the
// delete step detached.
const linkIncomingQuery = `
MATCH (t:Function {filePath: $filePath})
MATCH (c:Function)
WHERE c.filePath <> $filePath AND t.name IN coalesce(c.calls, [])
MERGE (c)-[:CALLS]->(t)
`

// Definition is a function or class recorded under a file.
type Definition struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Parent    string   `json:"parent,omitempty"`
	Signature string   `json:"signature"`
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
	Calls     []string `json:"calls,omitempty"`
}

// Service answers structural questions about the code graph.
type Service struct {
	db Driver
}

// NewService creates a graph service over db.
func NewService(db Driver) *Service {
	return &Service{db: db}
}

// ContextForSymbols returns the matching functions and classes together with
// the functions they call and the functions that call them. Callers without
// a name are dropped.
func (s *Service) ContextForSymbols(ctx context.Context, refs []SymbolRef) ([]StructuralNode, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	paths := make(map[string]struct{})
	names := make(map[string]struct{})
	for _, r := range refs {
		if r.Symbol == "" || r.FilePath == "" {
			continue
		}
		paths[r.FilePath] = struct{}{}
		names[r.Symbol] = struct{}{}
	}
	if len(names) == 0 {
		return nil, nil
	}

	records, err := s.db.Execute(ctx, contextForSymbolsQuery, map[string]any{
		"filePaths":   sortedKeys(paths),
		"symbolNames": sortedKeys(names),
	})
	if err != nil {
		return nil, fmt.Errorf("context for symbols: %w", err)
	}

	nodes := make([]StructuralNode, 0, len(records))
	for _, r := range records {
		n := StructuralNode{
			Name:      GetString(r, "name"),
			FilePath:  GetString(r, "filePath"),
			StartLine: GetInt(r, "startLine"),
			Signature: GetString(r, "signature"),
			Type:      GetString(r, "type"),
			Parent:    GetString(r, "parentName"),
		}
		for _, d := range GetMaps(r, "dependencies") {
			name, _ := d["name"].(string)
			if name == "" {
				continue
			}
			sig, _ := d["sig"].(string)
			n.Dependencies = append(n.Dependencies, Dependency{Name: name, Signature: sig})
		}
		for _, c := range GetMaps(r, "impactedCallers") {
			name, _ := c["name"].(string)
			if name == "" {
				continue
			}
			file, _ := c["file"].(string)
			n.ImpactedCallers = append(n.ImpactedCallers, Caller{Name: name, FilePath: file})
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// DeleteFileData removes a file node, everything it defines and any symbol
// nodes carrying its path, so the file can be re-analyzed.
func (s *Service) DeleteFileData(ctx context.Context, filePath string) error {
	params := map[string]any{"filePath": filePath}
	if err := s.db.ExecuteWrite(ctx, deleteFileDataQuery, params); err != nil {
		return fmt.Errorf("delete file %s: %w", filePath, err)
	}
	if err := s.db.ExecuteWrite(ctx, deleteSymbolsByPathQuery, params); err != nil {
		return fmt.Errorf("delete symbols of %s: %w", filePath, err)
	}
	return nil
}

// WriteFileData records a file, its definitions and their call edges.
// Classes are written before their members so methods hang off their class.
// Types other than Class are stored as Function.
func (s *Service) WriteFileData(ctx context.Context, filePath string, defs []Definition) error {
	if err := s.db.ExecuteWrite(ctx, mergeFileQuery, map[string]any{
		"filePath": filePath,
		"name":     path.Base(filePath),
	}); err != nil {
		return fmt.Errorf("write file %s: %w", filePath, err)
	}

	ordered := make([]Definition, len(defs))
	copy(ordered, defs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Type == "Class" && ordered[j].Type != "Class"
	})

	for _, d := range ordered {
		label := "Function"
		if d.Type == "Class" {
			label = "Class"
		}
		calls := d.Calls
		if calls == nil {
			calls = []string{}
		}
		err := s.db.ExecuteWrite(ctx, fmt.Sprintf(mergeDefinitionQuery, label), map[string]any{
			"filePath":  filePath,
			"name":      d.Name,
			"parent":    d.Parent,
			"startLine": d.StartLine,
			"endLine":   d.EndLine,
			"signature": d.Signature,
			"calls":     calls,
		})
		if err != nil {
			return fmt.Errorf("write %s in %s: %w", d.Name, filePath, err)
		}
	}

	params := map[string]any{"filePath": filePath}
	if err := s.db.ExecuteWrite(ctx, linkOutgoingQuery, params); err != nil {
		return fmt.Errorf("link calls of %s: %w", filePath, err)
	}
	if err := s.db.ExecuteWrite(ctx, linkIncomingQuery, params); err != nil {
		return fmt.Errorf("link callers of %s: %w", filePath, err)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
