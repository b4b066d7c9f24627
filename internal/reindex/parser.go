package reindex

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/joss/fraude/internal/graph"
)

// Parser extracts definitions from source code.
type Parser interface {
	// Extensions returns file extensions this parser handles.
	Extensions() []string

	// Parse extracts functions and classes from a file.
	Parse(path string, content []byte) ([]graph.Definition, error)
}

// GoParser parses Go source files using the native AST. Methods are
// recorded as functions whose parent is the receiver type; structs and
// interfaces are recorded as classes.
type GoParser struct{}

func (GoParser) Extensions() []string { return []string{".go"} }

func (GoParser) Parse(path string, content []byte) ([]graph.Definition, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, content, 0)
	if err != nil {
		return nil, err
	}

	var defs []graph.Definition
	ast.Inspect(f, func(n ast.Node) bool {
		switch decl := n.(type) {
		case *ast.FuncDecl:
			d := graph.Definition{
				Name:      decl.Name.Name,
				Type:      "Function",
				Signature: funcSignature(decl),
				StartLine: fset.Position(decl.Pos()).Line,
				EndLine:   fset.Position(decl.End()).Line,
				Calls:     extractCalls(decl.Body),
			}
			if decl.Recv != nil && len(decl.Recv.List) > 0 {
				d.Parent = receiverType(decl.Recv.List[0].Type)
			}
			defs = append(defs, d)
			return false

		case *ast.TypeSpec:
			switch decl.Type.(type) {
			case *ast.StructType, *ast.InterfaceType:
			default:
				return true
			}
			defs = append(defs, graph.Definition{
				Name:      decl.Name.Name,
				Type:      "Class",
				Signature: "type " + decl.Name.Name,
				StartLine: fset.Position(decl.Pos()).Line,
				EndLine:   fset.Position(decl.End()).Line,
			})
		}
		return true
	})
	return defs, nil
}

func funcSignature(decl *ast.FuncDecl) string {
	params := fieldTypes(decl.Type.Params)
	results := fieldTypes(decl.Type.Results)

	sig := "func "
	if decl.Recv != nil && len(decl.Recv.List) > 0 {
		sig += "(" + exprToString(decl.Recv.List[0].Type) + ") "
	}
	sig += decl.Name.Name + "(" + strings.Join(params, ", ") + ")"
	switch len(results) {
	case 0:
	case 1:
		sig += " " + results[0]
	default:
		sig += " (" + strings.Join(results, ", ") + ")"
	}
	return sig
}

func fieldTypes(fl *ast.FieldList) []string {
	if fl == nil {
		return nil
	}
	var out []string
	for _, f := range fl.List {
		t := exprToString(f.Type)
		if len(f.Names) == 0 {
			out = append(out, t)
			continue
		}
		for range f.Names {
			out = append(out, t)
		}
	}
	return out
}

func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.IndexExpr:
		return receiverType(t.X)
	}
	return ""
}

func exprToString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprToString(t.X)
	case *ast.ArrayType:
		return "[]" + exprToString(t.Elt)
	case *ast.MapType:
		return "map[" + exprToString(t.Key) + "]" + exprToString(t.Value)
	case *ast.SelectorExpr:
		return exprToString(t.X) + "." + t.Sel.Name
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.FuncType:
		return "func"
	case *ast.ChanType:
		return "chan " + exprToString(t.Value)
	case *ast.Ellipsis:
		return "..." + exprToString(t.Elt)
	}
	return "any"
}

// extractCalls returns the distinct names called in body. Selector calls
// keep only the selected name, which is how callees are matched in the graph.
func extractCalls(body *ast.BlockStmt) []string {
	if body == nil {
		return nil
	}
	var calls []string
	seen := make(map[string]bool)
	ast.Inspect(body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		var name string
		switch fn := call.Fun.(type) {
		case *ast.Ident:
			name = fn.Name
		case *ast.SelectorExpr:
			name = fn.Sel.Name
		}
		if name != "" && !seen[name] {
			seen[name] = true
			calls = append(calls, name)
		}
		return true
	})
	return calls
}

var (
	pyDefRe   = regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+(\w+)\s*\(`)
	pyClassRe = regexp.MustCompile(`^(\s*)class\s+(\w+)`)
	jsFuncRe  = regexp.MustCompile(`^(\s*)(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*(\w+)\s*\(`)
	jsClassRe = regexp.MustCompile(`^(\s*)(?:export\s+)?(?:default\s+)?class\s+(\w+)`)
	callRe    = regexp.MustCompile(`\b([A-Za-z_]\w*)\s*\(`)
)

var notCalls = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "return": true,
	"def": true, "class": true, "function": true, "catch": true, "elif": true,
	"and": true, "or": true, "not": true, "in": true,
}

// IndentParser finds definitions in Python and JavaScript-family files by
// their declaration lines. A definition ends before the next non-blank line
// indented at or above its own level; a definition nested in a class gets
// the class as parent.
type IndentParser struct{}

func (IndentParser) Extensions() []string {
	return []string{".py", ".js", ".jsx", ".ts", ".tsx", ".mjs"}
}

func (IndentParser) Parse(path string, content []byte) ([]graph.Definition, error) {
	defRe, classRe := pyDefRe, pyClassRe
	if filepath.Ext(path) != ".py" {
		defRe, classRe = jsFuncRe, jsClassRe
	}

	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")
	type open struct {
		def    graph.Definition
		indent int
	}
	var (
		defs  []graph.Definition
		stack []open
	)
	closeTo := func(indent, line int) {
		for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			top.def.EndLine = line
			defs = append(defs, top.def)
		}
	}

	lastCode := 0
	for i, line := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))

		if strings.HasPrefix(trimmed, "}") {
			// A closing brace level with its opener belongs to it.
			closeTo(indent+1, lastCode)
			if len(stack) > 0 && stack[len(stack)-1].indent == indent {
				closeTo(indent, n)
			}
			lastCode = n
			continue
		}
		closeTo(indent, lastCode)

		var d *graph.Definition
		if m := classRe.FindStringSubmatch(line); m != nil {
			d = &graph.Definition{Name: m[2], Type: "Class"}
		} else if m := defRe.FindStringSubmatch(line); m != nil {
			d = &graph.Definition{Name: m[2], Type: "Function"}
		}
		if d != nil {
			d.Signature = strings.TrimRight(trimmed, ":{ ")
			d.StartLine = n
			for j := len(stack) - 1; j >= 0; j-- {
				if stack[j].def.Type == "Class" {
					d.Parent = stack[j].def.Name
					break
				}
			}
			stack = append(stack, open{def: *d, indent: indent})
		} else if len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.def.Type == "Function" {
				top.def.Calls = appendCalls(top.def.Calls, line, top.def.Name)
			}
		}
		lastCode = n
	}
	closeTo(0, lastCode)
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].StartLine < defs[j].StartLine })
	return defs, nil
}

func appendCalls(calls []string, line, self string) []string {
	for _, m := range callRe.FindAllStringSubmatch(line, -1) {
		name := m[1]
		if notCalls[name] || name == self || slices.Contains(calls, name) {
			continue
		}
		calls = append(calls, name)
	}
	return calls
}

// Registry maps file extensions to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with the Go and indentation parsers.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(GoParser{})
	r.Register(IndentParser{})
	return r
}

// Register adds p for each of its extensions, replacing earlier parsers.
func (r *Registry) Register(p Parser) {
	for _, ext := range p.Extensions() {
		r.parsers[ext] = p
	}
}

// CanParse reports whether a parser handles path.
func (r *Registry) CanParse(path string) bool {
	_, ok := r.parsers[filepath.Ext(path)]
	return ok
}

// Parse extracts definitions from content. Files without a parser yield
// nothing.
func (r *Registry) Parse(path string, content []byte) ([]graph.Definition, error) {
	p := r.parsers[filepath.Ext(path)]
	if p == nil {
		return nil, nil
	}
	return p.Parse(path, content)
}
