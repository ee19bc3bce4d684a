// Package template renders the system and user prompts sent to LLM-backed
// workflow generators, and scrubs tracked secrets out of generated content.
package template

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"

	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
)

// Renderer renders prompt templates.
type Renderer interface {
	Render(templateString string, data interface{}) (string, error)
	ExtractVariables(templateString string) ([]string, error)
	GetFuncMap() template.FuncMap
}

// GoRenderer implements Renderer with text/template. Parsed templates and
// extracted variables are cached; it is safe for concurrent use.
type GoRenderer struct {
	funcMap       template.FuncMap
	templateCache map[string]*template.Template
	varCache      map[string][]string
	mu            sync.Mutex
}

// NewGoRenderer creates a renderer with the standard function map.
func NewGoRenderer() *GoRenderer {
	return &GoRenderer{
		funcMap:       GetFuncMap(),
		templateCache: make(map[string]*template.Template),
		varCache:      make(map[string][]string),
	}
}

func (r *GoRenderer) GetFuncMap() template.FuncMap {
	return r.funcMap
}

// Render executes templateString against data. Missing keys are errors.
func (r *GoRenderer) Render(templateString string, data interface{}) (string, error) {
	t, err := r.getOrParseTemplate(templateString)
	if err != nil {
		return "", simerrors.NewValidationError(fmt.Sprintf("template parse error: %s", err.Error()), err)
	}

	var buf bytes.Buffer
	if execErr := t.Execute(&buf, data); execErr != nil {
		return "", simerrors.NewValidationError(fmt.Sprintf("template execution error: %s", execErr.Error()), execErr)
	}
	return buf.String(), nil
}

// ExtractVariables returns the sorted field paths referenced by
// templateString, e.g. "Prompt" or "Strategy.Name". Function names are
// excluded.
func (r *GoRenderer) ExtractVariables(templateString string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.varCache[templateString]; ok {
		return cached, nil
	}

	t, err := template.New("extract").Funcs(r.funcMap).Parse(templateString)
	if err != nil {
		return nil, simerrors.NewValidationError(fmt.Sprintf("template parse error: %s", err.Error()), err)
	}

	found := make(map[string]struct{})
	if t.Root != nil {
		extractNodeVariablesRecursive(t.Root, found, r.funcMap)
	}
	vars := make([]string, 0, len(found))
	for v := range found {
		vars = append(vars, v)
	}
	sort.Strings(vars)

	r.varCache[templateString] = vars
	return vars, nil
}

func (r *GoRenderer) getOrParseTemplate(templateString string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.templateCache[templateString]; ok {
		return cached, nil
	}
	t, err := template.New("prompt").Option("missingkey=error").Funcs(r.funcMap).Parse(templateString)
	if err != nil {
		return nil, err
	}
	r.templateCache[templateString] = t
	return t, nil
}

func getFullVarPath(node parse.Node, funcMap template.FuncMap) string {
	switch n := node.(type) {
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			if _, isFunc := funcMap[n.Ident[0]]; !isFunc {
				return strings.Join(n.Ident, ".")
			}
		}
	case *parse.ChainNode:
		if field, ok := n.Node.(*parse.FieldNode); ok {
			return getFullVarPath(field, funcMap)
		}
	}
	return ""
}

func extractNodeVariablesRecursive(node parse.Node, vars map[string]struct{}, funcMap template.FuncMap) {
	if node == nil {
		return
	}
	if path := getFullVarPath(node, funcMap); path != "" {
		vars[path] = struct{}{}
	}

	switch n := node.(type) {
	case *parse.ListNode:
		if n != nil {
			for _, sub := range n.Nodes {
				extractNodeVariablesRecursive(sub, vars, funcMap)
			}
		}
	case *parse.ActionNode:
		extractNodeVariablesRecursive(n.Pipe, vars, funcMap)
	case *parse.IfNode:
		extractBranch(&n.BranchNode, vars, funcMap)
	case *parse.RangeNode:
		extractBranch(&n.BranchNode, vars, funcMap)
	case *parse.WithNode:
		extractBranch(&n.BranchNode, vars, funcMap)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			for _, arg := range cmd.Args {
				extractNodeVariablesRecursive(arg, vars, funcMap)
			}
		}
	}
}

func extractBranch(b *parse.BranchNode, vars map[string]struct{}, funcMap template.FuncMap) {
	extractNodeVariablesRecursive(b.Pipe, vars, funcMap)
	if b.List != nil {
		extractNodeVariablesRecursive(b.List, vars, funcMap)
	}
	if b.ElseList != nil {
		extractNodeVariablesRecursive(b.ElseList, vars, funcMap)
	}
}
