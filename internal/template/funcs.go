package template

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"
)

// GetFuncMap returns the functions available to prompt templates.
func GetFuncMap() template.FuncMap {
	return template.FuncMap{
		"join":       strings.Join,
		"lower":      strings.ToLower,
		"upper":      strings.ToUpper,
		"indent":     indent,
		"nodeTypes":  nodeTypes,
		"categories": workflow.Categories,
	}
}

func indent(spaces int, s string) string {
	pad := strings.Repeat(" ", spaces)
	return pad + strings.ReplaceAll(s, "\n", "\n"+pad)
}

// nodeTypes lists the catalog as "- type: description" lines.
func nodeTypes() string {
	var b strings.Builder
	for _, spec := range workflow.Catalog() {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Type, spec.Description)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
