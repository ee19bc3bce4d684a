package workflow

import "sort"

// NodeSpec describes one node type known to the builder.
type NodeSpec struct {
	Type        string
	Description string
	// LatencyMs is the nominal cost used by the dry-run engine.
	LatencyMs int64
	// Produces reports whether the node emits a user-visible output.
	Produces bool
}

// Category returns the top-level tool category of the node type.
func (s NodeSpec) Category() string {
	return Node{Type: s.Type}.Category()
}

var catalog = []NodeSpec{
	{Type: "io.file-read", Description: "Read a local file", LatencyMs: 40},
	{Type: "io.file-write", Description: "Write a local file", LatencyMs: 40, Produces: true},
	{Type: "io.http-request", Description: "Call an HTTP endpoint", LatencyMs: 250},
	{Type: "io.folder-list", Description: "List files in a folder", LatencyMs: 30},
	{Type: "transform.json-query", Description: "Query JSON with a path expression", LatencyMs: 15},
	{Type: "transform.text-split", Description: "Split text into chunks", LatencyMs: 20},
	{Type: "transform.csv-parse", Description: "Parse CSV into rows", LatencyMs: 25},
	{Type: "transform.template", Description: "Render a text template", LatencyMs: 10},
	{Type: "llm.chat", Description: "Chat completion", LatencyMs: 1200},
	{Type: "llm.embed", Description: "Create embeddings", LatencyMs: 400},
	{Type: "llm.summarize", Description: "Summarize text", LatencyMs: 1500},
	{Type: "llm.classify", Description: "Classify text", LatencyMs: 800},
	{Type: "prompt.template", Description: "Build a prompt from a template", LatencyMs: 5},
	{Type: "prompt.few-shot", Description: "Attach few-shot examples", LatencyMs: 5},
	{Type: "storage.vector-search", Description: "Search a vector index", LatencyMs: 120},
	{Type: "storage.vector-store", Description: "Insert into a vector index", LatencyMs: 150},
	{Type: "storage.kv-get", Description: "Read from a key-value store", LatencyMs: 20},
	{Type: "storage.kv-set", Description: "Write to a key-value store", LatencyMs: 20},
	{Type: "control.if", Description: "Branch on a condition", LatencyMs: 1},
	{Type: "control.loop", Description: "Iterate over items", LatencyMs: 2},
	{Type: "control.merge", Description: "Merge branches", LatencyMs: 1},
	{Type: "data.filter", Description: "Filter records", LatencyMs: 10},
	{Type: "data.aggregate", Description: "Aggregate records", LatencyMs: 30},
	{Type: "data.sort", Description: "Sort records", LatencyMs: 10},
	{Type: "debug.log", Description: "Log intermediate values", LatencyMs: 1},
	{Type: "doc.pdf-parse", Description: "Extract text from a PDF", LatencyMs: 600},
	{Type: "doc.ocr", Description: "Recognize text in an image", LatencyMs: 900},
	{Type: "doc.report", Description: "Render a report document", LatencyMs: 300, Produces: true},
	{Type: "process.shell", Description: "Run a shell command", LatencyMs: 200},
	{Type: "process.python", Description: "Run a Python snippet", LatencyMs: 350},
	{Type: "viz.chart", Description: "Render a chart", LatencyMs: 150, Produces: true},
	{Type: "viz.table", Description: "Render a table", LatencyMs: 50, Produces: true},
}

var catalogIndex = func() map[string]NodeSpec {
	idx := make(map[string]NodeSpec, len(catalog))
	for _, s := range catalog {
		idx[s.Type] = s
	}
	return idx
}()

// Catalog returns a copy of every known node type.
func Catalog() []NodeSpec {
	return append([]NodeSpec(nil), catalog...)
}

// LookupNodeType returns the catalog entry for a node type.
func LookupNodeType(nodeType string) (NodeSpec, bool) {
	s, ok := catalogIndex[nodeType]
	return s, ok
}

// IsKnownNodeType reports whether nodeType is in the catalog.
func IsKnownNodeType(nodeType string) bool {
	_, ok := catalogIndex[nodeType]
	return ok
}

// Categories returns the sorted list of top-level categories in the catalog.
func Categories() []string {
	seen := make(map[string]struct{})
	for _, s := range catalog {
		seen[s.Category()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// NodeTypesIn returns the catalog node types belonging to category.
func NodeTypesIn(category string) []NodeSpec {
	var out []NodeSpec
	for _, s := range catalog {
		if s.Category() == category {
			out = append(out, s)
		}
	}
	return out
}
