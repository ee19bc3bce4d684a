// Package generator provides workflow generators: an offline catalog
// generator that assembles workflows from keyword rules, and an
// OpenAI-compatible generator that asks a chat model for a workflow.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"

	"github.com/google/uuid"
)

// keywordRule maps prompt keywords to the node types they call for.
type keywordRule struct {
	keywords  []string
	nodeTypes []string
}

// Rules are matched in order; a node type is added at most once.
var keywordRules = []keywordRule{
	{[]string{"폴더", "folder", "directory"}, []string{"io.folder-list"}},
	{[]string{"pdf"}, []string{"io.file-read", "doc.pdf-parse"}},
	{[]string{"이미지", "image", "사진", "ocr", "스캔"}, []string{"io.file-read", "doc.ocr"}},
	{[]string{"csv", "엑셀", "excel"}, []string{"io.file-read", "transform.csv-parse"}},
	{[]string{"json"}, []string{"transform.json-query"}},
	{[]string{"api", "http", "웹", "url"}, []string{"io.http-request"}},
	{[]string{"분할", "split", "chunk", "청크"}, []string{"transform.text-split"}},
	{[]string{"검색", "search", "rag", "찾아"}, []string{"llm.embed", "storage.vector-search"}},
	{[]string{"저장소", "index", "인덱스", "vector"}, []string{"llm.embed", "storage.vector-store"}},
	{[]string{"필터", "filter", "조건", "if"}, []string{"control.if", "data.filter"}},
	{[]string{"반복", "각각", "each", "loop", "모든"}, []string{"control.loop"}},
	{[]string{"정렬", "sort"}, []string{"data.sort"}},
	{[]string{"집계", "통계", "aggregate", "합계"}, []string{"data.aggregate"}},
	{[]string{"분류", "classify", "카테고리"}, []string{"llm.classify"}},
	{[]string{"요약", "summar"}, []string{"llm.summarize"}},
	{[]string{"번역", "translate", "답변", "질문", "chat", "대화"}, []string{"llm.chat"}},
	{[]string{"파이썬", "python", "스크립트"}, []string{"process.python"}},
	{[]string{"차트", "chart", "그래프", "시각화"}, []string{"viz.chart"}},
	{[]string{"표", "table"}, []string{"viz.table"}},
	{[]string{"보고서", "report", "리포트"}, []string{"doc.report"}},
	{[]string{"저장", "save", "파일로", "마크다운", "markdown"}, []string{"io.file-write"}},
}

// strategyNodes are extra nodes a strategy contributes ahead of the model call.
var strategyNodes = map[trial.Strategy][]string{
	trial.StrategyTemplateBased:      {"prompt.template"},
	trial.StrategyChainOfThought:     {"prompt.template", "debug.log"},
	trial.StrategyFewShot:            {"prompt.few-shot"},
	trial.StrategyDecompose:          {"transform.text-split", "control.merge"},
	trial.StrategyRetrievalAugmented: {"llm.embed", "storage.vector-search"},
}

// strategyQuality is the base explainability a strategy tends to produce.
var strategyQuality = map[trial.Strategy]float64{
	trial.StrategyDirect:             0.55,
	trial.StrategyTemplateBased:      0.65,
	trial.StrategyChainOfThought:     0.8,
	trial.StrategyFewShot:            0.7,
	trial.StrategyDecompose:          0.75,
	trial.StrategyRetrievalAugmented: 0.7,
}

// ErrEmptyPrompt is returned for a blank prompt.
var ErrEmptyPrompt = errors.New("prompt is empty")

// CatalogConfig tunes the catalog generator.
type CatalogConfig struct {
	// FailureRate is the probability of a simulated generation failure.
	FailureRate float64
	// Noise is the spread applied to the quality scores.
	Noise float64
	Seed  int64
}

// Catalog builds linear workflows from keyword rules over the node catalog.
// It needs no external service and is the default generator.
type Catalog struct {
	cfg CatalogConfig
	log simlog.Logger
	mu  sync.Mutex
	rng *rand.Rand
}

// NewCatalog creates a catalog generator. A zero seed seeds from the clock.
func NewCatalog(cfg CatalogConfig, log simlog.Logger) *Catalog {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.Noise < 0 {
		cfg.Noise = 0
	}
	return &Catalog{cfg: cfg, log: log, rng: rand.New(rand.NewSource(seed))}
}

// Generate returns a workflow whose nodes follow the prompt's keywords and
// the strategy's extra steps, chained in order and ending in an output node.
func (c *Catalog) Generate(ctx context.Context, prompt string, strategy trial.Strategy) (*collab.Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	c.mu.Lock()
	fail := c.cfg.FailureRate > 0 && c.rng.Float64() < c.cfg.FailureRate
	explainNoise := c.noise()
	intentNoise := c.noise()
	c.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("catalog generator: simulated failure for strategy %s", strategy)
	}

	types, matched := planNodeTypes(prompt, strategy)
	wf := buildChain(types)
	wf.ID = uuid.NewString()
	wf.Name = truncate(prompt, 48)
	wf.Description = fmt.Sprintf("generated with strategy %s", strategy)
	wf.Version = "1"

	base, ok := strategyQuality[strategy]
	if !ok {
		base = 0.6
	}
	explain := clamp01(base + 0.02*float64(len(wf.Nodes)) + explainNoise)
	intent := clamp01(0.5 + 0.1*float64(matched) + intentNoise)

	c.log.Debugf("Catalog generator built %d nodes for strategy %s (%d rules matched)", len(wf.Nodes), strategy, matched)
	return &collab.Generation{Workflow: wf, ExplainabilityScore: explain, IntentScore: intent}, nil
}

func (c *Catalog) noise() float64 {
	if c.cfg.Noise == 0 {
		return 0
	}
	return (c.rng.Float64()*2 - 1) * c.cfg.Noise
}

// planNodeTypes returns the node types for prompt and the number of keyword
// rules that matched.
func planNodeTypes(prompt string, strategy trial.Strategy) ([]string, int) {
	lower := strings.ToLower(prompt)
	seen := make(map[string]struct{})
	var types []string
	add := func(t string) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}

	var inputs, middle, outputs []string
	matched := 0
	for _, rule := range keywordRules {
		if !containsAny(lower, rule.keywords) {
			continue
		}
		matched++
		for _, t := range rule.nodeTypes {
			spec, _ := workflow.LookupNodeType(t)
			switch {
			case spec.Produces:
				outputs = append(outputs, t)
			case spec.Category() == "io" && t != "io.http-request":
				inputs = append(inputs, t)
			default:
				middle = append(middle, t)
			}
		}
	}

	for _, t := range inputs {
		add(t)
	}
	for _, t := range strategyNodes[strategy] {
		add(t)
	}
	for _, t := range middle {
		add(t)
	}
	if !hasCategory(types, "llm") {
		add("llm.chat")
	}
	for _, t := range outputs {
		add(t)
	}
	if len(outputs) == 0 {
		add("io.file-write")
	}
	return types, matched
}

// buildChain links the node types into a single path.
func buildChain(types []string) *workflow.Workflow {
	wf := &workflow.Workflow{
		Nodes: make([]workflow.Node, 0, len(types)),
		Edges: make([]workflow.Edge, 0, len(types)),
	}
	for i, t := range types {
		id := fmt.Sprintf("n%d", i+1)
		spec, _ := workflow.LookupNodeType(t)
		wf.Nodes = append(wf.Nodes, workflow.Node{ID: id, Type: t, Label: spec.Description})
		if i > 0 {
			prev := wf.Nodes[i-1].ID
			wf.Edges = append(wf.Edges, workflow.Edge{ID: prev + "-" + id, Source: prev, Target: id})
		}
	}
	return wf
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func hasCategory(types []string, category string) bool {
	for _, t := range types {
		if (workflow.NodeSpec{Type: t}).Category() == category {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

var _ collab.Generator = (*Catalog)(nil)
