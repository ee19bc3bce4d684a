// Package prompt selects and instantiates the prompts each trial starts
// from, and extracts the prompt features fed to the learning policy.
package prompt

import (
	"context"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
)

var placeholderRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Selection is the prompt chosen for one trial.
type Selection struct {
	Prompt     string `json:"prompt"`
	TemplateID string `json:"template_id"`
	Category   string `json:"category"`
	MultiTurn  bool   `json:"multi_turn"`
	SessionID  string `json:"session_id,omitempty"`
	FollowUp   string `json:"follow_up,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeed makes selection reproducible.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

// WithMultiTurnProbability sets the chance of picking a two-turn scenario.
func WithMultiTurnProbability(p float64) Option {
	return func(e *Engine) {
		if p >= 0 && p <= 1 {
			e.multiTurnProb = p
		}
	}
}

// WithMultiTurnHandler sets the handler used to open scenario sessions.
func WithMultiTurnHandler(h collab.MultiTurnHandler) Option {
	return func(e *Engine) { e.handler = h }
}

// WithTemplates replaces the template catalog.
func WithTemplates(templates []Template) Option {
	return func(e *Engine) { e.templates = templates }
}

// WithScenarios replaces the two-turn scenarios.
func WithScenarios(scenarios []Scenario) Option {
	return func(e *Engine) { e.scenarios = scenarios }
}

// WithValuePools replaces the placeholder value pools.
func WithValuePools(pools map[string][]string) Option {
	return func(e *Engine) { e.pools = pools }
}

// Engine picks prompts from a static catalog. It is safe for concurrent use.
type Engine struct {
	log           simlog.Logger
	mu            sync.Mutex
	rng           *rand.Rand
	templates     []Template
	scenarios     []Scenario
	pools         map[string][]string
	multiTurnProb float64
	handler       collab.MultiTurnHandler
}

// NewEngine creates an Engine over the default catalog.
func NewEngine(log simlog.Logger, opts ...Option) *Engine {
	e := &Engine{
		log:           log,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		templates:     DefaultTemplates,
		scenarios:     DefaultScenarios,
		pools:         DefaultValuePools,
		multiTurnProb: 0.1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Templates returns the catalog in use.
func (e *Engine) Templates() []Template {
	return append([]Template(nil), e.templates...)
}

// Select picks the next prompt. With the multi-turn probability it picks a
// scenario and opens a session; the prompt is then the initial request
// followed by the edit instruction. A failing handler is logged and the
// scenario runs without a session.
func (e *Engine) Select(ctx context.Context) Selection {
	e.mu.Lock()
	multi := len(e.scenarios) > 0 && e.rng.Float64() < e.multiTurnProb
	if multi || len(e.templates) == 0 {
		if len(e.scenarios) == 0 {
			e.mu.Unlock()
			return Selection{}
		}
		sc := e.scenarios[e.rng.Intn(len(e.scenarios))]
		e.mu.Unlock()
		return e.selectScenario(ctx, sc)
	}
	tpl := e.templates[e.rng.Intn(len(e.templates))]
	text := instantiate(tpl.Text, e.pools, e.rng)
	e.mu.Unlock()

	return Selection{Prompt: text, TemplateID: tpl.ID, Category: tpl.Category}
}

func (e *Engine) selectScenario(ctx context.Context, sc Scenario) Selection {
	sel := Selection{
		Prompt:     sc.Initial + "\n" + sc.FollowUp,
		TemplateID: sc.ID,
		Category:   sc.Category,
		MultiTurn:  true,
		FollowUp:   sc.FollowUp,
	}
	if e.handler == nil {
		return sel
	}
	id, err := e.handler.StartSession(ctx)
	if err != nil {
		e.log.Warnf("Failed to start multi-turn session for scenario %s, continuing without one: %v", sc.ID, err)
		return sel
	}
	sel.SessionID = id
	return sel
}

// Instantiate fills every placeholder of text from the engine's pools.
func (e *Engine) Instantiate(text string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return instantiate(text, e.pools, e.rng)
}

func instantiate(text string, pools map[string][]string, rng *rand.Rand) string {
	return placeholderRegex.ReplaceAllStringFunc(text, func(m string) string {
		name := m[1 : len(m)-1]
		values := pools[name]
		if len(values) == 0 {
			return DefaultToken
		}
		return values[rng.Intn(len(values))]
	})
}

// Placeholders lists the distinct placeholder names in text, in order of
// first appearance.
func Placeholders(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderRegex.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// HasPlaceholders reports whether text still contains a {name} token.
func HasPlaceholders(text string) bool {
	return placeholderRegex.MatchString(text)
}
