package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gxo-labs/simloop/internal/secrets"
	"github.com/gxo-labs/simloop/internal/template"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultSystemPrompt describes the expected JSON document to the model.
const DefaultSystemPrompt = `You design workflows for a visual AI/data pipeline builder.
Answer with a single JSON object:
{"workflow": {"name": string, "nodes": [{"id": string, "type": string, "label": string, "params": object}], "edges": [{"source": string, "target": string}]},
 "explainability_score": number between 0 and 1,
 "intent_score": number between 0 and 1}
Use only these node types:
{{ nodeTypes }}
The graph must be acyclic and every node must be connected.`

// DefaultUserPrompt frames the user request with the chosen strategy.
const DefaultUserPrompt = `Strategy: {{ .Strategy }}
{{- if .Guidance }}
{{ .Guidance }}
{{- end }}

Request:
{{ .Prompt }}`

var strategyGuidance = map[trial.Strategy]string{
	trial.StrategyDirect:             "Produce the smallest workflow that satisfies the request.",
	trial.StrategyTemplateBased:      "Start from a prompt.template node and fill it from the inputs.",
	trial.StrategyChainOfThought:     "Reason step by step about the data flow before choosing nodes; keep a debug.log node on the critical path.",
	trial.StrategyFewShot:            "Use a prompt.few-shot node to give the model worked examples.",
	trial.StrategyDecompose:          "Split the task into independent sub-steps and merge their results with control.merge.",
	trial.StrategyRetrievalAugmented: "Retrieve supporting context with llm.embed and storage.vector-search before generating.",
}

// OpenAIConfig configures the chat-model generator.
type OpenAIConfig struct {
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	// SystemPrompt and UserPrompt are text/template sources. Empty means the
	// defaults.
	SystemPrompt string
	UserPrompt   string
}

// OpenAI asks an OpenAI-compatible chat completion endpoint for a workflow
// in JSON mode.
type OpenAI struct {
	client   *openai.Client
	cfg      OpenAIConfig
	renderer *template.GoRenderer
	system   string
	tracker  *secrets.SecretTracker
	log      simlog.Logger
}

type userPromptData struct {
	Prompt   string
	Strategy string
	Guidance string
}

type modelAnswer struct {
	Workflow            *workflow.Workflow `json:"workflow"`
	ExplainabilityScore *float64           `json:"explainability_score"`
	IntentScore         *float64           `json:"intent_score"`
}

// NewOpenAI validates cfg and renders the system prompt once. The API key is
// added to tracker so it is scrubbed from errors and generated params.
func NewOpenAI(cfg OpenAIConfig, tracker *secrets.SecretTracker, log simlog.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, simerrors.NewConfigError("openai generator requires an API key", nil)
	}
	if cfg.Model == "" {
		return nil, simerrors.NewConfigError("openai generator requires a model", nil)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.UserPrompt == "" {
		cfg.UserPrompt = DefaultUserPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if tracker == nil {
		tracker = secrets.NewSecretTracker()
	}
	tracker.Add(cfg.APIKey)

	renderer := template.NewGoRenderer()
	vars, err := renderer.ExtractVariables(cfg.UserPrompt)
	if err != nil {
		return nil, simerrors.NewConfigError("invalid user prompt template", err)
	}
	for _, v := range vars {
		switch v {
		case "Prompt", "Strategy", "Guidance":
		default:
			return nil, simerrors.NewConfigError(fmt.Sprintf("user prompt template references unknown field %q", v), nil)
		}
	}
	system, err := renderer.Render(cfg.SystemPrompt, nil)
	if err != nil {
		return nil, simerrors.NewConfigError("invalid system prompt template", err)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &OpenAI{
		client:   openai.NewClientWithConfig(clientCfg),
		cfg:      cfg,
		renderer: renderer,
		system:   system,
		tracker:  tracker,
		log:      log,
	}, nil
}

// Generate sends the prompt and parses the JSON answer. Transport errors,
// empty answers and malformed JSON are generation failures. A well-formed
// answer without a workflow yields a nil Workflow.
func (o *OpenAI) Generate(ctx context.Context, prompt string, strategy trial.Strategy) (*collab.Generation, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	user, err := o.renderer.Render(o.cfg.UserPrompt, userPromptData{
		Prompt:   prompt,
		Strategy: string(strategy),
		Guidance: strategyGuidance[strategy],
	})
	if err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature:    o.cfg.Temperature,
		MaxTokens:      o.cfg.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	o.log.Debugf("Requesting workflow from model %s with strategy %s", o.cfg.Model, strategy)
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", o.tracker.RedactError(err))
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("model %s returned no content", o.cfg.Model)
	}

	var answer modelAnswer
	if err := json.Unmarshal([]byte(stripFences(resp.Choices[0].Message.Content)), &answer); err != nil {
		return nil, fmt.Errorf("model answer is not valid JSON: %w", err)
	}

	gen := &collab.Generation{Workflow: answer.Workflow}
	if answer.Workflow == nil || len(answer.Workflow.Nodes) == 0 {
		gen.Workflow = nil
		return gen, nil
	}
	wf := answer.Workflow
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	for i := range wf.Edges {
		if wf.Edges[i].ID == "" {
			wf.Edges[i].ID = wf.Edges[i].Source + "-" + wf.Edges[i].Target
		}
	}
	if template.RedactWorkflow(wf, o.tracker) {
		o.log.Warnf("Redacted tracked secrets from generated workflow %s", wf.ID)
	}

	gen.ExplainabilityScore = scoreOr(answer.ExplainabilityScore, 0.5)
	gen.IntentScore = scoreOr(answer.IntentScore, 0.5)
	if resp.Usage.TotalTokens > 0 {
		o.log.Debugf("Model %s used %d tokens", o.cfg.Model, resp.Usage.TotalTokens)
	}
	return gen, nil
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func scoreOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return clamp01(*v)
}

var _ collab.Generator = (*OpenAI)(nil)
