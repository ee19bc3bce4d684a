package generator_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gxo-labs/simloop/internal/generator"
	"github.com/gxo-labs/simloop/internal/logger"
	"github.com/gxo-labs/simloop/internal/rubric"
	"github.com/gxo-labs/simloop/internal/secrets"
	"github.com/gxo-labs/simloop/internal/template"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() simlog.Logger {
	return logger.NewLogger("error", "text", io.Discard)
}

func nodeTypes(wf *workflow.Workflow) []string {
	out := make([]string, len(wf.Nodes))
	for i, n := range wf.Nodes {
		out[i] = n.Type
	}
	return out
}

func TestCatalog_BuildsValidChain(t *testing.T) {
	gen := generator.NewCatalog(generator.CatalogConfig{Seed: 1}, testLogger())

	g, err := gen.Generate(context.Background(), "폴더의 모든 PDF 보고서를 요약해서 마크다운으로 저장해줘", trial.StrategyDirect)
	require.NoError(t, err)
	require.NotNil(t, g.Workflow)

	types := nodeTypes(g.Workflow)
	assert.Equal(t, "io.folder-list", types[0])
	assert.Contains(t, types, "doc.pdf-parse")
	assert.Contains(t, types, "llm.summarize")
	assert.NotContains(t, types, "llm.chat", "an existing llm node satisfies the llm requirement")
	assert.Equal(t, "io.file-write", types[len(types)-1])

	report := rubric.ValidateStructure(g.Workflow)
	assert.True(t, report.Valid, "%v", report.Errors)
	assert.Len(t, g.Workflow.Edges, len(g.Workflow.Nodes)-1)
	assert.NotEmpty(t, g.Workflow.ID)
	assert.InDelta(t, 0.5, g.IntentScore, 0.5)
}

func TestCatalog_StrategyShapesWorkflow(t *testing.T) {
	gen := generator.NewCatalog(generator.CatalogConfig{Seed: 1}, testLogger())
	prompt := "CSV 파일을 읽어서 차트로 만들어줘"

	direct, err := gen.Generate(context.Background(), prompt, trial.StrategyDirect)
	require.NoError(t, err)
	rag, err := gen.Generate(context.Background(), prompt, trial.StrategyRetrievalAugmented)
	require.NoError(t, err)

	assert.NotContains(t, nodeTypes(direct.Workflow), "storage.vector-search")
	assert.Contains(t, nodeTypes(rag.Workflow), "storage.vector-search")
	assert.Contains(t, nodeTypes(direct.Workflow), "llm.chat", "an llm node is always present")
	assert.Equal(t, "viz.chart", nodeTypes(direct.Workflow)[len(direct.Workflow.Nodes)-1])
	assert.Greater(t, rag.ExplainabilityScore, direct.ExplainabilityScore)
}

func TestCatalog_Failures(t *testing.T) {
	gen := generator.NewCatalog(generator.CatalogConfig{Seed: 3, FailureRate: 1}, testLogger())
	_, err := gen.Generate(context.Background(), "anything", trial.StrategyDirect)
	assert.ErrorContains(t, err, "simulated failure")

	ok := generator.NewCatalog(generator.CatalogConfig{Seed: 3}, testLogger())
	_, err = ok.Generate(context.Background(), "   ", trial.StrategyDirect)
	assert.ErrorIs(t, err, generator.ErrEmptyPrompt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ok.Generate(ctx, "x", trial.StrategyDirect)
	assert.ErrorIs(t, err, context.Canceled)
}

type chatServer struct {
	mu       sync.Mutex
	requests []map[string]interface{}
	status   int
	content  string
	body     string
}

func (s *chatServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if s.status != 0 {
			w.WriteHeader(s.status)
			_, _ = io.WriteString(w, s.body)
			return
		}
		resp := map[string]interface{}{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  req["model"],
			"choices": []interface{}{map[string]interface{}{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": s.content},
			}},
			"usage": map[string]interface{}{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func newOpenAI(t *testing.T, srv *chatServer, tracker *secrets.SecretTracker) *generator.OpenAI {
	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)
	gen, err := generator.NewOpenAI(generator.OpenAIConfig{
		Model:   "test-model",
		BaseURL: ts.URL + "/v1/",
		APIKey:  "sk-test-123456",
	}, tracker, testLogger())
	require.NoError(t, err)
	return gen
}

const answer = `{"workflow": {"name": "pdf summary", "nodes": [
  {"id": "read", "type": "io.file-read"},
  {"id": "sum", "type": "llm.summarize", "params": {"auth": "Bearer sk-test-123456"}},
  {"id": "out", "type": "io.file-write"}],
 "edges": [{"source": "read", "target": "sum"}, {"source": "sum", "target": "out"}]},
 "explainability_score": 0.9, "intent_score": 1.4}`

func TestOpenAI_Generate(t *testing.T) {
	srv := &chatServer{content: "```json\n" + answer + "\n```"}
	gen := newOpenAI(t, srv, nil)

	g, err := gen.Generate(context.Background(), "PDF를 요약해줘", trial.StrategyChainOfThought)
	require.NoError(t, err)
	require.NotNil(t, g.Workflow)

	assert.Len(t, g.Workflow.Nodes, 3)
	assert.NotEmpty(t, g.Workflow.ID)
	assert.Equal(t, "read-sum", g.Workflow.Edges[0].ID)
	assert.Equal(t, template.RedactedSecretValue, g.Workflow.Nodes[1].Params["auth"])
	assert.Equal(t, 0.9, g.ExplainabilityScore)
	assert.Equal(t, 1.0, g.IntentScore, "scores are clamped")

	require.Len(t, srv.requests, 1)
	req := srv.requests[0]
	assert.Equal(t, "test-model", req["model"])
	assert.Equal(t, map[string]interface{}{"type": "json_object"}, req["response_format"])
	msgs := req["messages"].([]interface{})
	require.Len(t, msgs, 2)
	system := msgs[0].(map[string]interface{})["content"].(string)
	user := msgs[1].(map[string]interface{})["content"].(string)
	assert.Contains(t, system, "- llm.chat: Chat completion")
	assert.True(t, strings.HasPrefix(user, "Strategy: chain_of_thought\nReason step by step"))
	assert.True(t, strings.HasSuffix(user, "Request:\nPDF를 요약해줘"))
}

func TestOpenAI_NoWorkflow(t *testing.T) {
	gen := newOpenAI(t, &chatServer{content: `{"workflow": null}`}, nil)
	g, err := gen.Generate(context.Background(), "x", trial.StrategyDirect)
	require.NoError(t, err)
	assert.Nil(t, g.Workflow)
}

func TestOpenAI_Failures(t *testing.T) {
	t.Run("malformed", func(t *testing.T) {
		gen := newOpenAI(t, &chatServer{content: "not json"}, nil)
		_, err := gen.Generate(context.Background(), "x", trial.StrategyDirect)
		assert.ErrorContains(t, err, "not valid JSON")
	})
	t.Run("empty", func(t *testing.T) {
		gen := newOpenAI(t, &chatServer{content: " "}, nil)
		_, err := gen.Generate(context.Background(), "x", trial.StrategyDirect)
		assert.ErrorContains(t, err, "no content")
	})
	t.Run("api error is redacted", func(t *testing.T) {
		tracker := secrets.NewSecretTracker()
		gen := newOpenAI(t, &chatServer{
			status: http.StatusUnauthorized,
			body:   `{"error": {"message": "invalid key sk-test-123456", "type": "invalid_request_error"}}`,
		}, tracker)
		_, err := gen.Generate(context.Background(), "x", trial.StrategyDirect)
		require.Error(t, err)
		assert.NotContains(t, err.Error(), "sk-test-123456")
		assert.Contains(t, err.Error(), "chat completion failed")
	})
}

func TestNewOpenAI_Validation(t *testing.T) {
	var cfgErr *simerrors.ConfigError

	_, err := generator.NewOpenAI(generator.OpenAIConfig{Model: "m"}, nil, testLogger())
	assert.ErrorAs(t, err, &cfgErr)

	_, err = generator.NewOpenAI(generator.OpenAIConfig{APIKey: "k"}, nil, testLogger())
	assert.ErrorAs(t, err, &cfgErr)

	_, err = generator.NewOpenAI(generator.OpenAIConfig{APIKey: "k", Model: "m", UserPrompt: "{{ .Unknown }}"}, nil, testLogger())
	assert.ErrorContains(t, err, "unknown field")

	_, err = generator.NewOpenAI(generator.OpenAIConfig{APIKey: "k", Model: "m", SystemPrompt: "{{ .Nope }}"}, nil, testLogger())
	assert.ErrorAs(t, err, &cfgErr)
}
