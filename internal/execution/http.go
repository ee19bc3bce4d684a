package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gxo-labs/simloop/internal/retry"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 512

// HTTPConfig configures the remote engine client.
type HTTPConfig struct {
	// URL receives a POST with {"workflow": ...} and answers with an
	// ExecutionSnapshot.
	URL     string
	Timeout time.Duration
	Headers map[string]string
	// Attempts retries transport errors and 5xx answers. 4xx answers are
	// never retried.
	Attempts int
	Delay    time.Duration
}

// HTTP executes workflows on a remote engine.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	retry  *retry.Helper
	log    simlog.Logger
}

type executeRequest struct {
	Workflow *workflow.Workflow `json:"workflow"`
}

// statusError is a non-2xx answer.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("execution engine answered %d: %s", e.code, e.body)
}

// NewHTTP validates cfg and builds the client.
func NewHTTP(cfg HTTPConfig, log simlog.Logger) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, simerrors.NewConfigError("http execution engine requires a url", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 500 * time.Millisecond
	}
	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry: retry.NewHelper(log),
		log:   log,
	}, nil
}

// Execute posts wf and decodes the snapshot. A snapshot without a status is
// treated as a failed run.
func (h *HTTP) Execute(ctx context.Context, wf *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
	if wf == nil {
		return nil, ErrNilWorkflow
	}
	body, err := json.Marshal(executeRequest{Workflow: wf})
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}

	var snap *workflow.ExecutionSnapshot
	var permanent error
	err = h.retry.Do(ctx, retry.Config{
		Attempts:      h.cfg.Attempts,
		Delay:         h.cfg.Delay,
		BackoffFactor: 2,
		Jitter:        0.1,
		Name:          "execute",
	}, func(ctx context.Context) error {
		s, err := h.post(ctx, body)
		if se, ok := err.(*statusError); ok && se.code < 500 {
			permanent = err
			return nil
		}
		snap = s
		return err
	})
	if permanent != nil {
		return nil, permanent
	}
	if err != nil {
		return nil, err
	}
	if snap.Status == "" {
		snap.Status = workflow.StatusFailed
	}
	if snap.Outputs == nil {
		snap.Outputs = map[string]interface{}{}
	}
	return snap, nil
}

func (h *HTTP) post(ctx context.Context, body []byte) (*workflow.ExecutionSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(snippet))}
	}
	var snap workflow.ExecutionSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode execution snapshot: %w", err)
	}
	return &snap, nil
}

var _ collab.ExecutionEngine = (*HTTP)(nil)
