package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gxo-labs/simloop/internal/datamgmt"
	"github.com/gxo-labs/simloop/internal/logger"
	"github.com/gxo-labs/simloop/internal/orchestrator"
	"github.com/gxo-labs/simloop/internal/server"
	simloop "github.com/gxo-labs/simloop/pkg/simloop/v1"
	simevents "github.com/gxo-labs/simloop/pkg/simloop/v1/events"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-enough-bytes"

type fixture struct {
	orch *orchestrator.Orchestrator
	data *datamgmt.Manager
	srv  *server.Server
	hub  *server.Hub
}

func newFixture(t *testing.T, cfg server.Config) fixture {
	t.Helper()
	log := logger.NewDiscardLogger()
	orch, err := orchestrator.NewOrchestrator(log, orchestrator.DefaultConfig())
	require.NoError(t, err)
	data, err := datamgmt.New(datamgmt.Deps{
		Store:       orch.ExperienceStore(),
		Checkpoints: orch.CheckpointLogger(),
		Policy:      orch.Policy(),
		Supervisor:  orch.Supervisor(),
	}, log)
	require.NoError(t, err)
	hub := server.NewHub(log)
	srv, err := server.New(server.Deps{
		Controller: orch,
		Data:       data,
		Hub:        hub,
		Metrics:    http.NotFoundHandler(),
	}, cfg, log)
	require.NoError(t, err)
	return fixture{orch: orch, data: data, srv: srv, hub: hub}
}

func (f fixture) do(t *testing.T, method, path string, body interface{}, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func seedExperiences(t *testing.T, f fixture, n int) {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < n; i++ {
		success := i%2 == 0
		e := trial.Experience{
			ID:        fmt.Sprintf("exp-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Strategy:  trial.StrategyDirect,
			Reward:    float64(i) / 10,
			Success:   success,
			Result: trial.LoopResult{
				ID:       fmt.Sprintf("exp-%d", i),
				Outcome:  trial.OutcomeCompleted,
				Success:  success,
				Reward:   float64(i) / 10,
				Strategy: trial.StrategyDirect,
			},
		}
		require.NoError(t, f.orch.ExperienceStore().Add(context.Background(), e))
	}
}

func signedToken(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestNew_RequiresControllerAndData(t *testing.T) {
	_, err := server.New(server.Deps{}, server.Config{}, logger.NewDiscardLogger())
	assert.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, server.Config{})

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "metrics handler is passed through")
}

func TestStatus_IdleOrchestrator(t *testing.T) {
	f := newFixture(t, server.Config{})

	rec := f.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[simloop.Status](t, rec)
	assert.Equal(t, simloop.StateIdle, st.State)
	assert.False(t, st.Running)
	assert.Equal(t, orchestrator.DefaultConfig().TargetSuccesses, st.TargetSuccesses)
}

func TestControlEndpoints_IdleLoop(t *testing.T) {
	f := newFixture(t, server.Config{})

	for _, path := range []string{"/v1/pause", "/v1/resume"} {
		rec := f.do(t, http.MethodPost, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.False(t, decode[simloop.Status](t, rec).Paused, "pausing an idle loop has no effect")
	}
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/stop", nil).Code)
	assert.False(t, f.orch.Status().StopRequested)

	rec := f.do(t, http.MethodPost, "/v1/emergency-stop", map[string]string{"reason": strings.Repeat("x", 300)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, f.orch.Guardrail().InCooldown())

	rec = f.do(t, http.MethodPost, "/v1/emergency-stop", map[string]string{"reason": "runaway costs"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, f.orch.Guardrail().InCooldown(), "emergency stop activates the cooldown")
	assert.Contains(t, decode[simloop.Status](t, rec).Warnings, "emergency stop: runaway costs")
}

func TestGuardrail_GetAndUpdate(t *testing.T) {
	f := newFixture(t, server.Config{})

	rec := f.do(t, http.MethodGet, "/v1/guardrail", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[map[string]interface{}](t, rec)
	assert.Contains(t, view, "config")
	assert.Contains(t, view, "stats")
	assert.Equal(t, false, view["in_cooldown"])

	rec = f.do(t, http.MethodPut, "/v1/guardrail", map[string]interface{}{
		"max_calls_per_minute": 3,
		"cooldown":             "90s",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cfg := f.orch.Guardrail().Config()
	assert.Equal(t, 3, cfg.MaxCallsPerMinute)
	assert.Equal(t, 90*time.Second, cfg.Cooldown)
	assert.Equal(t, 200, cfg.MaxCallsPerHour, "unset fields keep their value")

	for name, body := range map[string]interface{}{
		"negative":       map[string]interface{}{"max_calls_per_hour": -1},
		"threshold":      map[string]interface{}{"warning_threshold_percent": 120},
		"bad duration":   map[string]interface{}{"cooldown": "soon"},
		"malformed json": "{",
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, "/v1/guardrail", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestGuardrail_Cooldown(t *testing.T) {
	f := newFixture(t, server.Config{})

	rec := f.do(t, http.MethodPost, "/v1/guardrail/cooldown", map[string]string{"duration": "1m"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.orch.Guardrail().InCooldown())

	rec = f.do(t, http.MethodDelete, "/v1/guardrail/cooldown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.orch.Guardrail().InCooldown())

	rec = f.do(t, http.MethodPost, "/v1/guardrail/cooldown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.orch.Guardrail().InCooldown(), "empty body uses the configured cooldown")

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/guardrail/reset", nil).Code)
	assert.False(t, f.orch.Guardrail().InCooldown())

	for _, bad := range []string{"soon", "-1m", "0s"} {
		rec = f.do(t, http.MethodPost, "/v1/guardrail/cooldown", map[string]string{"duration": bad})
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
		assert.False(t, f.orch.Guardrail().InCooldown(), "rejected duration %q must not start a cooldown", bad)
	}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/guardrail/reset-daily", nil).Code)
}

func TestExperiences_Query(t *testing.T) {
	f := newFixture(t, server.Config{})
	seedExperiences(t, f, 6)

	rec := f.do(t, http.MethodGet, "/v1/experiences?success=true&sort=reward&order=asc&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[datamgmt.Page](t, rec)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "exp-0", page.Items[0].ID)
	assert.Equal(t, "exp-2", page.Items[1].ID)
	assert.True(t, page.HasMore)

	rec = f.do(t, http.MethodGet, "/v1/experiences?strategy=few_shot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[datamgmt.Page](t, rec).Items)

	for _, q := range []string{"limit=5000", "sort=colour", "strategy=guessing", "since=yesterday", "order=sideways"} {
		rec := f.do(t, http.MethodGet, "/v1/experiences?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestExperiences_DeleteAndPrune(t *testing.T) {
	f := newFixture(t, server.Config{})
	seedExperiences(t, f, 6)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/experiences/exp-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/experiences/exp-1", nil).Code)

	rec := f.do(t, http.MethodPost, "/v1/experiences/prune", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "prune needs a criterion")

	rec = f.do(t, http.MethodPost, "/v1/experiences/prune", map[string]interface{}{"failed_only": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(2), decode[map[string]interface{}](t, rec)["deleted"])

	rec = f.do(t, http.MethodGet, "/v1/experiences/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[datamgmt.Stats](t, rec)
	assert.Equal(t, 3, st.Experiences.Total)
}

func TestCheckpoints_CreateAndList(t *testing.T) {
	f := newFixture(t, server.Config{})

	rec := f.do(t, http.MethodPost, "/v1/checkpoints", map[string]string{"reason": "before-upgrade"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cp := decode[trial.Checkpoint](t, rec)
	assert.Equal(t, "before-upgrade", cp.Reason)

	rec = f.do(t, http.MethodGet, "/v1/checkpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode[map[string]interface{}](t, rec)["total"])
}

func TestExportImportAndReset(t *testing.T) {
	src := newFixture(t, server.Config{})
	seedExperiences(t, src, 4)

	rec := src.do(t, http.MethodGet, "/v1/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "simloop-export-")
	exported := rec.Body.String()

	dst := newFixture(t, server.Config{})
	rec = dst.do(t, http.MethodPost, "/v1/import", exported)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[datamgmt.ImportSummary](t, rec)
	assert.Equal(t, 4, summary.Imported)
	assert.Zero(t, summary.Failed)

	partial := `{"format_version":"1.0.0","experiences":[
		{"id":"late-1","timestamp":"2026-03-01T12:00:00Z","strategy":"direct"},
		{"id":"late-2"}
	]}`
	rec = dst.do(t, http.MethodPost, "/v1/import", partial)
	require.Equal(t, http.StatusOK, rec.Code, "item failures are reported in the summary")
	summary = decode[datamgmt.ImportSummary](t, rec)
	assert.Equal(t, 1, summary.Imported)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "late-2")

	rec = dst.do(t, http.MethodPost, "/v1/import", `{"format_version":"2.0.0","experiences":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = dst.do(t, http.MethodPost, "/v1/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, dst.orch.ExperienceStore().(interface{ Len() int }).Len())
}

func TestImport_OversizedBodyIs413(t *testing.T) {
	f := newFixture(t, server.Config{MaxImportBytes: 64})
	doc := `{"format_version":"1.0.0","experiences":[{"id":"big","timestamp":"2026-03-01T12:00:00Z","strategy":"direct"}]}`
	require.Greater(t, len(doc), 64)

	rec := f.do(t, http.MethodPost, "/v1/import", doc)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds 64 bytes")
	assert.Zero(t, f.orch.ExperienceStore().(interface{ Len() int }).Len())
}

func TestJWTAuth(t *testing.T) {
	f := newFixture(t, server.Config{JWTSecret: testSecret})

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/status", nil).Code)

	expired := signedToken(t, testSecret, time.Now().Add(-time.Minute))
	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodGet, "/v1/status", nil, "Authorization", "Bearer "+expired).Code)

	forged := signedToken(t, "some-other-secret", time.Now().Add(time.Hour))
	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodGet, "/v1/status", nil, "Authorization", "Bearer "+forged).Code)

	valid := signedToken(t, testSecret, time.Now().Add(time.Hour))
	assert.Equal(t, http.StatusOK,
		f.do(t, http.MethodGet, "/v1/status", nil, "Authorization", "Bearer "+valid).Code)
	assert.Equal(t, http.StatusOK,
		f.do(t, http.MethodGet, "/v1/status?access_token="+valid, nil).Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code, "health probe is public")
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, server.Config{RateLimit: 0.001, RateBurst: 2})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/status", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/status", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/v1/status", nil).Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, server.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan simevents.Event, 4)
	go f.hub.Run(ctx, events)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	events <- simevents.Event{Type: simevents.TrialEnd, Timestamp: time.Now(), TrialID: "t-1", Attempt: 3}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got simevents.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, simevents.TrialEnd, got.Type)
	assert.Equal(t, "t-1", got.TrialID)
	assert.Equal(t, 3, got.Attempt)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStream_HubShutdownDisconnectsClients(t *testing.T) {
	f := newFixture(t, server.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.hub.Run(ctx, nil)
		close(done)
	}()

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, f.hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
