package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclon/internal/events"
	"cyclon/internal/graph"
	"cyclon/internal/jobrunner"
	"cyclon/internal/observability"
	"cyclon/internal/scheduler"
)

const gatedWorkflow = `
name: wired
cycling:
  initial: "1"
  calendar: integer
tasks:
  A:
    cycling: ["R1/1/P0"]
`

// startScheduler runs a scheduler whose simulated jobs never finish on
// their own, so tests control completion via the message API.
func startScheduler(t *testing.T) (*scheduler.Scheduler, *Server, context.CancelFunc) {
	t.Helper()
	wf, err := graph.Parse([]byte(gatedWorkflow))
	require.NoError(t, err)

	var sched *scheduler.Scheduler
	runner := jobrunner.NewSimRunner(nil, time.Hour, func(taskID string, submitNum int, severity, text string) {
		sched.Deliver(events.Message{TaskID: taskID, SubmitNum: submitNum,
			Severity: events.ParseSeverity(severity), Text: text, EventTime: time.Now()})
	}, nil)
	sched, err = scheduler.New(scheduler.Options{
		Workflow:     wf,
		Runner:       runner,
		TickInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	srv := New(sched, observability.NewMetrics(), nil)
	return sched, srv, cancel
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMessageEndpointDrivesLifecycle(t *testing.T) {
	sched, srv, cancel := startScheduler(t)
	defer cancel()

	// Wait for A.1 to submit and start.
	require.Eventually(t, func() bool {
		summary, err := sched.Summary()
		return err == nil && summary.ByStatus["running"] == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec := postJSON(t, srv.Handler(), "/api/v1/messages", events.Message{
		TaskID: "A.1", SubmitNum: 1, Severity: events.SeverityInfo, Text: "succeeded",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-sched.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not finish after the succeeded message")
	}
}

func TestMessageValidation(t *testing.T) {
	_, srv, cancel := startScheduler(t)
	defer cancel()

	rec := postJSON(t, srv.Handler(), "/api/v1/messages", map[string]any{"text": "no task id"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStateAndCommandEndpoints(t *testing.T) {
	sched, srv, cancel := startScheduler(t)
	defer cancel()

	rec := postJSON(t, srv.Handler(), "/api/v1/commands/pause", struct{}{})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
	stateRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(stateRec, req)
	require.Equal(t, http.StatusOK, stateRec.Code)
	var summary scheduler.StateSummary
	require.NoError(t, json.Unmarshal(stateRec.Body.Bytes(), &summary))
	assert.True(t, summary.Paused)
	assert.Equal(t, "wired", summary.Workflow)

	// Unknown matcher globs are input errors.
	rec = postJSON(t, srv.Handler(), "/api/v1/commands/hold", map[string]any{"matcher": "ghost.*"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing matcher is rejected before reaching the scheduler.
	rec = postJSON(t, srv.Handler(), "/api/v1/commands/hold", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_ = sched.StopNow()
}

func TestBroadcastEndpoints(t *testing.T) {
	sched, srv, cancel := startScheduler(t)
	defer cancel()
	defer sched.StopNow()

	rec := postJSON(t, srv.Handler(), "/api/v1/broadcast", map[string]any{
		"namespaces": []string{"A"},
		"settings":   map[string]string{"environment.FOO": "bar"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/broadcast", nil)
	dumpRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(dumpRec, req)
	require.Equal(t, http.StatusOK, dumpRec.Code)
	assert.Contains(t, dumpRec.Body.String(), "environment.FOO=bar")
}

func TestMetricsEndpoint(t *testing.T) {
	sched, srv, cancel := startScheduler(t)
	defer cancel()
	defer sched.StopNow()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cyclon_")
}
