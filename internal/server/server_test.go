package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suiteline/internal/config"
	"suiteline/internal/db"
	"suiteline/internal/engine"
	"suiteline/internal/migrate"
	suitelinesdk "suiteline/sdk/go"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	SDK    *suitelinesdk.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	cfg := config.Default()
	cfg.Orchestrator.GracePeriod = 0
	e := engine.New(conn, cfg, nil, nil)
	handler, err := New(Config{Engine: e, BasePath: "/v1"})
	require.NoError(t, err)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Stop(context.Background())
			conn.Close()
		},
	}
	ts.SDK = suitelinesdk.New(ts.URL + "/v1")
	t.Cleanup(ts.close)
	return ts
}

func apiCode(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *suitelinesdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected API error, got %v", err)
	return apiErr.StatusCode, apiErr.Code
}

func passAll(b suitelinesdk.Batch) []suitelinesdk.TestResult {
	res := make([]suitelinesdk.TestResult, 0, len(b.Tests))
	for _, tc := range b.Tests {
		res = append(res, suitelinesdk.TestResult{TestExecutionID: tc.TestExecutionID, Status: "PASSED"})
	}
	return res
}

func TestAgentRunsExecutionToFinished(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := srv.SDK

	suite, err := c.CreateSuite(ctx, "regression", "/srv/regression", []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Equal(t, 5, suite.Tests)

	ex, agents, err := c.StartExecution(ctx, suitelinesdk.StartExecutionRequest{SuiteIDs: []string{suite.ID}, BatchSize: 3, Agents: 1})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "PENDING", ex.Status)
	agent := agents[0]

	hb, err := c.Heartbeat(ctx, agent, "STARTING", time.Time{}, "")
	require.NoError(t, err)
	require.Equal(t, suitelinesdk.DirectiveNewJob, hb.Directive)
	require.Len(t, hb.Tests, 3)
	assert.Equal(t, "/srv/regression", hb.TestSuiteRootPaths[suite.ID])

	hb2, err := c.Heartbeat(ctx, agent, "BUSY", time.Time{}, "1/3")
	require.NoError(t, err)
	assert.Equal(t, suitelinesdk.DirectiveContinue, hb2.Directive)
	assert.Empty(t, hb2.Tests)

	got, err := c.ReportResults(ctx, agent, passAll(hb.Batch))
	require.NoError(t, err)
	assert.Equal(t, 3, got.PassedTests)

	hb, err = c.Heartbeat(ctx, agent, "IDLE", time.Time{}, "")
	require.NoError(t, err)
	require.Equal(t, suitelinesdk.DirectiveNewJob, hb.Directive)
	require.Len(t, hb.Tests, 2)
	_, err = c.ReportResults(ctx, agent, []suitelinesdk.TestResult{
		{TestExecutionID: hb.Tests[0].TestExecutionID, Status: "PASSED"},
		{TestExecutionID: hb.Tests[1].TestExecutionID, Status: "FAILED"},
	})
	require.NoError(t, err)

	hb, err = c.Heartbeat(ctx, agent, "IDLE", time.Time{}, "")
	require.NoError(t, err)
	assert.Equal(t, suitelinesdk.DirectiveTerminate, hb.Directive)

	srv.Engine.Orchestrator.Wait()
	done, err := c.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, "FINISHED", done.Status)
	assert.Equal(t, 4, done.PassedTests)
	assert.Equal(t, 1, done.FailedTests)

	views, err := c.ListAgents(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "TERMINATED", views[0].State)

	finished, err := c.ListExecutions(ctx, "FINISHED")
	require.NoError(t, err)
	require.Len(t, finished, 1)
	pending, err := c.ListExecutions(ctx, "PENDING")
	require.NoError(t, err)
	assert.Empty(t, pending)

	evts, err := c.ExecutionEvents(ctx, ex.ID)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, "execution.created", evts[0].Type)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := srv.SDK

	_, err := c.Heartbeat(ctx, "ghost", "IDLE", time.Time{}, "")
	status, code := apiCode(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", code)

	suite, err := c.CreateSuite(ctx, "s", "/s", []string{"one", "two"})
	require.NoError(t, err)
	ex, agents, err := c.StartExecution(ctx, suitelinesdk.StartExecutionRequest{SuiteIDs: []string{suite.ID}, BatchSize: 1, Agents: 2})
	require.NoError(t, err)

	_, err = c.Heartbeat(ctx, agents[0], "DANCING", time.Time{}, "")
	status, _ = apiCode(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	_, err = c.Heartbeat(ctx, agents[0], "CRASHED", time.Time{}, "")
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invariant_violation", code)

	b, err := c.GetBatch(ctx, agents[1])
	require.NoError(t, err)
	require.Len(t, b.Tests, 1)
	_, err = c.ReportResults(ctx, agents[0], passAll(b))
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_owner", code)

	st, err := c.UpdateExecutionStatus(ctx, ex.ID, "FINISHED", "")
	require.NoError(t, err)
	assert.Equal(t, "FINISHED", st)
	_, err = c.UpdateExecutionStatus(ctx, ex.ID, "RUNNING", "")
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_transition", code)

	_, _, err = c.StartExecution(ctx, suitelinesdk.StartExecutionRequest{SuiteIDs: []string{"nope"}, Agents: 1})
	assert.True(t, suitelinesdk.IsNotFound(err))

	_, err = c.ListExecutions(ctx, "DONE")
	status, _ = apiCode(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeleteSuiteObsoletesExecution(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := srv.SDK

	suite, err := c.CreateSuite(ctx, "s", "/s", []string{"one", "two", "three"})
	require.NoError(t, err)
	ex, _, err := c.StartExecution(ctx, suitelinesdk.StartExecutionRequest{SuiteIDs: []string{suite.ID}, Agents: 2})
	require.NoError(t, err)

	require.NoError(t, c.DeleteSuite(ctx, suite.ID))
	got, err := c.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, "OBSOLETE", got.Status)
	views, err := c.ListAgents(ctx, ex.ID)
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.True(t, suitelinesdk.IsNotFound(c.DeleteSuite(ctx, suite.ID)))
}

func TestHealthDocsAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	for _, tc := range []struct {
		path     string
		contains string
	}{
		{"/v1/health", `"ok"`},
		{"/v1/openapi.json", "/heartbeat"},
		{"/docs", "swagger-ui"},
		{"/metrics", "suiteline_heartbeat_live_agents"},
	} {
		res, err := http.Get(srv.URL + tc.path)
		require.NoError(t, err, tc.path)
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.StatusCode, tc.path)
		assert.Contains(t, string(body), tc.contains, tc.path)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hookLn, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	hookSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	})}
	go hookSrv.Serve(hookLn)
	defer hookSrv.Shutdown(ctx)

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{
		URL:    "http://" + hookLn.Addr().String() + "/hook",
		Events: []string{"suite.created"},
		Secret: "s3cret",
	}}, nil)
	require.NotNil(t, d)
	d.DispatchAll(ctx) // pins the cursor before any event exists

	_, err = srv.SDK.CreateSuite(ctx, "hooked", "/h", []string{"x"})
	require.NoError(t, err)
	suite2, err := srv.SDK.CreateSuite(ctx, "hooked-2", "/h", []string{"y"})
	require.NoError(t, err)
	require.NoError(t, srv.SDK.DeleteSuite(ctx, suite2.ID))
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	for i, evt := range got {
		assert.Equal(t, "suite.created", evt.Type)
		assert.Equal(t, "s3cret", headers[i].Get("X-Suiteline-Secret"))
		assert.Equal(t, "suite.created", headers[i].Get("X-Suiteline-Event"))
	}
	assert.Equal(t, suite2.ID, got[1].EntityID)

	assert.Nil(t, NewWebhookDispatcher(srv.Engine.Repo, nil, nil))
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	assert.True(t, all.match("anything"))
	blank := newEventFilter([]string{" ", ""})
	assert.True(t, blank.match("anything"))
	some := newEventFilter([]string{"execution.finished", " agent.crashed "})
	assert.True(t, some.match("agent.crashed"))
	assert.False(t, some.match("execution.created"))
	assert.True(t, strings.HasPrefix(swaggerHTML("/v1"), "<!doctype html>"))
}
