package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/engine"
	"planline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("planline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func directivePayload() map[string]any {
	return map[string]any{
		"version":   "directive_v1",
		"objective": "Harden the release pipeline against flaky deploys",
		"risks": []map[string]any{
			{"id": "r1", "text": "pipeline changes can block releases", "severity": "high"},
		},
		"tasksToCreate": []map[string]any{
			{"title": "Add deploy smoke checks", "steps": []string{"define checks", "wire into pipeline"}},
		},
		"successCriteria": []string{"two consecutive clean releases"},
		"estimatedImpact": "high",
	}
}

func TestDirectiveLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/planline"

	res, data := doJSON(t, client, http.MethodPost, base+"/directives", directivePayload(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted SubmitDirectiveResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	if submitted.Deduplicated {
		t.Fatalf("first submit reported as duplicate")
	}
	if submitted.Directive.Status != "pending_review" {
		t.Fatalf("submitted status: %s", submitted.Directive.Status)
	}
	id := submitted.Directive.ID

	// Identical resubmission collapses onto the pending directive.
	res, data = doJSON(t, client, http.MethodPost, base+"/directives", directivePayload(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("resubmit status %d: %s", res.StatusCode, string(data))
	}
	var resubmitted SubmitDirectiveResponse
	_ = json.Unmarshal(data, &resubmitted)
	if !resubmitted.Deduplicated || resubmitted.Directive.ID != id {
		t.Fatalf("resubmit: %+v", resubmitted)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/directives/"+id+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/directives/"+id+"/apply", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	var applied ApplyResultResponse
	if err := json.Unmarshal(data, &applied); err != nil {
		t.Fatalf("unmarshal apply response: %v", err)
	}
	if applied.TasksCreated != 1 || applied.Idempotent {
		t.Fatalf("apply result: %+v", applied)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/tasks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var tasks paginatedTasks
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks.Items) != 1 || tasks.Items[0].DirectiveID != id {
		t.Fatalf("tasks: %+v", tasks)
	}
}

func TestSubmitInvalidDirectiveReturnsViolations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	payload := directivePayload()
	delete(payload, "objective")
	payload["risks"] = []any{}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/planline/directives", payload, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_directive" {
		t.Fatalf("error code: %s", envelope.Error.Code)
	}
	violations, ok := envelope.Error.Details["violations"].([]any)
	if !ok || len(violations) < 2 {
		t.Fatalf("violations: %v", envelope.Error.Details)
	}
}

func TestApplyUnapprovedDirectiveConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/planline"

	res, data := doJSON(t, client, http.MethodPost, base+"/directives", directivePayload(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted SubmitDirectiveResponse
	_ = json.Unmarshal(data, &submitted)

	res, data = doJSON(t, client, http.MethodPost, base+"/directives/"+submitted.Directive.ID+"/apply", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("error code: %s", envelope.Error.Code)
	}
}

func TestRejectPersistsOptionalReason(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/planline"

	res, data := doJSON(t, client, http.MethodPost, base+"/directives", directivePayload(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted SubmitDirectiveResponse
	_ = json.Unmarshal(data, &submitted)
	id := submitted.Directive.ID

	res, data = doJSON(t, client, http.MethodPost, base+"/directives/"+id+"/reject", map[string]any{"reason": "out of scope"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}
	var rejected DirectiveResponse
	_ = json.Unmarshal(data, &rejected)
	if rejected.Status != "rejected" || rejected.RejectReason != "out of scope" {
		t.Fatalf("rejected directive: %+v", rejected)
	}

	// The reason is optional; a bare rejection succeeds with none recorded.
	payload := directivePayload()
	payload["objective"] = "Retire the legacy export job"
	res, data = doJSON(t, client, http.MethodPost, base+"/directives", payload, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("second submit status %d: %s", res.StatusCode, string(data))
	}
	var second SubmitDirectiveResponse
	_ = json.Unmarshal(data, &second)

	res, data = doJSON(t, client, http.MethodPost, base+"/directives/"+second.Directive.ID+"/reject", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject without reason status %d: %s", res.StatusCode, string(data))
	}
	var bare DirectiveResponse
	_ = json.Unmarshal(data, &bare)
	if bare.Status != "rejected" || bare.RejectReason != "" {
		t.Fatalf("bare rejection: %+v", bare)
	}
}

func TestRequiredDataBlocksApplyOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/planline"

	payload := directivePayload()
	payload["requiredRequests"] = []map[string]any{
		{"requestId": "api.credentials", "reason": "need staging access"},
	}
	res, data := doJSON(t, client, http.MethodPost, base+"/directives", payload, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted SubmitDirectiveResponse
	_ = json.Unmarshal(data, &submitted)
	id := submitted.Directive.ID

	res, data = doJSON(t, client, http.MethodPost, base+"/directives/"+id+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/directives/"+id+"/apply", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("blocked apply status %d: %s", res.StatusCode, string(data))
	}
	var blocked ApplyResultResponse
	_ = json.Unmarshal(data, &blocked)
	if !blocked.BlockedByRequests || len(blocked.MissingRequests) != 1 {
		t.Fatalf("blocked result: %+v", blocked)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/required-data/api.credentials/provide", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("provide status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/directives/"+id+"/apply", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	var applied ApplyResultResponse
	_ = json.Unmarshal(data, &applied)
	if applied.BlockedByRequests || applied.TasksCreated != 1 {
		t.Fatalf("apply after provide: %+v", applied)
	}
}
