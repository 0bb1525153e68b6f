package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/engine"
	"siteline/internal/migrate"
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
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

var actorHeaders = map[string]string{"X-Actor-Id": "u-site", "X-Actor-Name": "Site Supervisor"}

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

func createTestProject(t *testing.T, srv *testServer, code string) ProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"code":          code,
		"name":          "14 Banksia Ave",
		"house_type":    "single",
		"target_finish": time.Now().UTC().AddDate(0, 6, 0).Format(time.RFC3339),
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createTestProject(t, srv, "J-401")
	if p.Stage != "Deposit" || p.PercentComplete != 5 {
		t.Fatalf("created stage=%q percent=%d", p.Stage, p.PercentComplete)
	}

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/projects/"+p.ID, map[string]any{
		"is_delayed": true,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("flag delay status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/projects/"+p.ID, map[string]any{
		"stage": "Finalisation",
	}, actorHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("delayed completion status %d, want 422: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "policy_violation" {
		t.Errorf("error code = %q, want policy_violation", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/projects/"+p.ID, map[string]any{
		"stage":        "Finalisation",
		"delay_reason": "client held handover",
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completion with reason status %d: %s", res.StatusCode, string(data))
	}
	var updated ProjectResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal updated: %v", err)
	}
	if updated.Status != "completed" || updated.PercentComplete != 100 {
		t.Errorf("status=%q percent=%d, want completed/100", updated.Status, updated.PercentComplete)
	}
	if updated.ActualFinish == nil {
		t.Error("actual_finish not stamped on completion")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+p.ID+"/history", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var entries []HistoryEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no history rows")
	}
	for _, entry := range entries {
		if entry.ChangedBy != "u-site" {
			t.Errorf("changed_by = %q, want u-site", entry.ChangedBy)
		}
		if entry.ChangedByName != "Site Supervisor" {
			t.Errorf("changed_by_name = %q, want Site Supervisor", entry.ChangedByName)
		}
	}
}

func TestGetProjectByCode(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createTestProject(t, srv, "J-code-lookup")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/J-code-lookup", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get by code status %d: %s", res.StatusCode, string(data))
	}
	var got ProjectResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("id = %q, want %q", got.ID, p.ID)
	}
}

func TestComplianceCheckEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"code":          "J-sla",
		"name":          "9 Coral Ct",
		"house_type":    "double",
		"start_date":    time.Now().UTC().Add(-72 * time.Hour).Format(time.RFC3339),
		"target_finish": time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339),
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/compliance-check", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("compliance status %d: %s", res.StatusCode, string(data))
	}
	var out ComplianceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Project.IsDelayed {
		t.Error("project not flagged delayed")
	}
	if out.Project.DelayDays < 2 {
		t.Errorf("delay_days = %d, want at least 2", out.Project.DelayDays)
	}
}

func TestStageCatalogEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/stages?house_type=double", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stages status %d: %s", res.StatusCode, string(data))
	}
	var stages []StageResponse
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stages) != 10 {
		t.Fatalf("stages = %d, want 10", len(stages))
	}
	if stages[len(stages)-1].Stage != "Finalisation" || stages[len(stages)-1].Percent != 100 {
		t.Errorf("terminal stage = %+v", stages[len(stages)-1])
	}
}
