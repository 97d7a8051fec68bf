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

	"github.com/golang-jwt/jwt/v5"

	"regcycle/internal/app"
	"regcycle/internal/config"
	"regcycle/internal/db"
	"regcycle/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	a := app.New(conn, config.Default())
	handler, err := New(Config{
		Tracker: a.Tracker,
		Assign:  a.Assign,
		Monitor: a.Monitor,
		Metrics: a.Metrics,
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
		},
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
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
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, b
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func signedToken(t *testing.T, subject string, roles []string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/assignments", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("parse error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", envelope.Error.Code)
	}
}

func TestPhaseAndActivityFlow(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/v1/cycles/c1/reports/r1/phases/planning"

	resp, body := doJSON(t, ts.client, http.MethodPost, base+"/init", nil, actorHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("init: %d %s", resp.StatusCode, body)
	}
	var phase PhaseResponse
	if err := json.Unmarshal(body, &phase); err != nil {
		t.Fatalf("parse phase: %v", err)
	}
	if phase.Status != "not_started" || len(phase.Activities) != 3 {
		t.Fatalf("unexpected phase after init: %+v", phase)
	}

	// dependency violation surfaces as 422
	resp, body = doJSON(t, ts.client, http.MethodPost, base+"/activities/define_approach/start", map[string]any{}, actorHeaders())
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, ts.client, http.MethodPost, base+"/activities/capture_attributes/start", map[string]any{}, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d", resp.StatusCode)
	}
	// invalid transition surfaces as 409
	resp, body = doJSON(t, ts.client, http.MethodPost, base+"/activities/capture_attributes/start", map[string]any{}, actorHeaders())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, base, nil, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get phase: %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &phase); err != nil {
		t.Fatalf("parse phase: %v", err)
	}
	if phase.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", phase.Status)
	}
}

func TestAssignmentLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	createBody := map[string]any{
		"entity_type":       "report",
		"entity_id":         "c1/r1",
		"assignee":          "alice",
		"assignment_type":   "review",
		"requires_approval": true,
		"approval_role":     "test_lead",
	}
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/assignments", createBody, actorHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var a AssignmentResponse
	if err := json.Unmarshal(body, &a); err != nil {
		t.Fatalf("parse assignment: %v", err)
	}

	// identical create returns the same active assignment
	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/assignments", createBody, actorHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("re-create: %d %s", resp.StatusCode, body)
	}
	var dup AssignmentResponse
	if err := json.Unmarshal(body, &dup); err != nil {
		t.Fatal(err)
	}
	if dup.ID != a.ID {
		t.Fatalf("expected idempotent create, got %s vs %s", dup.ID, a.ID)
	}

	for _, action := range []string{"acknowledge", "start", "complete"} {
		resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/assignments/"+a.ID+"/"+action, map[string]any{}, actorHeaders())
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", action, resp.StatusCode, body)
		}
	}

	// approving without the role is forbidden
	wrongRole := map[string]string{"Authorization": "Bearer " + signedToken(t, "bob", []string{"tester"})}
	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/assignments/"+a.ID+"/approve", map[string]any{}, wrongRole)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", resp.StatusCode, body)
	}

	lead := map[string]string{"Authorization": "Bearer " + signedToken(t, "lead-1", []string{"test_lead"})}
	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/assignments/"+a.ID+"/approve", map[string]any{"notes": "ok"}, lead)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/assignments/"+a.ID+"/history", nil, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: %d", resp.StatusCode)
	}
	var history []HistoryResponse
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("parse history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(history))
	}
}

func TestSweepEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/sla/sweep", nil, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sweep: %d %s", resp.StatusCode, body)
	}
	var res struct {
		Scanned int `json:"scanned"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("parse sweep result: %v", err)
	}
	if res.Scanned != 0 {
		t.Fatalf("expected empty sweep, got %d", res.Scanned)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"Authorization": "Bearer not-a-token"}
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/assignments", nil, headers)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
