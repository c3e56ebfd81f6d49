package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("test")
	if mutate != nil {
		mutate(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.SeedBuiltinRoles(context.Background()); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			RatePerSecond:          cfg.Server.RatePerSecond,
			RateBurst:              cfg.Server.RateBurst,
			Logger:                 zerolog.Nop(),
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
		Engine: e,
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

func signToken(t *testing.T, sub, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
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
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func adminHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, "admin-1", "admin")}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Body apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return envelope.Body.Code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}
}

func TestMissingAuthRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/tasks", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("unexpected code %q", code)
	}
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/tasks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", resp.StatusCode)
	}
}

func TestTaskLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	hdr := adminHeaders(t)

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks",
		map[string]any{"title": "Ship the release"}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create returned %d: %s", resp.StatusCode, data)
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Version != 1 || task.Status != "todo" {
		t.Fatalf("unexpected task: %+v", task)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/tasks/"+task.ID, nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get returned %d: %s", resp.StatusCode, data)
	}

	// guarded update with the right version succeeds
	url := fmt.Sprintf("%s/v0/tasks/%s?expected_version=%d", ts.URL, task.ID, task.Version)
	resp, data = doJSON(t, ts.client, http.MethodPatch, url, map[string]any{"status": "in-progress"}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update returned %d: %s", resp.StatusCode, data)
	}

	// a stale version is a conflict
	resp, data = doJSON(t, ts.client, http.MethodPatch, url, map[string]any{"status": "review"}, hdr)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "conflict" {
		t.Fatalf("unexpected code %q", code)
	}

	resp, _ = doJSON(t, ts.client, http.MethodDelete,
		fmt.Sprintf("%s/v0/tasks/%s?expected_version=2", ts.URL, task.ID), nil, hdr)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete returned %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/tasks/"+task.ID, nil, hdr)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestPermissionDenied(t *testing.T) {
	ts := newTestServer(t, nil)
	memberHdr := map[string]string{"Authorization": "Bearer " + signToken(t, "member-1", "member")}
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/users",
		map[string]any{"name": "X", "email": "x@x.io"}, memberHdr)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "permission_denied" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestValidationErrorsAre400(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/workflows",
		map[string]any{"name": "w", "stages": []map[string]any{{"name": "only", "order": 1}}}, adminHeaders(t))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "validation_error" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestIdempotencyKeyReplays(t *testing.T) {
	ts := newTestServer(t, nil)
	hdr := adminHeaders(t)
	hdr["Idempotency-Key"] = "create-once"

	_, first := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks",
		map[string]any{"title": "once"}, hdr)
	_, second := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks",
		map[string]any{"title": "once"}, hdr)
	var a, b TaskResponse
	if err := json.Unmarshal(first, &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(second, &b); err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID || a.Version != b.Version {
		t.Fatalf("replay returned a different task: %s v%d vs %s v%d", a.ID, a.Version, b.ID, b.Version)
	}
}

func TestLegacyActorHeader(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.AllowLegacyActorHeader = true })

	// create a real user so the legacy path can resolve a role
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/users",
		map[string]any{"name": "Legacy", "email": "legacy@x.io", "role": "manager"}, adminHeaders(t))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user returned %d: %s", resp.StatusCode, data)
	}
	var u UserResponse
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatal(err)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks",
		map[string]any{"title": "via header"}, map[string]string{"X-Actor-Id": u.ID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("legacy header auth failed: %d %s", resp.StatusCode, data)
	}
}

func TestLegacyActorHeaderDisabledByDefault(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/tasks", nil, map[string]string{
		"X-Actor-Id": "anyone",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with legacy header disabled, got %d", resp.StatusCode)
	}
}

func TestRateLimiting(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.RatePerSecond = 1
		c.Server.RateBurst = 2
	})
	hdr := adminHeaders(t)
	var limited bool
	for i := 0; i < 6; i++ {
		resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/tasks", nil, hdr)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatalf("rate limiter never engaged")
	}
}

func TestNotificationsScopedToCaller(t *testing.T) {
	ts := newTestServer(t, nil)
	hdr := adminHeaders(t)

	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/notifications", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list notifications returned %d: %s", resp.StatusCode, data)
	}
	var body page[NotificationResponse]
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 0 {
		t.Fatalf("fresh caller should have no notifications, got %d", body.Total)
	}
}

func TestEventsPoll(t *testing.T) {
	ts := newTestServer(t, nil)
	hdr := adminHeaders(t)
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks", map[string]any{"title": "a"}, hdr)
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks", map[string]any{"title": "b"}, hdr)

	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/events?limit=10", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events returned %d: %s", resp.StatusCode, data)
	}
	var body struct {
		Items []EventResponse `json:"items"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Items) != 2 {
		t.Fatalf("expected 2 events, got %d", len(body.Items))
	}
	if body.Items[0].ID >= body.Items[1].ID {
		t.Fatalf("events out of order")
	}
	resp, data = doJSON(t, ts.client, http.MethodGet,
		fmt.Sprintf("%s/v0/events?after=%d", ts.URL, body.Items[0].ID), nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatal(resp.StatusCode)
	}
	var tail struct {
		Items []EventResponse `json:"items"`
	}
	if err := json.Unmarshal(data, &tail); err != nil {
		t.Fatal(err)
	}
	if len(tail.Items) != 1 {
		t.Fatalf("cursor read returned %d events", len(tail.Items))
	}
}
