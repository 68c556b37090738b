package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cre8/internal/jobstore/memstore"
	"cre8/internal/models"
	"cre8/internal/pkg/logger"
	"cre8/internal/worker/processor"
)

type fakeNudger struct {
	mu      sync.Mutex
	nudged  []string
	pingErr error
}

func (f *fakeNudger) Nudge(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nudged = append(f.nudged, jobID)
	return nil
}

func (f *fakeNudger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeNudger) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.nudged...)
}

func (f *fakeNudger) failPing(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

type testAPI struct {
	srv    *httptest.Server
	store  *memstore.Store
	nudger *fakeNudger
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memstore.New()
	nudger := &fakeNudger{}
	log := logger.Discard()

	router := NewRouter(Deps{
		Store:          store,
		Resetter:       processor.New(processor.Deps{Store: store, Log: log}),
		Nudger:         nudger,
		Log:            log,
		CORSOrigins:    []string{"http://localhost:5173"},
		RequestTimeout: 5 * time.Second,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, store: store, nudger: nudger}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestCreateAndGetJob(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.do(t, http.MethodPost, "/jobs", `{
		"template": "demo-title",
		"asset": {"type": "title", "text": "Cre8 Studio Test Render", "effect": "zoomIn", "start": 0, "length": 5},
		"max_retries": 2,
		"metadata": {"source": "api-test"}
	}`)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", status, body)
	}
	job := body["job"].(map[string]any)
	id := job["id"].(string)
	if job["status"] != "pending" || job["claimed"] != false {
		t.Errorf("unexpected job %v", job)
	}
	if job["metadata"].(map[string]any)["source"] != "api-test" {
		t.Errorf("caller metadata lost: %v", job["metadata"])
	}

	if nudged := api.nudger.calls(); len(nudged) != 1 || nudged[0] != id {
		t.Errorf("expected worker nudge for %s, got %v", id, nudged)
	}

	status, body = api.do(t, http.MethodGet, "/jobs/"+id, "")
	if status != http.StatusOK || body["job"].(map[string]any)["id"] != id {
		t.Fatalf("get: %d %v", status, body)
	}

	status, body = api.do(t, http.MethodGet, "/jobs/"+id+"/events", "")
	if status != http.StatusOK {
		t.Fatalf("events: %d", status)
	}
	events := body["events"].([]any)
	if len(events) != 1 || events[0].(map[string]any)["type"] != "created" {
		t.Errorf("expected created event, got %v", events)
	}
}

func TestCreateJobValidation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing template", `{"asset": {}}`},
		{"bad video url", `{"template": "title-over-video", "video_url": "not a url"}`},
		{"negative retries", `{"template": "demo-title", "max_retries": -1}`},
		{"unknown field", `{"template": "demo-title", "priority": 1}`},
		{"reserved metadata", `{"template": "demo-title", "metadata": {"render_id": "r1"}}`},
		{"dotted metadata", `{"template": "demo-title", "metadata": {"a.b": 1}}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.do(t, http.MethodPost, "/jobs", tt.body)
			if status != http.StatusBadRequest || errorCode(body) != "VALIDATION_ERROR" {
				t.Errorf("expected 400 VALIDATION_ERROR, got %d %v", status, body)
			}
		})
	}
	if len(api.nudger.calls()) != 0 {
		t.Error("rejected jobs must not nudge workers")
	}
}

func TestListJobs(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		j := models.NewPendingJob("demo-title", nil, base.Add(time.Duration(i)*time.Minute))
		if i == 2 {
			j.Status = models.StatusFailed
		}
		if _, err := api.store.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		query      string
		wantStatus int
		wantCount  int
	}{
		{"", http.StatusOK, 3},
		{"?status=pending", http.StatusOK, 2},
		{"?status=failed", http.StatusOK, 1},
		{"?status=rendering", http.StatusOK, 0},
		{"?limit=1", http.StatusOK, 1},
		{"?status=queued", http.StatusBadRequest, 0},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			status, body := api.do(t, http.MethodGet, "/jobs"+tt.query, "")
			if status != tt.wantStatus {
				t.Fatalf("expected %d, got %d %v", tt.wantStatus, status, body)
			}
			if status != http.StatusOK {
				return
			}
			if got := len(body["jobs"].([]any)); got != tt.wantCount {
				t.Errorf("expected %d jobs, got %d", tt.wantCount, got)
			}
		})
	}
}

func TestJobNotFound(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/jobs/missing", "/jobs/missing/events"} {
		status, body := api.do(t, http.MethodGet, path, "")
		if status != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
			t.Errorf("%s: expected 404, got %d %v", path, status, body)
		}
	}
	status, _ := api.do(t, http.MethodPost, "/jobs/missing/reset", "")
	if status != http.StatusNotFound {
		t.Errorf("reset missing: expected 404, got %d", status)
	}
}

func TestResetJob(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	failed := models.NewPendingJob("demo-title", nil, time.Now())
	failed.Status = models.StatusFailed
	failed.Metadata[models.MetaRenderID] = "r1"
	id, err := api.store.Create(ctx, failed)
	if err != nil {
		t.Fatal(err)
	}

	status, body := api.do(t, http.MethodPost, "/jobs/"+id+"/reset", "")
	if status != http.StatusConflict || errorCode(body) != "CONFLICT" {
		t.Fatalf("expected 409 without force, got %d %v", status, body)
	}

	status, body = api.do(t, http.MethodPost, "/jobs/"+id+"/reset", `{"force": true}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", status, body)
	}
	job := body["job"].(map[string]any)
	if job["status"] != "pending" {
		t.Errorf("expected pending, got %v", job["status"])
	}

	got, _ := api.store.Get(ctx, id)
	if got.RenderID() != "" {
		t.Error("render id should be cleared")
	}
	if nudged := api.nudger.calls(); len(nudged) != 1 {
		t.Errorf("expected nudge after reset, got %v", nudged)
	}
}

func TestResetForceQueryParam(t *testing.T) {
	api := newTestAPI(t)
	j := models.NewPendingJob("demo-title", nil, time.Now())
	j.Status = models.StatusProcessing
	j.Claimed = true
	id, _ := api.store.Create(context.Background(), j)

	if status, _ := api.do(t, http.MethodPost, "/jobs/"+id+"/reset?force=true", ""); status != http.StatusOK {
		t.Fatalf("expected forced reset to succeed, got %d", status)
	}
}

func TestTemplates(t *testing.T) {
	api := newTestAPI(t)
	status, body := api.do(t, http.MethodGet, "/templates", "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["default"] != "demo-title" {
		t.Errorf("unexpected default %v", body["default"])
	}
	names := fmt.Sprint(body["templates"])
	if !strings.Contains(names, "demo-title") || !strings.Contains(names, "title-over-video") {
		t.Errorf("unexpected templates %s", names)
	}
	al := body["allowlists"].(map[string]any)
	for _, k := range []string{"effects", "transitions", "styles", "resolutions"} {
		if _, ok := al[k]; !ok {
			t.Errorf("missing allowlist %s", k)
		}
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.do(t, http.MethodGet, "/health", "")
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", status, body)
	}
	if _, ok := body["checks"]; ok {
		t.Error("shallow health should not run checks")
	}

	api.nudger.failPing(fmt.Errorf("redis down"))
	_, body = api.do(t, http.MethodGet, "/health?deep=true", "")
	if body["status"] != "degraded" {
		t.Errorf("expected degraded, got %v", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["store"].(map[string]any)["status"] != "ok" {
		t.Errorf("store check should pass: %v", checks["store"])
	}
	if checks["redis"].(map[string]any)["status"] != "error" {
		t.Errorf("redis check should fail: %v", checks["redis"])
	}
}

func TestRequestIDAndCORS(t *testing.T) {
	api := newTestAPI(t)

	req, _ := http.NewRequest(http.MethodOptions, api.srv.URL+"/jobs", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	if res.StatusCode != http.StatusNoContent {
		t.Errorf("expected preflight 204, got %d", res.StatusCode)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Errorf("missing CORS header")
	}
	if res.Header.Get("X-Request-ID") == "" {
		t.Error("missing request id")
	}
}

func TestUnknownRoute(t *testing.T) {
	api := newTestAPI(t)
	status, body := api.do(t, http.MethodGet, "/assets/1", "")
	if status != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Errorf("expected 404 envelope, got %d %v", status, body)
	}
}
