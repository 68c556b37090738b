package shotstack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/logger"
	"cre8/internal/ports"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", APIKey: "test-key", Timeout: 2 * time.Second}, logger.Discard(), opts...)
}

func TestSubmit(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/render" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"message":"Created","response":{"message":"Render Successfully Queued","id":"rnd-123"}}`))
	})

	id, err := c.Submit(context.Background(), map[string]any{"timeline": map[string]any{}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "rnd-123" {
		t.Errorf("expected rnd-123, got %s", id)
	}
	if _, ok := gotBody["timeline"]; !ok {
		t.Errorf("payload not forwarded: %v", gotBody)
	}
}

func TestSubmitFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"bad request", http.StatusBadRequest, `{"success":false,"message":"Bad Request"}`},
		{"server error", http.StatusInternalServerError, `oops`},
		{"undecodable", http.StatusOK, `not json`},
		{"missing id", http.StatusOK, `{"success":true,"response":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Submit(context.Background(), map[string]any{})
			if !errors.IsSubmission(err) {
				t.Fatalf("expected submission error, got %v", err)
			}
		})
	}
}

func TestSubmitTransportFailure(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", APIKey: "k", Timeout: time.Second}, logger.Discard())
	if _, err := c.Submit(context.Background(), map[string]any{}); !errors.IsSubmission(err) {
		t.Fatalf("expected submission error, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantState ports.RenderState
		wantURL   string
	}{
		{"done", `{"response":{"id":"r","status":"done","url":"https://cdn/r.mp4"}}`, ports.RenderDone, "https://cdn/r.mp4"},
		{"upper case", `{"response":{"status":"DONE","url":"https://cdn/r.mp4"}}`, ports.RenderDone, "https://cdn/r.mp4"},
		{"done without url", `{"response":{"status":"done"}}`, ports.RenderDone, ""},
		{"queued", `{"response":{"status":"queued"}}`, ports.RenderQueued, ""},
		{"fetching", `{"response":{"status":"fetching"}}`, ports.RenderFetching, ""},
		{"rendering ignores url", `{"response":{"status":"rendering","url":"https://early"}}`, ports.RenderRendering, ""},
		{"saving", `{"response":{"status":"saving"}}`, ports.RenderRendering, ""},
		{"failed", `{"response":{"status":"failed","error":"bad asset"}}`, ports.RenderFailed, ""},
		{"unknown", `{"response":{"status":"exploded"}}`, ports.RenderUnknown, ""},
		{"missing status", `{"response":{}}`, ports.RenderUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/render/rnd-1" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.body))
			})

			st, err := c.Status(context.Background(), "rnd-1")
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if st.State != tt.wantState {
				t.Errorf("expected state %s, got %s", tt.wantState, st.State)
			}
			if st.OutputURL != tt.wantURL {
				t.Errorf("expected url %q, got %q", tt.wantURL, st.OutputURL)
			}
			if st.Raw == nil {
				t.Error("raw response should be kept")
			}
		})
	}
}

func TestStatusFailedCarriesError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":{"status":"failed","error":"asset 404"}}`))
	})
	st, err := c.Status(context.Background(), "r")
	if err != nil {
		t.Fatal(err)
	}
	if st.Error != "asset 404" {
		t.Errorf("expected provider error, got %q", st.Error)
	}
}

func TestStatusFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"not found", http.StatusNotFound, `{"success":false}`},
		{"bad gateway", http.StatusBadGateway, ``},
		{"undecodable", http.StatusOK, `<html>`},
		{"no response", http.StatusOK, `{"success":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Status(context.Background(), "rnd-1")
			if !errors.IsStatusCheck(err) {
				t.Fatalf("expected status check error, got %v", err)
			}
			if errors.IsSubmission(err) {
				t.Error("status failures must not look like submission failures")
			}
		})
	}

	c := New(Config{BaseURL: "http://unused"}, logger.Discard())
	if _, err := c.Status(context.Background(), ""); !errors.IsStatusCheck(err) {
		t.Errorf("empty render id should be a status check error, got %v", err)
	}
}

func TestErrorBodyIsTruncated(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("x", 10*maxErrorBody)))
	})
	_, err := c.Submit(context.Background(), map[string]any{})
	if err == nil || len(err.Error()) > 2*maxErrorBody {
		t.Fatalf("error message should be bounded, got %d bytes", len(err.Error()))
	}
}

func TestBreakerOpensAndSurfacesAsCallError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, WithBreakerSettings(gobreaker.Settings{
		Name:    "test",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))

	for i := 0; i < 2; i++ {
		_, _ = c.Status(context.Background(), "r")
	}

	_, err := c.Status(context.Background(), "r")
	if !errors.IsStatusCheck(err) {
		t.Fatalf("open breaker should surface as status check error, got %v", err)
	}
	_, err = c.Submit(context.Background(), map[string]any{})
	if !errors.IsSubmission(err) {
		t.Fatalf("open breaker should surface as submission error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected open breaker to short-circuit, server saw %d calls", calls.Load())
	}
}

func TestNormalizeState(t *testing.T) {
	tests := map[string]ports.RenderState{
		"queued":    ports.RenderQueued,
		" Fetching": ports.RenderFetching,
		"RENDERING": ports.RenderRendering,
		"saving":    ports.RenderRendering,
		"done":      ports.RenderDone,
		"Failed":    ports.RenderFailed,
		"":          ports.RenderUnknown,
		"weird":     ports.RenderUnknown,
	}
	for in, want := range tests {
		if got := NormalizeState(in); got != want {
			t.Errorf("NormalizeState(%q) = %s, want %s", in, got, want)
		}
	}
}
