package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cre8/internal/pkg/errors"
)

func TestCallback(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
		wantHTTP int
	}{
		{"ok", "?state=s1&code=abc", "abc", http.StatusOK},
		{"bad state", "?state=other&code=abc", "", http.StatusBadRequest},
		{"denied", "?state=s1&error=access_denied", "", http.StatusBadRequest},
		{"missing code", "?state=s1", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := newCallback("s1")
			rec := httptest.NewRecorder()
			cb.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback"+tt.query, nil))

			if rec.Code != tt.wantHTTP {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantHTTP)
			}
			code, err := cb.wait(context.Background())
			if tt.wantCode != "" {
				if err != nil || code != tt.wantCode {
					t.Errorf("wait() = %q, %v", code, err)
				}
				return
			}
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestCallbackFirstResultWins(t *testing.T) {
	cb := newCallback("s1")
	cb.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/callback?state=s1&code=first", nil))
	cb.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/callback?state=s1&code=second", nil))

	code, err := cb.wait(context.Background())
	if err != nil || code != "first" {
		t.Errorf("wait() = %q, %v", code, err)
	}
}

func TestCallbackTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := newCallback("s1").wait(ctx)
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestRandomState(t *testing.T) {
	a, b := randomState(), randomState()
	if a == "" || a == b {
		t.Errorf("states should be random: %q %q", a, b)
	}
}
