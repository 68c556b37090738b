// Package shotstack is the HTTP client for the Shotstack Edit API.
package shotstack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/logger"
	"cre8/internal/ports"
)

// maxErrorBody bounds how much of a failed response ends up in errors.
const maxErrorBody = 2048

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	log     *logger.Logger
}

var _ ports.RenderService = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreakerSettings replaces the default circuit breaker.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(c *Client) { c.cb = gobreaker.NewCircuitBreaker(st) }
}

func New(cfg Config, log *logger.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log.WithComponent("shotstack"),
	}
	c.cb = gobreaker.NewCircuitBreaker(DefaultBreakerSettings(c.log))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultBreakerSettings opens after 5 calls with at least 60% failures and
// lets a trial request through after 30s.
func DefaultBreakerSettings(log *logger.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "shotstack",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

type submitResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Response struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"response"`
}

// Submit posts a render payload and returns the render id. It does not retry.
func (c *Client) Submit(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Submission(err, "encode render payload")
	}

	out, err := c.cb.Execute(func() (any, error) {
		raw, err := c.do(ctx, http.MethodPost, "/render", body)
		if err != nil {
			return nil, err
		}
		var res submitResponse
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode submit response: %w", err)
		}
		if res.Response.ID == "" {
			return nil, fmt.Errorf("submit response has no response.id")
		}
		return res.Response.ID, nil
	})
	if err != nil {
		return "", errors.Submission(err, "shotstack submit failed")
	}

	renderID := out.(string)
	c.log.WithRenderID(renderID).Info("render submitted")
	return renderID, nil
}

type statusResponse struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Response map[string]any `json:"response"`
}

// Status fetches the render and normalizes its state.
func (c *Client) Status(ctx context.Context, renderID string) (*ports.RenderStatus, error) {
	if renderID == "" {
		return nil, errors.StatusCheck(nil, "render id is required")
	}

	out, err := c.cb.Execute(func() (any, error) {
		raw, err := c.do(ctx, http.MethodGet, "/render/"+renderID, nil)
		if err != nil {
			return nil, err
		}
		var res statusResponse
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode status response: %w", err)
		}
		if res.Response == nil {
			return nil, fmt.Errorf("status response has no response object")
		}
		return res.Response, nil
	})
	if err != nil {
		return nil, errors.StatusCheck(err, "shotstack status check failed").WithField("render_id", renderID)
	}

	return parseStatus(out.(map[string]any)), nil
}

func parseStatus(resp map[string]any) *ports.RenderStatus {
	status, _ := resp["status"].(string)
	st := &ports.RenderStatus{
		State: NormalizeState(status),
		Raw:   resp,
	}
	if st.State == ports.RenderDone {
		st.OutputURL, _ = resp["url"].(string)
	}
	if msg, ok := resp["error"].(string); ok {
		st.Error = msg
	}
	return st
}

// NormalizeState lower-cases a provider state and folds it into the
// RenderState set. Shotstack's "saving" step still counts as rendering.
func NormalizeState(s string) ports.RenderState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return ports.RenderQueued
	case "fetching":
		return ports.RenderFetching
	case "rendering", "saving":
		return ports.RenderRendering
	case "done":
		return ports.RenderDone
	case "failed":
		return ports.RenderFailed
	default:
		return ports.RenderUnknown
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet := raw
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, fmt.Errorf("shotstack http %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return raw, nil
}
