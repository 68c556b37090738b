package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"

	"cre8/internal/pkg/errors"
)

// callback receives the single OAuth redirect. The first outcome wins.
type callback struct {
	state  string
	result chan callbackResult
}

type callbackResult struct {
	code string
	err  error
}

func newCallback(state string) *callback {
	return &callback{state: state, result: make(chan callbackResult, 1)}
}

func (c *callback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("state") != c.state:
		http.Error(w, "invalid state", http.StatusBadRequest)
		c.deliver(callbackResult{err: errors.Validation("invalid oauth state")})
	case q.Get("error") != "":
		http.Error(w, "authorization error: "+q.Get("error"), http.StatusBadRequest)
		c.deliver(callbackResult{err: errors.Newf(errors.CodeConfiguration, "authorization denied: %s", q.Get("error"))})
	case q.Get("code") == "":
		http.Error(w, "missing code", http.StatusBadRequest)
		c.deliver(callbackResult{err: errors.Validation("missing authorization code")})
	default:
		fmt.Fprintln(w, "Authorized. You can close this window and return to the terminal.")
		c.deliver(callbackResult{code: q.Get("code")})
	}
}

func (c *callback) deliver(r callbackResult) {
	select {
	case c.result <- r:
	default:
	}
}

func (c *callback) wait(ctx context.Context) (string, error) {
	select {
	case r := <-c.result:
		return r.code, r.err
	case <-ctx.Done():
		return "", errors.WrapWithCode(ctx.Err(), errors.CodeTimeout, "gdrive-auth.wait", "timed out waiting for authorization")
	}
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
