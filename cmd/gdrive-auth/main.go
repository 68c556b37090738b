// Command gdrive-auth runs the OAuth consent flow once and prints the
// refresh token the gdrive storage provider needs.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"cre8/internal/config"
	"cre8/internal/storage"
)

const consentTimeout = 3 * time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := cfg.NewLogger("gdrive-auth")

	if cfg.Storage.GDriveClientID == "" || cfg.Storage.GDriveClientSecret == "" {
		log.LogFatal("GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET are required", nil)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.LogFatal("failed to open callback listener", err)
	}
	redirectURL := fmt.Sprintf("http://%s/callback", ln.Addr().String())

	conf := storage.OAuthConfig(cfg.Storage.GDriveClientID, cfg.Storage.GDriveClientSecret, redirectURL)
	state := randomState()
	cb := newCallback(state)

	mux := http.NewServeMux()
	mux.Handle("/callback", cb)
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()

	// Offline access plus forced consent makes Google return a refresh token.
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Printf("\nOpen this URL in your browser:\n\n%s\n\nWaiting for the callback on %s\n", authURL, redirectURL)

	ctx, cancel := context.WithTimeout(context.Background(), consentTimeout)
	code, err := cb.wait(ctx)
	cancel()
	_ = srv.Close()
	if err != nil {
		log.LogFatal("authorization failed", err)
	}

	exchangeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tok, err := conf.Exchange(exchangeCtx, code)
	if err != nil {
		log.LogFatal("token exchange failed", err)
	}

	if strings.TrimSpace(tok.RefreshToken) == "" {
		fmt.Println("\nNo refresh token was returned.")
		fmt.Println("Revoke the app's access at https://myaccount.google.com/permissions and run this again.")
		os.Exit(1)
	}

	fmt.Printf("\nGDRIVE_REFRESH_TOKEN=%s\n", tok.RefreshToken)
}
