// Package storage builds the archive StorageProvider from configuration.
package storage

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"cre8/internal/adapters/storage/gdrive"
	"cre8/internal/adapters/storage/localfs"
	"cre8/internal/config"
	"cre8/internal/pkg/errors"
	"cre8/internal/ports"
)

// NewProvider returns the configured provider, or nil when archiving is off.
func NewProvider(ctx context.Context, cfg config.StorageConfig) (ports.StorageProvider, error) {
	switch cfg.Provider {
	case "", config.StorageNone:
		return nil, nil

	case config.StorageLocalFS:
		if cfg.LocalRoot == "" {
			return nil, errors.Configuration("STORAGE_LOCAL_ROOT", "local storage root is required")
		}
		return localfs.New(cfg.LocalRoot), nil

	case config.StorageGDrive:
		return newGDriveProvider(ctx, cfg)

	default:
		return nil, errors.Configuration("STORAGE_PROVIDER", "unknown storage provider: "+cfg.Provider)
	}
}

// OAuthConfig is the Drive client shared by the archiver and cmd/gdrive-auth.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
}

func newGDriveProvider(ctx context.Context, cfg config.StorageConfig) (ports.StorageProvider, error) {
	for key, v := range map[string]string{
		"GDRIVE_CLIENT_ID":     cfg.GDriveClientID,
		"GDRIVE_CLIENT_SECRET": cfg.GDriveClientSecret,
		"GDRIVE_REFRESH_TOKEN": cfg.GDriveRefreshToken,
	} {
		if v == "" {
			return nil, errors.Configuration(key, "required for the gdrive storage provider")
		}
	}

	conf := OAuthConfig(cfg.GDriveClientID, cfg.GDriveClientSecret, "")
	tok := &oauth2.Token{RefreshToken: cfg.GDriveRefreshToken}
	httpClient := conf.Client(context.Background(), tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeConfiguration, "storage.gdrive", "create drive service")
	}

	return gdrive.NewClient(srv, cfg.GDriveFolderID), nil
}
