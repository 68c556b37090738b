// Package config loads settings for the worker, the admin API and renderctl
// from the environment, an optional config.yaml and Docker-style _FILE secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/logger"
)

// Role selects which settings Validate insists on.
type Role string

const (
	RoleWorker Role = "worker"
	RoleAPI    Role = "api"
	RoleCLI    Role = "cli"
)

const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const (
	StorageNone    = "none"
	StorageLocalFS = "localfs"
	StorageGDrive  = "gdrive"
)

type Config struct {
	Service   ServiceConfig
	Store     StoreConfig
	Redis     RedisConfig
	Shotstack ShotstackConfig
	Worker    WorkerConfig
	API       APIConfig
	Storage   StorageConfig
}

type ServiceConfig struct {
	Name            string
	LogLevel        string
	LogFormat       string
	LogSource       bool
	ShutdownTimeout time.Duration
}

type StoreConfig struct {
	Driver           string
	MongoURI         string
	MongoDatabase    string
	JobsCollection   string
	EventsCollection string
	DatabaseURL      string
	Timeout          time.Duration
}

// RedisConfig is optional. An empty Addr disables the poll nudge.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	NudgeKey string
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type ShotstackConfig struct {
	APIKey  string
	Env     string
	BaseURL string
	Timeout time.Duration
}

// Endpoint is the explicit base URL, or the public API for Env.
func (s ShotstackConfig) Endpoint() string {
	if s.BaseURL != "" {
		return strings.TrimRight(s.BaseURL, "/")
	}
	env := s.Env
	if env == "" {
		env = "stage"
	}
	return "https://api.shotstack.io/" + env
}

type WorkerConfig struct {
	PendingBatch        int
	RenderingBatch      int
	PendingPollInterval time.Duration
	RenderPollInterval  time.Duration
	PollJitter          float64
	MaxRetries          int
	StaleAfter          time.Duration
	MaxBackoff          time.Duration
	// RetryDelay is the first wait before a failed submission is retried;
	// later retries back off exponentially up to RetryMaxDelay.
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration
	ArchiveTimeout time.Duration
}

type APIConfig struct {
	Port           string
	CORSOrigins    string
	RequestTimeout time.Duration
}

type StorageConfig struct {
	Provider           string
	LocalRoot          string
	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string
	DownloadTimeout    time.Duration
}

// ArchiveEnabled reports whether completed renders are copied to storage.
func (s StorageConfig) ArchiveEnabled() bool {
	return s.Provider != "" && s.Provider != StorageNone
}

var secretKeys = []string{
	"SHOTSTACK_API_KEY",
	"MONGO_URI",
	"DATABASE_URL",
	"REDIS_PASSWORD",
	"GDRIVE_CLIENT_SECRET",
	"GDRIVE_REFRESH_TOKEN",
}

// readSecret fills FOO from the file named by FOO_FILE unless FOO is set.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	_ = os.Setenv(envKey, strings.TrimSpace(string(data)))
}

var bindings = map[string]string{
	"service.name":             "SERVICE_NAME",
	"service.log_level":        "LOG_LEVEL",
	"service.log_format":       "LOG_FORMAT",
	"service.log_source":       "LOG_SOURCE",
	"service.shutdown_timeout": "SHUTDOWN_TIMEOUT",

	"store.driver":            "STORE_DRIVER",
	"store.mongo_uri":         "MONGO_URI",
	"store.mongo_database":    "MONGO_DATABASE",
	"store.jobs_collection":   "MONGO_JOBS_COLLECTION",
	"store.events_collection": "MONGO_EVENTS_COLLECTION",
	"store.database_url":      "DATABASE_URL",
	"store.timeout":           "STORE_TIMEOUT",

	"redis.addr":      "REDIS_ADDR",
	"redis.password":  "REDIS_PASSWORD",
	"redis.db":        "REDIS_DB",
	"redis.nudge_key": "REDIS_NUDGE_KEY",

	"shotstack.api_key":  "SHOTSTACK_API_KEY",
	"shotstack.env":      "SHOTSTACK_ENV",
	"shotstack.base_url": "SHOTSTACK_BASE_URL",
	"shotstack.timeout":  "SHOTSTACK_TIMEOUT",

	"worker.pending_batch":         "WORKER_PENDING_BATCH",
	"worker.rendering_batch":       "WORKER_RENDERING_BATCH",
	"worker.pending_poll_interval": "WORKER_PENDING_POLL_INTERVAL",
	"worker.render_poll_interval":  "WORKER_RENDER_POLL_INTERVAL",
	"worker.poll_jitter":           "WORKER_POLL_JITTER",
	"worker.max_retries":           "WORKER_MAX_RETRIES",
	"worker.stale_after":           "WORKER_STALE_AFTER",
	"worker.max_backoff":           "WORKER_MAX_BACKOFF",
	"worker.retry_delay":           "WORKER_RETRY_DELAY",
	"worker.retry_max_delay":       "WORKER_RETRY_MAX_DELAY",
	"worker.archive_timeout":       "WORKER_ARCHIVE_TIMEOUT",

	"api.port":            "API_PORT",
	"api.cors_origins":    "CORS_ALLOWED_ORIGINS",
	"api.request_timeout": "API_REQUEST_TIMEOUT",

	"storage.provider":             "STORAGE_PROVIDER",
	"storage.local_root":           "STORAGE_LOCAL_ROOT",
	"storage.gdrive_client_id":     "GDRIVE_CLIENT_ID",
	"storage.gdrive_client_secret": "GDRIVE_CLIENT_SECRET",
	"storage.gdrive_refresh_token": "GDRIVE_REFRESH_TOKEN",
	"storage.gdrive_folder_id":     "GDRIVE_FOLDER_ID",
	"storage.download_timeout":     "STORAGE_DOWNLOAD_TIMEOUT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "cre8")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.log_format", "json")
	v.SetDefault("service.log_source", false)
	v.SetDefault("service.shutdown_timeout", "30s")

	v.SetDefault("store.driver", DriverMongo)
	v.SetDefault("store.mongo_database", "cre8")
	v.SetDefault("store.jobs_collection", "jobs")
	v.SetDefault("store.events_collection", "job_events")
	v.SetDefault("store.timeout", "10s")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.nudge_key", "cre8:jobs:nudge")

	v.SetDefault("shotstack.env", "stage")
	v.SetDefault("shotstack.timeout", "30s")

	v.SetDefault("worker.pending_batch", 5)
	v.SetDefault("worker.rendering_batch", 20)
	v.SetDefault("worker.pending_poll_interval", "15s")
	v.SetDefault("worker.render_poll_interval", "60s")
	v.SetDefault("worker.poll_jitter", 0.2)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.stale_after", "6h")
	v.SetDefault("worker.max_backoff", "5m")
	v.SetDefault("worker.retry_delay", "30s")
	v.SetDefault("worker.retry_max_delay", "10m")
	v.SetDefault("worker.archive_timeout", "2m")

	v.SetDefault("api.port", "8080")
	v.SetDefault("api.cors_origins", "")
	v.SetDefault("api.request_timeout", "15s")

	v.SetDefault("storage.provider", StorageNone)
	v.SetDefault("storage.local_root", "./data/renders")
	v.SetDefault("storage.download_timeout", "5m")
}

// Load reads configuration. Missing config.yaml is not an error.
func Load() (*Config, error) {
	for _, k := range secretKeys {
		readSecret(k)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.WrapWithCode(err, errors.CodeConfiguration, "config.load", "read config file")
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:            v.GetString("service.name"),
			LogLevel:        v.GetString("service.log_level"),
			LogFormat:       v.GetString("service.log_format"),
			LogSource:       v.GetBool("service.log_source"),
			ShutdownTimeout: v.GetDuration("service.shutdown_timeout"),
		},
		Store: StoreConfig{
			Driver:           strings.ToLower(v.GetString("store.driver")),
			MongoURI:         v.GetString("store.mongo_uri"),
			MongoDatabase:    v.GetString("store.mongo_database"),
			JobsCollection:   v.GetString("store.jobs_collection"),
			EventsCollection: v.GetString("store.events_collection"),
			DatabaseURL:      v.GetString("store.database_url"),
			Timeout:          v.GetDuration("store.timeout"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			NudgeKey: v.GetString("redis.nudge_key"),
		},
		Shotstack: ShotstackConfig{
			APIKey:  strings.TrimSpace(v.GetString("shotstack.api_key")),
			Env:     v.GetString("shotstack.env"),
			BaseURL: v.GetString("shotstack.base_url"),
			Timeout: v.GetDuration("shotstack.timeout"),
		},
		Worker: WorkerConfig{
			PendingBatch:        v.GetInt("worker.pending_batch"),
			RenderingBatch:      v.GetInt("worker.rendering_batch"),
			PendingPollInterval: v.GetDuration("worker.pending_poll_interval"),
			RenderPollInterval:  v.GetDuration("worker.render_poll_interval"),
			PollJitter:          v.GetFloat64("worker.poll_jitter"),
			MaxRetries:          v.GetInt("worker.max_retries"),
			StaleAfter:          v.GetDuration("worker.stale_after"),
			MaxBackoff:          v.GetDuration("worker.max_backoff"),
			RetryDelay:          v.GetDuration("worker.retry_delay"),
			RetryMaxDelay:       v.GetDuration("worker.retry_max_delay"),
			ArchiveTimeout:      v.GetDuration("worker.archive_timeout"),
		},
		API: APIConfig{
			Port:           v.GetString("api.port"),
			CORSOrigins:    v.GetString("api.cors_origins"),
			RequestTimeout: v.GetDuration("api.request_timeout"),
		},
		Storage: StorageConfig{
			Provider:           strings.ToLower(v.GetString("storage.provider")),
			LocalRoot:          v.GetString("storage.local_root"),
			GDriveClientID:     v.GetString("storage.gdrive_client_id"),
			GDriveClientSecret: v.GetString("storage.gdrive_client_secret"),
			GDriveRefreshToken: v.GetString("storage.gdrive_refresh_token"),
			GDriveFolderID:     v.GetString("storage.gdrive_folder_id"),
			DownloadTimeout:    v.GetDuration("storage.download_timeout"),
		},
	}

	return cfg, nil
}

// Validate checks the settings role needs. Errors carry CONFIGURATION_ERROR.
func (c *Config) Validate(role Role) error {
	switch c.Store.Driver {
	case DriverMongo:
		if c.Store.MongoURI == "" {
			return errors.Configuration("MONGO_URI", "MONGO_URI is required for the mongo store driver")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.Configuration("DATABASE_URL", "DATABASE_URL is required for the postgres store driver")
		}
	case DriverMemory:
	default:
		return errors.Configuration("STORE_DRIVER", fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}

	if role == RoleWorker && c.Shotstack.APIKey == "" {
		return errors.Configuration("SHOTSTACK_API_KEY", "SHOTSTACK_API_KEY is required")
	}

	switch c.Storage.Provider {
	case StorageNone, "":
	case StorageLocalFS:
		if c.Storage.LocalRoot == "" {
			return errors.Configuration("STORAGE_LOCAL_ROOT", "STORAGE_LOCAL_ROOT is required for localfs")
		}
	case StorageGDrive:
		for key, val := range map[string]string{
			"GDRIVE_CLIENT_ID":     c.Storage.GDriveClientID,
			"GDRIVE_CLIENT_SECRET": c.Storage.GDriveClientSecret,
			"GDRIVE_REFRESH_TOKEN": c.Storage.GDriveRefreshToken,
		} {
			if val == "" {
				return errors.Configuration(key, key+" is required for gdrive")
			}
		}
	default:
		return errors.Configuration("STORAGE_PROVIDER", fmt.Sprintf("unknown storage provider %q", c.Storage.Provider))
	}

	if role == RoleWorker {
		if c.Worker.PendingBatch <= 0 || c.Worker.RenderingBatch <= 0 {
			return errors.Configuration("WORKER_PENDING_BATCH", "worker batch sizes must be positive")
		}
		if c.Worker.PollJitter < 0 || c.Worker.PollJitter >= 1 {
			return errors.Configuration("WORKER_POLL_JITTER", "WORKER_POLL_JITTER must be in [0, 1)")
		}
		if c.Worker.MaxRetries < 1 {
			return errors.Configuration("WORKER_MAX_RETRIES", "WORKER_MAX_RETRIES must be at least 1")
		}
	}

	return nil
}

// NewLogger builds the process logger. binary is appended to the service
// name, e.g. cre8-worker.
func (c *Config) NewLogger(binary string) *logger.Logger {
	name := c.Service.Name
	if binary != "" {
		name += "-" + binary
	}
	return logger.New(logger.Config{
		Level:       c.Service.LogLevel,
		Format:      c.Service.LogFormat,
		AddSource:   c.Service.LogSource,
		ServiceName: name,
	})
}
