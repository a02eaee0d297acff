package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/smallbiznis/clawtrace/pkg/db"
)

// Config holds process configuration read from the environment.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	// Home is the local state directory (device file, cursors, store, logs).
	Home         string
	SettingsFile string

	HostedPort    int
	RegistryURL   string
	PublicBaseURL string

	DB db.Config

	RateLimit RateLimitConfig

	PushgatewayURL string

	// ClaimAPIKey is the operator credential required to change a device's
	// tier. Claims are refused while it is empty.
	ClaimAPIKey string
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RegisterRate  float64
	RegisterBurst int
	IngestRate    float64
	IngestBurst   int

	IngestLockTTL time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:       getenv("APP_SERVICE", "clawtrace"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		Home:          expandHome(getenv("CLAWTRACE_HOME", "~/.clawtrace")),
		SettingsFile:  strings.TrimSpace(getenv("CLAWTRACE_CONFIG", "")),
		HostedPort:    getenvInt("HOSTED_PORT", 8080),
		RegistryURL:   strings.TrimRight(getenv("REGISTRY_URL", "https://clawtrace.dev"), "/"),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		DB: db.Config{
			Type:            strings.ToLower(getenv("DB_TYPE", "sqlite")),
			Host:            getenv("DB_HOST", "localhost"),
			Port:            getenv("DB_PORT", "5432"),
			Name:            getenv("DB_NAME", "clawtrace"),
			User:            getenv("DB_USER", "postgres"),
			Password:        getenv("DB_PASSWORD", ""),
			SSLMode:         getenv("DB_SSLMODE", "disable"),
			Path:            getenv("DB_PATH", "clawtrace-hosted.db"),
			MaxIdleConn:     getenvInt("DB_MAX_IDLE_CONN", 5),
			MaxOpenConn:     getenvInt("DB_MAX_OPEN_CONN", 20),
			ConnMaxLifetime: time.Duration(getenvInt("DB_CONN_MAX_LIFETIME_SECONDS", 1800)) * time.Second,
			ConnMaxIdleTime: time.Duration(getenvInt("DB_CONN_MAX_IDLE_TIME_SECONDS", 300)) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("REDIS_DB", 0),
			RegisterRate:  getenvFloat("RATE_LIMIT_REGISTER_RATE", 0.2),
			RegisterBurst: getenvInt("RATE_LIMIT_REGISTER_BURST", 5),
			IngestRate:    getenvFloat("RATE_LIMIT_INGEST_RATE", 5),
			IngestBurst:   getenvInt("RATE_LIMIT_INGEST_BURST", 20),
			IngestLockTTL: time.Duration(getenvInt("RATE_LIMIT_INGEST_LOCK_TTL_SECONDS", 30)) * time.Second,
		},
		PushgatewayURL: strings.TrimSpace(getenv("PUSHGATEWAY_URL", "")),
		ClaimAPIKey:    strings.TrimSpace(getenv("CLAIM_API_KEY", "")),
	}
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c Config) DevicePath() string     { return filepath.Join(c.Home, "device.json") }
func (c Config) SyncCursorPath() string { return filepath.Join(c.Home, "sent_cursor.json") }
func (c Config) SyncLockPath() string   { return filepath.Join(c.Home, "sync.lock") }
func (c Config) SyncLogPath() string    { return filepath.Join(c.Home, "sync.log") }
func (c Config) StorePath() string      { return filepath.Join(c.Home, "clawtrace.db") }

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
