// Package config loads product-gate settings from the environment and the
// optional config.env file in the user's config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "product-gate"
	EnvFileName = "config.env"
)

// Defaults for optional settings.
const (
	DefaultPolicyPath    = "policy.json"
	DefaultMaxIterations = 3
	DefaultDBPath        = "product-gate.db"
	DefaultAuditDir      = "audit"
	DefaultRunLogDir     = "runs"
	DefaultLogLevel      = "info"
)

// Config is the runtime configuration.
type Config struct {
	GeminiAPIKey string
	// GeminiModel overrides the annotation model when set.
	GeminiModel  string

	PolicyPath    string
	MaxIterations int

	DBPath    string
	RedisAddr string

	ScannerURL string

	AuditDir              string
	AzureConnectionString string
	AzureContainer        string

	RunLogDir   string
	APIDelay    time.Duration
	LogLevel    string
	MetricsAddr string
}

// RequiredEnvVars must be set for runs that call Gemini.
var RequiredEnvVars = []string{"GEMINI_API_KEY"}

// ConfigDir returns the application's config directory, creating it.
func ConfigDir() (string, error) {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	configDir := filepath.Join(configBase, AppName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return configDir, nil
}

// ConfigFilePath returns the full path to config.env.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, EnvFileName), nil
}

// LoadEnvFile loads ./.env and the user's config.env. Variables already in
// the environment win. Errors are ignored since the files may not exist.
func LoadEnvFile() {
	_ = godotenv.Load(".env")

	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	_ = godotenv.Load(filepath.Join(configBase, AppName, EnvFileName))
}

// MissingRequired returns the names of unset required variables.
func MissingRequired() []string {
	var missing []string
	for _, v := range RequiredEnvVars {
		if os.Getenv(v) == "" {
			missing = append(missing, v)
		}
	}
	return missing
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		GeminiAPIKey:          os.Getenv("GEMINI_API_KEY"),
		GeminiModel:           os.Getenv("GEMINI_MODEL"),
		PolicyPath:            getenv("POLICY_PATH", DefaultPolicyPath),
		MaxIterations:         DefaultMaxIterations,
		DBPath:                getenv("PRODUCT_GATE_DB_PATH", DefaultDBPath),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		ScannerURL:            strings.TrimRight(os.Getenv("SCANNER_URL"), "/"),
		AuditDir:              getenv("AUDIT_DIR", DefaultAuditDir),
		AzureConnectionString: os.Getenv("AZURE_STORAGE_CONNECTION_STRING"),
		AzureContainer:        os.Getenv("AZURE_STORAGE_CONTAINER"),
		RunLogDir:             getenv("RUN_LOG_DIR", DefaultRunLogDir),
		LogLevel:              strings.ToLower(getenv("LOG_LEVEL", DefaultLogLevel)),
		MetricsAddr:           os.Getenv("METRICS_ADDR"),
	}

	if v := os.Getenv("MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("MAX_ITERATIONS must be a positive integer, got %q", v)
		}
		cfg.MaxIterations = n
	}

	if v := os.Getenv("API_DELAY"); v != "" {
		d, err := parseDelay(v)
		if err != nil {
			return nil, fmt.Errorf("API_DELAY: %w", err)
		}
		cfg.APIDelay = d
	}

	if cfg.AzureConnectionString != "" && cfg.AzureContainer == "" {
		return nil, fmt.Errorf("AZURE_STORAGE_CONTAINER is required when AZURE_STORAGE_CONNECTION_STRING is set")
	}

	return cfg, nil
}

// UseAzureAudit reports whether audit copies go to Azure Blob Storage.
func (c *Config) UseAzureAudit() bool {
	return c.AzureConnectionString != ""
}

// parseDelay accepts a Go duration ("1.5s") or plain seconds ("2").
func parseDelay(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("must not be negative, got %q", v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %q", v)
	}
	return d, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// WriteEnvFile writes values to path with 0600 permissions since the file
// holds secrets.
func WriteEnvFile(path string, values map[string]string) error {
	content, err := godotenv.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(content + "\n"); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
