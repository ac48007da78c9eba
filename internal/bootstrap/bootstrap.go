// Package bootstrap provides application initialization shared by the CLI
// commands: .env loading, config resolution, and environment overrides.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/nghyane/dreamina-mux/internal/config"
	log "github.com/nghyane/dreamina-mux/internal/logging"
)

// Result contains the result of bootstrapping the application.
type Result struct {
	Config         *config.Config
	ConfigFilePath string
}

// Bootstrap loads .env, resolves the config file, and applies environment
// overrides. It should be called before any command that needs config.
func Bootstrap(configPath string) (*Result, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		autoInitConfig(configPath)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	return &Result{
		Config:         cfg,
		ConfigFilePath: configPath,
	}, nil
}

// ApplyEnvOverrides applies environment variable overrides for cloud
// deployment, where editing the config file is inconvenient.
func ApplyEnvOverrides(cfg *config.Config) {
	if port, ok := lookupEnvInt("DREAMINA_MUX_PORT"); ok {
		cfg.Port = port
		log.Infof("Port overridden by env: %d", port)
	}

	if password, ok := lookupEnv("DREAMINA_MUX_ADMIN_PASSWORD"); ok {
		cfg.AdminPassword = password
		log.Info("Admin password overridden by env")
	}

	if base, ok := lookupEnv("DREAMINA_MUX_UPSTREAM_BASE_URL"); ok {
		cfg.UpstreamBaseURL = base
		log.Infof("Upstream base URL overridden by env: %s", base)
	}

	if dbPath, ok := lookupEnv("DREAMINA_MUX_DATABASE_PATH"); ok {
		cfg.DatabasePath = dbPath
		log.Infof("Database path overridden by env: %s", dbPath)
	}

	if dsn, ok := lookupEnv("DREAMINA_MUX_USAGE_DSN"); ok {
		cfg.Usage.DSN = dsn
		log.Info("Usage DSN overridden by env")
	}

	if loggingToFile, ok := lookupEnvBool("DREAMINA_MUX_LOGGING_TO_FILE"); ok {
		cfg.LoggingToFile = loggingToFile
		log.Infof("Logging to file overridden by env: %v", loggingToFile)
	}

	if retry, ok := lookupEnvInt("DREAMINA_MUX_REQUEST_RETRY"); ok {
		cfg.RequestRetry = retry
		log.Infof("Request retry overridden by env: %d", retry)
	}

	if key, ok := lookupEnv("DREAMINA_MUX_REGISTER_API_KEY"); ok {
		cfg.RegisterAPI.Key = key
		log.Info("Register API key overridden by env")
	}
}

// autoInitConfig silently creates config on first run
func autoInitConfig(configPath string) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return
	}
	if err := os.WriteFile(configPath, config.GenerateDefaultConfigYAML(), 0o600); err != nil {
		return
	}
	fmt.Printf("First run: created config at %s\n", configPath)
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func lookupEnvInt(key string) (int, bool) {
	value, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupEnvBool(key string) (bool, bool) {
	value, ok := lookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, false
	}
	return b, true
}
