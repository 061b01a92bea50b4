package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load reads the first env file found among envFilePath (searching parent
// directories), falls back to ./.env, then processes the environment.
// Variables already set in the environment win over the file.
func Load(envFilePath ...string) (*App, error) {
	logger := slog.Default()

	loaded := false
	for _, path := range envFilePath {
		found, err := FindEnv(path)
		if err != nil {
			logger.Debug("environment file not found", "path", path)
			continue
		}
		if err := godotenv.Load(found); err != nil {
			logger.Error("failed to load environment file", "path", found, "error", err)
			continue
		}
		logger.Info("environment loaded from file", "path", found)
		loaded = true
		break
	}
	if !loaded {
		if err := godotenv.Load(); err != nil {
			logger.Debug("no .env file in current directory, using process environment")
		}
	}
	return loadFromEnv(logger)
}

func loadFromEnv(logger *slog.Logger) (*App, error) {
	var cfg App
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger.Info("config loaded",
		"env", cfg.Env,
		"http_addr", cfg.HTTP.Addr,
		"store", cfg.Store.Driver,
		"db", maskValue(cfg.DB.URL),
		"redis", maskValue(cfg.Redis.URL),
		"ledger", cfg.Ledger.Driver,
		"ledger_api_key", maskValue(cfg.Ledger.APIKey),
		"providers", cfg.ActiveProviders(),
		"default_provider", cfg.Providers.Default,
		"strategy", cfg.Providers.Strategy,
		"stripe_api_key", maskValue(cfg.Stripe.APIKey),
		"flutterwave_secret_key", maskValue(cfg.Flutterwave.SecretKey),
		"paystack_secret_key", maskValue(cfg.Paystack.SecretKey),
		"biller_api_key", maskValue(cfg.Biller.APIKey),
		"retry_max_attempts", cfg.Retry.MaxAttempts,
		"retry_backoff_seconds", cfg.Retry.BackoffSeconds,
		"worker_interval", cfg.Worker.Interval,
	)
	return &cfg, nil
}

func maskValue(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 6 {
		return "****"
	}
	return key[:2] + "****" + key[len(key)-4:]
}

// FindEnv searches the working directory and its parents for filename,
// which defaults to .env.
func FindEnv(filename string) (string, error) {
	if filename == "" {
		filename = ".env"
	}
	if filepath.IsAbs(filename) {
		if _, err := os.Stat(filename); err != nil {
			return "", err
		}
		return filename, nil
	}
	curr, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(curr, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(curr)
		if parent == curr {
			return "", os.ErrNotExist
		}
		curr = parent
	}
}
