// Package config provides configuration loading for the policy gateway.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty it searches standard
// locations for aegis-gate.yaml/.yml; requiring an explicit extension
// keeps Viper from matching the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("aegis-gate")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindEnvKeys()
}

// findConfigFile searches the working directory, ~/.aegis-gate and
// /etc/aegis-gate for an aegis-gate config with a YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".aegis-gate"),
		"/etc/aegis-gate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "aegis-gate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindEnvKeys maps config keys to their environment variables. The
// operational surface keeps its historical names; there is no shared
// prefix.
func bindEnvKeys() {
	_ = viper.BindEnv("environment", "ENVIRONMENT")
	_ = viper.BindEnv("database_url", "DATABASE_URL")
	_ = viper.BindEnv("secret_key", "SECRET_KEY")
	_ = viper.BindEnv("vault_key", "GATEWAY_FERNET_KEY")
	_ = viper.BindEnv("signing_key", "GATEWAY_ED25519_PRIVATE_KEY")
	_ = viper.BindEnv("allowed_webhook_domains", "GATEWAY_ALLOWED_WEBHOOK_DOMAINS")
	_ = viper.BindEnv("default_daily_budget", "GATEWAY_DEFAULT_DAILY_BUDGET")
	_ = viper.BindEnv("approval_expiry_hours", "GATEWAY_APPROVAL_EXPIRY_HOURS")
	_ = viper.BindEnv("connector_timeout_seconds", "GATEWAY_CONNECTOR_TIMEOUT_SECONDS")
	_ = viper.BindEnv("max_request_bytes", "GATEWAY_MAX_REQUEST_BYTES")
	_ = viper.BindEnv("cors_origins", "CORS_ORIGINS")
	_ = viper.BindEnv("manifest_seed_dir", "GATEWAY_MANIFEST_SEED_DIR")
	_ = viper.BindEnv("server.addr", "GATEWAY_LISTEN_ADDR")
	_ = viper.BindEnv("server.log_level", "GATEWAY_LOG_LEVEL")
}

// LoadConfig reads the configuration file, applies environment
// overrides and defaults, and validates the result.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: environment-only configuration is supported.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.AllowedWebhookDomains = normalizeList(cfg.AllowedWebhookDomains)
	cfg.CORSOrigins = normalizeList(cfg.CORSOrigins)

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// normalizeList accepts the three list encodings seen in the wild: a
// YAML list (already split), a JSON array in one env var, or a
// comma-separated string.
func normalizeList(in []string) []string {
	if len(in) == 1 {
		raw := strings.TrimSpace(in[0])
		if strings.HasPrefix(raw, "[") {
			var parsed []string
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				in = parsed
			}
		} else if strings.Contains(raw, ",") {
			in = strings.Split(raw, ",")
		}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ConfigFileUsed returns the path of the loaded configuration file, or
// "" when running from environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
