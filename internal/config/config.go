// Package config provides configuration types for the policy gateway.
package config

// Config is the top-level gateway configuration. Values come from an
// optional aegis-gate.yaml plus environment overrides; secrets are
// environment-only.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Environment selects the deployment profile: "development",
	// "staging" or "production". Staging and production refuse to start
	// without real key material.
	Environment string `yaml:"environment" mapstructure:"environment" validate:"required,oneof=development staging production"`

	// DatabaseURL is the SQLite DSN, e.g. "aegis-gate.db" or
	// "file:/var/lib/aegis-gate/gateway.db".
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required"`

	// SecretKey derives the API key pepper and must be at least 32
	// characters outside development.
	SecretKey string `yaml:"-" mapstructure:"secret_key"`

	// VaultKey is the secret vault encryption key material.
	VaultKey string `yaml:"-" mapstructure:"vault_key"`

	// SigningKey is the Ed25519 private key (PEM, hex or base64) used
	// for token issuance and record signing. Empty in development means
	// generate-and-persist.
	SigningKey string `yaml:"-" mapstructure:"signing_key"`

	// AllowedWebhookDomains is the global connector domain allowlist.
	AllowedWebhookDomains []string `yaml:"allowed_webhook_domains" mapstructure:"allowed_webhook_domains"`

	// DefaultDailyBudget caps actions per (org, agent profile, day)
	// when a manifest sets no budget. Zero disables the default cap.
	DefaultDailyBudget int `yaml:"default_daily_budget" mapstructure:"default_daily_budget" validate:"min=0"`

	// ApprovalExpiryHours is the pending approval TTL.
	ApprovalExpiryHours int `yaml:"approval_expiry_hours" mapstructure:"approval_expiry_hours" validate:"min=1,max=720"`

	// ConnectorTimeoutSeconds is the default upstream call timeout.
	ConnectorTimeoutSeconds int `yaml:"connector_timeout_seconds" mapstructure:"connector_timeout_seconds" validate:"min=1,max=300"`

	// MaxRequestBytes caps inbound request bodies.
	MaxRequestBytes int64 `yaml:"max_request_bytes" mapstructure:"max_request_bytes" validate:"min=1024"`

	// CORSOrigins lists origins allowed to call the API from a browser.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`

	// ManifestSeedDir holds YAML manifest files loaded and activated at
	// startup. Empty disables seeding.
	ManifestSeedDir string `yaml:"manifest_seed_dir" mapstructure:"manifest_seed_dir"`

	// DevKeyPath is where a generated development signing key persists.
	DevKeyPath string `yaml:"dev_key_path" mapstructure:"dev_key_path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the listen address. Defaults to "127.0.0.1:8080".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn or error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// ShutdownTimeout is the graceful shutdown window (e.g. "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// IsDevelopment reports whether the gateway runs with development
// conveniences (generated keys, relaxed secret checks).
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = "aegis-gate.db"
	}
	if c.ApprovalExpiryHours == 0 {
		c.ApprovalExpiryHours = 24
	}
	if c.ConnectorTimeoutSeconds == 0 {
		c.ConnectorTimeoutSeconds = 30
	}
	if c.MaxRequestBytes == 0 {
		c.MaxRequestBytes = 1 << 20
	}
	if c.DevKeyPath == "" {
		c.DevKeyPath = ".aegis-gate/signing.pem"
	}
}
