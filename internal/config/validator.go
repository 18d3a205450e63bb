package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// placeholderSecrets are values that ship in examples and must never
// reach staging or production.
var placeholderSecrets = map[string]struct{}{
	"changeme":  {},
	"change-me": {},
	"secret":    {},
	"dev-secret-key-do-not-use-in-prod": {},
}

// Validate validates the configuration using struct tags plus the
// environment-dependent secret rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.IsDevelopment() {
		return nil
	}
	return c.validateProductionSecrets()
}

// validateProductionSecrets enforces real key material outside
// development.
func (c *Config) validateProductionSecrets() error {
	if len(c.SecretKey) < 32 {
		return fmt.Errorf("SECRET_KEY must be at least 32 characters in %s", c.Environment)
	}
	if _, bad := placeholderSecrets[strings.ToLower(c.SecretKey)]; bad {
		return fmt.Errorf("SECRET_KEY is a placeholder value; set a real secret in %s", c.Environment)
	}
	if c.VaultKey == "" {
		return fmt.Errorf("GATEWAY_FERNET_KEY is required in %s", c.Environment)
	}
	if c.SigningKey == "" {
		return fmt.Errorf("GATEWAY_ED25519_PRIVATE_KEY is required in %s", c.Environment)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors into
// actionable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
