package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// bcrypt accepts strings that parse as a bcrypt hash.
	_ = validate.RegisterValidation("bcrypt", func(fl validator.FieldLevel) bool {
		_, err := bcrypt.Cost([]byte(fl.Field().String()))
		return err == nil
	})
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if err := cfg.Cerver.Validate(); err != nil {
		return fmt.Errorf("cerver: %w", err)
	}

	for i, name := range cfg.Cerver.Admin.Users {
		if _, ok := cfg.Users[strings.ToLower(name)]; !ok {
			return fmt.Errorf("cerver.admin.users[%d]: unknown user %q", i, name)
		}
	}

	if len(cfg.Cerver.Admin.Users) > 0 && !cfg.Cerver.Admin.Enabled {
		return fmt.Errorf("cerver.admin.users is set but cerver.admin.enabled is false")
	}

	if cfg.Cerver.Auth.Enabled && len(cfg.Users) == 0 {
		return fmt.Errorf("cerver.auth.enabled requires at least one entry in users")
	}

	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port != 0 &&
		cfg.Server.Metrics.Port == cfg.Cerver.Port {
		return fmt.Errorf("server.metrics.port %d collides with cerver.port", cfg.Server.Metrics.Port)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		// Return the first validation error with context
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
