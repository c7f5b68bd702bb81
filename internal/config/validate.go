package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/LanternOps/breeze-sub012/internal/guardrails"
	"github.com/LanternOps/breeze-sub012/internal/sweeper"
)

var validate = newValidator()

// newValidator reports fields by their YAML key.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate checks struct constraints and cross-field rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var issues []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			issues = append(issues, describe(fe))
		}
	}

	if err := ValidateVersion(cfg.Version); err != nil {
		issues = append(issues, err.Error())
	}
	if cfg.Sweeper.Enabled {
		if err := sweeper.ValidateSchedule(cfg.Sweeper.Schedule); err != nil {
			issues = append(issues, "sweeper.schedule: "+err.Error())
		}
	}
	if len(cfg.Guardrails.Overrides) > 0 {
		rules := guardrails.DefaultRuleSet().WithOverrides(cfg.Guardrails.Overrides)
		if err := rules.Validate(); err != nil {
			issues = append(issues, "guardrails.overrides: "+err.Error())
		}
	}
	if cfg.Approval.MaxInterval > 0 && cfg.Approval.InitialInterval > cfg.Approval.MaxInterval {
		issues = append(issues, "approval.initial_interval must not exceed approval.max_interval")
	}
	if cfg.Agent.MaxTokens > 0 && cfg.Agent.TokenCeiling > 0 && cfg.Agent.MaxTokens >= cfg.Agent.TokenCeiling {
		issues = append(issues, "agent.max_tokens must be below agent.token_ceiling")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// describe renders a field error with the config path, e.g.
// "llm.api_key is required".
func describe(fe validator.FieldError) string {
	path := configPath(fe.Namespace())
	switch fe.Tag() {
	case "required", "required_unless":
		return path + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", path, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", path, fe.Param())
	case "url":
		return path + " must be a URL"
	default:
		return fmt.Sprintf("%s failed %s validation", path, fe.Tag())
	}
}

// configPath drops the root struct name from a namespace such as
// Config.llm.api_key.
func configPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}
