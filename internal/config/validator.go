package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBaseURL checks that a backend URL is absolute http(s).
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("base url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base url scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base url %q has no host", raw)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateTopP validates nucleus sampling probability
func (v *Validator) ValidateTopP(topP float64) error {
	if topP < 0 || topP > 1 {
		return fmt.Errorf("top_p must be between 0 and 1, got %f", topP)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(name string, tokens int64) error {
	if tokens < 0 {
		return fmt.Errorf("%s cannot be negative, got %d", name, tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("%s too large (max 200000), got %d", name, tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation and returns every problem found.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if cfg.Backend.Provider == "openai" {
		if err := v.ValidateBaseURL(cfg.Backend.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("backend: %w", err))
		}
	}

	if err := v.ValidateTemperature(cfg.Sampling.Temperature); err != nil {
		errs = append(errs, fmt.Errorf("sampling: %w", err))
	}
	if err := v.ValidateTopP(cfg.Sampling.TopP); err != nil {
		errs = append(errs, fmt.Errorf("sampling: %w", err))
	}
	if err := v.ValidateMaxTokens("max_tokens", cfg.Sampling.MaxTokens); err != nil {
		errs = append(errs, fmt.Errorf("sampling: %w", err))
	}
	if err := v.ValidateMaxTokens("max_completion_tokens", cfg.Sampling.MaxCompletionTokens); err != nil {
		errs = append(errs, fmt.Errorf("sampling: %w", err))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
