package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// sourcePattern defines the valid format for log source tags.
// Examples: "Windows-Security", "AWS-CloudTrail", "syslog:auth"
var sourcePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:/ -]*$`)

// Validator checks records against the schema before they enter the ledger.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	// MaxAge bounds how old a log timestamp may be. Zero disables the check.
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    0,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("source_tag", func(fl validator.FieldLevel) bool {
		return sourcePattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("anomaly_score", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return f >= 0 && f <= 1
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// ValidateLog validates a log record.
func (v *Validator) ValidateLog(rec *LogRecord) error {
	if err := v.validate.Struct(rec); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	if v.maxAge > 0 && rec.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", rec.Timestamp, v.maxAge)
	}
	if v.maxFuture > 0 && rec.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", rec.Timestamp, v.maxFuture)
	}
	return nil
}

// ValidateThreat validates a threat before persistence.
func (v *Validator) ValidateThreat(t *Threat) error {
	if err := v.validate.Struct(t); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateAction validates an action before persistence.
func (v *Validator) ValidateAction(a *Action) error {
	if err := v.validate.Struct(a); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateActionRequest validates an execute request.
func (v *Validator) ValidateActionRequest(req *ActionRequest) error {
	if err := v.validate.Struct(req); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateSource checks if a source tag matches the required format.
func ValidateSource(source string) bool {
	return sourcePattern.MatchString(source)
}
