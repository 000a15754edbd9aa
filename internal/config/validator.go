package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "restart_on_error_max_time")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// KnownDrivers lists the driver names accepted by Validate. The command
// layer registers exactly these.
var KnownDrivers = []string{"exec"}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate polling and retry settings
	errors = append(errors, c.validateTiming()...)

	// Validate Paths config
	errors = append(errors, c.validatePaths()...)

	// Validate Driver config
	errors = append(errors, c.validateDriver()...)

	// Validate HTTP config
	errors = append(errors, c.validateHTTP()...)

	// Validate Logging config
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateTiming rejects negative intervals and budgets
func (c *Config) validateTiming() []ValidationError {
	var errors []ValidationError

	nonNegative := []struct {
		field string
		value float64
	}{
		{"file_polling_interval", c.FilePollingInterval},
		{"restart_on_error_max_time", c.RestartOnErrorMaxTime},
		{"restart_on_error_polling_interval", c.RestartOnErrorPollingInterval},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			errors = append(errors, ValidationError{
				Field:   f.field,
				Value:   f.value,
				Message: "must be non-negative",
			})
		}
	}

	if c.PrintPollingInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   "print_polling_interval",
			Value:   c.PrintPollingInterval,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	if c.Paths.Inputs == "" {
		errors = append(errors, ValidationError{
			Field:   "paths.inputs",
			Value:   c.Paths.Inputs,
			Message: fmt.Sprintf("must be set (env %s)", EnvInputsPath),
		})
	}
	if c.Paths.Outputs == "" {
		errors = append(errors, ValidationError{
			Field:   "paths.outputs",
			Value:   c.Paths.Outputs,
			Message: fmt.Sprintf("must be set (env %s)", EnvOutputsPath),
		})
	}

	return errors
}

// validateDriver validates the DriverConfig
func (c *Config) validateDriver() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(KnownDrivers, c.Driver.Name) {
		errors = append(errors, ValidationError{
			Field:   "driver.name",
			Value:   c.Driver.Name,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(KnownDrivers, ", ")),
		})
	}

	if c.Driver.Name == "exec" && c.Driver.Command == "" {
		errors = append(errors, ValidationError{
			Field:   "driver.command",
			Value:   c.Driver.Command,
			Message: "must be set for the exec driver",
		})
	}

	return errors
}

// validateHTTP validates the HTTPConfig
func (c *Config) validateHTTP() []ValidationError {
	var errors []ValidationError

	if c.HTTP.Enabled && (c.HTTP.Port < 0 || c.HTTP.Port > 65535) {
		errors = append(errors, ValidationError{
			Field:   "http.port",
			Value:   c.HTTP.Port,
			Message: "must be between 0 and 65535",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
