package config

import (
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Directory and file names of the mounted layout.
const (
	CallerInputDir     = "input_0"
	EvaluatorInputDir  = "input_1"
	SettingsInputDir   = "input_2"
	CallerOutputDir    = "output_0"
	EvaluatorOutputDir = "output_1"
	SchemaOutputDir    = "conf_json_schema"

	SettingsFilename = "settings.json"
	SchemaFilename   = "schema.json"
)

// Environment variables set by the hosting platform.
const (
	EnvInputsPath  = "DY_SIDECAR_PATH_INPUTS"
	EnvOutputsPath = "DY_SIDECAR_PATH_OUTPUTS"
)

// EnvPrefix prefixes every other setting read from the environment, e.g.
// OPTSIDECAR_RESTART_ON_ERROR.
const EnvPrefix = "OPTSIDECAR"

// Config represents the complete sidecar configuration
type Config struct {
	// FilePollingInterval is the period, in seconds, of every file poll.
	FilePollingInterval float64 `mapstructure:"file_polling_interval"`
	// PrintPollingInterval logs a liveness line every this many polls.
	PrintPollingInterval int `mapstructure:"print_polling_interval"`
	// RestartOnError enables relaunching the driver after a failure.
	RestartOnError bool `mapstructure:"restart_on_error"`
	// RestartOnErrorMaxTime is the cumulative retry budget in seconds.
	RestartOnErrorMaxTime float64 `mapstructure:"restart_on_error_max_time"`
	// RestartOnErrorPollingInterval is slept after each failure, in seconds.
	RestartOnErrorPollingInterval float64 `mapstructure:"restart_on_error_polling_interval"`
	// BatchMode is forwarded to the optimizer's environment.
	BatchMode bool `mapstructure:"batch_mode"`

	Paths    PathsConfig    `mapstructure:"paths"`
	Settings SettingsConfig `mapstructure:"settings"`
	Driver   DriverConfig   `mapstructure:"driver"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PathsConfig locates the mounted input and output trees
type PathsConfig struct {
	// Inputs is bound to DY_SIDECAR_PATH_INPUTS.
	Inputs string `mapstructure:"inputs"`
	// Outputs is bound to DY_SIDECAR_PATH_OUTPUTS.
	Outputs string `mapstructure:"outputs"`
}

// SettingsConfig controls the user settings file in input_2
type SettingsConfig struct {
	// Wait blocks startup until input_2/settings.json exists.
	Wait bool `mapstructure:"wait"`
}

// DriverConfig selects and configures the optimization driver
type DriverConfig struct {
	// Name is a registered driver name (default: "exec")
	Name string `mapstructure:"name"`
	// Command is the optimizer executable run by the exec driver
	Command string `mapstructure:"command"`
	// Args are extra optimizer arguments
	Args []string `mapstructure:"args"`
}

// HTTPConfig controls the status dashboard
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Dir     string `mapstructure:"dir"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level"`
	// File additionally receives every log line when set
	File string `mapstructure:"file"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		FilePollingInterval:           0.1,
		PrintPollingInterval:          100,
		RestartOnError:                false,
		RestartOnErrorMaxTime:         3600,
		RestartOnErrorPollingInterval: 1.0,
		BatchMode:                     false,
		Paths: PathsConfig{
			Inputs:  "/inputs",
			Outputs: "/outputs",
		},
		Settings: SettingsConfig{
			Wait: true,
		},
		Driver: DriverConfig{
			Name:    "exec",
			Command: "dakota",
			Args:    []string{},
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Port:    8888,
			Dir:     "", // Empty serves only the status API
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// SetDefaults registers default values and environment bindings with v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("file_polling_interval", defaults.FilePollingInterval)
	v.SetDefault("print_polling_interval", defaults.PrintPollingInterval)
	v.SetDefault("restart_on_error", defaults.RestartOnError)
	v.SetDefault("restart_on_error_max_time", defaults.RestartOnErrorMaxTime)
	v.SetDefault("restart_on_error_polling_interval", defaults.RestartOnErrorPollingInterval)
	v.SetDefault("batch_mode", defaults.BatchMode)

	// Paths defaults
	v.SetDefault("paths.inputs", defaults.Paths.Inputs)
	v.SetDefault("paths.outputs", defaults.Paths.Outputs)

	// Settings file defaults
	v.SetDefault("settings.wait", defaults.Settings.Wait)

	// Driver defaults
	v.SetDefault("driver.name", defaults.Driver.Name)
	v.SetDefault("driver.command", defaults.Driver.Command)
	v.SetDefault("driver.args", defaults.Driver.Args)

	// HTTP defaults
	v.SetDefault("http.enabled", defaults.HTTP.Enabled)
	v.SetDefault("http.port", defaults.HTTP.Port)
	v.SetDefault("http.dir", defaults.HTTP.Dir)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.file", defaults.Logging.File)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("paths.inputs", EnvInputsPath)
	_ = v.BindEnv("paths.outputs", EnvOutputsPath)
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// FilePoll returns the file polling interval as a time.Duration
func (c *Config) FilePoll() time.Duration {
	return seconds(c.FilePollingInterval)
}

// RetryBudget returns the cumulative retry budget as a time.Duration
func (c *Config) RetryBudget() time.Duration {
	return seconds(c.RestartOnErrorMaxTime)
}

// RetryPoll returns the post-failure sleep as a time.Duration
func (c *Config) RetryPoll() time.Duration {
	return seconds(c.RestartOnErrorPollingInterval)
}

// seconds converts s to a Duration, saturating at the largest Duration so
// that huge settings mean "effectively forever" instead of wrapping negative.
func seconds(s float64) time.Duration {
	ns := s * float64(time.Second)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// InputDir returns inputs/<name>.
func (c *Config) InputDir(name string) string {
	return filepath.Join(c.Paths.Inputs, name)
}

// OutputDir returns outputs/<name>.
func (c *Config) OutputDir(name string) string {
	return filepath.Join(c.Paths.Outputs, name)
}

// SettingsFile returns the path of the user settings file
func (c *Config) SettingsFile() string {
	return filepath.Join(c.InputDir(SettingsInputDir), SettingsFilename)
}

// SchemaFile returns the path the settings schema is exported to
func (c *Config) SchemaFile() string {
	return filepath.Join(c.OutputDir(SchemaOutputDir), SchemaFilename)
}
