package config

import (
	"strconv"
	"strings"
)

// EnvKey returns the environment variable that overrides key, e.g.
// "driver.command" -> OPTSIDECAR_DRIVER_COMMAND.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// ChildEnv returns the resolved settings a drive child needs, keyed by
// environment variable. A child loading its configuration from this
// environment sees the same values as the parent without re-reading the
// settings file. The dashboard is disabled in the child.
func (c *Config) ChildEnv() map[string]string {
	float := func(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

	env := map[string]string{
		EnvKey("file_polling_interval"):             float(c.FilePollingInterval),
		EnvKey("print_polling_interval"):            strconv.Itoa(c.PrintPollingInterval),
		EnvKey("restart_on_error"):                  strconv.FormatBool(c.RestartOnError),
		EnvKey("restart_on_error_max_time"):         float(c.RestartOnErrorMaxTime),
		EnvKey("restart_on_error_polling_interval"): float(c.RestartOnErrorPollingInterval),
		EnvKey("batch_mode"):                        strconv.FormatBool(c.BatchMode),
		EnvKey("settings.wait"):                     "false",
		EnvKey("driver.name"):                       c.Driver.Name,
		EnvKey("driver.command"):                    c.Driver.Command,
		EnvKey("http.enabled"):                      "false",
		EnvKey("logging.level"):                     c.Logging.Level,
		EnvKey("logging.file"):                      c.Logging.File,
		EnvInputsPath:                               c.Paths.Inputs,
		EnvOutputsPath:                              c.Paths.Outputs,
	}
	if len(c.Driver.Args) > 0 {
		env[EnvKey("driver.args")] = strings.Join(c.Driver.Args, ",")
	}
	return env
}
