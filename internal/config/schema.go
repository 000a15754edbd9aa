package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/Iron-Ham/optsidecar/internal/atomicfile"
)

// SchemaTitle names the exported settings schema.
const SchemaTitle = "OptSidecarSettings"

// Settings is the part of Config a study author may set in settings.json.
// Platform-provided paths and operator options are not part of it.
type Settings struct {
	BatchMode                     bool    `json:"batch_mode" jsonschema:"title=Batch Mode,description=Evaluate all design points of an iteration in one request"`
	FilePollingInterval           float64 `json:"file_polling_interval" jsonschema:"title=File Polling Interval,minimum=0,description=Seconds between checks of a shared file"`
	PrintPollingInterval          int     `json:"print_polling_interval" jsonschema:"title=Print Polling Interval,minimum=0,description=Log a waiting message every this many polls"`
	RestartOnError                bool    `json:"restart_on_error" jsonschema:"title=Restart On Error,description=Relaunch the optimizer after a failure once dakota.in changes"`
	RestartOnErrorMaxTime         float64 `json:"restart_on_error_max_time" jsonschema:"title=Restart On Error Max Time,minimum=0,description=Seconds from the first failure during which relaunches are allowed"`
	RestartOnErrorPollingInterval float64 `json:"restart_on_error_polling_interval" jsonschema:"title=Restart On Error Polling Interval,minimum=0,description=Seconds to wait after a failure before watching dakota.in"`
}

// UserSettings returns the user-settable values of c.
func (c *Config) UserSettings() Settings {
	return Settings{
		BatchMode:                     c.BatchMode,
		FilePollingInterval:           c.FilePollingInterval,
		PrintPollingInterval:          c.PrintPollingInterval,
		RestartOnError:                c.RestartOnError,
		RestartOnErrorMaxTime:         c.RestartOnErrorMaxTime,
		RestartOnErrorPollingInterval: c.RestartOnErrorPollingInterval,
	}
}

// SettingsSchema reflects the JSON schema of Settings. Defaults come from
// Default so the schema cannot drift from the running configuration.
func SettingsSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		Anonymous:                  true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  true,
	}
	s := r.Reflect(&Settings{})
	s.Title = SchemaTitle

	defaults := settingsMap(Default().UserSettings())
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.Default = defaults[pair.Key]
	}
	return s
}

// SettingsKeys lists the keys of Settings in declaration order.
func SettingsKeys() []string {
	s := SettingsSchema()
	keys := make([]string, 0, s.Properties.Len())
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

func settingsMap(s Settings) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// WriteSchema atomically writes SettingsSchema to path.
func WriteSchema(path string) error {
	return atomicfile.WriteJSON(path, SettingsSchema())
}
