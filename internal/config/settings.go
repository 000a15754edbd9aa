package config

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/optsidecar/internal/logging"
	"github.com/Iron-Ham/optsidecar/internal/poll"
)

// MergeSettingsFile layers an operator configuration file at path over v.
// The format follows the file extension. Keys in the file take precedence
// over defaults but not over environment variables or flags.
func MergeSettingsFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read settings %s: %w", path, err)
	}
	return nil
}

// ApplySettingsFile overrides v with the user settings in the JSON file at
// path. The study author's file wins over environment defaults. Keys other
// than SettingsKeys are returned so that the caller can report them.
func ApplySettingsFile(v *viper.Viper, path string) (ignored []string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}

	known := SettingsKeys()
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if !slices.Contains(known, key) {
			ignored = append(ignored, key)
			continue
		}
		v.Set(key, values[key])
	}
	return ignored, nil
}

// LoadWithSettings waits for the user settings file named by the current
// configuration, merges it into v and returns the reloaded configuration.
// When settings.wait is false and the file does not exist yet, cfg is
// returned unchanged.
func LoadWithSettings(ctx context.Context, v *viper.Viper, cfg *Config, logger *logging.Logger) (*Config, error) {
	path := cfg.SettingsFile()
	exists, err := poll.FileExists(path)()
	if err != nil {
		return nil, err
	}

	if !exists && !cfg.Settings.Wait {
		return cfg, nil
	}

	// The file may be seen half-written; wait until it parses.
	complete := func() (bool, error) {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read settings: %w", err)
		}
		return json.Valid(data), nil
	}

	logger.Info("waiting for settings file", "path", path)
	p := poll.New(cfg.FilePoll(),
		poll.WithWatch(cfg.InputDir(SettingsInputDir)),
		poll.WithReport(cfg.PrintPollingInterval, func(polls int, elapsed time.Duration) {
			logger.Info("settings file not found yet", "path", path, "polls", polls, "elapsed", elapsed.String())
		}),
	)
	if err := p.Until(ctx, complete); err != nil {
		return nil, fmt.Errorf("wait for settings: %w", err)
	}

	ignored, err := ApplySettingsFile(v, path)
	if err != nil {
		return nil, err
	}
	if len(ignored) > 0 {
		logger.Warn("ignoring unknown settings", "path", path, "keys", ignored)
	}
	loaded, err := Load(v)
	if err != nil {
		return nil, err
	}
	logger.Info("settings file was read", "path", path)
	return loaded, nil
}
