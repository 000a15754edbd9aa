package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/optsidecar/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	Long: `Show the configuration the sidecar would run with, after defaults, the
dotenv file, the --config file and the environment have been applied.

The settings file in input_2 is not read here; it is only available inside
a running session.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print or export the JSON schema of the settings file",
	Args:  cobra.NoArgs,
	RunE:  runSchema,
}

func init() {
	schemaCmd.Flags().Bool("write", false, "write the schema to outputs/conf_json_schema instead of stdout")
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(schemaCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if f := viper.GetString("config"); f != "" {
		fmt.Fprintf(out, "Config file: %s\n", f)
	} else {
		fmt.Fprintf(out, "Config file: (none - using defaults and environment)\n")
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "file_polling_interval: %g\n", cfg.FilePollingInterval)
	fmt.Fprintf(out, "print_polling_interval: %d\n", cfg.PrintPollingInterval)
	fmt.Fprintf(out, "restart_on_error: %v\n", cfg.RestartOnError)
	fmt.Fprintf(out, "restart_on_error_max_time: %g\n", cfg.RestartOnErrorMaxTime)
	fmt.Fprintf(out, "restart_on_error_polling_interval: %g\n", cfg.RestartOnErrorPollingInterval)
	fmt.Fprintf(out, "batch_mode: %v\n", cfg.BatchMode)

	fmt.Fprintln(out, "paths:")
	fmt.Fprintf(out, "  inputs: %s\n", cfg.Paths.Inputs)
	fmt.Fprintf(out, "  outputs: %s\n", cfg.Paths.Outputs)

	fmt.Fprintln(out, "settings:")
	fmt.Fprintf(out, "  wait: %v\n", cfg.Settings.Wait)

	fmt.Fprintln(out, "driver:")
	fmt.Fprintf(out, "  name: %s\n", cfg.Driver.Name)
	fmt.Fprintf(out, "  command: %s\n", cfg.Driver.Command)
	fmt.Fprintf(out, "  args: [%s]\n", strings.Join(cfg.Driver.Args, ", "))

	fmt.Fprintln(out, "http:")
	fmt.Fprintf(out, "  enabled: %v\n", cfg.HTTP.Enabled)
	fmt.Fprintf(out, "  port: %d\n", cfg.HTTP.Port)
	fmt.Fprintf(out, "  dir: %s\n", cfg.HTTP.Dir)

	fmt.Fprintln(out, "logging:")
	fmt.Fprintf(out, "  level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  file: %s\n", cfg.Logging.File)

	return nil
}

func runSchema(cmd *cobra.Command, _ []string) error {
	write, _ := cmd.Flags().GetBool("write")
	if write {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := config.WriteSchema(cfg.SchemaFile()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema written to %s\n", cfg.SchemaFile())
		return nil
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(config.SettingsSchema())
}
