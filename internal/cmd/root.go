package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/optsidecar/internal/config"
	"github.com/Iron-Ham/optsidecar/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "optsidecar",
	Short: "Optimization sidecar bridging a driver and an evaluator through files",
	Long: `optsidecar runs an optimization engine as a supervised child process and
forwards every model evaluation it asks for to an external evaluator that
communicates only through files on a shared volume.

Without a subcommand the sidecar session is started, as with "optsidecar run".`,
	SilenceUsage: true,
	RunE:         runSidecar,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "settings file merged over defaults and under the environment (JSON)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded into the environment when present")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("env_file", rootCmd.PersistentFlags().Lookup("env-file"))
}

func initConfig() {
	// Variables already in the environment win over the dotenv file
	if envFile := viper.GetString("env_file"); envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			_ = godotenv.Load(envFile)
		}
	}

	config.SetDefaults(viper.GetViper())
}

// loadConfig resolves the configuration from the global viper instance,
// merging the --config file when one was given.
func loadConfig() (*config.Config, error) {
	v := viper.GetViper()
	if cfgFile := v.GetString("config"); cfgFile != "" {
		if err := config.MergeSettingsFile(v, cfgFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.NewLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
