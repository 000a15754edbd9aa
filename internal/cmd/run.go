package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/optsidecar/internal/config"
	"github.com/Iron-Ham/optsidecar/internal/dashboard"
	"github.com/Iron-Ham/optsidecar/internal/event"
	"github.com/Iron-Ham/optsidecar/internal/process"
	"github.com/Iron-Ham/optsidecar/internal/sidecar"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sidecar session",
	Long: `Run the sidecar session: export the settings schema, wait for the settings
file, handshake with the caller and the evaluator, stage the study folder and
supervise the optimization driver until it succeeds or gives up.`,
	Args: cobra.NoArgs,
	RunE: runSidecar,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runSidecar(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	if err := config.WriteSchema(cfg.SchemaFile()); err != nil {
		return err
	}
	logger.Info("settings schema exported", "path", cfg.SchemaFile())

	cfg, err = config.LoadWithSettings(ctx, viper.GetViper(), cfg, logger)
	if err != nil {
		return err
	}

	bus := event.NewBus(logger)
	if cfg.HTTP.Enabled {
		dash := dashboard.New(cfg.HTTP.Port, cfg.HTTP.Dir, bus, logger)
		if err := dash.Start(); err != nil {
			return err
		}
		defer func() { _ = dash.Shutdown(context.WithoutCancel(ctx)) }()
	}

	spawner, err := process.NewSelfSpawner(driveCmd.Name())
	if err != nil {
		return err
	}

	svc := sidecar.New(cfg, spawner, sidecar.WithLogger(logger), sidecar.WithBus(bus))
	return svc.Start(ctx)
}
