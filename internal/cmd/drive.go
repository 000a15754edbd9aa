package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/optsidecar/internal/config"
	"github.com/Iron-Ham/optsidecar/internal/driver"
	"github.com/Iron-Ham/optsidecar/internal/event"
	"github.com/Iron-Ham/optsidecar/internal/logging"
	"github.com/Iron-Ham/optsidecar/internal/poll"
	"github.com/Iron-Ham/optsidecar/internal/sidecar"
	"github.com/Iron-Ham/optsidecar/internal/taskbridge"
)

var driveChild sidecar.Child

var driveCmd = &cobra.Command{
	Use:    "drive",
	Short:  "Run one driver attempt (started by the sidecar)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runDrive,
}

func init() {
	driveChild.BindFlags(driveCmd.Flags())
	rootCmd.AddCommand(driveCmd)
}

func runDrive(cmd *cobra.Command, _ []string) error {
	if err := driveChild.Validate(); err != nil {
		return err
	}
	input, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read configuration from stdin: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	logger = logger.WithComponent("drive").With("pid", os.Getpid())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bc := taskbridge.Config{
		CallerID:     driveChild.CallerID,
		EvaluatorID:  driveChild.EvaluatorID,
		RequestPath:  driveChild.RequestPath,
		ResponsePath: driveChild.ResponsePath,
	}

	d, err := driver.DefaultRegistry().New(cfg.Driver.Name, driver.Options{
		Command:   cfg.Driver.Command,
		Args:      cfg.Driver.Args,
		BatchMode: cfg.BatchMode,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	study := driver.Study{
		Input:       string(input),
		WorkDir:     driveChild.WorkDir,
		RestartPath: driveChild.RestartPath,
		Env:         evaluateEnv(cfg, bc),
	}
	logger.Info("running driver", "driver", d.Name(), "restart", study.RestartPath)
	if err := d.Run(ctx, study); err != nil {
		logger.Error("driver failed", "error", err.Error())
		return err
	}
	return nil
}

func newBridge(cfg *config.Config, bc taskbridge.Config, logger *logging.Logger, bus *event.Bus) *taskbridge.Bridge {
	return taskbridge.New(bc,
		taskbridge.WithPoller(poll.New(cfg.FilePoll())),
		taskbridge.WithReportEvery(cfg.PrintPollingInterval),
		taskbridge.WithLogger(logger),
		taskbridge.WithBus(bus),
	)
}

// evaluateEnv is what an out-of-process engine needs to reach the bridge
// through the evaluate command.
func evaluateEnv(cfg *config.Config, bc taskbridge.Config) map[string]string {
	return map[string]string{
		driver.EnvCallerUUID:    bc.CallerID,
		driver.EnvEvaluatorUUID: bc.EvaluatorID,
		driver.EnvRequestPath:   bc.RequestPath,
		driver.EnvResponsePath:  bc.ResponsePath,
		driver.EnvPollInterval:  strconv.FormatFloat(cfg.FilePollingInterval, 'g', -1, 64),
	}
}

func logBatchEvents(logger *logging.Logger) event.Handler {
	return func(e event.Event) {
		switch ev := e.(type) {
		case event.BatchSubmittedEvent:
			logger.Debug("batch submitted", "batch_id", ev.BatchID, "tasks", ev.Tasks)
		case event.BatchCompletedEvent:
			logger.Info("batch completed", "batch_id", ev.BatchID, "tasks", ev.Tasks, "duration", ev.Duration.String())
		}
	}
}
