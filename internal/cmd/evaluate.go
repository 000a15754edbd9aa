package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/optsidecar/internal/driver"
	"github.com/Iron-Ham/optsidecar/internal/event"
	"github.com/Iron-Ham/optsidecar/internal/taskbridge"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate PARAMS RESULTS",
	Short: "Evaluate design points through the evaluator (called by the engine)",
	Long: `Evaluate the design points in PARAMS through the file bridge and write the
responses to RESULTS.

PARAMS is either JSON ({"evaluations":[...]}) or the engine's standard
"value tag" parameters format; RESULTS is written in the same format. The
bridge is rebuilt from the OPTSIDECAR_* variables exported by the drive
command, so this is meant to be configured as the engine's analysis driver.`,
	Args: cobra.ExactArgs(2),
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	bc, err := bridgeConfigFromEnv()
	if err != nil {
		return err
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
	logger = logger.WithComponent("evaluate")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus(logger)
	bus.SubscribeAll(logBatchEvents(logger))

	bridge := newBridge(cfg, bc, logger, bus)
	return driver.Analyze(ctx, bridge.Model, args[0], args[1])
}

func bridgeConfigFromEnv() (taskbridge.Config, error) {
	bc := taskbridge.Config{
		CallerID:     os.Getenv(driver.EnvCallerUUID),
		EvaluatorID:  os.Getenv(driver.EnvEvaluatorUUID),
		RequestPath:  os.Getenv(driver.EnvRequestPath),
		ResponsePath: os.Getenv(driver.EnvResponsePath),
	}
	required := []struct {
		name  string
		value string
	}{
		{driver.EnvCallerUUID, bc.CallerID},
		{driver.EnvEvaluatorUUID, bc.EvaluatorID},
		{driver.EnvRequestPath, bc.RequestPath},
		{driver.EnvResponsePath, bc.ResponsePath},
	}
	for _, r := range required {
		if r.value == "" {
			return bc, fmt.Errorf("%s is not set; evaluate must be run by the optimization engine", r.name)
		}
	}
	return bc, nil
}
