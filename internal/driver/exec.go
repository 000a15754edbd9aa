package driver

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/Iron-Ham/optsidecar/internal/atomicfile"
	apperrors "github.com/Iron-Ham/optsidecar/internal/errors"
	"github.com/Iron-Ham/optsidecar/internal/logging"
)

// ExecDriverName is the registry name of ExecDriver.
const ExecDriverName = "exec"

const (
	// DefaultCommand is the optimizer executable ExecDriver runs by default.
	DefaultCommand = "dakota"

	// InputFilename is the name under which the configuration is written into
	// the working directory before the engine starts.
	InputFilename = "dakota.in"

	// RestartFilename is the checkpoint the engine writes in its working
	// directory.
	RestartFilename = "dakota.rst"
)

// Environment exported to the engine and read back by the evaluate command.
const (
	EnvExecutable    = "OPTSIDECAR_EXECUTABLE"
	EnvCallerUUID    = "OPTSIDECAR_CALLER_UUID"
	EnvEvaluatorUUID = "OPTSIDECAR_EVALUATOR_UUID"
	EnvRequestPath   = "OPTSIDECAR_REQUEST_PATH"
	EnvResponsePath  = "OPTSIDECAR_RESPONSE_PATH"
	EnvPollInterval  = "OPTSIDECAR_FILE_POLLING_INTERVAL"
	EnvBatchMode     = "OPTSIDECAR_BATCH_MODE"
)

// ExecDriver runs an external optimizer executable in the study's working
// directory. The engine is expected to call "optsidecar evaluate" as its
// analysis driver; the study's Env tells that command how to reach the
// evaluator.
type ExecDriver struct {
	command   string
	args      []string
	batchMode bool
	stdout    io.Writer
	stderr    io.Writer
	logger    *logging.Logger
}

// NewExecDriver creates an ExecDriver. Extra arguments from opts are placed
// before the generated input and restart arguments.
func NewExecDriver(opts Options) *ExecDriver {
	command := opts.Command
	if command == "" {
		command = DefaultCommand
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ExecDriver{
		command:   command,
		args:      slices.Clone(opts.Args),
		batchMode: opts.BatchMode,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		logger:    logger.WithComponent("exec-driver"),
	}
}

// SetOutput redirects the engine's stdout and stderr.
func (d *ExecDriver) SetOutput(stdout, stderr io.Writer) {
	d.stdout = stdout
	d.stderr = stderr
}

// Name returns "exec".
func (d *ExecDriver) Name() string { return ExecDriverName }

// Args returns the command line the engine would be started with for study.
func (d *ExecDriver) Args(study Study) []string {
	args := slices.Clone(d.args)
	args = append(args, "-i", InputFilename)
	if study.RestartPath != "" {
		args = append(args, "-read_restart", study.RestartPath)
	}
	return args
}

// Run writes the configuration into the working directory and runs the engine
// until it exits. A nonzero exit is reported as a RunError carrying the code.
func (d *ExecDriver) Run(ctx context.Context, study Study) error {
	if study.WorkDir == "" {
		return fmt.Errorf("exec driver: working directory is required")
	}
	if err := atomicfile.Write(filepath.Join(study.WorkDir, InputFilename), []byte(study.Input)); err != nil {
		return fmt.Errorf("exec driver: write input: %w", err)
	}

	args := d.Args(study)
	cmd := exec.CommandContext(ctx, d.command, args...)
	cmd.Dir = study.WorkDir
	cmd.Stdout = d.stdout
	cmd.Stderr = d.stderr
	cmd.Env = d.environ(study)

	d.logger.Info("starting optimizer", "command", d.command, "args", args, "workdir", study.WorkDir)
	err := cmd.Run()
	if err == nil {
		d.logger.Info("optimizer finished")
		return nil
	}

	var exitErr *exec.ExitError
	if apperrors.As(err, &exitErr) {
		d.logger.Warn("optimizer failed", "exit_code", exitErr.ExitCode())
		return apperrors.NewRunError("optimizer exited with a failure status").
			WithExitCode(exitErr.ExitCode()).
			WithCause(err)
	}
	return fmt.Errorf("exec driver: start %s: %w", d.command, err)
}

func (d *ExecDriver) environ(study Study) []string {
	env := os.Environ()
	if exe, err := os.Executable(); err == nil {
		env = append(env, EnvExecutable+"="+exe)
	}
	env = append(env, EnvBatchMode+"="+strconv.FormatBool(d.batchMode))
	for _, k := range slices.Sorted(maps.Keys(study.Env)) {
		env = append(env, k+"="+study.Env[k])
	}
	return env
}
