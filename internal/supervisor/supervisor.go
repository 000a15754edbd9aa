// Package supervisor runs the optimization driver to completion in isolated
// child processes and restarts it after a failure once its configuration
// has been corrected.
//
// The supervisor is an explicit state machine:
//
//	waiting_for_config -> running -> success
//	                         |
//	                         v
//	                   awaiting_retry -> running -> ...
//	                         |
//	                         v
//	                       fatal
//
// Each phase has one transition function (see [Supervisor.Step]). The retry
// budget is cumulative: it is measured from the first failure of an episode
// and is not reset by a relaunch. Waiting for a changed configuration is
// bounded by whatever is left of that budget.
//
// The supervisor runs on a single goroutine and blocks for the whole run.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/Iron-Ham/optsidecar/internal/errors"
	"github.com/Iron-Ham/optsidecar/internal/event"
	"github.com/Iron-Ham/optsidecar/internal/logging"
	"github.com/Iron-Ham/optsidecar/internal/poll"
	"github.com/Iron-Ham/optsidecar/internal/process"
)

// Timeout operation names.
const (
	OpRetryBudget = "retry budget"
	OpConfigWait  = "configuration wait"
)

// Settings control one supervised run.
type Settings struct {
	// ConfigPath is the configuration file watched for the first version and
	// for corrections.
	ConfigPath string

	// WorkDir is the driver's working directory.
	WorkDir string

	// RestartPath is the checkpoint handed to the driver when it exists.
	RestartPath string

	// RestartOnError enables the retry protocol.
	RestartOnError bool

	// MaxRetryTime is the cumulative retry budget of a failure episode.
	MaxRetryTime time.Duration

	// RetryPollInterval is slept after each failure before watching the
	// configuration again.
	RetryPollInterval time.Duration

	// ReportEvery logs a liveness line every n polls. Zero disables it.
	ReportEvery int
}

// LaunchBuilder describes the child for an attempt. restartPath is empty
// when no checkpoint exists.
type LaunchBuilder func(config, restartPath string) process.Launch

// Supervisor drives the state machine.
type Supervisor struct {
	settings Settings
	spawner  process.Spawner
	poller   *poll.Poller
	build    LaunchBuilder
	logger   *logging.Logger
	bus      *event.Bus
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPoller sets the file polling interval and clock.
func WithPoller(p *poll.Poller) Option {
	return func(s *Supervisor) {
		s.poller = p
	}
}

// WithLaunchBuilder replaces the default launch description, which feeds the
// configuration on stdin and runs in WorkDir.
func WithLaunchBuilder(b LaunchBuilder) Option {
	return func(s *Supervisor) {
		s.build = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithBus publishes a SupervisorStateEvent for every state entered.
func WithBus(bus *event.Bus) Option {
	return func(s *Supervisor) {
		s.bus = bus
	}
}

// New creates a Supervisor that launches attempts with spawner.
func New(settings Settings, spawner process.Spawner, opts ...Option) *Supervisor {
	s := &Supervisor{
		settings: settings,
		spawner:  spawner,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.poller == nil {
		s.poller = poll.New(100 * time.Millisecond)
	}
	if s.build == nil {
		s.build = func(config, _ string) process.Launch {
			return process.Launch{Stdin: []byte(config), Dir: settings.WorkDir}
		}
	}
	s.logger = s.logger.WithComponent("supervisor")
	return s
}

// Run drives the state machine from PhaseWaitingForConfig to a terminal
// phase. It returns nil on success and the fatal error otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	st := State{Phase: PhaseWaitingForConfig}
	s.enter(st)

	for !st.Phase.Terminal() {
		st = s.Step(ctx, st)
		s.enter(st)
	}

	if st.Phase == PhaseFatal {
		return st.Err
	}
	return nil
}

// Step performs the transition out of st.Phase. Terminal states are
// returned unchanged.
func (s *Supervisor) Step(ctx context.Context, st State) State {
	switch st.Phase {
	case PhaseWaitingForConfig:
		return s.waitForConfig(ctx, st)
	case PhaseRunning:
		return s.run(ctx, st)
	case PhaseAwaitingRetry:
		return s.awaitRetry(ctx, st)
	case PhaseSuccess, PhaseFatal:
		return st
	default:
		return fatal(st, fmt.Errorf("supervisor: unknown phase %q", st.Phase))
	}
}

func (s *Supervisor) waitForConfig(ctx context.Context, st State) State {
	path := s.settings.ConfigPath
	p := s.poller.With(
		poll.WithWatch(filepath.Dir(path)),
		poll.WithReport(s.settings.ReportEvery, func(polls int, elapsed time.Duration) {
			s.logger.Info("waiting for configuration", "path", path, "polls", polls, "elapsed", elapsed.String())
		}),
	)
	if err := p.Until(ctx, poll.FileExists(path)); err != nil {
		return fatal(st, fmt.Errorf("supervisor: wait for %s: %w", path, err))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fatal(st, fmt.Errorf("supervisor: read configuration: %w", err))
	}

	st.Phase = PhaseRunning
	st.Attempt.Config = string(data)
	st.Err = nil
	return st
}

func (s *Supervisor) run(ctx context.Context, st State) State {
	clock := s.poller.Clock()
	st.Attempt = Attempt{
		Number:       st.Attempt.Number + 1,
		Start:        clock.Now(),
		FirstFailure: st.Attempt.FirstFailure,
		Config:       st.Attempt.Config,
	}
	st.Err = nil
	logger := s.logger.WithAttempt(st.Attempt.Number)

	restart := ""
	if s.settings.RestartPath != "" {
		if _, err := os.Stat(s.settings.RestartPath); err == nil {
			restart = s.settings.RestartPath
		}
	}

	logger.Info("launching driver", "config_digest", Digest(st.Attempt.Config), "restart", restart)
	proc, err := s.spawner.Spawn(ctx, s.build(st.Attempt.Config, restart))
	if err != nil {
		return fatal(st, fmt.Errorf("supervisor: launch attempt %d: %w", st.Attempt.Number, err))
	}

	status, err := proc.Wait()
	if err != nil {
		return fatal(st, fmt.Errorf("supervisor: wait for attempt %d: %w", st.Attempt.Number, err))
	}
	logger.Info("driver exited", "status", status.String(), "pid", proc.Pid(),
		"duration", clock.Now().Sub(st.Attempt.Start).String())

	if ctx.Err() != nil {
		return fatal(st, fmt.Errorf("supervisor: attempt %d: %w: %w", st.Attempt.Number, apperrors.ErrCanceled, ctx.Err()))
	}
	if status.Success() {
		st.Phase = PhaseSuccess
		return st
	}

	runErr := apperrors.NewRunError("driver attempt failed").
		WithAttempt(st.Attempt.Number).
		WithExitCode(status.Code).
		WithSignal(status.Signal)
	if !s.settings.RestartOnError || !apperrors.IsRetryable(runErr) {
		return fatal(st, runErr)
	}
	st.Phase = PhaseAwaitingRetry
	st.Err = runErr
	return st
}

func (s *Supervisor) awaitRetry(ctx context.Context, st State) State {
	clock := s.poller.Clock()
	budget := s.settings.MaxRetryTime

	if st.Attempt.FirstFailure.IsZero() {
		st.Attempt.FirstFailure = clock.Now()
	}
	elapsed := st.RetryElapsed(clock.Now())
	if budget-elapsed <= 0 {
		return fatal(st, apperrors.NewTimeoutError(OpRetryBudget, budget).
			WithElapsed(elapsed).
			WithCause(apperrors.ErrRetryBudgetExceeded))
	}

	s.logger.Warn("driver failed, waiting to retry",
		"error", errText(st.Err),
		"retry_elapsed", elapsed.String(),
		"retry_in", s.settings.RetryPollInterval.String())
	if err := poll.Sleep(ctx, clock, s.settings.RetryPollInterval); err != nil {
		return fatal(st, fmt.Errorf("supervisor: %w", err))
	}

	remaining := budget - st.RetryElapsed(clock.Now())
	if remaining <= 0 {
		return fatal(st, s.configWaitTimeout(st, 0))
	}
	s.logger.Info("waiting for a changed configuration", "path", s.settings.ConfigPath, "max_wait", remaining.String())

	old := st.Attempt.Config
	var changed string
	p := s.poller.With(
		poll.WithTimeout(remaining),
		poll.WithReport(s.settings.ReportEvery, func(polls int, waited time.Duration) {
			s.logger.Info("configuration unchanged", "polls", polls, "elapsed", waited.String())
		}),
	)
	err := p.Until(ctx, func() (bool, error) {
		data, err := os.ReadFile(s.settings.ConfigPath)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read configuration: %w", err)
		}
		if string(data) == old {
			return false, nil
		}
		changed = string(data)
		return true, nil
	})
	if apperrors.Is(err, apperrors.ErrTimeout) {
		return fatal(st, s.configWaitTimeout(st, remaining))
	}
	if err != nil {
		return fatal(st, fmt.Errorf("supervisor: wait for configuration change: %w", err))
	}

	s.logger.Info("configuration changed", "old_digest", Digest(old), "new_digest", Digest(changed))
	st.Phase = PhaseRunning
	st.Attempt.Config = changed
	st.Err = nil
	return st
}

func (s *Supervisor) configWaitTimeout(st State, wait time.Duration) error {
	return apperrors.NewTimeoutError(OpConfigWait, wait).
		WithElapsed(st.RetryElapsed(s.poller.Clock().Now())).
		WithCause(apperrors.ErrConfigWaitTimeout)
}

// enter logs and publishes st.
func (s *Supervisor) enter(st State) {
	now := s.poller.Clock().Now()
	retryElapsed := st.RetryElapsed(now)
	s.bus.Publish(event.NewSupervisorStateEvent(string(st.Phase), st.Attempt.Number,
		Digest(st.Attempt.Config), retryElapsed, st.Err))

	switch st.Phase {
	case PhaseFatal:
		s.logger.Error("supervised run failed",
			"error", errText(st.Err),
			"kind", apperrors.Kind(st.Err),
			"severity", apperrors.GetSeverity(st.Err).String(),
			"attempts", st.Attempt.Number,
			"retry_elapsed", retryElapsed.String(),
			"config_digest", Digest(st.Attempt.Config))
	case PhaseSuccess:
		s.logger.Info("supervised run succeeded", "attempts", st.Attempt.Number)
	default:
		s.logger.Debug("state entered", "phase", string(st.Phase), "attempt", st.Attempt.Number)
	}
}

func fatal(st State, err error) State {
	st.Phase = PhaseFatal
	st.Err = err
	return st
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
