// Package sidecar ties the protocol pieces into one session: it owns the
// sidecar's identity and directory layout, performs both handshakes, stages
// the study folder, and hands control to the run supervisor.
package sidecar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/optsidecar/internal/config"
	"github.com/Iron-Ham/optsidecar/internal/driver"
	"github.com/Iron-Ham/optsidecar/internal/event"
	"github.com/Iron-Ham/optsidecar/internal/handshake"
	"github.com/Iron-Ham/optsidecar/internal/logging"
	"github.com/Iron-Ham/optsidecar/internal/poll"
	"github.com/Iron-Ham/optsidecar/internal/process"
	"github.com/Iron-Ham/optsidecar/internal/supervisor"
	"github.com/Iron-Ham/optsidecar/internal/taskbridge"
)

// Peer names used in logs and events.
const (
	PeerCaller    = "caller"
	PeerEvaluator = "evaluator"
)

// Service is one sidecar session. It is built once per process and is
// single-use.
type Service struct {
	cfg     *config.Config
	id      string
	spawner process.Spawner
	poller  *poll.Poller
	logger  *logging.Logger
	bus     *event.Bus

	callerID    string
	evaluatorID string
}

// Option configures a Service.
type Option func(*Service)

// WithID fixes the session identity instead of generating a UUID.
func WithID(id string) Option {
	return func(s *Service) {
		s.id = id
	}
}

// WithPoller replaces the poller built from the file polling interval.
func WithPoller(p *poll.Poller) Option {
	return func(s *Service) {
		s.poller = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithBus publishes handshake and supervisor events to bus.
func WithBus(bus *event.Bus) Option {
	return func(s *Service) {
		s.bus = bus
	}
}

// New creates a Service that launches driver attempts with spawner.
func New(cfg *config.Config, spawner process.Spawner, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		spawner: spawner,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.poller == nil {
		s.poller = poll.New(cfg.FilePoll())
	}
	s.logger = s.logger.WithComponent("sidecar").With("sidecar_id", s.id)
	return s
}

// ID returns the session identity.
func (s *Service) ID() string {
	return s.id
}

// Peers returns the identities learned during Start. Both are empty before
// the handshakes complete.
func (s *Service) Peers() (callerID, evaluatorID string) {
	return s.callerID, s.evaluatorID
}

// ConfigPath is the driver configuration provided by the caller.
func (s *Service) ConfigPath() string {
	return filepath.Join(s.cfg.InputDir(config.CallerInputDir), driver.InputFilename)
}

// WorkDir is the driver's working directory.
func (s *Service) WorkDir() string {
	return s.cfg.OutputDir(config.CallerOutputDir)
}

// RestartPath is where the driver's checkpoint is looked for.
func (s *Service) RestartPath() string {
	return filepath.Join(s.WorkDir(), driver.RestartFilename)
}

// RequestPath is where task batches for the evaluator are written.
func (s *Service) RequestPath() string {
	return filepath.Join(s.cfg.OutputDir(config.EvaluatorOutputDir), taskbridge.RequestFilename)
}

// ResponsePath is where the evaluator answers.
func (s *Service) ResponsePath() string {
	return filepath.Join(s.cfg.InputDir(config.EvaluatorInputDir), taskbridge.ResponseFilename)
}

// Start runs the session to completion: housekeeping, the caller and
// evaluator handshakes, staging of the study folder and the supervised run.
// It returns nil once the driver has succeeded.
func (s *Service) Start(ctx context.Context) error {
	started := time.Now()
	s.logger.Info("starting sidecar session",
		"inputs", s.cfg.Paths.Inputs, "outputs", s.cfg.Paths.Outputs)

	if err := s.prepare(); err != nil {
		return err
	}
	if err := s.shake(ctx); err != nil {
		return err
	}
	if err := s.stage(ctx); err != nil {
		return err
	}

	sup := supervisor.New(supervisor.Settings{
		ConfigPath:        s.ConfigPath(),
		WorkDir:           s.WorkDir(),
		RestartPath:       s.RestartPath(),
		RestartOnError:    s.cfg.RestartOnError,
		MaxRetryTime:      s.cfg.RetryBudget(),
		RetryPollInterval: s.cfg.RetryPoll(),
		ReportEvery:       s.cfg.PrintPollingInterval,
	}, s.spawner,
		supervisor.WithPoller(s.poller),
		supervisor.WithLaunchBuilder(s.launch),
		supervisor.WithLogger(s.logger),
		supervisor.WithBus(s.bus),
	)
	if err := sup.Run(ctx); err != nil {
		return err
	}

	s.logger.Info("sidecar session finished", "duration", time.Since(started).String())
	return nil
}

// prepare removes leftovers of a previous session from the caller outbox and
// makes sure both outboxes exist.
func (s *Service) prepare() error {
	work := s.WorkDir()
	if err := CleanDir(work); err != nil {
		return fmt.Errorf("sidecar: %w", err)
	}
	for _, dir := range []string{work, s.cfg.OutputDir(config.EvaluatorOutputDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("sidecar: create %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Service) shake(ctx context.Context) error {
	opts := func(peer string) []handshake.Option {
		return []handshake.Option{
			handshake.WithPoller(s.poller),
			handshake.WithReportEvery(s.cfg.PrintPollingInterval),
			handshake.WithLogger(s.logger),
			handshake.WithBus(s.bus, peer),
		}
	}

	caller := handshake.New(s.id,
		s.cfg.InputDir(config.CallerInputDir), s.WorkDir(),
		handshake.Initiator, opts(PeerCaller)...)
	id, err := caller.Shake(ctx)
	if err != nil {
		return fmt.Errorf("sidecar: %s handshake: %w", PeerCaller, err)
	}
	s.callerID = id

	evaluator := handshake.New(s.id,
		s.cfg.InputDir(config.EvaluatorInputDir), s.cfg.OutputDir(config.EvaluatorOutputDir),
		handshake.Responder, opts(PeerEvaluator)...)
	id, err = evaluator.Shake(ctx)
	if err != nil {
		return fmt.Errorf("sidecar: %s handshake: %w", PeerEvaluator, err)
	}
	s.evaluatorID = id
	return nil
}

// stage waits for the caller's configuration and mirrors the caller's input
// folder into the driver working directory.
func (s *Service) stage(ctx context.Context) error {
	path := s.ConfigPath()
	p := s.poller.With(
		poll.WithWatch(filepath.Dir(path)),
		poll.WithReport(s.cfg.PrintPollingInterval, func(polls int, elapsed time.Duration) {
			s.logger.Info("waiting for driver configuration", "path", path, "polls", polls, "elapsed", elapsed.String())
		}),
	)
	if err := p.Until(ctx, poll.FileExists(path)); err != nil {
		return fmt.Errorf("sidecar: wait for %s: %w", path, err)
	}

	work := s.WorkDir()
	if err := CleanDir(work); err != nil {
		return fmt.Errorf("sidecar: %w", err)
	}
	if err := CopyDir(s.cfg.InputDir(config.CallerInputDir), work, handshake.DefaultFilename); err != nil {
		return fmt.Errorf("sidecar: stage study folder: %w", err)
	}
	s.logger.Info("study folder staged", "from", s.cfg.InputDir(config.CallerInputDir), "to", work)
	return nil
}

// launch describes a drive child for one attempt.
func (s *Service) launch(cfgText, restartPath string) process.Launch {
	child := Child{
		CallerID:     s.id,
		EvaluatorID:  s.evaluatorID,
		RequestPath:  s.RequestPath(),
		ResponsePath: s.ResponsePath(),
		WorkDir:      s.WorkDir(),
		RestartPath:  restartPath,
	}
	return process.Launch{
		Args:  child.Args(),
		Stdin: []byte(cfgText),
		Env:   s.cfg.ChildEnv(),
		Dir:   s.WorkDir(),
	}
}
