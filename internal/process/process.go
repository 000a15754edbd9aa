// Package process abstracts launching a child process and collecting its exit
// status.
//
// The supervisor runs every driver attempt in a fresh OS process so that a
// crash, a leaked global or a hung native library cannot take the sidecar
// down with it. This package keeps that boundary small and replaceable:
//
//   - [Spawner] starts a child from a [Launch] description
//   - [Process] is a running child; Wait returns its [ExitStatus]
//   - [ExecSpawner] re-executes a binary (normally the sidecar itself)
//
// A child killed by a signal is reported through ExitStatus.Signal, never as
// a Wait error. Wait errors are reserved for failures to observe the child.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Common errors returned by Spawner implementations.
var (
	// ErrNoExecutable is returned when the binary to launch cannot be resolved.
	ErrNoExecutable = errors.New("no executable to launch")
)

// DefaultWaitDelay is how long a canceled child gets between SIGTERM and
// SIGKILL.
const DefaultWaitDelay = 10 * time.Second

// Launch describes one child process.
type Launch struct {
	// Args are appended to the spawner's base arguments.
	Args []string

	// Stdin is fed to the child's standard input and then closed.
	Stdin []byte

	// Env is added to the parent's environment.
	Env map[string]string

	// Dir is the child's working directory. Empty inherits the parent's.
	Dir string

	// Stdout and Stderr receive the child's output. Nil inherits the
	// parent's streams.
	Stdout io.Writer
	Stderr io.Writer
}

// ExitStatus is how a child process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 if the child was killed by a signal.
	Code int
	// Signal names the terminating signal (e.g. "SIGKILL"), empty for a
	// normal exit.
	Signal string
}

// Success reports whether the child exited normally with code 0.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

// String describes the status for logs.
func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "killed by " + s.Signal
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Process is a running child.
type Process interface {
	// Pid returns the operating system process id.
	Pid() int

	// Wait blocks until the child terminates. It must be called exactly once.
	Wait() (ExitStatus, error)
}

// Spawner starts child processes.
type Spawner interface {
	// Spawn starts a child. Canceling ctx terminates the child.
	Spawn(ctx context.Context, l Launch) (Process, error)
}

// ExecSpawner starts children with os/exec.
type ExecSpawner struct {
	// Path is the binary to run.
	Path string

	// BaseArgs precede every Launch's Args.
	BaseArgs []string

	// WaitDelay bounds the grace period after cancellation.
	WaitDelay time.Duration
}

// NewSelfSpawner returns an ExecSpawner that re-executes the running binary
// with baseArgs, e.g. a hidden subcommand.
func NewSelfSpawner(baseArgs ...string) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoExecutable, err)
	}
	return &ExecSpawner{Path: exe, BaseArgs: baseArgs, WaitDelay: DefaultWaitDelay}, nil
}

// Spawn starts the child described by l.
func (s *ExecSpawner) Spawn(ctx context.Context, l Launch) (Process, error) {
	if s.Path == "" {
		return nil, ErrNoExecutable
	}

	args := append(slices.Clone(s.BaseArgs), l.Args...)
	cmd := exec.CommandContext(ctx, s.Path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	cmd.Dir = l.Dir
	cmd.Stdout = l.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if l.Stdin != nil {
		cmd.Stdin = bytes.NewReader(l.Stdin)
	}

	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(l.Env)) {
		env = append(env, k+"="+l.Env[k])
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Path, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	if err == nil {
		return ExitStatus{Code: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return statusOf(exitErr.ProcessState), nil
	}
	if p.cmd.ProcessState != nil {
		// The child exited but its I/O could not be drained in time.
		return statusOf(p.cmd.ProcessState), nil
	}
	return ExitStatus{}, fmt.Errorf("wait for pid %d: %w", p.Pid(), err)
}

func statusOf(ps *os.ProcessState) ExitStatus {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	return ExitStatus{Code: ps.ExitCode()}
}
