package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/Iron-Ham/optsidecar/internal/errors"
	"github.com/Iron-Ham/optsidecar/internal/event"
	"github.com/Iron-Ham/optsidecar/internal/poll"
	"github.com/Iron-Ham/optsidecar/internal/process"
	"github.com/Iron-Ham/optsidecar/internal/testutil"
)

// fakeResult is what one spawned attempt does: run for a while on the fake
// clock, then exit with status.
type fakeResult struct {
	run      time.Duration
	status   process.ExitStatus
	spawnErr error
}

type fakeSpawner struct {
	clock    *testutil.FakeClock
	results  []fakeResult
	launches []process.Launch
	starts   []time.Duration
}

func (f *fakeSpawner) Spawn(ctx context.Context, l process.Launch) (process.Process, error) {
	idx := min(len(f.launches), len(f.results)-1)
	f.launches = append(f.launches, l)
	f.starts = append(f.starts, f.clock.Elapsed())
	r := f.results[idx]
	if r.spawnErr != nil {
		return nil, r.spawnErr
	}
	return &fakeProcess{clock: f.clock, result: r}, nil
}

type fakeProcess struct {
	clock  *testutil.FakeClock
	result fakeResult
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Wait() (process.ExitStatus, error) {
	p.clock.Advance(p.result.run)
	return p.result.status, nil
}

var (
	exitOK   = process.ExitStatus{Code: 0}
	exitFail = process.ExitStatus{Code: 1}
)

type harness struct {
	layout   testutil.Layout
	clock    *testutil.FakeClock
	spawner  *fakeSpawner
	settings Settings
	events   []event.SupervisorStateEvent
	bus      *event.Bus
}

func newHarness(t *testing.T, results ...fakeResult) *harness {
	t.Helper()
	l := testutil.SetupLayout(t)
	clock := testutil.NewFakeClock()
	h := &harness{
		layout:  l,
		clock:   clock,
		spawner: &fakeSpawner{clock: clock, results: results},
		settings: Settings{
			ConfigPath:        filepath.Join(l.Input(0), "dakota.in"),
			WorkDir:           l.Output(0),
			RestartPath:       filepath.Join(l.Output(0), "dakota.rst"),
			MaxRetryTime:      10 * time.Second,
			RetryPollInterval: time.Second,
		},
		bus: event.NewBus(nil),
	}
	h.bus.Subscribe(event.TypeSupervisorState, func(e event.Event) {
		h.events = append(h.events, e.(event.SupervisorStateEvent))
	})
	return h
}

func (h *harness) supervisor(opts ...Option) *Supervisor {
	opts = append([]Option{
		WithPoller(poll.New(100*time.Millisecond, poll.WithClock(h.clock))),
		WithBus(h.bus),
	}, opts...)
	return New(h.settings, h.spawner, opts...)
}

func (h *harness) writeConfig(t *testing.T, content string) {
	testutil.WriteFile(t, h.settings.ConfigPath, content)
}

func (h *harness) writeConfigAt(t *testing.T, at time.Duration, content string) {
	h.clock.At(at, func() { h.writeConfig(t, content) })
}

func (h *harness) phases() string {
	var p []string
	for _, e := range h.events {
		p = append(p, e.Phase)
	}
	return strings.Join(p, ",")
}

func TestRun_WaitsForConfiguration(t *testing.T) {
	h := newHarness(t, fakeResult{run: time.Second, status: exitOK})
	h.writeConfigAt(t, 2*time.Second, "method sampling")

	if err := h.supervisor().Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(h.spawner.starts) != 1 {
		t.Fatalf("launches = %d, want 1", len(h.spawner.starts))
	}
	start := h.spawner.starts[0]
	if start < 2*time.Second || start > 2*time.Second+100*time.Millisecond {
		t.Errorf("launched at %s, want within one polling interval after 2s", start)
	}
	if got := string(h.spawner.launches[0].Stdin); got != "method sampling" {
		t.Errorf("stdin = %q", got)
	}
	if h.spawner.launches[0].Dir != h.settings.WorkDir {
		t.Errorf("Dir = %q, want %q", h.spawner.launches[0].Dir, h.settings.WorkDir)
	}
	if got := h.phases(); got != "waiting_for_config,running,success" {
		t.Errorf("phases = %s", got)
	}
}

func TestRun_FailureWithoutRetry(t *testing.T) {
	h := newHarness(t, fakeResult{run: time.Second, status: exitFail})
	h.writeConfig(t, "v1")

	err := h.supervisor().Run(context.Background())

	var runErr *apperrors.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Run() error = %v, want RunError", err)
	}
	if runErr.ExitCode != 1 || runErr.Attempt != 1 {
		t.Errorf("RunError = %+v", runErr)
	}
	if apperrors.IsTimeout(err) {
		t.Error("a run failure must not be reported as a timeout")
	}
	if len(h.spawner.launches) != 1 {
		t.Errorf("launches = %d, want 1", len(h.spawner.launches))
	}
	if h.clock.Elapsed() != time.Second {
		t.Errorf("elapsed = %s, want no waiting after the failure", h.clock.Elapsed())
	}
	if got := h.phases(); got != "waiting_for_config,running,fatal" {
		t.Errorf("phases = %s", got)
	}
	if last := h.events[len(h.events)-1]; last.ErrKind != apperrors.KindRun || last.Severity != "error" {
		t.Errorf("last event kind, severity = %q, %q", last.ErrKind, last.Severity)
	}
}

func TestRun_CrashIsAFailure(t *testing.T) {
	h := newHarness(t, fakeResult{status: process.ExitStatus{Code: -1, Signal: "SIGKILL"}})
	h.writeConfig(t, "v1")

	err := h.supervisor().Run(context.Background())

	var runErr *apperrors.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Run() error = %v, want RunError", err)
	}
	if runErr.Signal != "SIGKILL" {
		t.Errorf("Signal = %q, want SIGKILL", runErr.Signal)
	}
}

func TestRun_RetryAfterConfigurationChange(t *testing.T) {
	h := newHarness(t,
		fakeResult{run: time.Second, status: exitFail},
		fakeResult{run: time.Second, status: exitOK},
	)
	h.settings.RestartOnError = true
	h.writeConfig(t, "v1")
	h.writeConfigAt(t, 4*time.Second, "v2")

	if err := h.supervisor().Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(h.spawner.launches) != 2 {
		t.Fatalf("launches = %d, want 2", len(h.spawner.launches))
	}
	if got := string(h.spawner.launches[1].Stdin); got != "v2" {
		t.Errorf("relaunched with %q, want v2", got)
	}
	if start := h.spawner.starts[1]; start < 4*time.Second || start > 4*time.Second+100*time.Millisecond {
		t.Errorf("relaunched at %s, want shortly after the change at 4s", start)
	}
	if got := h.phases(); got != "waiting_for_config,running,awaiting_retry,running,success" {
		t.Errorf("phases = %s", got)
	}

	// The relaunch keeps the failure episode: its retry clock started at the
	// first failure (t=1s), not at the relaunch.
	relaunch := h.events[3]
	if relaunch.RetryElapsed != 3*time.Second {
		t.Errorf("retry elapsed at relaunch = %s, want 3s", relaunch.RetryElapsed)
	}
}

func TestRun_RetryBudgetIsCumulative(t *testing.T) {
	h := newHarness(t, fakeResult{run: time.Second, status: exitFail})
	h.settings.RestartOnError = true
	h.writeConfig(t, "v1")
	h.writeConfigAt(t, 4*time.Second, "v2")
	h.writeConfigAt(t, 8*time.Second, "v3")
	h.writeConfigAt(t, 12*time.Second, "v4")

	err := h.supervisor().Run(context.Background())

	// Failures at 1s, 5s and 9s. After the third, 1s of budget is left
	// once the retry interval has been slept, and v4 arrives too late.
	if !errors.Is(err, apperrors.ErrConfigWaitTimeout) {
		t.Fatalf("Run() error = %v, want ErrConfigWaitTimeout", err)
	}
	if errors.Is(err, apperrors.ErrRunFailed) {
		t.Error("budget exhaustion must be distinct from a run failure")
	}
	if len(h.spawner.launches) != 3 {
		t.Errorf("launches = %d, want 3", len(h.spawner.launches))
	}
	firstFailure := time.Second
	for i, start := range h.spawner.starts {
		if start > firstFailure+h.settings.MaxRetryTime {
			t.Errorf("launch %d at %s is past the retry budget", i+1, start)
		}
	}
	if h.clock.Elapsed() != 11*time.Second {
		t.Errorf("gave up at %s, want 11s (first failure + budget)", h.clock.Elapsed())
	}

	var te *apperrors.TimeoutError
	if !errors.As(err, &te) || te.Operation != OpConfigWait {
		t.Errorf("error = %v, want a configuration wait timeout", err)
	}
}

func TestRun_RetryBudgetExceeded(t *testing.T) {
	h := newHarness(t,
		fakeResult{run: time.Second, status: exitFail},
		fakeResult{run: 20 * time.Second, status: exitFail},
	)
	h.settings.RestartOnError = true
	h.writeConfig(t, "v1")
	h.writeConfigAt(t, 2*time.Second, "v2")

	err := h.supervisor().Run(context.Background())

	if !errors.Is(err, apperrors.ErrRetryBudgetExceeded) {
		t.Fatalf("Run() error = %v, want ErrRetryBudgetExceeded", err)
	}
	var te *apperrors.TimeoutError
	if !errors.As(err, &te) || te.Operation != OpRetryBudget {
		t.Errorf("error = %v, want a retry budget timeout", err)
	}
	if te != nil && te.Elapsed != 21*time.Second {
		t.Errorf("Elapsed = %s, want 21s", te.Elapsed)
	}
	if len(h.spawner.launches) != 2 {
		t.Errorf("launches = %d, want 2", len(h.spawner.launches))
	}
	if last := h.events[len(h.events)-1]; last.Phase != string(PhaseFatal) || last.Attempt != 2 || last.Err == "" {
		t.Errorf("last event = %+v", last)
	} else if last.ErrKind != apperrors.KindTimeout {
		t.Errorf("last event kind = %q, want %q", last.ErrKind, apperrors.KindTimeout)
	}
}

func TestRun_UnchangedConfigurationIsNotARetry(t *testing.T) {
	h := newHarness(t, fakeResult{run: time.Second, status: exitFail})
	h.settings.RestartOnError = true
	h.writeConfig(t, "v1")
	// Rewriting identical content must not count as a change.
	h.writeConfigAt(t, 3*time.Second, "v1")
	h.writeConfigAt(t, 6*time.Second, "v1")

	err := h.supervisor().Run(context.Background())

	if !errors.Is(err, apperrors.ErrConfigWaitTimeout) {
		t.Fatalf("Run() error = %v, want ErrConfigWaitTimeout", err)
	}
	if len(h.spawner.launches) != 1 {
		t.Errorf("launches = %d, want 1", len(h.spawner.launches))
	}
}

func TestRun_ZeroBudget(t *testing.T) {
	h := newHarness(t, fakeResult{run: time.Second, status: exitFail})
	h.settings.RestartOnError = true
	h.settings.MaxRetryTime = 0
	h.writeConfig(t, "v1")

	err := h.supervisor().Run(context.Background())
	if !errors.Is(err, apperrors.ErrRetryBudgetExceeded) {
		t.Errorf("Run() error = %v, want ErrRetryBudgetExceeded", err)
	}
}

func TestRun_PassesRestartCheckpoint(t *testing.T) {
	h := newHarness(t, fakeResult{status: exitOK})
	h.writeConfig(t, "v1")
	testutil.WriteFile(t, h.settings.RestartPath, "checkpoint")

	var gotRestart []string
	s := h.supervisor(WithLaunchBuilder(func(config, restartPath string) process.Launch {
		gotRestart = append(gotRestart, restartPath)
		return process.Launch{Stdin: []byte(config), Args: []string{"drive"}}
	}))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(gotRestart) != 1 || gotRestart[0] != h.settings.RestartPath {
		t.Errorf("restart paths = %v, want [%s]", gotRestart, h.settings.RestartPath)
	}
	if args := h.spawner.launches[0].Args; len(args) != 1 || args[0] != "drive" {
		t.Errorf("launch args = %v", args)
	}
}

func TestRun_NoCheckpoint(t *testing.T) {
	h := newHarness(t, fakeResult{status: exitOK})
	h.writeConfig(t, "v1")

	var gotRestart string
	s := h.supervisor(WithLaunchBuilder(func(config, restartPath string) process.Launch {
		gotRestart = restartPath
		return process.Launch{}
	}))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gotRestart != "" {
		t.Errorf("restart path = %q, want empty", gotRestart)
	}
}

func TestRun_SpawnFailureIsFatal(t *testing.T) {
	spawnErr := errors.New("exec format error")
	h := newHarness(t, fakeResult{spawnErr: spawnErr})
	h.settings.RestartOnError = true
	h.writeConfig(t, "v1")

	err := h.supervisor().Run(context.Background())
	if !errors.Is(err, spawnErr) {
		t.Errorf("Run() error = %v, want spawn error", err)
	}
	if apperrors.IsRetryable(err) {
		t.Error("a spawn failure should not be retryable")
	}
}

func TestRun_Canceled(t *testing.T) {
	h := newHarness(t, fakeResult{status: exitOK})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.supervisor().Run(ctx)
	if !errors.Is(err, apperrors.ErrCanceled) {
		t.Errorf("Run() error = %v, want ErrCanceled", err)
	}
	if len(h.spawner.launches) != 0 {
		t.Errorf("launches = %d, want 0", len(h.spawner.launches))
	}
}

func TestStep_TerminalAndUnknownPhases(t *testing.T) {
	h := newHarness(t, fakeResult{status: exitOK})
	s := h.supervisor()

	for _, p := range []Phase{PhaseSuccess, PhaseFatal} {
		st := State{Phase: p, Attempt: Attempt{Number: 3}}
		if got := s.Step(context.Background(), st); got.Phase != p || got.Attempt.Number != 3 {
			t.Errorf("Step(%s) = %+v, want unchanged", p, got)
		}
	}

	got := s.Step(context.Background(), State{Phase: "paused"})
	if got.Phase != PhaseFatal || got.Err == nil {
		t.Errorf("Step(unknown) = %+v, want fatal", got)
	}
}

func TestStep_AwaitingRetryKeepsFirstFailure(t *testing.T) {
	h := newHarness(t, fakeResult{status: exitOK})
	h.settings.RestartOnError = true
	h.writeConfig(t, "v1")
	h.writeConfigAt(t, 5*time.Second, "v2")
	s := h.supervisor()

	firstFailure := h.clock.Now().Add(-4 * time.Second)
	st := State{
		Phase:   PhaseAwaitingRetry,
		Attempt: Attempt{Number: 2, FirstFailure: firstFailure, Config: "v1"},
	}
	next := s.Step(context.Background(), st)

	if next.Phase != PhaseRunning {
		t.Fatalf("Step() = %+v, want running", next)
	}
	if !next.Attempt.FirstFailure.Equal(firstFailure) {
		t.Errorf("FirstFailure = %v, want %v", next.Attempt.FirstFailure, firstFailure)
	}
	if next.Attempt.Config != "v2" {
		t.Errorf("Config = %q, want v2", next.Attempt.Config)
	}
}

func TestStep_AwaitingRetryBudgetAlreadySpent(t *testing.T) {
	h := newHarness(t, fakeResult{status: exitOK})
	h.settings.RestartOnError = true
	s := h.supervisor()

	st := State{
		Phase:   PhaseAwaitingRetry,
		Attempt: Attempt{Number: 5, FirstFailure: h.clock.Now().Add(-10 * time.Second), Config: "v1"},
	}
	next := s.Step(context.Background(), st)
	if next.Phase != PhaseFatal || !errors.Is(next.Err, apperrors.ErrRetryBudgetExceeded) {
		t.Errorf("Step() = %+v, want fatal retry budget", next)
	}
	if h.clock.Elapsed() != 0 {
		t.Errorf("slept %s before giving up", h.clock.Elapsed())
	}
}

func TestDigest(t *testing.T) {
	if Digest("") != "" {
		t.Error("Digest of empty config should be empty")
	}
	a, b := Digest("method sampling"), Digest("method optpp")
	if len(a) != 12 || a == b || a != Digest("method sampling") {
		t.Errorf("Digest() = %q, %q", a, b)
	}
}
