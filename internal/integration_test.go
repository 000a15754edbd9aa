// Package internal contains integration tests that verify the sidecar packages
// work together: the session, the supervisor, the event bus, the dashboard,
// the handshake and the task bridge.
package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/optsidecar/internal/atomicfile"
	"github.com/Iron-Ham/optsidecar/internal/config"
	"github.com/Iron-Ham/optsidecar/internal/dashboard"
	"github.com/Iron-Ham/optsidecar/internal/driver"
	"github.com/Iron-Ham/optsidecar/internal/event"
	"github.com/Iron-Ham/optsidecar/internal/handshake"
	"github.com/Iron-Ham/optsidecar/internal/poll"
	"github.com/Iron-Ham/optsidecar/internal/process"
	"github.com/Iron-Ham/optsidecar/internal/sidecar"
	"github.com/Iron-Ham/optsidecar/internal/taskbridge"
	"github.com/Iron-Ham/optsidecar/internal/testutil"
)

const sessionID = "sidecar-it"

// scriptedSpawner returns the exit codes in order and runs onLaunch before
// each attempt reports.
type scriptedSpawner struct {
	codes    []int
	onLaunch func(n int, l process.Launch)
	launches []process.Launch
}

func (s *scriptedSpawner) Spawn(_ context.Context, l process.Launch) (process.Process, error) {
	n := len(s.launches)
	s.launches = append(s.launches, l)
	if s.onLaunch != nil {
		s.onLaunch(n, l)
	}
	code := 0
	if n < len(s.codes) {
		code = s.codes[n]
	}
	return finished(code), nil
}

type finished int

func (finished) Pid() int { return 1 }

func (f finished) Wait() (process.ExitStatus, error) {
	return process.ExitStatus{Code: int(f)}, nil
}

func writePeers(t *testing.T, l testutil.Layout) {
	t.Helper()
	confirmed := sessionID
	if err := atomicfile.WriteJSON(filepath.Join(l.Input(0), handshake.DefaultFilename), handshake.Message{
		Command: handshake.CommandConfirm, UUID: "caller-it", ConfirmedUUID: &confirmed,
	}); err != nil {
		t.Fatal(err)
	}
	if err := atomicfile.WriteJSON(filepath.Join(l.Input(1), handshake.DefaultFilename), handshake.Message{
		Command: handshake.CommandRegister, UUID: "evaluator-it",
	}); err != nil {
		t.Fatal(err)
	}
}

func sessionConfig(l testutil.Layout) *config.Config {
	cfg := config.Default()
	cfg.Paths = config.PathsConfig{Inputs: l.Inputs, Outputs: l.Outputs}
	cfg.FilePollingInterval = 0.001
	cfg.RestartOnErrorPollingInterval = 0.001
	cfg.RestartOnErrorMaxTime = 10
	return cfg
}

// TestEventBusIntegration checks that supervisor transitions of a session
// reach the dashboard through the event bus.
func TestEventBusIntegration(t *testing.T) {
	l := testutil.SetupLayout(t)
	writePeers(t, l)
	testutil.WriteFile(t, filepath.Join(l.Input(0), driver.InputFilename), "method\n")

	bus := event.NewBus(nil)
	dash := dashboard.New(0, l.Output(0), bus, nil)

	var phases []string
	bus.Subscribe(event.TypeSupervisorState, func(e event.Event) {
		phases = append(phases, e.(event.SupervisorStateEvent).Phase)
	})

	svc := sidecar.New(sessionConfig(l), &scriptedSpawner{},
		sidecar.WithID(sessionID),
		sidecar.WithPoller(poll.New(time.Millisecond)),
		sidecar.WithBus(bus))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if want := []string{"waiting_for_config", "running", "success"}; !slices.Equal(phases, want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}

	rec := httptest.NewRecorder()
	dash.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var st dashboard.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Phase != "success" || st.Attempt != 1 {
		t.Errorf("dashboard status = %+v", st)
	}
	if st.Peers["caller"] != "caller-it" || st.Peers["evaluator"] != "evaluator-it" {
		t.Errorf("dashboard peers = %v", st.Peers)
	}

	// The staged study folder is what the dashboard serves.
	rec = httptest.NewRecorder()
	dash.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+driver.InputFilename, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "method\n" {
		t.Errorf("GET /%s = %d %q", driver.InputFilename, rec.Code, rec.Body.String())
	}
}

// TestRetryEpisode runs a session whose first attempt fails and whose
// configuration is corrected while the supervisor waits.
func TestRetryEpisode(t *testing.T) {
	l := testutil.SetupLayout(t)
	writePeers(t, l)
	cfgPath := filepath.Join(l.Input(0), driver.InputFilename)
	testutil.WriteFile(t, cfgPath, "broken\n")

	sp := &scriptedSpawner{
		codes: []int{2, 0},
		onLaunch: func(n int, _ process.Launch) {
			if n == 0 {
				if err := atomicfile.Write(cfgPath, []byte("fixed\n")); err != nil {
					t.Error(err)
				}
			}
		},
	}

	bus := event.NewBus(nil)
	var phases []string
	bus.Subscribe(event.TypeSupervisorState, func(e event.Event) {
		phases = append(phases, e.(event.SupervisorStateEvent).Phase)
	})

	cfg := sessionConfig(l)
	cfg.RestartOnError = true
	svc := sidecar.New(cfg, sp,
		sidecar.WithID(sessionID),
		sidecar.WithPoller(poll.New(time.Millisecond)),
		sidecar.WithBus(bus))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	want := []string{"waiting_for_config", "running", "awaiting_retry", "running", "success"}
	if !slices.Equal(phases, want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}
	if len(sp.launches) != 2 {
		t.Fatalf("launches = %d, want 2", len(sp.launches))
	}
	if got := string(sp.launches[1].Stdin); got != "fixed\n" {
		t.Errorf("second attempt configuration = %q", got)
	}
}

// TestHandshakeThenBridge discovers the evaluator with a handshake and then
// round-trips a batch through the bridge using the learned identity.
func TestHandshakeThenBridge(t *testing.T) {
	l := testutil.SetupLayout(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fast := poll.New(time.Millisecond)
	sidecarSide := handshake.New(sessionID, l.Input(1), l.Output(1), handshake.Responder, handshake.WithPoller(fast))
	evaluatorSide := handshake.New("evaluator-it", l.Output(1), l.Input(1), handshake.Initiator, handshake.WithPoller(fast))

	var (
		wg          sync.WaitGroup
		learnedByEv string
		evErr       error
	)
	wg.Go(func() {
		learnedByEv, evErr = evaluatorSide.Shake(ctx)
	})
	evaluatorID, err := sidecarSide.Shake(ctx)
	wg.Wait()
	if err != nil || evErr != nil {
		t.Fatalf("Shake() errors = %v, %v", err, evErr)
	}
	if evaluatorID != "evaluator-it" || learnedByEv != sessionID {
		t.Fatalf("identities = %q, %q", evaluatorID, learnedByEv)
	}

	bridge := taskbridge.New(taskbridge.Config{
		CallerID:     sessionID,
		EvaluatorID:  evaluatorID,
		RequestPath:  filepath.Join(l.Output(1), taskbridge.RequestFilename),
		ResponsePath: filepath.Join(l.Input(1), taskbridge.ResponseFilename),
	}, taskbridge.WithPoller(fast))

	// The evaluator squares x for every task addressed to it.
	wg.Go(func() {
		req := bridge.Config().RequestPath
		_ = poll.New(time.Millisecond).Until(ctx, func() (bool, error) {
			var batch taskbridge.Batch
			if found, err := atomicfile.ReadJSON(req, &batch); !found || err != nil {
				return false, nil
			}
			if batch.MapUUID != evaluatorID {
				return false, nil
			}
			for i := range batch.Tasks {
				var x float64
				_ = json.Unmarshal(batch.Tasks[i].Input["x"].Value, &x)
				y, _ := json.Marshal(x * x)
				batch.Tasks[i].Output["y"] = taskbridge.Value{Value: y}
				batch.Tasks[i].Status = taskbridge.StatusSuccess
			}
			return true, atomicfile.WriteJSON(bridge.Config().ResponsePath, batch)
		})
	})

	results, err := bridge.Model(ctx, []driver.Evaluation{
		{CVLabels: []string{"x"}, CV: []float64{3}, FunctionLabels: []string{"y"}},
		{CVLabels: []string{"x"}, CV: []float64{-0.5}, FunctionLabels: []string{"y"}},
	})
	wg.Wait()
	if err != nil {
		t.Fatalf("Model() error = %v", err)
	}
	if len(results) != 2 || results[0].Fns[0] != 9 || results[1].Fns[0] != 0.25 {
		t.Errorf("results = %+v", results)
	}
}
