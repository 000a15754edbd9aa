package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/optsidecar/internal/atomicfile"
	"github.com/Iron-Ham/optsidecar/internal/driver"
	"github.com/Iron-Ham/optsidecar/internal/taskbridge"
	"github.com/Iron-Ham/optsidecar/internal/testutil"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// quietEnv points the layout at temporary directories and silences logs.
func quietEnv(t *testing.T) testutil.Layout {
	t.Helper()
	l := testutil.SetupLayout(t)
	t.Setenv("DY_SIDECAR_PATH_INPUTS", l.Inputs)
	t.Setenv("DY_SIDECAR_PATH_OUTPUTS", l.Outputs)
	t.Setenv("OPTSIDECAR_LOGGING_LEVEL", "error")
	t.Setenv("OPTSIDECAR_FILE_POLLING_INTERVAL", "0.005")
	return l
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "optsidecar" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "optsidecar")
	}

	expected := []string{"run", "drive", "evaluate", "config", "schema", "version"}
	cmdMap := make(map[string]*cobra.Command)
	for _, c := range rootCmd.Commands() {
		cmdMap[c.Name()] = c
	}
	for _, name := range expected {
		if cmdMap[name] == nil {
			t.Errorf("expected subcommand %q not found", name)
		}
	}
	if c := cmdMap["drive"]; c != nil && !c.Hidden {
		t.Error("drive should be hidden")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(rootCmd, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "optsidecar "+Version) {
		t.Errorf("output = %q", out)
	}
}

func TestSchemaCommand(t *testing.T) {
	quietEnv(t)

	out, err := executeCommand(rootCmd, "schema")
	if err != nil {
		t.Fatalf("schema error = %v", err)
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if _, ok := schema.Properties["restart_on_error_max_time"]; !ok {
		t.Errorf("properties = %v", schema.Properties)
	}
}

func TestSchemaCommand_Write(t *testing.T) {
	l := quietEnv(t)
	t.Cleanup(func() { _ = schemaCmd.Flags().Set("write", "false") })

	if _, err := executeCommand(rootCmd, "schema", "--write"); err != nil {
		t.Fatalf("schema --write error = %v", err)
	}
	path := filepath.Join(l.Outputs, "conf_json_schema", "schema.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("schema not written: %v", err)
	}
}

func TestConfigCommand(t *testing.T) {
	l := quietEnv(t)
	t.Setenv("OPTSIDECAR_DRIVER_COMMAND", "/opt/dakota/bin/dakota")
	t.Setenv("OPTSIDECAR_RESTART_ON_ERROR", "true")

	out, err := executeCommand(rootCmd, "config")
	if err != nil {
		t.Fatalf("config error = %v", err)
	}
	for _, want := range []string{
		"command: /opt/dakota/bin/dakota",
		"restart_on_error: true",
		"inputs: " + l.Inputs,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCommand_Invalid(t *testing.T) {
	quietEnv(t)
	t.Setenv("OPTSIDECAR_DRIVER_NAME", "unknown")

	if _, err := executeCommand(rootCmd, "config"); err == nil {
		t.Error("expected a validation error")
	}
}

// serveOnce answers the first request written to req with the sum of each
// task's inputs under every requested output label.
func serveOnce(t *testing.T, req, resp string) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			var batch taskbridge.Batch
			found, err := atomicfile.ReadJSON(req, &batch)
			if !found || err != nil {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			for i, task := range batch.Tasks {
				var sum float64
				for _, v := range task.Input {
					var f float64
					_ = json.Unmarshal(v.Value, &f)
					sum += f
				}
				for label := range task.Output {
					task.Output[label] = taskbridge.Value{Value: json.RawMessage(jsonNumber(sum))}
				}
				task.Status = taskbridge.StatusSuccess
				batch.Tasks[i] = task
			}
			done <- atomicfile.WriteJSON(resp, batch)
			return
		}
		done <- os.ErrDeadlineExceeded
	}()
	return done
}

func jsonNumber(f float64) string {
	data, _ := json.Marshal(f)
	return string(data)
}

func TestEvaluateCommand(t *testing.T) {
	l := quietEnv(t)
	req := filepath.Join(l.Output(1), taskbridge.RequestFilename)
	resp := filepath.Join(l.Input(1), taskbridge.ResponseFilename)
	t.Setenv(driver.EnvCallerUUID, "sidecar-0001")
	t.Setenv(driver.EnvEvaluatorUUID, "evaluator-0001")
	t.Setenv(driver.EnvRequestPath, req)
	t.Setenv(driver.EnvResponsePath, resp)

	dir := t.TempDir()
	params := filepath.Join(dir, "params.json")
	results := filepath.Join(dir, "results.json")
	testutil.WriteFile(t, params, `{"evaluations":[
		{"cv_labels":["x1","x2"],"cv":[1,2],"function_labels":["f"]},
		{"cv_labels":["x1","x2"],"cv":[0.5,0.25],"function_labels":["f"]}
	]}`)

	served := serveOnce(t, req, resp)
	if out, err := executeCommand(rootCmd, "evaluate", params, results); err != nil {
		t.Fatalf("evaluate error = %v\n%s", err, out)
	}
	if err := <-served; err != nil {
		t.Fatalf("mock evaluator: %v", err)
	}

	var rf driver.ResultsFile
	if err := json.Unmarshal([]byte(testutil.ReadFile(t, results)), &rf); err != nil {
		t.Fatal(err)
	}
	if len(rf.Results) != 2 || rf.Results[0].Fns[0] != 3 || rf.Results[1].Fns[0] != 0.75 {
		t.Errorf("results = %+v", rf.Results)
	}
}

func TestEvaluateCommand_MissingEnvironment(t *testing.T) {
	quietEnv(t)
	t.Setenv(driver.EnvCallerUUID, "")

	_, err := executeCommand(rootCmd, "evaluate", "params.json", "results.json")
	if err == nil || !strings.Contains(err.Error(), driver.EnvCallerUUID) {
		t.Errorf("evaluate error = %v, want a missing %s error", err, driver.EnvCallerUUID)
	}
}

func TestDriveCommand(t *testing.T) {
	l := quietEnv(t)
	t.Setenv("OPTSIDECAR_DRIVER_COMMAND", "sh")
	t.Setenv("OPTSIDECAR_DRIVER_ARGS", `-c,test "$1" = dakota.in && cp "$1" seen.in && printf %s "$OPTSIDECAR_CALLER_UUID" > caller.txt`)

	work := l.Output(0)
	rootCmd.SetIn(strings.NewReader("method\n  sampling\n"))
	t.Cleanup(func() { rootCmd.SetIn(nil) })

	out, err := executeCommand(rootCmd, "drive",
		"--caller-id", "sidecar-0001",
		"--evaluator-id", "evaluator-0001",
		"--request", filepath.Join(l.Output(1), taskbridge.RequestFilename),
		"--response", filepath.Join(l.Input(1), taskbridge.ResponseFilename),
		"--workdir", work,
	)
	if err != nil {
		t.Fatalf("drive error = %v\n%s", err, out)
	}
	if got := testutil.ReadFile(t, filepath.Join(work, "seen.in")); got != "method\n  sampling\n" {
		t.Errorf("engine input = %q", got)
	}
	if got := testutil.ReadFile(t, filepath.Join(work, "caller.txt")); got != "sidecar-0001" {
		t.Errorf("engine environment caller = %q", got)
	}
}

func TestDriveCommand_EngineFailure(t *testing.T) {
	l := quietEnv(t)
	t.Setenv("OPTSIDECAR_DRIVER_COMMAND", "sh")
	t.Setenv("OPTSIDECAR_DRIVER_ARGS", "-c,exit 4")
	rootCmd.SetIn(strings.NewReader("cfg"))
	t.Cleanup(func() { rootCmd.SetIn(nil) })

	_, err := executeCommand(rootCmd, "drive",
		"--caller-id", "a", "--evaluator-id", "b",
		"--request", filepath.Join(l.Output(1), "req.json"),
		"--response", filepath.Join(l.Input(1), "resp.json"),
		"--workdir", l.Output(0),
	)
	if err == nil {
		t.Fatal("drive should fail when the engine exits nonzero")
	}
}
