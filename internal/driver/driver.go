// Package driver defines the boundary between the sidecar and the
// optimization engine it runs.
//
// A [Driver] is an opaque, long-running call: it receives the engine's
// configuration text, a working directory, an optional restart checkpoint and
// the environment the engine needs to reach the evaluation callback, and it
// returns when the study concludes. The engine calls back through [Analyze],
// which the evaluate command runs with a [ModelFunc]. The sidecar never looks inside the study; it only decides
// whether to run it again.
//
// Drivers are created by name from a [Registry]. The default registry knows
// "exec", which runs an external optimizer executable (see [ExecDriver]).
package driver

import (
	"context"
	"errors"
)

// Errors returned by drivers and the registry.
var (
	// ErrUnknownDriver is returned by Registry.New for an unregistered name.
	ErrUnknownDriver = errors.New("unknown driver")

	// ErrNoModel is returned by Analyze when no model callback was given.
	ErrNoModel = errors.New("no model callback")
)

// Evaluation is one design point the engine wants evaluated: its continuous
// and discrete variables, and the response labels it expects back.
type Evaluation struct {
	CVLabels       []string  `json:"cv_labels"`
	CV             []float64 `json:"cv"`
	DIVLabels      []string  `json:"div_labels"`
	DIV            []float64 `json:"div"`
	FunctionLabels []string  `json:"function_labels"`
}

// Params flattens the variables into a single label to value map. Discrete
// variables are applied after continuous ones, so a discrete label shadows a
// continuous label of the same name.
func (e Evaluation) Params() map[string]float64 {
	params := make(map[string]float64, len(e.CV)+len(e.DIV))
	for i, label := range e.CVLabels {
		if i < len(e.CV) {
			params[label] = e.CV[i]
		}
	}
	for i, label := range e.DIVLabels {
		if i < len(e.DIV) {
			params[label] = e.DIV[i]
		}
	}
	return params
}

// Result holds the response values of one Evaluation, in the order of its
// FunctionLabels.
type Result struct {
	Fns []float64 `json:"fns"`
}

// ModelFunc is the evaluation callback: it evaluates a batch of design
// points. The returned slice must be parallel to evals.
type ModelFunc func(ctx context.Context, evals []Evaluation) ([]Result, error)

// Study is everything a single driver run needs.
type Study struct {
	// Input is the engine's configuration text.
	Input string

	// WorkDir is the directory the engine runs in.
	WorkDir string

	// RestartPath is the checkpoint to resume from. Empty starts fresh.
	RestartPath string

	// Env is exported to the engine so that it can reach the evaluator
	// through the evaluate command.
	Env map[string]string
}

// Driver runs a study to completion.
type Driver interface {
	// Name returns the registry name of the driver.
	Name() string

	// Run blocks until the study concludes. A nil error means the study
	// finished successfully.
	Run(ctx context.Context, study Study) error
}

// Func adapts a plain function to the Driver interface.
type Func struct {
	DriverName string
	RunFunc    func(ctx context.Context, study Study) error
}

// Name returns the configured name.
func (f Func) Name() string { return f.DriverName }

// Run calls RunFunc.
func (f Func) Run(ctx context.Context, study Study) error {
	return f.RunFunc(ctx, study)
}
