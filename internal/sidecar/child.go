package sidecar

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Flags of the drive child.
const (
	FlagCallerID     = "caller-id"
	FlagEvaluatorID  = "evaluator-id"
	FlagRequestPath  = "request"
	FlagResponsePath = "response"
	FlagWorkDir      = "workdir"
	FlagRestartPath  = "restart"
)

// Child is what a drive child needs besides its configuration text, which
// arrives on stdin.
type Child struct {
	CallerID     string
	EvaluatorID  string
	RequestPath  string
	ResponsePath string
	WorkDir      string
	// RestartPath is empty when there is no checkpoint.
	RestartPath string
}

// Args renders c as drive flags.
func (c Child) Args() []string {
	args := []string{
		"--" + FlagCallerID, c.CallerID,
		"--" + FlagEvaluatorID, c.EvaluatorID,
		"--" + FlagRequestPath, c.RequestPath,
		"--" + FlagResponsePath, c.ResponsePath,
		"--" + FlagWorkDir, c.WorkDir,
	}
	if c.RestartPath != "" {
		args = append(args, "--"+FlagRestartPath, c.RestartPath)
	}
	return args
}

// BindFlags registers the drive flags on fs, storing into c.
func (c *Child) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.CallerID, FlagCallerID, "", "identity of the sidecar session")
	fs.StringVar(&c.EvaluatorID, FlagEvaluatorID, "", "identity of the evaluator")
	fs.StringVar(&c.RequestPath, FlagRequestPath, "", "task batch request file")
	fs.StringVar(&c.ResponsePath, FlagResponsePath, "", "task batch response file")
	fs.StringVar(&c.WorkDir, FlagWorkDir, "", "driver working directory")
	fs.StringVar(&c.RestartPath, FlagRestartPath, "", "restart checkpoint, if any")
}

// Validate reports the first missing required field.
func (c Child) Validate() error {
	required := []struct {
		flag  string
		value string
	}{
		{FlagCallerID, c.CallerID},
		{FlagEvaluatorID, c.EvaluatorID},
		{FlagRequestPath, c.RequestPath},
		{FlagResponsePath, c.ResponsePath},
		{FlagWorkDir, c.WorkDir},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("--%s is required", r.flag)
		}
	}
	return nil
}
