// Package taskbridge turns a synchronous batch evaluation into a round-trip
// through two files shared with an external evaluator.
//
// For every call the bridge writes a request batch, tagged with a fresh batch
// id, to the request file and then polls the response file until a batch with
// the same id appears. The evaluator must echo the batch id; any other
// content of the response file is a leftover from an earlier call and is
// never consumed. Each file has a single writer and neither is deleted.
//
// Only one batch may be in flight per request file. Concurrent calls, from
// one process or from several evaluate commands started by the engine, are
// serialized with an exclusive lock on a sibling of the request file, held
// from the request write until the matching response has been read.
//
// The bridge runs entirely on the caller's goroutine. Everything the
// evaluator gets wrong once the matching response has arrived (wrong length,
// failed task, missing or non-numeric output) is a protocol violation and is
// returned as an *errors.ProtocolError.
package taskbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/optsidecar/internal/atomicfile"
	"github.com/Iron-Ham/optsidecar/internal/driver"
	apperrors "github.com/Iron-Ham/optsidecar/internal/errors"
	"github.com/Iron-Ham/optsidecar/internal/event"
	"github.com/Iron-Ham/optsidecar/internal/logging"
	"github.com/Iron-Ham/optsidecar/internal/poll"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultReportEvery  = 100
)

// ParamSet is one task: the parameter values to send and the output labels
// expected back.
type ParamSet struct {
	Params  map[string]float64
	Outputs []string
}

// Outputs holds the requested output values of one task.
type Outputs map[string]float64

// Config identifies the two peers and the two files of the exchange.
type Config struct {
	// CallerID is the sidecar's own identity.
	CallerID string
	// EvaluatorID is the identity learned in the evaluator handshake.
	EvaluatorID string
	// RequestPath is written by the bridge.
	RequestPath string
	// ResponsePath is written by the evaluator.
	ResponsePath string
}

// Bridge performs request/response round-trips. It is safe for concurrent use;
// calls are served one at a time.
type Bridge struct {
	cfg         Config
	poller      *poll.Poller
	reportEvery int
	logger      *logging.Logger
	bus         *event.Bus
	newID       func() string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPoller sets how often the response file is checked.
func WithPoller(p *poll.Poller) Option {
	return func(b *Bridge) {
		b.poller = p
	}
}

// WithReportEvery logs a liveness line every n polls of the response file.
func WithReportEvery(n int) Option {
	return func(b *Bridge) {
		b.reportEvery = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithBus publishes batch events on bus.
func WithBus(bus *event.Bus) Option {
	return func(b *Bridge) {
		b.bus = bus
	}
}

// WithIDGenerator replaces the UUIDv4 batch id generator.
func WithIDGenerator(fn func() string) Option {
	return func(b *Bridge) {
		b.newID = fn
	}
}

// New creates a Bridge.
func New(cfg Config, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:         cfg,
		reportEvery: defaultReportEvery,
		logger:      logging.NopLogger(),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.poller == nil {
		b.poller = poll.New(defaultPollInterval)
	}
	b.logger = b.logger.WithComponent("taskbridge").WithPeer(cfg.EvaluatorID)
	return b
}

// Config returns the bridge's configuration.
func (b *Bridge) Config() Config {
	return b.cfg
}

// Model evaluates a batch for the optimization driver. Each result holds
// exactly the evaluation's FunctionLabels, in order.
func (b *Bridge) Model(ctx context.Context, evals []driver.Evaluation) ([]driver.Result, error) {
	sets := make([]ParamSet, len(evals))
	for i, e := range evals {
		sets[i] = ParamSet{Params: e.Params(), Outputs: e.FunctionLabels}
	}

	outputs, err := b.Evaluate(ctx, sets)
	if err != nil {
		return nil, err
	}

	results := make([]driver.Result, len(evals))
	for i, e := range evals {
		fns := make([]float64, len(e.FunctionLabels))
		for j, label := range e.FunctionLabels {
			fns[j] = outputs[i][label]
		}
		results[i] = driver.Result{Fns: fns}
	}
	return results, nil
}

// Evaluate sends sets to the evaluator and blocks until the matching
// response arrives. The result is parallel to sets and holds only the
// requested labels. An empty batch returns immediately without any I/O.
func (b *Bridge) Evaluate(ctx context.Context, sets []ParamSet) ([]Outputs, error) {
	if len(sets) == 0 {
		return []Outputs{}, nil
	}

	batchID := b.newID()
	req, err := b.buildRequest(batchID, sets)
	if err != nil {
		return nil, err
	}

	unlock, err := b.lock(ctx, batchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	clock := b.poller.Clock()
	start := clock.Now()
	if err := atomicfile.WriteJSON(b.cfg.RequestPath, req); err != nil {
		return nil, fmt.Errorf("task bridge: write request: %w", err)
	}
	b.logger.Info("submitted evaluation batch", "batch_id", batchID, "tasks", len(sets), "path", b.cfg.RequestPath)
	b.bus.Publish(event.NewBatchSubmittedEvent(batchID, len(sets)))

	resp, err := b.awaitResponse(ctx, batchID)
	if err != nil {
		return nil, err
	}

	outputs, err := b.decode(resp, sets)
	if err != nil {
		b.logger.Error("evaluator response rejected", "batch_id", batchID, "error", err.Error())
		return nil, err
	}

	elapsed := clock.Now().Sub(start)
	b.logger.Info("received evaluation results", "batch_id", batchID, "tasks", len(outputs), "duration", elapsed.String())
	b.bus.Publish(event.NewBatchCompletedEvent(batchID, len(outputs), elapsed))
	return outputs, nil
}

// lock waits until this call owns the request file.
func (b *Bridge) lock(ctx context.Context, batchID string) (func(), error) {
	l := atomicfile.NewLock(b.cfg.RequestPath)
	p := b.poller.With(poll.WithReport(b.reportEvery, func(polls int, elapsed time.Duration) {
		b.logger.Info("waiting for another batch to finish", "batch_id", batchID, "lock", l.Path(), "polls", polls, "elapsed", elapsed.String())
	}))
	if err := p.Until(ctx, l.TryLock); err != nil {
		return nil, fmt.Errorf("task bridge: batch %s: lock request file: %w", batchID, err)
	}
	return func() {
		if err := l.Unlock(); err != nil {
			b.logger.Warn("failed to release request lock", "lock", l.Path(), "error", err.Error())
		}
	}, nil
}

func (b *Bridge) buildRequest(batchID string, sets []ParamSet) (Batch, error) {
	tasks := make([]Task, len(sets))
	for i, set := range sets {
		input := make(map[string]Value, len(set.Params))
		for label, v := range set.Params {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Batch{}, apperrors.NewValidationError("parameter is not a finite number").
					WithField(label).WithValue(v)
			}
			input[label] = Value{Value: json.RawMessage(strconv.FormatFloat(v, 'g', -1, 64))}
		}
		output := make(map[string]Value, len(set.Outputs))
		for _, label := range set.Outputs {
			output[label] = Value{Value: jsonNull}
		}
		tasks[i] = Task{Status: StatusSubmitted, Input: input, Output: output}
	}
	return Batch{
		UUID:       batchID,
		CallerUUID: b.cfg.CallerID,
		MapUUID:    b.cfg.EvaluatorID,
		Command:    CommandRun,
		Tasks:      tasks,
	}, nil
}

// awaitResponse polls until the response file carries batchID. Missing,
// incomplete and stale files are skipped.
func (b *Bridge) awaitResponse(ctx context.Context, batchID string) (Batch, error) {
	p := b.poller.With(poll.WithReport(b.reportEvery, func(polls int, elapsed time.Duration) {
		b.logger.Info("waiting for evaluator response", "batch_id", batchID, "polls", polls, "elapsed", elapsed.String())
	}))

	var resp Batch
	err := p.Until(ctx, func() (bool, error) {
		data, err := os.ReadFile(b.cfg.ResponsePath)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read response: %w", err)
		}

		var h batchHeader
		if err := json.Unmarshal(data, &h); err != nil {
			b.logger.Debug("skipping incomplete response file", "error", err.Error())
			return false, nil
		}
		if h.UUID != batchID {
			return false, nil
		}

		if err := json.Unmarshal(data, &resp); err != nil {
			return false, apperrors.NewProtocolError("malformed response batch", err).WithFile(b.cfg.ResponsePath)
		}
		return true, nil
	})
	if err != nil {
		return Batch{}, fmt.Errorf("task bridge: batch %s: %w", batchID, err)
	}
	return resp, nil
}

func (b *Bridge) decode(resp Batch, sets []ParamSet) ([]Outputs, error) {
	path := b.cfg.ResponsePath
	if len(resp.Tasks) != len(sets) {
		return nil, apperrors.NewProtocolError(
			fmt.Sprintf("sent %d tasks, received %d", len(sets), len(resp.Tasks)),
			apperrors.ErrBatchLengthMismatch,
		).WithFile(path)
	}

	outputs := make([]Outputs, len(sets))
	for i, task := range resp.Tasks {
		if task.Status != StatusSuccess {
			return nil, apperrors.NewProtocolError(
				fmt.Sprintf("task status %q", task.Status),
				apperrors.ErrTaskFailed,
			).WithFile(path).WithTask(i)
		}

		out := make(Outputs, len(sets[i].Outputs))
		for _, label := range sets[i].Outputs {
			v, ok := task.Output[label]
			raw := bytes.TrimSpace(v.Value)
			if !ok || len(raw) == 0 || bytes.Equal(raw, jsonNull) {
				return nil, apperrors.NewProtocolError(
					fmt.Sprintf("output %q has no value", label),
					apperrors.ErrMissingLabel,
				).WithFile(path).WithTask(i)
			}
			var f float64
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, apperrors.NewProtocolError(
					fmt.Sprintf("output %q is not a number: %s", label, raw),
					err,
				).WithFile(path).WithTask(i)
			}
			out[label] = f
		}
		outputs[i] = out
	}
	return outputs, nil
}
