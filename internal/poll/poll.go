// Package poll waits for a condition by re-checking it at a fixed interval.
//
// Every filesystem rendezvous in the sidecar (handshake files, the driver
// configuration, task responses, the settings file) is expressed as a [Poller]
// with a [Condition]. A Poller can be bounded by a timeout, can report liveness
// every N polls, and can be woken early by fsnotify events on a directory.
// Time is read through a [Clock] so tests can run waits instantly.
package poll

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/Iron-Ham/optsidecar/internal/errors"
)

// minInterval keeps a zero interval from turning into a busy loop.
const minInterval = time.Millisecond

// Clock abstracts the passage of time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Condition reports whether the awaited state has been reached. A non-nil
// error aborts the wait.
type Condition func() (done bool, err error)

// ReportFunc receives the number of polls so far and the time spent waiting.
type ReportFunc func(polls int, elapsed time.Duration)

// Poller re-checks a Condition until it holds.
type Poller struct {
	interval    time.Duration
	timeout     time.Duration
	clock       Clock
	reportEvery int
	report      ReportFunc
	watchDir    string
}

// Option configures a Poller.
type Option func(*Poller)

// WithTimeout bounds the wait. Zero or negative means wait forever.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		p.timeout = d
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithReport calls fn after every n unsuccessful polls.
func WithReport(n int, fn ReportFunc) Option {
	return func(p *Poller) {
		p.reportEvery = n
		p.report = fn
	}
}

// WithWatch re-checks the condition as soon as something changes in dir,
// instead of only at the next tick. If dir cannot be watched the Poller
// silently falls back to interval polling.
func WithWatch(dir string) Option {
	return func(p *Poller) {
		p.watchDir = dir
	}
}

// New creates a Poller that checks every interval.
func New(interval time.Duration, opts ...Option) *Poller {
	if interval < minInterval {
		interval = minInterval
	}
	p := &Poller{
		interval: interval,
		clock:    SystemClock,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the configured poll interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Clock returns the clock the Poller reads.
func (p *Poller) Clock() Clock {
	return p.clock
}

// With returns a copy of p with extra options applied.
func (p *Poller) With(opts ...Option) *Poller {
	cp := *p
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// Until blocks until cond reports done, cond fails, ctx is canceled, or the
// timeout elapses. The condition is always checked once more at the deadline
// before a timeout is reported. Timeouts match apperrors.ErrTimeout.
func (p *Poller) Until(ctx context.Context, cond Condition) error {
	start := p.clock.Now()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if p.watchDir != "" {
		if w, err := fsnotify.NewWatcher(); err == nil {
			if err := w.Add(p.watchDir); err == nil {
				events, errs = w.Events, w.Errors
				defer func() { _ = w.Close() }()
			} else {
				_ = w.Close()
			}
		}
	}

	for polls := 1; ; polls++ {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		elapsed := p.clock.Now().Sub(start)
		if p.report != nil && p.reportEvery > 0 && polls%p.reportEvery == 0 {
			p.report(polls, elapsed)
		}

		wait := p.interval
		if p.timeout > 0 {
			remaining := p.timeout - elapsed
			if remaining <= 0 {
				return fmt.Errorf("poll: %w after %d polls (%s)", apperrors.ErrTimeout, polls, elapsed)
			}
			wait = min(wait, remaining)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("poll: %w: %w", apperrors.ErrCanceled, ctx.Err())
		case <-p.clock.After(wait):
		case <-events:
		case <-errs:
		}
	}
}

// Sleep waits for d on clock, returning early if ctx is canceled.
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep: %w: %w", apperrors.ErrCanceled, ctx.Err())
	case <-clock.After(d):
		return nil
	}
}

// FileExists is a Condition that holds once path exists.
func FileExists(path string) Condition {
	return func() (bool, error) {
		_, err := os.Stat(path)
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}
