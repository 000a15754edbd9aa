// Package testutil provides testing utilities for sidecar tests.
package testutil

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

// Layout is a temporary copy of the directory tree the hosting platform
// mounts into the sidecar.
type Layout struct {
	Inputs  string
	Outputs string
}

// Input returns the path of inputs/input_<n>.
func (l Layout) Input(n int) string {
	return filepath.Join(l.Inputs, "input_"+strconv.Itoa(n))
}

// Output returns the path of outputs/output_<n>.
func (l Layout) Output(n int) string {
	return filepath.Join(l.Outputs, "output_"+strconv.Itoa(n))
}

// SetupLayout creates inputs/{input_0,input_1,input_2} and
// outputs/{output_0,output_1} under a temporary directory that is removed
// when the test completes.
func SetupLayout(t *testing.T) Layout {
	t.Helper()

	root := t.TempDir()
	l := Layout{
		Inputs:  filepath.Join(root, "inputs"),
		Outputs: filepath.Join(root, "outputs"),
	}
	for _, dir := range []string{l.Input(0), l.Input(1), l.Input(2), l.Output(0), l.Output(1)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}
	return l
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// ReadFile returns the content of path or fails the test.
func ReadFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file %s: %v", path, err)
	}
	return string(data)
}

// FakeClock is a deterministic clock. Every call to After advances time by
// the requested duration and returns an already-fired channel, so code that
// sleeps or polls on a FakeClock runs without real waiting. Actions scheduled
// with At run, in time order, when the clock passes their instant.
type FakeClock struct {
	mu      sync.Mutex
	start   time.Time
	now     time.Time
	pending []scheduled
}

type scheduled struct {
	at time.Time
	fn func()
}

// NewFakeClock returns a FakeClock starting at an arbitrary fixed instant.
func NewFakeClock() *FakeClock {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &FakeClock{start: start, now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Elapsed returns how far the clock has moved since it was created.
func (c *FakeClock) Elapsed() time.Duration {
	return c.Now().Sub(c.start)
}

// After advances the clock by d and returns a channel holding the new time.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// At schedules fn to run once the clock reaches start+offset.
func (c *FakeClock) At(offset time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, scheduled{at: c.start.Add(offset), fn: fn})
	sort.SliceStable(c.pending, func(i, j int) bool {
		return c.pending[i].at.Before(c.pending[j].at)
	})
}

// Advance moves the clock forward by d, running due actions in order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if len(c.pending) == 0 || c.pending[0].at.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		next := c.pending[0]
		c.pending = c.pending[1:]
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()

		next.fn()
	}
}
