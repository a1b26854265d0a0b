// Package profile provides a scoped wall-clock timer for pipeline stages.
package profile

import (
	"sync"
	"time"

	"github.com/thekhoo/speedsnake/internal/logging"
)

var log = logging.Component("profile")

// Timer measures one stage. The zero value is not usable; call Start.
type Timer struct {
	label string
	start time.Time

	once    sync.Once
	mu      sync.Mutex
	elapsed time.Duration
}

// Start captures the current monotonic instant.
func Start(label string) *Timer {
	return &Timer{label: label, start: time.Now()}
}

// Label returns the stage label.
func (t *Timer) Label() string {
	return t.label
}

// Stop records the elapsed time and logs it. Only the first call records;
// later calls return the same duration. Safe on a nil Timer.
func (t *Timer) Stop() time.Duration {
	if t == nil {
		return 0
	}
	t.once.Do(func() {
		d := time.Since(t.start)
		t.mu.Lock()
		t.elapsed = d
		t.mu.Unlock()
		log.Info(t.label+" took", "elapsed", d, "seconds", d.Seconds())
	})
	return t.Elapsed()
}

// Elapsed returns the recorded duration, or zero before Stop.
func (t *Timer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

// Seconds returns Elapsed in seconds.
func (t *Timer) Seconds() float64 {
	return t.Elapsed().Seconds()
}

// Track runs fn inside a timer. The timer is stopped even if fn panics, and
// fn's error is returned unchanged.
func Track(label string, fn func() error) (d time.Duration, err error) {
	t := Start(label)
	defer func() { d = t.Stop() }()
	return 0, fn()
}

// Timings is an ordered list of stopped timers, for display.
type Timings []Timing

// Timing is one recorded stage duration.
type Timing struct {
	Label   string        `json:"label"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Add appends a stopped timer.
func (ts *Timings) Add(t *Timer) {
	*ts = append(*ts, Timing{Label: t.Label(), Elapsed: t.Stop()})
}

// Total returns the sum of all recorded stages.
func (ts Timings) Total() time.Duration {
	var total time.Duration
	for _, t := range ts {
		total += t.Elapsed
	}
	return total
}
