// Package notify turns polled unread counts into "new activity" effects.
package notify

import (
	"context"
	"io"
	"log"
	"sync"
)

type State int

const (
	Uninitialized State = iota
	BaselineSet
	Comparing
)

func (s State) String() string {
	switch s {
	case BaselineSet:
		return "baseline-set"
	case Comparing:
		return "comparing"
	default:
		return "uninitialized"
	}
}

// Effect is fired when the unread count strictly increases.
type Effect interface {
	Fire(count int)
}

type EffectFunc func(count int)

func (f EffectFunc) Fire(count int) { f(count) }

// CountFunc fetches the current unread count.
type CountFunc func(ctx context.Context) (int, error)

// Tracker compares each successful poll with the previous one. The first
// poll only sets the baseline, and decreases update the count silently.
type Tracker struct {
	fetch   CountFunc
	effects []Effect
	logger  *log.Logger

	// pollMu keeps a slow fetch from being observed after a newer one.
	pollMu sync.Mutex

	mu       sync.Mutex
	state    State
	count    int
	onChange func()
}

func NewTracker(fetch CountFunc, logger *log.Logger, effects ...Effect) *Tracker {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Tracker{fetch: fetch, effects: effects, logger: logger, onChange: func() {}}
}

// OnChange registers fn to run after every observed count, fired or not.
func (t *Tracker) OnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		fn = func() {}
	}
	t.onChange = fn
}

// Poll fetches the count and feeds it to Observe. A failed fetch leaves the
// state untouched. Concurrent polls run one at a time.
func (t *Tracker) Poll(ctx context.Context) error {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	n, err := t.fetch(ctx)
	if err != nil {
		return err
	}
	t.Observe(n)
	return nil
}

// Observe records n and reports whether the effects fired.
func (t *Tracker) Observe(n int) bool {
	t.mu.Lock()
	fire := false
	switch t.state {
	case Uninitialized:
		t.state = BaselineSet
	default:
		fire = n > t.count
		t.state = Comparing
	}
	prev := t.count
	t.count = n
	onChange := t.onChange
	t.mu.Unlock()

	if fire {
		t.logger.Printf("unread count %d -> %d", prev, n)
		for _, e := range t.effects {
			e.Fire(n)
		}
	}
	onChange()
	return fire
}

// Count returns the last observed count and whether a baseline exists.
func (t *Tracker) Count() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count, t.state != Uninitialized
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reset returns the tracker to Uninitialized, e.g. for a new session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.state = Uninitialized
	t.count = 0
	t.mu.Unlock()
}
