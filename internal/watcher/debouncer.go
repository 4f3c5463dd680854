package watcher

import (
	"sync"
	"time"
)

// ChangeBatch is the ordered set of distinct paths that changed during one
// debounce window. Paths keep the order they were first seen in; each path
// carries its most recent event.
type ChangeBatch struct {
	Events []ChangeEvent `json:"events"`
	At     time.Time     `json:"at"`
}

// Paths returns the changed paths in first-seen order.
func (b ChangeBatch) Paths() []string {
	paths := make([]string, len(b.Events))
	for i, e := range b.Events {
		paths[i] = e.Path
	}
	return paths
}

// Len returns the number of distinct changed paths.
func (b ChangeBatch) Len() int {
	return len(b.Events)
}

// Debouncer groups bursts of changes. The first event of an idle period arms
// a timer for one window; everything arriving before it fires joins the same
// batch. Nothing is emitted while idle, and at most one batch per window.
type Debouncer struct {
	delay  time.Duration
	output chan ChangeBatch

	mutex   sync.Mutex
	timer   *time.Timer
	index   map[string]int
	pending []ChangeEvent
	stopped bool
}

// NewDebouncer creates a debouncer with the given window.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:  delay,
		output: make(chan ChangeBatch, 10),
		index:  make(map[string]int),
	}
}

// Output delivers batches.
func (d *Debouncer) Output() <-chan ChangeBatch {
	return d.output
}

// Add records a change.
func (d *Debouncer) Add(event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.stopped {
		return
	}

	if i, ok := d.index[event.Path]; ok {
		d.pending[i] = event
	} else {
		d.index[event.Path] = len(d.pending)
		d.pending = append(d.pending, event)
	}

	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.flush)
	}
}

// Pending returns how many distinct paths are waiting for the next batch.
func (d *Debouncer) Pending() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.pending)
}

// Stop discards pending changes and disarms the timer.
func (d *Debouncer) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
	d.index = make(map[string]int)
}

func (d *Debouncer) flush() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.timer = nil
	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := ChangeBatch{
		Events: append([]ChangeEvent(nil), d.pending...),
		At:     time.Now(),
	}

	select {
	case d.output <- batch:
		d.pending = d.pending[:0]
		d.index = make(map[string]int)
	default:
		// Consumer is behind; keep accumulating and try again next window.
		d.timer = time.AfterFunc(d.delay, d.flush)
	}
}
