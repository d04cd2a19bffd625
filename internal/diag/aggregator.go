package diag

import (
	"sync"
	"time"

	"github.com/codeleash/codeleash/internal/logger"
)

// Throttle tuning. The aggregator never drops a change; it only delays
// and merges pending diffs until a flush is allowed.
const (
	DefaultMinInterval = 2 * time.Second
	DefaultBatchWindow = 500 * time.Millisecond
	DefaultMaxBatch    = 10
)

// EmitFunc delivers a diagnostics event to the workspace room.
type EmitFunc func(eventType string, data any)

// Options tunes the throttle; zero values take the defaults.
type Options struct {
	MinInterval time.Duration
	BatchWindow time.Duration
	MaxBatch    int
}

func (o Options) withDefaults() Options {
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.BatchWindow <= 0 {
		o.BatchWindow = DefaultBatchWindow
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	return o
}

// Aggregator keeps the last-broadcast snapshot per file, diffs incoming
// snapshots against it, and coalesces bursts before emitting.
type Aggregator struct {
	emit EmitFunc
	opts Options

	mu        sync.Mutex
	files     map[string][]Entry // last published state
	pending   map[string][]Entry // files updated since last flush
	pendingN  int                // change count in the pending batch
	lastFlush time.Time
	timer     *time.Timer
	closed    bool
}

func NewAggregator(emit EmitFunc, opts Options) *Aggregator {
	if emit == nil {
		emit = func(string, any) {}
	}
	return &Aggregator{
		emit:    emit,
		opts:    opts.withDefaults(),
		files:   make(map[string][]Entry),
		pending: make(map[string][]Entry),
	}
}

// Publish records the new diagnostic set for one file. The flush is
// scheduled for the batch window unless the batch cap forces it now.
func (a *Aggregator) Publish(file string, entries []Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	a.pending[file] = append([]Entry(nil), entries...)
	a.pendingN += countDelta(a.files[file], entries)

	if a.pendingN >= a.opts.MaxBatch {
		a.flushLocked()
		return
	}
	a.scheduleLocked(a.opts.BatchWindow)
}

// PublishAll replaces the diagnostics of many files in one call.
func (a *Aggregator) PublishAll(snapshot map[string][]Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	for file, entries := range snapshot {
		a.pending[file] = append([]Entry(nil), entries...)
		a.pendingN += countDelta(a.files[file], entries)
	}
	// Files absent from a full snapshot are cleared.
	for file := range a.files {
		if _, ok := snapshot[file]; !ok {
			if _, queued := a.pending[file]; !queued {
				a.pending[file] = nil
				a.pendingN += len(a.files[file])
			}
		}
	}
	if a.pendingN >= a.opts.MaxBatch {
		a.flushLocked()
		return
	}
	a.scheduleLocked(a.opts.BatchWindow)
}

// All returns the last published snapshot of every file.
func (a *Aggregator) All() map[string][]Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]Entry, len(a.files))
	for file, entries := range a.files {
		out[file] = append([]Entry(nil), entries...)
	}
	return out
}

// File returns the last published diagnostics for one file.
func (a *Aggregator) File(path string) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.files[path]...)
}

// Summary returns the current workspace rollup.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return summarize(a.files)
}

// Close stops the pending timer. Pending changes are flushed so nothing
// is lost at shutdown.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if len(a.pending) > 0 {
		a.flushLocked()
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.closed = true
}

// scheduleLocked arms the flush timer for delay, respecting the
// minimum interval since the previous emission. An armed timer is left
// alone so a steady burst cannot push the flush out forever.
func (a *Aggregator) scheduleLocked(delay time.Duration) {
	if a.timer != nil {
		return
	}
	if since := time.Since(a.lastFlush); since < a.opts.MinInterval {
		if wait := a.opts.MinInterval - since; wait > delay {
			delay = wait
		}
	}
	a.timer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.timer = nil
		if a.closed || len(a.pending) == 0 {
			return
		}
		a.flushLocked()
	})
}

// flushLocked diffs pending files against the published state and emits
// one diagnostics:changed event with the merged added/removed/changed
// lists.
func (a *Aggregator) flushLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}

	var change Change
	for file, next := range a.pending {
		prev := a.files[file]
		added, removed, changed := diffFile(prev, next)
		change.Added = append(change.Added, added...)
		change.Removed = append(change.Removed, removed...)
		change.Changed = append(change.Changed, changed...)
		if len(next) == 0 {
			delete(a.files, file)
		} else {
			a.files[file] = next
		}
	}
	a.pending = make(map[string][]Entry)
	a.pendingN = 0
	a.lastFlush = time.Now()

	if len(change.Added) == 0 && len(change.Removed) == 0 && len(change.Changed) == 0 {
		return
	}
	change.Summary = summarize(a.files)
	logger.Debug("diagnostics changed",
		"added", len(change.Added), "removed", len(change.Removed), "changed", len(change.Changed))
	a.emit(EventDiagnosticsChanged, change)
}

// diffFile splits next against prev into added, removed, and changed
// entries. An entry at the same position with different severity or
// message counts as changed.
func diffFile(prev, next []Entry) (added, removed, changed []Entry) {
	prevByKey := make(map[entryKey]Entry, len(prev))
	for _, e := range prev {
		prevByKey[keyOf(e)] = e
	}
	seen := make(map[entryKey]bool, len(next))
	for _, e := range next {
		k := keyOf(e)
		seen[k] = true
		old, ok := prevByKey[k]
		switch {
		case !ok:
			added = append(added, e)
		case old.Severity != e.Severity || old.Message != e.Message:
			changed = append(changed, e)
		}
	}
	for _, e := range prev {
		if !seen[keyOf(e)] {
			removed = append(removed, e)
		}
	}
	return added, removed, changed
}

// countDelta estimates how many individual changes replacing prev with
// next represents; used only for the batch cap.
func countDelta(prev, next []Entry) int {
	added, removed, changed := diffFile(prev, next)
	n := len(added) + len(removed) + len(changed)
	if n == 0 && len(next) != len(prev) {
		n = 1
	}
	return n
}
