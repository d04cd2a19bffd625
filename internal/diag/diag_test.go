package diag

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
	notify  chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{notify: make(chan struct{}, 16)}
}

func (r *changeRecorder) emit(eventType string, data any) {
	if eventType != EventDiagnosticsChanged {
		return
	}
	r.mu.Lock()
	r.changes = append(r.changes, data.(Change))
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *changeRecorder) wait(t *testing.T) Change {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for diagnostics:changed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func entry(file string, line int, severity, message string) Entry {
	return Entry{File: file, Line: line, Column: 1, Severity: severity, Message: message, Source: "test"}
}

func fastOpts() Options {
	return Options{MinInterval: 50 * time.Millisecond, BatchWindow: 20 * time.Millisecond, MaxBatch: 10}
}

func TestBurstCoalescesToOneEvent(t *testing.T) {
	rec := newChangeRecorder()
	a := NewAggregator(rec.emit, fastOpts())
	defer a.Close()

	// 7 files updated in a tight burst.
	for i := 0; i < 7; i++ {
		file := string(rune('a'+i)) + ".go"
		a.Publish(file, []Entry{entry(file, 1, SeverityError, "boom")})
	}

	change := rec.wait(t)
	if rec.count() != 1 {
		t.Errorf("burst produced %d events, want 1", rec.count())
	}
	if len(change.Added) != 7 {
		t.Errorf("added = %d, want 7", len(change.Added))
	}
	if change.Summary.Errors != 7 || change.Summary.FilesWithErrors != 7 {
		t.Errorf("summary = %+v", change.Summary)
	}
}

func TestMaxBatchForcesFlush(t *testing.T) {
	rec := newChangeRecorder()
	a := NewAggregator(rec.emit, Options{MinInterval: time.Minute, BatchWindow: time.Minute, MaxBatch: 5})
	defer a.Close()

	entries := make([]Entry, 5)
	for i := range entries {
		entries[i] = entry("big.go", i+1, SeverityWarning, "w")
	}
	a.Publish("big.go", entries)

	change := rec.wait(t)
	if len(change.Added) != 5 {
		t.Errorf("added = %d, want 5", len(change.Added))
	}
}

func TestNoChangeLostAcrossThrottle(t *testing.T) {
	rec := newChangeRecorder()
	a := NewAggregator(rec.emit, fastOpts())
	defer a.Close()

	a.Publish("x.go", []Entry{entry("x.go", 1, SeverityError, "first")})
	first := rec.wait(t)
	if len(first.Added) != 1 {
		t.Fatalf("first added = %d", len(first.Added))
	}

	// Second wave inside the min interval; delayed, not dropped.
	a.Publish("x.go", []Entry{entry("x.go", 1, SeverityError, "first"), entry("x.go", 2, SeverityError, "second")})
	a.Publish("y.go", []Entry{entry("y.go", 3, SeverityWarning, "warn")})

	second := rec.wait(t)
	if len(second.Added) != 2 {
		t.Errorf("second added = %d, want 2", len(second.Added))
	}
	if second.Summary.Errors != 2 || second.Summary.Warnings != 1 {
		t.Errorf("summary = %+v", second.Summary)
	}
}

func TestRemovedAndChanged(t *testing.T) {
	rec := newChangeRecorder()
	a := NewAggregator(rec.emit, fastOpts())
	defer a.Close()

	a.Publish("f.go", []Entry{
		entry("f.go", 1, SeverityError, "undefined x"),
		entry("f.go", 5, SeverityWarning, "unused y"),
	})
	rec.wait(t)

	a.Publish("f.go", []Entry{
		entry("f.go", 1, SeverityWarning, "undefined x"), // severity change
	})
	change := rec.wait(t)

	if len(change.Changed) != 1 || change.Changed[0].Severity != SeverityWarning {
		t.Errorf("changed = %+v", change.Changed)
	}
	if len(change.Removed) != 1 || change.Removed[0].Line != 5 {
		t.Errorf("removed = %+v", change.Removed)
	}
	if len(change.Added) != 0 {
		t.Errorf("added = %+v", change.Added)
	}
	if change.Summary.Errors != 0 || change.Summary.Warnings != 1 {
		t.Errorf("summary = %+v", change.Summary)
	}
}

func TestQueries(t *testing.T) {
	rec := newChangeRecorder()
	a := NewAggregator(rec.emit, fastOpts())
	defer a.Close()

	a.Publish("q.go", []Entry{entry("q.go", 1, SeverityError, "e")})
	rec.wait(t)

	if got := a.File("q.go"); len(got) != 1 {
		t.Errorf("File = %+v", got)
	}
	if got := a.All(); len(got) != 1 {
		t.Errorf("All = %+v", got)
	}
	if s := a.Summary(); s.Errors != 1 {
		t.Errorf("Summary = %+v", s)
	}

	// Clearing the file drops it from the snapshot.
	a.Publish("q.go", nil)
	rec.wait(t)
	if got := a.All(); len(got) != 0 {
		t.Errorf("All after clear = %+v", got)
	}
}

func TestWatcherIngestsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diagnostics.json")

	rec := newChangeRecorder()
	a := NewAggregator(rec.emit, fastOpts())
	defer a.Close()

	w, err := NewWatcher(a, path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	snapshot := map[string][]Entry{
		"main.go": {entry("main.go", 10, SeverityError, "syntax error")},
	}
	data, _ := json.Marshal(snapshot)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	change := rec.wait(t)
	if len(change.Added) != 1 || change.Added[0].File != "main.go" {
		t.Errorf("added = %+v", change.Added)
	}
}
