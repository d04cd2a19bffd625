package protocol

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultCommandTimeout bounds how long a sender waits for a response.
const DefaultCommandTimeout = 30 * time.Second

// Result is what an inflight command resolves to.
type Result struct {
	Data json.RawMessage
	Err  *WireError
}

type inflight struct {
	ch    chan Result
	timer *time.Timer
}

// InflightTable tracks pending commands keyed by command id. Each entry
// resolves exactly once: by response, error, deadline, or FailAll.
type InflightTable struct {
	mu      sync.Mutex
	pending map[string]*inflight
}

func NewInflightTable() *InflightTable {
	return &InflightTable{pending: make(map[string]*inflight)}
}

// Register adds a pending command and returns the channel its result
// will arrive on. The deadline starts immediately; zero means default.
func (t *InflightTable) Register(commandID string, timeout time.Duration) <-chan Result {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	entry := &inflight{ch: make(chan Result, 1)}
	t.mu.Lock()
	t.pending[commandID] = entry
	// Arm the deadline only after the entry is visible, so even an
	// immediate fire resolves this registration instead of missing it.
	entry.timer = time.AfterFunc(timeout, func() {
		t.resolve(commandID, Result{Err: &WireError{Code: CodeTimeout, Message: "command timed out"}})
	})
	t.mu.Unlock()
	return entry.ch
}

// Resolve completes a pending command with response data. Unknown or
// already-resolved ids are ignored (duplicate responses are dropped).
func (t *InflightTable) Resolve(commandID string, data json.RawMessage) {
	t.resolve(commandID, Result{Data: data})
}

// Fail completes a pending command with an error.
func (t *InflightTable) Fail(commandID, code, message string) {
	t.resolve(commandID, Result{Err: &WireError{Code: code, Message: message}})
}

// FailAll rejects every pending command, used on transport loss.
func (t *InflightTable) FailAll(code, message string) {
	t.mu.Lock()
	entries := t.pending
	t.pending = make(map[string]*inflight)
	t.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.ch <- Result{Err: &WireError{Code: code, Message: message}}
	}
}

// Len returns the number of pending commands.
func (t *InflightTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *InflightTable) resolve(commandID string, r Result) {
	t.mu.Lock()
	entry, ok := t.pending[commandID]
	if ok {
		delete(t.pending, commandID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	entry.ch <- r
}
