package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/codeleash/codeleash/internal/logger"
)

const (
	// DefaultExecTimeout bounds non-streaming execute calls.
	DefaultExecTimeout = 30 * time.Second
	// MaxCaptureBytes caps captured stdout/stderr for execute.
	MaxCaptureBytes = 1 * 1024 * 1024
	// StreamBufferBytes is the per-stream backpressure buffer; when it
	// fills, oldest chunks are dropped with a truncated flag.
	StreamBufferBytes = 256 * 1024
)

var (
	ErrStreamNotFound   = errors.New("stream not found")
	ErrTerminalNotFound = errors.New("terminal not found")
)

// Event names emitted to the workspace room.
const (
	EventStreamStart = "streamStart"
	EventOutput      = "output"
	EventStreamEnd   = "streamEnd"
)

// StreamStart announces a new streamed command.
type StreamStart struct {
	StreamID string `json:"streamId"`
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
}

// Output carries one ordered chunk of child output.
type Output struct {
	StreamID  string `json:"streamId"`
	Type      string `json:"type"` // "stdout" or "stderr"
	Data      string `json:"data"`
	Truncated bool   `json:"truncated,omitempty"`
}

// StreamEnd closes a stream; emitted exactly once.
type StreamEnd struct {
	StreamID string `json:"streamId"`
	ExitCode int    `json:"exitCode"`
}

// ExecResult is the response for a captured execute.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Cwd      string `json:"cwd"`
}

// EmitFunc delivers an engine event to the owning workspace room.
type EmitFunc func(eventType string, data any)

// StreamInfo is the public view of an active stream.
type StreamInfo struct {
	StreamID  string    `json:"streamId"`
	Command   string    `json:"command"`
	Cwd       string    `json:"cwd"`
	StartedAt time.Time `json:"startedAt"`
	OwnerID   string    `json:"-"`
}

type chunk struct {
	kind string
	data []byte
}

// stream is a live streamed-output context: one child process, one
// pump goroutine preserving arrival order.
type stream struct {
	info StreamInfo
	cmd  *exec.Cmd

	mu        sync.Mutex
	queue     []chunk
	queued    int // bytes in queue
	truncated bool
	closed    bool
	wake      chan struct{}
	drained   chan struct{} // closed when the pump has emitted everything
}

func (s *stream) push(kind string, data []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, chunk{kind: kind, data: data})
	s.queued += len(data)
	// Backpressure: drop oldest rather than stall the producer.
	for s.queued > StreamBufferBytes && len(s.queue) > 1 {
		s.queued -= len(s.queue[0].data)
		s.queue = s.queue[1:]
		s.truncated = true
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Engine runs streamed and captured shell commands for one workspace.
type Engine struct {
	emit EmitFunc

	mu      sync.Mutex
	cwd     string
	streams map[string]*stream
}

func NewEngine(cwd string, emit EmitFunc) *Engine {
	if emit == nil {
		emit = func(string, any) {}
	}
	return &Engine{
		emit:    emit,
		cwd:     cwd,
		streams: make(map[string]*stream),
	}
}

// SetCwd changes the effective working directory for later commands.
func (e *Engine) SetCwd(cwd string) {
	e.mu.Lock()
	e.cwd = cwd
	e.mu.Unlock()
}

// Cwd returns the effective working directory.
func (e *Engine) Cwd() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cwd
}

func shellCommand(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/c", command)
	}
	return exec.Command("/bin/sh", "-c", command)
}

// Execute runs a command to completion with bounded capture and an
// overall timeout. A timeout kills the child and returns TIMEOUT-shaped
// context error to the caller.
func (e *Engine) Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if cwd == "" {
		cwd = e.Cwd()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := shellCommand(command)
	cmd.Dir = cwd
	var stdout, stderr boundedBuffer
	stdout.limit = MaxCaptureBytes
	stderr.limit = MaxCaptureBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		return nil, ctx.Err()
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				return nil, fmt.Errorf("wait: %w", err)
			}
		}
		return &ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitCode,
			Cwd:      cwd,
		}, nil
	}
}

// ExecuteStreaming spawns a child and streams its output as ordered
// chunks. Events go to the engine's emitter; the returned stream id
// keys killStream. ownerID ties the stream to a connection so it dies
// with it.
func (e *Engine) ExecuteStreaming(command, cwd, ownerID string) (string, error) {
	if cwd == "" {
		cwd = e.Cwd()
	}
	cmd := shellCommand(command)
	cmd.Dir = cwd

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}

	st := &stream{
		info: StreamInfo{
			StreamID:  uuid.New().String(),
			Command:   command,
			Cwd:       cwd,
			StartedAt: time.Now(),
			OwnerID:   ownerID,
		},
		cmd:     cmd,
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
	}

	e.mu.Lock()
	e.streams[st.info.StreamID] = st
	e.mu.Unlock()

	e.emit(EventStreamStart, StreamStart{StreamID: st.info.StreamID, Command: command, Cwd: cwd})
	logger.Debug("stream started", "streamId", st.info.StreamID, "command", command)

	var readers sync.WaitGroup
	readers.Add(2)
	go e.readPipe(st, "stdout", stdoutPipe, &readers)
	go e.readPipe(st, "stderr", stderrPipe, &readers)

	// Single pump preserves per-stream order.
	go e.pump(st)

	go func() {
		readers.Wait()
		exitCode := 0
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = 1
			}
		}
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
		select {
		case st.wake <- struct{}{}:
		default:
		}
		// pump drains the queue, then emits streamEnd.
		e.finish(st, exitCode)
	}()

	return st.info.StreamID, nil
}

func (e *Engine) readPipe(st *stream, kind string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			st.push(kind, data)
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) pump(st *stream) {
	defer close(st.drained)
	for {
		st.mu.Lock()
		if len(st.queue) == 0 {
			closed := st.closed
			st.mu.Unlock()
			if closed {
				return
			}
			<-st.wake
			continue
		}
		c := st.queue[0]
		st.queue = st.queue[1:]
		st.queued -= len(c.data)
		trunc := st.truncated
		st.truncated = false
		st.mu.Unlock()

		e.emit(EventOutput, Output{
			StreamID:  st.info.StreamID,
			Type:      c.kind,
			Data:      string(c.data),
			Truncated: trunc,
		})
	}
}

// finish waits for the pump goroutine to return, emits the single
// streamEnd, and frees the stream record. Waiting on the pump itself
// rather than on queue length guarantees the last output chunk is on
// the wire before streamEnd.
func (e *Engine) finish(st *stream, exitCode int) {
	<-st.drained
	e.mu.Lock()
	_, live := e.streams[st.info.StreamID]
	delete(e.streams, st.info.StreamID)
	e.mu.Unlock()
	if live {
		e.emit(EventStreamEnd, StreamEnd{StreamID: st.info.StreamID, ExitCode: exitCode})
		logger.Debug("stream ended", "streamId", st.info.StreamID, "exitCode", exitCode)
	}
}

// KillStream sends SIGTERM to a stream's child. The stream still ends
// through the normal exit path, so streamEnd fires exactly once.
func (e *Engine) KillStream(streamID string) error {
	e.mu.Lock()
	st, ok := e.streams[streamID]
	e.mu.Unlock()
	if !ok {
		return ErrStreamNotFound
	}
	if st.cmd.Process != nil {
		return st.cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// KillOwned terminates every stream owned by a connection; used on
// disconnect.
func (e *Engine) KillOwned(ownerID string) {
	e.mu.Lock()
	var victims []*stream
	for _, st := range e.streams {
		if st.info.OwnerID == ownerID {
			victims = append(victims, st)
		}
	}
	e.mu.Unlock()
	for _, st := range victims {
		if st.cmd.Process != nil {
			st.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
}

// ActiveStreams lists currently running streams.
func (e *Engine) ActiveStreams() []StreamInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]StreamInfo, 0, len(e.streams))
	for _, st := range e.streams {
		result = append(result, st.info)
	}
	return result
}

// boundedBuffer keeps the first limit bytes and silently discards the
// rest, so a noisy child still runs to completion. The bytes.Buffer is
// a named field on purpose: embedding would promote ReadFrom, and
// io.Copy callers (os/exec included) would take that fast path around
// the capped Write.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	// Report the full count so writers never see a short write.
	return len(p), nil
}

func (b *boundedBuffer) Len() int       { return b.buf.Len() }
func (b *boundedBuffer) String() string { return b.buf.String() }
