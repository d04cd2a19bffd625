package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/codeleash/codeleash/internal/logger"
)

const (
	// replayBufferBytes of scrollback kept per interactive terminal.
	replayBufferBytes = 50 * 1024

	defaultCols = 80
	defaultRows = 24
)

// Interactive terminal event names.
const (
	EventTerminalOutput = "terminalOutput"
	EventTerminalClosed = "terminalClosed"
)

// TerminalOutput carries raw PTY bytes for one interactive terminal.
type TerminalOutput struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalClosed signals that the shell behind a terminal exited.
type TerminalClosed struct {
	TerminalID string `json:"terminalId"`
	ExitCode   int    `json:"exitCode"`
}

// TerminalInfo is the public view of an interactive terminal.
type TerminalInfo struct {
	TerminalID string    `json:"terminalId"`
	Name       string    `json:"name"`
	Cwd        string    `json:"cwd"`
	CreatedAt  time.Time `json:"createdAt"`
}

type session struct {
	info   TerminalInfo
	pty    *os.File
	cmd    *exec.Cmd
	replay *ringBuffer
	done   chan struct{}
}

// SessionManager owns interactive PTY terminals for a workspace. Output
// fans out through the shared emitter; a replay ring lets late joiners
// see recent scrollback via Show.
type SessionManager struct {
	emit EmitFunc

	mu       sync.Mutex
	sessions map[string]*session
	seq      int
}

func NewSessionManager(emit EmitFunc) *SessionManager {
	if emit == nil {
		emit = func(string, any) {}
	}
	return &SessionManager{
		emit:     emit,
		sessions: make(map[string]*session),
	}
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// Create starts a new shell in a PTY and begins streaming its output.
func (m *SessionManager) Create(name, cwd string) (TerminalInfo, error) {
	m.mu.Lock()
	m.seq++
	if name == "" {
		name = fmt.Sprintf("terminal-%d", m.seq)
	}
	m.mu.Unlock()

	cmd := exec.Command(defaultShell())
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
	if err != nil {
		return TerminalInfo{}, fmt.Errorf("start pty: %w", err)
	}

	s := &session{
		info: TerminalInfo{
			TerminalID: uuid.New().String(),
			Name:       name,
			Cwd:        cwd,
			CreatedAt:  time.Now(),
		},
		pty:    ptmx,
		cmd:    cmd,
		replay: newRingBuffer(replayBufferBytes),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.info.TerminalID] = s
	m.mu.Unlock()

	go m.readLoop(s)
	logger.Info("terminal created", "terminalId", s.info.TerminalID, "name", name)
	return s.info, nil
}

func (m *SessionManager) readLoop(s *session) {
	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			s.replay.Write(buf[:n])
			m.emit(EventTerminalOutput, TerminalOutput{
				TerminalID: s.info.TerminalID,
				Data:       string(buf[:n]),
			})
		}
		if err != nil {
			break
		}
	}
	exitCode := 0
	if err := s.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	close(s.done)

	m.mu.Lock()
	_, live := m.sessions[s.info.TerminalID]
	delete(m.sessions, s.info.TerminalID)
	m.mu.Unlock()
	if live {
		m.emit(EventTerminalClosed, TerminalClosed{TerminalID: s.info.TerminalID, ExitCode: exitCode})
		logger.Info("terminal closed", "terminalId", s.info.TerminalID, "exitCode", exitCode)
	}
}

// SendInput writes keystrokes to a terminal's PTY.
func (m *SessionManager) SendInput(terminalID, data string) error {
	s, err := m.get(terminalID)
	if err != nil {
		return err
	}
	if _, err := s.pty.Write([]byte(data)); err != nil {
		return fmt.Errorf("write pty: %w", err)
	}
	return nil
}

// Interrupt delivers Ctrl-C to the terminal's foreground process.
func (m *SessionManager) Interrupt(terminalID string) error {
	return m.SendInput(terminalID, "\x03")
}

// Show returns the terminal's recent scrollback for a late joiner.
func (m *SessionManager) Show(terminalID string) (TerminalInfo, string, error) {
	s, err := m.get(terminalID)
	if err != nil {
		return TerminalInfo{}, "", err
	}
	return s.info, string(s.replay.Bytes()), nil
}

// Dispose closes the PTY and kills the shell. terminalClosed still
// fires through the read loop's exit path.
func (m *SessionManager) Dispose(terminalID string) error {
	s, err := m.get(terminalID)
	if err != nil {
		return err
	}
	s.pty.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return nil
}

// List returns all live terminals ordered by creation time.
func (m *SessionManager) List() []TerminalInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]TerminalInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s.info)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Close disposes every terminal; used at server shutdown.
func (m *SessionManager) Close() {
	m.mu.Lock()
	var all []*session
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.pty.Close()
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
	}
}

func (m *SessionManager) get(terminalID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[terminalID]
	if !ok {
		return nil, fmt.Errorf("terminal %s: %w", terminalID, ErrTerminalNotFound)
	}
	return s, nil
}
