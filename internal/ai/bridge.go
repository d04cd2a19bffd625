// Package ai bridges mobile chat requests to the CLI agents installed
// alongside the editor host.
package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeleash/codeleash/internal/logger"
)

var (
	ErrNoBackend       = errors.New("no ai backend available")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session has a message in flight")
)

// Event names for streamed responses.
const (
	EventStreamChunk = "streamChunk"
	EventStreamEnd   = "streamEnd"
	EventMessage     = "message"
)

// StreamChunk is one token batch of an in-progress assistant reply.
type StreamChunk struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// StreamEnd marks the end of a streamed reply.
type StreamEnd struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// Message is a completed chat message in a session history.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageEvent is the final frame after a stream completes.
type MessageEvent struct {
	SessionID string  `json:"sessionId"`
	Message   Message `json:"message"`
}

// Session is one conversation bound to one backend.
type Session struct {
	ID        string    `json:"id"`
	Backend   string    `json:"backend"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	busy      bool
}

// SendOptions carries optional context attached to a user message.
type SendOptions struct {
	IncludeContext bool   `json:"includeContext,omitempty"`
	SelectedText   string `json:"selectedText,omitempty"`
}

// Status reports which backends answered the startup probe.
type Status struct {
	Available bool     `json:"available"`
	Backends  []string `json:"backends"`
	Active    string   `json:"active,omitempty"`
}

// EmitFunc delivers bridge events to the workspace room.
type EmitFunc func(eventType string, data any)

// Bridge owns chat sessions and routes messages to the probed backends.
type Bridge struct {
	emit     EmitFunc
	backends map[string]Backend
	order    []string

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewBridge wires the given backends; use Probe() for the real roster.
func NewBridge(backends []Backend, emit EmitFunc) *Bridge {
	if emit == nil {
		emit = func(string, any) {}
	}
	b := &Bridge{
		emit:     emit,
		backends: make(map[string]Backend),
		sessions: make(map[string]*Session),
	}
	for _, backend := range backends {
		b.backends[backend.Name()] = backend
		b.order = append(b.order, backend.Name())
	}
	return b
}

// Status describes the probed roster; Active is the default backend.
func (b *Bridge) Status() Status {
	s := Status{Available: len(b.order) > 0, Backends: b.order}
	if len(b.order) > 0 {
		s.Active = b.order[0]
	}
	return s
}

// CreateSession binds a new conversation to a backend; empty backend
// picks the first available one. Switching backends means a new session.
func (b *Bridge) CreateSession(backend string) (*Session, error) {
	if backend == "" {
		if len(b.order) == 0 {
			return nil, ErrNoBackend
		}
		backend = b.order[0]
	}
	if _, ok := b.backends[backend]; !ok {
		return nil, fmt.Errorf("backend %q: %w", backend, ErrNoBackend)
	}
	s := &Session{
		ID:        uuid.New().String(),
		Backend:   backend,
		CreatedAt: time.Now(),
	}
	b.mu.Lock()
	b.sessions[s.ID] = s
	b.mu.Unlock()
	logger.Info("ai session created", "sessionId", s.ID, "backend", backend)
	return s, nil
}

// Session returns a copy of one session with its history.
func (b *Bridge) Session(id string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return snapshot(s), nil
}

// ListSessions returns all sessions ordered by creation time.
func (b *Bridge) ListSessions() []Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, snapshot(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DeleteSession removes a session; in-flight replies still finish.
func (b *Bridge) DeleteSession(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(b.sessions, id)
	return nil
}

// SendMessage appends the user message and streams the backend reply as
// streamChunk frames, then streamEnd, then the final message event. A
// backend failure still ends the stream; the error text becomes the
// assistant content. Returns the assistant message id immediately.
func (b *Bridge) SendMessage(ctx context.Context, sessionID, text string, opts SendOptions) (string, error) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return "", ErrSessionNotFound
	}
	if s.busy {
		b.mu.Unlock()
		return "", ErrSessionBusy
	}
	backend := b.backends[s.Backend]
	s.busy = true
	s.Messages = append(s.Messages, Message{
		ID:        uuid.New().String(),
		Role:      "user",
		Content:   text,
		Timestamp: time.Now(),
	})
	b.mu.Unlock()

	messageID := uuid.New().String()
	prompt := buildPrompt(text, opts)

	go b.run(ctx, s, backend, messageID, prompt)
	return messageID, nil
}

func (b *Bridge) run(ctx context.Context, s *Session, backend Backend, messageID, prompt string) {
	stream, err := backend.Run(ctx, prompt)
	var content string
	if err != nil {
		content = fmt.Sprintf("ai backend error: %v", err)
		b.emit(EventStreamChunk, StreamChunk{SessionID: s.ID, MessageID: messageID, Content: content})
	} else {
		for {
			chunk, ok := stream.Next()
			if !ok {
				break
			}
			b.emit(EventStreamChunk, StreamChunk{SessionID: s.ID, MessageID: messageID, Content: chunk.Text})
		}
		content = stream.Text()
		if err := stream.Err(); err != nil {
			content = fmt.Sprintf("%s\nai backend error: %v", content, err)
			logger.Warn("ai backend failed", "sessionId", s.ID, "backend", backend.Name(), "error", err)
		}
	}

	b.emit(EventStreamEnd, StreamEnd{SessionID: s.ID, MessageID: messageID})

	msg := Message{ID: messageID, Role: "assistant", Content: content, Timestamp: time.Now()}
	b.mu.Lock()
	s.busy = false
	if _, live := b.sessions[s.ID]; live {
		s.Messages = append(s.Messages, msg)
	}
	b.mu.Unlock()
	b.emit(EventMessage, MessageEvent{SessionID: s.ID, Message: msg})
}

func buildPrompt(text string, opts SendOptions) string {
	if opts.SelectedText == "" {
		return text
	}
	return fmt.Sprintf("%s\n\nSelected code:\n```\n%s\n```", text, opts.SelectedText)
}

func snapshot(s *Session) Session {
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}
