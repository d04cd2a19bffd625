package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	name   string
	chunks []string
	err    error
}

func (f *fakeBackend) Name() string  { return f.name }
func (f *fakeBackend) Health() error { return nil }

func (f *fakeBackend) Run(ctx context.Context, prompt string) (*Stream, error) {
	s := newStream(ctx)
	go func() {
		for _, c := range f.chunks {
			s.send(Chunk{Text: c})
		}
		s.close(f.err)
	}()
	return s, nil
}

type aiRecorder struct {
	mu     sync.Mutex
	events []recorded
	done   chan struct{}
}

type recorded struct {
	eventType string
	data      any
}

func newAIRecorder() *aiRecorder {
	return &aiRecorder{done: make(chan struct{}, 4)}
}

func (r *aiRecorder) emit(eventType string, data any) {
	r.mu.Lock()
	r.events = append(r.events, recorded{eventType, data})
	r.mu.Unlock()
	if eventType == EventMessage {
		r.done <- struct{}{}
	}
}

func (r *aiRecorder) wait(t *testing.T) []recorded {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message event")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

func TestSendMessageStreamsThenFinalizes(t *testing.T) {
	rec := newAIRecorder()
	b := NewBridge([]Backend{&fakeBackend{name: "fake", chunks: []string{"hel", "lo"}}}, rec.emit)

	s, err := b.CreateSession("")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	msgID, err := b.SendMessage(context.Background(), s.ID, "hi", SendOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	events := rec.wait(t)
	var chunks []string
	sawEnd := false
	for _, ev := range events {
		switch ev.eventType {
		case EventStreamChunk:
			c := ev.data.(StreamChunk)
			if c.MessageID != msgID || c.SessionID != s.ID {
				t.Errorf("chunk ids = %+v", c)
			}
			if sawEnd {
				t.Error("chunk after streamEnd")
			}
			chunks = append(chunks, c.Content)
		case EventStreamEnd:
			sawEnd = true
		case EventMessage:
			if !sawEnd {
				t.Error("message before streamEnd")
			}
			m := ev.data.(MessageEvent)
			if m.Message.Content != "hello" || m.Message.Role != "assistant" {
				t.Errorf("final message = %+v", m.Message)
			}
		}
	}
	if strings.Join(chunks, "") != "hello" {
		t.Errorf("chunks = %v", chunks)
	}

	got, err := b.Session(s.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "user" || got.Messages[1].Role != "assistant" {
		t.Errorf("history = %+v", got.Messages)
	}
}

func TestBackendErrorBecomesContent(t *testing.T) {
	rec := newAIRecorder()
	b := NewBridge([]Backend{&fakeBackend{name: "fake", err: errors.New("rate limited")}}, rec.emit)

	s, _ := b.CreateSession("fake")
	if _, err := b.SendMessage(context.Background(), s.ID, "hi", SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	events := rec.wait(t)
	last := events[len(events)-1]
	if last.eventType != EventMessage {
		t.Fatalf("last event = %s", last.eventType)
	}
	m := last.data.(MessageEvent)
	if !strings.Contains(m.Message.Content, "rate limited") {
		t.Errorf("error text missing from content: %q", m.Message.Content)
	}
}

func TestSessionLifecycle(t *testing.T) {
	b := NewBridge([]Backend{&fakeBackend{name: "fake"}}, nil)

	if _, err := b.CreateSession("missing"); err == nil {
		t.Error("unknown backend should fail")
	}
	s1, _ := b.CreateSession("")
	s2, _ := b.CreateSession("fake")

	list := b.ListSessions()
	if len(list) != 2 || list[0].ID != s1.ID {
		t.Errorf("ListSessions = %+v", list)
	}
	if err := b.DeleteSession(s2.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := b.DeleteSession(s2.ID); err != ErrSessionNotFound {
		t.Errorf("double delete = %v", err)
	}
	if _, err := b.Session(s2.ID); err != ErrSessionNotFound {
		t.Errorf("Session after delete = %v", err)
	}
}

func TestNoBackend(t *testing.T) {
	b := NewBridge(nil, nil)
	if s := b.Status(); s.Available {
		t.Errorf("Status = %+v", s)
	}
	if _, err := b.CreateSession(""); !errors.Is(err, ErrNoBackend) {
		t.Errorf("CreateSession = %v", err)
	}
}

func TestSelectedTextInPrompt(t *testing.T) {
	p := buildPrompt("explain", SendOptions{SelectedText: "x := 1"})
	if !strings.Contains(p, "explain") || !strings.Contains(p, "x := 1") {
		t.Errorf("prompt = %q", p)
	}
}
