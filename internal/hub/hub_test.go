package hub

import (
	"context"
	"sync"
	"testing"

	"github.com/codeleash/codeleash/internal/protocol"
)

type captureSender struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (c *captureSender) WriteEnvelope(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestRegistryMembership(t *testing.T) {
	r := NewRegistry()
	a := NewConnection("s1", "d1", "phone", KindMobile, "ws-1", &captureSender{})
	b := NewConnection("s2", "d2", "editor", KindEditorHost, "ws-1", &captureSender{})
	c := NewConnection("s3", "d3", "phone2", KindMobile, "ws-2", &captureSender{})

	r.Add(a)
	r.Add(b)
	r.Add(c)

	if got := len(r.Members("ws-1")); got != 2 {
		t.Errorf("ws-1 members = %d, want 2", got)
	}
	if got := len(r.Members("ws-2")); got != 1 {
		t.Errorf("ws-2 members = %d, want 1", got)
	}

	removed := r.Remove("s1")
	if removed == nil || removed.SocketID != "s1" {
		t.Fatalf("Remove returned %+v", removed)
	}
	if got := len(r.Members("ws-1")); got != 1 {
		t.Errorf("ws-1 members after remove = %d, want 1", got)
	}
	if r.Remove("s1") != nil {
		t.Error("double remove should return nil")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestBroadcastExcludesSenderAndFiltersKind(t *testing.T) {
	r := NewRegistry()
	mobileSink := &captureSender{}
	editorSink := &captureSender{}
	senderSink := &captureSender{}

	sender := NewConnection("s1", "d1", "phone", KindMobile, "ws-1", senderSink)
	editor := NewConnection("s2", "d2", "editor", KindEditorHost, "ws-1", editorSink)
	mobile := NewConnection("s3", "d3", "phone2", KindMobile, "ws-1", mobileSink)
	r.Add(sender)
	r.Add(editor)
	r.Add(mobile)

	env, _ := protocol.NewEvent("test", nil)
	r.Broadcast(context.Background(), "ws-1", "s1", "", env)

	if senderSink.count() != 0 {
		t.Error("sender should not receive its own broadcast")
	}
	if editorSink.count() != 1 || mobileSink.count() != 1 {
		t.Errorf("peers got %d/%d frames, want 1/1", editorSink.count(), mobileSink.count())
	}

	r.Broadcast(context.Background(), "ws-1", "s1", KindEditorHost, env)
	if editorSink.count() != 2 {
		t.Errorf("editor should receive kind-filtered broadcast")
	}
	if mobileSink.count() != 1 {
		t.Errorf("mobile should not receive editor-host broadcast")
	}
}

func TestLastActivityMonotonic(t *testing.T) {
	c := NewConnection("s1", "d1", "phone", KindMobile, "ws-1", &captureSender{})
	before := c.LastActivity()
	c.Touch()
	if c.LastActivity().Before(before) {
		t.Error("last activity went backwards")
	}
}
