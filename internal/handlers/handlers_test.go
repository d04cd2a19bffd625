package handlers

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/codeleash/codeleash/internal/ai"
	"github.com/codeleash/codeleash/internal/diag"
	"github.com/codeleash/codeleash/internal/dispatch"
	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/protocol"
	"github.com/codeleash/codeleash/internal/terminal"
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

func (c *captureSender) last(t *testing.T) protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.envs) == 0 {
		t.Fatal("no envelope written")
	}
	return c.envs[len(c.envs)-1]
}

type testRig struct {
	d    *dispatch.Dispatcher
	conn *hub.Connection
	sink *captureSender
	deps Deps
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	root := t.TempDir()
	deps := Deps{
		Root:          root,
		WorkspaceID:   "ws-1",
		WorkspaceName: "demo",
		MaxFileSize:   5 * 1024 * 1024,
		Engine:        terminal.NewEngine(root, nil),
		Terminals:     terminal.NewSessionManager(nil),
		Diagnostics:   diag.NewAggregator(nil, diag.Options{}),
		AI:            ai.NewBridge(nil, nil),
	}
	t.Cleanup(deps.Diagnostics.Close)
	t.Cleanup(deps.Terminals.Close)

	d := dispatch.New()
	Register(d, deps)
	sink := &captureSender{}
	conn := hub.NewConnection("s1", "d1", "phone", hub.KindMobile, "ws-1", sink)
	return &testRig{d: d, conn: conn, sink: sink, deps: deps}
}

func (r *testRig) send(t *testing.T, category, action string, payload any) protocol.Envelope {
	t.Helper()
	cmd, err := protocol.NewCommand(category, action, payload)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	r.d.Dispatch(context.Background(), r.conn, cmd)
	env := r.sink.last(t)
	if env.CommandID != cmd.ID {
		t.Fatalf("response commandId = %q, want %q", env.CommandID, cmd.ID)
	}
	return env
}

func decodeData[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode response data: %v", err)
	}
	return v
}

func TestUnknownCommand(t *testing.T) {
	r := newRig(t)
	env := r.send(t, protocol.CategoryFile, "teleport", nil)
	if env.Type != protocol.TypeError || env.Code != protocol.CodeUnknownCommand {
		t.Errorf("got %s/%s", env.Type, env.Code)
	}
}

func TestFileWriteReadStat(t *testing.T) {
	r := newRig(t)

	env := r.send(t, protocol.CategoryFile, "write", map[string]any{"path": "sub/hello.txt", "content": "hi there"})
	if env.Type != protocol.TypeResponse {
		t.Fatalf("write failed: %+v", env)
	}

	env = r.send(t, protocol.CategoryFile, "read", map[string]any{"path": "sub/hello.txt"})
	got := decodeData[struct {
		Content string `json:"content"`
	}](t, env)
	if got.Content != "hi there" {
		t.Errorf("content = %q", got.Content)
	}

	env = r.send(t, protocol.CategoryFile, "stat", map[string]any{"path": "sub/hello.txt"})
	st := decodeData[FileEntry](t, env)
	if st.Size != 8 || st.IsDir {
		t.Errorf("stat = %+v", st)
	}

	env = r.send(t, protocol.CategoryFile, "list", map[string]any{"path": "sub"})
	listing := decodeData[struct {
		Entries []FileEntry `json:"entries"`
	}](t, env)
	if len(listing.Entries) != 1 || listing.Entries[0].Name != "hello.txt" {
		t.Errorf("entries = %+v", listing.Entries)
	}
}

func TestFileReadSizeGuard(t *testing.T) {
	r := newRig(t)
	big := filepath.Join(r.deps.Root, "big.bin")
	if err := os.WriteFile(big, make([]byte, 6*1024*1024), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	env := r.send(t, protocol.CategoryFile, "read", map[string]any{"path": "big.bin"})
	if env.Type != protocol.TypeError || env.Code != protocol.CodeHandlerError {
		t.Fatalf("got %s/%s", env.Type, env.Code)
	}
	if !strings.Contains(env.Message, "exceeds limit") {
		t.Errorf("message = %q", env.Message)
	}
	if len(env.Data) != 0 {
		t.Error("error must carry no partial content")
	}
}

func TestFileEscapeRejected(t *testing.T) {
	r := newRig(t)
	env := r.send(t, protocol.CategoryFile, "read", map[string]any{"path": "../../etc/passwd"})
	if env.Type != protocol.TypeError || env.Code != protocol.CodeForbidden {
		t.Errorf("got %s/%s", env.Type, env.Code)
	}
}

func TestFileSearch(t *testing.T) {
	r := newRig(t)
	r.send(t, protocol.CategoryFile, "write", map[string]any{"path": "a.go", "content": "package main\nfunc main() {}\n"})
	r.send(t, protocol.CategoryFile, "write", map[string]any{"path": "b.go", "content": "package main\nvar x = 1\n"})

	env := r.send(t, protocol.CategoryFile, "search", map[string]any{"pattern": "package main"})
	got := decodeData[struct {
		Matches []SearchMatch `json:"matches"`
	}](t, env)
	if len(got.Matches) != 2 {
		t.Errorf("matches = %+v", got.Matches)
	}

	env = r.send(t, protocol.CategoryFile, "search", map[string]any{"pattern": "package", "maxResults": 1})
	capped := decodeData[struct {
		Matches   []SearchMatch `json:"matches"`
		Truncated bool          `json:"truncated"`
	}](t, env)
	if len(capped.Matches) != 1 || !capped.Truncated {
		t.Errorf("capped = %+v", capped)
	}
}

func TestEditorForwardWithoutHost(t *testing.T) {
	r := newRig(t)
	env := r.send(t, protocol.CategoryEditor, "getState", nil)
	if env.Type != protocol.TypeError || env.Code != protocol.CodeNotFound {
		t.Errorf("got %s/%s", env.Type, env.Code)
	}
}

type echoEditor struct{}

func (echoEditor) Call(ctx context.Context, category, action string, payload any) (json.RawMessage, *protocol.WireError) {
	data, _ := json.Marshal(map[string]string{"action": action})
	return data, nil
}

func TestEditorForwardsToHost(t *testing.T) {
	r := newRig(t)
	r.deps.Editor = echoEditor{}
	d := dispatch.New()
	Register(d, r.deps)

	cmd, _ := protocol.NewCommand(protocol.CategoryEditor, "goTo", map[string]any{"line": 3, "col": 1})
	d.Dispatch(context.Background(), r.conn, cmd)
	env := r.sink.last(t)
	got := decodeData[struct {
		Action string `json:"action"`
	}](t, env)
	if got.Action != "goTo" {
		t.Errorf("forwarded action = %q", got.Action)
	}
}

func TestWorkspaceGetInfo(t *testing.T) {
	r := newRig(t)
	env := r.send(t, protocol.CategoryWorkspace, "getInfo", nil)
	got := decodeData[struct {
		WorkspaceID string `json:"workspaceId"`
		Root        string `json:"root"`
	}](t, env)
	if got.WorkspaceID != "ws-1" || got.Root != r.deps.Root {
		t.Errorf("info = %+v", got)
	}
}

func TestTerminalCwdRoundTrip(t *testing.T) {
	r := newRig(t)
	dir := t.TempDir()

	env := r.send(t, protocol.CategoryTerminal, "setCwd", map[string]any{"cwd": dir})
	if env.Type != protocol.TypeResponse {
		t.Fatalf("setCwd: %+v", env)
	}
	env = r.send(t, protocol.CategoryTerminal, "getCwd", nil)
	got := decodeData[struct {
		Cwd string `json:"cwd"`
	}](t, env)
	if got.Cwd != dir {
		t.Errorf("cwd = %q, want %q", got.Cwd, dir)
	}
}

func TestTerminalExecuteCaptured(t *testing.T) {
	r := newRig(t)
	env := r.send(t, protocol.CategoryTerminal, "execute", map[string]any{
		"command": "echo captured", "captureOutput": true,
	})
	got := decodeData[terminal.ExecResult](t, env)
	if strings.TrimSpace(got.Stdout) != "captured" || got.ExitCode != 0 {
		t.Errorf("result = %+v", got)
	}
}

func TestTerminalKillUnknownStream(t *testing.T) {
	r := newRig(t)
	env := r.send(t, protocol.CategoryTerminal, "killStream", map[string]any{"streamId": "nope"})
	if env.Type != protocol.TypeError || env.Code != protocol.CodeNotFound {
		t.Errorf("got %s/%s", env.Type, env.Code)
	}
}

func TestAIUnavailable(t *testing.T) {
	r := newRig(t)
	env := r.send(t, protocol.CategoryAI, "createSession", nil)
	if env.Type != protocol.TypeError || env.Code != protocol.CodeAIUnavailable {
		t.Errorf("got %s/%s", env.Type, env.Code)
	}
}

func TestDiagnosticsQueries(t *testing.T) {
	r := newRig(t)
	env := r.send(t, protocol.CategoryDiagnostics, "getSummary", nil)
	got := decodeData[diag.Summary](t, env)
	if got.Errors != 0 {
		t.Errorf("summary = %+v", got)
	}

	env = r.send(t, protocol.CategoryDiagnostics, "getFile", map[string]any{"path": "x.go"})
	if env.Type != protocol.TypeResponse {
		t.Errorf("getFile: %+v", env)
	}
}

func TestGitStatusInFreshRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	r := newRig(t)
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = r.deps.Root
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	if err := os.WriteFile(filepath.Join(r.deps.Root, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	env := r.send(t, protocol.CategoryGit, "status", nil)
	got := decodeData[struct {
		Files []GitFileStatus `json:"files"`
	}](t, env)
	if len(got.Files) != 1 || got.Files[0].Path != "new.txt" {
		t.Errorf("files = %+v", got.Files)
	}

	env = r.send(t, protocol.CategoryGit, "stage", map[string]any{"filePath": "new.txt"})
	if env.Type != protocol.TypeResponse {
		t.Fatalf("stage: %+v", env)
	}
	env = r.send(t, protocol.CategoryGit, "diff", map[string]any{"staged": true})
	diffOut := decodeData[struct {
		Diff string `json:"diff"`
	}](t, env)
	if !strings.Contains(diffOut.Diff, "new.txt") {
		t.Errorf("diff = %q", diffOut.Diff)
	}
}

func TestHandlerPanicBecomesHandlerError(t *testing.T) {
	d := dispatch.New()
	d.Register("system", "boom", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		panic("kaboom")
	})
	sink := &captureSender{}
	conn := hub.NewConnection("s1", "d1", "phone", hub.KindMobile, "ws-1", sink)
	cmd, _ := protocol.NewCommand("system", "boom", nil)
	d.Dispatch(context.Background(), conn, cmd)
	env := sink.last(t)
	if env.Type != protocol.TypeError || env.Code != protocol.CodeHandlerError {
		t.Errorf("got %s/%s", env.Type, env.Code)
	}
}
