// Package handlers implements the command surface exposed to mobile
// clients: files, editor state, terminals, git, ai, and diagnostics.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeleash/codeleash/internal/ai"
	"github.com/codeleash/codeleash/internal/diag"
	"github.com/codeleash/codeleash/internal/dispatch"
	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/protocol"
	"github.com/codeleash/codeleash/internal/terminal"
)

// EditorHost is the window into the live editor. Editor-scoped actions
// are forwarded to the editor-host peer of the workspace room, so every
// call can fail with connection-shaped errors.
type EditorHost interface {
	// Call forwards one editor action and returns its raw response.
	Call(ctx context.Context, category, action string, payload any) (json.RawMessage, *protocol.WireError)
}

// Deps wires the handler set. All fields are required except Editor,
// which may be nil when no editor-host peer exists (headless serve).
type Deps struct {
	Root          string
	WorkspaceID   string
	WorkspaceName string
	MaxFileSize   int64

	Engine      *terminal.Engine
	Terminals   *terminal.SessionManager
	Diagnostics *diag.Aggregator
	AI          *ai.Bridge
	Editor      EditorHost
}

// Register installs every handler on the dispatcher.
func Register(d *dispatch.Dispatcher, deps Deps) {
	registerFile(d, deps)
	registerEditor(d, deps)
	registerWorkspace(d, deps)
	registerTerminal(d, deps)
	registerGit(d, deps)
	registerAI(d, deps)
	registerDiagnostics(d, deps)
}

func decode[T any](cmd protocol.Envelope) (T, *protocol.WireError) {
	var v T
	if len(cmd.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(cmd.Payload, &v); err != nil {
		return v, invalid(fmt.Sprintf("decode %s:%s payload: %v", cmd.Category, cmd.Action, err))
	}
	return v, nil
}

func invalid(message string) *protocol.WireError {
	return &protocol.WireError{Code: protocol.CodeInvalidRequest, Message: message}
}

func handlerErr(err error) *protocol.WireError {
	return &protocol.WireError{Code: protocol.CodeHandlerError, Message: err.Error()}
}

// forward relays an editor-scoped action through the EditorHost.
func forward(deps Deps, category, action string) dispatch.Handler {
	return func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		if deps.Editor == nil {
			return nil, &protocol.WireError{Code: protocol.CodeNotFound, Message: "no editor host connected"}
		}
		data, werr := deps.Editor.Call(ctx, category, action, cmd.Payload)
		if werr != nil {
			return nil, werr
		}
		return data, nil
	}
}
