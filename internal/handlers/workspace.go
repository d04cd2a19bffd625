package handlers

import (
	"context"
	"os"
	"runtime"

	"github.com/codeleash/codeleash/internal/dispatch"
	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/protocol"
)

func registerWorkspace(d *dispatch.Dispatcher, deps Deps) {
	d.Register(protocol.CategoryWorkspace, "getInfo", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		hostname, _ := os.Hostname()
		return map[string]any{
			"workspaceId":   deps.WorkspaceID,
			"workspaceName": deps.WorkspaceName,
			"root":          deps.Root,
			"hostname":      hostname,
			"platform":      runtime.GOOS,
		}, nil
	})
}
