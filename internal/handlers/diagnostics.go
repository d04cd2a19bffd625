package handlers

import (
	"context"

	"github.com/codeleash/codeleash/internal/dispatch"
	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/protocol"
)

func registerDiagnostics(d *dispatch.Dispatcher, deps Deps) {
	d.Register(protocol.CategoryDiagnostics, "getAll", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		return map[string]any{"files": deps.Diagnostics.All(), "summary": deps.Diagnostics.Summary()}, nil
	})

	d.Register(protocol.CategoryDiagnostics, "getFile", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			Path string `json:"path"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if req.Path == "" {
			return nil, invalid("path is required")
		}
		return map[string]any{"path": req.Path, "diagnostics": deps.Diagnostics.File(req.Path)}, nil
	})

	d.Register(protocol.CategoryDiagnostics, "getSummary", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		return deps.Diagnostics.Summary(), nil
	})
}
