package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/codeleash/codeleash/internal/dispatch"
	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/protocol"
	"github.com/codeleash/codeleash/internal/terminal"
)

func registerTerminal(d *dispatch.Dispatcher, deps Deps) {
	d.Register(protocol.CategoryTerminal, "list", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		return map[string]any{"terminals": deps.Terminals.List()}, nil
	})

	d.Register(protocol.CategoryTerminal, "create", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			Name string `json:"name"`
			Cwd  string `json:"cwd"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		cwd := req.Cwd
		if cwd == "" {
			cwd = deps.Engine.Cwd()
		}
		info, err := deps.Terminals.Create(req.Name, cwd)
		if err != nil {
			return nil, handlerErr(err)
		}
		return info, nil
	})

	d.Register(protocol.CategoryTerminal, "execute", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			Command       string `json:"command"`
			TerminalID    string `json:"terminalId"`
			CaptureOutput bool   `json:"captureOutput"`
			Cwd           string `json:"cwd"`
			TimeoutMS     int    `json:"timeout"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if req.Command == "" {
			return nil, invalid("command is required")
		}
		// With a terminal id the command is typed into that terminal
		// and output arrives through terminalOutput events.
		if req.TerminalID != "" {
			if err := deps.Terminals.SendInput(req.TerminalID, req.Command+"\n"); err != nil {
				return nil, terminalErr(err)
			}
			return map[string]any{"terminalId": req.TerminalID}, nil
		}
		if !req.CaptureOutput {
			streamID, err := deps.Engine.ExecuteStreaming(req.Command, req.Cwd, conn.SocketID)
			if err != nil {
				return nil, handlerErr(err)
			}
			return map[string]any{"streamId": streamID}, nil
		}
		res, err := deps.Engine.Execute(ctx, req.Command, req.Cwd, time.Duration(req.TimeoutMS)*time.Millisecond)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &protocol.WireError{Code: protocol.CodeTimeout, Message: "command timed out"}
			}
			return nil, handlerErr(err)
		}
		return res, nil
	})

	d.Register(protocol.CategoryTerminal, "executeStreaming", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			Command string `json:"command"`
			Cwd     string `json:"cwd"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if req.Command == "" {
			return nil, invalid("command is required")
		}
		streamID, err := deps.Engine.ExecuteStreaming(req.Command, req.Cwd, conn.SocketID)
		if err != nil {
			return nil, handlerErr(err)
		}
		return map[string]any{"streamId": streamID}, nil
	})

	d.Register(protocol.CategoryTerminal, "killStream", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			StreamID string `json:"streamId"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if err := deps.Engine.KillStream(req.StreamID); err != nil {
			if errors.Is(err, terminal.ErrStreamNotFound) {
				return nil, &protocol.WireError{Code: protocol.CodeNotFound, Message: "stream not found"}
			}
			return nil, handlerErr(err)
		}
		return map[string]any{"streamId": req.StreamID, "killed": true}, nil
	})

	d.Register(protocol.CategoryTerminal, "getActiveStreams", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		return map[string]any{"streams": deps.Engine.ActiveStreams()}, nil
	})

	d.Register(protocol.CategoryTerminal, "sendInput", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			TerminalID string `json:"terminalId"`
			Data       string `json:"data"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if err := deps.Terminals.SendInput(req.TerminalID, req.Data); err != nil {
			return nil, terminalErr(err)
		}
		return map[string]any{"terminalId": req.TerminalID}, nil
	})

	d.Register(protocol.CategoryTerminal, "interrupt", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			TerminalID string `json:"terminalId"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if err := deps.Terminals.Interrupt(req.TerminalID); err != nil {
			return nil, terminalErr(err)
		}
		return map[string]any{"terminalId": req.TerminalID}, nil
	})

	d.Register(protocol.CategoryTerminal, "show", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			TerminalID string `json:"terminalId"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		info, replay, err := deps.Terminals.Show(req.TerminalID)
		if err != nil {
			return nil, terminalErr(err)
		}
		return map[string]any{"terminal": info, "replay": replay}, nil
	})

	d.Register(protocol.CategoryTerminal, "dispose", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			TerminalID string `json:"terminalId"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if err := deps.Terminals.Dispose(req.TerminalID); err != nil {
			return nil, terminalErr(err)
		}
		return map[string]any{"terminalId": req.TerminalID, "disposed": true}, nil
	})

	d.Register(protocol.CategoryTerminal, "setCwd", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			Cwd string `json:"cwd"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if req.Cwd == "" {
			return nil, invalid("cwd is required")
		}
		deps.Engine.SetCwd(req.Cwd)
		return map[string]any{"cwd": req.Cwd}, nil
	})

	d.Register(protocol.CategoryTerminal, "getCwd", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		return map[string]any{"cwd": deps.Engine.Cwd()}, nil
	})
}

func terminalErr(err error) *protocol.WireError {
	if errors.Is(err, terminal.ErrTerminalNotFound) {
		return &protocol.WireError{Code: protocol.CodeTerminalNotFound, Message: err.Error()}
	}
	return handlerErr(err)
}
