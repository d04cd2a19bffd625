package handlers

import (
	"context"
	"errors"

	"github.com/codeleash/codeleash/internal/ai"
	"github.com/codeleash/codeleash/internal/dispatch"
	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/protocol"
)

func registerAI(d *dispatch.Dispatcher, deps Deps) {
	d.Register(protocol.CategoryAI, "getStatus", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		return deps.AI.Status(), nil
	})

	// Mirrors getStatus under the name mobile builds have shipped with.
	d.Register(protocol.CategoryAI, "getExtensions", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		return map[string]any{"extensions": deps.AI.Status().Backends}, nil
	})

	d.Register(protocol.CategoryAI, "createSession", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			Backend string `json:"backend"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		s, err := deps.AI.CreateSession(req.Backend)
		if err != nil {
			return nil, aiErr(err)
		}
		return s, nil
	})

	d.Register(protocol.CategoryAI, "getSession", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			ID string `json:"id"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		s, err := deps.AI.Session(req.ID)
		if err != nil {
			return nil, aiErr(err)
		}
		return s, nil
	})

	d.Register(protocol.CategoryAI, "listSessions", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		return map[string]any{"sessions": deps.AI.ListSessions()}, nil
	})

	d.Register(protocol.CategoryAI, "deleteSession", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			ID string `json:"id"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if err := deps.AI.DeleteSession(req.ID); err != nil {
			return nil, aiErr(err)
		}
		return map[string]any{"id": req.ID, "deleted": true}, nil
	})

	d.Register(protocol.CategoryAI, "sendMessage", func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			SessionID string `json:"sessionId"`
			Text      string `json:"text"`
			ai.SendOptions
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if req.SessionID == "" || req.Text == "" {
			return nil, invalid("sessionId and text are required")
		}
		// The response acknowledges acceptance; content arrives as
		// streamChunk events on the workspace room.
		messageID, err := deps.AI.SendMessage(context.WithoutCancel(ctx), req.SessionID, req.Text, req.SendOptions)
		if err != nil {
			return nil, aiErr(err)
		}
		return map[string]any{"sessionId": req.SessionID, "messageId": messageID}, nil
	})
}

func aiErr(err error) *protocol.WireError {
	switch {
	case errors.Is(err, ai.ErrNoBackend):
		return &protocol.WireError{Code: protocol.CodeAIUnavailable, Message: err.Error()}
	case errors.Is(err, ai.ErrSessionNotFound):
		return &protocol.WireError{Code: protocol.CodeSessionNotFound, Message: err.Error()}
	case errors.Is(err, ai.ErrSessionBusy):
		return &protocol.WireError{Code: protocol.CodeInvalidRequest, Message: err.Error()}
	default:
		return handlerErr(err)
	}
}
