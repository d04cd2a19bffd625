// Package dispatch routes command envelopes to their handlers and
// writes the response or error back to the issuing connection.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/logger"
	"github.com/codeleash/codeleash/internal/protocol"
)

// Handler executes one (category, action) command. A non-nil WireError
// becomes an error envelope; otherwise data becomes the response.
type Handler func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError)

type key struct {
	category string
	action   string
}

// Dispatcher holds the handler table. Dispatch is concurrent across
// connections; handlers guard their own shared state.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[key]Handler
}

func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[key]Handler)}
}

// Register installs a handler; duplicate registrations panic at startup
// so a wiring mistake cannot silently shadow a handler.
func (d *Dispatcher) Register(category, action string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key{category, action}
	if _, exists := d.handlers[k]; exists {
		panic(fmt.Sprintf("dispatch: duplicate handler %s:%s", category, action))
	}
	d.handlers[k] = h
}

// Dispatch runs the command and writes the outcome back to conn. Panics
// inside a handler are converted to HANDLER_ERROR and the connection is
// retained.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) {
	d.mu.RLock()
	h, ok := d.handlers[key{cmd.Category, cmd.Action}]
	d.mu.RUnlock()
	if !ok {
		d.writeError(ctx, conn, cmd.ID, protocol.CodeUnknownCommand,
			fmt.Sprintf("unknown command %s:%s", cmd.Category, cmd.Action))
		return
	}

	data, werr := d.run(ctx, conn, cmd, h)
	if werr != nil {
		d.writeError(ctx, conn, cmd.ID, werr.Code, werr.Message)
		return
	}
	resp, err := protocol.NewResponse(cmd.ID, data)
	if err != nil {
		d.writeError(ctx, conn, cmd.ID, protocol.CodeInternalError, "encode response")
		return
	}
	if err := conn.Send(ctx, resp); err != nil {
		logger.Warn("response write failed", "socketId", conn.SocketID, "commandId", cmd.ID, "error", err)
	}
}

func (d *Dispatcher) run(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope, h Handler) (data any, werr *protocol.WireError) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "category", cmd.Category, "action", cmd.Action, "panic", r)
			data = nil
			werr = &protocol.WireError{Code: protocol.CodeHandlerError, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return h(ctx, conn, cmd)
}

func (d *Dispatcher) writeError(ctx context.Context, conn *hub.Connection, commandID, code, message string) {
	env := protocol.NewError(commandID, code, message)
	if err := conn.Send(ctx, env); err != nil {
		logger.Warn("error write failed", "socketId", conn.SocketID, "commandId", commandID, "error", err)
	}
}
