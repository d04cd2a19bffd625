package handlers

import (
	"github.com/codeleash/codeleash/internal/dispatch"
	"github.com/codeleash/codeleash/internal/protocol"
)

// Editor state lives in the editor host; every action is a forward.
func registerEditor(d *dispatch.Dispatcher, deps Deps) {
	for _, action := range []string{
		"getState",
		"goTo",
		"setSelection",
		"getSelection",
		"insertText",
		"replaceSelection",
		"getLine",
		"getVisibleText",
	} {
		d.Register(protocol.CategoryEditor, action, forward(deps, protocol.CategoryEditor, action))
	}
}
