package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types for the bridge wire protocol. Every frame is a JSON
// envelope with one of these in its "type" field.
const (
	TypeCommand  = "command"
	TypeResponse = "response"
	TypeError    = "error"
	TypeEvent    = "event"
)

// Command categories.
const (
	CategoryFile        = "file"
	CategoryEditor      = "editor"
	CategoryTerminal    = "terminal"
	CategoryAI          = "ai"
	CategoryWorkspace   = "workspace"
	CategoryDiagnostics = "diagnostics"
	CategoryGit         = "git"
	CategorySystem      = "system"
)

// Error taxonomy codes.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeMissingToken     = "MISSING_TOKEN"
	CodeInvalidPIN       = "INVALID_PIN"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeAlreadyPaired    = "ALREADY_PAIRED"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeHandlerError     = "HANDLER_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeRateLimited      = "RATE_LIMITED"
	CodeTimeout          = "TIMEOUT"
	CodeConnectionClosed = "CONNECTION_CLOSED"
	CodeAIUnavailable    = "AI_UNAVAILABLE"
	CodeTerminalNotFound = "TERMINAL_NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Envelope is the single wire shape for all four message kinds. Fields
// that do not apply to a kind are left zero and omitted from JSON.
type Envelope struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // ms since epoch
	Type      string `json:"type"`

	// command
	Category string          `json:"category,omitempty"`
	Action   string          `json:"action,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// response / error; events reuse Data for their payload
	CommandID string          `json:"commandId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`

	// event
	EventType string `json:"eventType,omitempty"`
}

func now() int64 {
	return time.Now().UnixMilli()
}

// NewCommand builds a command envelope with a fresh id. payload is
// marshaled to JSON; a nil payload produces an absent field.
func NewCommand(category, action string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}
	return Envelope{
		ID:        uuid.New().String(),
		Timestamp: now(),
		Type:      TypeCommand,
		Category:  category,
		Action:    action,
		Payload:   raw,
	}, nil
}

// NewResponse builds a response envelope for the given command id.
func NewResponse(commandID string, data any) (Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal data: %w", err)
		}
		raw = b
	}
	return Envelope{
		ID:        uuid.New().String(),
		Timestamp: now(),
		Type:      TypeResponse,
		CommandID: commandID,
		Data:      raw,
	}, nil
}

// NewError builds an error envelope. commandID may be empty for
// protocol-level errors not tied to a command.
func NewError(commandID, code, message string) Envelope {
	return Envelope{
		ID:        uuid.New().String(),
		Timestamp: now(),
		Type:      TypeError,
		CommandID: commandID,
		Code:      code,
		Message:   message,
	}
}

// NewEvent builds an event envelope.
func NewEvent(eventType string, data any) (Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal event data: %w", err)
		}
		raw = b
	}
	return Envelope{
		ID:        uuid.New().String(),
		Timestamp: now(),
		Type:      TypeEvent,
		EventType: eventType,
		Data:      raw,
	}, nil
}

// Encode serializes an envelope to a single JSON text frame.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a frame. It validates the envelope shape but not
// payload contents; handlers decode payloads themselves.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch e.Type {
	case TypeCommand:
		if e.Category == "" || e.Action == "" {
			return Envelope{}, fmt.Errorf("command missing category or action")
		}
	case TypeResponse, TypeError:
		if e.CommandID == "" {
			return Envelope{}, fmt.Errorf("%s missing commandId", e.Type)
		}
	case TypeEvent:
		if e.EventType == "" {
			return Envelope{}, fmt.Errorf("event missing eventType")
		}
	default:
		return Envelope{}, fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if e.ID == "" {
		return Envelope{}, fmt.Errorf("envelope missing id")
	}
	return e, nil
}

// WireError is the error surfaced to Send callers when a command fails.
type WireError struct {
	Code    string
	Message string
}

func (e *WireError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}
