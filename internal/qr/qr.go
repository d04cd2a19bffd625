// Package qr builds and validates the compact pairing payload embedded
// in the QR code shown by the editor host.
package qr

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the only payload version consumers accept.
const Version = 1

// Payload is the QR pairing payload. Field names are part of the wire
// contract and deliberately terse.
type Payload struct {
	Secret        string `json:"t"`
	WorkspaceID   string `json:"w"`
	WorkspaceName string `json:"n"`
	LocalURL      string `json:"l,omitempty"`
	RelayURL      string `json:"r,omitempty"`
	ExpiresAt     int64  `json:"e"` // ms since epoch
	Version       int    `json:"v"`
}

// Encode serializes a payload, stamping the current version.
func Encode(p Payload) ([]byte, error) {
	p.Version = Version
	if err := validate(p, time.Now()); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// Decode parses and validates a scanned payload.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("parse qr payload: %w", err)
	}
	if err := validate(p, time.Now()); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func validate(p Payload, now time.Time) error {
	if p.Version != Version {
		return fmt.Errorf("unsupported qr payload version %d", p.Version)
	}
	if now.UnixMilli() > p.ExpiresAt {
		return fmt.Errorf("qr payload expired")
	}
	if p.LocalURL == "" && p.RelayURL == "" {
		return fmt.Errorf("qr payload has no reachable endpoint")
	}
	if p.Secret == "" || p.WorkspaceID == "" {
		return fmt.Errorf("qr payload missing secret or workspace")
	}
	return nil
}
