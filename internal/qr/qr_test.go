package qr

import (
	"encoding/json"
	"testing"
	"time"
)

func validPayload() Payload {
	return Payload{
		Secret:        "s3cret",
		WorkspaceID:   "ws-1",
		WorkspaceName: "demo",
		LocalURL:      "ws://10.0.0.2:3002",
		ExpiresAt:     time.Now().Add(5 * time.Minute).UnixMilli(),
	}
}

func TestRoundTrip(t *testing.T) {
	data, err := Encode(validPayload())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Secret != "s3cret" || p.WorkspaceID != "ws-1" || p.Version != Version {
		t.Errorf("decoded %+v", p)
	}
}

func TestRejectWrongVersion(t *testing.T) {
	p := validPayload()
	p.Version = 2
	data, _ := json.Marshal(p)
	if _, err := Decode(data); err == nil {
		t.Error("version 2 should be rejected")
	}
}

func TestRejectExpired(t *testing.T) {
	p := validPayload()
	p.Version = Version
	p.ExpiresAt = time.Now().Add(-time.Second).UnixMilli()
	data, _ := json.Marshal(p)
	if _, err := Decode(data); err == nil {
		t.Error("expired payload should be rejected")
	}
}

func TestRequireEndpoint(t *testing.T) {
	p := validPayload()
	p.Version = Version
	p.LocalURL = ""
	p.RelayURL = ""
	data, _ := json.Marshal(p)
	if _, err := Decode(data); err == nil {
		t.Error("payload with no endpoint should be rejected")
	}

	p.RelayURL = "https://abc.loca.lt"
	data, _ = json.Marshal(p)
	if _, err := Decode(data); err != nil {
		t.Errorf("relay-only payload should pass: %v", err)
	}
}
