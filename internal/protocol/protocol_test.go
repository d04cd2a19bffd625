package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []Envelope{}

	cmd, err := NewCommand(CategoryFile, "list", map[string]string{"path": "src"})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	cases = append(cases, cmd)

	resp, err := NewResponse(cmd.ID, map[string]any{"entries": []string{"a.go"}})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	cases = append(cases, resp)

	cases = append(cases, NewError(cmd.ID, CodeHandlerError, "boom"))

	ev, err := NewEvent("streamStart", map[string]string{"streamId": "s1"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	cases = append(cases, ev)

	for _, want := range cases {
		buf, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%s): %v", want.Type, err)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%s): %v", want.Type, err)
		}
		if got.ID != want.ID || got.Type != want.Type || got.Timestamp != want.Timestamp {
			t.Errorf("%s: header mismatch: got %+v want %+v", want.Type, got, want)
		}
		if got.Category != want.Category || got.Action != want.Action {
			t.Errorf("%s: command fields mismatch", want.Type)
		}
		if got.CommandID != want.CommandID || got.Code != want.Code || got.EventType != want.EventType {
			t.Errorf("%s: routing fields mismatch", want.Type)
		}
		if string(got.Payload) != string(want.Payload) || string(got.Data) != string(want.Data) {
			t.Errorf("%s: body mismatch: %s vs %s", want.Type, got.Data, want.Data)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	bad := []string{
		`not json`,
		`{"id":"1","timestamp":1,"type":"bogus"}`,
		`{"id":"1","timestamp":1,"type":"command","action":"list"}`,           // no category
		`{"id":"1","timestamp":1,"type":"response"}`,                          // no commandId
		`{"id":"1","timestamp":1,"type":"event"}`,                             // no eventType
		`{"timestamp":1,"type":"command","category":"file","action":"list"}`,  // no id
	}
	for _, s := range bad {
		if _, err := Decode([]byte(s)); err == nil {
			t.Errorf("Decode(%q) should fail", s)
		}
	}
}

func TestInflightResolveOnce(t *testing.T) {
	tbl := NewInflightTable()
	ch := tbl.Register("c1", time.Minute)

	tbl.Resolve("c1", json.RawMessage(`{"ok":true}`))
	tbl.Resolve("c1", json.RawMessage(`{"ok":false}`)) // dropped
	tbl.Fail("c1", CodeTimeout, "late")                // dropped

	r := <-ch
	if r.Err != nil {
		t.Fatalf("unexpected error: %v", r.Err)
	}
	if string(r.Data) != `{"ok":true}` {
		t.Errorf("data = %s", r.Data)
	}

	select {
	case r2 := <-ch:
		t.Errorf("second resolution delivered: %+v", r2)
	default:
	}
	if tbl.Len() != 0 {
		t.Errorf("table should be empty, has %d", tbl.Len())
	}
}

func TestInflightTimeout(t *testing.T) {
	tbl := NewInflightTable()
	ch := tbl.Register("c1", 20*time.Millisecond)

	select {
	case r := <-ch:
		if r.Err == nil || r.Err.Code != CodeTimeout {
			t.Errorf("expected TIMEOUT, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestInflightImmediateDeadlineStillResolves(t *testing.T) {
	// A deadline that fires at once must land on the registered entry,
	// not race past a not-yet-inserted one and leak it.
	tbl := NewInflightTable()
	for i := 0; i < 50; i++ {
		ch := tbl.Register("c1", time.Nanosecond)
		select {
		case r := <-ch:
			if r.Err == nil || r.Err.Code != CodeTimeout {
				t.Fatalf("expected TIMEOUT, got %+v", r)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("immediate deadline never resolved the entry")
		}
	}
	if tbl.Len() != 0 {
		t.Errorf("table should be empty, has %d", tbl.Len())
	}
}

func TestInflightFailAll(t *testing.T) {
	tbl := NewInflightTable()
	ch1 := tbl.Register("c1", time.Minute)
	ch2 := tbl.Register("c2", time.Minute)

	tbl.FailAll(CodeConnectionClosed, "connection closed")

	for _, ch := range []<-chan Result{ch1, ch2} {
		r := <-ch
		if r.Err == nil || r.Err.Code != CodeConnectionClosed {
			t.Errorf("expected CONNECTION_CLOSED, got %+v", r)
		}
	}
	if tbl.Len() != 0 {
		t.Errorf("table should be empty")
	}
}
