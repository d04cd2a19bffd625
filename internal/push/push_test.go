package push

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendSetsHeadersAndBody(t *testing.T) {
	var got *http.Request
	var body string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer ts.Close()

	s := NewHTTPSink(ts.URL, "secret")
	err := s.Send(context.Background(), "device-abc", Notification{
		Title:    "build finished",
		Body:     "all tests passed",
		Priority: "high",
		Tags:     "white_check_mark",
		ClickURL: "https://example.test/run/1",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.URL.Path != "/device-abc" {
		t.Errorf("path = %q", got.URL.Path)
	}
	if body != "all tests passed" {
		t.Errorf("body = %q", body)
	}
	if got.Header.Get("Title") != "build finished" || got.Header.Get("Priority") != "high" {
		t.Errorf("headers = %v", got.Header)
	}
	if got.Header.Get("Authorization") != "Bearer secret" {
		t.Errorf("auth = %q", got.Header.Get("Authorization"))
	}
	if got.Header.Get("Click") != "https://example.test/run/1" {
		t.Errorf("click = %q", got.Header.Get("Click"))
	}
}

func TestSendSurfacesHTTPErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer ts.Close()

	s := NewHTTPSink(ts.URL, "")
	if err := s.Send(context.Background(), "t", Notification{Title: "x"}); err == nil {
		t.Fatal("expected error on 403")
	}
}
