package tunnel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeProvider implements the lease endpoint plus a TCP side that
// feeds one request line into the tunnel and reads the reply.
type fakeProvider struct {
	ts       *httptest.Server
	tcp      net.Listener
	leaseURL string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	tcp, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &fakeProvider{tcp: tcp, leaseURL: "https://abc.tunnel.test"}
	p.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "new" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":             "abc",
			"url":            p.leaseURL,
			"port":           tcp.Addr().(*net.TCPAddr).Port,
			"max_conn_count": 2,
		})
	}))
	t.Cleanup(func() {
		p.ts.Close()
		tcp.Close()
	})
	return p
}

// echoLocal runs a line-echo TCP server standing in for the relay.
func echoLocal(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					fmt.Fprintf(conn, "echo:%s", line)
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) observe(state State, url string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *stateLog) has(want State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.states {
		if s == want {
			return true
		}
	}
	return false
}

func TestConnectPublishesURL(t *testing.T) {
	provider := newFakeProvider(t)
	localPort := echoLocal(t)

	log := &stateLog{}
	sup := New(provider.ts.URL, log.observe)
	defer sup.Disconnect()

	if err := sup.Connect(localPort); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sup.State() != StateConnected {
		t.Errorf("state = %s", sup.State())
	}
	if sup.URL() != provider.leaseURL {
		t.Errorf("url = %q, want %q", sup.URL(), provider.leaseURL)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !log.has(StateConnecting) || !log.has(StateConnected) {
		if time.Now().After(deadline) {
			t.Fatalf("observer states = %v", log.states)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTrafficFlowsThroughTunnel(t *testing.T) {
	provider := newFakeProvider(t)
	localPort := echoLocal(t)

	sup := New(provider.ts.URL, nil)
	defer sup.Disconnect()
	if err := sup.Connect(localPort); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The supervisor dials the provider's TCP side; accept one of its
	// pool connections and talk through it.
	provider.tcp.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	conn, err := provider.tcp.Accept()
	if err != nil {
		t.Fatalf("accept pool connection: %v", err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "echo:hello" {
		t.Errorf("line = %q", line)
	}
}

func TestDoubleConnectRejected(t *testing.T) {
	provider := newFakeProvider(t)
	localPort := echoLocal(t)

	sup := New(provider.ts.URL, nil)
	defer sup.Disconnect()
	if err := sup.Connect(localPort); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sup.Connect(localPort); err == nil {
		t.Error("second Connect should fail while connected")
	}
}

func TestDisconnectClearsState(t *testing.T) {
	provider := newFakeProvider(t)
	localPort := echoLocal(t)

	sup := New(provider.ts.URL, nil)
	if err := sup.Connect(localPort); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sup.Disconnect()
	if sup.State() != StateDisconnected || sup.URL() != "" {
		t.Errorf("state = %s url = %q", sup.State(), sup.URL())
	}

	// Reconnect after an explicit disconnect is allowed.
	if err := sup.Connect(localPort); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	sup.Disconnect()
}

func TestProviderFailureYieldsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	sup := New(ts.URL, nil)
	if err := sup.Connect(12345); err == nil {
		t.Fatal("Connect should fail")
	}
	if sup.State() != StateError {
		t.Errorf("state = %s", sup.State())
	}
}
