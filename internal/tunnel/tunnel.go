// Package tunnel supervises a public ingress URL for the embedded
// relay, speaking the localtunnel allocation protocol: an HTTP GET to
// the provider returns an assigned subdomain plus a TCP port, and a
// small pool of raw TCP connections proxies inbound traffic to the
// local relay.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/codeleash/codeleash/internal/logger"
)

// State of the supervisor.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Reconnect policy after an unexpected drop.
const (
	maxReconnects = 3
	backoffBase   = 1 * time.Second
	backoffCap    = 30 * time.Second
)

// Observer is notified on every state change; url is non-empty only
// for StateConnected.
type Observer func(state State, url string)

// lease is the provider's allocation response.
type lease struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
}

// Supervisor owns one tunnel lease at a time.
type Supervisor struct {
	host     string // provider base URL
	client   *http.Client
	observer Observer

	mu        sync.Mutex
	state     State
	url       string
	localPort int
	cancel    context.CancelFunc
	attempts  int
}

func New(host string, observer Observer) *Supervisor {
	if observer == nil {
		observer = func(State, string) {}
	}
	return &Supervisor{
		host:     host,
		client:   &http.Client{Timeout: 15 * time.Second},
		observer: observer,
		state:    StateDisconnected,
	}
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the public ingress URL; empty unless connected.
func (s *Supervisor) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Connect allocates a lease and starts the proxy pool for localPort.
// It returns once the lease is established; the pool runs until
// Disconnect or a fatal provider error.
func (s *Supervisor) Connect(localPort int) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return fmt.Errorf("tunnel already %s", s.state)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.localPort = localPort
	s.attempts = 0
	s.setStateLocked(StateConnecting, "")
	s.mu.Unlock()

	if err := s.establish(ctx); err != nil {
		s.mu.Lock()
		s.setStateLocked(StateError, "")
		s.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect tears the tunnel down and clears pending reconnects.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.setStateLocked(StateDisconnected, "")
}

func (s *Supervisor) setStateLocked(state State, url string) {
	s.state = state
	s.url = url
	go s.observer(state, url)
}

func (s *Supervisor) establish(ctx context.Context) error {
	l, err := s.allocate(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.attempts = 0
	s.setStateLocked(StateConnected, l.URL)
	s.mu.Unlock()
	logger.Info("tunnel connected", "url", l.URL, "remotePort", l.Port)

	go s.runPool(ctx, l)
	return nil
}

// allocate requests a new lease from the provider.
func (s *Supervisor) allocate(ctx context.Context) (*lease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.host+"/?new", nil)
	if err != nil {
		return nil, fmt.Errorf("build lease request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request tunnel lease: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tunnel provider status %d", resp.StatusCode)
	}
	var l lease
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return nil, fmt.Errorf("parse tunnel lease: %w", err)
	}
	if l.URL == "" || l.Port == 0 {
		return nil, fmt.Errorf("tunnel lease incomplete")
	}
	if l.MaxConnCount <= 0 {
		l.MaxConnCount = 4
	}
	return &l, nil
}

// runPool maintains MaxConnCount upstream connections, each proxying
// one inbound stream to the local relay. When the whole pool dies the
// supervisor backs off and re-establishes.
func (s *Supervisor) runPool(ctx context.Context, l *lease) {
	remoteAddr, err := s.remoteAddr(l)
	if err != nil {
		s.fail(ctx, err)
		return
	}

	var wg sync.WaitGroup
	for i := 0; i < l.MaxConnCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.proxyLoop(ctx, remoteAddr)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}
	s.fail(ctx, errors.New("tunnel pool closed"))
}

// remoteAddr derives host:port of the provider's TCP side from the
// provider base URL and the lease.
func (s *Supervisor) remoteAddr(l *lease) (string, error) {
	u, err := url.Parse(s.host)
	if err != nil {
		return "", fmt.Errorf("parse provider host: %w", err)
	}
	return net.JoinHostPort(u.Hostname(), fmt.Sprintf("%d", l.Port)), nil
}

// proxyLoop dials the remote side and splices it to a fresh local
// connection, redialing after each closed stream.
func (s *Supervisor) proxyLoop(ctx context.Context, remoteAddr string) {
	var d net.Dialer
	for ctx.Err() == nil {
		remote, err := d.DialContext(ctx, "tcp", remoteAddr)
		if err != nil {
			return
		}
		local, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", s.localPort))
		if err != nil {
			remote.Close()
			return
		}
		splice(ctx, remote, local)
	}
}

func splice(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	a.Close()
	b.Close()
	<-done
}

// fail applies the reconnect policy: exponential backoff up to
// maxReconnects, then StateError until an explicit Connect.
func (s *Supervisor) fail(ctx context.Context, cause error) {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	if attempt > maxReconnects {
		s.setStateLocked(StateError, "")
		s.mu.Unlock()
		logger.Error("tunnel gave up", "attempts", attempt-1, "error", cause)
		return
	}
	s.setStateLocked(StateConnecting, "")
	s.mu.Unlock()

	delay := backoffBase << (attempt - 1)
	if delay > backoffCap {
		delay = backoffCap
	}
	logger.Warn("tunnel dropped, reconnecting", "attempt", attempt, "delay", delay, "error", cause)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	if err := s.establish(ctx); err != nil {
		s.fail(ctx, err)
	}
}
