// Package push delivers notifications to paired devices through an
// ntfy-style HTTP topic per device token.
package push

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/codeleash/codeleash/internal/logger"
)

// Notification is one message bound for a device.
type Notification struct {
	Title    string
	Body     string
	Priority string // "low", "default", "high"
	Tags     string
	ClickURL string
}

// Sink delivers notifications; the HTTP sink is the production one and
// tests swap in a recorder.
type Sink interface {
	Send(ctx context.Context, topic string, n Notification) error
}

// HTTPSink posts to {base}/{topic} with ntfy header conventions.
type HTTPSink struct {
	base   string // e.g. https://ntfy.sh
	token  string // optional bearer for reserved topics
	client *http.Client
}

func NewHTTPSink(base, token string) *HTTPSink {
	if base == "" {
		base = "https://ntfy.sh"
	}
	return &HTTPSink{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSink) Send(ctx context.Context, topic string, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/"+topic, bytes.NewBufferString(n.Body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Title", n.Title)
	if n.Priority != "" {
		req.Header.Set("Priority", n.Priority)
	}
	if n.Tags != "" {
		req.Header.Set("Tags", n.Tags)
	}
	if n.ClickURL != "" {
		req.Header.Set("Click", n.ClickURL)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warn("push send failed", "topic", topic, "error", err)
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("push: HTTP %d", resp.StatusCode)
		logger.Warn("push rejected", "topic", topic, "status", resp.StatusCode)
		return err
	}
	return nil
}
