package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Backend is one chat integration reachable from the editor host.
type Backend interface {
	Name() string
	Health() error
	Run(ctx context.Context, prompt string) (*Stream, error)
}

// Probe returns the backends whose CLIs respond on this host, in
// preference order.
func Probe() []Backend {
	candidates := []Backend{
		&claudeBackend{},
		&codexBackend{},
		&geminiBackend{},
	}
	var available []Backend
	for _, b := range candidates {
		if err := b.Health(); err == nil {
			available = append(available, b)
		}
	}
	return available
}

type claudeBackend struct{}

func (c *claudeBackend) Name() string { return "claude" }

func (c *claudeBackend) Health() error {
	if err := exec.Command("claude", "--version").Run(); err != nil {
		return fmt.Errorf("claude health check failed: %w", err)
	}
	return nil
}

func (c *claudeBackend) Run(ctx context.Context, prompt string) (*Stream, error) {
	cmd := exec.CommandContext(ctx, "claude", "-p", prompt, "--output-format", "stream-json", "--verbose")
	return runStreamJSON(ctx, cmd, parseClaudeLine)
}

type codexBackend struct{}

func (c *codexBackend) Name() string { return "codex" }

func (c *codexBackend) Health() error {
	if err := exec.Command("codex", "--version").Run(); err != nil {
		return fmt.Errorf("codex health check failed: %w", err)
	}
	return nil
}

func (c *codexBackend) Run(ctx context.Context, prompt string) (*Stream, error) {
	cmd := exec.CommandContext(ctx, "codex", "exec", "--json", prompt)
	return runStreamJSON(ctx, cmd, parseCodexLine)
}

type geminiBackend struct{}

func (g *geminiBackend) Name() string { return "gemini" }

func (g *geminiBackend) Health() error {
	if err := exec.Command("gemini", "--version").Run(); err != nil {
		return fmt.Errorf("gemini health check failed: %w", err)
	}
	return nil
}

func (g *geminiBackend) Run(ctx context.Context, prompt string) (*Stream, error) {
	// Gemini's CLI prints plain text; stream it line by line.
	cmd := exec.CommandContext(ctx, "gemini", "-p", prompt)
	return runStreamJSON(ctx, cmd, func(line string) (string, bool) {
		return line + "\n", true
	})
}

// runStreamJSON starts cmd and converts its stdout lines into stream
// chunks using parse. The stream closes with the process error, if any.
func runStreamJSON(ctx context.Context, cmd *exec.Cmd, parse func(string) (string, bool)) (*Stream, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	stream := newStream(ctx)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			if text, ok := parse(scanner.Text()); ok && text != "" {
				stream.send(Chunk{Text: text})
			}
		}
		err := cmd.Wait()
		if scanErr := scanner.Err(); scanErr != nil && err == nil {
			err = scanErr
		}
		stream.close(err)
	}()
	return stream, nil
}

type claudeStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
}

func parseClaudeLine(line string) (string, bool) {
	var ev claudeStreamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return "", false
	}
	switch {
	case ev.Delta != nil && ev.Delta.Type == "text_delta":
		return ev.Delta.Text, true
	case ev.Type == "assistant" && ev.Message != nil:
		var text string
		for _, block := range ev.Message.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		return text, text != ""
	}
	return "", false
}

type codexStreamEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Msg  *struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
	} `json:"msg,omitempty"`
}

func parseCodexLine(line string) (string, bool) {
	var ev codexStreamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return "", false
	}
	if ev.Msg != nil && ev.Msg.Type == "agent_message_delta" {
		return ev.Msg.Delta, true
	}
	if ev.Type == "item.completed" && ev.Text != "" {
		return ev.Text, true
	}
	return "", false
}
