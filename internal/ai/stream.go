package ai

import (
	"context"
	"strings"
	"sync"
)

// Chunk is one piece of streamed assistant output.
type Chunk struct {
	Text string
}

// Stream delivers backend output chunks in order. Next blocks until a
// chunk arrives or the stream closes; Err is valid after close.
type Stream struct {
	ctx    context.Context
	ch     chan Chunk
	mu     sync.Mutex
	chunks []Chunk
	err    error
}

func newStream(ctx context.Context) *Stream {
	return &Stream{ctx: ctx, ch: make(chan Chunk, 64)}
}

func (s *Stream) send(c Chunk) {
	select {
	case s.ch <- c:
	case <-s.ctx.Done():
	}
}

func (s *Stream) close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

func (s *Stream) Next() (Chunk, bool) {
	c, ok := <-s.ch
	if ok {
		s.mu.Lock()
		s.chunks = append(s.chunks, c)
		s.mu.Unlock()
	}
	return c, ok
}

// Text returns everything consumed through Next so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, c := range s.chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
