package openai

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/llm-provider-manager/services/providers"
)

const maxEventSize = 1 << 20

// sseStream decodes "data:" lines of a chat completions event stream
type sseStream struct {
	adapter *Adapter
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string
	start   time.Time

	closing atomic.Bool

	mu     sync.Mutex
	done   bool
	err    error
	usage  providers.Usage
	once   sync.Once
	closer sync.Once
}

func newSSEStream(a *Adapter, body io.ReadCloser, model string, start time.Time) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	return &sseStream{
		adapter: a,
		body:    body,
		scanner: scanner,
		model:   model,
		start:   start,
	}
}

// Next returns the next chunk carrying content, a finish reason or usage
func (s *sseStream) Next() (*providers.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.end(nil)
			return nil, io.EOF
		}

		var event streamResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			provErr := providers.NewProviderError(s.adapter.name, "STREAM_DECODE_ERROR", "failed to decode stream event", 0, false, err)
			s.end(provErr)
			return nil, provErr
		}

		if chunk := s.convert(&event); chunk != nil {
			return chunk, nil
		}
	}

	if s.closing.Load() {
		s.end(nil)
		return nil, io.EOF
	}

	if err := s.scanner.Err(); err != nil {
		provErr := providers.NewProviderError(s.adapter.name, "STREAM_READ_ERROR", "stream interrupted", 0, true, err)
		s.end(provErr)
		return nil, provErr
	}

	s.end(nil)
	return nil, io.EOF
}

// Close stops reading and releases the connection. The body is closed before
// taking the lock so a Next blocked on the network returns io.EOF.
func (s *sseStream) Close() error {
	s.closing.Store(true)
	s.closer.Do(func() { _ = s.body.Close() })

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.done {
		s.end(nil)
	}
	return nil
}

// convert returns nil for events with nothing to report (e.g. a role-only delta)
func (s *sseStream) convert(event *streamResponse) *providers.StreamChunk {
	chunk := &providers.StreamChunk{
		ID:    event.ID,
		Model: event.Model,
	}
	if chunk.Model == "" {
		chunk.Model = s.model
	}

	if len(event.Choices) > 0 {
		chunk.Delta = event.Choices[0].Delta.Content
		if fr := event.Choices[0].FinishReason; fr != nil {
			chunk.FinishReason = *fr
		}
	}

	if event.Usage != nil {
		usage := providers.Usage(*event.Usage)
		s.usage = usage
		chunk.Usage = &usage
		chunk.Cost = cost(chunk.Model, usage)
	}

	if chunk.Delta == "" && chunk.FinishReason == "" && chunk.Usage == nil {
		return nil
	}
	return chunk
}

// end must be called with s.mu held
func (s *sseStream) end(err error) {
	s.done = true
	s.err = err
	s.closer.Do(func() { _ = s.body.Close() })

	s.once.Do(func() {
		s.adapter.usage.Record(providers.Outcome{
			Latency: time.Since(s.start),
			Tokens:  s.usage.TotalTokens,
			Cost:    cost(s.model, s.usage),
			Success: err == nil,
			At:      time.Now(),
		})
	})
}
