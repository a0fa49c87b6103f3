package manager

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-provider-manager/services/providers"
	"go.uber.org/zap"
)

// Stream is a chat completion stream bound to one provider. Callers read
// chunks with Next until io.EOF and must call Close when they stop early.
type Stream struct {
	m         *Manager
	ctx       context.Context
	state     *providers.AdapterState
	inner     providers.ChatStream
	requestID string
	start     time.Time

	closing atomic.Bool

	mu      sync.Mutex
	pending *providers.StreamChunk
	eof     bool
	err     error
	tokens  int
	cost    float64

	finishOnce sync.Once
}

// StreamChat opens a streaming chat completion. Failover only happens while
// opening: once the first chunk is available the stream is bound to its
// provider and a later failure ends the stream with that error.
func (m *Manager) StreamChat(ctx context.Context, req *providers.ChatRequest) (*Stream, error) {
	if m.closed.Load() {
		return nil, providers.ErrManagerClosed
	}
	requestID := uuid.NewString()

	if !m.config.EnableFailover {
		state, err := m.registry.Active()
		if err != nil {
			return nil, err
		}
		return m.openStream(ctx, requestID, state, req)
	}

	var stream *Stream
	err := m.withFailover(ctx, requestID, func(state *providers.AdapterState) error {
		s, err := m.openStream(ctx, requestID, state, req)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// openStream starts a stream and reads ahead the first chunk so that a
// provider failing before emitting anything can still be failed over.
func (m *Manager) openStream(ctx context.Context, requestID string, state *providers.AdapterState, req *providers.ChatRequest) (*Stream, error) {
	state.Acquire()

	s := &Stream{
		m:         m,
		ctx:       ctx,
		state:     state,
		requestID: requestID,
		start:     time.Now(),
	}

	inner, err := state.Provider().ChatCompletionStream(ctx, req)
	if err == nil && inner == nil {
		err = errors.New("provider returned an empty stream")
	}
	if err != nil {
		s.finish(err)
		return nil, err
	}
	s.inner = inner

	first, err := inner.Next()
	switch {
	case errors.Is(err, io.EOF):
		s.eof = true
	case err != nil:
		_ = inner.Close()
		s.finish(err)
		return nil, err
	default:
		s.pending = first
	}

	m.logger.Debug("stream opened",
		zap.String("request_id", requestID),
		zap.String("provider", state.ID()))
	return s, nil
}

// Provider returns the identifier of the provider serving the stream
func (s *Stream) Provider() string {
	return s.state.ID()
}

// RequestID returns the identifier assigned to the request
func (s *Stream) RequestID() string {
	return s.requestID
}

// Next returns the next chunk, or io.EOF once the stream is complete
func (s *Stream) Next() (*providers.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	if s.pending != nil {
		chunk := s.pending
		s.pending = nil
		s.account(chunk)
		return chunk, nil
	}

	if s.eof {
		s.end(io.EOF, nil)
		return nil, io.EOF
	}

	chunk, err := s.inner.Next()
	if errors.Is(err, io.EOF) || (err != nil && s.closing.Load()) {
		s.end(io.EOF, nil)
		return nil, io.EOF
	}
	if err != nil {
		s.end(err, err)
		return nil, err
	}

	s.account(chunk)
	return chunk, nil
}

// Close releases the stream. It is safe to call more than once, after the
// stream ended, and from another goroutine while Next is blocked: the
// provider stream is closed first so the pending Next returns io.EOF.
func (s *Stream) Close() error {
	s.closing.Store(true)
	if s.inner != nil {
		_ = s.inner.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.end(io.EOF, nil)
	}
	return nil
}

// end must be called with s.mu held
func (s *Stream) end(terminal, failure error) {
	s.err = terminal
	if s.inner != nil {
		_ = s.inner.Close()
	}
	s.finish(failure)
}

func (s *Stream) account(chunk *providers.StreamChunk) {
	if chunk == nil {
		return
	}
	if chunk.Usage != nil {
		s.tokens = chunk.Usage.TotalTokens
	}
	if chunk.Cost > 0 {
		s.cost = chunk.Cost
	}
}

// finish releases the connection slot and records the outcome exactly once
func (s *Stream) finish(failure error) {
	s.finishOnce.Do(func() {
		s.state.Release()
		s.state.RecordOutcome(providers.Outcome{
			Latency: time.Since(s.start),
			Tokens:  s.tokens,
			Cost:    s.cost,
			Success: failure == nil,
			At:      time.Now(),
		})
		if failure != nil {
			s.m.recordFailure(s.ctx, s.requestID, s.state, failure)
		}
	})
}
