// Package providertest provides scriptable providers for tests.
package providertest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/llm-provider-manager/services/providers"
)

// Fake is a scriptable providers.Provider. Unset hooks fall back to
// successful defaults.
type Fake struct {
	name string

	InitFunc   func(config providers.ProviderConfig) error
	ChatFunc   func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
	StreamFunc func(ctx context.Context, req *providers.ChatRequest) (providers.ChatStream, error)
	HealthFunc func(ctx context.Context) (*providers.HealthResult, error)
	Caps       providers.Capabilities

	chatCalls   atomic.Int64
	streamCalls atomic.Int64
	healthCalls atomic.Int64
	usage       *providers.UsageTracker

	mu     sync.Mutex
	config providers.ProviderConfig
}

// New creates a fake that answers every call successfully
func New(name string) *Fake {
	return &Fake{
		name:  name,
		usage: providers.NewUsageTracker(),
		Caps:  providers.Capabilities{Streaming: true},
	}
}

// Failing creates a fake whose chat calls always return err
func Failing(name string, err error) *Fake {
	f := New(name)
	f.ChatFunc = func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, err
	}
	f.StreamFunc = func(context.Context, *providers.ChatRequest) (providers.ChatStream, error) {
		return nil, err
	}
	return f
}

// Builder returns a ProviderBuilder that always yields f
func Builder(f *Fake) providers.ProviderBuilder {
	return func(providers.ProviderConfig) (providers.Provider, error) {
		return f, nil
	}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Initialize(_ context.Context, config providers.ProviderConfig) error {
	if f.InitFunc != nil {
		if err := f.InitFunc(config); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.config = config
	f.mu.Unlock()
	return nil
}

func (f *Fake) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	f.chatCalls.Add(1)
	start := time.Now()

	var (
		resp *providers.ChatResponse
		err  error
	)
	if f.ChatFunc != nil {
		resp, err = f.ChatFunc(ctx, req)
	} else {
		resp = Response(f.name, "ok", 10)
	}

	outcome := providers.Outcome{Latency: time.Since(start), Success: err == nil}
	if resp != nil {
		outcome.Tokens = resp.Usage.TotalTokens
		outcome.Cost = resp.Cost
	}
	f.usage.Record(outcome)
	return resp, err
}

func (f *Fake) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest) (providers.ChatStream, error) {
	f.streamCalls.Add(1)
	if f.StreamFunc != nil {
		return f.StreamFunc(ctx, req)
	}
	return NewStream([]*providers.StreamChunk{{Delta: "ok"}}, nil), nil
}

func (f *Fake) CheckHealth(ctx context.Context) (*providers.HealthResult, error) {
	f.healthCalls.Add(1)
	if f.HealthFunc != nil {
		return f.HealthFunc(ctx)
	}
	return &providers.HealthResult{Status: providers.HealthStateHealthy}, nil
}

func (f *Fake) GetUsage() providers.UsageStats {
	return f.usage.Stats()
}

func (f *Fake) Capabilities() providers.Capabilities {
	return f.Caps
}

// Config returns the configuration passed to Initialize
func (f *Fake) Config() providers.ProviderConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

// ChatCalls returns how many times ChatCompletion ran
func (f *Fake) ChatCalls() int64 { return f.chatCalls.Load() }

// StreamCalls returns how many times ChatCompletionStream ran
func (f *Fake) StreamCalls() int64 { return f.streamCalls.Load() }

// HealthCalls returns how many times CheckHealth ran
func (f *Fake) HealthCalls() int64 { return f.healthCalls.Load() }

// Response builds a one-choice response
func Response(provider, content string, tokens int) *providers.ChatResponse {
	return &providers.ChatResponse{
		ID:       "resp-" + provider,
		Provider: provider,
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage:   providers.Usage{TotalTokens: tokens},
		Created: time.Now(),
	}
}

// Stream replays a fixed list of chunks, then returns Err (io.EOF when nil)
type Stream struct {
	chunks []*providers.StreamChunk
	Err    error

	mu     sync.Mutex
	pos    int
	closed bool
}

// NewStream creates a stream over chunks ending with err, or io.EOF when err is nil
func NewStream(chunks []*providers.StreamChunk, err error) *Stream {
	return &Stream{chunks: chunks, Err: err}
}

func (s *Stream) Next() (*providers.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.EOF
	}
	if s.pos < len(s.chunks) {
		chunk := s.chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// Closed reports whether Close was called
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
