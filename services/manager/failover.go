package manager

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-provider-manager/services/events"
	"github.com/upb/llm-provider-manager/services/providers"
	"go.uber.org/zap"
)

// Chat sends a chat completion request. With failover enabled the request is
// load balanced across eligible providers and retried on alternates, up to
// MaxRetries distinct providers. Without failover it goes to the active
// provider and its error is returned unchanged.
func (m *Manager) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if m.closed.Load() {
		return nil, providers.ErrManagerClosed
	}
	requestID := uuid.NewString()

	if !m.config.EnableFailover {
		state, err := m.registry.Active()
		if err != nil {
			return nil, err
		}
		return m.dispatch(ctx, requestID, state, req)
	}

	var result *providers.ChatResponse
	err := m.withFailover(ctx, requestID, func(state *providers.AdapterState) error {
		resp, err := m.dispatch(ctx, requestID, state, req)
		if err != nil {
			return err
		}
		result = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// withFailover runs attempt against up to MaxRetries distinct eligible
// providers until one succeeds. Providers already tried are excluded even
// when their failure did not mark them unhealthy.
func (m *Manager) withFailover(ctx context.Context, requestID string, attempt func(*providers.AdapterState) error) error {
	tried := make(map[string]struct{}, m.config.MaxRetries)
	attempts := make([]string, 0, m.config.MaxRetries)
	var lastErr error

	for i := 0; i < m.config.MaxRetries; i++ {
		state, err := m.balancer.Select(m.registry.Eligible(tried))
		if err != nil {
			break
		}
		tried[state.ID()] = struct{}{}
		attempts = append(attempts, state.ID())

		err = attempt(state)
		if err == nil {
			if i > 0 {
				m.logger.Info("request succeeded after failover",
					zap.String("request_id", requestID),
					zap.String("provider", state.ID()),
					zap.Strings("attempts", attempts))
			}
			return nil
		}
		lastErr = err

		if callerCancelled(ctx, err) {
			return err
		}

		m.logger.Warn("provider attempt failed",
			zap.String("request_id", requestID),
			zap.String("provider", state.ID()),
			zap.Int("attempt", i+1),
			zap.Bool("retryable", providers.IsRetryable(err)),
			zap.Error(err))
	}

	if len(attempts) == 0 {
		return providers.ErrNoAvailableProviders
	}

	m.logger.Error("all providers failed",
		zap.String("request_id", requestID),
		zap.Strings("attempts", attempts),
		zap.Error(lastErr))
	return &providers.AllProvidersFailedError{Attempts: attempts, Cause: lastErr}
}

// dispatch performs one call against state and records its outcome.
// ChatResponse.Provider is the only field it may write, and only when the
// adapter left it empty; the rest of the response passes through untouched.
func (m *Manager) dispatch(ctx context.Context, requestID string, state *providers.AdapterState, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	state.Acquire()
	defer state.Release()

	start := time.Now()
	resp, err := state.Provider().ChatCompletion(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("provider returned an empty response")
	}

	outcome := providers.Outcome{
		Latency: time.Since(start),
		Success: err == nil,
		At:      time.Now(),
	}
	if resp != nil {
		outcome.Tokens = resp.Usage.TotalTokens
		outcome.Cost = resp.Cost
	}
	state.RecordOutcome(outcome)

	if err != nil {
		m.recordFailure(ctx, requestID, state, err)
		return nil, err
	}

	if resp.Provider == "" {
		resp.Provider = state.ID()
	}
	m.logger.Debug("chat completion served",
		zap.String("request_id", requestID),
		zap.String("provider", state.ID()),
		zap.Duration("latency", outcome.Latency),
		zap.Int("tokens", outcome.Tokens))
	return resp, nil
}

// recordFailure updates health state after a failed call. A call aborted by
// the caller's own context says nothing about the provider and leaves its
// health untouched.
func (m *Manager) recordFailure(ctx context.Context, requestID string, state *providers.AdapterState, err error) {
	if callerCancelled(ctx, err) {
		m.logger.Debug("request cancelled by caller",
			zap.String("request_id", requestID),
			zap.String("provider", state.ID()),
			zap.Error(err))
		return
	}

	wasHealthy := true
	if errors.Is(err, providers.ErrInvalidCredentials) {
		state.Deactivate(err)
		m.logger.Error("provider rejected credentials, deactivated",
			zap.String("request_id", requestID),
			zap.String("provider", state.ID()))
	} else {
		wasHealthy = state.MarkFailed(err)
	}

	m.logger.Warn("provider call failed",
		zap.String("request_id", requestID),
		zap.String("provider", state.ID()),
		zap.Error(err))
	m.publish(events.Event{Kind: events.ProviderFailed, Provider: state.ID(), RequestID: requestID, Err: err})
	if wasHealthy {
		m.publish(events.Event{Kind: events.ProviderUnhealthy, Provider: state.ID(), RequestID: requestID, Err: err})
	}
}

func callerCancelled(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Embed computes embeddings on the active provider, or on the first eligible
// provider declaring the capability when none is active
func (m *Manager) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	var resp *providers.EmbeddingResponse
	err := m.invokeCapability(ctx, providers.CapabilityEmbedding, func(state *providers.AdapterState) (int, error) {
		r, err := providers.Embed(ctx, state.Provider(), req)
		if err != nil {
			return 0, err
		}
		resp = r
		return r.Usage.TotalTokens, nil
	})
	return resp, err
}

// AnalyzeImage runs image analysis on a provider declaring the capability
func (m *Manager) AnalyzeImage(ctx context.Context, req *providers.ImageAnalysisRequest) (*providers.ChatResponse, error) {
	var resp *providers.ChatResponse
	err := m.invokeCapability(ctx, providers.CapabilityImageAnalysis, func(state *providers.AdapterState) (int, error) {
		r, err := providers.AnalyzeImage(ctx, state.Provider(), req)
		if err != nil {
			return 0, err
		}
		resp = r
		return r.Usage.TotalTokens, nil
	})
	return resp, err
}

// SynthesizeSpeech renders audio on a provider declaring the capability
func (m *Manager) SynthesizeSpeech(ctx context.Context, req *providers.SpeechRequest) ([]byte, error) {
	var audio []byte
	err := m.invokeCapability(ctx, providers.CapabilitySpeechSynthesis, func(state *providers.AdapterState) (int, error) {
		b, err := providers.SynthesizeSpeech(ctx, state.Provider(), req)
		if err != nil {
			return 0, err
		}
		audio = b
		return 0, nil
	})
	return audio, err
}

func (m *Manager) invokeCapability(ctx context.Context, capability providers.Capability, call func(*providers.AdapterState) (int, error)) error {
	if m.closed.Load() {
		return providers.ErrManagerClosed
	}

	state, err := m.capabilityTarget(capability)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	state.Acquire()
	defer state.Release()

	start := time.Now()
	tokens, err := call(state)
	state.RecordOutcome(providers.Outcome{
		Latency: time.Since(start),
		Tokens:  tokens,
		Success: err == nil,
		At:      time.Now(),
	})
	if err != nil {
		if !errors.Is(err, providers.ErrNotSupported) {
			m.recordFailure(ctx, requestID, state, err)
		}
		return err
	}
	return nil
}

func (m *Manager) capabilityTarget(capability providers.Capability) (*providers.AdapterState, error) {
	if active, err := m.registry.Active(); err == nil {
		if !active.Provider().Capabilities().Supports(capability) {
			return nil, providers.NotSupportedError(active.ID(), capability)
		}
		return active, nil
	}

	eligible := m.registry.Eligible(nil)
	if len(eligible) == 0 {
		return nil, providers.ErrNoAvailableProviders
	}

	candidates := make([]*providers.AdapterState, 0, len(eligible))
	for _, state := range eligible {
		if state.Provider().Capabilities().Supports(capability) {
			candidates = append(candidates, state)
		}
	}
	if len(candidates) == 0 {
		return nil, providers.NotSupportedError("any available provider", capability)
	}
	return m.balancer.Select(candidates)
}
