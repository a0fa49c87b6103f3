package manager_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-provider-manager/services/events"
	"github.com/upb/llm-provider-manager/services/manager"
	"github.com/upb/llm-provider-manager/services/providers"
	"github.com/upb/llm-provider-manager/services/providers/providertest"
	"github.com/upb/llm-provider-manager/services/routing"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newManager(t *testing.T, mutate func(*manager.Config)) *manager.Manager {
	t.Helper()

	cfg := manager.DefaultConfig()
	cfg.HealthCheckInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := manager.New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(m.Dispose)
	return m
}

func register(t *testing.T, m *manager.Manager, fakes ...*providertest.Fake) {
	t.Helper()
	for _, f := range fakes {
		require.NoError(t, m.RegisterAdapter(context.Background(), f.Name(), f, providers.ProviderConfig{}))
	}
}

func weight(w float64) *float64 { return &w }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (r *recorder) ofKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []events.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

var chatRequest = &providers.ChatRequest{
	Model:    "gpt-4o-mini",
	Messages: []providers.Message{{Role: "user", Content: "hi"}},
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*manager.Config)
	}{
		{name: "unknown strategy", mutate: func(c *manager.Config) { c.LoadBalanceStrategy = "cheapest" }},
		{name: "zero retries", mutate: func(c *manager.Config) { c.MaxRetries = 0 }},
		{name: "negative interval", mutate: func(c *manager.Config) { c.HealthCheckInterval = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := manager.DefaultConfig()
			tt.mutate(&cfg)

			m, err := manager.New(cfg, nil, nil)
			assert.Error(t, err)
			assert.Nil(t, m)
		})
	}
}

func TestRegisterProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("builds through the factory and activates the default", func(t *testing.T) {
		fake := providertest.New("openai")
		factory := providers.NewFactory().WithBuilder("openai", providertest.Builder(fake))

		cfg := manager.DefaultConfig()
		cfg.HealthCheckInterval = 0
		cfg.DefaultProviderID = "openai"
		m, err := manager.New(cfg, factory, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer m.Dispose()

		rec := &recorder{}
		m.Subscribe(rec.handle)

		require.NoError(t, m.RegisterProvider(ctx, "openai", providers.ProviderConfig{APIKey: "sk-test"}))

		assert.Equal(t, "openai", m.ActiveProvider())
		assert.Equal(t, "sk-test", fake.Config().APIKey)
		assert.Equal(t, []events.Kind{events.ProviderRegistered, events.ActiveProviderChanged}, rec.kinds())
	})

	t.Run("type selects the builder", func(t *testing.T) {
		fake := providertest.New("groq")
		factory := providers.NewFactory().WithBuilder("openai_compatible", providertest.Builder(fake))

		cfg := manager.DefaultConfig()
		cfg.HealthCheckInterval = 0
		m, err := manager.New(cfg, factory, nil)
		require.NoError(t, err)
		defer m.Dispose()

		require.NoError(t, m.RegisterProvider(ctx, "groq", providers.ProviderConfig{Type: "openai_compatible"}))
		assert.Equal(t, []string{"groq"}, m.GetAvailableProviders())
		assert.Empty(t, m.ActiveProvider(), "active is only set for the configured default")
	})

	t.Run("unknown type", func(t *testing.T) {
		m := newManager(t, nil)
		rec := &recorder{}
		m.Subscribe(rec.handle)

		err := m.RegisterProvider(ctx, "acme", providers.ProviderConfig{})
		assert.ErrorIs(t, err, providers.ErrUnknownProviderType)
		assert.Equal(t, []events.Kind{events.ProviderRegistrationFailed}, rec.kinds())
		assert.Empty(t, m.GetAllProviderStatus())
	})

	t.Run("invalid credentials", func(t *testing.T) {
		m := newManager(t, nil)
		fake := providertest.New("openai")
		fake.InitFunc = func(providers.ProviderConfig) error { return providers.ErrInvalidCredentials }

		err := m.RegisterAdapter(ctx, "openai", fake, providers.ProviderConfig{})
		assert.ErrorIs(t, err, providers.ErrInvalidCredentials)
		assert.Empty(t, m.GetAllProviderStatus())
	})

	t.Run("invalid api base", func(t *testing.T) {
		m := newManager(t, nil)

		err := m.RegisterProvider(ctx, "openai", providers.ProviderConfig{APIBase: "not a url"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "api_base")
	})

	t.Run("re-registering replaces the entry", func(t *testing.T) {
		m := newManager(t, nil)
		first := providertest.New("openai")
		second := providertest.New("openai")
		register(t, m, first)
		register(t, m, second)

		_, err := m.Chat(ctx, chatRequest)
		require.NoError(t, err)

		assert.Equal(t, int64(0), first.ChatCalls())
		assert.Equal(t, int64(1), second.ChatCalls())
		assert.Len(t, m.GetAllProviderStatus(), 1)
	})
}

func TestRegisterAll_ContinuesPastFailures(t *testing.T) {
	good := providertest.New("groq")
	bad := providertest.New("openai")
	bad.InitFunc = func(providers.ProviderConfig) error { return providers.ErrInvalidCredentials }

	factory := providers.NewFactory().
		WithBuilder("groq", providertest.Builder(good)).
		WithBuilder("openai", providertest.Builder(bad))

	cfg := manager.DefaultConfig()
	cfg.HealthCheckInterval = 0
	m, err := manager.New(cfg, factory, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Dispose()

	rec := &recorder{}
	m.Subscribe(rec.handle)

	registered := m.RegisterAll(context.Background(), map[string]providers.ProviderConfig{
		"openai":  {},
		"groq":    {},
		"mistral": {},
	})

	assert.Equal(t, []string{"groq"}, registered)
	failed := rec.ofKind(events.ProviderRegistrationFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, "mistral", failed[0].Provider)
	assert.Equal(t, "openai", failed[1].Provider)
}

func TestGetAvailableProviders_TracksRegistrations(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		register(t, m, providertest.New(id))
	}
	require.NoError(t, m.SetProviderEnabled("b", false))
	require.NoError(t, m.RemoveProvider("c"))

	register(t, m, providertest.Failing("e", errors.New("503")))
	for i := 0; i < 4; i++ {
		_, _ = m.Chat(ctx, chatRequest)
	}

	var expected []string
	for id, status := range m.GetAllProviderStatus() {
		if status.IsActive && status.IsHealthy {
			expected = append(expected, id)
		}
	}
	available := m.GetAvailableProviders()
	sort.Strings(expected)
	sort.Strings(available)

	assert.Equal(t, expected, available)
	assert.NotContains(t, available, "b")
	assert.NotContains(t, available, "c")

	assert.ErrorIs(t, m.RemoveProvider("c"), providers.ErrProviderNotFound)
}

func TestChat_WeightedDistribution(t *testing.T) {
	m := newManager(t, func(c *manager.Config) { c.LoadBalanceStrategy = routing.StrategyWeighted })
	ctx := context.Background()

	require.NoError(t, m.RegisterAdapter(ctx, "x", providertest.New("x"), providers.ProviderConfig{Weight: weight(1)}))
	require.NoError(t, m.RegisterAdapter(ctx, "y", providertest.New("y"), providers.ProviderConfig{Weight: weight(3)}))

	counts := make(map[string]int)
	for i := 0; i < 4000; i++ {
		resp, err := m.Chat(ctx, chatRequest)
		require.NoError(t, err)
		counts[resp.Provider]++
	}

	assert.InDelta(t, 3000, counts["y"], 200)
	assert.Equal(t, 4000, counts["x"]+counts["y"])
}

func TestChat_FailoverToAlternate(t *testing.T) {
	m := newManager(t, nil)
	rec := &recorder{}
	m.Subscribe(rec.handle)

	first := providertest.Failing("first", errors.New("upstream 502"))
	second := providertest.New("second")
	register(t, m, first, second)

	resp, err := m.Chat(context.Background(), chatRequest)
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Provider)

	assert.Equal(t, int64(1), first.ChatCalls())
	assert.Equal(t, int64(1), second.ChatCalls())

	status := m.GetAllProviderStatus()
	assert.False(t, status["first"].IsHealthy)
	assert.Contains(t, status["first"].LastError, "upstream 502")
	assert.True(t, status["second"].IsHealthy)

	failed := rec.ofKind(events.ProviderFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "first", failed[0].Provider)
	assert.NotEmpty(t, failed[0].RequestID)
	assert.Len(t, rec.ofKind(events.ProviderUnhealthy), 1)
}

func TestChat_AttemptLogCarriesRetryability(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := manager.DefaultConfig()
	cfg.HealthCheckInterval = 0
	m, err := manager.New(cfg, nil, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(m.Dispose)

	overloaded := providers.NewProviderError("groq", "HTTP_503", "overloaded", 503, true, nil)
	register(t, m, providertest.Failing("groq", overloaded), providertest.New("openai"))

	resp, err := m.Chat(context.Background(), chatRequest)
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)

	attempts := logs.FilterMessage("provider attempt failed").All()
	require.Len(t, attempts, 1)
	fields := attempts[0].ContextMap()
	assert.Equal(t, "groq", fields["provider"])
	assert.Equal(t, true, fields["retryable"])
}

func TestChat_ResponsePassesThrough(t *testing.T) {
	m := newManager(t, nil)

	named := providertest.Response("vendor-model-router", "hello", 4)
	tagged := providertest.New("tagged")
	tagged.ChatFunc = func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
		return named, nil
	}

	anonymous := providertest.New("anonymous")
	anonymous.ChatFunc = func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
		resp := providertest.Response("", "hi", 2)
		return resp, nil
	}
	register(t, m, tagged, anonymous)

	resp, err := m.Chat(context.Background(), chatRequest)
	require.NoError(t, err)
	assert.Same(t, named, resp)
	assert.Equal(t, "vendor-model-router", resp.Provider)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)

	resp, err = m.Chat(context.Background(), chatRequest)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", resp.Provider)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
}

func TestChat_AllProvidersFailed(t *testing.T) {
	m := newManager(t, func(c *manager.Config) { c.MaxRetries = 2 })

	fakes := []*providertest.Fake{
		providertest.Failing("a", errors.New("a down")),
		providertest.Failing("b", errors.New("b down")),
		providertest.Failing("c", errors.New("c down")),
	}
	register(t, m, fakes...)

	_, err := m.Chat(context.Background(), chatRequest)
	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrAllProvidersFailed)

	var failedErr *providers.AllProvidersFailedError
	require.True(t, errors.As(err, &failedErr))
	require.Len(t, failedErr.Attempts, 2)
	assert.EqualError(t, failedErr.Cause, failedErr.Attempts[1]+" down")

	status := m.GetAllProviderStatus()
	for _, id := range failedErr.Attempts {
		assert.False(t, status[id].IsHealthy, id)
	}

	var calls int64
	for _, f := range fakes {
		calls += f.ChatCalls()
	}
	assert.Equal(t, int64(2), calls)
}

func TestChat_ExhaustsEligibleBeforeRetries(t *testing.T) {
	m := newManager(t, func(c *manager.Config) { c.MaxRetries = 5 })
	register(t, m, providertest.Failing("a", errors.New("down")))

	_, err := m.Chat(context.Background(), chatRequest)

	var failedErr *providers.AllProvidersFailedError
	require.True(t, errors.As(err, &failedErr))
	assert.Equal(t, []string{"a"}, failedErr.Attempts)
}

func TestChat_NoAvailableProviders(t *testing.T) {
	m := newManager(t, nil)

	_, err := m.Chat(context.Background(), chatRequest)
	assert.ErrorIs(t, err, providers.ErrNoAvailableProviders)

	register(t, m, providertest.New("a"))
	require.NoError(t, m.SetProviderEnabled("a", false))

	_, err = m.Chat(context.Background(), chatRequest)
	assert.ErrorIs(t, err, providers.ErrNoAvailableProviders)
}

func TestChat_DirectModeReturnsRawError(t *testing.T) {
	m := newManager(t, func(c *manager.Config) { c.EnableFailover = false })

	raw := errors.New("rate limited")
	failing := providertest.Failing("openai", raw)
	backup := providertest.New("groq")
	register(t, m, failing, backup)
	require.NoError(t, m.SetActiveProvider("openai"))

	_, err := m.Chat(context.Background(), chatRequest)
	assert.Same(t, raw, err)
	assert.NotErrorIs(t, err, providers.ErrAllProvidersFailed)
	assert.Equal(t, int64(0), backup.ChatCalls())

	status := m.GetAllProviderStatus()
	assert.False(t, status["openai"].IsHealthy)
	assert.True(t, status["openai"].IsDefault)
	assert.Equal(t, int64(1), status["openai"].Usage.TotalRequests)
}

func TestChat_DirectModeAfterRemovingActive(t *testing.T) {
	m := newManager(t, func(c *manager.Config) { c.EnableFailover = false })
	rec := &recorder{}
	m.Subscribe(rec.handle)

	register(t, m, providertest.New("openai"), providertest.New("groq"))
	require.NoError(t, m.SetActiveProvider("openai"))

	_, err := m.Chat(context.Background(), chatRequest)
	require.NoError(t, err)

	require.NoError(t, m.RemoveProvider("openai"))
	assert.Empty(t, m.ActiveProvider())

	_, err = m.Chat(context.Background(), chatRequest)
	assert.ErrorIs(t, err, providers.ErrNoActiveProvider)

	changed := rec.ofKind(events.ActiveProviderChanged)
	require.Len(t, changed, 2)
	assert.Equal(t, "openai", changed[0].Provider)
	assert.Empty(t, changed[1].Provider)
}

func TestChat_ActiveConnectionsRestored(t *testing.T) {
	m := newManager(t, func(c *manager.Config) { c.EnableFailover = false })

	release := make(chan struct{})
	started := make(chan struct{})
	fake := providertest.New("openai")
	calls := 0
	fake.ChatFunc = func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
		calls++
		if calls == 1 {
			close(started)
			<-release
			return providertest.Response("openai", "ok", 5), nil
		}
		return nil, errors.New("boom")
	}
	register(t, m, fake)
	require.NoError(t, m.SetActiveProvider("openai"))

	done := make(chan error, 1)
	go func() {
		_, err := m.Chat(context.Background(), chatRequest)
		done <- err
	}()

	<-started
	assert.Equal(t, 1, m.GetAllProviderStatus()["openai"].ActiveConnections)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, m.GetAllProviderStatus()["openai"].ActiveConnections)

	_, err := m.Chat(context.Background(), chatRequest)
	require.Error(t, err)
	assert.Equal(t, 0, m.GetAllProviderStatus()["openai"].ActiveConnections)
}

func TestChat_UsageAggregation(t *testing.T) {
	m := newManager(t, func(c *manager.Config) { c.EnableFailover = false })

	fake := providertest.New("openai")
	fail := false
	fake.ChatFunc = func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
		if fail {
			return nil, errors.New("boom")
		}
		resp := providertest.Response("openai", "ok", 12)
		resp.Cost = 0.5
		return resp, nil
	}
	register(t, m, fake)
	require.NoError(t, m.SetActiveProvider("openai"))

	_, err := m.Chat(context.Background(), chatRequest)
	require.NoError(t, err)
	fail = true
	_, err = m.Chat(context.Background(), chatRequest)
	require.Error(t, err)

	usage := m.GetAllProviderStatus()["openai"].Usage
	assert.Equal(t, int64(2), usage.TotalRequests)
	assert.Equal(t, int64(12), usage.TotalTokens)
	assert.InDelta(t, 0.5, usage.TotalCost, 1e-9)
	assert.InDelta(t, 50.0, usage.SuccessRate, 1e-9)
	assert.NotNil(t, usage.LastRequestTime)
}

func TestChat_InvalidCredentialsDeactivates(t *testing.T) {
	m := newManager(t, nil)

	revoked := providertest.Failing("openai", fmt.Errorf("401: %w", providers.ErrInvalidCredentials))
	register(t, m, revoked, providertest.New("groq"))

	for i := 0; i < 3; i++ {
		_, err := m.Chat(context.Background(), chatRequest)
		require.NoError(t, err)
	}

	// round robin picks openai first, then it is out of rotation
	assert.Equal(t, int64(1), revoked.ChatCalls())
	assert.False(t, m.GetAllProviderStatus()["openai"].IsActive)

	// a health probe does not bring a deactivated provider back
	m.CheckHealth(context.Background())
	assert.NotContains(t, m.GetAvailableProviders(), "openai")
	require.NoError(t, m.SetProviderEnabled("openai", true))
	m.CheckHealth(context.Background())
	assert.Contains(t, m.GetAvailableProviders(), "openai")
}

func TestChat_CallerCancellationDoesNotMarkUnhealthy(t *testing.T) {
	m := newManager(t, nil)

	slow := providertest.New("slow")
	slow.ChatFunc = func(ctx context.Context, _ *providers.ChatRequest) (*providers.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	other := providertest.New("other")
	register(t, m, slow, other)
	require.NoError(t, m.SetProviderEnabled("other", false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Chat(ctx, chatRequest)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, m.GetAllProviderStatus()["slow"].IsHealthy)
	assert.Equal(t, int64(1), m.GetAllProviderStatus()["slow"].Usage.TotalRequests)
}

func TestChat_UnhealthyRecoversOnProbe(t *testing.T) {
	m := newManager(t, nil)
	rec := &recorder{}
	m.Subscribe(rec.handle)

	flaky := providertest.Failing("flaky", errors.New("reset"))
	register(t, m, flaky)

	_, err := m.Chat(context.Background(), chatRequest)
	require.Error(t, err)
	assert.Empty(t, m.GetAvailableProviders())

	m.CheckHealth(context.Background())
	assert.Equal(t, []string{"flaky"}, m.GetAvailableProviders())
	assert.Len(t, rec.ofKind(events.ProviderRecovered), 1)
}

func TestManager_PeriodicHealthCheck(t *testing.T) {
	m := newManager(t, func(c *manager.Config) { c.HealthCheckInterval = 50 * time.Millisecond })

	fake := providertest.New("openai")
	fake.HealthFunc = func(context.Context) (*providers.HealthResult, error) {
		return nil, errors.New("probe failed")
	}
	register(t, m, fake)

	require.Eventually(t, func() bool {
		return !m.GetAllProviderStatus()["openai"].IsHealthy
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), fake.ChatCalls())
}

func TestHealthProbesAndChatsDoNotBlockEachOther(t *testing.T) {
	t.Run("chat completes while a periodic probe hangs", func(t *testing.T) {
		m := newManager(t, func(c *manager.Config) { c.HealthCheckInterval = 20 * time.Millisecond })

		probing := make(chan struct{})
		release := make(chan struct{})
		defer close(release)

		var once sync.Once
		fake := providertest.New("openai")
		fake.HealthFunc = func(ctx context.Context) (*providers.HealthResult, error) {
			once.Do(func() { close(probing) })
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &providers.HealthResult{Status: providers.HealthStateHealthy}, nil
		}
		register(t, m, fake)

		select {
		case <-probing:
		case <-time.After(2 * time.Second):
			t.Fatal("periodic probe never started")
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := m.Chat(ctx, chatRequest)
		require.NoError(t, err)
		assert.Equal(t, "openai", resp.Provider)
	})

	t.Run("probe round completes while a chat is in flight", func(t *testing.T) {
		m := newManager(t, nil)

		started := make(chan struct{})
		release := make(chan struct{})
		fake := providertest.New("openai")
		fake.ChatFunc = func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
			close(started)
			<-release
			return providertest.Response("openai", "done", 1), nil
		}
		register(t, m, fake)

		done := make(chan error, 1)
		go func() {
			_, err := m.Chat(context.Background(), chatRequest)
			done <- err
		}()
		<-started

		probed := make(chan struct{})
		go func() {
			m.CheckHealth(context.Background())
			close(probed)
		}()

		select {
		case <-probed:
		case <-time.After(2 * time.Second):
			t.Fatal("probe round blocked behind an in-flight chat")
		}

		status := m.GetAllProviderStatus()["openai"]
		assert.Equal(t, 1, status.ActiveConnections)
		assert.NotNil(t, status.LastHealthCheck)
		assert.Equal(t, int64(1), fake.HealthCalls())

		close(release)
		assert.NoError(t, <-done)
	})
}

// blockingStream emits one chunk, then blocks until closed, like a network
// stream waiting for the next event
type blockingStream struct {
	sent   bool
	closed chan struct{}
	once   sync.Once
}

func newBlockingStream() *blockingStream {
	return &blockingStream{closed: make(chan struct{})}
}

func (b *blockingStream) Next() (*providers.StreamChunk, error) {
	if !b.sent {
		b.sent = true
		return &providers.StreamChunk{Delta: "first"}, nil
	}
	<-b.closed
	return nil, errors.New("read on closed body")
}

func (b *blockingStream) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestStreamChat(t *testing.T) {
	ctx := context.Background()

	drain := func(t *testing.T, s *manager.Stream) ([]string, error) {
		t.Helper()
		var deltas []string
		for {
			chunk, err := s.Next()
			if errors.Is(err, io.EOF) {
				return deltas, nil
			}
			if err != nil {
				return deltas, err
			}
			deltas = append(deltas, chunk.Delta)
		}
	}

	t.Run("streams chunks and records usage once", func(t *testing.T) {
		m := newManager(t, nil)
		fake := providertest.New("openai")
		inner := providertest.NewStream([]*providers.StreamChunk{
			{Delta: "Hel"},
			{Delta: "lo", FinishReason: "stop", Usage: &providers.Usage{TotalTokens: 7}, Cost: 0.01},
		}, nil)
		fake.StreamFunc = func(context.Context, *providers.ChatRequest) (providers.ChatStream, error) {
			return inner, nil
		}
		register(t, m, fake)

		s, err := m.StreamChat(ctx, chatRequest)
		require.NoError(t, err)
		assert.Equal(t, "openai", s.Provider())
		assert.Equal(t, 1, m.GetAllProviderStatus()["openai"].ActiveConnections)

		deltas, err := drain(t, s)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		assert.Equal(t, []string{"Hel", "lo"}, deltas)
		assert.True(t, inner.Closed())

		status := m.GetAllProviderStatus()["openai"]
		assert.Equal(t, 0, status.ActiveConnections)
		assert.Equal(t, int64(1), status.Usage.TotalRequests)
		assert.Equal(t, int64(7), status.Usage.TotalTokens)
	})

	t.Run("fails over before the first chunk", func(t *testing.T) {
		m := newManager(t, nil)
		broken := providertest.New("broken")
		broken.StreamFunc = func(context.Context, *providers.ChatRequest) (providers.ChatStream, error) {
			return providertest.NewStream(nil, errors.New("handshake failed")), nil
		}
		register(t, m, broken, providertest.New("backup"))

		s, err := m.StreamChat(ctx, chatRequest)
		require.NoError(t, err)
		defer s.Close()

		assert.Equal(t, "backup", s.Provider())
		assert.False(t, m.GetAllProviderStatus()["broken"].IsHealthy)
		assert.Equal(t, 0, m.GetAllProviderStatus()["broken"].ActiveConnections)
	})

	t.Run("mid-stream failure is not retried", func(t *testing.T) {
		m := newManager(t, nil)
		partial := providertest.New("partial")
		partial.StreamFunc = func(context.Context, *providers.ChatRequest) (providers.ChatStream, error) {
			return providertest.NewStream([]*providers.StreamChunk{{Delta: "par"}}, errors.New("connection reset")), nil
		}
		backup := providertest.New("backup")
		register(t, m, partial, backup)
		require.NoError(t, m.SetProviderEnabled("backup", false))

		s, err := m.StreamChat(ctx, chatRequest)
		require.NoError(t, err)
		require.NoError(t, m.SetProviderEnabled("backup", true))

		deltas, err := drain(t, s)
		assert.EqualError(t, err, "connection reset")
		assert.Equal(t, []string{"par"}, deltas)

		_, err = s.Next()
		assert.EqualError(t, err, "connection reset")
		assert.Equal(t, int64(0), backup.StreamCalls())

		status := m.GetAllProviderStatus()["partial"]
		assert.False(t, status.IsHealthy)
		assert.Equal(t, 0, status.ActiveConnections)
	})

	t.Run("early close releases the connection", func(t *testing.T) {
		m := newManager(t, nil)
		fake := providertest.New("openai")
		fake.StreamFunc = func(context.Context, *providers.ChatRequest) (providers.ChatStream, error) {
			return providertest.NewStream([]*providers.StreamChunk{{Delta: "a"}, {Delta: "b"}}, nil), nil
		}
		register(t, m, fake)

		s, err := m.StreamChat(ctx, chatRequest)
		require.NoError(t, err)
		_, err = s.Next()
		require.NoError(t, err)

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err = s.Next()
		assert.ErrorIs(t, err, io.EOF)

		status := m.GetAllProviderStatus()["openai"]
		assert.Equal(t, 0, status.ActiveConnections)
		assert.Equal(t, int64(1), status.Usage.TotalRequests)
		assert.True(t, status.IsHealthy)
	})

	t.Run("close from another goroutine unblocks next", func(t *testing.T) {
		m := newManager(t, nil)
		fake := providertest.New("openai")
		fake.StreamFunc = func(context.Context, *providers.ChatRequest) (providers.ChatStream, error) {
			return newBlockingStream(), nil
		}
		register(t, m, fake)

		s, err := m.StreamChat(ctx, chatRequest)
		require.NoError(t, err)
		chunk, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, "first", chunk.Delta)

		result := make(chan error, 1)
		go func() {
			_, err := s.Next()
			result <- err
		}()
		time.Sleep(20 * time.Millisecond)

		closed := make(chan struct{})
		go func() {
			_ = s.Close()
			close(closed)
		}()

		select {
		case <-closed:
		case <-time.After(2 * time.Second):
			t.Fatal("Close blocked behind a pending Next")
		}
		select {
		case err := <-result:
			assert.ErrorIs(t, err, io.EOF)
		case <-time.After(2 * time.Second):
			t.Fatal("Next did not return after Close")
		}

		status := m.GetAllProviderStatus()["openai"]
		assert.True(t, status.IsHealthy)
		assert.Equal(t, 0, status.ActiveConnections)
		assert.Equal(t, 100.0, status.Usage.SuccessRate)
	})

	t.Run("empty stream completes", func(t *testing.T) {
		m := newManager(t, nil)
		fake := providertest.New("openai")
		fake.StreamFunc = func(context.Context, *providers.ChatRequest) (providers.ChatStream, error) {
			return providertest.NewStream(nil, nil), nil
		}
		register(t, m, fake)

		s, err := m.StreamChat(ctx, chatRequest)
		require.NoError(t, err)

		deltas, err := drain(t, s)
		require.NoError(t, err)
		assert.Empty(t, deltas)
		assert.Equal(t, 0, m.GetAllProviderStatus()["openai"].ActiveConnections)
	})

	t.Run("direct mode returns raw open error", func(t *testing.T) {
		m := newManager(t, func(c *manager.Config) { c.EnableFailover = false })
		raw := errors.New("stream refused")
		register(t, m, providertest.Failing("openai", raw))

		_, err := m.StreamChat(ctx, chatRequest)
		assert.ErrorIs(t, err, providers.ErrNoActiveProvider)

		require.NoError(t, m.SetActiveProvider("openai"))
		_, err = m.StreamChat(ctx, chatRequest)
		assert.Same(t, raw, err)
	})
}

type embeddingFake struct {
	*providertest.Fake
}

func (e embeddingFake) Embed(_ context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	vectors := make([][]float64, len(req.Input))
	for i := range vectors {
		vectors[i] = []float64{1, 0}
	}
	return &providers.EmbeddingResponse{Model: req.Model, Embeddings: vectors, Usage: providers.Usage{TotalTokens: 3}}, nil
}

func TestOptionalCapabilities(t *testing.T) {
	ctx := context.Background()
	req := &providers.EmbeddingRequest{Model: "text-embedding-3-small", Input: []string{"a", "b"}}

	t.Run("routes to a provider declaring the capability", func(t *testing.T) {
		m := newManager(t, nil)
		plain := providertest.New("plain")
		fake := providertest.New("embedder")
		fake.Caps.Embedding = true
		require.NoError(t, m.RegisterAdapter(ctx, "plain", plain, providers.ProviderConfig{}))
		require.NoError(t, m.RegisterAdapter(ctx, "embedder", embeddingFake{fake}, providers.ProviderConfig{}))

		resp, err := m.Embed(ctx, req)
		require.NoError(t, err)
		assert.Len(t, resp.Embeddings, 2)
		assert.Equal(t, int64(3), m.GetAllProviderStatus()["embedder"].Usage.TotalTokens)
	})

	t.Run("active provider lacking the capability", func(t *testing.T) {
		m := newManager(t, nil)
		register(t, m, providertest.New("plain"))
		require.NoError(t, m.SetActiveProvider("plain"))

		_, err := m.Embed(ctx, req)
		assert.ErrorIs(t, err, providers.ErrNotSupported)

		_, err = m.SynthesizeSpeech(ctx, &providers.SpeechRequest{Input: "hi"})
		assert.ErrorIs(t, err, providers.ErrNotSupported)
		assert.True(t, m.GetAllProviderStatus()["plain"].IsHealthy)
	})

	t.Run("flag without implementation", func(t *testing.T) {
		m := newManager(t, nil)
		liar := providertest.New("liar")
		liar.Caps.ImageAnalysis = true
		register(t, m, liar)

		_, err := m.AnalyzeImage(ctx, &providers.ImageAnalysisRequest{ImageURL: "https://example.com/cat.png"})
		assert.ErrorIs(t, err, providers.ErrNotSupported)
	})

	t.Run("no providers", func(t *testing.T) {
		m := newManager(t, nil)
		_, err := m.Embed(ctx, req)
		assert.ErrorIs(t, err, providers.ErrNoAvailableProviders)
	})
}

func TestProviderSettings(t *testing.T) {
	m := newManager(t, nil)
	register(t, m, providertest.New("a"))

	require.NoError(t, m.SetProviderWeight("a", 2.5))
	assert.InDelta(t, 2.5, m.GetAllProviderStatus()["a"].Weight, 1e-9)
	assert.Error(t, m.SetProviderWeight("a", -1))
	assert.ErrorIs(t, m.SetProviderWeight("zzz", 1), providers.ErrProviderNotFound)
	assert.ErrorIs(t, m.SetProviderEnabled("zzz", true), providers.ErrProviderNotFound)
	assert.ErrorIs(t, m.SetActiveProvider("zzz"), providers.ErrProviderNotFound)

	require.NoError(t, m.SetStrategy(routing.StrategyLeastConnections))
	assert.Equal(t, routing.StrategyLeastConnections, m.Strategy())
	assert.ErrorIs(t, m.SetStrategy("nope"), routing.ErrRoutingStrategyNotFound)

	_, err := m.Chat(context.Background(), chatRequest)
	require.NoError(t, err)
	usage, err := m.ProviderUsage("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.TotalRequests)

	_, err = m.ProviderUsage("zzz")
	assert.ErrorIs(t, err, providers.ErrProviderNotFound)
}

func TestDispose(t *testing.T) {
	cfg := manager.DefaultConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	m, err := manager.New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	rec := &recorder{}
	m.Subscribe(rec.handle)
	register(t, m, providertest.New("a"))

	m.Dispose()
	m.Dispose()

	assert.True(t, m.Closed())
	assert.Empty(t, m.GetAllProviderStatus())

	_, err = m.Chat(context.Background(), chatRequest)
	assert.ErrorIs(t, err, providers.ErrManagerClosed)
	_, err = m.StreamChat(context.Background(), chatRequest)
	assert.ErrorIs(t, err, providers.ErrManagerClosed)
	err = m.RegisterAdapter(context.Background(), "b", providertest.New("b"), providers.ProviderConfig{})
	assert.ErrorIs(t, err, providers.ErrManagerClosed)

	// subscribers were released
	before := len(rec.kinds())
	_ = m.RemoveProvider("a")
	assert.Len(t, rec.kinds(), before)
}

func TestDispose_InFlightRequestCompletes(t *testing.T) {
	m := newManager(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	fake := providertest.New("a")
	fake.ChatFunc = func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
		close(started)
		<-release
		return providertest.Response("a", "done", 1), nil
	}
	register(t, m, fake)

	done := make(chan error, 1)
	go func() {
		_, err := m.Chat(context.Background(), chatRequest)
		done <- err
	}()

	<-started
	m.Dispose()
	close(release)
	assert.NoError(t, <-done)
}

func TestChat_Concurrent(t *testing.T) {
	m := newManager(t, func(c *manager.Config) { c.LoadBalanceStrategy = routing.StrategyLeastConnections })
	register(t, m, providertest.New("a"), providertest.New("b"), providertest.New("c"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Chat(context.Background(), chatRequest)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var total int64
	for _, status := range m.GetAllProviderStatus() {
		assert.Equal(t, 0, status.ActiveConnections)
		total += status.Usage.TotalRequests
	}
	assert.Equal(t, int64(50), total)
}
