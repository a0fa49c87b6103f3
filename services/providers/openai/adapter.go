// Package openai implements providers.Provider for OpenAI and every backend
// speaking the same chat completions API (Groq, Together, DeepSeek, Mistral,
// OpenRouter, or any endpoint registered as CompatibleType).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/upb/llm-provider-manager/services/providers"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 60 * time.Second
	defaultVoice   = "alloy"
	defaultTTS     = "tts-1"
)

// Adapter talks to one OpenAI-compatible backend
type Adapter struct {
	name  string
	usage *providers.UsageTracker

	mu         sync.RWMutex
	config     providers.ProviderConfig
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall deadline; Timeout only bounds the wait for
	// response headers so long streams are not cut while chunks keep arriving
	streamClient *http.Client
	limiter      *rate.Limiter
}

// NewAdapter creates an adapter for the named vendor. It must be initialized
// before use.
func NewAdapter(name string) *Adapter {
	return &Adapter{
		name:  name,
		usage: providers.NewUsageTracker(),
	}
}

// Name returns the vendor name
func (a *Adapter) Name() string {
	return a.name
}

// Initialize validates the configuration. It makes no network call.
func (a *Adapter) Initialize(_ context.Context, config providers.ProviderConfig) error {
	if strings.TrimSpace(config.APIKey) == "" {
		return fmt.Errorf("%w: %s requires an API key", providers.ErrInvalidCredentials, a.name)
	}

	baseURL := strings.TrimRight(config.APIBase, "/")
	if baseURL == "" {
		v, ok := vendors[a.name]
		if !ok {
			return fmt.Errorf("%s requires an API base", a.name)
		}
		baseURL = v.baseURL
	}

	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := int(math.Ceil(config.RequestsPerSecond))
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.config = config
	a.baseURL = baseURL
	a.limiter = limiter
	a.httpClient = &http.Client{Timeout: config.Timeout}
	a.streamClient = newStreamClient(config.Timeout)
	return nil
}

func newStreamClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// Capabilities reports the optional operations of the vendor
func (a *Adapter) Capabilities() providers.Capabilities {
	if v, ok := vendors[a.name]; ok {
		return v.capabilities
	}
	return providers.Capabilities{Streaming: true}
}

// GetUsage returns the usage tracked by this adapter
func (a *Adapter) GetUsage() providers.UsageStats {
	return a.usage.Stats()
}

// ChatCompletion performs a chat completion request
func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	start := time.Now()

	resp, err := a.chatCompletion(ctx, a.buildRequest(req))
	outcome := providers.Outcome{Latency: time.Since(start), Success: err == nil, At: time.Now()}
	if resp != nil {
		outcome.Tokens = resp.Usage.TotalTokens
		outcome.Cost = resp.Cost
		resp.Metadata = req.Metadata
	}
	a.usage.Record(outcome)

	return resp, err
}

func (a *Adapter) chatCompletion(ctx context.Context, body *chatRequest) (*providers.ChatResponse, error) {
	httpResp, err := a.do(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var wire chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wire); err != nil {
		return nil, providers.NewProviderError(a.name, "UNMARSHAL_ERROR", "failed to decode response", httpResp.StatusCode, false, err)
	}

	return a.convertResponse(&wire), nil
}

// ChatCompletionStream opens a server-sent events stream
func (a *Adapter) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest) (providers.ChatStream, error) {
	body := a.buildRequest(req)
	body.Stream = true
	if a.name == "openai" {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	start := time.Now()
	httpResp, err := a.send(ctx, true, http.MethodPost, "/chat/completions", body)
	if err != nil {
		a.usage.Record(providers.Outcome{Latency: time.Since(start), At: time.Now()})
		return nil, err
	}

	return newSSEStream(a, httpResp.Body, req.Model, start), nil
}

// CheckHealth lists models as a lightweight probe
func (a *Adapter) CheckHealth(ctx context.Context) (*providers.HealthResult, error) {
	start := time.Now()

	httpResp, err := a.do(ctx, http.MethodGet, "/models", nil)
	latency := time.Since(start)
	if err != nil {
		var provErr *providers.ProviderError
		if errors.As(err, &provErr) && provErr.StatusCode != 0 {
			return &providers.HealthResult{
				Status:  providers.HealthStateUnhealthy,
				Latency: latency,
				Message: provErr.Message,
			}, nil
		}
		return nil, err
	}
	defer httpResp.Body.Close()
	_, _ = io.Copy(io.Discard, httpResp.Body)

	return &providers.HealthResult{
		Status:  providers.HealthStateHealthy,
		Latency: latency,
	}, nil
}

// Embed computes embeddings through /embeddings
func (a *Adapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	start := time.Now()
	resp, err := a.embed(ctx, req)

	outcome := providers.Outcome{Latency: time.Since(start), Success: err == nil, At: time.Now()}
	if resp != nil {
		outcome.Tokens = resp.Usage.TotalTokens
		outcome.Cost = cost(req.Model, resp.Usage)
	}
	a.usage.Record(outcome)
	return resp, err
}

func (a *Adapter) embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	httpResp, err := a.do(ctx, http.MethodPost, "/embeddings", &embeddingRequest{Model: req.Model, Input: req.Input})
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var wire embeddingResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wire); err != nil {
		return nil, providers.NewProviderError(a.name, "UNMARSHAL_ERROR", "failed to decode embeddings", httpResp.StatusCode, false, err)
	}

	vectors := make([][]float64, len(wire.Data))
	for _, d := range wire.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}

	return &providers.EmbeddingResponse{
		Model:      wire.Model,
		Embeddings: vectors,
		Usage:      providers.Usage(wire.Usage),
	}, nil
}

// AnalyzeImage sends the image as a content part of a user message
func (a *Adapter) AnalyzeImage(ctx context.Context, req *providers.ImageAnalysisRequest) (*providers.ChatResponse, error) {
	body := &chatRequest{
		Model: req.Model,
		Messages: []wireMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: req.Prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: req.ImageURL}},
			},
		}},
	}

	start := time.Now()
	resp, err := a.chatCompletion(ctx, body)
	outcome := providers.Outcome{Latency: time.Since(start), Success: err == nil, At: time.Now()}
	if resp != nil {
		outcome.Tokens = resp.Usage.TotalTokens
		outcome.Cost = resp.Cost
	}
	a.usage.Record(outcome)
	return resp, err
}

// SynthesizeSpeech renders audio through /audio/speech
func (a *Adapter) SynthesizeSpeech(ctx context.Context, req *providers.SpeechRequest) ([]byte, error) {
	body := &speechRequest{
		Model:          req.Model,
		Input:          req.Input,
		Voice:          req.Voice,
		ResponseFormat: req.Format,
	}
	if body.Model == "" {
		body.Model = defaultTTS
	}
	if body.Voice == "" {
		body.Voice = defaultVoice
	}

	start := time.Now()
	audio, err := a.synthesize(ctx, body)
	a.usage.Record(providers.Outcome{Latency: time.Since(start), Success: err == nil, At: time.Now()})
	return audio, err
}

func (a *Adapter) synthesize(ctx context.Context, body *speechRequest) ([]byte, error) {
	httpResp, err := a.do(ctx, http.MethodPost, "/audio/speech", body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	audio, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(a.name, "READ_ERROR", "failed to read audio", httpResp.StatusCode, true, err)
	}
	return audio, nil
}

// do sends a request and returns the response when the status is 2xx.
// Any other status is converted into a ProviderError and the body closed.
func (a *Adapter) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	return a.send(ctx, false, method, path, body)
}

// send is do with a choice of client: streaming requests use the client
// without an overall deadline
func (a *Adapter) send(ctx context.Context, streaming bool, method, path string, body interface{}) (*http.Response, error) {
	a.mu.RLock()
	config := a.config
	baseURL := a.baseURL
	client := a.httpClient
	if streaming {
		client = a.streamClient
	}
	limiter := a.limiter
	a.mu.RUnlock()

	if client == nil {
		return nil, providers.NewProviderError(a.name, "NOT_INITIALIZED", "adapter is not initialized", 0, false, nil)
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, providers.NewProviderError(a.name, "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return nil, providers.NewProviderError(a.name, "REQUEST_ERROR", "failed to create request", 0, false, err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+config.APIKey)
	if config.Organization != "" {
		httpReq.Header.Set("OpenAI-Organization", config.Organization)
	}
	for k, v := range config.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, providers.NewProviderError(a.name, "HTTP_ERROR", "HTTP request failed", 0, true, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		return nil, a.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	return httpResp, nil
}

func (a *Adapter) buildRequest(req *providers.ChatRequest) *chatRequest {
	wire := &chatRequest{
		Model:    req.Model,
		Messages: make([]wireMessage, len(req.Messages)),
	}

	for i, msg := range req.Messages {
		wire.Messages[i] = wireMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		}
	}

	if req.MaxTokens > 0 {
		wire.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		wire.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		wire.TopP = &req.TopP
	}
	if len(req.Stop) > 0 {
		wire.Stop = req.Stop
	}
	if req.User != "" {
		wire.User = &req.User
	}

	return wire
}

func (a *Adapter) convertResponse(wire *chatResponse) *providers.ChatResponse {
	usage := providers.Usage(wire.Usage)
	resp := &providers.ChatResponse{
		ID:       wire.ID,
		Model:    wire.Model,
		Provider: a.name,
		Choices:  make([]providers.Choice, len(wire.Choices)),
		Usage:    usage,
		Created:  time.Unix(wire.Created, 0),
		Cost:     cost(wire.Model, usage),
	}

	for i, choice := range wire.Choices {
		resp.Choices[i] = providers.Choice{
			Index: choice.Index,
			Message: providers.Message{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
				Name:    choice.Message.Name,
			},
			FinishReason: choice.FinishReason,
		}
	}

	return resp
}

// handleErrorResponse maps an error status to a ProviderError. Rejected
// credentials wrap providers.ErrInvalidCredentials.
func (a *Adapter) handleErrorResponse(statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	code := "UNKNOWN_ERROR"

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		if errResp.Error.Type != "" {
			code = errResp.Error.Type
		}
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	cause := errors.New(message)
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		cause = fmt.Errorf("%w: %s", providers.ErrInvalidCredentials, message)
	}

	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests
	return providers.NewProviderError(a.name, code, message, statusCode, retryable, cause)
}
