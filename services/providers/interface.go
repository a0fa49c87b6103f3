package providers

import (
	"context"
	"time"
)

// Provider is the capability contract every backend adapter satisfies.
// Implementations must be safe for concurrent use once initialized.
type Provider interface {
	// Name returns the vendor name of the adapter (e.g., "openai")
	Name() string

	// Initialize validates the configuration and prepares the adapter.
	// It returns an error wrapping ErrInvalidCredentials when validation fails.
	Initialize(ctx context.Context, config ProviderConfig) error

	// ChatCompletion performs a blocking chat completion request
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatCompletionStream opens a streaming chat completion
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (ChatStream, error)

	// CheckHealth performs a lightweight probe against the backend. It must
	// return once ctx is done: shutdown waits for the running probe round.
	CheckHealth(ctx context.Context) (*HealthResult, error)

	// GetUsage returns the usage the adapter tracked on its own
	GetUsage() UsageStats

	// Capabilities declares which optional operations the adapter supports
	Capabilities() Capabilities
}

// ChatStream is a finite, non-restartable sequence of chunks.
// Next returns io.EOF once the backend finished. Close may be called at any
// time to stop consuming; it must be safe to call more than once.
type ChatStream interface {
	Next() (*StreamChunk, error)
	Close() error
}

// ChatRequest represents a unified chat completion request
type ChatRequest struct {
	// Model identifier (e.g., "gpt-4o-mini")
	Model string `json:"model"`

	// Messages in the conversation
	Messages []Message `json:"messages"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 2.0)
	Temperature float64 `json:"temperature,omitempty"`

	// TopP controls nucleus sampling
	TopP float64 `json:"top_p,omitempty"`

	// Stop sequences
	Stop []string `json:"stop,omitempty"`

	// User identifier for abuse monitoring
	User string `json:"user,omitempty"`

	// Metadata for tracking and logging
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`

	// Name is an optional identifier for the message sender
	Name string `json:"name,omitempty"`
}

// ChatResponse represents a unified chat completion response
type ChatResponse struct {
	ID       string    `json:"id"`
	Model    string    `json:"model"`
	Choices  []Choice  `json:"choices"`
	Usage    Usage     `json:"usage"`
	Provider string    `json:"provider"`
	Created  time.Time `json:"created"`

	// Cost reported by the adapter, 0 when unknown
	Cost float64 `json:"cost,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Choice represents a completion choice
type Choice struct {
	Index int `json:"index"`

	Message Message `json:"message"`

	// FinishReason indicates why the completion finished
	// Values: "stop", "length", "content_filter"
	FinishReason string `json:"finish_reason"`
}

// StreamChunk is one incremental piece of a streamed completion.
// Usage and Cost are usually only set on the final chunk.
type StreamChunk struct {
	ID           string  `json:"id"`
	Model        string  `json:"model"`
	Delta        string  `json:"delta"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// HealthState is the outcome of a health probe
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// HealthResult is returned by Provider.CheckHealth
type HealthResult struct {
	Status  HealthState   `json:"status"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

// UsageStats accumulates per-adapter counters
type UsageStats struct {
	TotalRequests    int64      `json:"total_requests"`
	TotalTokens      int64      `json:"total_tokens"`
	TotalCost        float64    `json:"total_cost"`
	SuccessRate      float64    `json:"success_rate"`
	AverageLatencyMs float64    `json:"average_latency_ms"`
	LastRequestTime  *time.Time `json:"last_request_time,omitempty"`
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// Type selects the adapter builder; defaults to the registration identifier
	Type string `yaml:"type"`

	// APIKey for authentication
	APIKey string `yaml:"api_key"`

	// APIBase for the API (optional override)
	APIBase string `yaml:"api_base" validate:"omitempty,url"`

	// Organization for organization-scoped endpoints
	Organization string `yaml:"organization"`

	// Timeout for requests
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// RequestsPerSecond paces outgoing requests, 0 disables pacing
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`

	// Weight used by the weighted load balancing strategy
	Weight *float64 `yaml:"weight" validate:"omitempty,gte=0"`

	// Additional headers
	Headers map[string]string `yaml:"headers"`
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 60 * time.Second,
		Headers: make(map[string]string),
	}
}

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}
