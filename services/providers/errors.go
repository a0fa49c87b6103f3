package providers

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when an adapter rejects its own configuration
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnknownProviderType is returned when no builder exists for a provider type
	ErrUnknownProviderType = errors.New("unknown provider type")

	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrNoActiveProvider is returned by direct calls when no active provider is set
	ErrNoActiveProvider = errors.New("no active provider")

	// ErrNoAvailableProviders is returned when no active and healthy provider exists
	ErrNoAvailableProviders = errors.New("no available providers")

	// ErrAllProvidersFailed is returned when failover exhausted every attempt
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrNotSupported is returned when an optional capability is missing
	ErrNotSupported = errors.New("operation not supported")

	// ErrManagerClosed is returned for dispatch attempts after disposal began
	ErrManagerClosed = errors.New("provider manager is closed")
)

// AllProvidersFailedError carries the last adapter error of an exhausted failover.
// errors.Is matches ErrAllProvidersFailed; errors.Unwrap yields the cause.
type AllProvidersFailedError struct {
	Attempts []string
	Cause    error
}

// Error implements the error interface
func (e *AllProvidersFailedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s after %d attempts", ErrAllProvidersFailed, len(e.Attempts))
	}
	return fmt.Sprintf("%s after %d attempts, last error: %v", ErrAllProvidersFailed, len(e.Attempts), e.Cause)
}

// Unwrap returns the last underlying adapter error
func (e *AllProvidersFailedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrAllProvidersFailed
func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// NotSupportedError reports which capability a provider lacks
func NotSupportedError(provider string, capability Capability) error {
	return fmt.Errorf("%w: %s does not support %s", ErrNotSupported, provider, capability)
}

// IsRetryable checks if an adapter error may succeed on another attempt
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}
