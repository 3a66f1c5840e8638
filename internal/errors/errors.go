package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Startup errors
	ErrCodeConfigValidation   ErrorCode = "CONFIG_VALIDATION_FAILED"
	ErrCodeDiscoveryExhausted ErrorCode = "DISCOVERY_EXHAUSTED"
	ErrCodeNotInitialized     ErrorCode = "MANAGER_NOT_INITIALIZED"
	ErrCodeAlreadyInitialized ErrorCode = "MANAGER_ALREADY_INITIALIZED"

	// Node-level errors, absorbed into node state and never surfaced to callers
	ErrCodeDiscoveryUnreachable ErrorCode = "DISCOVERY_NODE_UNREACHABLE"
	ErrCodeHealthCheckTimeout   ErrorCode = "HEALTH_CHECK_TIMEOUT"
	ErrCodeHealthCheckFailed    ErrorCode = "HEALTH_CHECK_FAILED"
	ErrCodeCacheWarmupFailed    ErrorCode = "CACHE_WARMUP_FAILED"
	ErrCodeCacheSyncFailed      ErrorCode = "CACHE_SYNC_FAILED"

	// Request-path errors
	ErrCodeNoHealthyNodes ErrorCode = "NO_HEALTHY_NODES"
	ErrCodeNodeNotFound   ErrorCode = "NODE_NOT_FOUND"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// CoordinatorError represents a structured error with context
type CoordinatorError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"` // Original error
}

// Error implements the error interface
func (e *CoordinatorError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *CoordinatorError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *CoordinatorError) Is(target error) bool {
	if t, ok := target.(*CoordinatorError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *CoordinatorError) WithMetadata(key string, value interface{}) *CoordinatorError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsRetryable returns true if the error might be resolved by retrying
func (e *CoordinatorError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNoHealthyNodes, ErrCodeHealthCheckTimeout, ErrCodeDiscoveryUnreachable:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *CoordinatorError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeNodeNotFound:
		return 404
	case ErrCodeNoHealthyNodes:
		return 503
	case ErrCodeConfigValidation:
		return 400
	default:
		return 500
	}
}

// NewError creates a new CoordinatorError
func NewError(code ErrorCode, component, message string) *CoordinatorError {
	return &CoordinatorError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new CoordinatorError with an underlying cause
func NewErrorWithCause(code ErrorCode, component, message string, cause error) *CoordinatorError {
	return &CoordinatorError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
		Details:   cause.Error(),
	}
}

// Common error constructors for frequently used errors

// NewNoHealthyNodesError creates the error returned when the eligible set is empty.
// Callers are expected to translate it into a service-unavailable response
// with a retry hint rather than treating it as fatal.
func NewNoHealthyNodesError() *CoordinatorError {
	return NewError(
		ErrCodeNoHealthyNodes,
		"router",
		"No healthy nodes available for request",
	)
}

// NewDiscoveryExhaustedError creates the fatal startup error for an empty fleet
func NewDiscoveryExhaustedError() *CoordinatorError {
	return NewError(
		ErrCodeDiscoveryExhausted,
		"discovery",
		"Discovery resolved zero reachable nodes",
	)
}

// NewDiscoveryUnreachableError creates a per-candidate, non-fatal discovery error
func NewDiscoveryUnreachableError(nodeID string, cause error) *CoordinatorError {
	return NewErrorWithCause(
		ErrCodeDiscoveryUnreachable,
		"discovery",
		fmt.Sprintf("Node %s failed discovery validation", nodeID),
		cause,
	).WithMetadata("node_id", nodeID)
}

// NewNodeNotFoundError creates an error for an unknown node id
func NewNodeNotFoundError(nodeID string) *CoordinatorError {
	return NewError(
		ErrCodeNodeNotFound,
		"cluster_manager",
		fmt.Sprintf("Node %s is not registered", nodeID),
	).WithMetadata("node_id", nodeID)
}

// NewNotInitializedError creates the error for accessing the manager before Initialize
func NewNotInitializedError() *CoordinatorError {
	return NewError(
		ErrCodeNotInitialized,
		"cluster_manager",
		"Cluster manager accessed before initialization",
	)
}

// NewCacheWarmupError creates a per-node, non-fatal warmup error
func NewCacheWarmupError(nodeID string, cause error) *CoordinatorError {
	return NewErrorWithCause(
		ErrCodeCacheWarmupFailed,
		"cache_coordinator",
		fmt.Sprintf("Cache warmup failed on node %s", nodeID),
		cause,
	).WithMetadata("node_id", nodeID)
}

// NewConfigValidationError creates a fatal configuration error
func NewConfigValidationError(message string) *CoordinatorError {
	return NewError(ErrCodeConfigValidation, "config", message)
}

// IsCoordinatorError checks if an error is a CoordinatorError
func IsCoordinatorError(err error) bool {
	var cerr *CoordinatorError
	return errors.As(err, &cerr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var cerr *CoordinatorError
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return ErrCodeInternalError
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var cerr *CoordinatorError
	if errors.As(err, &cerr) {
		return cerr.IsRetryable()
	}
	return false
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var cerr *CoordinatorError
	if errors.As(err, &cerr) {
		return cerr.HTTPStatusCode()
	}
	return 500
}
