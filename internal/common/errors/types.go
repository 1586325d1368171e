package errors

import (
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeConnection represents transport-level failures (network, timeouts)
	ErrTypeConnection ErrorType = "connection"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
	// ErrTypeOAuthClient represents client-side usage errors in the OAuth2 flow:
	// missing or expired pending state, missing authorization record, missing
	// return URI. These are surfaced to the caller and never retried.
	ErrTypeOAuthClient ErrorType = "oauth_client"
	// ErrTypeIdentityProvider represents rejections from the OAuth2 server's
	// token endpoint (invalid grant, invalid client, revoked token)
	ErrTypeIdentityProvider ErrorType = "identity_provider"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// ConnectionError creates a new connection error
func ConnectionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnection,
		Message: msg,
		Cause:   cause,
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// OAuthClientError creates an error for misuse of the client-side OAuth2 flow.
// Callers must treat these as fatal to the current operation and re-drive the
// interactive flow or re-check their credentials.
func OAuthClientError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeOAuthClient,
		Message: msg,
	}
}

// WrapOAuthClientError wraps an upstream failure in a client-flow error so the
// provider payload stays reachable via Unwrap.
func WrapOAuthClientError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeOAuthClient,
		Message: msg,
		Cause:   cause,
	}
}

// IdentityProviderError creates an error for a rejection from the OAuth2
// server's token endpoint. The server's error code and description, when
// present in the response body, are carried on the error.
func IdentityProviderError(msg string, errorCode, description string) *AppError {
	e := &AppError{
		Type:    ErrTypeIdentityProvider,
		Message: msg,
	}
	if errorCode != "" {
		e.Code = errorCode
	}
	if description != "" {
		e.WithContext("error_description", description)
	}
	return e
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return ErrTypeInternal
	}

	return appErr.Type
}
