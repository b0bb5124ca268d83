package aigateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrNoMock is returned in simulated mode when the caller registered no substitute.
	ErrNoMock = errors.New("aigateway: no simulated response registered")
	// ErrGenerationFailed marks a long-running operation that reached done/error.
	ErrGenerationFailed = errors.New("aigateway: generation failed")
	// ErrResultNotReady marks a content request for an operation that has not completed.
	ErrResultNotReady = errors.New("aigateway: generation result not ready")
	// ErrMissingBackend indicates a credentialed gateway without a backend.
	ErrMissingBackend = errors.New("aigateway: backend is required when a credential is configured")
	// ErrMissingServiceMode indicates the shared service mode state was not injected.
	ErrMissingServiceMode = errors.New("aigateway: service mode state is required")
)

// QuotaExceededError is absorbed by the gateway: it trips the service mode and the caller
// receives the mock value instead.
type QuotaExceededError struct {
	Operation string
	Err       error
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("aigateway: %s: quota exhausted: %v", e.Operation, e.Err)
}

func (e *QuotaExceededError) Unwrap() error {
	return e.Err
}

// AuthError reports an invalid credential.
type AuthError struct {
	Operation string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("aigateway: %s: credential rejected: %v", e.Operation, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NetworkError is a transient transport or upstream availability failure.
type NetworkError struct {
	Operation string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("aigateway: %s: network failure: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ParseError reports a structured response that failed decoding or schema validation.
type ParseError struct {
	Operation string
	Raw       string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("aigateway: %s: malformed structured response: %v", e.Operation, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// StatusError is produced by the raw HTTP parts of the backend.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

var quotaMarkers = []string{
	"quota",
	"billing",
	"resource_exhausted",
	"resource exhausted",
	"insufficient_quota",
	"exceeded your current",
}

var authMarkers = []string{
	"api key not valid",
	"invalid api key",
	"incorrect api key",
	"invalid_api_key",
	"unauthenticated",
	"permission_denied",
}

// Classify maps a raw backend failure onto the gateway taxonomy. Errors already in the
// taxonomy and context cancellation are returned unchanged; unknown failures are returned
// as-is.
func Classify(operation string, err error) error {
	if err == nil {
		return nil
	}

	var (
		quotaErr   *QuotaExceededError
		authErr    *AuthError
		networkErr *NetworkError
		parseErr   *ParseError
	)
	if errors.As(err, &quotaErr) || errors.As(err, &authErr) || errors.As(err, &networkErr) || errors.As(err, &parseErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	statusCode, code := upstreamStatus(err)
	message := strings.ToLower(err.Error() + " " + code)

	if containsAny(message, quotaMarkers) {
		return &QuotaExceededError{Operation: operation, Err: err}
	}
	if statusCode == http.StatusUnauthorized || containsAny(message, authMarkers) {
		return &AuthError{Operation: operation, Err: err}
	}
	if statusCode == http.StatusForbidden {
		return &AuthError{Operation: operation, Err: err}
	}
	if statusCode >= http.StatusInternalServerError || statusCode == http.StatusTooManyRequests {
		return &NetworkError{Operation: operation, Err: err}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return &NetworkError{Operation: operation, Err: err}
	}
	var requestErr *openai.RequestError
	if errors.As(err, &requestErr) && requestErr.HTTPStatusCode == 0 {
		return &NetworkError{Operation: operation, Err: err}
	}

	return err
}

func upstreamStatus(err error) (int, string) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		return apiErr.HTTPStatusCode, code + " " + apiErr.Type
	}
	var requestErr *openai.RequestError
	if errors.As(err, &requestErr) {
		return requestErr.HTTPStatusCode, string(requestErr.Body)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode, ""
	}
	return 0, ""
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
