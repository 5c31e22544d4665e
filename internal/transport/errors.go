package transport

import (
	"errors"
	"fmt"
)

// AuthorizationErrorCode is the error code the remote API returns for a bad bearer token.
const AuthorizationErrorCode = "INVALID-AUTHORIZATION-HEADER"

// ErrMalformedResponse marks a successful response whose body is not valid JSON.
var ErrMalformedResponse = errors.New("malformed response body")

// AuthenticationError reports a missing, expired, or malformed bearer token.
type AuthenticationError struct {
	URL        string
	StatusCode int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication rejected by %s (status %d): invalid token used", e.URL, e.StatusCode)
}

// RemoteRequestError reports any other non-200 response.
type RemoteRequestError struct {
	URL        string
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteRequestError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "no error message"
	}
	if e.Code != "" {
		return fmt.Sprintf("remote request to %s failed (status %d, %s): %s", e.URL, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("remote request to %s failed (status %d): %s", e.URL, e.StatusCode, msg)
}

// TransportError wraps a network-level failure: DNS, connection reset, timeout.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure calling %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
