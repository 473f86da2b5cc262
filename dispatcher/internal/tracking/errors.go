package tracking

import (
	"errors"
	"fmt"
)

// UpstreamError is a structured failure reported by the provider, either as
// an errorCode body (often on HTTP 200) or as a non-2xx status.
type UpstreamError struct {
	Status      int    `json:"status"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *UpstreamError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("tracking api error %s", e.Code)
	}
	return fmt.Sprintf("tracking api error %s: %s", e.Code, e.Description)
}

// TransportError covers network failures, timeouts and unreadable responses.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("tracking %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError rejects malformed arguments before any request is sent.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
