package llm

import (
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable matches every failure of the completion provider.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// UpstreamError is a fatal provider failure: a non-success status, a
// transport error, or an error object inside the stream.
type UpstreamError struct {
	StatusCode int
	Status     string
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode > 0:
		return fmt.Sprintf("LLM API request failed: %s", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("LLM API request failed: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("LLM API stream error: %s", e.Body)
	}
	return "LLM API request failed"
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}
