package core

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks input the orchestrator refuses to process.
var ErrInvalidRequest = errors.New("invalid request")

var errEmptyPage = errors.New("no content extracted")

// InferenceError is returned when the inference backend answered with a
// non-success status or could not be reached. StatusCode is 0 when no
// response was received at all.
type InferenceError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *InferenceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("inference backend returned status %d: %s", e.StatusCode, e.Detail)
	}
	return "inference backend error: " + e.Detail
}

func (e *InferenceError) Unwrap() error { return e.Err }

// FetchError is returned by HandleBrowse when the page yields no content.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("could not fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
