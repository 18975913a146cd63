package comfy

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrSubmission  = errors.New("comfyui submission failed")
	ErrPoll        = errors.New("comfyui status poll failed")
	ErrPollTimeout = errors.New("comfyui job did not finish in time")
	ErrJobFailed   = errors.New("comfyui job failed")
	ErrNotReady    = errors.New("comfyui is not reachable")
)

// statusError is an unexpected HTTP status from the server.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// transient reports whether err is worth retrying: network failures and
// 5xx responses are, anything else is not.
func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var de *decodeError
	return !errors.As(err, &de)
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }

func (e *decodeError) Unwrap() error { return e.err }
