package autopilot

import (
	"errors"
	"net/http"
)

// haltedError is returned while the controller is halted after a failed
// restore.
type haltedError struct{ reason string }

func (e haltedError) Error() string   { return "controller halted: " + e.reason }
func (e haltedError) StatusCode() int { return http.StatusConflict }

// IsHalted reports whether err indicates the halted controller.
func IsHalted(err error) bool {
	var h haltedError
	return errors.As(err, &h)
}

// ErrAlreadyRunning is returned by Start on a running controller.
var ErrAlreadyRunning = errors.New("controller already running")

// badRequestError marks invalid caller input.
type badRequestError struct{ msg string }

func (e badRequestError) Error() string   { return e.msg }
func (e badRequestError) StatusCode() int { return http.StatusBadRequest }

// IsBadRequest reports whether err was caused by invalid input.
func IsBadRequest(err error) bool {
	var b badRequestError
	return errors.As(err, &b)
}
