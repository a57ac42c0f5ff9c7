package deploy

import (
	"errors"
	"strings"
)

// ErrRestoreFailed means the active slot could not be returned to its
// backup. The production model state is unknown; callers must halt.
var ErrRestoreFailed = errors.New("restore after failed deployment did not complete")

// ValidationError rejects a candidate before the active slot is touched.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "candidate failed validation: " + strings.Join(e.Reasons, "; ")
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// DeploymentError is a failure during swap or smoke check. Restored says
// whether the backup was put back.
type DeploymentError struct {
	Stage    string
	Err      error
	Restored bool
}

func (e *DeploymentError) Error() string {
	msg := "deployment failed at " + e.Stage + ": " + e.Err.Error()
	if e.Restored {
		return msg + " (previous model restored)"
	}
	return msg + " (restore failed)"
}

func (e *DeploymentError) Unwrap() error { return e.Err }

// Is matches ErrRestoreFailed when the restore did not succeed.
func (e *DeploymentError) Is(target error) bool {
	return target == ErrRestoreFailed && !e.Restored
}

// IsDeployment reports whether err is a DeploymentError.
func IsDeployment(err error) bool {
	var d *DeploymentError
	return errors.As(err, &d)
}

// IsRestoreFailed reports the fatal condition.
func IsRestoreFailed(err error) bool { return errors.Is(err, ErrRestoreFailed) }
