package media

import (
	"errors"
	"fmt"
)

type DeviceErrorReason string

const (
	ReasonDenied                DeviceErrorReason = "denied"
	ReasonNotFound              DeviceErrorReason = "not-found"
	ReasonConstraintUnsatisfied DeviceErrorReason = "constraint-unsatisfied"
)

var (
	ErrNoDevice        = errors.New("no capture device")
	ErrPermission      = errors.New("capture permission denied")
	ErrUnsupportedKind = errors.New("unsupported media kind")
)

// DeviceError is surfaced to the user as is. Capture is never retried.
type DeviceError struct {
	Reason DeviceErrorReason
	Err    error
}

func NewDeviceError(reason DeviceErrorReason, err error) *DeviceError {
	return &DeviceError{Reason: reason, Err: err}
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device error (%s)", e.Reason)
	}
	return fmt.Sprintf("device error (%s): %v", e.Reason, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// AsDeviceError normalizes any acquisition failure into a DeviceError.
func AsDeviceError(err error) *DeviceError {
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	switch {
	case errors.Is(err, ErrPermission):
		return NewDeviceError(ReasonDenied, err)
	case errors.Is(err, ErrUnsupportedKind):
		return NewDeviceError(ReasonConstraintUnsatisfied, err)
	default:
		return NewDeviceError(ReasonNotFound, err)
	}
}
