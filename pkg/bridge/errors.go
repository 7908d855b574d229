package bridge

import (
	"errors"
	"fmt"
)

// ErrValidation marks a management request that is missing a required field
// or carries an invalid value.
var ErrValidation = errors.New("validation failed")

// Validationf returns an ErrValidation wrapping the formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// DeviceCallError is returned when the device HTTP call for an action fails
// or answers outside the 2xx range.
type DeviceCallError struct {
	Err      error
	Endpoint string
}

func (e *DeviceCallError) Error() string {
	return fmt.Sprintf("device call %s: %v", e.Endpoint, e.Err)
}

func (e *DeviceCallError) Unwrap() error {
	return e.Err
}
