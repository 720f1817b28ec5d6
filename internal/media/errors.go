package media

import (
	"errors"
	"fmt"
)

// ErrDeviceAccess matches every [*DeviceAccessError] via errors.Is.
var ErrDeviceAccess = errors.New("media: device access failed")

// DeviceAccessError reports that the capture device could not be opened,
// either because access was denied or because no device matched.
type DeviceAccessError struct {
	// DeviceID is the requested device; empty means the default device.
	DeviceID string
	Err      error
}

func (e *DeviceAccessError) Error() string {
	id := e.DeviceID
	if id == "" {
		id = "default"
	}
	return fmt.Sprintf("media: cannot access capture device %q: %v", id, e.Err)
}

// Unwrap exposes both [ErrDeviceAccess] and the underlying cause.
func (e *DeviceAccessError) Unwrap() []error {
	return []error{ErrDeviceAccess, e.Err}
}
