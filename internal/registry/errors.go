package registry

import (
	"errors"
	"fmt"
	"time"
)

// RegistrationTimeoutError is returned when the registrar did not assign a
// remote id to a local element within the registration timeout.
type RegistrationTimeoutError struct {
	LocalID string
	Timeout time.Duration
}

func (e *RegistrationTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for remote id of element %s", e.Timeout, e.LocalID)
}

// IsRegistrationTimeout reports whether err wraps a RegistrationTimeoutError
func IsRegistrationTimeout(err error) bool {
	var timeoutErr *RegistrationTimeoutError
	return errors.As(err, &timeoutErr)
}
