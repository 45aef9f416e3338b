package schedule

import (
	"errors"
	"fmt"
)

// ErrValidation indicates a malformed schedule expression or option.
var ErrValidation = errors.New("validation error")

func scheduleError(kind error, message string) error {
	return fmt.Errorf("%w: %s", kind, message)
}
