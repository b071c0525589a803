package artifact

import (
	"errors"
	"fmt"
)

// ErrNotAvailable is returned by Redeem for handles that are unknown, already
// consumed or expired. The three cases are deliberately indistinguishable.
var ErrNotAvailable = errors.New("artifact not available")

// StorageError reports a failure of the transient store or the registry while
// publishing or serving an artifact.
type StorageError struct {
	Operation string // "write", "register" or "read"
	Location  string // Storage location, if known
	Err       error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("storage %s failed for %s: %v", e.Operation, e.Location, e.Err)
	}

	return fmt.Sprintf("storage %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
