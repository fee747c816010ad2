package nvs

import (
	"errors"
	"fmt"
)

// Storage error taxonomy. Callers match with errors.Is.
var (
	// ErrStoreUnavailable is returned when the medium cannot be opened or initialized.
	ErrStoreUnavailable = errors.New("nvs: store unavailable")
	// ErrStoreCorrupt covers every condition Init recovers from by erasing the partition.
	ErrStoreCorrupt = errors.New("nvs: store corrupt")
	// ErrNoFreePages means the partition holds more entries than its capacity
	// allows, which no commit can produce.
	ErrNoFreePages = fmt.Errorf("%w: no free pages", ErrStoreCorrupt)
	// ErrNewVersionFound means the partition was written by an incompatible format version.
	ErrNewVersionFound = fmt.Errorf("%w: new format version found", ErrStoreCorrupt)

	ErrNotFound      = errors.New("nvs: key not found")
	ErrCommitFailed  = errors.New("nvs: commit failed")
	ErrNoSpace       = errors.New("nvs: not enough space")
	ErrInvalidLength = errors.New("nvs: invalid length")
	ErrInvalidName   = errors.New("nvs: invalid namespace or key name")
	ErrTypeMismatch  = errors.New("nvs: type mismatch")
	ErrReadOnly      = errors.New("nvs: handle is read-only")
	ErrHandleClosed  = errors.New("nvs: handle is closed")
)
