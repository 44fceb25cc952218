package syncer

import (
	"errors"
	"fmt"

	"github.com/roach88/lmsync/internal/model"
)

// ErrBlocked is returned when a sync is attempted for a key that an
// operation currently blocks.
var ErrBlocked = errors.New("sync blocked")

// BlockedError reports which operation blocks the key.
type BlockedError struct {
	Key       model.ResourceKey
	Operation string
}

// Error implements the error interface.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("sync of %s blocked by %s", e.Key, e.Operation)
}

// Is reports ErrBlocked so callers can use errors.Is.
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// IsBlocked returns true if err reports a blocked sync.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrBlocked)
}
