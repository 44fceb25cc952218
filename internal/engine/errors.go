package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/lmsync/internal/model"
)

// ErrSyncFailed is the generic failure of a user-requested sync that could
// not reach the server or was interrupted ("sync error").
var ErrSyncFailed = errors.New("sync error")

// ErrClosed is returned by operations on a closed Engine.
var ErrClosed = errors.New("engine closed")

// SyncError reports a failed manual sync.
//
// It matches ErrSyncFailed with errors.Is and unwraps to the classified
// cause, so remote.IsTransient and friends keep working.
type SyncError struct {
	// Key identifies the resource that failed to sync.
	Key model.ResourceKey

	// Result holds what the run achieved before failing.
	Result model.SyncResult

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSyncFailed, e.Key, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is reports ErrSyncFailed.
func (e *SyncError) Is(target error) bool {
	return target == ErrSyncFailed
}

// IsSyncFailed returns true if err is a failed manual sync.
// Uses errors.Is to handle wrapped errors.
func IsSyncFailed(err error) bool {
	return errors.Is(err, ErrSyncFailed)
}
