// Package apperrors provides common static errors used throughout the application.
package apperrors

import (
	"errors"
	"fmt"
)

// TransferError reports an aggregate file transfer failure: the batch ran to
// completion (or was aborted) with this many items still failed.
type TransferError struct {
	Op     string
	Failed int
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %d file transfers failed", e.Op, e.Failed)
}

// NewTransferError creates a new TransferError.
func NewTransferError(op string, failed int) *TransferError {
	return &TransferError{Op: op, Failed: failed}
}

// Common static errors used throughout the application.
var (
	// ErrSyncInProgress is returned when a synchronization transaction is already running.
	ErrSyncInProgress = errors.New("synchronization already in progress")

	// ErrSyncCancelled is returned when the user cancels a synchronization from a conflict prompt.
	ErrSyncCancelled = errors.New("synchronization cancelled by user")

	// ErrNoSyncService is returned when no sync service is configured.
	ErrNoSyncService = errors.New("no sync service configured (set NSYNC_SYNC_DIR or NSYNC_GIT_URL)")

	// ErrNoTransaction is returned when a transaction operation is attempted outside an open transaction.
	ErrNoTransaction = errors.New("no sync transaction in progress")

	// ErrTransactionOpen is returned when a transaction is begun while another is still open.
	ErrTransactionOpen = errors.New("sync transaction already open")

	// ErrStateLocked is returned when the local sync state file is locked by another process.
	ErrStateLocked = errors.New("local sync state is locked by another notesync process")

	// ErrNoteExists is returned when creating a note whose title or id is already taken.
	ErrNoteExists = errors.New("note already exists")

	// ErrNoteTitleRequired is returned when a note command is missing its title argument.
	ErrNoteTitleRequired = errors.New("note title required")

	// ErrNoteNotFound is returned when a note lookup fails.
	ErrNoteNotFound = errors.New("note not found")

	// ErrSyncRootNotFound is returned when the sync root directory does not exist.
	ErrSyncRootNotFound = errors.New("sync root directory not found")

	// ErrHTTPSPasswordRequired is returned when an HTTPS git URL is used without NSYNC_GIT_PASS.
	ErrHTTPSPasswordRequired = errors.New("NSYNC_GIT_PASS required for HTTPS URLs")

	// ErrRemoteNotConfigured is returned when a git remote operation is attempted but no remote is configured.
	ErrRemoteNotConfigured = errors.New("no git remote configured")
)
