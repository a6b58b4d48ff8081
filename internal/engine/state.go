// Package engine orchestrates a full synchronization run between the local
// note store and a sync server, driving a state machine and reporting
// progress and conflicts to an observer.
package engine

import (
	"context"

	"github.com/fclairamb/notesync/internal/note"
	"github.com/fclairamb/notesync/internal/syncserver"
)

// State is the orchestrator's externally visible phase.
type State int

const (
	// Idle means no synchronization is running.
	Idle State = iota
	// NoConfiguredSyncService means no sync transport is configured.
	NoConfiguredSyncService
	// SyncServerCreationFailed means the transport could not be brought up.
	SyncServerCreationFailed
	// Connecting means the sync server is being created.
	Connecting
	// AcquiringLock means the run is waiting for the remote sync lock.
	AcquiringLock
	// Locked means another client holds the sync lock and the run gave up
	// waiting.
	Locked
	// PrepareDownload means remote updates are being enumerated.
	PrepareDownload
	// Downloading means remote updates are being applied locally.
	Downloading
	// PrepareUpload means local changes are being enumerated.
	PrepareUpload
	// Uploading means local changes are being pushed.
	Uploading
	// DeleteServerNotes means local deletions are being propagated.
	DeleteServerNotes
	// CommittingChanges means the transaction is being committed.
	CommittingChanges
	// Succeeded means the run completed.
	Succeeded
	// Failed means the run aborted on an error.
	Failed
	// UserCancelled means the user aborted the run from a conflict prompt.
	UserCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case NoConfiguredSyncService:
		return "no-configured-sync-service"
	case SyncServerCreationFailed:
		return "sync-server-creation-failed"
	case Connecting:
		return "connecting"
	case AcquiringLock:
		return "acquiring-lock"
	case Locked:
		return "locked"
	case PrepareDownload:
		return "prepare-download"
	case Downloading:
		return "downloading"
	case PrepareUpload:
		return "prepare-upload"
	case Uploading:
		return "uploading"
	case DeleteServerNotes:
		return "delete-server-notes"
	case CommittingChanges:
		return "committing-changes"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case UserCancelled:
		return "user-cancelled"
	default:
		return "unknown"
	}
}

// NoteSyncType describes what happened to one note during a run.
type NoteSyncType int

const (
	// UploadNew means a never-synced local note was pushed.
	UploadNew NoteSyncType = iota
	// UploadModified means a locally modified note was pushed.
	UploadModified
	// DownloadNew means a remote note was created locally.
	DownloadNew
	// DownloadModified means a remote change was applied to a local note.
	DownloadModified
	// DeleteFromServer means a local deletion was propagated to the store.
	DeleteFromServer
	// DeleteFromClient means a remote deletion was applied locally.
	DeleteFromClient
)

// String returns the sync type name.
func (t NoteSyncType) String() string {
	switch t {
	case UploadNew:
		return "upload-new"
	case UploadModified:
		return "upload-modified"
	case DownloadNew:
		return "download-new"
	case DownloadModified:
		return "download-modified"
	case DeleteFromServer:
		return "delete-from-server"
	case DeleteFromClient:
		return "delete-from-client"
	default:
		return "unknown"
	}
}

// ConflictResolution is the observer's verdict on a conflicting note.
type ConflictResolution int

const (
	// OverwriteExisting discards the local version in favor of the remote one.
	OverwriteExisting ConflictResolution = iota
	// RenameExistingAndUpdate keeps the local version under a new title and
	// applies the remote version under the original one.
	RenameExistingAndUpdate
	// RenameExistingNoUpdate keeps the local version under a new title
	// without pulling the remote version's links into it.
	RenameExistingNoUpdate
	// CancelSync aborts the whole run.
	CancelSync
)

// Observer receives progress callbacks during a run. NoteConflictDetected
// blocks the run until it returns; implementations may prompt the user.
type Observer interface {
	StateChanged(state State)
	NoteSynchronized(title string, syncType NoteSyncType)
	NoteConflictDetected(localNote *note.Note, remoteNote syncserver.NoteUpdate, noteUpdateTitles []string) ConflictResolution
}

// SyncServer is what the orchestrator needs from a sync transport.
type SyncServer interface {
	BeginSyncTransaction(ctx context.Context) (bool, error)
	CommitSyncTransaction(ctx context.Context) error
	CancelSyncTransaction(ctx context.Context) error
	LatestRevision(ctx context.Context) (int, error)
	NewRevision() int
	ID(ctx context.Context) (string, error)
	GetAllNoteUUIDs(ctx context.Context) ([]string, error)
	UpdatesAvailableSince(ctx context.Context, revision int) (bool, error)
	GetNoteUpdatesSince(ctx context.Context, revision int) (map[string]syncserver.NoteUpdate, error)
	UploadNotes(ctx context.Context, files []syncserver.NoteFile) error
	DeleteNotes(ctx context.Context, ids []string) error
	Close(ctx context.Context) error
}

// ServerFactory brings up a sync server for one run. It returns
// apperrors.ErrNoSyncService when no transport is configured.
type ServerFactory func(ctx context.Context) (SyncServer, error)

// silentObserver is the default observer: no output, and conflicts are
// resolved by taking the remote version.
type silentObserver struct{}

func (silentObserver) StateChanged(State) {}

func (silentObserver) NoteSynchronized(string, NoteSyncType) {}

func (silentObserver) NoteConflictDetected(*note.Note, syncserver.NoteUpdate, []string) ConflictResolution {
	return OverwriteExisting
}
