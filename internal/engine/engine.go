package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fclairamb/notesync/internal/apperrors"
	"github.com/fclairamb/notesync/internal/note"
	"github.com/fclairamb/notesync/internal/syncclient"
	"github.com/fclairamb/notesync/internal/syncserver"
)

const (
	defaultLockPollInterval = 10 * time.Second
	defaultMaxLockWait      = 4 * time.Minute
)

// Manager runs synchronizations. One Manager serves one note store; at most
// one run is active at a time.
type Manager struct {
	store   *note.Store
	client  *syncclient.Client
	factory ServerFactory

	observer         Observer
	lockPollInterval time.Duration
	maxLockWait      time.Duration
	logger           *slog.Logger

	running atomic.Bool

	mu    sync.Mutex
	state State
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver sets the progress observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithLogger sets a custom logger for the manager.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithLockPollInterval sets how often a run re-checks a foreign sync lock.
func WithLockPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.lockPollInterval = d
	}
}

// WithMaxLockWait bounds how long a run waits for the sync lock before
// failing. It must exceed the lock duration for abandoned-lock recovery to
// ever trigger.
func WithMaxLockWait(d time.Duration) Option {
	return func(m *Manager) {
		m.maxLockWait = d
	}
}

// New creates a synchronization manager.
func New(store *note.Store, client *syncclient.Client, factory ServerFactory, opts ...Option) *Manager {
	manager := &Manager{
		store:            store,
		client:           client,
		factory:          factory,
		observer:         silentObserver{},
		lockPollInterval: defaultLockPollInterval,
		maxLockWait:      defaultMaxLockWait,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

// State returns the current orchestrator state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(ctx context.Context, s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "sync state changed", "state", s.String())
	m.observer.StateChanged(s)
}

// Synchronize runs one full synchronization. It returns ErrSyncInProgress if
// a run is already active, ErrSyncCancelled if the observer aborted it, and
// nil on success. Whatever happens, the manager ends back in Idle.
func (m *Manager) Synchronize(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return apperrors.ErrSyncInProgress
	}
	defer m.running.Store(false)

	err := m.synchronize(ctx)
	switch {
	case err == nil:
		m.setState(ctx, Succeeded)
	case errors.Is(err, apperrors.ErrSyncCancelled):
		m.setState(ctx, UserCancelled)
	case errors.Is(err, apperrors.ErrSyncInProgress):
		// Contention with another client ends in Locked, not Failed;
		// acquireLock has already reported it.
	default:
		m.setState(ctx, Failed)
	}
	m.setState(ctx, Idle)
	return err
}

func (m *Manager) synchronize(ctx context.Context) error {
	m.setState(ctx, Connecting)
	server, err := m.factory(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoSyncService) {
			m.setState(ctx, NoConfiguredSyncService)
		} else {
			m.setState(ctx, SyncServerCreationFailed)
		}
		return err
	}
	defer func() {
		if closeErr := server.Close(ctx); closeErr != nil {
			m.logger.WarnContext(ctx, "failed to close sync server", "error", closeErr)
		}
	}()

	m.setState(ctx, AcquiringLock)
	if err := m.acquireLock(ctx, server); err != nil {
		return err
	}

	m.client.BeginSynchronization()
	if err := m.run(ctx, server); err != nil {
		if cancelErr := server.CancelSyncTransaction(ctx); cancelErr != nil {
			m.logger.WarnContext(ctx, "failed to cancel sync transaction", "error", cancelErr)
		}
		if cancelErr := m.client.CancelSynchronization(); cancelErr != nil {
			m.logger.WarnContext(ctx, "failed to roll back local sync state", "error", cancelErr)
		}
		return err
	}
	return m.client.EndSynchronization()
}

// acquireLock polls BeginSyncTransaction until the lock is ours. The server
// itself handles abandoned-lock recovery; this loop just supplies patience.
// Giving up on a foreign lock is reported as Locked, not as a failure.
func (m *Manager) acquireLock(ctx context.Context, server SyncServer) error {
	deadline := time.Now().Add(m.maxLockWait)
	for {
		acquired, err := server.BeginSyncTransaction(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			m.setState(ctx, Locked)
			return fmt.Errorf("%w: lock not released within %s", apperrors.ErrSyncInProgress, m.maxLockWait)
		}

		m.logger.InfoContext(ctx, "sync store locked by another client, waiting", "retry_in", m.lockPollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.lockPollInterval):
		}
	}
}

// run executes the locked portion of a synchronization.
func (m *Manager) run(ctx context.Context, server SyncServer) error {
	if err := m.checkServerIdentity(ctx, server); err != nil {
		return err
	}
	m.detectLocalDeletions()

	m.setState(ctx, PrepareDownload)
	newRevision := server.NewRevision()
	updates, err := server.GetNoteUpdatesSince(ctx, m.client.LastSynchronizedRevision())
	if err != nil {
		return err
	}

	downloaded := make(map[string]bool, len(updates))
	if len(updates) > 0 {
		if err := m.resolveIncomingTitleConflicts(ctx, updates); err != nil {
			return err
		}
		m.setState(ctx, Downloading)
		if err := m.applyUpdates(ctx, updates, downloaded); err != nil {
			return err
		}
	}

	if err := m.applyRemoteDeletions(ctx, server); err != nil {
		return err
	}

	m.setState(ctx, PrepareUpload)
	uploads, err := m.collectUploads(downloaded)
	if err != nil {
		return err
	}
	if len(uploads) > 0 {
		m.setState(ctx, Uploading)
		if err := m.uploadNotes(ctx, server, uploads); err != nil {
			return err
		}
	}

	deletions := m.client.DeletedNotes()
	if len(deletions) > 0 {
		m.setState(ctx, DeleteServerNotes)
		if err := m.deleteServerNotes(ctx, server, deletions); err != nil {
			return err
		}
	}

	m.setState(ctx, CommittingChanges)
	if err := server.CommitSyncTransaction(ctx); err != nil {
		return err
	}
	return m.recordOutcome(uploads, deletions, newRevision)
}

// checkServerIdentity resets the local pairing when the remote store is not
// the one this client last synced with (wiped or replaced store).
func (m *Manager) checkServerIdentity(ctx context.Context, server SyncServer) error {
	serverID, err := server.ID(ctx)
	if err != nil {
		return err
	}
	if known := m.client.AssociatedServerID(); known != "" && known != serverID {
		m.logger.WarnContext(ctx, "sync store identity changed, resetting local sync state", "old_server_id", known, "new_server_id", serverID)
		if err := m.client.Reset(); err != nil {
			return err
		}
	}
	return m.client.SetAssociatedServerID(serverID)
}

// detectLocalDeletions records notes that were synced before but no longer
// exist locally. Titles are unknown at this point; the id stands in.
func (m *Manager) detectLocalDeletions() {
	for _, id := range m.client.SynchronizedNoteIDs() {
		if m.store.FindByID(id) != nil {
			continue
		}
		if err := m.client.AddDeletedNote(id, ""); err != nil {
			m.logger.Warn("failed to record local deletion", "id", id, "error", err)
		}
	}
}

func sortedUpdateIDs(updates map[string]syncserver.NoteUpdate) []string {
	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func updateTitles(updates map[string]syncserver.NoteUpdate) []string {
	titles := make([]string, 0, len(updates))
	for _, id := range sortedUpdateIDs(updates) {
		titles = append(titles, updates[id].Title)
	}
	return titles
}

// resolveIncomingTitleConflicts runs the early conflict pass: incoming notes
// this client has never seen whose title collides with an existing local
// note. Incoming titles are not cross-checked against each other; the store
// is trusted not to hold duplicates.
func (m *Manager) resolveIncomingTitleConflicts(ctx context.Context, updates map[string]syncserver.NoteUpdate) error {
	titles := updateTitles(updates)
	for _, id := range sortedUpdateIDs(updates) {
		update := updates[id]
		if m.store.FindByID(id) != nil {
			continue
		}
		existing := m.store.Find(update.Title)
		if existing == nil || update.BasicallyEqualTo(existing) {
			continue
		}
		if err := m.resolveConflict(ctx, existing, update, titles); err != nil {
			return err
		}
	}
	return nil
}

// resolveConflict asks the observer and applies its verdict to the local
// note. The remote version itself is applied by the caller afterwards.
func (m *Manager) resolveConflict(ctx context.Context, local *note.Note, update syncserver.NoteUpdate, titles []string) error {
	m.logger.InfoContext(ctx, "note conflict detected", "title", local.Title, "local_id", local.ID, "remote_id", update.UUID)

	switch m.observer.NoteConflictDetected(local, update, titles) {
	case CancelSync:
		return apperrors.ErrSyncCancelled
	case OverwriteExisting:
		if local.ID == update.UUID {
			// Same note on both sides; the download pass overwrites it.
			return nil
		}
		return m.deleteLocalNote(local)
	case RenameExistingAndUpdate, RenameExistingNoUpdate:
		// Whole notes are the unit of sync, so both rename flavors keep the
		// local version under a fresh title and id.
		return m.duplicateAside(ctx, local, update)
	default:
		return fmt.Errorf("unknown conflict resolution for note %q", local.Title)
	}
}

// duplicateAside preserves the local version of a conflicting note as a new
// note, freeing the original title and id for the remote version.
func (m *Manager) duplicateAside(ctx context.Context, local *note.Note, update syncserver.NoteUpdate) error {
	title := m.freeTitle(local.Title + " (old)")
	copyNote, err := m.store.Create(title, local.Content)
	if err != nil {
		return err
	}
	copyNote.Tags = append([]string(nil), local.Tags...)
	if err := m.store.Save(copyNote); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "kept local version of conflicting note", "title", title, "id", copyNote.ID)

	if local.ID == update.UUID {
		// The download pass overwrites the original in place.
		return nil
	}
	return m.deleteLocalNote(local)
}

// deleteLocalNote removes a note from the local store. A note that was synced
// before gets a deletion record first, so its manifest entry is removed on
// this run rather than orphaned.
func (m *Manager) deleteLocalNote(n *note.Note) error {
	if m.client.GetRevision(n.ID) != syncclient.UnknownRevision {
		if err := m.client.AddDeletedNote(n.ID, n.Title); err != nil {
			return err
		}
	}
	if err := m.store.Delete(n); err != nil {
		return err
	}
	return m.client.RemoveNote(n.ID)
}

func (m *Manager) freeTitle(base string) string {
	if m.store.Find(base) == nil {
		return base
	}
	for i := 2; ; i++ {
		title := fmt.Sprintf("%s %d", base, i)
		if m.store.Find(title) == nil {
			return title
		}
	}
}

// applyUpdates brings every downloaded snapshot into the local store and
// records which notes it touched, so the upload pass does not bounce them
// straight back.
func (m *Manager) applyUpdates(ctx context.Context, updates map[string]syncserver.NoteUpdate, downloaded map[string]bool) error {
	titles := updateTitles(updates)
	for _, id := range sortedUpdateIDs(updates) {
		update := updates[id]
		if err := m.applyUpdate(ctx, update, titles); err != nil {
			return err
		}
		if err := m.client.SetRevision(id, update.Revision); err != nil {
			return err
		}
		downloaded[id] = true
	}
	return nil
}

func (m *Manager) applyUpdate(ctx context.Context, update syncserver.NoteUpdate, titles []string) error {
	local := m.store.FindByID(update.UUID)
	if local == nil {
		return m.createFromUpdate(ctx, update)
	}

	modifiedLocally := local.LastChangeTime.After(m.client.LastSyncDate())
	if modifiedLocally && !update.BasicallyEqualTo(local) {
		if err := m.resolveConflict(ctx, local, update, titles); err != nil {
			return err
		}
		// The local note may have been deleted or set aside by the verdict.
		local = m.store.FindByID(update.UUID)
		if local == nil {
			return m.createFromUpdate(ctx, update)
		}
	}

	if err := m.store.LoadForeignXML(ctx, local, update.XMLContent); err != nil {
		return err
	}
	m.observer.NoteSynchronized(local.Title, DownloadModified)
	return nil
}

// createFromUpdate materializes a remote note locally. A remote update for a
// note deleted locally wins over the pending deletion.
func (m *Manager) createFromUpdate(ctx context.Context, update syncserver.NoteUpdate) error {
	if err := m.client.ClearDeletedNote(update.UUID); err != nil {
		return err
	}

	// A same-titled local note that survived the early conflict pass is
	// content-equal; the incoming note replaces it.
	if stray := m.store.Find(update.Title); stray != nil {
		if err := m.deleteLocalNote(stray); err != nil {
			return err
		}
	}

	created, err := m.store.CreateWithID(update.Title, "", update.UUID)
	if err != nil {
		return err
	}
	if err := m.store.LoadForeignXML(ctx, created, update.XMLContent); err != nil {
		return err
	}
	m.observer.NoteSynchronized(created.Title, DownloadNew)
	return nil
}

// applyRemoteDeletions removes local notes that were synced before but no
// longer exist in the store's manifest.
func (m *Manager) applyRemoteDeletions(ctx context.Context, server SyncServer) error {
	remoteIDs, err := server.GetAllNoteUUIDs(ctx)
	if err != nil {
		return err
	}
	remote := make(map[string]bool, len(remoteIDs))
	for _, id := range remoteIDs {
		remote[id] = true
	}

	for _, id := range m.client.SynchronizedNoteIDs() {
		if remote[id] {
			continue
		}
		local := m.store.FindByID(id)
		if local == nil {
			// Deleted on both sides; drop the bookkeeping.
			if err := m.client.RemoveNote(id); err != nil {
				return err
			}
			if err := m.client.ClearDeletedNote(id); err != nil {
				return err
			}
			continue
		}
		if local.LastChangeTime.After(m.client.LastSyncDate()) {
			// Modified here since the remote deletion; the upload pass will
			// push it back as a new note.
			if err := m.client.RemoveNote(id); err != nil {
				return err
			}
			continue
		}
		m.logger.InfoContext(ctx, "applying remote deletion", "title", local.Title, "id", id)
		if err := m.store.Delete(local); err != nil {
			return err
		}
		if err := m.client.RemoveNote(id); err != nil {
			return err
		}
		m.observer.NoteSynchronized(local.Title, DeleteFromClient)
	}
	return nil
}

type upload struct {
	note     *note.Note
	syncType NoteSyncType
}

// collectUploads enumerates local notes to push: never-synced notes and notes
// modified since the last completed synchronization. Notes this run just
// downloaded already carry the remote state and are skipped.
func (m *Manager) collectUploads(downloaded map[string]bool) ([]upload, error) {
	var uploads []upload
	err := m.store.ForEach(func(n *note.Note) error {
		switch {
		case downloaded[n.ID]:
		case m.client.GetRevision(n.ID) == syncclient.UnknownRevision:
			uploads = append(uploads, upload{note: n, syncType: UploadNew})
		case n.LastChangeTime.After(m.client.LastSyncDate()):
			uploads = append(uploads, upload{note: n, syncType: UploadModified})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uploads, nil
}

func (m *Manager) uploadNotes(ctx context.Context, server SyncServer, uploads []upload) error {
	files := make([]syncserver.NoteFile, 0, len(uploads))
	for _, u := range uploads {
		files = append(files, syncserver.NoteFile{ID: u.note.ID, Path: m.store.NotePath(u.note)})
	}
	if err := server.UploadNotes(ctx, files); err != nil {
		return err
	}
	for _, u := range uploads {
		m.observer.NoteSynchronized(u.note.Title, u.syncType)
	}
	return nil
}

func (m *Manager) deleteServerNotes(ctx context.Context, server SyncServer, deletions []syncclient.DeletedNote) error {
	ids := make([]string, 0, len(deletions))
	for _, d := range deletions {
		ids = append(ids, d.ID)
	}
	if err := server.DeleteNotes(ctx, ids); err != nil {
		return err
	}
	for _, d := range deletions {
		title := d.Title
		if title == "" {
			title = d.ID
		}
		m.observer.NoteSynchronized(title, DeleteFromServer)
	}
	return nil
}

// recordOutcome stamps the committed revision on everything this run pushed
// and advances the client to the store's new revision. The store revision is
// the transaction's target revision when anything was committed, one less for
// an empty transaction; re-reading it from the store after the lock is
// released could observe another client's newer commit.
func (m *Manager) recordOutcome(uploads []upload, deletions []syncclient.DeletedNote, newRevision int) error {
	for _, u := range uploads {
		if err := m.client.SetRevision(u.note.ID, newRevision); err != nil {
			return err
		}
	}
	for _, d := range deletions {
		if err := m.client.ClearDeletedNote(d.ID); err != nil {
			return err
		}
		if err := m.client.RemoveNote(d.ID); err != nil {
			return err
		}
	}

	latest := newRevision - 1
	if len(uploads) > 0 || len(deletions) > 0 {
		latest = newRevision
	}
	if err := m.client.SetLastSynchronizedRevision(latest); err != nil {
		return err
	}
	return m.client.SetLastSyncDate(time.Now())
}

// syncNeeded is the lock-free pre-check for background runs: it reports
// whether either side has pending changes, without opening a transaction.
func (m *Manager) syncNeeded(ctx context.Context) (bool, error) {
	if len(m.client.DeletedNotes()) > 0 {
		return true, nil
	}
	for _, id := range m.client.SynchronizedNoteIDs() {
		if m.store.FindByID(id) == nil {
			return true, nil
		}
	}
	uploads, err := m.collectUploads(nil)
	if err != nil {
		return false, err
	}
	if len(uploads) > 0 {
		return true, nil
	}

	server, err := m.factory(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if closeErr := server.Close(ctx); closeErr != nil {
			m.logger.WarnContext(ctx, "failed to close sync server", "error", closeErr)
		}
	}()
	return server.UpdatesAvailableSince(ctx, m.client.LastSynchronizedRevision())
}
