// Package syncserver implements the manifest-and-lock sync protocol over a
// storage root: revision-bucketed note snapshots, an authoritative manifest,
// and an expiring lock file guarding transactions.
package syncserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fclairamb/notesync/internal/apperrors"
	"github.com/fclairamb/notesync/internal/storage"
	"github.com/fclairamb/notesync/internal/transfer"
)

const oldManifestFileName = manifestFileName + ".old"

// NoteFile is a local note payload to upload: its id and on-disk path.
type NoteFile struct {
	ID   string
	Path string
}

// FileSyncServer speaks the sync protocol against a storage root.
type FileSyncServer struct {
	root     storage.Root
	clientID string
	serverID string

	lockDuration time.Duration
	cacheDir     string
	ownCacheDir  bool

	newRevision   int
	inTransaction bool
	updatedNotes  map[string]bool
	deletedNotes  map[string]bool

	// Lock-steal tracking across Begin attempts.
	initialSyncAttempt time.Time
	lastSyncLockHash   string

	lockMu      sync.Mutex
	syncLock    *SyncLockInfo
	renewCancel context.CancelFunc
	renewDone   chan struct{}

	transferOpts []transfer.Option
	logger       *slog.Logger
}

// Option configures a FileSyncServer.
type Option func(*FileSyncServer)

// WithLockDuration sets the declared validity of the sync lock.
func WithLockDuration(d time.Duration) Option {
	return func(s *FileSyncServer) {
		s.lockDuration = d
	}
}

// WithLogger sets a custom logger for the server.
func WithLogger(l *slog.Logger) Option {
	return func(s *FileSyncServer) {
		s.logger = l
	}
}

// WithCacheDir sets the local directory used to stage downloaded snapshots.
// Without it a temporary directory is created and removed on Close.
func WithCacheDir(dir string) Option {
	return func(s *FileSyncServer) {
		s.cacheDir = dir
		s.ownCacheDir = false
	}
}

// WithTransferOptions passes options through to the transfer engines used for
// uploads and downloads.
func WithTransferOptions(opts ...transfer.Option) Option {
	return func(s *FileSyncServer) {
		s.transferOpts = opts
	}
}

// New creates a sync server over a storage root. The client id identifies
// this installation in lock files.
func New(ctx context.Context, root storage.Root, clientID string, opts ...Option) (*FileSyncServer, error) {
	server := &FileSyncServer{
		root:         root,
		clientID:     clientID,
		lockDuration: DefaultLockDuration,
		ownCacheDir:  true,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(server)
	}

	if server.cacheDir == "" {
		dir, err := os.MkdirTemp("", "notesync-cache-")
		if err != nil {
			return nil, fmt.Errorf("create sync cache directory: %w", err)
		}
		server.cacheDir = dir
	}

	latest, err := server.LatestRevision(ctx)
	if err != nil {
		return nil, err
	}
	server.newRevision = latest + 1

	server.logger.DebugContext(ctx, "sync server ready", "latest_revision", latest, "new_revision", server.newRevision)
	return server, nil
}

// Close releases the server: stops lock renewal, drops the staging cache and
// closes the underlying root.
func (s *FileSyncServer) Close(ctx context.Context) error {
	s.stopRenewal()
	if s.ownCacheDir {
		if err := os.RemoveAll(s.cacheDir); err != nil {
			s.logger.WarnContext(ctx, "failed to remove sync cache directory", "dir", s.cacheDir, "error", err)
		}
	}
	return s.root.Close(ctx)
}

// NewRevision returns the revision this server's next commit will create.
func (s *FileSyncServer) NewRevision() int {
	return s.newRevision
}

// ID returns the store's server id, generating and caching one for stores
// that have never been synced.
func (s *FileSyncServer) ID(ctx context.Context) (string, error) {
	if s.serverID != "" {
		return s.serverID, nil
	}

	if manifest := s.readManifest(ctx); manifest != nil && manifest.ServerID != "" {
		s.serverID = manifest.ServerID
		return s.serverID, nil
	}

	s.serverID = uuid.NewString()
	s.logger.InfoContext(ctx, "assigned new server id", "server_id", s.serverID)
	return s.serverID, nil
}

// LatestRevision returns the revision of the store, -1 when it has never been
// synced. When the top-level manifest is missing or corrupt, it falls back to
// scanning revision directories, deleting corrupt ones along the way.
func (s *FileSyncServer) LatestRevision(ctx context.Context) (int, error) {
	if manifest := s.readManifest(ctx); manifest != nil {
		return manifest.Revision, nil
	}

	for {
		rev, dir, found, err := s.scanLatestRevisionDir(ctx)
		if err != nil {
			return 0, err
		}
		if !found {
			return -1, nil
		}

		data, err := s.root.Read(ctx, path.Join(dir, manifestFileName))
		if err == nil {
			if _, perr := parseManifest(data); perr == nil {
				return rev, nil
			}
		}

		s.logger.WarnContext(ctx, "deleting corrupt revision directory", "dir", dir, "revision", rev)
		if err := s.root.DeleteAll(ctx, dir); err != nil {
			return 0, fmt.Errorf("delete corrupt revision directory %s: %w", dir, err)
		}
	}
}

// scanLatestRevisionDir walks the revision buckets (0, 1, 2, ...) and
// returns the highest revision directory present. Buckets fill contiguously
// from zero, so the scan stops at the first empty one.
func (s *FileSyncServer) scanLatestRevisionDir(ctx context.Context) (int, string, bool, error) {
	best := -1
	bestDir := ""
	for bucket := 0; ; bucket++ {
		bucketDir := strconv.Itoa(bucket)
		children, err := s.root.List(ctx, bucketDir)
		if err != nil {
			return 0, "", false, fmt.Errorf("list revision bucket %s: %w", bucketDir, err)
		}
		if len(children) == 0 {
			break
		}
		for _, child := range children {
			if !child.IsDir {
				continue
			}
			rev, err := strconv.Atoi(path.Base(child.Path))
			if err != nil {
				continue
			}
			if rev > best {
				best = rev
				bestDir = child.Path
			}
		}
	}
	if best < 0 {
		return 0, "", false, nil
	}
	return best, bestDir, true, nil
}

// readManifest reads and parses the top-level manifest. Missing or corrupt
// manifests yield nil; corruption is recovered from elsewhere.
func (s *FileSyncServer) readManifest(ctx context.Context) *Manifest {
	data, err := s.root.Read(ctx, manifestFileName)
	if err != nil {
		return nil
	}
	manifest, err := parseManifest(data)
	if err != nil {
		s.logger.WarnContext(ctx, "ignoring corrupt manifest", "error", err)
		return nil
	}
	return manifest
}

// CurrentSyncLock returns the lock currently present on the store, nil when
// the store is unlocked. A corrupt lock file reads as unlocked.
func (s *FileSyncServer) CurrentSyncLock(ctx context.Context) (*SyncLockInfo, error) {
	data, err := s.root.Read(ctx, lockFileName)
	if err != nil {
		exists, exErr := s.root.Exists(ctx, lockFileName)
		if exErr == nil && !exists {
			return nil, nil
		}
		return nil, fmt.Errorf("read sync lock: %w", err)
	}

	lock, err := parseLock(data)
	if err != nil {
		s.logger.WarnContext(ctx, "ignoring corrupt sync lock", "error", err)
		return nil, nil //nolint:nilerr // corrupt lock is treated as absent
	}
	return lock, nil
}

// BeginSyncTransaction tries to acquire the store for writing. It returns
// false (without error) while another client's lock is live; callers poll.
// A foreign lock that has not been renewed within its declared duration is
// treated as abandoned and cleaned up.
func (s *FileSyncServer) BeginSyncTransaction(ctx context.Context) (bool, error) {
	if s.inTransaction {
		return false, apperrors.ErrTransactionOpen
	}

	lock, err := s.CurrentSyncLock(ctx)
	if err != nil {
		return false, err
	}
	if lock != nil {
		hash := lock.HashString()
		if s.lastSyncLockHash != hash {
			// First sight of this lock state: start (or restart) the wait.
			s.lastSyncLockHash = hash
			s.initialSyncAttempt = time.Now()
			s.logger.DebugContext(ctx, "sync store locked, waiting", "client_id", lock.ClientID, "duration", lock.Duration)
			return false, nil
		}
		if time.Since(s.initialSyncAttempt) <= lock.Duration {
			return false, nil
		}
		s.logger.InfoContext(ctx, "cleaning up expired sync lock", "client_id", lock.ClientID, "renew_count", lock.RenewCount)
		if err := s.cleanupOldSync(ctx); err != nil {
			return false, err
		}
	}

	// Another client may have committed while we waited.
	latest, err := s.LatestRevision(ctx)
	if err != nil {
		return false, err
	}
	s.newRevision = latest + 1

	s.syncLock = newSyncLock(s.clientID, s.newRevision, s.lockDuration)
	if err := s.writeLock(ctx); err != nil {
		return false, err
	}

	s.inTransaction = true
	s.updatedNotes = make(map[string]bool)
	s.deletedNotes = make(map[string]bool)
	s.lastSyncLockHash = ""
	s.startRenewal()

	s.logger.InfoContext(ctx, "sync transaction started", "transaction_id", s.syncLock.TransactionID, "new_revision", s.newRevision)
	return true, nil
}

// cleanupOldSync recovers from an abandoned transaction: restores the
// manifest from the newest intact revision directory if the top-level copy is
// corrupt, then removes the stale lock.
func (s *FileSyncServer) cleanupOldSync(ctx context.Context) error {
	if s.readManifest(ctx) == nil {
		if rev, err := s.LatestRevision(ctx); err == nil && rev >= 0 {
			data, rerr := s.root.Read(ctx, path.Join(revisionDirPath(rev), manifestFileName))
			if rerr == nil {
				if werr := s.root.Write(ctx, manifestFileName, data); werr != nil {
					return fmt.Errorf("restore manifest from revision %d: %w", rev, werr)
				}
				s.logger.InfoContext(ctx, "restored manifest from revision directory", "revision", rev)
			}
		}
	}

	if err := s.root.Delete(ctx, lockFileName); err != nil {
		return fmt.Errorf("remove stale sync lock: %w", err)
	}
	s.lastSyncLockHash = ""
	return nil
}

func (s *FileSyncServer) writeLock(ctx context.Context) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	data, err := s.syncLock.marshal()
	if err != nil {
		return err
	}
	if err := s.root.Write(ctx, lockFileName, data); err != nil {
		return fmt.Errorf("write sync lock: %w", err)
	}
	return nil
}

// startRenewal rewrites the lock shortly before its declared duration elapses
// so a slow transaction is not mistaken for an abandoned one.
func (s *FileSyncServer) startRenewal() {
	interval := s.lockDuration - lockRenewalMargin
	if interval <= 0 {
		interval = s.lockDuration / 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.renewCancel = cancel
	s.renewDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.lockMu.Lock()
				s.syncLock.RenewCount++
				renewCount := s.syncLock.RenewCount
				s.lockMu.Unlock()
				if err := s.writeLock(ctx); err != nil {
					s.logger.Warn("failed to renew sync lock", "error", err)
					continue
				}
				s.logger.Debug("renewed sync lock", "renew_count", renewCount)
			}
		}
	}()
}

func (s *FileSyncServer) stopRenewal() {
	if s.renewCancel == nil {
		return
	}
	s.renewCancel()
	<-s.renewDone
	s.renewCancel = nil
	s.renewDone = nil
}

// GetAllNoteUUIDs returns the ids of every note the store knows about.
func (s *FileSyncServer) GetAllNoteUUIDs(ctx context.Context) ([]string, error) {
	manifest := s.readManifest(ctx)
	if manifest == nil {
		return nil, nil
	}
	ids := make([]string, 0, len(manifest.Notes))
	for id := range manifest.Notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// UpdatesAvailableSince reports whether the store holds revisions newer than
// the given one.
func (s *FileSyncServer) UpdatesAvailableSince(ctx context.Context, revision int) (bool, error) {
	latest, err := s.LatestRevision(ctx)
	if err != nil {
		return false, err
	}
	return latest > revision, nil
}

// GetNoteUpdatesSince downloads every note snapshot newer than the given
// revision into the staging cache and returns the updates keyed by note id.
func (s *FileSyncServer) GetNoteUpdatesSince(ctx context.Context, revision int) (map[string]NoteUpdate, error) {
	manifest := s.readManifest(ctx)
	if manifest == nil {
		return map[string]NoteUpdate{}, nil
	}

	revisions := make(map[string]int)
	var items []*transfer.Item
	for id, rev := range manifest.Notes {
		if rev <= revision {
			continue
		}
		revisions[id] = rev
		items = append(items, &transfer.Item{
			Source:      path.Join(revisionDirPath(rev), id+noteFileSuffix),
			Destination: filepath.Join(s.cacheDir, id+noteFileSuffix),
		})
	}
	if len(items) == 0 {
		return map[string]NoteUpdate{}, nil
	}

	s.logger.InfoContext(ctx, "downloading note updates", "count", len(items), "since_revision", revision)
	engine := transfer.New(s.downloadCopy, s.transferOpts...)
	if fails := engine.Transfer(ctx, items); fails > 0 {
		return nil, apperrors.NewTransferError("download note updates", fails)
	}

	updates := make(map[string]NoteUpdate, len(items))
	for _, item := range items {
		id := strings.TrimSuffix(filepath.Base(item.Destination), noteFileSuffix)
		data, err := os.ReadFile(item.Destination) //nolint:gosec // path is application controlled
		if err != nil {
			return nil, fmt.Errorf("read cached note %s: %w", id, err)
		}
		updates[id] = NewNoteUpdate(string(data), "", id, revisions[id])
	}
	return updates, nil
}

func (s *FileSyncServer) downloadCopy(ctx context.Context, source, destination string) error {
	data, err := s.root.Read(ctx, source)
	if err != nil {
		return fmt.Errorf("read remote note %s: %w", source, err)
	}
	if err := os.WriteFile(destination, data, 0600); err != nil {
		return fmt.Errorf("write cached note %s: %w", destination, err)
	}
	return nil
}

// UploadNotes pushes local note files into this transaction's revision
// directory.
func (s *FileSyncServer) UploadNotes(ctx context.Context, files []NoteFile) error {
	if !s.inTransaction {
		return apperrors.ErrNoTransaction
	}
	if len(files) == 0 {
		return nil
	}

	revDir := revisionDirPath(s.newRevision)
	if err := s.root.Mkdir(ctx, revDir); err != nil {
		return fmt.Errorf("create revision directory %s: %w", revDir, err)
	}

	items := make([]*transfer.Item, 0, len(files))
	for _, f := range files {
		items = append(items, &transfer.Item{
			Source:      f.Path,
			Destination: path.Join(revDir, f.ID+noteFileSuffix),
		})
	}

	s.logger.InfoContext(ctx, "uploading notes", "count", len(items), "revision", s.newRevision)
	engine := transfer.New(s.uploadCopy, s.transferOpts...)
	if fails := engine.Transfer(ctx, items); fails > 0 {
		return apperrors.NewTransferError("upload notes", fails)
	}

	for _, f := range files {
		s.updatedNotes[f.ID] = true
	}
	return nil
}

func (s *FileSyncServer) uploadCopy(ctx context.Context, source, destination string) error {
	data, err := os.ReadFile(source) //nolint:gosec // path is application controlled
	if err != nil {
		return fmt.Errorf("read local note %s: %w", source, err)
	}
	if err := s.root.Write(ctx, destination, data); err != nil {
		return fmt.Errorf("write remote note %s: %w", destination, err)
	}
	return nil
}

// DeleteNotes marks notes for removal from the store. The manifest entries
// disappear at commit; snapshot files of earlier revisions are left behind
// and become unreachable.
func (s *FileSyncServer) DeleteNotes(ctx context.Context, ids []string) error {
	if !s.inTransaction {
		return apperrors.ErrNoTransaction
	}
	for _, id := range ids {
		s.deletedNotes[id] = true
	}
	s.logger.DebugContext(ctx, "marked notes for server deletion", "count", len(ids))
	return nil
}

// CommitSyncTransaction publishes the transaction: writes the new revision's
// manifest, swaps it into place and releases the lock. A transaction that
// changed nothing only releases the lock and does not create a revision.
// Failures after the new manifest is in place are logged, not returned; the
// commit has already happened.
func (s *FileSyncServer) CommitSyncTransaction(ctx context.Context) error {
	if !s.inTransaction {
		return apperrors.ErrNoTransaction
	}

	if len(s.updatedNotes) == 0 && len(s.deletedNotes) == 0 {
		s.logger.InfoContext(ctx, "nothing to commit, releasing sync lock")
		return s.releaseLock(ctx)
	}

	serverID, err := s.ID(ctx)
	if err != nil {
		return err
	}

	manifest := &Manifest{
		Revision: s.newRevision,
		ServerID: serverID,
		Notes:    make(map[string]int),
	}
	if current := s.readManifest(ctx); current != nil {
		for id, rev := range current.Notes {
			manifest.Notes[id] = rev
		}
	}
	for id := range s.deletedNotes {
		delete(manifest.Notes, id)
	}
	for id := range s.updatedNotes {
		manifest.Notes[id] = s.newRevision
	}

	data, err := manifest.marshal()
	if err != nil {
		return err
	}

	revDir := revisionDirPath(s.newRevision)
	if err := s.root.Mkdir(ctx, revDir); err != nil {
		return fmt.Errorf("create revision directory %s: %w", revDir, err)
	}
	if err := s.root.Write(ctx, path.Join(revDir, manifestFileName), data); err != nil {
		return fmt.Errorf("write revision manifest: %w", err)
	}

	// Swap the new manifest into place, keeping the old one aside until the
	// copy lands.
	exists, err := s.root.Exists(ctx, manifestFileName)
	if err != nil {
		return fmt.Errorf("check manifest: %w", err)
	}
	if exists {
		if oldExists, _ := s.root.Exists(ctx, oldManifestFileName); oldExists {
			if err := s.root.Delete(ctx, oldManifestFileName); err != nil {
				return fmt.Errorf("remove stale manifest backup: %w", err)
			}
		}
		if err := s.root.Rename(ctx, manifestFileName, oldManifestFileName); err != nil {
			return fmt.Errorf("set aside old manifest: %w", err)
		}
	}
	if err := s.root.Write(ctx, manifestFileName, data); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}

	// Point of no return: the new revision is live. Everything below is
	// best-effort housekeeping.
	if err := s.root.Delete(ctx, oldManifestFileName); err != nil {
		s.logger.WarnContext(ctx, "failed to remove manifest backup", "error", err)
	}
	s.pruneSupersededSnapshots(ctx)

	s.logger.InfoContext(ctx, "sync transaction committed", "revision", s.newRevision, "updated", len(s.updatedNotes), "deleted", len(s.deletedNotes))

	if err := s.releaseLock(ctx); err != nil {
		s.logger.WarnContext(ctx, "failed to release sync lock after commit", "error", err)
	}
	return nil
}

// pruneSupersededSnapshots removes the previous revision's copies of notes
// this transaction rewrote or deleted. Best-effort; leftover snapshots are
// merely unreachable.
func (s *FileSyncServer) pruneSupersededSnapshots(ctx context.Context) {
	prev := s.newRevision - 1
	if prev < 0 {
		return
	}
	prevDir := revisionDirPath(prev)
	entries, err := s.root.List(ctx, prevDir)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to list previous revision directory", "dir", prevDir, "error", err)
		return
	}
	for _, entry := range entries {
		name := path.Base(entry.Path)
		if entry.IsDir || !strings.HasSuffix(name, noteFileSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, noteFileSuffix)
		if !s.updatedNotes[id] && !s.deletedNotes[id] {
			continue
		}
		if err := s.root.Delete(ctx, entry.Path); err != nil {
			s.logger.WarnContext(ctx, "failed to prune superseded snapshot", "path", entry.Path, "error", err)
		}
	}
}

// CancelSyncTransaction abandons the transaction and releases the lock.
// Snapshots already uploaded under the uncommitted revision become garbage
// that the next commit's manifest never references.
func (s *FileSyncServer) CancelSyncTransaction(ctx context.Context) error {
	if !s.inTransaction {
		return nil
	}
	s.logger.InfoContext(ctx, "cancelling sync transaction", "revision", s.newRevision)
	return s.releaseLock(ctx)
}

// releaseLock stops renewal, removes our lock file and closes the
// transaction.
func (s *FileSyncServer) releaseLock(ctx context.Context) error {
	s.stopRenewal()
	s.inTransaction = false
	s.updatedNotes = nil
	s.deletedNotes = nil
	s.syncLock = nil

	if err := s.root.Delete(ctx, lockFileName); err != nil {
		return fmt.Errorf("remove sync lock: %w", err)
	}
	return nil
}
