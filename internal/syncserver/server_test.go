package syncserver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fclairamb/notesync/internal/note"
	"github.com/fclairamb/notesync/internal/storage"
)

// TestManifest_RoundTrip verifies the manifest codec.
func TestManifest_RoundTrip(t *testing.T) {
	t.Parallel()
	original := &Manifest{
		Revision: 7,
		ServerID: "server-1",
		Notes:    map[string]int{"a": 3, "b": 7},
	}

	data, err := original.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := parseManifest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if parsed.Revision != 7 || parsed.ServerID != "server-1" {
		t.Errorf("parsed header = %d/%s", parsed.Revision, parsed.ServerID)
	}
	if parsed.Notes["a"] != 3 || parsed.Notes["b"] != 7 || len(parsed.Notes) != 2 {
		t.Errorf("parsed notes = %v", parsed.Notes)
	}
}

// TestLock_RoundTripAndHash verifies the lock codec and that renewal changes
// the hash.
func TestLock_RoundTripAndHash(t *testing.T) {
	t.Parallel()
	lock := newSyncLock("client-a", 4, 2*time.Minute)

	data, err := lock.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := parseLock(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if parsed.HashString() != lock.HashString() {
		t.Error("hash changed across serialization")
	}
	if parsed.ClientID != "client-a" || parsed.Revision != 4 || parsed.Duration != 2*time.Minute {
		t.Errorf("parsed lock = %+v", parsed)
	}

	parsed.RenewCount++
	if parsed.HashString() == lock.HashString() {
		t.Error("renewal must change the lock hash")
	}
}

// TestRevisionDirPath verifies the revision bucketing scheme.
func TestRevisionDirPath(t *testing.T) {
	t.Parallel()
	cases := map[int]string{
		0:   "0/0",
		42:  "0/42",
		100: "1/100",
		305: "3/305",
	}
	for rev, want := range cases {
		if got := revisionDirPath(rev); got != want {
			t.Errorf("revisionDirPath(%d) = %q, want %q", rev, got, want)
		}
	}
}

// TestNew_EmptyRoot verifies a never-synced root reports revision -1 and
// targets revision 0.
func TestNew_EmptyRoot(t *testing.T) {
	t.Parallel()
	server := createTestServer(t, storage.NewMemRoot(), "client-a")

	latest, err := server.LatestRevision(t.Context())
	if err != nil {
		t.Fatalf("latest revision: %v", err)
	}
	if latest != -1 {
		t.Errorf("latest = %d, want -1", latest)
	}
	if server.NewRevision() != 0 {
		t.Errorf("new revision = %d, want 0", server.NewRevision())
	}
}

// TestSyncTransaction_FirstCommit walks the first full transaction: lock,
// upload, commit, manifest published, lock released.
func TestSyncTransaction_FirstCommit(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	root := storage.NewMemRoot()
	server := createTestServer(t, root, "client-a")

	acquired, err := server.BeginSyncTransaction(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !acquired {
		t.Fatal("expected to acquire the lock on an empty root")
	}

	files := []NoteFile{
		writeTestNote(t, "note-a", "Alpha", "first"),
		writeTestNote(t, "note-b", "Beta", "second"),
	}
	if err := server.UploadNotes(ctx, files); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := server.CommitSyncTransaction(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	latest, err := server.LatestRevision(ctx)
	if err != nil {
		t.Fatalf("latest revision: %v", err)
	}
	if latest != 0 {
		t.Errorf("latest = %d, want 0", latest)
	}

	for _, f := range files {
		exists, err := root.Exists(ctx, "0/0/"+f.ID+noteFileSuffix)
		if err != nil || !exists {
			t.Errorf("snapshot for %s missing under 0/0 (err=%v)", f.ID, err)
		}
	}

	lock, err := server.CurrentSyncLock(ctx)
	if err != nil {
		t.Fatalf("current lock: %v", err)
	}
	if lock != nil {
		t.Error("lock still present after commit")
	}
}

// TestSyncTransaction_SecondRevision verifies revision chaining and pruning
// of superseded snapshots.
func TestSyncTransaction_SecondRevision(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	root := storage.NewMemRoot()

	commitNotes(t, root, "client-a",
		writeTestNote(t, "note-a", "Alpha", "first"),
		writeTestNote(t, "note-b", "Beta", "second"))

	server := createTestServer(t, root, "client-a")
	if server.NewRevision() != 1 {
		t.Fatalf("new revision = %d, want 1", server.NewRevision())
	}
	mustBegin(t, server)
	if err := server.UploadNotes(ctx, []NoteFile{writeTestNote(t, "note-a", "Alpha", "updated")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := server.CommitSyncTransaction(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	manifest := server.readManifest(ctx)
	if manifest == nil {
		t.Fatal("manifest missing after commit")
	}
	if manifest.Revision != 1 {
		t.Errorf("manifest revision = %d, want 1", manifest.Revision)
	}
	if manifest.Notes["note-a"] != 1 || manifest.Notes["note-b"] != 0 {
		t.Errorf("note revisions = %v", manifest.Notes)
	}

	// The previous revision's copy of the rewritten note is pruned; the
	// untouched note's snapshot stays.
	if exists, _ := root.Exists(ctx, "0/0/note-a.note"); exists {
		t.Error("superseded snapshot not pruned")
	}
	if exists, _ := root.Exists(ctx, "0/0/note-b.note"); !exists {
		t.Error("still-current snapshot pruned")
	}
}

// TestCommit_NothingChanged verifies an empty transaction releases the lock
// without creating a revision.
func TestCommit_NothingChanged(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	root := storage.NewMemRoot()
	server := createTestServer(t, root, "client-a")

	mustBegin(t, server)
	if err := server.CommitSyncTransaction(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	latest, err := server.LatestRevision(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != -1 {
		t.Errorf("latest = %d, want -1 after empty commit", latest)
	}
	if lock, _ := server.CurrentSyncLock(ctx); lock != nil {
		t.Error("lock still present after empty commit")
	}
}

// TestDeleteNotes verifies deleted notes drop out of the manifest.
func TestDeleteNotes(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	root := storage.NewMemRoot()

	commitNotes(t, root, "client-a",
		writeTestNote(t, "note-a", "Alpha", "first"),
		writeTestNote(t, "note-b", "Beta", "second"))

	server := createTestServer(t, root, "client-a")
	mustBegin(t, server)
	if err := server.DeleteNotes(ctx, []string{"note-a"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := server.CommitSyncTransaction(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ids, err := server.GetAllNoteUUIDs(ctx)
	if err != nil {
		t.Fatalf("get uuids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "note-b" {
		t.Errorf("remaining ids = %v, want [note-b]", ids)
	}
}

// TestGetNoteUpdatesSince verifies incremental downloads.
func TestGetNoteUpdatesSince(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	root := storage.NewMemRoot()

	commitNotes(t, root, "client-a", writeTestNote(t, "note-a", "Alpha", "first"))
	commitNotes(t, root, "client-a", writeTestNote(t, "note-b", "Beta", "second"))

	server := createTestServer(t, root, "client-b")

	all, err := server.GetNoteUpdatesSince(ctx, -1)
	if err != nil {
		t.Fatalf("updates since -1: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("updates = %d, want 2", len(all))
	}
	if all["note-a"].Title != "Alpha" || all["note-a"].Revision != 0 {
		t.Errorf("note-a update = %+v", all["note-a"])
	}

	newer, err := server.GetNoteUpdatesSince(ctx, 0)
	if err != nil {
		t.Fatalf("updates since 0: %v", err)
	}
	if len(newer) != 1 || newer["note-b"].Revision != 1 {
		t.Errorf("updates since 0 = %v", newer)
	}

	available, err := server.UpdatesAvailableSince(ctx, 0)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !available {
		t.Error("expected updates available since revision 0")
	}
	if available, _ = server.UpdatesAvailableSince(ctx, 1); available {
		t.Error("no updates expected since revision 1")
	}
}

// TestBeginSyncTransaction_ForeignLock verifies a live foreign lock blocks
// acquisition without error.
func TestBeginSyncTransaction_ForeignLock(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	root := storage.NewMemRoot()
	writeForeignLock(t, root, time.Hour)

	server := createTestServer(t, root, "client-b")
	for i := 0; i < 2; i++ {
		acquired, err := server.BeginSyncTransaction(ctx)
		if err != nil {
			t.Fatalf("begin %d: %v", i, err)
		}
		if acquired {
			t.Fatal("acquired despite live foreign lock")
		}
	}
}

// TestBeginSyncTransaction_StealsExpiredLock verifies an unrenewed lock older
// than its declared duration is cleaned up and taken over.
func TestBeginSyncTransaction_StealsExpiredLock(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	root := storage.NewMemRoot()
	writeForeignLock(t, root, 10*time.Millisecond)

	server := createTestServer(t, root, "client-b")

	acquired, err := server.BeginSyncTransaction(ctx)
	if err != nil {
		t.Fatalf("first begin: %v", err)
	}
	if acquired {
		t.Fatal("first sight of a foreign lock must start the wait, not steal")
	}

	time.Sleep(30 * time.Millisecond)

	acquired, err = server.BeginSyncTransaction(ctx)
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if !acquired {
		t.Fatal("expired unrenewed lock was not stolen")
	}

	lock, err := server.CurrentSyncLock(ctx)
	if err != nil {
		t.Fatalf("current lock: %v", err)
	}
	if lock == nil || lock.ClientID != "client-b" {
		t.Errorf("lock = %+v, want ours", lock)
	}
}

// TestLockRenewal verifies the lock is rewritten with a growing renew count
// while the transaction stays open.
func TestLockRenewal(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	root := storage.NewMemRoot()
	server := createTestServer(t, root, "client-a", WithLockDuration(100*time.Millisecond))

	mustBegin(t, server)
	time.Sleep(130 * time.Millisecond)

	lock, err := server.CurrentSyncLock(ctx)
	if err != nil {
		t.Fatalf("current lock: %v", err)
	}
	if lock == nil {
		t.Fatal("lock missing while transaction open")
	}
	if lock.RenewCount < 1 {
		t.Errorf("renew count = %d, want >= 1", lock.RenewCount)
	}

	if err := server.CancelSyncTransaction(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

// TestCancelSyncTransaction verifies cancel releases the lock and leaves the
// manifest untouched.
func TestCancelSyncTransaction(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	root := storage.NewMemRoot()
	server := createTestServer(t, root, "client-a")

	mustBegin(t, server)
	if err := server.UploadNotes(ctx, []NoteFile{writeTestNote(t, "note-a", "Alpha", "x")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := server.CancelSyncTransaction(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if latest, _ := server.LatestRevision(ctx); latest != -1 {
		t.Errorf("latest = %d, want -1 after cancel", latest)
	}
	if lock, _ := server.CurrentSyncLock(ctx); lock != nil {
		t.Error("lock still present after cancel")
	}
}

// TestLatestRevision_CorruptManifestFallback verifies the directory-scan
// fallback and that corrupt revision directories are discarded.
func TestLatestRevision_CorruptManifestFallback(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	root := storage.NewMemRoot()

	commitNotes(t, root, "client-a", writeTestNote(t, "note-a", "Alpha", "first"))
	commitNotes(t, root, "client-a", writeTestNote(t, "note-a", "Alpha", "second"))

	// Corrupt the published manifest and plant a bogus newer revision dir.
	if err := root.Write(ctx, manifestFileName, []byte("garbage <")); err != nil {
		t.Fatalf("corrupt manifest: %v", err)
	}
	if err := root.Write(ctx, "0/9/"+manifestFileName, []byte("also garbage <")); err != nil {
		t.Fatalf("plant bogus revision: %v", err)
	}

	server := createTestServer(t, root, "client-b")
	latest, err := server.LatestRevision(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != 1 {
		t.Errorf("latest = %d, want 1 from fallback scan", latest)
	}
	if exists, _ := root.Exists(ctx, "0/9"); exists {
		t.Error("corrupt revision directory not deleted")
	}
}

// TestID_PersistsAcrossServers verifies the server id survives in the
// manifest and new clients read the same one.
func TestID_PersistsAcrossServers(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	root := storage.NewMemRoot()

	server := createTestServer(t, root, "client-a")
	id, err := server.ID(ctx)
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated server id")
	}

	mustBegin(t, server)
	if err := server.UploadNotes(ctx, []NoteFile{writeTestNote(t, "note-a", "Alpha", "x")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := server.CommitSyncTransaction(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	other := createTestServer(t, root, "client-b")
	otherID, err := other.ID(ctx)
	if err != nil {
		t.Fatalf("other id: %v", err)
	}
	if otherID != id {
		t.Errorf("server id = %q from second client, want %q", otherID, id)
	}
}

// TestNoteUpdate_BasicallyEqualTo verifies content equality against a local
// note.
func TestNoteUpdate_BasicallyEqualTo(t *testing.T) {
	t.Parallel()
	local := &note.Note{ID: "n", Title: "T", Content: "hello", Tags: []string{"a"}}
	xmlContent, err := local.MarshalXMLContent()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	update := NewNoteUpdate(xmlContent, "", "n", 3)
	if update.Title != "T" {
		t.Errorf("update title = %q", update.Title)
	}
	if !update.BasicallyEqualTo(local) {
		t.Error("identical note not recognized as equal")
	}

	local.Content = "changed"
	if update.BasicallyEqualTo(local) {
		t.Error("changed note still recognized as equal")
	}
}

// createTestServer builds a server with a short-lived cache dir.
func createTestServer(t *testing.T, root storage.Root, clientID string, opts ...Option) *FileSyncServer {
	t.Helper()
	opts = append([]Option{WithCacheDir(t.TempDir())}, opts...)
	server, err := New(t.Context(), root, clientID, opts...)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return server
}

func mustBegin(t *testing.T, server *FileSyncServer) {
	t.Helper()
	acquired, err := server.BeginSyncTransaction(t.Context())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !acquired {
		t.Fatal("expected to acquire the sync lock")
	}
}

// commitNotes runs one whole transaction uploading the given notes.
func commitNotes(t *testing.T, root storage.Root, clientID string, files ...NoteFile) {
	t.Helper()
	ctx := t.Context()
	server := createTestServer(t, root, clientID)
	mustBegin(t, server)
	if err := server.UploadNotes(ctx, files); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := server.CommitSyncTransaction(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// writeTestNote writes a note document to a temp file and returns its upload
// descriptor.
func writeTestNote(t *testing.T, id, title, content string) NoteFile {
	t.Helper()
	n := &note.Note{ID: id, Title: title, Content: content, LastChangeTime: time.Now()}
	xmlContent, err := n.MarshalXMLContent()
	if err != nil {
		t.Fatalf("marshal note: %v", err)
	}
	path := filepath.Join(t.TempDir(), id+noteFileSuffix)
	if err := os.WriteFile(path, []byte(xmlContent), 0600); err != nil {
		t.Fatalf("write note file: %v", err)
	}
	return NoteFile{ID: id, Path: path}
}

// writeForeignLock plants another client's lock on the root.
func writeForeignLock(t *testing.T, root storage.Root, duration time.Duration) {
	t.Helper()
	lock := newSyncLock("client-other", 0, duration)
	data, err := lock.marshal()
	if err != nil {
		t.Fatalf("marshal lock: %v", err)
	}
	if err := root.Write(t.Context(), lockFileName, data); err != nil {
		t.Fatalf("write lock: %v", err)
	}
}
