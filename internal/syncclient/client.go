// Package syncclient persists this device's view of the last completed
// synchronization: the revision it holds, per-note revisions, pending local
// deletions and the identity of the store it pairs with.
package syncclient

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/fclairamb/notesync/internal/apperrors"
)

const filePerm = 0600

// UnknownRevision marks a note (or a whole client) that has never been
// synchronized.
const UnknownRevision = -1

// DeletedNote records a locally deleted note awaiting propagation.
type DeletedNote struct {
	ID    string
	Title string
}

// Client is the durable local sync state, backed by one XML file guarded by
// an advisory file lock so two processes cannot sync the same note directory
// at once.
type Client struct {
	path     string
	fileLock *flock.Flock
	logger   *slog.Logger

	lastSyncDate  time.Time
	lastSyncRev   int
	serverID      string
	noteRevisions map[string]int
	deletedNotes  map[string]string // id -> title at deletion time

	inSync bool
	dirty  bool
	base   stateSnapshot
}

// stateSnapshot is the persisted state as of BeginSynchronization, minus the
// deletion log. Mid-bracket deletion flushes write this instead of the live
// fields, so a cancelled run can still roll the rest back.
type stateSnapshot struct {
	lastSyncDate  time.Time
	lastSyncRev   int
	serverID      string
	noteRevisions map[string]int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets a custom logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Open loads (or initializes) the sync state at the given path and takes the
// process lock. A second notesync process on the same state gets
// ErrStateLocked.
func Open(path string, opts ...Option) (*Client, error) {
	client := &Client{
		path:     path,
		fileLock: flock.New(path + ".lock"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(client)
	}

	locked, err := client.fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock sync state: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrStateLocked, path)
	}

	if err := client.load(); err != nil {
		if unlockErr := client.fileLock.Unlock(); unlockErr != nil {
			client.logger.Warn("failed to unlock sync state", "error", unlockErr)
		}
		return nil, err
	}
	return client, nil
}

// Close releases the process lock. Unsaved in-sync changes are discarded, as
// after a crash.
func (c *Client) Close() error {
	if err := c.fileLock.Unlock(); err != nil {
		return fmt.Errorf("unlock sync state: %w", err)
	}
	return nil
}

type clientXML struct {
	XMLName       xml.Name            `xml:"manifest"`
	LastSyncDate  string              `xml:"last-sync-date"`
	LastSyncRev   int                 `xml:"last-sync-rev"`
	ServerID      string              `xml:"server-id"`
	NoteRevisions []clientNoteXML     `xml:"note-revisions>note"`
	NoteDeletions []clientDeletionXML `xml:"note-deletions>note"`
}

type clientNoteXML struct {
	GUID           string `xml:"guid,attr"`
	LatestRevision int    `xml:"latest-revision,attr"`
}

type clientDeletionXML struct {
	GUID  string `xml:"guid,attr"`
	Title string `xml:"title,attr"`
}

func (c *Client) load() error {
	c.lastSyncRev = UnknownRevision
	c.noteRevisions = make(map[string]int)
	c.deletedNotes = make(map[string]string)

	data, err := os.ReadFile(c.path) //nolint:gosec // path is application controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read sync state: %w", err)
	}

	var doc clientXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		// A corrupt state file means a full resync, not a dead client.
		c.logger.Warn("sync state unreadable, starting from scratch", "path", c.path, "error", err)
		return nil
	}

	if doc.LastSyncDate != "" {
		t, err := time.Parse(time.RFC3339, doc.LastSyncDate)
		if err == nil {
			c.lastSyncDate = t
		}
	}
	c.lastSyncRev = doc.LastSyncRev
	c.serverID = doc.ServerID
	for _, n := range doc.NoteRevisions {
		c.noteRevisions[n.GUID] = n.LatestRevision
	}
	for _, n := range doc.NoteDeletions {
		c.deletedNotes[n.GUID] = n.Title
	}
	return nil
}

func (c *Client) save() error {
	if err := c.writeState(c.lastSyncDate, c.lastSyncRev, c.serverID, c.noteRevisions); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

// writeState persists the given fields plus the current deletion log.
func (c *Client) writeState(lastSyncDate time.Time, lastSyncRev int, serverID string, noteRevisions map[string]int) error {
	doc := clientXML{
		LastSyncRev: lastSyncRev,
		ServerID:    serverID,
	}
	if !lastSyncDate.IsZero() {
		doc.LastSyncDate = lastSyncDate.Format(time.RFC3339)
	}

	ids := make([]string, 0, len(noteRevisions))
	for id := range noteRevisions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc.NoteRevisions = append(doc.NoteRevisions, clientNoteXML{GUID: id, LatestRevision: noteRevisions[id]})
	}

	deleted := make([]string, 0, len(c.deletedNotes))
	for id := range c.deletedNotes {
		deleted = append(deleted, id)
	}
	sort.Strings(deleted)
	for _, id := range deleted {
		doc.NoteDeletions = append(doc.NoteDeletions, clientDeletionXML{GUID: id, Title: c.deletedNotes[id]})
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sync state: %w", err)
	}
	if err := os.WriteFile(c.path, append([]byte(xml.Header), append(data, '\n')...), filePerm); err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return nil
}

// persist writes the state out immediately, or defers it to the end of an
// open synchronization bracket.
func (c *Client) persist() error {
	if c.inSync {
		c.dirty = true
		return nil
	}
	return c.save()
}

// BeginSynchronization opens an update bracket: state mutations accumulate in
// memory and hit disk at EndSynchronization.
func (c *Client) BeginSynchronization() {
	c.inSync = true
	revisions := make(map[string]int, len(c.noteRevisions))
	for id, rev := range c.noteRevisions {
		revisions[id] = rev
	}
	c.base = stateSnapshot{
		lastSyncDate:  c.lastSyncDate,
		lastSyncRev:   c.lastSyncRev,
		serverID:      c.serverID,
		noteRevisions: revisions,
	}
}

// EndSynchronization closes the bracket and persists the accumulated state.
func (c *Client) EndSynchronization() error {
	c.inSync = false
	if !c.dirty {
		return nil
	}
	return c.save()
}

// CancelSynchronization discards the bracket's in-memory changes by reloading
// the last persisted state.
func (c *Client) CancelSynchronization() error {
	c.inSync = false
	c.dirty = false
	return c.load()
}

// LastSyncDate returns when the last synchronization completed. Zero means
// never.
func (c *Client) LastSyncDate() time.Time {
	return c.lastSyncDate
}

// SetLastSyncDate records a completed synchronization instant.
func (c *Client) SetLastSyncDate(t time.Time) error {
	c.lastSyncDate = t
	return c.persist()
}

// LastSynchronizedRevision returns the store revision this client holds,
// UnknownRevision before the first sync.
func (c *Client) LastSynchronizedRevision() int {
	return c.lastSyncRev
}

// SetLastSynchronizedRevision records the store revision this client holds.
func (c *Client) SetLastSynchronizedRevision(rev int) error {
	c.lastSyncRev = rev
	return c.persist()
}

// AssociatedServerID returns the id of the store this client is paired with,
// empty when unpaired.
func (c *Client) AssociatedServerID() string {
	return c.serverID
}

// SetAssociatedServerID pairs the client with a store.
func (c *Client) SetAssociatedServerID(id string) error {
	c.serverID = id
	return c.persist()
}

// GetRevision returns the revision at which a note was last synchronized,
// UnknownRevision for notes never synced.
func (c *Client) GetRevision(noteID string) int {
	if rev, ok := c.noteRevisions[noteID]; ok {
		return rev
	}
	return UnknownRevision
}

// SetRevision records the revision a note was synchronized at.
func (c *Client) SetRevision(noteID string, rev int) error {
	c.noteRevisions[noteID] = rev
	return c.persist()
}

// RemoveNote forgets a note's revision entry, after the note has been deleted
// on both sides.
func (c *Client) RemoveNote(noteID string) error {
	delete(c.noteRevisions, noteID)
	return c.persist()
}

// SynchronizedNoteIDs returns the ids of every note this client has synced,
// in stable order.
func (c *Client) SynchronizedNoteIDs() []string {
	ids := make([]string, 0, len(c.noteRevisions))
	for id := range c.noteRevisions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddDeletedNote records a local deletion pending propagation. The deletion
// log is flushed to disk immediately, even inside a sync bracket, so a crash
// cannot resurrect a deleted note. Other bracketed changes stay in memory
// until EndSynchronization.
func (c *Client) AddDeletedNote(noteID, title string) error {
	c.deletedNotes[noteID] = title
	if !c.inSync {
		return c.save()
	}
	c.dirty = true
	return c.writeState(c.base.lastSyncDate, c.base.lastSyncRev, c.base.serverID, c.base.noteRevisions)
}

// DeletedNotes returns pending local deletions in stable id order.
func (c *Client) DeletedNotes() []DeletedNote {
	ids := make([]string, 0, len(c.deletedNotes))
	for id := range c.deletedNotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	notes := make([]DeletedNote, 0, len(ids))
	for _, id := range ids {
		notes = append(notes, DeletedNote{ID: id, Title: c.deletedNotes[id]})
	}
	return notes
}

// ClearDeletedNote drops a deletion record once it has been propagated.
func (c *Client) ClearDeletedNote(noteID string) error {
	delete(c.deletedNotes, noteID)
	return c.persist()
}

// Reset wipes the pairing: the client forgets its revision, its per-note
// revisions and pending deletions, as if it had never synced.
func (c *Client) Reset() error {
	c.lastSyncDate = time.Time{}
	c.lastSyncRev = UnknownRevision
	c.serverID = ""
	c.noteRevisions = make(map[string]int)
	c.deletedNotes = make(map[string]string)
	return c.save()
}
