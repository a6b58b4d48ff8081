package note

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fclairamb/notesync/internal/apperrors"
)

const (
	noteFileSuffix = ".note"

	dirPerm  = 0750
	filePerm = 0600
)

// Store is a directory-backed note store. All notes live as <id>.note files
// in a single flat directory and are indexed in memory on open.
type Store struct {
	dir    string
	notes  map[string]*Note // by id
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a custom logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// OpenStore opens (creating if necessary) the note directory and loads all
// notes into the index. Unparseable note files are logged and skipped so one
// corrupt note does not take the whole store down.
func OpenStore(dir string, opts ...StoreOption) (*Store, error) {
	store := &Store{
		dir:    dir,
		notes:  make(map[string]*Note),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create note directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read note directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), noteFileSuffix) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), noteFileSuffix)
		data, err := os.ReadFile(filepath.Join(dir, entry.Name())) //nolint:gosec // path is application controlled
		if err != nil {
			store.logger.Warn("failed to read note file", "file", entry.Name(), "error", err)
			continue
		}
		n, err := ParseXMLContent(id, string(data))
		if err != nil {
			store.logger.Warn("skipping unparseable note file", "file", entry.Name(), "error", err)
			continue
		}
		store.notes[id] = n
	}

	return store, nil
}

// Dir returns the note directory path.
func (s *Store) Dir() string {
	return s.dir
}

// NotePath returns the canonical on-disk path for a note.
func (s *Store) NotePath(n *Note) string {
	return filepath.Join(s.dir, n.ID+noteFileSuffix)
}

// Count returns the number of notes in the store.
func (s *Store) Count() int {
	return len(s.notes)
}

// Create creates a new note with a fresh id.
func (s *Store) Create(title, content string) (*Note, error) {
	return s.CreateWithID(title, content, uuid.NewString())
}

// CreateWithID creates a new note with the given id, e.g. when materializing
// a note that already exists remotely.
func (s *Store) CreateWithID(title, content, id string) (*Note, error) {
	if _, ok := s.notes[id]; ok {
		return nil, fmt.Errorf("%w: id %s", apperrors.ErrNoteExists, id)
	}
	if existing := s.Find(title); existing != nil {
		return nil, fmt.Errorf("%w: title %q", apperrors.ErrNoteExists, title)
	}

	n := &Note{
		ID:             id,
		Title:          title,
		Content:        content,
		LastChangeTime: time.Now(),
	}
	if err := s.Save(n); err != nil {
		return nil, err
	}
	s.notes[id] = n
	return n, nil
}

// Find looks up a note by title. Titles are unique within a store.
func (s *Store) Find(title string) *Note {
	for _, n := range s.notes {
		if n.Title == title {
			return n
		}
	}
	return nil
}

// FindByID looks up a note by id.
func (s *Store) FindByID(id string) *Note {
	return s.notes[id]
}

// Delete removes a note from the store and from disk.
func (s *Store) Delete(n *Note) error {
	if err := os.Remove(s.NotePath(n)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete note %s: %w", n.ID, err)
	}
	delete(s.notes, n.ID)
	return nil
}

// ForEach calls fn for every note, in stable id order. Iteration stops at the
// first error.
func (s *Store) ForEach(fn func(*Note) error) error {
	ids := make([]string, 0, len(s.notes))
	for id := range s.notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := fn(s.notes[id]); err != nil {
			return err
		}
	}
	return nil
}

// Save writes a note's on-disk form. The saved document is the note's
// canonical representation for upload.
func (s *Store) Save(n *Note) error {
	xmlContent, err := n.MarshalXMLContent()
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.NotePath(n), []byte(xmlContent), filePerm); err != nil {
		return fmt.Errorf("write note %s: %w", n.ID, err)
	}
	return nil
}

// RawXML returns a note's full on-disk XML document.
func (s *Store) RawXML(n *Note) (string, error) {
	data, err := os.ReadFile(s.NotePath(n)) //nolint:gosec // path is application controlled
	if err != nil {
		return "", fmt.Errorf("read note %s: %w", n.ID, err)
	}
	return string(data), nil
}

// LoadForeignXML replaces a note's contents from an externally produced note
// document (a remote snapshot), keeping the note's id, and persists it.
func (s *Store) LoadForeignXML(ctx context.Context, n *Note, xmlContent string) error {
	parsed, err := ParseXMLContent(n.ID, xmlContent)
	if err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "updating note from remote snapshot", "id", n.ID, "title", parsed.Title)

	n.Title = parsed.Title
	n.Content = parsed.Content
	n.Tags = parsed.Tags
	n.LastChangeTime = parsed.LastChangeTime
	if n.LastChangeTime.IsZero() {
		n.LastChangeTime = time.Now()
	}
	return s.Save(n)
}

// Rename changes a note's title and persists it. The new title must be free.
func (s *Store) Rename(n *Note, newTitle string) error {
	if existing := s.Find(newTitle); existing != nil && existing.ID != n.ID {
		return fmt.Errorf("%w: title %q", apperrors.ErrNoteExists, newTitle)
	}
	n.Title = newTitle
	n.LastChangeTime = time.Now()
	return s.Save(n)
}
