package syncserver

import (
	"github.com/fclairamb/notesync/internal/note"
)

// NoteUpdate is one remote note snapshot handed to the sync engine.
type NoteUpdate struct {
	XMLContent string
	Title      string
	UUID       string
	Revision   int
}

// NewNoteUpdate builds an update from a downloaded snapshot. The title is
// taken from the document itself when present.
func NewNoteUpdate(xmlContent, title, id string, revision int) NoteUpdate {
	if t := note.TitleFromXML(xmlContent); t != "" {
		title = t
	}
	return NoteUpdate{
		XMLContent: xmlContent,
		Title:      title,
		UUID:       id,
		Revision:   revision,
	}
}

// BasicallyEqualTo reports whether the update carries the same title, content
// and tag set as a local note. Equal notes are applied silently instead of
// being reported as conflicts.
func (u NoteUpdate) BasicallyEqualTo(n *note.Note) bool {
	remote, err := note.ParseSyncBits(u.XMLContent)
	if err != nil {
		return false
	}

	return remote.Equal(n.SyncBits())
}
