// Package note provides the local note store: notes persisted as XML files
// in a flat directory, addressable by id and by title.
package note

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Note is a single note in the local store.
type Note struct {
	ID             string
	Title          string
	Content        string // inner markup of the note-content element
	Tags           []string
	LastChangeTime time.Time
}

// HasTag reports whether the note carries the given tag.
func (n *Note) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// noteXML is the on-disk form of a note.
type noteXML struct {
	XMLName        xml.Name `xml:"note"`
	Version        string   `xml:"version,attr"`
	Title          string   `xml:"title"`
	Text           textXML  `xml:"text"`
	Tags           []string `xml:"tags>tag"`
	LastChangeDate string   `xml:"last-change-date"`
}

type textXML struct {
	Content contentXML `xml:"note-content"`
}

type contentXML struct {
	Version string `xml:"version,attr"`
	Inner   string `xml:",innerxml"`
}

const (
	noteFormatVersion    = "0.3"
	contentFormatVersion = "0.1"
)

// MarshalXMLContent serializes the note to its on-disk XML document.
func (n *Note) MarshalXMLContent() (string, error) {
	doc := noteXML{
		Version: noteFormatVersion,
		Title:   n.Title,
		Text: textXML{
			Content: contentXML{
				Version: contentFormatVersion,
				Inner:   n.Content,
			},
		},
		Tags:           n.Tags,
		LastChangeDate: n.LastChangeTime.Format(time.RFC3339),
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal note: %w", err)
	}
	return xml.Header + string(data) + "\n", nil
}

// ParseXMLContent parses an on-disk note document into a Note. The id is not
// part of the document; the caller supplies it (it is the file name).
func ParseXMLContent(id, xmlContent string) (*Note, error) {
	var doc noteXML
	if err := xml.Unmarshal([]byte(xmlContent), &doc); err != nil {
		return nil, fmt.Errorf("parse note %s: %w", id, err)
	}

	n := &Note{
		ID:      id,
		Title:   doc.Title,
		Content: doc.Text.Content.Inner,
		Tags:    doc.Tags,
	}
	if doc.LastChangeDate != "" {
		t, err := time.Parse(time.RFC3339, doc.LastChangeDate)
		if err != nil {
			return nil, fmt.Errorf("parse note %s change date: %w", id, err)
		}
		n.LastChangeTime = t
	}
	return n, nil
}

// TitleFromXML extracts just the title element from a note document.
// Returns an empty string if the document has no title.
func TitleFromXML(xmlContent string) string {
	var doc struct {
		Title string `xml:"title"`
	}
	if err := xml.Unmarshal([]byte(xmlContent), &doc); err != nil {
		return ""
	}
	return doc.Title
}

// SyncBits are the pieces of a note that matter for conflict detection:
// title, inner content without the version wrapper, and the tag set.
// Whitespace and attribute-order differences in the rest of the document
// are not meaningful conflicts.
type SyncBits struct {
	Title   string
	Content string
	Tags    []string
}

// SyncBits returns the note's synchronization-relevant bits.
func (n *Note) SyncBits() SyncBits {
	tags := append([]string(nil), n.Tags...)
	sort.Strings(tags)
	return SyncBits{
		Title:   n.Title,
		Content: strings.TrimSpace(n.Content),
		Tags:    tags,
	}
}

// ParseSyncBits extracts the synchronization-relevant bits of a note document.
func ParseSyncBits(xmlContent string) (SyncBits, error) {
	var doc noteXML
	if err := xml.Unmarshal([]byte(xmlContent), &doc); err != nil {
		return SyncBits{}, fmt.Errorf("parse note content: %w", err)
	}

	tags := append([]string(nil), doc.Tags...)
	sort.Strings(tags)
	return SyncBits{
		Title:   doc.Title,
		Content: strings.TrimSpace(doc.Text.Content.Inner),
		Tags:    tags,
	}, nil
}

// Equal compares two sets of sync bits. Tag comparison is order-independent
// (both sides are sorted at parse time).
func (b SyncBits) Equal(other SyncBits) bool {
	if b.Title != other.Title || b.Content != other.Content {
		return false
	}
	if len(b.Tags) != len(other.Tags) {
		return false
	}
	for i := range b.Tags {
		if b.Tags[i] != other.Tags[i] {
			return false
		}
	}
	return true
}

// SynchronizedXMLMatches reports whether two note documents are content-equal
// for synchronization purposes. Unparseable input is never equal.
func SynchronizedXMLMatches(xmlContent1, xmlContent2 string) bool {
	bits1, err := ParseSyncBits(xmlContent1)
	if err != nil {
		return false
	}
	bits2, err := ParseSyncBits(xmlContent2)
	if err != nil {
		return false
	}
	return bits1.Equal(bits2)
}
