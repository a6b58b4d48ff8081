package syncserver

import (
	"encoding/xml"
	"fmt"
	"sort"
)

const (
	manifestFileName = "manifest.xml"
	lockFileName     = "lock.xml"

	noteFileSuffix = ".note"
)

// Manifest is the authoritative remote index: the revision of the store and,
// for every note, the revision of its latest snapshot.
type Manifest struct {
	Revision int
	ServerID string
	Notes    map[string]int
}

type manifestXML struct {
	XMLName  xml.Name          `xml:"sync"`
	Revision int               `xml:"revision,attr"`
	ServerID string            `xml:"server-id,attr"`
	Notes    []manifestNoteXML `xml:"note"`
}

type manifestNoteXML struct {
	ID  string `xml:"id,attr"`
	Rev int    `xml:"rev,attr"`
}

// parseManifest decodes a manifest document.
func parseManifest(data []byte) (*Manifest, error) {
	var doc manifestXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	manifest := &Manifest{
		Revision: doc.Revision,
		ServerID: doc.ServerID,
		Notes:    make(map[string]int, len(doc.Notes)),
	}
	for _, n := range doc.Notes {
		manifest.Notes[n.ID] = n.Rev
	}
	return manifest, nil
}

// marshal encodes the manifest with note entries in stable id order.
func (m *Manifest) marshal() ([]byte, error) {
	doc := manifestXML{
		Revision: m.Revision,
		ServerID: m.ServerID,
	}

	ids := make([]string, 0, len(m.Notes))
	for id := range m.Notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc.Notes = append(doc.Notes, manifestNoteXML{ID: id, Rev: m.Notes[id]})
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}

// revisionDirPath returns the revision-bucketed directory for a revision:
// <rev/100>/<rev> relative to the sync root.
func revisionDirPath(rev int) string {
	return fmt.Sprintf("%d/%d", rev/100, rev)
}
