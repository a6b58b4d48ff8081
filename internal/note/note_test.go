package note

import (
	"strings"
	"testing"
	"time"
)

// TestMarshalParse_RoundTrip verifies a note survives serialization.
func TestMarshalParse_RoundTrip(t *testing.T) {
	t.Parallel()
	original := &Note{
		ID:             "note-1",
		Title:          "Shopping List",
		Content:        "milk\neggs",
		Tags:           []string{"home", "todo"},
		LastChangeTime: time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC),
	}

	xmlContent, err := original.MarshalXMLContent()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := ParseXMLContent("note-1", xmlContent)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if parsed.Title != original.Title {
		t.Errorf("title = %q, want %q", parsed.Title, original.Title)
	}
	if parsed.Content != original.Content {
		t.Errorf("content = %q, want %q", parsed.Content, original.Content)
	}
	if len(parsed.Tags) != 2 || parsed.Tags[0] != "home" || parsed.Tags[1] != "todo" {
		t.Errorf("tags = %v, want [home todo]", parsed.Tags)
	}
	if !parsed.LastChangeTime.Equal(original.LastChangeTime) {
		t.Errorf("change time = %v, want %v", parsed.LastChangeTime, original.LastChangeTime)
	}
}

// TestParseXMLContent_Invalid verifies malformed documents are rejected.
func TestParseXMLContent_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := ParseXMLContent("bad", "not xml at all <"); err == nil {
		t.Error("expected error for malformed note document")
	}
}

// TestTitleFromXML verifies title extraction without full parsing.
func TestTitleFromXML(t *testing.T) {
	t.Parallel()
	n := &Note{ID: "x", Title: "My Title", Content: "body"}
	xmlContent, err := n.MarshalXMLContent()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if got := TitleFromXML(xmlContent); got != "My Title" {
		t.Errorf("TitleFromXML = %q, want %q", got, "My Title")
	}
	if got := TitleFromXML("garbage <"); got != "" {
		t.Errorf("TitleFromXML on garbage = %q, want empty", got)
	}
}

// TestSynchronizedXMLMatches_IgnoresIncidentalDifferences verifies that
// whitespace around the content and tag ordering do not count as changes.
func TestSynchronizedXMLMatches_IgnoresIncidentalDifferences(t *testing.T) {
	t.Parallel()
	a := &Note{Title: "T", Content: "hello world", Tags: []string{"b", "a"}}
	b := &Note{Title: "T", Content: "  hello world\n", Tags: []string{"a", "b"}}

	xmlA, err := a.MarshalXMLContent()
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	xmlB, err := b.MarshalXMLContent()
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}

	if !SynchronizedXMLMatches(xmlA, xmlB) {
		t.Error("expected whitespace and tag-order variants to match")
	}
}

// TestSynchronizedXMLMatches_DetectsRealChanges verifies content, title and
// tag-set changes are all seen.
func TestSynchronizedXMLMatches_DetectsRealChanges(t *testing.T) {
	t.Parallel()
	base := &Note{Title: "T", Content: "hello", Tags: []string{"a"}}
	baseXML, err := base.MarshalXMLContent()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	variants := map[string]*Note{
		"content": {Title: "T", Content: "goodbye", Tags: []string{"a"}},
		"title":   {Title: "U", Content: "hello", Tags: []string{"a"}},
		"tags":    {Title: "T", Content: "hello", Tags: []string{"a", "b"}},
	}
	for name, variant := range variants {
		variantXML, err := variant.MarshalXMLContent()
		if err != nil {
			t.Fatalf("marshal %s: %v", name, err)
		}
		if SynchronizedXMLMatches(baseXML, variantXML) {
			t.Errorf("%s change not detected", name)
		}
	}
}

// TestSynchronizedXMLMatches_Unparseable verifies garbage never matches.
func TestSynchronizedXMLMatches_Unparseable(t *testing.T) {
	t.Parallel()
	if SynchronizedXMLMatches("<", "<") {
		t.Error("unparseable documents must not match")
	}
}

// TestStore_CreateFindDelete exercises the basic store operations.
func TestStore_CreateFindDelete(t *testing.T) {
	t.Parallel()
	store := createTestStore(t)

	n, err := store.Create("First Note", "content")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.ID == "" {
		t.Fatal("expected a generated id")
	}

	if found := store.Find("First Note"); found == nil || found.ID != n.ID {
		t.Error("Find by title failed")
	}
	if found := store.FindByID(n.ID); found == nil || found.Title != "First Note" {
		t.Error("FindByID failed")
	}

	if _, err := store.Create("First Note", "other"); err == nil {
		t.Error("expected duplicate title to be rejected")
	}

	if err := store.Delete(n); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Find("First Note") != nil {
		t.Error("note still findable after delete")
	}
	if store.Count() != 0 {
		t.Errorf("count = %d, want 0", store.Count())
	}
}

// TestStore_Reopen verifies notes persist across store instances.
func TestStore_Reopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	created, err := store.Create("Persisted", "body")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reopened, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	found := reopened.FindByID(created.ID)
	if found == nil {
		t.Fatal("note lost on reopen")
	}
	if found.Title != "Persisted" || found.Content != "body" {
		t.Errorf("reloaded note = %q/%q", found.Title, found.Content)
	}
}

// TestStore_LoadForeignXML verifies a remote snapshot replaces a note's
// contents while keeping its id.
func TestStore_LoadForeignXML(t *testing.T) {
	t.Parallel()
	store := createTestStore(t)

	n, err := store.Create("Old Title", "old content")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	remote := &Note{Title: "New Title", Content: "new content", Tags: []string{"remote"}}
	remoteXML, err := remote.MarshalXMLContent()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if err := store.LoadForeignXML(t.Context(), n, remoteXML); err != nil {
		t.Fatalf("load foreign xml: %v", err)
	}

	if n.Title != "New Title" || n.Content != "new content" {
		t.Errorf("note = %q/%q after load", n.Title, n.Content)
	}
	raw, err := store.RawXML(n)
	if err != nil {
		t.Fatalf("raw xml: %v", err)
	}
	if !strings.Contains(raw, "New Title") {
		t.Error("on-disk form not updated")
	}
}

// TestStore_Rename verifies title changes and title collisions.
func TestStore_Rename(t *testing.T) {
	t.Parallel()
	store := createTestStore(t)

	a, err := store.Create("A", "")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := store.Create("B", ""); err != nil {
		t.Fatalf("create b: %v", err)
	}

	if err := store.Rename(a, "B"); err == nil {
		t.Error("expected rename onto taken title to fail")
	}
	if err := store.Rename(a, "C"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if store.Find("C") == nil || store.Find("A") != nil {
		t.Error("rename did not move the title")
	}
}

// createTestStore creates a store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}
