package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func saveTestDocument(t *testing.T, s *Store, id string) {
	t.Helper()
	doc := Document{
		ID:           id,
		OriginalName: id + ".pdf",
		StorageKey:   "blobs/" + id,
		SizeBytes:    1024,
		ContentType:  "application/pdf",
		Status:       DocUploaded,
	}
	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument(%s): %v", id, err)
	}
}

func TestSaveAndGetDocument(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")

	got, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != DocUploaded {
		t.Errorf("status = %q, want uploaded", got.Status)
	}
	if got.OriginalName != "doc-1.pdf" || got.SizeBytes != 1024 {
		t.Errorf("unexpected document: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Errorf("timestamps not populated: %+v", got)
	}

	if _, err := s.GetDocument("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument(missing) = %v, want ErrNotFound", err)
	}
}

func TestTransitionDocumentGuards(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")

	if err := s.TransitionDocument("doc-1", []DocumentStatus{DocUploaded}, DocParsing); err != nil {
		t.Fatalf("uploaded -> parsing: %v", err)
	}

	// A second runner trying the same transition must see the conflict.
	if err := s.TransitionDocument("doc-1", []DocumentStatus{DocUploaded}, DocParsing); !errors.Is(err, ErrConflict) {
		t.Fatalf("repeat transition: err = %v, want ErrConflict", err)
	}

	if err := s.TransitionDocument("missing", []DocumentStatus{DocUploaded}, DocParsing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing doc: err = %v, want ErrNotFound", err)
	}
}

func TestSetParseOutput(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")

	// Parse output is only valid while parsing.
	if err := s.SetParseOutput("doc-1", 3, 512); !errors.Is(err, ErrConflict) {
		t.Fatalf("SetParseOutput before parsing: err = %v, want ErrConflict", err)
	}

	if err := s.TransitionDocument("doc-1", []DocumentStatus{DocUploaded}, DocParsing); err != nil {
		t.Fatal(err)
	}
	if err := s.SetParseOutput("doc-1", 3, 512); err != nil {
		t.Fatalf("SetParseOutput: %v", err)
	}

	got, _ := s.GetDocument("doc-1")
	if got.Status != DocParsed || got.ContentBlockCount != 3 || got.MarkdownLength != 512 {
		t.Errorf("unexpected document after parse: %+v", got)
	}
}

func TestMarkDocumentFailed(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")

	if err := s.MarkDocumentFailed("doc-1", "parser rejected input"); err != nil {
		t.Fatalf("MarkDocumentFailed: %v", err)
	}
	got, _ := s.GetDocument("doc-1")
	if got.Status != DocFailed || got.Error != "parser rejected input" {
		t.Errorf("unexpected document: %+v", got)
	}

	if err := s.MarkDocumentFailed("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListDocuments(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"doc-1", "doc-2", "doc-3"} {
		saveTestDocument(t, s, id)
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.MarkDocumentFailed("doc-2", "boom"); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListDocuments("", 10, 0)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d documents, want 3", len(all))
	}

	failed, err := s.ListDocuments(DocFailed, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != "doc-2" {
		t.Errorf("ListDocuments(failed) = %+v", failed)
	}

	// Offset beyond the end is empty, not an error.
	none, err := s.ListDocuments("", 10, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("offset past end returned %d documents", len(none))
	}

	n, err := s.CountDocuments("")
	if err != nil || n != 3 {
		t.Errorf("CountDocuments = %d, %v; want 3", n, err)
	}
}

func TestReplaceChunksAndGet(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")

	first := []Chunk{
		{DocumentID: "doc-1", Index: 0, Kind: "text", Text: "alpha"},
		{DocumentID: "doc-1", Index: 1, Kind: "table", Text: "beta"},
	}
	if err := s.ReplaceChunks("doc-1", first); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	// A re-parse replaces wholesale.
	second := []Chunk{{DocumentID: "doc-1", Index: 0, Kind: "text", Text: "gamma"}}
	if err := s.ReplaceChunks("doc-1", second); err != nil {
		t.Fatalf("ReplaceChunks (second): %v", err)
	}

	got, err := s.GetChunks("doc-1")
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(got) != 1 || got[0].Text != "gamma" {
		t.Errorf("chunks = %+v, want single gamma chunk", got)
	}
}

func TestDeleteDocumentCascades(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	if err := s.ReplaceChunks("doc-1", []Chunk{{DocumentID: "doc-1", Index: 0, Text: "alpha"}}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDocument("doc-1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := s.GetDocument("doc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("document survived delete: %v", err)
	}
	chunks, err := s.GetChunks("doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("chunks survived delete: %+v", chunks)
	}

	if err := s.DeleteDocument("doc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestSearchChunks(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1")
	saveTestDocument(t, s, "doc-2")

	if err := s.ReplaceChunks("doc-1", []Chunk{
		{DocumentID: "doc-1", Index: 0, Text: "The quick brown fox jumps over the lazy dog"},
		{DocumentID: "doc-1", Index: 1, Text: "Completely unrelated content"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceChunks("doc-2", []Chunk{
		{DocumentID: "doc-2", Index: 0, Text: "A quick note about foxes"},
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	hits, err := s.SearchChunks(ctx, "lazy fox", 10, nil)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2: %+v", len(hits), hits)
	}
	// doc-1 chunk contains both terms, doc-2 only "fox".
	if hits[0].DocumentID != "doc-1" || hits[0].Score != 1.0 {
		t.Errorf("top hit = %+v, want doc-1 with score 1.0", hits[0])
	}
	if hits[1].Score >= hits[0].Score {
		t.Errorf("hits not ordered by score: %+v", hits)
	}

	// Document filter.
	hits, err = s.SearchChunks(ctx, "quick", 10, []string{"doc-2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].DocumentID != "doc-2" {
		t.Errorf("filtered hits = %+v, want only doc-2", hits)
	}

	// No matches.
	hits, err = s.SearchChunks(ctx, "zeppelin", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("unexpected hits for unrelated query: %+v", hits)
	}
}
