package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a guarded status update finds the document
// in a different state than the caller expected. It signals a scheduling
// bug or a concurrent delete, never user error.
var ErrConflict = errors.New("document status conflict")

// DocumentStatus is the pipeline state of an uploaded document.
type DocumentStatus string

const (
	DocUploaded DocumentStatus = "uploaded"
	DocParsing  DocumentStatus = "parsing"
	DocParsed   DocumentStatus = "parsed"
	DocIndexing DocumentStatus = "indexing"
	DocIndexed  DocumentStatus = "indexed"
	DocFailed   DocumentStatus = "failed"
)

// Document is the stored metadata for one uploaded file. The raw bytes live
// in the blob store under StorageKey; extracted content lives in chunks.
type Document struct {
	ID                string
	OriginalName      string
	StorageKey        string
	SizeBytes         int64
	ContentType       string
	Status            DocumentStatus
	ContentBlockCount int
	MarkdownLength    int
	Error             string
	Collection        string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Chunk is one unit of extracted content, ordered by Index within its
// document. Kind mirrors the parser block kind (text, image, table, equation).
type Chunk struct {
	DocumentID string
	Index      int
	Kind       string
	Text       string
}

// ChunkHit is a chunk matched by text search, with a relevance score in [0,1].
type ChunkHit struct {
	Chunk
	Score float64
}
