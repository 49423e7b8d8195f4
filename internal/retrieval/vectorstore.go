package retrieval

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Point is one stored vector with its source chunk. IDs are derived from
// (document, chunk index), so re-indexing a document upserts the same
// points instead of appending duplicates.
type Point struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Text       string
	Vector     []float32
}

// ScoredPoint is a Point with a similarity score attached.
type ScoredPoint struct {
	Point
	Score float64
}

// Filter narrows a search to specific documents. Empty means no filter.
type Filter struct {
	DocumentIDs []string
}

// VectorStore is the vector database collaborator. Upsert semantics are
// required: writing a point with an existing ID replaces it.
type VectorStore interface {
	// EnsureCollection creates the named collection if missing. Idempotent.
	EnsureCollection(ctx context.Context, collection string, dimension int) error

	// Upsert writes points into the collection, replacing same-ID points.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the topK most similar points, ordered by descending score.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]ScoredPoint, error)

	// DeleteByDocument removes every point belonging to the document.
	DeleteByDocument(ctx context.Context, collection, documentID string) error

	// CountByDocument returns the number of stored points for the document.
	CountByDocument(ctx context.Context, collection, documentID string) (int, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// PointID derives the stable identifier for a document chunk. Qdrant
// requires UUID point IDs, so the (document, index) pair is hashed into a
// name-based UUID — deterministic across runs, which is what makes
// re-indexing idempotent.
func PointID(documentID string, chunkIndex int) string {
	name := fmt.Sprintf("%s:%d", documentID, chunkIndex)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
