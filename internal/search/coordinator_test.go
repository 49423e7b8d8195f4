package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkrv/docflow/internal/cache"
	"github.com/mkrv/docflow/internal/retrieval"
	"github.com/mkrv/docflow/internal/storage"
)

type stubVectors struct {
	searchFn func(collection string, vector []float32, topK int, filter retrieval.Filter) ([]retrieval.ScoredPoint, error)
}

func (s *stubVectors) EnsureCollection(context.Context, string, int) error  { return nil }
func (s *stubVectors) Upsert(context.Context, string, []retrieval.Point) error { return nil }
func (s *stubVectors) DeleteByDocument(context.Context, string, string) error  { return nil }
func (s *stubVectors) CountByDocument(context.Context, string, string) (int, error) {
	return 0, nil
}
func (s *stubVectors) Ping(context.Context) error { return nil }
func (s *stubVectors) Search(_ context.Context, collection string, vector []float32, topK int, filter retrieval.Filter) ([]retrieval.ScoredPoint, error) {
	return s.searchFn(collection, vector, topK, filter)
}

type stubChunks struct {
	calls int
	fn    func(query string, limit int, documentIDs []string) ([]storage.ChunkHit, error)
}

func (s *stubChunks) SearchChunks(_ context.Context, query string, limit int, documentIDs []string) ([]storage.ChunkHit, error) {
	s.calls++
	return s.fn(query, limit, documentIDs)
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func point(doc string, index int, score float64) retrieval.ScoredPoint {
	return retrieval.ScoredPoint{
		Point: retrieval.Point{DocumentID: doc, ChunkIndex: index, Text: doc + " text"},
		Score: score,
	}
}

func chunkHit(doc string, index int, score float64) storage.ChunkHit {
	return storage.ChunkHit{
		Chunk: storage.Chunk{DocumentID: doc, Index: index, Text: doc + " text"},
		Score: score,
	}
}

func noVectors(string, []float32, int, retrieval.Filter) ([]retrieval.ScoredPoint, error) {
	return nil, nil
}

func noChunks(string, int, []string) ([]storage.ChunkHit, error) {
	return nil, nil
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	c := NewCoordinator(Config{}, fixedEmbedder{}, &stubVectors{searchFn: noVectors}, &stubChunks{fn: noChunks}, nil, nil)

	if _, err := c.Search(context.Background(), Request{Query: "   "}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Search error = %v, want ErrEmptyQuery", err)
	}
}

func TestSearchRejectsUnknownMode(t *testing.T) {
	c := NewCoordinator(Config{}, fixedEmbedder{}, &stubVectors{searchFn: noVectors}, &stubChunks{fn: noChunks}, nil, nil)

	if _, err := c.Search(context.Background(), Request{Query: "q", Mode: "fuzzy"}); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("Search error = %v, want ErrUnknownMode", err)
	}
}

func TestVectorModePreservesStoreOrder(t *testing.T) {
	vectors := &stubVectors{searchFn: func(string, []float32, int, retrieval.Filter) ([]retrieval.ScoredPoint, error) {
		return []retrieval.ScoredPoint{point("doc-a", 0, 0.95), point("doc-b", 3, 0.60)}, nil
	}}
	c := NewCoordinator(Config{}, fixedEmbedder{}, vectors, &stubChunks{fn: noChunks}, nil, nil)

	hits, err := c.Search(context.Background(), Request{Query: "q", Mode: ModeVector})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 || hits[0].DocumentID != "doc-a" || hits[1].ChunkIndex != 3 {
		t.Errorf("hits = %+v", hits)
	}
	if hits[0].Score != 0.95 {
		t.Errorf("vector mode must not rescale scores, got %v", hits[0].Score)
	}
}

func TestHybridFusesAndDeduplicates(t *testing.T) {
	vectors := &stubVectors{searchFn: func(string, []float32, int, retrieval.Filter) ([]retrieval.ScoredPoint, error) {
		return []retrieval.ScoredPoint{point("doc-a", 0, 0.9), point("doc-b", 0, 0.5)}, nil
	}}
	chunks := &stubChunks{fn: func(string, int, []string) ([]storage.ChunkHit, error) {
		return []storage.ChunkHit{chunkHit("doc-b", 0, 1.0), chunkHit("doc-c", 0, 0.2)}, nil
	}}
	c := NewCoordinator(Config{}, fixedEmbedder{}, vectors, chunks, nil, nil)

	hits, err := c.Search(context.Background(), Request{Query: "q", Mode: ModeHybrid})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	// After min-max normalization: vector doc-a=1, doc-b=0; semantic
	// doc-b=1, doc-c=0. Fused: doc-a=0.7, doc-b=0.3, doc-c=0.
	if len(hits) != 3 {
		t.Fatalf("hits = %+v, want 3 (doc-b must be deduplicated)", hits)
	}
	if hits[0].DocumentID != "doc-a" || hits[1].DocumentID != "doc-b" || hits[2].DocumentID != "doc-c" {
		t.Errorf("order = %s, %s, %s", hits[0].DocumentID, hits[1].DocumentID, hits[2].DocumentID)
	}
	if hits[0].Score != 0.7 || hits[1].Score != 0.3 {
		t.Errorf("scores = %v, %v; want 0.7, 0.3", hits[0].Score, hits[1].Score)
	}
}

func TestHybridTiesBreakByDocumentThenIndex(t *testing.T) {
	vectors := &stubVectors{searchFn: func(string, []float32, int, retrieval.Filter) ([]retrieval.ScoredPoint, error) {
		return []retrieval.ScoredPoint{point("doc-b", 1, 0.5), point("doc-a", 2, 0.5), point("doc-a", 0, 0.5)}, nil
	}}
	c := NewCoordinator(Config{}, fixedEmbedder{}, vectors, &stubChunks{fn: noChunks}, nil, nil)

	hits, err := c.Search(context.Background(), Request{Query: "q", Mode: ModeHybrid})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	want := []struct {
		doc   string
		index int
	}{{"doc-a", 0}, {"doc-a", 2}, {"doc-b", 1}}
	for i, w := range want {
		if hits[i].DocumentID != w.doc || hits[i].ChunkIndex != w.index {
			t.Errorf("hits[%d] = %s/%d, want %s/%d", i, hits[i].DocumentID, hits[i].ChunkIndex, w.doc, w.index)
		}
	}
}

func TestSearchPaginates(t *testing.T) {
	chunks := &stubChunks{fn: func(_ string, limit int, _ []string) ([]storage.ChunkHit, error) {
		out := []storage.ChunkHit{
			chunkHit("doc-a", 0, 0.9),
			chunkHit("doc-a", 1, 0.8),
			chunkHit("doc-a", 2, 0.7),
		}
		if len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}}
	c := NewCoordinator(Config{}, fixedEmbedder{}, &stubVectors{searchFn: noVectors}, chunks, nil, nil)

	hits, err := c.Search(context.Background(), Request{Query: "q", Mode: ModeSemantic, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 || hits[0].ChunkIndex != 1 {
		t.Errorf("hits = %+v, want chunks 1 and 2", hits)
	}

	hits, err = c.Search(context.Background(), Request{Query: "q", Mode: ModeSemantic, Limit: 2, Offset: 50})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("offset past the end returned %+v, want empty", hits)
	}
}

func TestSearchClampsLimit(t *testing.T) {
	var seen int
	chunks := &stubChunks{fn: func(_ string, limit int, _ []string) ([]storage.ChunkHit, error) {
		seen = limit
		return nil, nil
	}}
	c := NewCoordinator(Config{MaxLimit: 25}, fixedEmbedder{}, &stubVectors{searchFn: noVectors}, chunks, nil, nil)

	if _, err := c.Search(context.Background(), Request{Query: "q", Mode: ModeSemantic, Limit: 9000}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if seen != 25 {
		t.Errorf("store asked for %d candidates, want the 25 cap", seen)
	}
}

func TestSearchServesRepeatsFromCache(t *testing.T) {
	store, err := cache.Open("")
	if err != nil {
		t.Fatalf("cache.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	chunks := &stubChunks{fn: func(string, int, []string) ([]storage.ChunkHit, error) {
		return []storage.ChunkHit{chunkHit("doc-a", 0, 0.9)}, nil
	}}
	c := NewCoordinator(Config{CacheTTL: time.Minute}, fixedEmbedder{}, &stubVectors{searchFn: noVectors}, chunks, store, nil)

	req := Request{Query: "cached question", Mode: ModeSemantic}
	for i := 0; i < 3; i++ {
		hits, err := c.Search(context.Background(), req)
		if err != nil || len(hits) != 1 {
			t.Fatalf("Search #%d = %+v, err %v", i, hits, err)
		}
	}
	if chunks.calls != 1 {
		t.Errorf("store queried %d times for an identical request, want 1", chunks.calls)
	}
}

func TestHybridFailsWhenBranchFails(t *testing.T) {
	chunks := &stubChunks{fn: func(string, int, []string) ([]storage.ChunkHit, error) {
		return nil, errors.New("disk gone")
	}}
	vectors := &stubVectors{searchFn: func(string, []float32, int, retrieval.Filter) ([]retrieval.ScoredPoint, error) {
		return []retrieval.ScoredPoint{point("doc-a", 0, 0.9)}, nil
	}}
	c := NewCoordinator(Config{}, fixedEmbedder{}, vectors, chunks, nil, nil)

	if _, err := c.Search(context.Background(), Request{Query: "q", Mode: ModeHybrid}); err == nil {
		t.Error("hybrid search swallowed a branch failure")
	}
}
