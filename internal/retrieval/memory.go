package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore with brute-force cosine
// similarity. Used by tests and single-node setups without Qdrant.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Point // collection -> point ID -> point
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Point)}
}

func (s *MemoryStore) EnsureCollection(_ context.Context, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d", dimension)
	}
	s.mu.Lock()
	if _, ok := s.collections[collection]; !ok {
		s.collections[collection] = make(map[string]Point)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]Point)
		s.collections[collection] = coll
	}
	for _, p := range points {
		if p.ID == "" {
			p.ID = PointID(p.DocumentID, p.ChunkIndex)
		}
		coll[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, collection string, vector []float32, topK int, filter Filter) ([]ScoredPoint, error) {
	if topK <= 0 {
		topK = 5
	}
	allowed := map[string]bool{}
	for _, id := range filter.DocumentIDs {
		allowed[id] = true
	}

	s.mu.RLock()
	var scored []ScoredPoint
	for _, p := range s.collections[collection] {
		if len(allowed) > 0 && !allowed[p.DocumentID] {
			continue
		}
		scored = append(scored, ScoredPoint{Point: p, Score: cosine(vector, p.Vector)})
	}
	s.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].DocumentID != scored[j].DocumentID {
			return scored[i].DocumentID < scored[j].DocumentID
		}
		return scored[i].ChunkIndex < scored[j].ChunkIndex
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (s *MemoryStore) DeleteByDocument(_ context.Context, collection, documentID string) error {
	s.mu.Lock()
	for id, p := range s.collections[collection] {
		if p.DocumentID == documentID {
			delete(s.collections[collection], id)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CountByDocument(_ context.Context, collection, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.collections[collection] {
		if p.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
