package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkrv/docflow/internal/cache"
	"github.com/mkrv/docflow/internal/retrieval"
	"github.com/mkrv/docflow/internal/storage"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	// ModeVector ranks by embedding similarity alone.
	ModeVector Mode = "vector"
	// ModeSemantic ranks by term overlap against stored chunk text.
	ModeSemantic Mode = "semantic"
	// ModeHybrid fuses both rankings with configurable weights.
	ModeHybrid Mode = "hybrid"
)

// ErrEmptyQuery rejects requests with no query text.
var ErrEmptyQuery = errors.New("query must not be empty")

// ErrUnknownMode rejects requests with an unrecognized mode.
var ErrUnknownMode = errors.New("unknown search mode")

// Request is one search invocation. Zero Limit and Mode fall back to the
// coordinator defaults.
type Request struct {
	Query       string   `json:"query"`
	Mode        Mode     `json:"mode,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Offset      int      `json:"offset,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// Hit is one ranked chunk.
type Hit struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// Embedder turns the query into a vector for the similarity branch.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkSearcher is the term-overlap branch, served by the document store.
type ChunkSearcher interface {
	SearchChunks(ctx context.Context, query string, limit int, documentIDs []string) ([]storage.ChunkHit, error)
}

// Config tunes the coordinator.
type Config struct {
	// Collection is the vector collection queried by the vector branch.
	Collection string
	// VectorWeight and SemanticWeight blend the two branches in hybrid
	// mode. They default to 0.7 and 0.3.
	VectorWeight   float64
	SemanticWeight float64
	// DefaultLimit applies when a request carries no limit; MaxLimit caps
	// what a request may ask for. Default 10 and 100.
	DefaultLimit int
	MaxLimit     int
	// CacheTTL bounds how long a result set is served from cache.
	// Zero disables caching even when a cache is wired.
	CacheTTL time.Duration
}

// Coordinator answers search requests by fanning out to the vector store
// and the document store and fusing the rankings.
type Coordinator struct {
	cfg     Config
	embed   Embedder
	vectors retrieval.VectorStore
	chunks  ChunkSearcher
	cache   *cache.Cache
	logger  *slog.Logger
}

// NewCoordinator wires a Coordinator. cache may be nil.
func NewCoordinator(cfg Config, embed Embedder, vectors retrieval.VectorStore, chunks ChunkSearcher, c *cache.Cache, logger *slog.Logger) *Coordinator {
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	if cfg.VectorWeight == 0 && cfg.SemanticWeight == 0 {
		cfg.VectorWeight, cfg.SemanticWeight = 0.7, 0.3
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, embed: embed, vectors: vectors, chunks: chunks, cache: c, logger: logger}
}

// Search runs the request and returns ranked hits. Results are cached per
// normalized request when a cache is wired.
func (c *Coordinator) Search(ctx context.Context, req Request) ([]Hit, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if req.Limit <= 0 {
		req.Limit = c.cfg.DefaultLimit
	}
	if req.Limit > c.cfg.MaxLimit {
		req.Limit = c.cfg.MaxLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	key := c.cacheKey(req)
	if hits, ok := c.cached(key); ok {
		return hits, nil
	}

	// Fetch enough candidates to survive the offset cut.
	fetch := req.Offset + req.Limit

	var hits []Hit
	var err error
	switch req.Mode {
	case ModeVector:
		hits, err = c.vectorSearch(ctx, req.Query, fetch, req.DocumentIDs)
	case ModeSemantic:
		hits, err = c.semanticSearch(ctx, req.Query, fetch, req.DocumentIDs)
	case ModeHybrid:
		hits, err = c.hybridSearch(ctx, req.Query, fetch, req.DocumentIDs)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}
	if err != nil {
		return nil, err
	}

	hits = page(hits, req.Offset, req.Limit)
	c.store(key, hits)
	return hits, nil
}

func (c *Coordinator) vectorSearch(ctx context.Context, query string, limit int, documentIDs []string) ([]Hit, error) {
	vec, err := c.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	points, err := c.vectors.Search(ctx, c.cfg.Collection, vec, limit, retrieval.Filter{DocumentIDs: documentIDs})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	hits := make([]Hit, len(points))
	for i, p := range points {
		hits[i] = Hit{
			DocumentID: p.DocumentID,
			ChunkIndex: p.ChunkIndex,
			Text:       p.Text,
			Score:      p.Score,
		}
	}
	return hits, nil
}

func (c *Coordinator) semanticSearch(ctx context.Context, query string, limit int, documentIDs []string) ([]Hit, error) {
	matches, err := c.chunks.SearchChunks(ctx, query, limit, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	hits := make([]Hit, len(matches))
	for i, m := range matches {
		hits[i] = Hit{
			DocumentID: m.DocumentID,
			ChunkIndex: m.Index,
			Text:       m.Text,
			Score:      m.Score,
		}
	}
	return hits, nil
}

// hybridSearch runs both branches concurrently, normalizes each ranking to
// [0,1], and blends them: score = vw*vector + sw*semantic. A chunk found by
// both branches gets both contributions; a chunk found by one gets that one.
func (c *Coordinator) hybridSearch(ctx context.Context, query string, limit int, documentIDs []string) ([]Hit, error) {
	var vecHits, semHits []Hit

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vecHits, err = c.vectorSearch(gCtx, query, limit, documentIDs)
		return err
	})
	g.Go(func() error {
		var err error
		semHits, err = c.semanticSearch(gCtx, query, limit, documentIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	normalize(vecHits)
	normalize(semHits)

	type chunkKey struct {
		doc   string
		index int
	}
	fused := make(map[chunkKey]Hit)
	for _, h := range vecHits {
		h.Score *= c.cfg.VectorWeight
		fused[chunkKey{h.DocumentID, h.ChunkIndex}] = h
	}
	for _, h := range semHits {
		k := chunkKey{h.DocumentID, h.ChunkIndex}
		if prev, ok := fused[k]; ok {
			prev.Score += h.Score * c.cfg.SemanticWeight
			fused[k] = prev
			continue
		}
		h.Score *= c.cfg.SemanticWeight
		fused[k] = h
	}

	hits := make([]Hit, 0, len(fused))
	for _, h := range fused {
		hits = append(hits, h)
	}
	sortHits(hits)
	return hits, nil
}

// normalize rescales scores to [0,1] via min-max. A uniform ranking maps
// to all-ones so it still contributes its weight.
func normalize(hits []Hit) {
	if len(hits) == 0 {
		return
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	for i := range hits {
		if hi == lo {
			hits[i].Score = 1
			continue
		}
		hits[i].Score = (hits[i].Score - lo) / (hi - lo)
	}
}

// sortHits orders by descending score with a stable tiebreak on document
// then chunk index, so equal-scored results never shuffle between calls.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocumentID != hits[j].DocumentID {
			return hits[i].DocumentID < hits[j].DocumentID
		}
		return hits[i].ChunkIndex < hits[j].ChunkIndex
	})
}

func page(hits []Hit, offset, limit int) []Hit {
	if offset >= len(hits) {
		return []Hit{}
	}
	hits = hits[offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (c *Coordinator) cacheKey(req Request) string {
	if c.cache == nil || c.cfg.CacheTTL <= 0 {
		return ""
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return "search:" + hex.EncodeToString(sum[:])
}

func (c *Coordinator) cached(key string) ([]Hit, bool) {
	if key == "" {
		return nil, false
	}
	raw, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	var hits []Hit
	if err := json.Unmarshal(raw, &hits); err != nil {
		return nil, false
	}
	return hits, true
}

func (c *Coordinator) store(key string, hits []Hit) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(hits)
	if err != nil {
		return
	}
	if err := c.cache.Set(key, raw, c.cfg.CacheTTL); err != nil {
		c.logger.Debug("caching search results", "error", err)
	}
}
