package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// QdrantStore is a minimal REST client to Qdrant implementing VectorStore.
// It assumes cosine distance.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// QdrantConfig configures a QdrantStore.
type QdrantConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewQdrantStore creates a QdrantStore. Timeout defaults to 15s.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantStore{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d", dimension)
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	// Qdrant returns 200 for an existing collection with the same schema.
	return s.doJSON(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", collection), body, nil)
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qdrantPoints := make([]map[string]any, len(points))
	for i, p := range points {
		id := p.ID
		if id == "" {
			id = PointID(p.DocumentID, p.ChunkIndex)
		}
		qdrantPoints[i] = map[string]any{
			"id":     id,
			"vector": p.Vector,
			"payload": map[string]any{
				"document_id": p.DocumentID,
				"chunk_index": p.ChunkIndex,
				"text":        p.Text,
			},
		}
	}
	body := map[string]any{"points": qdrantPoints}
	return s.doJSON(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", collection), body, nil)
}

func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]ScoredPoint, error) {
	if topK <= 0 {
		topK = 5
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if f := documentFilter(filter); f != nil {
		req["filter"] = f
	}

	var resp struct {
		Result []struct {
			ID      string         `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.doJSON(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", collection), req, &resp); err != nil {
		return nil, err
	}

	results := make([]ScoredPoint, 0, len(resp.Result))
	for _, r := range resp.Result {
		p := Point{ID: r.ID}
		if v, ok := r.Payload["document_id"].(string); ok {
			p.DocumentID = v
		}
		if v, ok := r.Payload["chunk_index"].(float64); ok {
			p.ChunkIndex = int(v)
		}
		if v, ok := r.Payload["text"].(string); ok {
			p.Text = v
		}
		results = append(results, ScoredPoint{Point: p, Score: r.Score})
	}
	return results, nil
}

func (s *QdrantStore) DeleteByDocument(ctx context.Context, collection, documentID string) error {
	body := map[string]any{
		"filter": documentFilter(Filter{DocumentIDs: []string{documentID}}),
	}
	return s.doJSON(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", collection), body, nil)
}

func (s *QdrantStore) CountByDocument(ctx context.Context, collection, documentID string) (int, error) {
	body := map[string]any{
		"filter": documentFilter(Filter{DocumentIDs: []string{documentID}}),
		"exact":  true,
	}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := s.doJSON(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/count", collection), body, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/collections", nil)
	if err != nil {
		return err
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode}
	}
	return nil
}

func documentFilter(f Filter) map[string]any {
	if len(f.DocumentIDs) == 0 {
		return nil
	}
	return map[string]any{
		"must": []map[string]any{
			{
				"key":   "document_id",
				"match": map[string]any{"any": f.DocumentIDs},
			},
		},
	}
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding qdrant request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
