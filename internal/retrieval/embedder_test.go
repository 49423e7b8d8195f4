package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func embedTestServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		resp := embedResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(len(req.Input[i])), 1}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbed(t *testing.T) {
	srv := embedTestServer(t, nil)
	defer srv.Close()

	e := NewEmbedder(srv.URL+"/v1", "", "test-model", 5*time.Second)
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 5 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	var calls atomic.Int64
	srv := embedTestServer(t, &calls)
	defer srv.Close()

	e := NewEmbedder(srv.URL+"/v1", "", "test-model", 5*time.Second)

	texts := make([]string, 40)
	for i := range texts {
		texts[i] = string(make([]byte, i+1)) // length encodes position
	}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if v[0] != float32(i+1) {
			t.Fatalf("vector %d out of order: %v", i, v)
		}
	}
	// 40 inputs at batch size 16 is 3 requests.
	if got := calls.Load(); got != 3 {
		t.Errorf("made %d requests, want 3", got)
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	e := NewEmbedder("http://unused", "", "m", time.Second)
	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", vecs, err)
	}
}

func TestEmbedStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewEmbedder(srv.URL+"/v1", "", "m", time.Second)
	_, err := e.Embed(context.Background(), "x")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.HTTPStatus() != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want 503 StatusError", err)
	}
}
