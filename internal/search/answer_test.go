package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mkrv/docflow/internal/llm"
	"github.com/mkrv/docflow/internal/retrieval"
	"github.com/mkrv/docflow/internal/storage"
)

type stubChat struct {
	calls int
	fn    func(messages []llm.Message) (string, error)
}

func (s *stubChat) Chat(_ context.Context, messages []llm.Message) (string, error) {
	s.calls++
	return s.fn(messages)
}

func semanticCoordinator(hits []storage.ChunkHit, err error) *Coordinator {
	chunks := &stubChunks{fn: func(string, int, []string) ([]storage.ChunkHit, error) {
		return hits, err
	}}
	vectors := &stubVectors{searchFn: noVectors}
	return NewCoordinator(Config{}, fixedEmbedder{}, vectors, chunks, nil, nil)
}

func TestAnswerGroundsInRetrievedChunks(t *testing.T) {
	coordinator := semanticCoordinator([]storage.ChunkHit{
		chunkHit("doc-a", 0, 0.9),
		chunkHit("doc-b", 1, 0.4),
	}, nil)

	var prompt string
	chat := &stubChat{fn: func(messages []llm.Message) (string, error) {
		prompt = messages[len(messages)-1].Content
		return "The answer is in [1].", nil
	}}
	a := NewAnswerer(coordinator, chat, 0)

	resp, err := a.Answer(context.Background(), AnswerRequest{Query: "what?", Mode: ModeSemantic})
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if resp.Answer != "The answer is in [1]." {
		t.Errorf("answer = %q", resp.Answer)
	}
	if len(resp.Sources) != 2 {
		t.Errorf("sources = %+v, want 2", resp.Sources)
	}
	if !strings.Contains(prompt, "[1] doc-a text") || !strings.Contains(prompt, "Question: what?") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestAnswerWithoutResultsSkipsModel(t *testing.T) {
	coordinator := semanticCoordinator(nil, nil)
	chat := &stubChat{fn: func([]llm.Message) (string, error) {
		return "should never run", nil
	}}
	a := NewAnswerer(coordinator, chat, 0)

	resp, err := a.Answer(context.Background(), AnswerRequest{Query: "anything", Mode: ModeSemantic})
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if resp.Answer != noResultsAnswer {
		t.Errorf("answer = %q", resp.Answer)
	}
	if chat.calls != 0 {
		t.Error("model was called with no context to ground on")
	}
}

func TestAnswerWrapsRetrievalFailure(t *testing.T) {
	coordinator := semanticCoordinator(nil, errors.New("store offline"))
	a := NewAnswerer(coordinator, &stubChat{fn: func([]llm.Message) (string, error) { return "", nil }}, 0)

	_, err := a.Answer(context.Background(), AnswerRequest{Query: "q", Mode: ModeSemantic})
	if !errors.Is(err, ErrRetrievalFailed) {
		t.Errorf("Answer error = %v, want ErrRetrievalFailed", err)
	}
}

func TestAnswerWrapsSynthesisFailure(t *testing.T) {
	coordinator := semanticCoordinator([]storage.ChunkHit{chunkHit("doc-a", 0, 0.9)}, nil)
	chat := &stubChat{fn: func([]llm.Message) (string, error) {
		return "", &llm.StatusError{Status: 503}
	}}
	a := NewAnswerer(coordinator, chat, 0)

	_, err := a.Answer(context.Background(), AnswerRequest{Query: "q", Mode: ModeSemantic})
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Errorf("Answer error = %v, want ErrSynthesisFailed", err)
	}
}

func TestAnswerPassesThroughValidationErrors(t *testing.T) {
	a := NewAnswerer(semanticCoordinator(nil, nil), &stubChat{fn: func([]llm.Message) (string, error) { return "", nil }}, 0)

	if _, err := a.Answer(context.Background(), AnswerRequest{Query: ""}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Answer error = %v, want ErrEmptyQuery", err)
	}
}

func TestBuildContextHonorsTokenBudget(t *testing.T) {
	long := strings.Repeat("word ", 100)
	hits := []Hit{
		{DocumentID: "doc-a", ChunkIndex: 0, Text: long},
		{DocumentID: "doc-a", ChunkIndex: 1, Text: long},
		{DocumentID: "doc-a", ChunkIndex: 2, Text: long},
	}

	prompt, used := buildContext("q", hits, 200)
	if len(used) != 1 {
		t.Errorf("used %d passages under a 200-token budget, want 1", len(used))
	}
	if !strings.Contains(prompt, "[1]") || strings.Contains(prompt, "[2]") {
		t.Errorf("prompt = %q", prompt)
	}

	// The first passage always goes in, even when it alone busts the budget.
	_, used = buildContext("q", hits, 10)
	if len(used) != 1 {
		t.Errorf("used %d passages, want the guaranteed first one", len(used))
	}
}

var _ retrieval.VectorStore = (*stubVectors)(nil)
