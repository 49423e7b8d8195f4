package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mkrv/docflow/internal/llm"
)

// ErrRetrievalFailed marks an answer attempt that died before generation:
// the context for the model could not be assembled.
var ErrRetrievalFailed = errors.New("retrieval failed")

// ErrSynthesisFailed marks an answer attempt where retrieval succeeded but
// the model call did not.
var ErrSynthesisFailed = errors.New("answer synthesis failed")

// noResultsAnswer is returned without calling the model when retrieval
// finds nothing.
const noResultsAnswer = "No relevant information was found in the indexed documents for this question."

const answerSystemPrompt = `You are a document assistant. Answer the question using only the numbered context passages below. Cite passages by number, like [1]. If the context does not contain the answer, say so plainly instead of guessing.`

// ChatClient generates the final answer.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// AnswerRequest asks for a synthesized answer grounded in retrieved chunks.
type AnswerRequest struct {
	Query       string   `json:"query"`
	Mode        Mode     `json:"mode,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// AnswerResponse carries the generated answer and the passages it was
// grounded in, in the order they were presented to the model.
type AnswerResponse struct {
	Answer  string `json:"answer"`
	Sources []Hit  `json:"sources"`
}

// Answerer retrieves context through a Coordinator and synthesizes an
// answer with the model.
type Answerer struct {
	coordinator *Coordinator
	chat        ChatClient
	// maxContextTokens bounds how much retrieved text goes into the prompt.
	maxContextTokens int
}

// NewAnswerer wires an Answerer. maxContextTokens defaults to 4000.
func NewAnswerer(coordinator *Coordinator, chat ChatClient, maxContextTokens int) *Answerer {
	if maxContextTokens <= 0 {
		maxContextTokens = 4000
	}
	return &Answerer{coordinator: coordinator, chat: chat, maxContextTokens: maxContextTokens}
}

// Answer retrieves relevant chunks and asks the model to answer from them.
// Validation errors pass through unwrapped; downstream failures are wrapped
// in ErrRetrievalFailed or ErrSynthesisFailed so the caller can tell which
// phase died.
func (a *Answerer) Answer(ctx context.Context, req AnswerRequest) (AnswerResponse, error) {
	hits, err := a.coordinator.Search(ctx, Request{
		Query:       req.Query,
		Mode:        req.Mode,
		Limit:       req.Limit,
		DocumentIDs: req.DocumentIDs,
	})
	if err != nil {
		if errors.Is(err, ErrEmptyQuery) || errors.Is(err, ErrUnknownMode) {
			return AnswerResponse{}, err
		}
		return AnswerResponse{}, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	if len(hits) == 0 {
		return AnswerResponse{Answer: noResultsAnswer, Sources: []Hit{}}, nil
	}

	prompt, used := buildContext(req.Query, hits, a.maxContextTokens)
	answer, err := a.chat.Chat(ctx, []llm.Message{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return AnswerResponse{}, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}

	return AnswerResponse{Answer: strings.TrimSpace(answer), Sources: used}, nil
}

// buildContext assembles the numbered-passage prompt, stopping once the
// token budget is spent. Returns the prompt and the hits that made it in.
func buildContext(query string, hits []Hit, budget int) (string, []Hit) {
	var b strings.Builder
	b.WriteString("Context:\n")

	used := make([]Hit, 0, len(hits))
	spent := EstimateTokens(query) + EstimateTokens(answerSystemPrompt)
	for _, h := range hits {
		passage := fmt.Sprintf("[%d] %s\n", len(used)+1, h.Text)
		cost := EstimateTokens(passage)
		if len(used) > 0 && spent+cost > budget {
			break
		}
		b.WriteString(passage)
		used = append(used, h)
		spent += cost
	}

	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String(), used
}

// EstimateTokens approximates the token count of s. Four characters per
// token is close enough for budgeting across common tokenizers.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
