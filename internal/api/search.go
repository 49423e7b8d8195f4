package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mkrv/docflow/internal/search"
)

type searchRequest struct {
	Query      string   `json:"query"`
	SearchType string   `json:"search_type"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
	FileIDs    []string `json:"file_ids"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		hits, err := deps.Search.Search(r.Context(), search.Request{
			Query:       req.Query,
			Mode:        search.Mode(req.SearchType),
			Limit:       req.Limit,
			Offset:      req.Offset,
			DocumentIDs: req.FileIDs,
		})
		switch {
		case errors.Is(err, search.ErrEmptyQuery), errors.Is(err, search.ErrUnknownMode):
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, r, http.StatusBadGateway, "search_failed", "search failed: %v", err)
			return
		}

		if hits == nil {
			hits = []search.Hit{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results": hits,
			"total":   len(hits),
		})
	}
}

type answerRequest struct {
	Query      string   `json:"query"`
	SearchType string   `json:"search_type"`
	Limit      int      `json:"limit"`
	FileIDs    []string `json:"file_ids"`
}

func handleAnswer(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		defer r.Body.Close()

		var req answerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		resp, err := deps.Answer.Answer(r.Context(), search.AnswerRequest{
			Query:       req.Query,
			Mode:        search.Mode(req.SearchType),
			Limit:       req.Limit,
			DocumentIDs: req.FileIDs,
		})
		switch {
		case errors.Is(err, search.ErrEmptyQuery), errors.Is(err, search.ErrUnknownMode):
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, search.ErrRetrievalFailed):
			httpError(w, r, http.StatusBadGateway, "retrieval_failed", "%v", err)
			return
		case errors.Is(err, search.ErrSynthesisFailed):
			httpError(w, r, http.StatusBadGateway, "answer_synthesis_failed", "%v", err)
			return
		case err != nil:
			httpError(w, r, http.StatusInternalServerError, "api_error", "answer failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"answer":             resp.Answer,
			"supporting_results": resp.Sources,
		})
	}
}
