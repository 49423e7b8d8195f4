package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore talks to an S3-compatible object service over path-style URLs
// ({base}/{bucket}/{key}). It covers token-authenticated stores such as
// MinIO behind a gateway; it does not implement SigV4 signing.
type HTTPStore struct {
	baseURL    string
	bucket     string
	token      string
	httpClient *http.Client
}

// HTTPConfig configures an HTTPStore.
type HTTPConfig struct {
	BaseURL string
	Bucket  string
	// Token, when set, is sent as a bearer token on every request.
	Token   string
	Timeout time.Duration
}

// NewHTTPStore creates an HTTPStore. Timeout defaults to 30s.
func NewHTTPStore(cfg HTTPConfig) *HTTPStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		bucket:     cfg.Bucket,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StatusError reports a non-2xx object-store response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("object store returned %d: %s", e.Code, e.Body)
}

// HTTPStatus returns the upstream status code.
func (e *StatusError) HTTPStatus() int { return e.Code }

func (s *HTTPStore) objectURL(key string) string {
	return s.baseURL + "/" + s.bucket + "/" + url.PathEscape(key)
}

func (s *HTTPStore) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.objectURL(key), body)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return req, nil
}

func (s *HTTPStore) Put(ctx context.Context, key string, r io.Reader) error {
	req, err := s.newRequest(ctx, http.MethodPut, key, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storing object %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

func (s *HTTPStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	req, err := s.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching object %s: %w", key, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.Body, nil
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	defer resp.Body.Close()

	// Missing objects are a no-op, matching the Store contract.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

var _ Store = (*HTTPStore)(nil)
