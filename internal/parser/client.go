package parser

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusError reports a non-2xx response from the parser service.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("parser service returned status %d: %s", e.Status, e.Body)
}

// HTTPStatus implements the classification hook used by stage runners.
func (e *StatusError) HTTPStatus() int { return e.Status }

// Client talks to an external MinerU-style parser service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Client targeting the given base URL. timeout bounds a
// single parse call; if zero, 120s is used (large PDFs are slow to OCR).
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type parseRequest struct {
	Filename string  `json:"filename"`
	Content  string  `json:"content"` // base64
	Options  Options `json:"options"`
}

// Parse submits the document to POST /api/v1/parse and decodes the result.
func (c *Client) Parse(ctx context.Context, filename string, data []byte, opts Options) (*Result, error) {
	payload, err := json.Marshal(parseRequest{
		Filename: filename,
		Content:  base64.StdEncoding.EncodeToString(data),
		Options:  opts,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding parse request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/parse", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling parser service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding parse response: %w", err)
	}
	return &result, nil
}

// Ping reports whether the parser service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode}
	}
	return nil
}
