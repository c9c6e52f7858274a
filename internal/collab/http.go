package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"git.home.luguber.info/inful/docpackd/internal/fingerprint"
)

// HTTPExtractor calls an extraction service over HTTP. One POST per build.
type HTTPExtractor struct {
	URL    string
	Client *http.Client
}

// NewHTTPExtractor creates an extractor client for the given endpoint.
func NewHTTPExtractor(url string) *HTTPExtractor {
	return &HTTPExtractor{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Minute},
	}
}

type extractRequest struct {
	Repository string `json:"repository"`
	Commit     string `json:"commit"`
}

// Extract implements Extractor. Symbols the service returns without a
// fingerprint are content-addressed locally from their normalized payload,
// so diff and cache keys stay deterministic regardless of extractor version.
func (e *HTTPExtractor) Extract(ctx context.Context, repository, commit string) ([]Symbol, error) {
	var symbols []Symbol
	err := postJSON(ctx, e.Client, e.URL, extractRequest{Repository: repository, Commit: commit}, &symbols)
	if err != nil {
		return nil, fmt.Errorf("extract %s@%s: %w", repository, commit, err)
	}
	for i := range symbols {
		if symbols[i].Fingerprint == "" {
			symbols[i].Fingerprint = fingerprint.Sum(symbols[i].Payload)
		}
	}
	return symbols, nil
}

// HTTPGenerator calls a documentation generation service over HTTP, one
// request per fingerprint. The caller bounds concurrency.
type HTTPGenerator struct {
	URL    string
	Client *http.Client
}

// NewHTTPGenerator creates a generator client for the given endpoint.
func NewHTTPGenerator(url string) *HTTPGenerator {
	return &HTTPGenerator{
		URL:    url,
		Client: &http.Client{Timeout: 2 * time.Minute},
	}
}

type generateResponse struct {
	Doc string `json:"doc"`
}

// Generate implements Generator. Failures are returned in the result, never
// panicked or escalated; the pipeline decides placeholder handling.
func (g *HTTPGenerator) Generate(ctx context.Context, req GenerationRequest) GenerationResult {
	var resp generateResponse
	err := postJSON(ctx, g.Client, g.URL, req, &resp)
	if err != nil {
		return GenerationResult{Fingerprint: req.Fingerprint, Err: err}
	}
	return GenerationResult{Fingerprint: req.Fingerprint, Doc: []byte(resp.Doc)}
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
