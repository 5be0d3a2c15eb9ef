// Package fixer implements the HTTP client for the external code-fixing
// service. The wire format ({error, filePath, fileContent} → {fixedCode})
// is fixed for compatibility with existing fixer deployments.
package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultTimeout = 60 * time.Second
	fixPath        = "/api/fix-code"
)

// Request carries one broken file to the fixer service.
type Request struct {
	ErrorText   string
	FilePath    string
	FileContent string
}

// Fixer produces corrected file content for a detected error.
type Fixer interface {
	Fix(ctx context.Context, req Request) (string, error)
}

// Client calls the fixer service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the fixer client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sets a bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// NewClient creates a fixer client for the given service base URL.
func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiRequest struct {
	Error       string `json:"error"`
	FilePath    string `json:"filePath"`
	FileContent string `json:"fileContent"`
}

type apiResponse struct {
	FixedCode string `json:"fixedCode"`
}

// Fix sends the broken file to the service and returns the corrected
// content. Any transport or service failure is returned as an error; the
// caller decides how it counts against the attempt budget.
func (c *Client) Fix(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(apiRequest{
		Error:       req.ErrorText,
		FilePath:    req.FilePath,
		FileContent: req.FileContent,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+fixPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fixer service error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if apiResp.FixedCode == "" {
		return "", fmt.Errorf("fixer service returned empty fixedCode")
	}

	c.logger.DebugContext(ctx, "fix request completed",
		slog.String("file", req.FilePath),
		slog.Duration("duration", time.Since(start)),
		slog.Int("fixed_bytes", len(apiResp.FixedCode)),
	)

	return apiResp.FixedCode, nil
}
