// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	// ErrTypeUnavailable is a transport or connection failure.
	ErrTypeUnavailable
	// ErrTypeUpstream is a non-2xx response from the server.
	ErrTypeUpstream
	// ErrTypeMalformed is a response body that does not match the expected schema.
	ErrTypeMalformed
)

func (t ErrorType) String() string {
	switch t {
	case ErrTypeUnavailable:
		return "upstream unavailable"
	case ErrTypeUpstream:
		return "upstream error"
	case ErrTypeMalformed:
		return "malformed response"
	default:
		return "unknown"
	}
}

// ClientError represents an error from the Ollama client.
type ClientError struct {
	Type ErrorType
	// Status is the HTTP status code for ErrTypeUpstream, zero otherwise.
	Status  int
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches any ClientError of the same Type, so errors.Is works against
// the sentinels below.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// Sentinel errors for easy checking.
var (
	ErrUnavailable       = &ClientError{Type: ErrTypeUnavailable, Message: "Ollama is not reachable"}
	ErrUpstream          = &ClientError{Type: ErrTypeUpstream, Message: "Ollama returned an error"}
	ErrMalformedResponse = &ClientError{Type: ErrTypeMalformed, Message: "malformed response from Ollama"}
)

// StatusCode returns the upstream HTTP status carried by err, or zero.
func StatusCode(err error) int {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Status
	}
	return 0
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// DefaultBaseURL is the loopback address Ollama listens on by default.
// Uses an explicit IPv4 address so localhost never resolves to ::1.
const DefaultBaseURL = "http://127.0.0.1:11434"

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434)
	BaseURL string

	// Timeout for non-streaming requests (default: 30s). Streaming requests
	// have no overall timeout; their context bounds them.
	Timeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the Ollama API.
// It is safe for concurrent use.
type Client struct {
	config       *ClientConfig
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a new Ollama client with default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a new Ollama client with custom configuration.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		// Ollama runs on loopback over plain HTTP; no TLS settings apply.
		streamClient: &http.Client{},
	}
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckHealth reports whether Ollama answers the model listing endpoint
// with a success status. Every failure collapses to false.
func (c *Client) CheckHealth(ctx context.Context) bool {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false
	}
	drainAndClose(resp.Body)
	return isSuccess(resp.StatusCode)
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels returns the names of all locally available models.
// A response without a models array yields an empty list.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, upstreamError("failed to list models", resp)
	}

	var result listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeMalformed, Message: "failed to decode model list", Cause: err}
	}

	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// GetModelInfo retrieves details about a specific model from /api/show.
func (c *Client) GetModelInfo(ctx context.Context, name string) (*ModelInfo, error) {
	resp, err := c.do(ctx, c.httpClient, http.MethodPost, "/api/show", showRequest{Model: name})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, upstreamError("failed to get model info", resp)
	}

	var result ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeMalformed, Message: "failed to decode model info", Cause: err}
	}
	return &result, nil
}

// =============================================================================
// GENERATION
// =============================================================================

// OpenGenerateStream posts req to /api/generate with streaming enabled and
// returns the response stream once the status has been validated. Nothing is
// read from the body before returning.
func (c *Client) OpenGenerateStream(ctx context.Context, req GenerateRequest) (*GenerateStream, error) {
	resp, err := c.do(ctx, c.streamClient, http.MethodPost, "/api/generate", wireGenerateRequest{
		GenerateRequest: req,
		Stream:          true,
	})
	if err != nil {
		return nil, err
	}

	if !isSuccess(resp.StatusCode) {
		defer resp.Body.Close()
		return nil, upstreamError("generate request failed", resp)
	}

	return newGenerateStream(resp.Body), nil
}

// =============================================================================
// HELPERS
// =============================================================================

// do issues a request, JSON-encoding body when it is non-nil.
// Transport failures come back as ErrTypeUnavailable.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to marshal request", Cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnavailable, Message: "failed to create request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnavailable, Message: "failed to reach Ollama at " + c.config.BaseURL, Cause: err}
	}
	return resp, nil
}

// upstreamError builds an ErrTypeUpstream error, folding in Ollama's
// {"error": "..."} body when there is one.
func upstreamError(prefix string, resp *http.Response) *ClientError {
	msg := prefix + ": status " + strconv.Itoa(resp.StatusCode)
	var body apiError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		msg += ": " + body.Error
	}
	return &ClientError{Type: ErrTypeUpstream, Status: resp.StatusCode, Message: msg}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// drainAndClose lets the transport reuse the connection.
func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(r, 64<<10))
	r.Close()
}
