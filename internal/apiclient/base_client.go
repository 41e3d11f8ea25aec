// Package apiclient calls the MaryBot REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "marybot/pkg/logx"
)

// BaseClient sends JSON requests to one base URL.
type BaseClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	log        logx.Logger
}

// NewBaseClient builds a client. An empty token sends no Authorization
// header.
func NewBaseClient(baseURL, token string, timeout time.Duration, log logx.Logger) *BaseClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BaseClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		log:        log.With(logx.Component("apiclient")),
	}
}

func (c *BaseClient) BaseURL() string { return c.baseURL }

// Do marshals body as JSON (when non-nil) and executes the request.
// The caller closes the response body.
func (c *BaseClient) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	url := c.baseURL + path

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("api request failed", logx.String("method", method), logx.String("url", url), logx.Err(err))
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	c.log.Debug("api response",
		logx.String("method", method),
		logx.String("url", url),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	return resp, nil
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: HTTP %d", e.Status)
	}
	return fmt.Sprintf("api: HTTP %d: %s", e.Status, e.Message)
}

// parseError reads a non-2xx body into an APIError. It always returns one.
func parseError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(b, apiErr); err != nil || (apiErr.Message == "" && apiErr.Code == "") {
		apiErr.Message = strings.TrimSpace(string(b))
	}
	if apiErr.Message == "" {
		apiErr.Message = apiErr.Code
	}
	return apiErr
}
