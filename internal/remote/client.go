// Package remote is the destination side client of a source instance's pull API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"transferplane/pkg/api"
)

// Client talks to one source instance.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a client for baseURL. A nil httpClient gets a 30s timeout client.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: httpClient,
	}
}

// APIError represents an error response from the source.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any, okStatus ...int) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, s := range okStatus {
		if resp.StatusCode == s {
			ok = true
		}
	}
	if !ok {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// StartExport sends POST /exports.
func (c *Client) StartExport(ctx context.Context, req api.StartExportRequest) (*api.StartExportResponse, error) {
	var result api.StartExportResponse
	if err := c.do(ctx, http.MethodPost, "/exports", req, &result, http.StatusAccepted, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExportStatus sends GET /exports/status for one relation of sourcePath.
func (c *Client) ExportStatus(ctx context.Context, sourcePath, relation, sessionID string) (*api.ExportStatusResponse, error) {
	q := url.Values{}
	q.Set("source_path", sourcePath)
	q.Set("relation", relation)
	q.Set("session_id", sessionID)

	var result []api.ExportStatusResponse
	if err := c.do(ctx, http.MethodGet, "/exports/status?"+q.Encode(), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, &APIError{StatusCode: http.StatusNotFound, Message: "export not found"}
	}
	return &result[0], nil
}

// ListExports sends GET /exports/status without a relation and returns every
// export of sourcePath recorded for sessionID.
func (c *Client) ListExports(ctx context.Context, sourcePath, sessionID string) ([]api.ExportStatusResponse, error) {
	q := url.Values{}
	q.Set("source_path", sourcePath)
	q.Set("session_id", sessionID)

	var result []api.ExportStatusResponse
	if err := c.do(ctx, http.MethodGet, "/exports/status?"+q.Encode(), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return result, nil
}

// ChildResources sends GET /resources/children.
func (c *Client) ChildResources(ctx context.Context, sourcePath string) ([]api.ResourceResponse, error) {
	q := url.Values{}
	q.Set("source_path", sourcePath)

	var result []api.ResourceResponse
	if err := c.do(ctx, http.MethodGet, "/resources/children?"+q.Encode(), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return result, nil
}

// DownloadPath is the path, relative to the base URL, of an export artifact.
// A zero batchNumber selects the unbatched artifact.
func DownloadPath(sourcePath, relation, sessionID string, batchNumber int) string {
	q := url.Values{}
	q.Set("source_path", sourcePath)
	q.Set("relation", relation)
	q.Set("session_id", sessionID)
	if batchNumber > 0 {
		q.Set("batch_number", strconv.Itoa(batchNumber))
	}
	return "/exports/download?" + q.Encode()
}
