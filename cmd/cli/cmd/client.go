package cmd

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

// ControlClient handles API calls to a transferplane controller.
type ControlClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewControlClient creates a new client with the given base URL and token.
func NewControlClient(baseURL, token string) *ControlClient {
	return &ControlClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *ControlClient) do(ctx context.Context, method, endpoint string, body, out any, okStatus int) error {
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

	if resp.StatusCode != okStatus {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: apiMessage(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// apiMessage prefers the error field of a JSON error body.
func apiMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// CreateMigration sends POST /migrations.
func (c *ControlClient) CreateMigration(ctx context.Context, req api.CreateMigrationRequest) (*api.CreateMigrationResponse, error) {
	var result api.CreateMigrationResponse
	if err := c.do(ctx, http.MethodPost, "/migrations", req, &result, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetMigration sends GET /migrations/{id}.
func (c *ControlClient) GetMigration(ctx context.Context, migrationID string) (*api.MigrationResponse, error) {
	var result api.MigrationResponse
	if err := c.do(ctx, http.MethodGet, "/migrations/"+url.PathEscape(migrationID), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTrackers sends GET /migrations/{id}/units/{unit_id}/trackers.
func (c *ControlClient) ListTrackers(ctx context.Context, migrationID, unitID string) ([]api.TrackerResponse, error) {
	endpoint := fmt.Sprintf("/migrations/%s/units/%s/trackers", url.PathEscape(migrationID), url.PathEscape(unitID))
	var result []api.TrackerResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateAccessToken sends POST /internal/access_tokens.
func (c *ControlClient) CreateAccessToken(ctx context.Context, req api.CreateAccessTokenRequest) (*api.CreateAccessTokenResponse, error) {
	var result api.CreateAccessTokenResponse
	if err := c.do(ctx, http.MethodPost, "/internal/access_tokens", req, &result, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListDLQTasks sends GET /tasks/dlq to retrieve dead tasks.
func (c *ControlClient) ListDLQTasks(ctx context.Context, limit, offset int) ([]api.DLQTaskResponse, error) {
	endpoint := fmt.Sprintf("/tasks/dlq?limit=%d&offset=%d", limit, offset)
	var result []api.DLQTaskResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return result, nil
}

// RetryDLQTask sends POST /tasks/dlq/{id}/retry.
func (c *ControlClient) RetryDLQTask(ctx context.Context, taskID int64) (*api.RetryDLQTaskResponse, error) {
	endpoint := fmt.Sprintf("/tasks/dlq/%s/retry", strconv.FormatInt(taskID, 10))
	var result api.RetryDLQTaskResponse
	if err := c.do(ctx, http.MethodPost, endpoint, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}
