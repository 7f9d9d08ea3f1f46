package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"transferplane/pkg/api"

	"github.com/spf13/viper"
)

func TestDLQList_Success(t *testing.T) {
	resetViper()
	dlqListCmd.Flags().Set("limit", "20")
	dlqListCmd.Flags().Set("offset", "0")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		if r.URL.Path != "/tasks/dlq" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer system-secret" {
			t.Errorf("expected system secret, got: %s", r.Header.Get("Authorization"))
		}

		failedAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		errMsg := "scheduler: source unreachable"

		json.NewEncoder(w).Encode([]api.DLQTaskResponse{
			{ID: 1, TaskID: 314, Kind: "migration.advance", ErrorMessage: &errMsg, Attempts: 6, FailedAt: &failedAt},
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "system-secret")

	output, err := execute(t, "dlq", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, s := range []string{"TASK ID", "KIND", "ATTEMPTS", "ERROR", "314", "migration.advance", "source unreachable", "2024-01-01T12:00:00Z"} {
		if !strings.Contains(output, s) {
			t.Errorf("expected output to contain %q, got:\n%s", s, output)
		}
	}
}

func TestDLQList_Pagination(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("limit") != "5" {
			t.Errorf("expected limit=5, got %s", query.Get("limit"))
		}
		if query.Get("offset") != "10" {
			t.Errorf("expected offset=10, got %s", query.Get("offset"))
		}
		json.NewEncoder(w).Encode([]api.DLQTaskResponse{})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "system-secret")

	output, err := execute(t, "dlq", "list", "--limit", "5", "--offset", "10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "No more tasks found in DLQ.") {
		t.Errorf("expected end-of-list message, got: %s", output)
	}
}

func TestDLQList_Empty(t *testing.T) {
	resetViper()
	dlqListCmd.Flags().Set("limit", "20")
	dlqListCmd.Flags().Set("offset", "0")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]api.DLQTaskResponse{})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "system-secret")

	output, err := execute(t, "dlq", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "No tasks found in DLQ.") {
		t.Errorf("expected empty message, got: %s", output)
	}
}

func TestDLQList_Unauthorized(t *testing.T) {
	resetViper()
	dlqListCmd.Flags().Set("offset", "0")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Invalid authorization token"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "peer-token")

	_, err := execute(t, "dlq", "list")
	if err == nil || !strings.Contains(err.Error(), "API error (401)") {
		t.Errorf("expected 401 error, got %v", err)
	}
}

func TestDLQRetry_Success(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/tasks/dlq/314/retry" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.RetryDLQTaskResponse{NewTaskID: 900})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "system-secret")

	output, err := execute(t, "dlq", "retry", "314")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "retried successfully") {
		t.Errorf("expected success message, got: %s", output)
	}
	if !strings.Contains(output, "900") {
		t.Errorf("expected new task ID in output, got: %s", output)
	}
}

func TestDLQRetry_InvalidArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing id", []string{"dlq", "retry"}},
		{"non numeric id", []string{"dlq", "retry", "abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			viper.Set("token", "system-secret")

			if _, err := execute(t, tt.args...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
