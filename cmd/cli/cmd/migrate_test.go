package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"transferplane/pkg/api"

	"github.com/spf13/viper"
)

// resetUnits clears the repeatable --unit flag, which otherwise accumulates across executions.
func resetUnits(t *testing.T) {
	t.Helper()
	f := migrateCmd.Flags().Lookup("unit")
	if err := f.Value.(interface{ Replace([]string) error }).Replace(nil); err != nil {
		t.Fatalf("reset unit flag: %v", err)
	}
	f.Changed = false
}

func TestMigrateCommand_Success(t *testing.T) {
	resetViper()
	resetUnits(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/migrations" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req api.CreateMigrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad body: %v", err)
		}
		if req.SourceURL != "https://source.example.com" || req.SourceVersion != "16.2.0" {
			t.Errorf("unexpected source: %+v", req)
		}
		if len(req.Units) != 2 {
			t.Fatalf("expected 2 units, got %d", len(req.Units))
		}
		if req.Units[0] != (api.UnitRequest{SourceKind: "group", SourcePath: "acme", Destination: "imported/acme"}) {
			t.Errorf("unexpected first unit: %+v", req.Units[0])
		}
		if req.Units[1].SourceKind != "project" || req.Units[1].Destination != "x:y" {
			t.Errorf("unexpected second unit: %+v", req.Units[1])
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.CreateMigrationResponse{MigrationID: "mig-42"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output, err := execute(t, "migrate",
		"--source-url", "https://source.example.com",
		"--source-version", "16.2.0",
		"--unit", "group:acme:imported/acme",
		"--unit", "Project:acme/app:x:y",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "mig-42") {
		t.Errorf("expected migration id in output, got: %s", output)
	}
}

func TestMigrateCommand_ServerRejects(t *testing.T) {
	resetViper()
	resetUnits(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "source_url must be an absolute http(s) URL"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output, err := execute(t, "migrate", "--source-url", "ftp://x", "--unit", "group:a:b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "API error (400): source_url must be an absolute http(s) URL") {
		t.Errorf("expected API error, got: %s", output)
	}
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		name    string
		raw     []string
		wantErr string
	}{
		{"none", nil, "at least one --unit"},
		{"missing destination", []string{"group:acme"}, "expected kind:source_path:destination"},
		{"empty path", []string{"group::dest"}, "expected kind:source_path:destination"},
		{"bad kind", []string{"repo:acme:dest"}, "kind must be group or project"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseUnits(tt.raw)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("parseUnits(%v) error = %v, want %q", tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestMigrateCommand_MissingSourceURL(t *testing.T) {
	resetViper()
	resetUnits(t)
	migrateCmd.Flags().Set("source-url", "")
	viper.Set("token", "test-token")

	_, err := execute(t, "migrate", "--unit", "group:a:b")
	if err == nil || !strings.Contains(err.Error(), "--source-url is required") {
		t.Errorf("expected source url error, got %v", err)
	}
}
