package cmd

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"transferplane/pkg/api"

	"github.com/spf13/viper"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func tarBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte(body))
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// sourceServer fakes the pull API of a source controller for one relation.
func sourceServer(t *testing.T, status api.ExportStatusResponse, artifacts map[int][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("session_id") != "unit-1" || q.Get("source_path") != "acme/app" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		switch r.URL.Path {
		case "/exports/status":
			json.NewEncoder(w).Encode([]api.ExportStatusResponse{status})
		case "/exports/download":
			n := 0
			if b := q.Get("batch_number"); b != "" {
				n, _ = strconv.Atoi(b)
			}
			body, ok := artifacts[n]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/gzip")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Write(body)
		default:
			http.NotFound(w, r)
		}
	}))
}

func resetFetchFlags() {
	fetchCmd.Flags().Set("batch", "0")
	fetchCmd.Flags().Set("session", "")
	fetchCmd.Flags().Set("max-size", "5GiB")
}

func TestExportsCommand(t *testing.T) {
	resetViper()

	errMsg := "object store unavailable"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exports/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Has("relation") {
			t.Errorf("exports should list every relation")
		}
		json.NewEncoder(w).Encode([]api.ExportStatusResponse{
			{Relation: "issues", Status: "started", Batched: true, BatchesCount: 3, TotalObjectsCount: 2500,
				Batches: []api.BatchStatusResponse{{BatchNumber: 1, Status: "finished"}, {BatchNumber: 2, Status: "started"}}},
			{Relation: "uploads", Status: "failed", Error: &errMsg},
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "peer-token")

	output, err := execute(t, "exports", "acme/app", "--session", "unit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range []string{"RELATION", "issues", "1/3", "2500", "uploads", "object store unavailable"} {
		if !strings.Contains(output, s) {
			t.Errorf("expected output to contain %q, got:\n%s", s, output)
		}
	}
}

func TestExportsCommand_RequiresSession(t *testing.T) {
	resetViper()
	exportsCmd.Flags().Set("session", "")
	viper.Set("token", "peer-token")

	_, err := execute(t, "exports", "acme/app")
	if err == nil || !strings.Contains(err.Error(), "--session is required") {
		t.Errorf("expected session error, got %v", err)
	}
}

func TestFetchCommand_Unbatched(t *testing.T) {
	resetViper()
	resetFetchFlags()

	ndjson := []byte("{\"id\":1,\"title\":\"bug\"}\n{\"id\":2,\"title\":\"feature\"}\n")
	server := sourceServer(t,
		api.ExportStatusResponse{Relation: "labels", Status: "finished"},
		map[int][]byte{0: gzipBytes(t, ndjson)},
	)
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "peer-token")

	dir := t.TempDir()
	output, err := execute(t, "fetch", "acme/app", "labels", "--session", "unit-1", "--dir", dir, "--allow-local-network")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Fetched labels") {
		t.Fatalf("expected success message, got: %s", output)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "labels-*", "labels.ndjson"))
	if len(matches) != 1 {
		t.Fatalf("expected one labels.ndjson, got %v", matches)
	}
	got, _ := os.ReadFile(matches[0])
	if !bytes.Equal(got, ndjson) {
		t.Errorf("content = %q, want %q", got, ndjson)
	}
}

func TestFetchCommand_BatchedFetchesFinishedBatches(t *testing.T) {
	resetViper()
	resetFetchFlags()

	archive := gzipBytes(t, tarBytes(t, map[string]string{"a1/file.txt": "hello"}))
	server := sourceServer(t,
		api.ExportStatusResponse{Relation: "uploads", Status: "finished", Batched: true, BatchesCount: 2,
			Batches: []api.BatchStatusResponse{{BatchNumber: 1, Status: "finished"}, {BatchNumber: 2, Status: "failed"}}},
		map[int][]byte{1: archive},
	)
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "peer-token")

	dir := t.TempDir()
	output, err := execute(t, "fetch", "acme/app", "uploads", "--session", "unit-1", "--dir", dir, "--allow-local-network")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "(1 files)") {
		t.Errorf("expected one extracted file, got: %s", output)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "uploads-batch1-*", "a1", "file.txt"))
	if len(matches) != 1 {
		t.Fatalf("expected extracted file, got %v", matches)
	}
	if other, _ := filepath.Glob(filepath.Join(dir, "uploads-batch2-*")); len(other) != 0 {
		t.Errorf("failed batch should not be fetched, got %v", other)
	}
}

func TestFetchCommand_ExportNotFinished(t *testing.T) {
	resetViper()
	resetFetchFlags()

	server := sourceServer(t, api.ExportStatusResponse{Relation: "labels", Status: "started"}, nil)
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "peer-token")

	output, err := execute(t, "fetch", "acme/app", "labels", "--session", "unit-1", "--dir", t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "is started, nothing to fetch") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestFetchCommand_LoopbackBlockedByDefault(t *testing.T) {
	resetViper()
	resetFetchFlags()
	fetchCmd.Flags().Set("allow-local-network", "false")

	server := sourceServer(t,
		api.ExportStatusResponse{Relation: "labels", Status: "finished"},
		map[int][]byte{0: gzipBytes(t, []byte("{}\n"))},
	)
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "peer-token")

	dir := t.TempDir()
	output, err := execute(t, "fetch", "acme/app", "labels", "--session", "unit-1", "--dir", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Failed to download labels") {
		t.Errorf("expected blocked download, got: %s", output)
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "labels-*", "*")); len(matches) != 0 {
		t.Errorf("no file should be left behind, got %v", matches)
	}
}

func TestFetchCommand_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown relation", []string{"fetch", "acme/app", "wikis", "--session", "s"}, "unsupported relation"},
		{"missing session", []string{"fetch", "acme/app", "labels"}, "--session is required"},
		{"bad size", []string{"fetch", "acme/app", "labels", "--session", "s", "--max-size", "lots"}, "invalid --max-size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			resetFetchFlags()
			viper.Set("token", "peer-token")

			_, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
