package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"transferplane/internal/errs"
	"transferplane/internal/export/relation"
	"transferplane/internal/objectstore"
	"transferplane/internal/store"

	"github.com/google/uuid"
)

const (
	insertChunk   = 1000
	maxRecordSize = 16 << 20
)

// Target names what a batch of files is loaded into.
type Target struct {
	OwnerID  uuid.UUID
	Relation relation.Kind
	// Dir holds the files; relative names inside it are preserved.
	Dir string
}

// Loader persists the decompressed artifact files of one relation.
type Loader interface {
	Load(ctx context.Context, target Target, files []string) (int, error)
}

// StoreLoader writes records into the RecordStore and binaries into the object store.
type StoreLoader struct {
	Records store.RecordStore
	Objects objectstore.Store
	Logger  *slog.Logger
}

func (l *StoreLoader) Load(ctx context.Context, target Target, files []string) (int, error) {
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	switch {
	case target.Relation.IsTree():
		total := 0
		for _, f := range files {
			n, err := l.loadRecords(ctx, target, f)
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	case target.Relation == relation.Repository:
		return l.loadBundle(ctx, target, files)
	case target.Relation == relation.Uploads, target.Relation == relation.LFSObjects:
		return l.loadFiles(ctx, target, files)
	}
	return 0, errs.New(errs.KindUnsupportedRelation, "importer.Load", "no loader for relation %q", target.Relation)
}

func (l *StoreLoader) loadRecords(ctx context.Context, target Target, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	total := 0
	chunk := make([]json.RawMessage, 0, insertChunk)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := l.Records.InsertRecords(ctx, target.OwnerID, string(target.Relation), chunk); err != nil {
			return fmt.Errorf("insert %s records: %w", target.Relation, err)
		}
		total += len(chunk)
		chunk = make([]json.RawMessage, 0, insertChunk)
		return nil
	}

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		if !json.Valid(raw) {
			l.Logger.Warn("skipping malformed record", "relation", target.Relation, "line", line)
			continue
		}
		chunk = append(chunk, json.RawMessage(append([]byte(nil), raw...)))
		if len(chunk) == insertChunk {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, errs.Validation("importer.Load", "read %s", filepath.Base(path)).WithCause(err)
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

func (l *StoreLoader) loadBundle(ctx context.Context, target Target, files []string) (int, error) {
	if len(files) != 1 {
		return 0, errs.Validation("importer.Load", "repository artifact must be one file, got %d", len(files))
	}
	info, err := os.Stat(files[0])
	if err != nil {
		return 0, err
	}
	// An empty bundle means the source project had no repository.
	if info.Size() == 0 {
		return 0, nil
	}
	if err := l.put(ctx, relation.BundleKey(target.OwnerID), files[0], info.Size()); err != nil {
		return 0, err
	}
	return 1, nil
}

func (l *StoreLoader) loadFiles(ctx context.Context, target Target, files []string) (int, error) {
	mapping := map[string]string{}
	if target.Relation == relation.LFSObjects {
		data, err := os.ReadFile(filepath.Join(target.Dir, relation.LFSMappingFile))
		if err != nil && !os.IsNotExist(err) {
			return 0, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &mapping); err != nil {
				return 0, errs.Validation("importer.Load", "invalid %s", relation.LFSMappingFile).WithCause(err)
			}
		}
	}

	count := 0
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		rel, err := filepath.Rel(target.Dir, p)
		if err != nil {
			return count, err
		}
		rel = filepath.ToSlash(rel)
		if rel == relation.LFSMappingFile && target.Relation == relation.LFSObjects {
			continue
		}

		file := store.RelationFile{OwnerID: target.OwnerID, Relation: string(target.Relation), Path: rel}
		if target.Relation == relation.LFSObjects {
			file.OID = rel
			file.Path = mapping[rel]
			if file.Path == "" {
				file.Path = rel
			}
		}
		file.ObjectKey = fmt.Sprintf("%s/%s/%s", target.Relation, target.OwnerID, rel)

		if err := l.loadFile(ctx, &file, p); err != nil {
			l.Logger.Warn("skipping file", "relation", target.Relation, "path", rel, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (l *StoreLoader) loadFile(ctx context.Context, file *store.RelationFile, p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if err := l.put(ctx, file.ObjectKey, p, info.Size()); err != nil {
		return err
	}
	file.Size = info.Size()
	return l.Records.InsertFile(ctx, file)
}

func (l *StoreLoader) put(ctx context.Context, key, p string, size int64) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := l.Objects.Put(ctx, key, f, size); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}
