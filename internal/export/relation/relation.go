// Package relation holds the per-relation exporters. The set of relations is
// closed: every Kind has exactly one entry in the registry.
package relation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"transferplane/internal/errs"
	"transferplane/internal/objectstore"
	"transferplane/internal/store"

	"github.com/google/uuid"
)

// Kind identifies an exportable relation.
type Kind string

const (
	Labels      Kind = "labels"
	Milestones  Kind = "milestones"
	Issues      Kind = "issues"
	CIPipelines Kind = "ci_pipelines"
	Uploads     Kind = "uploads"
	LFSObjects  Kind = "lfs_objects"
	Repository  Kind = "repository"
)

// Exporter writes one relation of one owner into a directory.
type Exporter interface {
	// Execute exports the whole relation into dir and returns the object count.
	Execute(ctx context.Context, dir string) (int, error)

	// ExportBatch exports only the objects with the given primary keys.
	ExportBatch(ctx context.Context, dir string, ids []int64) (int, error)

	// ArtifactName is the file, relative to dir, that holds the export.
	ArtifactName() string
}

// Batchable is implemented by exporters whose relation can be split by primary key.
type Batchable interface {
	Exporter

	// Count returns the number of objects in the relation.
	Count(ctx context.Context) (int, error)

	// IDsAfter returns up to limit primary keys greater than afterID, ascending.
	IDsAfter(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

// Deps are the collaborators shared by every exporter.
type Deps struct {
	Records store.RecordStore
	Objects objectstore.Store
	Logger  *slog.Logger
}

type factory func(kind Kind, ownerID uuid.UUID, deps Deps) Exporter

var registry = map[Kind]factory{
	Labels:      newTree,
	Milestones:  newTree,
	Issues:      newTree,
	CIPipelines: newTree,
	Uploads:     newUploads,
	LFSObjects:  newLFSObjects,
	Repository:  newRepository,
}

// Kinds returns every registered relation, sorted.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Parse returns the Kind named s.
func Parse(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := registry[k]; !ok {
		return "", errs.New(errs.KindUnsupportedRelation, "relation.Parse", "unsupported relation %q", s)
	}
	return k, nil
}

// New returns the exporter for relation, owned by ownerID.
func New(relation string, ownerID uuid.UUID, deps Deps) (Exporter, error) {
	kind, err := Parse(relation)
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return registry[kind](kind, ownerID, deps), nil
}

// BundleKey is the object store key of an owner's repository bundle.
func BundleKey(ownerID uuid.UUID) string {
	return fmt.Sprintf("repositories/%s.bundle", ownerID)
}

// Artifact returns the file name the exporter of relation writes, before compression.
func Artifact(relation string) (string, error) {
	exp, err := New(relation, uuid.Nil, Deps{})
	if err != nil {
		return "", err
	}
	return exp.ArtifactName(), nil
}

// IsTree reports whether k is exported as newline-delimited JSON records.
func (k Kind) IsTree() bool {
	switch k {
	case Labels, Milestones, Issues, CIPipelines:
		return true
	}
	return false
}
