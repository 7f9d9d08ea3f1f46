// Package pipeline defines the staged import pipelines and builds the
// trackers of a unit, skipping pipelines the source version cannot serve.
package pipeline

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"transferplane/internal/store"

	"github.com/juju/version/v2"
)

// Definition is one static pipeline.
type Definition struct {
	Stage    int
	Name     string
	Relation string
	// MinVersion and MaxVersion are inclusive bounds on major.minor. Nil means unbounded.
	MinVersion *version.Number
	MaxVersion *version.Number
}

func bound(s string) *version.Number {
	n := version.MustParse(s)
	return &n
}

// Defaults are the pipelines every unit runs.
var Defaults = []Definition{
	{Stage: 0, Name: "labels", Relation: "labels"},
	{Stage: 1, Name: "milestones", Relation: "milestones"},
	{Stage: 1, Name: "issues", Relation: "issues"},
	{Stage: 2, Name: "uploads", Relation: "uploads"},
	{Stage: 2, Name: "repository", Relation: "repository", MinVersion: bound("15.0.0")},
	{Stage: 3, Name: "lfs_objects", Relation: "lfs_objects", MinVersion: bound("16.0.0")},
	{Stage: 3, Name: "ci_pipelines", Relation: "ci_pipelines", MaxVersion: bound("17.11.0")},
}

// Registry holds the pipeline definitions, ordered by stage.
type Registry struct {
	defs   []Definition
	byName map[string]Definition
	logger *slog.Logger
}

// NewRegistry validates defs. Names must be unique.
func NewRegistry(defs []Definition, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := make([]Definition, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Stage < sorted[j].Stage })

	byName := make(map[string]Definition, len(defs))
	for _, d := range sorted {
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate name %q", d.Name)
		}
		byName[d.Name] = d
	}
	return &Registry{defs: sorted, byName: byName, logger: logger}, nil
}

// Definitions returns the pipelines in stage order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Lookup returns the definition named name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Relations lists the distinct relations the pipelines import.
func (r *Registry) Relations() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range r.defs {
		if !seen[d.Relation] {
			seen[d.Relation] = true
			out = append(out, d.Relation)
		}
	}
	return out
}

// Trackers builds one tracker per pipeline for unit. Nothing is persisted here.
func (r *Registry) Trackers(unit *store.Unit, sourceVersion string) []store.Tracker {
	v, ok := ParseSourceVersion(sourceVersion)

	trackers := make([]store.Tracker, 0, len(r.defs))
	for _, d := range r.defs {
		status := store.TrackerCreated
		if ok && !d.Supports(v) {
			status = store.TrackerSkipped
			r.logger.Info("pipeline skipped for source version",
				"unit_id", unit.ID,
				"pipeline", d.Name,
				"source_version", sourceVersion,
				"min_version", versionString(d.MinVersion),
				"max_version", versionString(d.MaxVersion),
			)
		}
		trackers = append(trackers, store.Tracker{
			UnitID:       unit.ID,
			PipelineName: d.Name,
			Relation:     d.Relation,
			Stage:        d.Stage,
			Status:       status,
		})
	}
	return trackers
}

// Supports reports whether v lies within the definition's bounds.
func (d Definition) Supports(v version.Number) bool {
	if d.MinVersion != nil && v.Compare(majorMinor(*d.MinVersion)) < 0 {
		return false
	}
	if d.MaxVersion != nil && v.Compare(majorMinor(*d.MaxVersion)) > 0 {
		return false
	}
	return true
}

var leadingVersion = regexp.MustCompile(`^v?(\d{1,9})\.(\d{1,9})`)

// ParseSourceVersion reads the major.minor prefix of a version string such as
// "16.4.1-ee" and zeroes everything after it.
func ParseSourceVersion(s string) (version.Number, bool) {
	m := leadingVersion.FindStringSubmatch(s)
	if m == nil {
		return version.Number{}, false
	}
	n, err := version.Parse(m[1] + "." + m[2] + ".0")
	if err != nil {
		return version.Number{}, false
	}
	return n, true
}

func majorMinor(n version.Number) version.Number {
	return version.Number{Major: n.Major, Minor: n.Minor}
}

func versionString(n *version.Number) string {
	if n == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", n.Major, n.Minor)
}
