// Package ingestion implements source parsing and incremental graph
// application (§4.3): Parser walks a project's files into a graph delta,
// IncrementalIngestor applies that delta to GraphStore in ordered,
// idempotent batches.
package ingestion

import (
	"path/filepath"
)

// NodeDelta is one node to upsert. Key embeds its label namespace via a
// prefix (file:, dir:, scope:, lib:, project:) per spec.md §4.3.
type NodeDelta struct {
	Key        string
	Label      string
	Properties map[string]any
}

// EdgeDelta is one edge to upsert.
type EdgeDelta struct {
	Type       string
	From       string
	To         string
	Properties map[string]any
}

// Stats reports parse-time counters for one Parse call.
type Stats struct {
	FilesParsed    int
	FilesSkipped   int
	TruncatedFiles int
}

// Delta is the output of one Parser.Parse call.
type Delta struct {
	Nodes         []NodeDelta
	Edges         []EdgeDelta
	FilesProcessed []string
	Stats         Stats
}

// ScanRequest bounds a parse: a project root, include/exclude globs, and
// (for incremental runs) the specific changed files to reparse. A nil
// ChangedFiles means "parse every matching file under RootPath".
type ScanRequest struct {
	RootPath      string
	IncludeGlobs  []string
	ExcludeGlobs  []string
	ChangedFiles  []string
}

// Parser turns source files into a graph delta. Mirrors the CodeParser
// shape from kraklabs/cie/pkg/ingestion/parser_interface.go, generalized
// from a single-mode parser to the project-wide Parse entrypoint spec.md
// describes.
type Parser interface {
	Parse(req ScanRequest) (*Delta, error)
	SetMaxContentSize(bytes int64)
	TruncatedCount() int
	ResetTruncatedCount()
}

// MatchesGlobs reports whether path matches any of includes (or includes
// is empty, meaning "match everything") and none of excludes. A pattern
// matches when path/filepath.Match accepts it against the whole path or
// against the path's base name; no extra dependency is pulled in for this
// (see DESIGN.md).
func MatchesGlobs(path string, includes, excludes []string) bool {
	for _, pat := range excludes {
		if ok, _ := filepath.Match(pat, path); ok {
			return false
		}
		if ok, _ := filepath.Match(pat, filepath.Base(path)); ok {
			return false
		}
	}
	if len(includes) == 0 {
		return true
	}
	for _, pat := range includes {
		if ok, _ := filepath.Match(pat, path); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}
