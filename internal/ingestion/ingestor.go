package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/kgraphd/kgraphd/internal/graphstore"
	"github.com/kgraphd/kgraphd/internal/lockregistry"
)

// labelOrder is the fixed upsert order §4.3 mandates: Directory, File,
// Project, ExternalLibrary, Scope.
var labelOrder = []string{"Directory", "File", "Project", "ExternalLibrary", "Scope"}

// keyFieldByLabel maps each label to its identity property.
var keyFieldByLabel = map[string]string{
	"Directory":       "path",
	"File":            "path",
	"Project":         "path",
	"ExternalLibrary": "name",
	"Scope":           "uuid",
}

const batchSize = 500

// retryDelays are the backoff steps for a failing batch (§4.3/§7
// UpstreamUnavailable handling): 1s, then 2s, then give up.
var retryDelays = []time.Duration{time.Second, 2 * time.Second}

// Result reports what one IncrementalIngestor.Apply call did.
type Result struct {
	Created int
	Updated int
	Removed int
}

// Ingestor applies Parser deltas to GraphStore under the ingestion lock,
// in ordered, idempotent, retried batches.
type Ingestor struct {
	store *graphstore.Store
	locks *lockregistry.Registry
}

// New constructs an Ingestor.
func New(store *graphstore.Store, locks *lockregistry.Registry) *Ingestor {
	return &Ingestor{store: store, locks: locks}
}

// Apply runs the §4.3 algorithm: delete removed files (cascading to their
// scopes), upsert nodes label-by-label in batches, upsert edges grouped by
// (type, fromLabel, toLabel) in batches, then mark touched Scope/File
// nodes dirty by key. Everything happens under the ingestion lock.
func (ig *Ingestor) Apply(ctx context.Context, delta *Delta, removedFiles []string) (Result, error) {
	var result Result
	err := ig.locks.WithLock(lockregistry.Ingestion, "apply-delta", func() error {
		for _, path := range removedFiles {
			if err := ig.store.DeleteByKey(ctx, "File", "path", path); err != nil {
				return fmt.Errorf("ingestion: delete removed file %s: %w", path, err)
			}
			result.Removed++
		}

		nodesByLabel := make(map[string][]graphstore.Row)
		for _, n := range delta.Nodes {
			props := cloneProps(n.Properties)
			props["key"] = n.Key
			keyField := keyFieldByLabel[n.Label]
			if keyField == "" {
				keyField = "key"
			}
			if _, ok := props[keyField]; !ok {
				props[keyField] = n.Key
			}
			nodesByLabel[n.Label] = append(nodesByLabel[n.Label], props)
			result.Updated++
		}

		for _, label := range labelOrder {
			rows := nodesByLabel[label]
			if len(rows) == 0 {
				continue
			}
			keyField := keyFieldByLabel[label]
			for _, batch := range chunkRows(rows, batchSize) {
				if err := ig.retryBatch(func() error {
					return ig.store.UpsertNodes(ctx, label, keyField, batch)
				}); err != nil {
					return fmt.Errorf("ingestion: upsert %s batch: %w", label, err)
				}
			}
		}

		type edgeGroup struct {
			edgeType        string
			fromLbl, toLbl  string
		}
		edgesByGroup := make(map[edgeGroup][]graphstore.Row)
		labelOf := make(map[string]string, len(delta.Nodes))
		for _, n := range delta.Nodes {
			labelOf[n.Key] = n.Label
		}
		for _, e := range delta.Edges {
			g := edgeGroup{edgeType: e.Type, fromLbl: labelOf[e.From], toLbl: labelOf[e.To]}
			props := cloneProps(e.Properties)
			props["from"] = e.From
			props["to"] = e.To
			edgesByGroup[g] = append(edgesByGroup[g], props)
		}
		for g, rows := range edgesByGroup {
			// Edge endpoints are NodeDelta keys, so they are matched on
			// the "key" property every upserted node carries.
			from := graphstore.LabelKey{Label: g.fromLbl, KeyField: "key"}
			to := graphstore.LabelKey{Label: g.toLbl, KeyField: "key"}
			for _, batch := range chunkRows(rows, batchSize) {
				if err := ig.retryBatch(func() error {
					return ig.store.UpsertEdges(ctx, g.edgeType, from, to, batch)
				}); err != nil {
					return fmt.Errorf("ingestion: upsert %s edges: %w", g.edgeType, err)
				}
			}
		}

		dirtyScopes := make([]any, 0)
		dirtyFiles := make([]any, 0)
		for _, n := range delta.Nodes {
			switch n.Label {
			case "Scope":
				dirtyScopes = append(dirtyScopes, n.Key)
			case "File":
				dirtyFiles = append(dirtyFiles, n.Key)
			}
		}
		if len(dirtyScopes) > 0 {
			if err := ig.retryBatch(func() error {
				return ig.store.MarkDirty(ctx, "Scope", "key", dirtyScopes)
			}); err != nil {
				return fmt.Errorf("ingestion: mark dirty: %w", err)
			}
		}
		if len(dirtyFiles) > 0 {
			if err := ig.retryBatch(func() error {
				return ig.store.MarkDirty(ctx, "File", "key", dirtyFiles)
			}); err != nil {
				return fmt.Errorf("ingestion: mark dirty: %w", err)
			}
		}

		return nil
	})
	return result, err
}

// retryBatch retries a failing batch up to len(retryDelays) extra times
// with the configured backoff, per §4.3/§7. Each batch is idempotent under
// MERGE semantics, so a retried batch cannot corrupt state.
func (ig *Ingestor) retryBatch(fn func() error) error {
	var lastErr error
	attempts := append([]time.Duration{0}, retryDelays...)
	for _, delay := range attempts {
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := fn(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func chunkRows(rows []graphstore.Row, size int) [][]graphstore.Row {
	var out [][]graphstore.Row
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[i:end])
	}
	return out
}

func cloneProps(in map[string]any) graphstore.Row {
	out := make(graphstore.Row, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
