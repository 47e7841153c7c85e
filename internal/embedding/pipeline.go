// Package embedding implements EmbeddingPipeline (§4.5): selecting dirty
// nodes, building embedding text per a combine strategy, batching calls to
// the provider sidecar, and writing vectors back with dirty-flag clearing.
//
// Grounded on tarsy's pkg/queue.WorkerPool for the bounded-concurrency
// worker shape (a fixed number of goroutines draining a channel of
// batches) and on WessleyAI/wessley-mvp's engine/rag package for treating
// the provider as a narrow interface rather than a concrete gRPC type.
package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kgraphd/kgraphd/internal/graphstore"
	"github.com/kgraphd/kgraphd/internal/lockregistry"
)

// CombineStrategy selects how multiple source fields are merged into one
// embedding text (§4.5).
type CombineStrategy string

const (
	Concat   CombineStrategy = "concat"
	Weighted CombineStrategy = "weighted"
	Separate CombineStrategy = "separate"
)

// FieldWeight is used only by the Weighted strategy: fields are repeated
// Weight times when concatenated, a cheap way to bias the embedding
// without a weighted-pooling model on the far side.
type FieldWeight struct {
	Field  string
	Weight int
}

// IndexConfig mirrors the VectorIndex entity (§3) plus pipeline knobs.
type IndexConfig struct {
	Name            string
	NodeLabel       string
	KeyField        string
	SourceFields    []FieldWeight
	Combine         CombineStrategy
	Provider        string
	Model           string
	BatchSize       int // default 50
	Concurrency     int // default 10
}

func (c *IndexConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.Combine == "" {
		c.Combine = Concat
	}
}

// Provider embeds a batch of texts, returning one vector per input in
// order. Implemented by internal/llmclient.Client against the provider
// sidecar.
type Provider interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Result reports one pipeline run's outcome (§4.5 step 5).
type Result struct {
	Total      int
	Succeeded  int
	Failed     int
	DurationMs int64
}

// Pipeline runs EmbeddingPipeline against one GraphStore.
type Pipeline struct {
	store    *graphstore.Store
	provider Provider
	locks    *lockregistry.Registry
}

// New constructs a Pipeline.
func New(store *graphstore.Store, provider Provider, locks *lockregistry.Registry) *Pipeline {
	return &Pipeline{store: store, provider: provider, locks: locks}
}

type target struct {
	uuid string
	text string
}

// Run selects target nodes, embeds them in bounded-concurrency batches,
// and writes vectors back. ingestionLock must already be drained by the
// caller (§4.5's concurrency note); Run itself holds embeddingLock for the
// whole call.
func (p *Pipeline) Run(ctx context.Context, cfg IndexConfig, onlyDirty bool) (Result, error) {
	cfg.setDefaults()
	var result Result

	err := p.locks.WithLock(lockregistry.Embedding, "embed:"+cfg.Name, func() error {
		start := time.Now()
		targets, err := p.selectTargets(ctx, cfg, onlyDirty)
		if err != nil {
			return err
		}
		result.Total = len(targets)

		batches := chunkTargets(targets, cfg.BatchSize)
		succeeded, failed := p.dispatch(ctx, cfg, batches)
		result.Succeeded = succeeded
		result.Failed = failed
		result.DurationMs = time.Since(start).Milliseconds()
		return nil
	})
	return result, err
}

func (p *Pipeline) selectTargets(ctx context.Context, cfg IndexConfig, onlyDirty bool) ([]target, error) {
	query := fmt.Sprintf("MATCH (n:%s) WHERE n.dirty = true OR NOT $onlyDirty RETURN n.%s AS uuid, properties(n) AS node",
		cfg.NodeLabel, cfg.KeyField)
	if !onlyDirty {
		query = fmt.Sprintf("MATCH (n:%s) RETURN n.%s AS uuid, properties(n) AS node", cfg.NodeLabel, cfg.KeyField)
	}
	res, err := p.store.Run(ctx, query, map[string]any{"onlyDirty": onlyDirty})
	if err != nil {
		return nil, fmt.Errorf("embedding: select targets: %w", err)
	}

	var out []target
	for _, rec := range res.Records {
		uuid, _ := rec.Values["uuid"].(string)
		if uuid == "" {
			continue
		}
		props, _ := rec.Values["node"].(map[string]any)
		out = append(out, target{uuid: uuid, text: buildText(cfg, props)})
	}
	return out, nil
}

// buildText merges the index's source fields per the configured combine
// strategy. Separate is a degenerate concat here: callers that truly need
// per-field vectors run one IndexConfig per field instead, since a single
// VectorIndex owns exactly one sourceField per spec.md §3.
func buildText(cfg IndexConfig, props map[string]any) string {
	var parts []string
	for _, fw := range cfg.SourceFields {
		v, ok := props[fw.Field]
		if !ok {
			continue
		}
		s := fmt.Sprintf("%v", v)
		switch cfg.Combine {
		case Weighted:
			weight := fw.Weight
			if weight <= 0 {
				weight = 1
			}
			for i := 0; i < weight; i++ {
				parts = append(parts, s)
			}
		default:
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func chunkTargets(targets []target, size int) [][]target {
	var out [][]target
	for i := 0; i < len(targets); i += size {
		end := i + size
		if end > len(targets) {
			end = len(targets)
		}
		out = append(out, targets[i:end])
	}
	return out
}

// dispatch fans batches out over a bounded worker pool (cfg.Concurrency
// goroutines draining a channel), the same shape as
// pkg/queue.WorkerPool.Start's fixed worker count.
func (p *Pipeline) dispatch(ctx context.Context, cfg IndexConfig, batches [][]target) (succeeded, failed int) {
	work := make(chan []target)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workerCount := cfg.Concurrency
	if workerCount > len(batches) {
		workerCount = len(batches)
	}
	if workerCount == 0 {
		return 0, 0
	}

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range work {
				ok, bad := p.embedAndWrite(ctx, cfg, batch)
				mu.Lock()
				succeeded += ok
				failed += bad
				mu.Unlock()
			}
		}()
	}

	for _, b := range batches {
		work <- b
	}
	close(work)
	wg.Wait()
	return succeeded, failed
}

func (p *Pipeline) embedAndWrite(ctx context.Context, cfg IndexConfig, batch []target) (succeeded, failed int) {
	texts := make([]string, len(batch))
	for i, t := range batch {
		texts[i] = t.text
	}

	vectors, err := p.provider.Embed(ctx, cfg.Model, texts)
	if err != nil || len(vectors) != len(batch) {
		return 0, len(batch)
	}

	embeddingField := cfg.SourceFields[0].Field + "_embedding"

	rows := make([]graphstore.Row, len(batch))
	for i, t := range batch {
		rows[i] = graphstore.Row{
			cfg.KeyField:   t.uuid,
			embeddingField: vectors[i],
			"dirty":        false,
		}
	}

	if err := p.store.UpsertNodes(ctx, cfg.NodeLabel, cfg.KeyField, rows); err != nil {
		return 0, len(batch)
	}
	return len(batch), 0
}
