// Package contextbuilder implements ContextBuilder.build (§4.9): a
// dual-context assembly of recent raw messages plus retrieved summaries,
// waiting briefly (non-fatally) on the ingestion/embedding locks first so
// retrieval doesn't race a half-applied write.
package contextbuilder

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kgraphd/kgraphd/internal/conversation"
	"github.com/kgraphd/kgraphd/internal/graphstore"
	"github.com/kgraphd/kgraphd/internal/lockregistry"
)

// Embedder embeds a single query string.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Options tunes the §4.9 defaults.
type Options struct {
	LockWaitTimeout       time.Duration    // default 5s
	RecentContextMaxChars int              // default 5000
	RecentContextMaxTurns int              // default 10
	LevelBoost            map[int]float64  // default {1:1.0, 2:1.1, 3:1.2}
	RecencyDecayDays      float64          // default 7
	RAGMinScore           float64          // default 0.7
	RAGMaxSummaries       int              // default 5
	VectorIndexName       string
	EmbeddingsEnabled     bool
}

func (o *Options) setDefaults() {
	if o.LockWaitTimeout <= 0 {
		o.LockWaitTimeout = 5 * time.Second
	}
	if o.RecentContextMaxChars <= 0 {
		o.RecentContextMaxChars = 5000
	}
	if o.RecentContextMaxTurns <= 0 {
		o.RecentContextMaxTurns = 10
	}
	if o.LevelBoost == nil {
		o.LevelBoost = map[int]float64{1: 1.0, 2: 1.1, 3: 1.2}
	}
	if o.RecencyDecayDays <= 0 {
		o.RecencyDecayDays = 7
	}
	if o.RAGMinScore == 0 {
		o.RAGMinScore = 0.7
	}
	if o.RAGMaxSummaries <= 0 {
		o.RAGMaxSummaries = 5
	}
}

// RetrievedSummary is one scored, boosted summary surfaced in the
// retrieved-context block.
type RetrievedSummary struct {
	Level               int
	AgeDays             float64
	BoostedScore        float64
	ConversationSummary string
	ActionsSummary      string
}

// Builder assembles dual context for the agent loop.
type Builder struct {
	graph    *graphstore.Store
	convs    *conversation.Store
	embedder Embedder
	locks    *lockregistry.Registry
	opts     Options
}

// New constructs a Builder.
func New(graph *graphstore.Store, convs *conversation.Store, embedder Embedder, locks *lockregistry.Registry, opts Options) *Builder {
	opts.setDefaults()
	return &Builder{graph: graph, convs: convs, embedder: embedder, locks: locks, opts: opts}
}

// Build assembles the composed context text for one query in one
// conversation (§4.9's four-step algorithm).
func (b *Builder) Build(ctx context.Context, conversationID, query string) (string, error) {
	ingestionFresh := b.locks.WaitForUnlock(lockregistry.Ingestion, b.opts.LockWaitTimeout)
	embeddingFresh := b.locks.WaitForUnlock(lockregistry.Embedding, b.opts.LockWaitTimeout)

	recent, err := b.convs.RecentMessages(ctx, conversationID, b.opts.RecentContextMaxChars, b.opts.RecentContextMaxTurns)
	if err != nil {
		return "", fmt.Errorf("contextbuilder: recent messages: %w", err)
	}

	var retrieved []RetrievedSummary
	if b.opts.EmbeddingsEnabled && query != "" {
		retrieved, err = b.retrieve(ctx, conversationID, query)
		if err != nil {
			return "", fmt.Errorf("contextbuilder: retrieve: %w", err)
		}
	}

	return b.compose(retrieved, recent, ingestionFresh, embeddingFresh), nil
}

func (b *Builder) retrieve(ctx context.Context, conversationID, query string) ([]RetrievedSummary, error) {
	vec, err := b.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := b.graph.VectorSearch(ctx, b.opts.VectorIndexName, vec, b.opts.RAGMaxSummaries*3, graphstore.VectorSearchOptions{
		MinScore: 0,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var out []RetrievedSummary
	for _, h := range hits {
		convID, _ := h.Properties["conversationId"].(string)
		if convID != conversationID {
			continue
		}
		level := toInt(h.Properties["level"])
		createdAt, _ := h.Properties["createdAt"].(time.Time)
		ageDays := 0.0
		if !createdAt.IsZero() {
			ageDays = now.Sub(createdAt).Hours() / 24
		}
		boost := b.opts.LevelBoost[level]
		if boost == 0 {
			boost = 1.0
		}
		recency := recencyBoost(ageDays, b.opts.RecencyDecayDays)
		score := h.Score * boost * recency
		if score < b.opts.RAGMinScore {
			continue
		}
		out = append(out, RetrievedSummary{
			Level:               level,
			AgeDays:             ageDays,
			BoostedScore:        score,
			ConversationSummary: fmt.Sprintf("%v", h.Properties["conversationSummary"]),
			ActionsSummary:      fmt.Sprintf("%v", h.Properties["actionsSummary"]),
		})
		if len(out) >= b.opts.RAGMaxSummaries {
			break
		}
	}
	return out, nil
}

// recencyBoost decays linearly to a floor of 0.5 over decayDays, never
// going negative regardless of how stale the summary is.
func recencyBoost(ageDays, decayDays float64) float64 {
	if decayDays <= 0 {
		return 1.0
	}
	boost := 1.0 - 0.5*math.Min(ageDays/decayDays, 1.0)
	return boost
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func (b *Builder) compose(retrieved []RetrievedSummary, recent []conversation.Message, ingestionFresh, embeddingFresh bool) string {
	var sb strings.Builder
	sb.WriteString("## Context\n")
	if !ingestionFresh || !embeddingFresh {
		sb.WriteString("(stale: background ingestion or embedding was still in progress)\n")
	}

	if len(retrieved) > 0 {
		sb.WriteString("\n### Retrieved\n")
		for _, r := range retrieved {
			sb.WriteString(fmt.Sprintf("[L%d — Δ%.0fd — %.0f%%] %s — %s\n",
				r.Level, r.AgeDays, r.BoostedScore*100, r.ConversationSummary, r.ActionsSummary))
		}
	}

	sb.WriteString("\n### Recent Conversation\n")
	for _, m := range recent {
		sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Content))
		if m.Reasoning != "" {
			sb.WriteString(fmt.Sprintf("  (reasoning: %s)\n", m.Reasoning))
		}
	}

	return sb.String()
}
