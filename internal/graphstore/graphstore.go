// Package graphstore adapts the daemon to an external labeled-property
// graph database with vector indexes (Neo4j). It is the single persistence
// substrate for the whole data model (§3 of the spec): projects, nodes,
// edges, conversations, messages, tool calls, and summaries are all graph
// nodes/edges here, not rows in a separate relational store.
//
// Grounded on WessleyAI/wessley-mvp's engine/graph package and pkg/repo:
// one driver, per-call sessions, Cypher text assembled with parameter maps.
package graphstore

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// Row is a generic property bag used for upserts; keys map directly onto
// node/relationship properties.
type Row map[string]any

// Record is one opaque row returned from Run.
type Record struct {
	Values map[string]any
}

// Counters summarizes the effect of a write query.
type Counters struct {
	NodesCreated         int
	NodesDeleted         int
	RelationshipsCreated int
	RelationshipsDeleted int
	PropertiesSet        int
}

// RunResult is the opaque pass-through result of Run.
type RunResult struct {
	Records  []Record
	Counters Counters
}

// LabelKey identifies a node's primary label and key property, e.g.
// {Label: "File", KeyField: "path"}.
type LabelKey struct {
	Label    string
	KeyField string
}

// ScoredNode is one hit from a vector search.
type ScoredNode struct {
	NodeID     string
	Score      float64
	Properties map[string]any
}

// VectorSearchOptions configures a vectorSearch call (§4.2).
type VectorSearchOptions struct {
	MinScore    float64
	FilterUUIDs []string
	ExtraWhere  string
	ExtraParams map[string]any
}

// VectorIndexDef mirrors the VectorIndex entity (§3): registered at
// startup, used by both retrieval and EmbeddingPipeline.
type VectorIndexDef struct {
	Name       string
	NodeLabel  string
	SourceField string
	Dimension  int
	Provider   string
	Model      string
}

// Store is the GraphStore adapter (§4.2).
type Store struct {
	driver neo4j.DriverWithContext
	dbName string
}

// New wraps an already-open Neo4j driver. Callers obtain the driver via
// neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, pass, "")).
func New(driver neo4j.DriverWithContext, dbName string) *Store {
	return &Store{driver: driver, dbName: dbName}
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.dbName,
	})
}

// Run is the opaque query pass-through used by graph-read tools (§4.2,
// §4.7 run_cypher). It does not distinguish reads from writes; callers
// that need write semantics should use the typed helpers below instead so
// that batching/idempotence guarantees hold.
func (s *Store) Run(ctx context.Context, query string, params map[string]any) (*RunResult, error) {
	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("graphstore: run query: %w", err)
	}

	out := &RunResult{}
	for result.Next(ctx) {
		rec := result.Record()
		values := make(map[string]any, len(rec.Keys))
		for i, key := range rec.Keys {
			v := rec.Values[i]
			// The driver returns Cypher integers as int64; narrow them so
			// callers can read counters with a plain int assertion.
			if n, ok := v.(int64); ok {
				v = int(n)
			}
			values[key] = v
		}
		out.Records = append(out.Records, Record{Values: values})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("graphstore: iterate result: %w", err)
	}

	summary, err := result.Consume(ctx)
	if err == nil && summary != nil {
		c := summary.Counters()
		out.Counters = Counters{
			NodesCreated:         c.NodesCreated(),
			NodesDeleted:         c.NodesDeleted(),
			RelationshipsCreated: c.RelationshipsCreated(),
			RelationshipsDeleted: c.RelationshipsDeleted(),
			PropertiesSet:        c.PropertiesSet(),
		}
	}
	return out, nil
}

var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func sanitizeIdentifier(s string) (string, error) {
	return SanitizeIdentifier(s)
}

// SanitizeIdentifier validates a label or property name destined for
// string-interpolation into a Cypher query (Cypher has no placeholder
// syntax for labels/property keys). Exported so callers outside this
// package that build their own ad-hoc Cypher (cmd/kgraphd's explore_source
// tool) can apply the same check this store uses internally.
func SanitizeIdentifier(s string) (string, error) {
	if !validIdentifier.MatchString(s) {
		return "", fmt.Errorf("graphstore: invalid identifier %q", s)
	}
	return s, nil
}

// UpsertNodes performs a MERGE-style idempotent create/update over a label,
// preserving properties not present in each row (§4.2). Rows are applied
// one UNWIND batch per call; IncrementalIngestor is responsible for
// chunking into ≤500-row batches per spec.md §4.3.
func (s *Store) UpsertNodes(ctx context.Context, label, keyField string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	label, err := sanitizeIdentifier(label)
	if err != nil {
		return err
	}
	keyField, err = sanitizeIdentifier(keyField)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
UNWIND $rows AS row
MERGE (n:%s {%s: row.%s})
SET n += row`, label, keyField, keyField)

	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)
	_, err = sess.Run(ctx, query, map[string]any{"rows": rowsToParams(rows)})
	if err != nil {
		return fmt.Errorf("graphstore: upsert nodes %s: %w", label, err)
	}
	return nil
}

// UpsertEdges performs a MERGE-style idempotent create/update of
// relationships between two labeled node sets, idempotent under
// (type, from, to) per spec.md §3.
func (s *Store) UpsertEdges(ctx context.Context, edgeType string, from, to LabelKey, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	edgeType, err := sanitizeIdentifier(edgeType)
	if err != nil {
		return err
	}
	fromLabel, err := sanitizeIdentifier(from.Label)
	if err != nil {
		return err
	}
	fromKey, err := sanitizeIdentifier(from.KeyField)
	if err != nil {
		return err
	}
	toLabel, err := sanitizeIdentifier(to.Label)
	if err != nil {
		return err
	}
	toKey, err := sanitizeIdentifier(to.KeyField)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
UNWIND $rows AS row
MATCH (a:%s {%s: row.from}), (b:%s {%s: row.to})
MERGE (a)-[r:%s]->(b)
SET r += row.props`, fromLabel, fromKey, toLabel, toKey, edgeType)

	params := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		from, to := row["from"], row["to"]
		props := Row{}
		for k, v := range row {
			if k == "from" || k == "to" {
				continue
			}
			props[k] = v
		}
		params = append(params, map[string]any{"from": from, "to": to, "props": props})
	}

	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)
	_, err = sess.Run(ctx, query, map[string]any{"rows": params})
	if err != nil {
		return fmt.Errorf("graphstore: upsert edges %s: %w", edgeType, err)
	}
	return nil
}

// DeleteByKey deletes a node by its primary key, cascading to attached
// scopes/children via DETACH DELETE (§4.2, §4.3 removed-file handling).
func (s *Store) DeleteByKey(ctx context.Context, label, keyField string, value any) error {
	label, err := sanitizeIdentifier(label)
	if err != nil {
		return err
	}
	keyField, err = sanitizeIdentifier(keyField)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
MATCH (n:%s {%s: $value})
OPTIONAL MATCH (n)-[:DEFINES*0..]->(child)
DETACH DELETE n, child`, label, keyField)

	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)
	_, err = sess.Run(ctx, query, map[string]any{"value": value})
	if err != nil {
		return fmt.Errorf("graphstore: delete %s: %w", label, err)
	}
	return nil
}

// MarkDirty sets dirty=true on the label's nodes whose keyField value is in
// values, so EmbeddingPipeline picks them up on its next run.
func (s *Store) MarkDirty(ctx context.Context, label, keyField string, values []any) error {
	if len(values) == 0 {
		return nil
	}
	label, err := sanitizeIdentifier(label)
	if err != nil {
		return err
	}
	keyField, err = sanitizeIdentifier(keyField)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UNWIND $values AS value
MATCH (n:%s {%s: value})
SET n.dirty = true`, label, keyField)

	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)
	_, err = sess.Run(ctx, query, map[string]any{"values": values})
	if err != nil {
		return fmt.Errorf("graphstore: mark dirty %s: %w", label, err)
	}
	return nil
}

// VectorSearch returns the topK nearest nodes to queryEmbedding from the
// named vector index, in descending score order. Per §4.2's contract, when
// filters are supplied it requests at least 3×topK (or 100) internally,
// then trims, so post-filter shrinkage never drops below the caller's
// requested topK.
func (s *Store) VectorSearch(ctx context.Context, indexName string, queryEmbedding []float32, topK int, opts VectorSearchOptions) ([]ScoredNode, error) {
	requested := topK
	if len(opts.FilterUUIDs) > 0 || opts.ExtraWhere != "" {
		requested = topK * 3
		if requested < 100 {
			requested = 100
		}
	}

	query := `
CALL db.index.vector.queryNodes($indexName, $requested, $embedding)
YIELD node, score
WHERE score >= $minScore`
	params := map[string]any{
		"indexName": indexName,
		"requested": requested,
		"embedding": queryEmbedding,
		"minScore":  opts.MinScore,
	}
	if len(opts.FilterUUIDs) > 0 {
		query += " AND node.uuid IN $filterUUIDs"
		params["filterUUIDs"] = opts.FilterUUIDs
	}
	if opts.ExtraWhere != "" {
		query += " AND " + opts.ExtraWhere
		for k, v := range opts.ExtraParams {
			params[k] = v
		}
	}
	query += "\nRETURN node, score ORDER BY score DESC LIMIT $topK"
	params["topK"] = topK

	sess := s.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("graphstore: vector search %s: %w", indexName, err)
	}

	var out []ScoredNode
	for result.Next(ctx) {
		rec := result.Record()
		nodeVal, _ := rec.Get("node")
		scoreVal, _ := rec.Get("score")
		node, ok := nodeVal.(dbtype.Node)
		if !ok {
			continue
		}
		score, _ := scoreVal.(float64)
		out = append(out, ScoredNode{
			NodeID:     nodeIdentity(node),
			Score:      score,
			Properties: node.Props,
		})
		if len(out) >= topK {
			break
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("graphstore: iterate vector search: %w", err)
	}
	return out, nil
}

func nodeIdentity(n dbtype.Node) string {
	if uuid, ok := n.Props["uuid"].(string); ok && uuid != "" {
		return uuid
	}
	return n.ElementId
}

// EnsureSchema idempotently applies constraints, property indexes, and
// vector indexes. Safe to call on every daemon start (§4.2).
func (s *Store) EnsureSchema(ctx context.Context, constraints []string, indexes []string, vectorIndexes []VectorIndexDef) error {
	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	for _, stmt := range constraints {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("graphstore: apply constraint: %w", err)
		}
	}
	for _, stmt := range indexes {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("graphstore: apply index: %w", err)
		}
	}
	for _, vi := range vectorIndexes {
		label, err := sanitizeIdentifier(vi.NodeLabel)
		if err != nil {
			return err
		}
		field, err := sanitizeIdentifier(vi.SourceField + "_embedding")
		if err != nil {
			return err
		}
		name, err := sanitizeIdentifier(vi.Name)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf(`
CREATE VECTOR INDEX %s IF NOT EXISTS
FOR (n:%s) ON (n.%s)
OPTIONS {indexConfig: {
  `+"`vector.dimensions`"+`: $dimension,
  `+"`vector.similarity_function`"+`: 'cosine'
}}`, name, label, field)
		if _, err := sess.Run(ctx, stmt, map[string]any{"dimension": vi.Dimension}); err != nil {
			return fmt.Errorf("graphstore: create vector index %s: %w", vi.Name, err)
		}
	}
	return nil
}

// Close releases the underlying driver's resources.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func rowsToParams(rows []Row) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any(r)
	}
	return out
}

// PingTimeout bounds the startup connectivity check.
const PingTimeout = 10 * time.Second

// VerifyConnectivity checks the driver can reach the database, used during
// DaemonServer startup (§4.6) before ensureSchema.
func (s *Store) VerifyConnectivity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	return s.driver.VerifyConnectivity(ctx)
}
