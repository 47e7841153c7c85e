package graphstore

import (
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeIdentifierRejectsInjection(t *testing.T) {
	_, err := sanitizeIdentifier("File) DETACH DELETE n //")
	require.Error(t, err)

	ok, err := sanitizeIdentifier("File")
	require.NoError(t, err)
	assert.Equal(t, "File", ok)
}

func TestRowsToParamsPreservesAllFields(t *testing.T) {
	rows := []Row{
		{"path": "a.go", "size": 10},
		{"path": "b.go", "size": 20},
	}
	params := rowsToParams(rows)
	require.Len(t, params, 2)
	assert.Equal(t, "a.go", params[0]["path"])
	assert.Equal(t, 20, params[1]["size"])
}

func TestNodeIdentityPrefersUUID(t *testing.T) {
	withUUID := dbtype.Node{ElementId: "4:abc:1", Props: map[string]any{"uuid": "node-uuid-1"}}
	assert.Equal(t, "node-uuid-1", nodeIdentity(withUUID))

	withoutUUID := dbtype.Node{ElementId: "4:abc:2", Props: map[string]any{}}
	assert.Equal(t, "4:abc:2", nodeIdentity(withoutUUID))
}

func TestUpsertNodesNoopOnEmptyRows(t *testing.T) {
	// A nil driver would panic if Session() were ever reached; exercising
	// the empty-rows short-circuit confirms it isn't.
	s := &Store{driver: nil, dbName: "neo4j"}
	err := s.UpsertNodes(t.Context(), "File", "path", nil)
	assert.NoError(t, err)
}

func TestUpsertEdgesNoopOnEmptyRows(t *testing.T) {
	s := &Store{driver: nil, dbName: "neo4j"}
	err := s.UpsertEdges(t.Context(), "DEFINES", LabelKey{Label: "File", KeyField: "path"}, LabelKey{Label: "Scope", KeyField: "id"}, nil)
	assert.NoError(t, err)
}

func TestMarkDirtyNoopOnEmptyValues(t *testing.T) {
	s := &Store{driver: nil, dbName: "neo4j"}
	err := s.MarkDirty(t.Context(), "File", "path", nil)
	assert.NoError(t, err)
}

func TestUpsertEdgesRejectsBadEdgeType(t *testing.T) {
	s := &Store{driver: nil, dbName: "neo4j"}
	err := s.UpsertEdges(t.Context(), "bad type;", LabelKey{Label: "File", KeyField: "path"}, LabelKey{Label: "Scope", KeyField: "id"}, []Row{{"from": "a", "to": "b"}})
	require.Error(t, err)
}
