package ingestion

import (
	"testing"

	"github.com/kgraphd/kgraphd/internal/graphstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkRowsRespectsBatchSize(t *testing.T) {
	rows := make([]graphstore.Row, 1201)
	for i := range rows {
		rows[i] = graphstore.Row{"i": i}
	}
	chunks := chunkRows(rows, batchSize)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 500)
	assert.Len(t, chunks[1], 500)
	assert.Len(t, chunks[2], 201)
}

func TestRetryBatchSucceedsAfterTransientFailures(t *testing.T) {
	ig := &Ingestor{}
	calls := 0
	err := ig.retryBatch(func() error {
		calls++
		if calls < 2 {
			return assertErr("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryBatchGivesUpAfterExhaustingAttempts(t *testing.T) {
	ig := &Ingestor{}
	calls := 0
	err := ig.retryBatch(func() error {
		calls++
		return assertErr("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, len(retryDelays)+1, calls)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestCloneProps(t *testing.T) {
	in := map[string]any{"a": 1, "b": "x"}
	out := cloneProps(in)
	assert.Equal(t, graphstore.Row{"a": 1, "b": "x"}, out)

	out["a"] = 2
	assert.Equal(t, 1, in["a"])
}
