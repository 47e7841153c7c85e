package tools

import (
	"context"
	"sync"
	"testing"

	"github.com/kgraphd/kgraphd/internal/lockregistry"
	"github.com/kgraphd/kgraphd/internal/masking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return New(lockregistry.New(), masking.New(masking.DefaultMaskers()))
}

func TestInvokeOneUnknownTool(t *testing.T) {
	r := newTestRegistry()
	res := r.InvokeOne(context.Background(), Call{Name: "nope"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown tool")
}

func TestInvokeOneRedactsSensitiveArgs(t *testing.T) {
	r := newTestRegistry()
	r.Register(Definition{Name: "echo"}, func(ctx context.Context, args map[string]any) (any, error) {
		return args, nil
	})
	res := r.InvokeOne(context.Background(), Call{Name: "echo", Args: map[string]any{"password": "secret", "x": "y"}})
	assert.True(t, res.Success)
	assert.Equal(t, "***REDACTED***", res.SanitizedArgs["password"])
	assert.Equal(t, "y", res.SanitizedArgs["x"])
}

func TestInvokeOneMarksStaleWhenLockHeld(t *testing.T) {
	locks := lockregistry.New()
	r := New(locks, masking.New(masking.DefaultMaskers()))
	r.Register(Definition{Name: "brain_search", GraphRead: true}, func(ctx context.Context, args map[string]any) (any, error) {
		return "ok", nil
	})

	h := locks.Acquire(lockregistry.Ingestion, "long ingest")
	defer h.Release()

	res := r.InvokeOne(context.Background(), Call{Name: "brain_search"})
	assert.True(t, res.Success)
	assert.True(t, res.Stale)
}

func TestInvokeBatchRunsStagesInOrder(t *testing.T) {
	r := newTestRegistry()
	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, args map[string]any) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}
	r.Register(Definition{Name: "create_project", Category: CategoryProjectManagement}, record("create_project"))
	r.Register(Definition{Name: "write_file", Category: CategoryFileModification}, record("write_file"))
	r.Register(Definition{Name: "search", Category: CategoryOther}, record("search"))

	results := r.InvokeBatch(context.Background(), []Call{
		{Name: "search"},
		{Name: "write_file"},
		{Name: "create_project"},
	})
	require.Len(t, results, 3)
	require.Len(t, order, 3)
	assert.Equal(t, "create_project", order[0])
	assert.Equal(t, "write_file", order[1])
	assert.Equal(t, "search", order[2])
}
