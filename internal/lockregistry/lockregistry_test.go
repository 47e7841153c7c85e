package lockregistry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseCounting(t *testing.T) {
	r := New()
	require.False(t, r.IsLocked(Ingestion))

	h1 := r.Acquire(Ingestion, "op1")
	h2 := r.Acquire(Ingestion, "op2")
	require.True(t, r.IsLocked(Ingestion))

	status := r.GetStatus(Ingestion)
	assert.Equal(t, 2, status.OperationCount)
	assert.True(t, status.IsLocked)

	h1.Release()
	assert.True(t, r.IsLocked(Ingestion))

	h2.Release()
	assert.False(t, r.IsLocked(Ingestion))
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := New()
	h := r.Acquire(Embedding, "op")
	h.Release()
	assert.NotPanics(t, func() { h.Release() })
	assert.False(t, r.IsLocked(Embedding))
}

func TestWaitForUnlockTimesOut(t *testing.T) {
	r := New()
	h := r.Acquire(Ingestion, "long-running")
	defer h.Release()

	ok := r.WaitForUnlock(Ingestion, 50*time.Millisecond)
	assert.False(t, ok)
}

func TestWaitForUnlockSucceedsAfterRelease(t *testing.T) {
	r := New()
	h := r.Acquire(Ingestion, "short")

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Release()
	}()

	ok := r.WaitForUnlock(Ingestion, time.Second)
	assert.True(t, ok)
}

func TestWithLockReleasesOnError(t *testing.T) {
	r := New()
	err := r.WithLock(Ingestion, "op", func() error {
		assert.True(t, r.IsLocked(Ingestion))
		return assertErr
	})
	assert.Equal(t, assertErr, err)
	assert.False(t, r.IsLocked(Ingestion))
}

var assertErr = &testErr{"boom"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func TestStatusChangeObserver(t *testing.T) {
	r := New()
	var mu sync.Mutex
	var events []bool
	r.OnStatusChange(func(name string, isLocked bool) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, isLocked)
	})

	h := r.Acquire(Ingestion, "op")
	h.Release()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.True(t, events[0])
	assert.False(t, events[1])
}

func TestOrderedAcquisitionAvoidsDeadlock(t *testing.T) {
	r := New()
	// §4.1: a handler that needs both locks acquires ingestion then embedding.
	hi := r.Acquire(Ingestion, "combined")
	he := r.Acquire(Embedding, "combined")
	he.Release()
	hi.Release()
	assert.False(t, r.IsLocked(Ingestion))
	assert.False(t, r.IsLocked(Embedding))
}
