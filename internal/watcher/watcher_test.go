package watcher

import (
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
)

func TestCoalesceRules(t *testing.T) {
	// created -> updated collapses to created
	assert.Equal(t, Created, coalesce(Created, Updated, true))
	// updated -> updated stays updated
	assert.Equal(t, Updated, coalesce(Updated, Updated, true))
	// anything -> deleted becomes deleted
	assert.Equal(t, Deleted, coalesce(Created, Deleted, true))
	assert.Equal(t, Deleted, coalesce(Updated, Deleted, true))
	// first observation of a path just takes the event's own type
	assert.Equal(t, Created, coalesce(Updated, Created, false))
}

func TestClassifyMapsFsnotifyOps(t *testing.T) {
	assert.Equal(t, Created, classify(fsnotify.Create))
	assert.Equal(t, Updated, classify(fsnotify.Write))
	assert.Equal(t, Deleted, classify(fsnotify.Remove))
	assert.Equal(t, Deleted, classify(fsnotify.Rename))
}

func TestMatchesIncludeExclude(t *testing.T) {
	assert.True(t, matchesIncludeExclude("/root/main.go", []string{"*.go"}, nil))
	assert.False(t, matchesIncludeExclude("/root/main.go", []string{"*.ts"}, nil))
	assert.False(t, matchesIncludeExclude("/root/main.go", nil, []string{"main.go"}))
}

func TestDrainLockedSplitsDeletedFromCreatedOrUpdated(t *testing.T) {
	w := New(Options{RootPath: "/tmp/proj"}, nil, nil)
	w.buffer["a.go"] = Created
	w.buffer["b.go"] = Updated
	w.buffer["c.go"] = Deleted

	flush := w.drainLocked()
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, flush.CreatedOrUpdated)
	assert.ElementsMatch(t, []string{"c.go"}, flush.Deleted)
	assert.Empty(t, w.buffer)
}
