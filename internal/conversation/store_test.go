package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinLines(t *testing.T) {
	assert.Equal(t, "", joinLines(nil))
	assert.Equal(t, "a", joinLines([]string{"a"}))
	assert.Equal(t, "a\nb", joinLines([]string{"a", "b"}))
}

func TestSummaryTriggerDefaults(t *testing.T) {
	tr := SummaryTrigger{}
	tr.setDefaults()
	assert.Equal(t, 10000, tr.CharsPerLevel)
	assert.Equal(t, 3, tr.MaxLevel)

	custom := SummaryTrigger{CharsPerLevel: 500, MaxLevel: 2}
	custom.setDefaults()
	assert.Equal(t, 500, custom.CharsPerLevel)
	assert.Equal(t, 2, custom.MaxLevel)
}

func TestLockForReturnsSameMutexPerConversation(t *testing.T) {
	s := &Store{}
	a := s.lockFor("conv-1")
	b := s.lockFor("conv-1")
	c := s.lockFor("conv-2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
