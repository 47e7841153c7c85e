package contextbuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecencyBoostDecaysToFloor(t *testing.T) {
	assert.InDelta(t, 1.0, recencyBoost(0, 7), 0.001)
	assert.InDelta(t, 0.75, recencyBoost(3.5, 7), 0.001)
	assert.InDelta(t, 0.5, recencyBoost(7, 7), 0.001)
	assert.InDelta(t, 0.5, recencyBoost(30, 7), 0.001)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}
	o.setDefaults()
	assert.Equal(t, 5000, o.RecentContextMaxChars)
	assert.Equal(t, 10, o.RecentContextMaxTurns)
	assert.Equal(t, 0.7, o.RAGMinScore)
	assert.Equal(t, 5, o.RAGMaxSummaries)
	assert.Equal(t, 1.0, o.LevelBoost[1])
	assert.Equal(t, 1.2, o.LevelBoost[3])
}

func TestToInt(t *testing.T) {
	assert.Equal(t, 2, toInt(2))
	assert.Equal(t, 2, toInt(int64(2)))
	assert.Equal(t, 2, toInt(float64(2.9)))
	assert.Equal(t, 0, toInt("nope"))
}
