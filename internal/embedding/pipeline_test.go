package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildTextConcat(t *testing.T) {
	cfg := IndexConfig{
		Combine:      Concat,
		SourceFields: []FieldWeight{{Field: "name"}, {Field: "content"}},
	}
	props := map[string]any{"name": "Foo", "content": "func Foo() {}"}
	assert.Equal(t, "Foo\nfunc Foo() {}", buildText(cfg, props))
}

func TestBuildTextWeightedRepeatsField(t *testing.T) {
	cfg := IndexConfig{
		Combine:      Weighted,
		SourceFields: []FieldWeight{{Field: "name", Weight: 3}, {Field: "content", Weight: 1}},
	}
	props := map[string]any{"name": "Foo", "content": "body"}
	assert.Equal(t, "Foo\nFoo\nFoo\nbody", buildText(cfg, props))
}

func TestBuildTextSkipsMissingFields(t *testing.T) {
	cfg := IndexConfig{
		Combine:      Concat,
		SourceFields: []FieldWeight{{Field: "missing"}, {Field: "name"}},
	}
	props := map[string]any{"name": "Foo"}
	assert.Equal(t, "Foo", buildText(cfg, props))
}

func TestChunkTargetsRespectsSize(t *testing.T) {
	targets := make([]target, 125)
	chunks := chunkTargets(targets, 50)
	assert := assert.New(t)
	assert.Len(chunks, 3)
	assert.Len(chunks[0], 50)
	assert.Len(chunks[1], 50)
	assert.Len(chunks[2], 25)
}

func TestIndexConfigDefaults(t *testing.T) {
	cfg := IndexConfig{}
	cfg.setDefaults()
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 10, cfg.Concurrency)
	assert.Equal(t, Concat, cfg.Combine)
}
