package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvSubstitutesBracedAndBareVars(t *testing.T) {
	t.Setenv("KGRAPHD_TEST_HOST", "localhost")
	t.Setenv("KGRAPHD_TEST_PORT", "7687")
	out := ExpandEnv([]byte("uri: bolt://${KGRAPHD_TEST_HOST}:$KGRAPHD_TEST_PORT"))
	assert.Equal(t, "uri: bolt://localhost:7687", string(out))
}

func TestExpandEnvMissingVarBecomesEmpty(t *testing.T) {
	out := ExpandEnv([]byte("value: ${KGRAPHD_DOES_NOT_EXIST}"))
	assert.Equal(t, "value: ", string(out))
}

func TestLoadParsesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
name: myproject
version: "1"
source:
  root: /tmp/project
neo4j:
  uri: bolt://localhost:7687
  username: neo4j
  password: test
embeddings:
  defaults:
    provider: sidecar
    model: test-embed
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "myproject", cfg.Name)
	assert.Equal(t, 6969, cfg.Daemon.Port)
	assert.Equal(t, 50, cfg.Embeddings.Defaults.BatchSize)
	assert.Equal(t, 10, cfg.Embeddings.Defaults.Concurrency)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEmbeddingDefaultsFillsGaps(t *testing.T) {
	ec := &EmbeddingsConfig{
		Entities: []EmbeddingEntityConfig{{Label: "Scope"}},
	}
	applyEmbeddingDefaults(ec)
	assert.Equal(t, "concat", ec.Entities[0].Combine)
	assert.Equal(t, 768, ec.Entities[0].Dimension)
}
