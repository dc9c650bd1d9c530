package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MIRADOR_INGEST_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "2.x.x", cfg.Search.Version)
	assert.Equal(t, 1000, cfg.Extraction.ScrollSize)
	assert.Equal(t, time.Minute, cfg.Extraction.MinChunkSpan)

	limit, err := cfg.Extraction.ScrollIDScanBytes()
	require.NoError(t, err)
	assert.Equal(t, 1048576, limit)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.yaml")
	data := []byte(`
job:
  id: farequote
search:
  baseURL: http://localhost:9200
  version: 1.7.x
  indices: [farequote-2016]
  fieldStats: true
extraction:
  scrollSize: 500
  scrollIdScanLimit: 64 KiB
alerts:
  triggers:
    - anomalyScore: 75
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	t.Setenv("MIRADOR_INGEST_SEARCH_INDICES", "a, b")
	t.Setenv("MIRADOR_INGEST_CHUNKING", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "farequote", cfg.Job.ID)
	assert.Equal(t, "1.7.x", cfg.Search.Version)
	assert.Equal(t, []string{"a", "b"}, cfg.Search.Indices)
	assert.True(t, cfg.Search.FieldStats)
	assert.False(t, cfg.Extraction.Chunking)
	assert.Equal(t, 500, cfg.Extraction.ScrollSize)
	require.Len(t, cfg.Alerts.Triggers, 1)
	assert.Equal(t, 75.0, cfg.Alerts.Triggers[0].AnomalyScore)

	limit, err := cfg.Extraction.ScrollIDScanBytes()
	require.NoError(t, err)
	assert.Equal(t, 65536, limit)
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search:\n  version: 9.x\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "search.version")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "not found")
}
