package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	// Given: a path with no config file
	path := filepath.Join(t.TempDir(), DefaultConfigName)

	// When: loading
	cfg, err := Load(path)

	// Then: defaults are returned
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Search.FulltextBackend)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.True(t, cfg.Folder.IncludeSubfolders)
	assert.False(t, cfg.Folder.AutoIngest)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// Given: a config file with partial settings
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigName)
	content := `
folder:
  path: /docs
  auto_ingest: true
search:
  fulltext_backend: bleve
server:
  port: 9000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// When: loading
	cfg, err := Load(path)

	// Then: file values win, unset fields keep defaults
	require.NoError(t, err)
	assert.Equal(t, "/docs", cfg.Folder.Path)
	assert.True(t, cfg.Folder.AutoIngest)
	assert.Equal(t, "bleve", cfg.Search.FulltextBackend)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Ingest.Workers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigName)
	require.NoError(t, os.WriteFile(path, []byte("folder:\n  path: /from-file\n"), 0o644))

	t.Setenv("DOCSIFT_FOLDER_PATH", "/from-env")
	t.Setenv("DOCSIFT_WORKERS", "8")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "/from-env", cfg.Folder.Path)
	assert.Equal(t, 8, cfg.Ingest.Workers)
}

func TestLoad_InvalidBackendFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigName)
	require.NoError(t, os.WriteFile(path, []byte("search:\n  fulltext_backend: lucene\n"), 0o644))

	_, err := Load(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fulltext_backend")
}

func TestSaveAndReload_RoundTrips(t *testing.T) {
	// Given: a config modified at runtime
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigName)
	cfg := Default()
	cfg.Folder.Path = "/library"
	cfg.Folder.AutoIngest = true

	// When: saving and reloading
	require.NoError(t, cfg.Save(path))
	reloaded, err := Load(path)

	// Then: folder settings survive the round trip
	require.NoError(t, err)
	assert.Equal(t, "/library", reloaded.Folder.Path)
	assert.True(t, reloaded.Folder.AutoIngest)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero workers", func(c *Config) { c.Ingest.Workers = 0 }, "workers"},
		{"negative retries", func(c *Config) { c.Ingest.MaxRetries = -1 }, "max_retries"},
		{"bad page size", func(c *Config) { c.Search.DefaultPageSize = 0 }, "default_page_size"},
		{"zero dimensions", func(c *Config) { c.Embeddings.Dimensions = 0 }, "dimensions"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := Default()
	cfg.Paths.DataDir = "/var/lib/docsift"

	assert.Equal(t, "/var/lib/docsift/docsift.db", cfg.DatabasePath())
	assert.Equal(t, "/var/lib/docsift/fulltext.db", cfg.FulltextIndexPath())
	assert.Equal(t, "/var/lib/docsift/vectors.hnsw", cfg.VectorIndexPath())

	cfg.Search.FulltextBackend = "bleve"
	assert.Equal(t, "/var/lib/docsift/fulltext.bleve", cfg.FulltextIndexPath())
}
