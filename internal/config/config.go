// Package config loads, validates, and persists docsift configuration.
//
// Configuration is resolved in priority order:
//  1. Built-in defaults
//  2. YAML config file
//  3. DOCSIFT_* environment variables (highest priority)
//
// Folder settings are also writable at runtime through the settings API;
// Save persists them back to the config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigName is the config file name looked up in the data directory.
const DefaultConfigName = "docsift.yaml"

// Config represents the complete docsift configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Folder     FolderConfig     `yaml:"folder" json:"folder"`
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Ingest     IngestConfig     `yaml:"ingest" json:"ingest"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

// FolderConfig configures the watched document folder.
// These fields are mutable through the settings API.
type FolderConfig struct {
	// Path is the root folder scanned for documents.
	Path string `yaml:"path" json:"folder_path"`
	// IncludeSubfolders enables recursive scanning.
	IncludeSubfolders bool `yaml:"include_subfolders" json:"include_subfolders"`
	// AutoIngest triggers a scan on startup and on filesystem changes.
	AutoIngest bool `yaml:"auto_ingest" json:"auto_ingest"`
}

// PathsConfig configures where docsift keeps its state.
type PathsConfig struct {
	// DataDir holds the metadata database, indexes, and logs.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// StorageDir holds copies of uploaded documents.
	StorageDir string `yaml:"storage_dir" json:"storage_dir"`
}

// IngestConfig configures the extraction worker pool.
type IngestConfig struct {
	// Workers is the number of concurrent extraction workers.
	Workers int `yaml:"workers" json:"workers"`
	// MaxRetries bounds retry attempts for transient index-write failures.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// WatchDebounce is the window for coalescing filesystem events (e.g. "500ms").
	WatchDebounce string `yaml:"watch_debounce" json:"watch_debounce"`
}

// SearchConfig configures search behavior.
type SearchConfig struct {
	// FulltextBackend selects the full-text index backend.
	// Options: "sqlite" (default, FTS5 with WAL) or "bleve".
	FulltextBackend string `yaml:"fulltext_backend" json:"fulltext_backend"`

	DefaultPageSize int `yaml:"default_page_size" json:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size" json:"max_page_size"`
	DefaultTopK     int `yaml:"default_top_k" json:"default_top_k"`
	MaxTopK         int `yaml:"max_top_k" json:"max_top_k"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Dimensions is the embedding vector dimension.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// CacheSize is the number of query embeddings kept in the LRU cache.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Folder: FolderConfig{
			Path:              "",
			IncludeSubfolders: true,
			AutoIngest:        false,
		},
		Paths: PathsConfig{
			DataDir:    ".docsift",
			StorageDir: filepath.Join(".docsift", "storage"),
		},
		Ingest: IngestConfig{
			Workers:       4,
			MaxRetries:    3,
			WatchDebounce: "500ms",
		},
		Search: SearchConfig{
			FulltextBackend: "sqlite",
			DefaultPageSize: 10,
			MaxPageSize:     100,
			DefaultTopK:     10,
			MaxTopK:         100,
		},
		Embeddings: EmbeddingsConfig{
			Dimensions: 256,
			CacheSize:  1000,
		},
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8970,
			LogLevel: "info",
		},
	}
}

// Load reads configuration from the given path, applying defaults for
// missing fields and environment overrides on top. A missing file is not
// an error; defaults plus environment are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the given path atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.MaxRetries < 0 {
		return fmt.Errorf("ingest.max_retries must not be negative, got %d", c.Ingest.MaxRetries)
	}
	switch c.Search.FulltextBackend {
	case "sqlite", "bleve":
	default:
		return fmt.Errorf("search.fulltext_backend must be sqlite or bleve, got %q", c.Search.FulltextBackend)
	}
	if c.Search.DefaultPageSize < 1 || c.Search.DefaultPageSize > c.Search.MaxPageSize {
		return fmt.Errorf("search.default_page_size out of range: %d", c.Search.DefaultPageSize)
	}
	if c.Embeddings.Dimensions < 1 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// DatabasePath returns the location of the metadata database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "docsift.db")
}

// FulltextIndexPath returns the location of the full-text index.
func (c *Config) FulltextIndexPath() string {
	if c.Search.FulltextBackend == "bleve" {
		return filepath.Join(c.Paths.DataDir, "fulltext.bleve")
	}
	return filepath.Join(c.Paths.DataDir, "fulltext.db")
}

// VectorIndexPath returns the location of the vector index.
func (c *Config) VectorIndexPath() string {
	return filepath.Join(c.Paths.DataDir, "vectors.hnsw")
}

// LogPath returns the location of the service log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.DataDir, "logs", "docsift.log")
}

// applyEnv overrides configuration from DOCSIFT_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("DOCSIFT_FOLDER_PATH"); v != "" {
		c.Folder.Path = v
	}
	if v := os.Getenv("DOCSIFT_INCLUDE_SUBFOLDERS"); v != "" {
		c.Folder.IncludeSubfolders = parseBool(v, c.Folder.IncludeSubfolders)
	}
	if v := os.Getenv("DOCSIFT_AUTO_INGEST"); v != "" {
		c.Folder.AutoIngest = parseBool(v, c.Folder.AutoIngest)
	}
	if v := os.Getenv("DOCSIFT_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("DOCSIFT_STORAGE_DIR"); v != "" {
		c.Paths.StorageDir = v
	}
	if v := os.Getenv("DOCSIFT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ingest.Workers = n
		}
	}
	if v := os.Getenv("DOCSIFT_FULLTEXT_BACKEND"); v != "" {
		c.Search.FulltextBackend = strings.ToLower(v)
	}
	if v := os.Getenv("DOCSIFT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("DOCSIFT_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
