package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	Parser    ParserConfig
	Embedding EmbeddingConfig
	Vector    VectorConfig
	LLM       LLMConfig
	Search    SearchConfig
	Tasks     TasksConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	// Token enables bearer auth on the API when set. Secret: env-only.
	Token string
}

type StorageConfig struct {
	DataDir string
	// BlobBaseURL switches original-file storage from the local filesystem
	// to an S3-compatible object service. BlobToken is secret: env-only.
	BlobBaseURL string
	BlobBucket  string
	BlobToken   string
}

type PipelineConfig struct {
	MaxConcurrentFiles int
	MaxFileSizeMB      int
}

// ParserConfig points at the external parsing service. An empty BaseURL
// falls back to the built-in plain-text/PDF parser.
type ParserConfig struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

type EmbeddingConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
}

type VectorConfig struct {
	BaseURL    string
	Collection string
}

type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type SearchConfig struct {
	VectorWeight    float64
	SemanticWeight  float64
	CacheTTLSeconds int
}

type TasksConfig struct {
	RetentionMinutes     int
	PurgeIntervalMinutes int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir:    defaultDataDir(),
			BlobBucket: "docflow",
		},
		Pipeline: PipelineConfig{
			MaxConcurrentFiles: 3,
			MaxFileSizeMB:      100,
		},
		Parser: ParserConfig{
			TimeoutSeconds: 120,
		},
		Embedding: EmbeddingConfig{
			BaseURL: "http://localhost:8001/v1",
			Model:   "bge-m3",
		},
		Vector: VectorConfig{
			BaseURL:    "http://localhost:6333",
			Collection: "documents",
		},
		LLM: LLMConfig{
			BaseURL: "http://localhost:8002/v1",
			Model:   "qwen2.5-7b-instruct",
		},
		Search: SearchConfig{
			VectorWeight:    0.7,
			SemanticWeight:  0.3,
			CacheTTLSeconds: 300,
		},
		Tasks: TasksConfig{
			RetentionMinutes:     60,
			PurgeIntervalMinutes: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/docflow/config.json, then applies DOCFLOW_* environment
// overrides. Secrets (API keys, the server token) come from the environment
// only and are never written to the config file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "docflow-data"
		}
	}
	return filepath.Join(dir, "docflow")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "docflow", "config.json")
}
