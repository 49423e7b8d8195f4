package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCFLOW_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "DOCFLOW_SERVER_TOKEN", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCFLOW_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.blob_base_url", typ: kString, env: "DOCFLOW_STORAGE_BLOB_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Storage.BlobBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.BlobBaseURL },
	},
	{
		key: "storage.blob_bucket", typ: kString, env: "DOCFLOW_STORAGE_BLOB_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Storage.BlobBucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.BlobBucket },
	},
	{
		key: "storage.blob_token", typ: kString, env: "DOCFLOW_STORAGE_BLOB_TOKEN", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.BlobToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.BlobToken },
	},
	{
		key: "pipeline.max_concurrent_files", typ: kInt, env: "DOCFLOW_PIPELINE_MAX_CONCURRENT_FILES",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxConcurrentFiles = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxConcurrentFiles },
	},
	{
		key: "pipeline.max_file_size_mb", typ: kInt, env: "DOCFLOW_PIPELINE_MAX_FILE_SIZE_MB",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxFileSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxFileSizeMB },
	},
	{
		key: "parser.base_url", typ: kString, env: "DOCFLOW_PARSER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Parser.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Parser.BaseURL },
	},
	{
		key: "parser.api_key", typ: kString, env: "DOCFLOW_PARSER_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Parser.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Parser.APIKey },
	},
	{
		key: "parser.timeout_seconds", typ: kInt, env: "DOCFLOW_PARSER_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Parser.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Parser.TimeoutSeconds },
	},
	{
		key: "embedding.base_url", typ: kString, env: "DOCFLOW_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.api_key", typ: kString, env: "DOCFLOW_EMBEDDING_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.model", typ: kString, env: "DOCFLOW_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.dimension", typ: kInt, env: "DOCFLOW_EMBEDDING_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimension },
	},
	{
		key: "vector.base_url", typ: kString, env: "DOCFLOW_VECTOR_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Vector.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.BaseURL },
	},
	{
		key: "vector.collection", typ: kString, env: "DOCFLOW_VECTOR_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Vector.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Collection },
	},
	{
		key: "llm.base_url", typ: kString, env: "DOCFLOW_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "DOCFLOW_LLM_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "DOCFLOW_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "search.vector_weight", typ: kFloat, env: "DOCFLOW_SEARCH_VECTOR_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Search.VectorWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.VectorWeight },
	},
	{
		key: "search.semantic_weight", typ: kFloat, env: "DOCFLOW_SEARCH_SEMANTIC_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Search.SemanticWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.SemanticWeight },
	},
	{
		key: "search.cache_ttl_seconds", typ: kInt, env: "DOCFLOW_SEARCH_CACHE_TTL_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Search.CacheTTLSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.CacheTTLSeconds },
	},
	{
		key: "tasks.retention_minutes", typ: kInt, env: "DOCFLOW_TASKS_RETENTION_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Tasks.RetentionMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Tasks.RetentionMinutes },
	},
	{
		key: "tasks.purge_interval_minutes", typ: kInt, env: "DOCFLOW_TASKS_PURGE_INTERVAL_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Tasks.PurgeIntervalMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Tasks.PurgeIntervalMinutes },
	},
	{
		key: "log.level", typ: kString, env: "DOCFLOW_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		// Secrets never live in the config file.
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
