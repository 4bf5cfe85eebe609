// Package config loads and validates the RAG engine's configuration,
// mirroring go-enhanced-rag-service/main.go's getEnv/getBoolEnv pattern
// generalized to typed struct fields and env overrides.
package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/Xerpend/Melanie/internal/ragerr"
)

// Chunking controls the smart chunker's target sizes.
type Chunking struct {
	ChunkSize    int `json:"chunk_size"`
	Overlap      int `json:"overlap"`
	MinChunkSize int `json:"min_chunk_size"`
	MaxChunkSize int `json:"max_chunk_size"`
}

// VectorStoreBackend selects the durable chunk store implementation.
type VectorStoreBackend string

const (
	BackendPersistent VectorStoreBackend = "persistent"
	BackendInMemory   VectorStoreBackend = "in_memory"
)

// VectorStore controls the chunk store backend and embedding dimension.
type VectorStore struct {
	Backend   VectorStoreBackend `json:"backend"`
	DBPath    string             `json:"db_path"`
	Dimension int                `json:"dimension"`
}

// Embedding controls the remote embedding client.
type Embedding struct {
	Endpoint   string `json:"endpoint"`
	APIKey     string `json:"api_key,omitempty"`
	Model      string `json:"model"`
	BatchSize  int    `json:"batch_size"`
	TimeoutSec int    `json:"timeout_seconds"`
	MaxRetries int    `json:"max_retries"`
}

// Reranking controls the remote reranking client.
type Reranking struct {
	Endpoint      string  `json:"endpoint"`
	APIKey        string  `json:"api_key,omitempty"`
	Model         string  `json:"model"`
	Threshold     float32 `json:"threshold"`
	MaxCandidates int     `json:"max_candidates"`
	TimeoutSec    int     `json:"timeout_seconds"`
	MaxRetries    int     `json:"max_retries"`
}

// Cache controls the triple embedding/reranking/retrieval cache.
type Cache struct {
	Enabled         bool   `json:"enabled"`
	MaxSize         int    `json:"max_size"`
	TTLSeconds      int    `json:"ttl_seconds"`
	CacheEmbeddings bool   `json:"cache_embeddings"`
	CacheReranking  bool   `json:"cache_reranking"`
	CacheRetrieval  bool   `json:"cache_retrieval"`
	// RedisURL, when set, mirrors the retrieval layer to Redis so multiple
	// ragserver replicas share a warm retrieval cache instead of each
	// keeping an independent in-process LRU. Empty disables the mirror.
	RedisURL string `json:"redis_url,omitempty"`
}

// Performance controls parallel fan-out width and batch sizing.
type Performance struct {
	NumThreads           int  `json:"num_threads,omitempty"`
	BatchSize            int  `json:"batch_size"`
	ParallelChunking     bool `json:"parallel_chunking"`
	ParallelEmbedding    bool `json:"parallel_embedding"`
	ParallelVectorOps    bool `json:"parallel_vector_ops"`
	SessionTokenLimit    int  `json:"session_token_limit"`
}

// Config is the engine's complete configuration.
type Config struct {
	Chunking    Chunking    `json:"chunking"`
	VectorStore VectorStore `json:"vector_store"`
	Embedding   Embedding   `json:"embedding"`
	Reranking   Reranking   `json:"reranking"`
	Cache       Cache       `json:"cache"`
	Performance Performance `json:"performance"`
}

// Default returns the spec-mandated defaults.
func Default() Config {
	return Config{
		Chunking: Chunking{
			ChunkSize:    450,
			Overlap:      50,
			MinChunkSize: 100,
			MaxChunkSize: 600,
		},
		VectorStore: VectorStore{
			Backend:   BackendInMemory,
			DBPath:    "./rag_data",
			Dimension: 1536,
		},
		Embedding: Embedding{
			Endpoint:   "http://localhost:8081/v1/embeddings",
			Model:      "default-embedding-model",
			BatchSize:  100,
			TimeoutSec: 300,
			MaxRetries: 3,
		},
		Reranking: Reranking{
			Endpoint:      "http://localhost:8082/v1/rerank",
			Model:         "default-reranking-model",
			Threshold:     0.7,
			MaxCandidates: 100,
			TimeoutSec:    300,
			MaxRetries:    3,
		},
		Cache: Cache{
			Enabled:         true,
			MaxSize:         10000,
			TTLSeconds:      3600,
			CacheEmbeddings: true,
			CacheReranking:  true,
			CacheRetrieval:  true,
		},
		Performance: Performance{
			BatchSize:         100,
			ParallelChunking:  true,
			ParallelEmbedding: true,
			ParallelVectorOps: true,
			SessionTokenLimit: 1_000_000,
		},
	}
}

// FromFile loads a configuration from a JSON file.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, ragerr.IO("config", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, ragerr.Serialization("config", err)
	}
	return cfg, nil
}

// FromEnv starts from Default and applies RAG_* environment overrides.
func FromEnv() Config {
	cfg := Default()

	if v, ok := os.LookupEnv("RAG_CHUNK_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chunking.ChunkSize = n
		}
	}
	if v, ok := os.LookupEnv("RAG_OVERLAP"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chunking.Overlap = n
		}
	}
	if v, ok := os.LookupEnv("RAG_DB_PATH"); ok {
		cfg.VectorStore.DBPath = v
	}
	if v, ok := os.LookupEnv("RAG_VECTOR_BACKEND"); ok {
		cfg.VectorStore.Backend = VectorStoreBackend(v)
	}
	if v, ok := os.LookupEnv("RAG_EMBEDDING_ENDPOINT"); ok {
		cfg.Embedding.Endpoint = v
	}
	if v, ok := os.LookupEnv("RAG_EMBEDDING_API_KEY"); ok {
		cfg.Embedding.APIKey = v
	}
	if v, ok := os.LookupEnv("RAG_RERANK_ENDPOINT"); ok {
		cfg.Reranking.Endpoint = v
	}
	if v, ok := os.LookupEnv("RAG_RERANK_API_KEY"); ok {
		cfg.Reranking.APIKey = v
	}
	if v, ok := os.LookupEnv("RAG_CACHE_MAX_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxSize = n
		}
	}
	if v, ok := os.LookupEnv("RAG_CACHE_TTL"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.TTLSeconds = n
		}
	}
	if v, ok := os.LookupEnv("RAG_CACHE_REDIS_URL"); ok {
		cfg.Cache.RedisURL = v
	}
	if v, ok := os.LookupEnv("RAG_NUM_THREADS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Performance.NumThreads = n
		}
	}
	if v, ok := os.LookupEnv("RAG_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Performance.BatchSize = n
		}
	}
	if v, ok := os.LookupEnv("RAG_SESSION_TOKEN_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Performance.SessionTokenLimit = n
		}
	}

	return cfg
}

// Validate checks the configuration against spec.md's invariants.
func (c Config) Validate() error {
	if c.Chunking.ChunkSize < c.Chunking.MinChunkSize {
		return ragerr.Configuration("chunk size cannot be less than minimum chunk size")
	}
	if c.Chunking.ChunkSize > c.Chunking.MaxChunkSize {
		return ragerr.Configuration("chunk size cannot be greater than maximum chunk size")
	}
	if c.Chunking.Overlap >= c.Chunking.ChunkSize {
		return ragerr.Configuration("overlap cannot be greater than or equal to chunk size")
	}
	if c.VectorStore.Dimension <= 0 {
		return ragerr.Configuration("vector dimension must be greater than 0")
	}
	if c.Reranking.Threshold < 0.0 || c.Reranking.Threshold > 1.0 {
		return ragerr.Configuration("reranking threshold must be between 0.0 and 1.0")
	}
	return nil
}
