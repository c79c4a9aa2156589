// Package config loads the YAML configuration for the memory core and
// applies defaults and validation in one place.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Working       WorkingConfig       `yaml:"working"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Episodic      EpisodicConfig      `yaml:"episodic"`
	Facts         FactsConfig         `yaml:"facts"`
	Generation    GenerationConfig    `yaml:"generation"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Engine        EngineConfig        `yaml:"engine"`
	Persona       PersonaConfig       `yaml:"persona"`
}

// WorkingConfig tunes the working-memory window.
type WorkingConfig struct {
	// Capacity is the per-conversation window size. Default 20.
	Capacity int `yaml:"capacity"`
}

// EmbeddingConfig selects and tunes the embedder.
type EmbeddingConfig struct {
	// Provider is one of mock, openai, onnx. Default mock.
	Provider string `yaml:"provider"`

	// Dimensions of the embedding vectors. Defaults per provider:
	// 384 for mock and onnx, 1536 for openai.
	Dimensions int `yaml:"dimensions"`

	// Model for the openai provider. Default text-embedding-3-small.
	Model string `yaml:"model"`

	// BaseURL for the openai provider. Default api.openai.com.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	// Default OPENAI_API_KEY.
	APIKeyEnv string `yaml:"api_key_env"`

	// ModelPath, TokenizerPath and LibraryPath configure the onnx provider.
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
	LibraryPath   string `yaml:"library_path"`
}

// EpisodicConfig tunes the vector-indexed tier.
type EpisodicConfig struct {
	// Path enables on-disk persistence for the embedded index. Empty
	// keeps it in memory.
	Path string `yaml:"path"`

	// Collection names the index collection. Default episodes.
	Collection string `yaml:"collection"`
}

// FactsConfig locates the semantic fact store.
type FactsConfig struct {
	// RedisAddr is the host:port of the Redis server. Default
	// localhost:6379.
	RedisAddr string `yaml:"redis_addr"`

	// RedisDB selects the logical database.
	RedisDB int `yaml:"redis_db"`
}

// GenerationConfig tunes the reply and distillation model.
type GenerationConfig struct {
	// Model is the Claude model name. Required for live generation.
	Model string `yaml:"model"`

	// MaxTokens bounds reply length. Default 1024.
	MaxTokens int64 `yaml:"max_tokens"`
}

// ConsolidationConfig tunes working-to-durable consolidation.
type ConsolidationConfig struct {
	// MinTurns below which a pass is skipped. Default 2.
	MinTurns int `yaml:"min_turns"`

	// Interval of the background cadence. Default 1h; zero disables it.
	Interval time.Duration `yaml:"interval"`

	// Policy is exact or similarity. Default exact.
	Policy string `yaml:"policy"`

	// SimilarityThreshold for the similarity policy. Default 0.92.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// PrivateConversationID gets a salience boost. Optional.
	PrivateConversationID string `yaml:"private_conversation_id"`

	// PrivateSalience is the boosted value. Default 2.0.
	PrivateSalience float64 `yaml:"private_salience"`
}

// EngineConfig tunes context assembly.
type EngineConfig struct {
	// TokenBudget bounds the assembled context. Default 3000.
	TokenBudget int `yaml:"token_budget"`

	// EpisodeTopK is how many episodic records to retrieve. Default 5.
	EpisodeTopK int `yaml:"episode_top_k"`

	// FactLimit is how many facts to retrieve per entity. Default 20.
	FactLimit int `yaml:"fact_limit"`

	// TierTimeout bounds each retrieval tier before it degrades to an
	// empty contribution. Default 2s.
	TierTimeout time.Duration `yaml:"tier_timeout"`

	// CreatorID marks the creator entity for relationship framing.
	CreatorID string `yaml:"creator_id"`
}

// PersonaConfig locates the persona sources.
type PersonaConfig struct {
	// TextPath is the persona prose file.
	TextPath string `yaml:"text_path"`

	// IdentityPath is the identity YAML. Optional.
	IdentityPath string `yaml:"identity_path"`
}

// Default returns the configuration with every default applied.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads and validates a YAML config file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Working.Capacity < 1 {
		c.Working.Capacity = 20
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "mock"
	}
	if c.Embedding.Dimensions < 1 {
		if c.Embedding.Provider == "openai" {
			c.Embedding.Dimensions = 1536
		} else {
			c.Embedding.Dimensions = 384
		}
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.APIKeyEnv == "" {
		c.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Episodic.Collection == "" {
		c.Episodic.Collection = "episodes"
	}
	if c.Facts.RedisAddr == "" {
		c.Facts.RedisAddr = "localhost:6379"
	}
	if c.Generation.MaxTokens <= 0 {
		c.Generation.MaxTokens = 1024
	}
	if c.Consolidation.MinTurns < 1 {
		c.Consolidation.MinTurns = 2
	}
	if c.Consolidation.Interval == 0 {
		c.Consolidation.Interval = time.Hour
	}
	if c.Consolidation.Policy == "" {
		c.Consolidation.Policy = "exact"
	}
	if c.Consolidation.SimilarityThreshold <= 0 || c.Consolidation.SimilarityThreshold > 1 {
		c.Consolidation.SimilarityThreshold = 0.92
	}
	if c.Consolidation.PrivateSalience <= 0 {
		c.Consolidation.PrivateSalience = 2.0
	}
	if c.Engine.TokenBudget < 1 {
		c.Engine.TokenBudget = 3000
	}
	if c.Engine.EpisodeTopK < 1 {
		c.Engine.EpisodeTopK = 5
	}
	if c.Engine.FactLimit < 1 {
		c.Engine.FactLimit = 20
	}
	if c.Engine.TierTimeout <= 0 {
		c.Engine.TierTimeout = 2 * time.Second
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "mock", "openai", "onnx":
	default:
		return fmt.Errorf("embedding.provider %q: must be mock, openai or onnx", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "onnx" {
		if c.Embedding.ModelPath == "" || c.Embedding.TokenizerPath == "" {
			return fmt.Errorf("embedding: onnx provider needs model_path and tokenizer_path")
		}
	}
	switch c.Consolidation.Policy {
	case "exact", "similarity":
	default:
		return fmt.Errorf("consolidation.policy %q: must be exact or similarity", c.Consolidation.Policy)
	}
	if c.Consolidation.Interval < 0 {
		return fmt.Errorf("consolidation.interval must not be negative")
	}
	return nil
}
