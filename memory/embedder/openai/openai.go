// Package openai implements the embedder against an OpenAI-compatible
// /v1/embeddings endpoint.
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/laffeybot/laffey/memory"
)

const (
	// DefaultModel is the production embedding model.
	DefaultModel = "text-embedding-3-small"

	// DefaultDimensions is the output size of DefaultModel.
	DefaultDimensions = 1536

	defaultBaseURL = "https://api.openai.com"
	defaultTimeout = 30 * time.Second
)

// Config configures the embedder.
type Config struct {
	// APIKey authenticates against the endpoint. Required.
	APIKey string

	// BaseURL points at any OpenAI-compatible server. Default api.openai.com.
	BaseURL string

	// Model selects the embedding model. Default text-embedding-3-small.
	Model string

	// Dimensions declares the expected vector size. Default 1536.
	Dimensions int

	// Timeout bounds each request. Default 30s.
	Timeout time.Duration

	Logger *zap.Logger
}

// Embedder calls the embeddings endpoint over HTTP.
type Embedder struct {
	client     *resty.Client
	model      string
	dimensions int
	logger     *zap.Logger
}

// New creates the embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, &memory.ConfigurationError{Field: "api_key", Reason: "is required"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimensions < 1 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Embedder{
		client:     client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		logger:     cfg.Logger.With(zap.String("component", "openai_embedder")),
	}, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed returns the embedding for text. The response vector is validated
// against the configured dimensionality so a silent model swap on the
// server side cannot poison the index.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out embedResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(embedRequest{Model: e.model, Input: text}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/embeddings")
	if err != nil {
		return nil, memory.Transient(fmt.Errorf("embeddings request: %w", err))
	}
	if resp.IsError() {
		msg := resp.Status()
		if out.Error != nil {
			msg = out.Error.Message
		}
		if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
			return nil, memory.Transient(fmt.Errorf("embeddings request failed: %s", msg))
		}
		return nil, fmt.Errorf("embeddings request failed: %s", msg)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embeddings response contained no data")
	}

	vec := out.Data[0].Embedding
	if err := memory.CheckDimensions(e.dimensions, vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// Dimensions returns the configured embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
