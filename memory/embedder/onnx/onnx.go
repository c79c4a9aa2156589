//go:build onnx

// Package onnx runs a local sentence-transformer model through ONNX
// Runtime. Built behind the onnx tag because it needs the onnxruntime
// shared library on the host.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/laffeybot/laffey/memory"
)

const (
	// DefaultDimensions matches all-MiniLM-L6-v2.
	DefaultDimensions = 384

	// maxSequenceLength is the model's input window, including the
	// [CLS] and [SEP] markers.
	maxSequenceLength = 128
)

// Config configures the embedder.
type Config struct {
	// ModelPath locates the .onnx model file. Required.
	ModelPath string

	// TokenizerPath locates the HuggingFace tokenizer.json. Required.
	TokenizerPath string

	// LibraryPath locates libonnxruntime.so. Required.
	LibraryPath string

	// Dimensions is the model's hidden size. Default 384.
	Dimensions int

	Logger *zap.Logger
}

// Embedder runs inference over a local model.
type Embedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *wordPieceTokenizer
	dimensions int
	logger     *zap.Logger

	// The session is not safe for concurrent Run calls.
	mu sync.Mutex
}

var ortInit sync.Once

// New loads the model and tokenizer.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, &memory.ConfigurationError{Field: "model_path", Reason: "is required"}
	}
	if cfg.TokenizerPath == "" {
		return nil, &memory.ConfigurationError{Field: "tokenizer_path", Reason: "is required"}
	}
	if cfg.LibraryPath == "" {
		return nil, &memory.ConfigurationError{Field: "library_path", Reason: "is required"}
	}
	if cfg.Dimensions < 1 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var initErr error
	ortInit.Do(func() {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", initErr)
	}

	tokenizer, err := loadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &Embedder{
		session:    session,
		tokenizer:  tokenizer,
		dimensions: cfg.Dimensions,
		logger:     cfg.Logger.With(zap.String("component", "onnx_embedder")),
	}, nil
}

// Embed tokenizes text, runs inference, mean-pools over attended tokens
// and returns a unit vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := e.tokenizer.tokenize(text)
	if len(tokens) > maxSequenceLength-2 {
		tokens = tokens[:maxSequenceLength-2]
	}

	inputIDs := make([]int64, maxSequenceLength)
	attentionMask := make([]int64, maxSequenceLength)
	tokenTypeIDs := make([]int64, maxSequenceLength)

	inputIDs[0] = int64(e.tokenizer.clsID)
	attentionMask[0] = 1
	for i, tok := range tokens {
		inputIDs[i+1] = tok
		attentionMask[i+1] = 1
	}
	inputIDs[len(tokens)+1] = int64(e.tokenizer.sepID)
	attentionMask[len(tokens)+1] = 1

	shape := ort.NewShape(1, maxSequenceLength)
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}

	e.mu.Lock()
	err = e.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type")
	}
	return e.pool(tensor, attentionMask)
}

// pool reduces the hidden states to one vector. A 2-d output is already
// pooled by the model; a 3-d output is mean-pooled over attended tokens.
func (e *Embedder) pool(tensor *ort.Tensor[float32], attentionMask []int64) ([]float32, error) {
	data := tensor.GetData()
	shape := tensor.GetShape()

	embedding := make([]float32, e.dimensions)
	switch len(shape) {
	case 2:
		if len(data) < e.dimensions {
			return nil, fmt.Errorf("pooled output has %d values, want %d", len(data), e.dimensions)
		}
		copy(embedding, data[:e.dimensions])
	case 3:
		seqLen, hidden := int(shape[1]), int(shape[2])
		if hidden != e.dimensions {
			return nil, &memory.DimensionMismatchError{Want: e.dimensions, Got: hidden}
		}
		var attended float32
		for i := 0; i < seqLen; i++ {
			if attentionMask[i] == 0 {
				continue
			}
			attended++
			off := i * hidden
			for j := 0; j < hidden; j++ {
				embedding[j] += data[off+j]
			}
		}
		if attended == 0 {
			return nil, fmt.Errorf("no attended tokens")
		}
		for j := range embedding {
			embedding[j] /= attended
		}
	default:
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close releases the inference session.
func (e *Embedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// wordPieceTokenizer implements the subset of BERT WordPiece needed to
// feed MiniLM: lowercase, whitespace split, longest-prefix subwords.
type wordPieceTokenizer struct {
	vocab map[string]int
	clsID int
	sepID int
	unkID int
}

func loadTokenizer(path string) (*wordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse tokenizer json: %w", err)
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer vocab is empty")
	}

	t := &wordPieceTokenizer{
		vocab: parsed.Model.Vocab,
		clsID: 101,
		sepID: 102,
		unkID: 100,
	}
	if id, ok := t.vocab["[CLS]"]; ok {
		t.clsID = id
	}
	if id, ok := t.vocab["[SEP]"]; ok {
		t.sepID = id
	}
	if id, ok := t.vocab["[UNK]"]; ok {
		t.unkID = id
	}
	return t, nil
}

func (t *wordPieceTokenizer) tokenize(text string) []int64 {
	var tokens []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}
		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}
		tokens = append(tokens, t.subwords(word)...)
	}
	return tokens
}

func (t *wordPieceTokenizer) subwords(word string) []int64 {
	var ids []int64
	start := 0
	for start < len(word) {
		matched := false
		for end := len(word); end > start; end-- {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, int64(id))
				start = end
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, int64(t.unkID))
			start++
		}
	}
	return ids
}
