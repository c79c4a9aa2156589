package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/laffeybot/laffey/memory"
)

const summarizeSystem = `You compress conversation transcripts for long-term memory.
Write a single paragraph, third person, past tense. Capture who spoke,
what was discussed, decisions made and emotional tone. Maximum 150 words.
Output only the paragraph.`

const extractSystem = `You extract durable facts about people from conversation transcripts.
A durable fact is something worth remembering next week: preferences,
biography, relationships, projects, strong opinions. Ignore small talk and
one-off statements.

Output a JSON array, nothing else. Each element:
{"entity_id": "<speaker id from the transcript>", "category": "<preference|biography|relationship|project|opinion|other>", "text": "<the fact, one sentence>", "confidence": <0.0-1.0>}

Output [] when the transcript contains no durable facts.`

// Distiller turns transcripts into summaries and fact candidates using a
// Generator. It implements memory.Distiller.
type Distiller struct {
	gen    Generator
	logger *zap.Logger
}

// NewDistiller wires the distiller to a generator.
func NewDistiller(gen Generator, logger *zap.Logger) (*Distiller, error) {
	if gen == nil {
		return nil, &memory.ConfigurationError{Field: "generator", Reason: "is required"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Distiller{
		gen:    gen,
		logger: logger.With(zap.String("component", "distiller")),
	}, nil
}

// Summarize compresses a transcript into one retrievable paragraph.
func (d *Distiller) Summarize(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", fmt.Errorf("summarize: transcript is empty")
	}
	out, err := d.gen.Complete(ctx, Request{
		System:    summarizeSystem,
		Messages:  []Message{{Role: RoleUser, Text: transcript}},
		MaxTokens: 512,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(out)
	if summary == "" {
		return "", fmt.Errorf("summarize: model returned empty summary")
	}
	return summary, nil
}

// ExtractFacts pulls durable fact candidates out of a transcript. Models
// wrap JSON in prose and code fences often enough that the parser accepts
// anything containing one well-formed array.
func (d *Distiller) ExtractFacts(ctx context.Context, transcript string) ([]memory.FactCandidate, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}
	out, err := d.gen.Complete(ctx, Request{
		System:    extractSystem,
		Messages:  []Message{{Role: RoleUser, Text: transcript}},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}

	candidates, err := parseFactArray(out)
	if err != nil {
		// Unparseable extraction output is treated as "no facts" rather
		// than failing the whole consolidation pass.
		d.logger.Warn("discarding unparseable fact extraction", zap.Error(err))
		return nil, nil
	}

	kept := candidates[:0]
	for _, c := range candidates {
		c.Text = strings.TrimSpace(c.Text)
		c.EntityID = strings.TrimSpace(c.EntityID)
		if c.Text == "" || c.EntityID == "" {
			continue
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			c.Confidence = 0
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// parseFactArray locates and decodes the first JSON array in the model
// output, tolerating code fences and surrounding prose.
func parseFactArray(out string) ([]memory.FactCandidate, error) {
	s := strings.TrimSpace(out)
	if fenced, ok := stripCodeFence(s); ok {
		s = fenced
	}

	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in output")
	}

	var candidates []memory.FactCandidate
	if err := json.Unmarshal([]byte(s[start:end+1]), &candidates); err != nil {
		return nil, fmt.Errorf("decode fact array: %w", err)
	}
	return candidates, nil
}

func stripCodeFence(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return s, false
	}
	body := strings.TrimPrefix(s, "```")
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	}
	if i := strings.LastIndex(body, "```"); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(body), true
}
