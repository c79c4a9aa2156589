// Package persona holds the agent's character: a free-form persona text
// and a small durable identity, merged into the generation system prompt.
package persona

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/laffeybot/laffey/memory"
)

// Identity is the part of the character that never changes at runtime.
type Identity struct {
	// Name the agent answers to.
	Name string `yaml:"name"`

	// Nature is a one-line self description.
	Nature string `yaml:"nature"`

	// Creator identifies who made the agent.
	Creator string `yaml:"creator"`

	// Traits are short character descriptors.
	Traits []string `yaml:"traits"`
}

// Config locates the persona sources.
type Config struct {
	// TextPath is the persona prose file. Required.
	TextPath string

	// IdentityPath is the identity YAML file. Optional; a zero Identity
	// is used when absent.
	IdentityPath string

	Logger *zap.Logger
}

// Persona is the loaded character. Safe for concurrent use; Reload swaps
// the text atomically under readers.
type Persona struct {
	mu       sync.RWMutex
	text     string
	identity Identity

	textPath     string
	identityPath string
	logger       *zap.Logger
}

// Load reads the persona sources from disk.
func Load(cfg Config) (*Persona, error) {
	if cfg.TextPath == "" {
		return nil, &memory.ConfigurationError{Field: "persona.text_path", Reason: "is required"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Persona{
		textPath:     cfg.TextPath,
		identityPath: cfg.IdentityPath,
		logger:       cfg.Logger.With(zap.String("component", "persona")),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the persona sources. On failure the previous persona
// stays in effect.
func (p *Persona) Reload() error {
	raw, err := os.ReadFile(p.textPath)
	if err != nil {
		return fmt.Errorf("read persona text: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return fmt.Errorf("persona text %s is empty", p.textPath)
	}

	var identity Identity
	if p.identityPath != "" {
		idRaw, err := os.ReadFile(p.identityPath)
		if err != nil {
			return fmt.Errorf("read identity: %w", err)
		}
		if err := yaml.Unmarshal(idRaw, &identity); err != nil {
			return fmt.Errorf("parse identity: %w", err)
		}
	}

	p.mu.Lock()
	p.text = text
	p.identity = identity
	p.mu.Unlock()

	p.logger.Info("persona loaded",
		zap.String("name", identity.Name),
		zap.Int("text_bytes", len(text)))
	return nil
}

// Identity returns the durable identity.
func (p *Persona) Identity() Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identity
}

// Text returns the persona prose.
func (p *Persona) Text() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

// SystemPrompt renders the character into a system prompt.
func (p *Persona) SystemPrompt() string {
	p.mu.RLock()
	text, id := p.text, p.identity
	p.mu.RUnlock()

	var sb strings.Builder
	if id.Name != "" {
		fmt.Fprintf(&sb, "You are %s.", id.Name)
		if id.Nature != "" {
			fmt.Fprintf(&sb, " %s.", strings.TrimSuffix(id.Nature, "."))
		}
		if id.Creator != "" {
			fmt.Fprintf(&sb, " You were created by %s.", id.Creator)
		}
		sb.WriteString("\n")
	}
	if len(id.Traits) > 0 {
		fmt.Fprintf(&sb, "Core traits: %s.\n", strings.Join(id.Traits, ", "))
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(text)
	return sb.String()
}
