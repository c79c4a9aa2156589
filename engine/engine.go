// Package engine orchestrates the memory tiers: per turn it assembles a
// bounded context from all three, generates the persona-framed reply, and
// triggers consolidation when the working window fills.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/laffeybot/laffey/core"
	"github.com/laffeybot/laffey/llm"
	"github.com/laffeybot/laffey/memory"
	"github.com/laffeybot/laffey/observability"
	"github.com/laffeybot/laffey/persona"
)

const (
	defaultTokenBudget = 3000
	defaultEpisodeTopK = 5
	defaultFactLimit   = 20
	defaultTierTimeout = 2 * time.Second

	// learnedSalience marks explicitly taught knowledge.
	learnedSalience = 2.0

	// consolidationTimeout bounds the background pass kicked off when a
	// window fills.
	consolidationTimeout = 2 * time.Minute
)

// Engine is the orchestrator. Construct with NewEngine; the zero value is
// not usable.
type Engine struct {
	working      *memory.WorkingStore
	episodic     *memory.EpisodicStore
	facts        memory.FactStore
	embedder     memory.Embedder
	consolidator *memory.Consolidator
	generator    llm.Generator
	persona      *persona.Persona
	counter      TokenCounter
	logger       *zap.Logger
	metrics      *observability.Metrics

	tokenBudget int
	episodeTopK int
	factLimit   int
	tierTimeout time.Duration
	creatorID   string
	agentName   string

	embedCache *ristretto.Cache

	mu           sync.Mutex
	convLocks    map[string]*sync.Mutex
	lastContext  map[string]AssembledContext
	interactions map[string]int
}

// Option configures the engine.
type Option func(*Engine)

// WithGenerator enables reply generation through ProcessMessage.
func WithGenerator(g llm.Generator) Option {
	return func(e *Engine) { e.generator = g }
}

// WithPersona frames generation with the given character.
func WithPersona(p *persona.Persona) Option {
	return func(e *Engine) { e.persona = p }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTokenCounter overrides the token estimator.
func WithTokenCounter(c TokenCounter) Option {
	return func(e *Engine) { e.counter = c }
}

// WithTokenBudget bounds the assembled context. Default 3000.
func WithTokenBudget(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.tokenBudget = n
		}
	}
}

// WithEpisodeTopK sets how many episodic records to retrieve. Default 5.
func WithEpisodeTopK(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.episodeTopK = n
		}
	}
}

// WithFactLimit sets how many facts to retrieve per entity. Default 20.
func WithFactLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.factLimit = n
		}
	}
}

// WithTierTimeout bounds each retrieval tier. Default 2s.
func WithTierTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tierTimeout = d
		}
	}
}

// WithCreatorID marks the creator entity for relationship framing.
func WithCreatorID(id string) Option {
	return func(e *Engine) { e.creatorID = id }
}

// WithAgentName names the agent's own turns. Defaults to the persona
// identity name, then "agent".
func WithAgentName(name string) Option {
	return func(e *Engine) { e.agentName = name }
}

// NewEngine wires the orchestrator to the three tiers and the
// consolidator.
func NewEngine(
	working *memory.WorkingStore,
	episodic *memory.EpisodicStore,
	facts memory.FactStore,
	embedder memory.Embedder,
	consolidator *memory.Consolidator,
	opts ...Option,
) (*Engine, error) {
	if working == nil || episodic == nil || facts == nil || embedder == nil || consolidator == nil {
		return nil, &memory.ConfigurationError{Field: "engine", Reason: "all memory tiers and the consolidator are required"}
	}

	e := &Engine{
		working:      working,
		episodic:     episodic,
		facts:        facts,
		embedder:     embedder,
		consolidator: consolidator,
		counter:      NewTokenCounter(),
		logger:       zap.NewNop(),
		tokenBudget:  defaultTokenBudget,
		episodeTopK:  defaultEpisodeTopK,
		factLimit:    defaultFactLimit,
		tierTimeout:  defaultTierTimeout,
		convLocks:    make(map[string]*sync.Mutex),
		lastContext:  make(map[string]AssembledContext),
		interactions: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "engine"))
	if e.agentName == "" {
		e.agentName = "agent"
		if e.persona != nil {
			if name := e.persona.Identity().Name; name != "" {
				e.agentName = name
			}
		}
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	e.embedCache = cache
	return e, nil
}

func (e *Engine) lockConversation(conversationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.convLocks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		e.convLocks[conversationID] = mu
	}
	return mu
}

// queryEmbedding embeds the text, serving repeats from the cache.
func (e *Engine) queryEmbedding(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.embedCache.Get(text); ok {
		if emb, ok := v.([]float32); ok {
			return emb, nil
		}
	}
	emb, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.embedCache.Set(text, emb, 1)
	return emb, nil
}

// HandleTurn retrieves context for an incoming user message, appends the
// turn to working memory and returns the assembled context plus the window
// after insertion. Retrieval tiers that fail or time out contribute
// nothing; they never fail the turn.
func (e *Engine) HandleTurn(ctx context.Context, conversationID, entityID, text string) (AssembledContext, []core.Turn, error) {
	if conversationID == "" || entityID == "" || text == "" {
		return AssembledContext{}, nil, fmt.Errorf("handle turn: conversation id, entity id and text are required")
	}

	mu := e.lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	facts, learned, episodes, degraded := e.retrieve(ctx, entityID, text)
	working := e.working.Read(conversationID)
	relationship := e.relationship(entityID)

	ac := assemble(conversationID, entityID, relationship,
		facts, learned, episodes, working, degraded, e.tokenBudget, e.counter)

	turn := core.NewUserTurn(conversationID, entityID, entityID, text)
	window, evicted, err := e.working.Append(conversationID, turn)
	if err != nil {
		return ac, nil, fmt.Errorf("append user turn: %w", err)
	}
	e.afterAppend(conversationID, window, evicted)

	e.mu.Lock()
	e.lastContext[conversationID] = ac
	e.interactions[entityID]++
	e.mu.Unlock()

	return ac, window, nil
}

// retrieve queries the semantic and episodic tiers concurrently, each
// under its own timeout. Learned records are fetched separately so they
// can be merged ahead of ordinary episodes.
func (e *Engine) retrieve(ctx context.Context, entityID, text string) (
	facts []memory.SemanticFact,
	learned, episodes []memory.ScoredRecord,
	degraded []string,
) {
	var degradedMu sync.Mutex
	degrade := func(tier string, err error) {
		degradedMu.Lock()
		degraded = append(degraded, tier)
		degradedMu.Unlock()
		e.metrics.ObserveTierDegraded(tier)
		e.logger.Warn("tier degraded to empty contribution",
			zap.String("tier", tier), zap.Error(err))
	}

	embCtx, cancelEmb := context.WithTimeout(ctx, e.tierTimeout)
	emb, embErr := e.queryEmbedding(embCtx, text)
	cancelEmb()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tctx, cancel := context.WithTimeout(gctx, e.tierTimeout)
		defer cancel()
		fs, err := e.facts.Query(tctx, entityID, e.factLimit)
		if err != nil {
			degrade("semantic", err)
			return nil
		}
		facts = fs
		return nil
	})
	if embErr != nil {
		// Both embedding-backed tiers go empty without a query vector.
		degrade("learned", embErr)
		degrade("episodic", embErr)
	} else {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, e.tierTimeout)
			defer cancel()
			recs, err := e.episodic.Query(tctx, emb, e.episodeTopK, memory.EpisodicFilter{Kind: memory.KindLearned})
			if err != nil {
				degrade("learned", err)
				return nil
			}
			learned = recs
			return nil
		})
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, e.tierTimeout)
			defer cancel()
			recs, err := e.episodic.Query(tctx, emb, e.episodeTopK, memory.EpisodicFilter{Kind: memory.KindEpisode})
			if err != nil {
				degrade("episodic", err)
				return nil
			}
			episodes = recs
			return nil
		})
	}
	g.Wait()
	return facts, learned, episodes, degraded
}

// afterAppend records metrics and kicks consolidation when the window
// reached capacity. The pass runs in the background so the turn returns
// immediately.
func (e *Engine) afterAppend(conversationID string, window []core.Turn, evicted []core.Turn) {
	e.metrics.ObserveEviction(len(evicted))
	e.metrics.ObserveTurn(e.working.TotalTurns())

	if len(window) < e.working.Capacity() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), consolidationTimeout)
		defer cancel()
		if _, err := e.consolidator.Consolidate(ctx, conversationID); err != nil {
			e.logger.Warn("background consolidation failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}()
}

// ProcessMessage handles the turn end to end: context assembly, the
// persona-framed generation call, and recording of the agent's reply.
// Generation failure surfaces to the caller; the user turn stays recorded.
func (e *Engine) ProcessMessage(ctx context.Context, conversationID, entityID, text string) (string, error) {
	if e.generator == nil {
		return "", &memory.ConfigurationError{Field: "generator", Reason: "is required for ProcessMessage"}
	}

	ac, window, err := e.HandleTurn(ctx, conversationID, entityID, text)
	if err != nil {
		return "", err
	}

	system := ac.RenderKnowledge()
	if e.persona != nil {
		system = e.persona.SystemPrompt() + "\n\n" + system
	}

	messages := make([]llm.Message, 0, len(window))
	for _, t := range window {
		role := llm.RoleUser
		if t.Role == core.RoleAgent {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Text: t.Text})
	}

	reply, err := e.generator.Complete(ctx, llm.Request{
		System:   system,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}

	mu := e.lockConversation(conversationID)
	mu.Lock()
	agentWindow, evicted, err := e.working.Append(conversationID, core.NewAgentTurn(conversationID, e.agentName, reply))
	mu.Unlock()
	if err != nil {
		return reply, fmt.Errorf("append agent turn: %w", err)
	}
	e.afterAppend(conversationID, agentWindow, evicted)

	return reply, nil
}

// relationship frames how the agent knows the speaker, from the creator
// id and the interaction count.
func (e *Engine) relationship(entityID string) string {
	if e.creatorID != "" && entityID == e.creatorID {
		return "your creator"
	}
	e.mu.Lock()
	n := e.interactions[entityID]
	e.mu.Unlock()
	switch {
	case n == 0:
		return "someone you are meeting for the first time"
	case n < 10:
		return "someone you have spoken with a few times"
	default:
		return "someone you know well"
	}
}

// RunConsolidationLoop consolidates every active conversation on a fixed
// cadence until the context is cancelled. Blocks; run it in a goroutine.
func (e *Engine) RunConsolidationLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := e.consolidator.ConsolidateAll(ctx)
			if len(results) > 0 {
				e.logger.Info("periodic consolidation pass",
					zap.Int("conversations", len(results)))
			}
		}
	}
}

// ReloadPersona re-reads the persona sources from disk.
func (e *Engine) ReloadPersona() error {
	if e.persona == nil {
		return &memory.ConfigurationError{Field: "persona", Reason: "not configured"}
	}
	return e.persona.Reload()
}

// Close releases engine-held resources. The memory tiers are owned by the
// caller and closed separately.
func (e *Engine) Close() error {
	e.embedCache.Close()
	return nil
}
