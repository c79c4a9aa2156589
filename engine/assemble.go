package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/laffeybot/laffey/core"
	"github.com/laffeybot/laffey/memory"
)

// AssembledContext is everything retrieved for one turn, with provenance
// kept per section so the assembly can be inspected and debugged.
type AssembledContext struct {
	ConversationID string
	EntityID       string

	// Facts are semantic-tier facts about the speaker.
	Facts []memory.SemanticFact

	// Learned records are explicitly taught knowledge, merged ahead of
	// ordinary episodes.
	Learned []memory.ScoredRecord

	// Episodes are retrieved conversation summaries.
	Episodes []memory.ScoredRecord

	// Working is the full recent window, never truncated by the budget.
	Working []core.Turn

	// Relationship frames how the agent knows this speaker.
	Relationship string

	// DegradedTiers lists retrieval tiers that contributed nothing due to
	// timeout or failure.
	DegradedTiers []string

	// TokenCount is the estimated cost of the rendered context.
	TokenCount int

	AssembledAt time.Time
}

// assemble merges tier results under the token budget. The working window
// is reserved first and never truncated; remaining budget goes to facts,
// then learned records, then episodes, dropping whole items from the end
// of each section when they no longer fit. Stable identity facts outrank
// retrieved episodes of either kind under pressure.
func assemble(
	conversationID, entityID, relationship string,
	facts []memory.SemanticFact,
	learned, episodes []memory.ScoredRecord,
	working []core.Turn,
	degraded []string,
	budget int,
	counter TokenCounter,
) AssembledContext {
	ac := AssembledContext{
		ConversationID: conversationID,
		EntityID:       entityID,
		Relationship:   relationship,
		Working:        working,
		DegradedTiers:  degraded,
		AssembledAt:    time.Now().UTC(),
	}

	remaining := budget
	for _, t := range working {
		remaining -= counter.Count(t.Line())
	}

	for _, f := range facts {
		cost := counter.Count(f.Text)
		if cost > remaining {
			break
		}
		ac.Facts = append(ac.Facts, f)
		remaining -= cost
	}
	for _, r := range learned {
		cost := counter.Count(r.Record.Summary)
		if cost > remaining {
			break
		}
		ac.Learned = append(ac.Learned, r)
		remaining -= cost
	}
	for _, r := range episodes {
		cost := counter.Count(r.Record.Summary)
		if cost > remaining {
			break
		}
		ac.Episodes = append(ac.Episodes, r)
		remaining -= cost
	}

	ac.TokenCount = counter.Count(ac.Render())
	return ac
}

// Render formats the full context, the live conversation included. This
// is the inspectable form kept for LastAssembledContext.
func (ac AssembledContext) Render() string {
	var sb strings.Builder
	ac.renderKnowledge(&sb)
	if len(ac.Working) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, t := range ac.Working {
			fmt.Fprintf(&sb, "%s\n", t.Line())
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// RenderKnowledge formats only the durable sections. Generation uses this
// as system-prompt material while the working window travels as chat
// messages, so the conversation is not duplicated.
func (ac AssembledContext) RenderKnowledge() string {
	var sb strings.Builder
	ac.renderKnowledge(&sb)
	return strings.TrimRight(sb.String(), "\n")
}

func (ac AssembledContext) renderKnowledge(sb *strings.Builder) {
	if ac.Relationship != "" {
		fmt.Fprintf(sb, "You are talking to %s.\n\n", ac.Relationship)
	}
	if len(ac.Facts) > 0 {
		sb.WriteString("What you know about them:\n")
		for _, f := range ac.Facts {
			fmt.Fprintf(sb, "- %s\n", f.Text)
		}
		sb.WriteString("\n")
	}
	if len(ac.Learned) > 0 || len(ac.Episodes) > 0 {
		sb.WriteString("Relevant memories:\n")
		for _, r := range ac.Learned {
			fmt.Fprintf(sb, "- %s\n", r.Record.Summary)
		}
		for _, r := range ac.Episodes {
			fmt.Fprintf(sb, "- %s\n", r.Record.Summary)
		}
		sb.WriteString("\n")
	}
}
